package kv

import "encoding/binary"

// encodeResult and decodeResult carry a parsed Result from Codec.ParseResponse
// to Codec.FinalizeResponse as Response.Payload bytes. This encoding is
// internal to the kv package and never reaches a client socket: by the time
// a Response leaves FinalizeResponse it has already been replaced by
// BuildResponse's synthesized Memcached frame.
func encodeResult(r *Result) []byte {
	buf := make([]byte, 0, 10+len(r.ErrMessage)+len(r.Value))
	flags := byte(0)
	if r.IsOK {
		flags |= 1
	}
	if r.HasValue {
		flags |= 2
	}
	buf = append(buf, flags)
	buf = appendUint16(buf, r.ErrCode)
	buf = appendUint32(buf, uint32(len(r.ErrMessage)))
	buf = append(buf, r.ErrMessage...)
	buf = appendUint32(buf, uint32(len(r.Value)))
	buf = append(buf, r.Value...)
	return buf
}

func decodeResult(b []byte) *Result {
	if len(b) < 7 {
		return &Result{}
	}
	r := &Result{IsOK: b[0]&1 != 0, HasValue: b[0]&2 != 0}
	r.ErrCode = binary.BigEndian.Uint16(b[1:3])
	pos := 3
	msgLen := int(binary.BigEndian.Uint32(b[pos : pos+4]))
	pos += 4
	if pos+msgLen > len(b) {
		return r
	}
	r.ErrMessage = string(b[pos : pos+msgLen])
	pos += msgLen
	if pos+4 > len(b) {
		return r
	}
	valLen := int(binary.BigEndian.Uint32(b[pos : pos+4]))
	pos += 4
	if pos+valLen > len(b) {
		return r
	}
	r.Value = b[pos : pos+valLen]
	return r
}

func appendUint16(b []byte, v uint16) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendUint32(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}
