package kv

import (
	"crypto/sha1"
	"encoding/binary"
	"net"

	"github.com/resourcemesh/breeze/mem"
	"github.com/resourcemesh/breeze/reqctx"
)

// Minimal MySQL client/server protocol constants for a small MySQL-protocol
// state machine (handshake, ok/err/result-set/row packets). Only the subset
// this dialect's single-row, single-column "content" query needs is
// implemented; full prepared-statement/binary result sets are out of scope.
const (
	comQuery byte = 0x03

	headerOK  byte = 0x00
	headerEOF byte = 0xfe
	headerErr byte = 0xff
)

// packetHeader reads the 3-byte little-endian payload length and 1-byte
// sequence id that precede every MySQL packet.
func packetHeader(s mem.RingSlice) (payloadLen int, seq byte, ok bool) {
	if s.Len() < 4 {
		return 0, 0, false
	}
	payloadLen = int(s.U8(0)) | int(s.U8(1))<<8 | int(s.U8(2))<<16
	seq = s.U8(3)
	return payloadLen, seq, true
}

// BuildQueryPacket wraps sql as a sequence-0 COM_QUERY packet.
func BuildQueryPacket(sql string) []byte {
	payload := make([]byte, 1+len(sql))
	payload[0] = comQuery
	copy(payload[1:], sql)
	return framePacket(payload, 0)
}

func framePacket(payload []byte, seq byte) []byte {
	out := make([]byte, 4+len(payload))
	out[0] = byte(len(payload))
	out[1] = byte(len(payload) >> 8)
	out[2] = byte(len(payload) >> 16)
	out[3] = seq
	copy(out[4:], payload)
	return out
}

// HandshakeV10 holds the server greeting fields this dialect inspects
// before issuing the first query (protocol version is always 10 for any
// server recent enough to serve this dialect).
type HandshakeV10 struct {
	ServerVersion string
	ConnectionID  uint32
	AuthSeed      []byte
}

// ParseHandshakeV10 parses the initial server greeting packet.
func ParseHandshakeV10(stream *mem.Ring) (*HandshakeV10, int, error) {
	s := stream.Slice()
	plen, _, ok := packetHeader(s)
	if !ok {
		return nil, 0, reqctx.ErrIncomplete
	}
	total := 4 + plen
	if s.Len() < total {
		return nil, 0, reqctx.ErrIncomplete
	}
	body := s.Sub(4, total).Bytes()
	if len(body) < 1 || body[0] != 10 {
		return nil, 0, reqctx.New(reqctx.KindResponseProtocolInvalid)
	}
	nulIdx := indexByte(body[1:], 0)
	if nulIdx < 0 {
		return nil, 0, reqctx.New(reqctx.KindResponseProtocolInvalid)
	}
	version := string(body[1 : 1+nulIdx])
	pos := 1 + nulIdx + 1
	if pos+4 > len(body) {
		return nil, 0, reqctx.New(reqctx.KindResponseProtocolInvalid)
	}
	connID := binary.LittleEndian.Uint32(body[pos : pos+4])
	pos += 4
	seedEnd := pos + 8
	if seedEnd > len(body) {
		return nil, 0, reqctx.New(reqctx.KindResponseProtocolInvalid)
	}
	seed := append([]byte{}, body[pos:seedEnd]...)
	return &HandshakeV10{ServerVersion: version, ConnectionID: connID, AuthSeed: seed}, total, nil
}

// Client capability flags this dialect advertises in its handshake
// response: Protocol 4.1 framing, mysql_native_password-scrambled
// passwords, and (when a default schema is configured) CLIENT_CONNECT_WITH_DB.
const (
	capLongPassword     uint32 = 0x00000001
	capConnectWithDB    uint32 = 0x00000008
	capProtocol41       uint32 = 0x00000200
	capSecureConnection uint32 = 0x00008000
	capPluginAuth       uint32 = 0x00080000
)

// scramblePassword computes the mysql_native_password auth response:
// SHA1(password) XOR SHA1(seed + SHA1(SHA1(password))). An empty password
// scrambles to an empty response, matching the wire convention for
// passwordless accounts.
func scramblePassword(password string, seed []byte) []byte {
	if password == "" {
		return nil
	}
	pwdHash := sha1.Sum([]byte(password))
	pwdHashHash := sha1.Sum(pwdHash[:])
	combined := append(append([]byte{}, seed...), pwdHashHash[:]...)
	stage := sha1.Sum(combined)
	out := make([]byte, len(pwdHash))
	for i := range out {
		out[i] = stage[i] ^ pwdHash[i]
	}
	return out
}

func le32(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

// buildHandshakeResponse builds a Protocol 4.1 handshake response packet
// (sequence 1) authenticating with mysql_native_password against the
// server greeting's connection seed.
func buildHandshakeResponse(creds Credentials, seed []byte) []byte {
	caps := capLongPassword | capProtocol41 | capSecureConnection | capPluginAuth
	if creds.DBName != "" {
		caps |= capConnectWithDB
	}

	body := make([]byte, 0, 64+len(creds.User)+len(creds.DBName))
	body = append(body, le32(caps)...)
	body = append(body, le32(1<<24-1)...) // max packet size
	body = append(body, 33)               // utf8_general_ci
	body = append(body, make([]byte, 23)...)
	body = append(body, []byte(creds.User)...)
	body = append(body, 0)

	scrambled := scramblePassword(creds.Password, seed)
	body = append(body, byte(len(scrambled)))
	body = append(body, scrambled...)

	if creds.DBName != "" {
		body = append(body, []byte(creds.DBName)...)
		body = append(body, 0)
	}
	body = append(body, []byte("mysql_native_password")...)
	body = append(body, 0)

	return framePacket(body, 1)
}

// parseAuthAck reads the OK/ERR packet a server sends in response to the
// handshake response.
func parseAuthAck(stream *mem.Ring) (ok bool, consumed int, err error) {
	s := stream.Slice()
	plen, _, have := packetHeader(s)
	if !have {
		return false, 0, reqctx.ErrIncomplete
	}
	total := 4 + plen
	if s.Len() < total {
		return false, 0, reqctx.ErrIncomplete
	}
	return s.U8(4) == headerOK, total, nil
}

// fillRing blocks for at least one Read off conn, growing ring if its
// writable window is currently empty.
func fillRing(conn net.Conn, ring *mem.Ring) error {
	w := ring.Writable()
	if len(w) == 0 {
		if err := ring.Grow(4096); err != nil {
			return reqctx.Wrap(reqctx.KindAuthFailed, err)
		}
		w = ring.Writable()
	}
	n, err := conn.Read(w)
	if n > 0 {
		ring.Advance(n)
	}
	if err != nil {
		return reqctx.Wrap(reqctx.KindAuthFailed, err)
	}
	return nil
}

// Authenticate implements proto.Authenticator: read the server's greeting,
// send a scrambled-password handshake response, and read the resulting
// OK/ERR ack, all before endpoint.serve starts its normal send/read loop.
func (c *Codec) Authenticate(conn net.Conn) error {
	ring := mem.NewRing(1024, 64*1024)

	var greeting *HandshakeV10
	for {
		g, n, err := ParseHandshakeV10(ring)
		if err == nil {
			if _, terr := ring.Take(n); terr != nil {
				return reqctx.Wrap(reqctx.KindAuthFailed, terr)
			}
			greeting = g
			break
		}
		if !reqctx.IsIncomplete(err) {
			return reqctx.Wrap(reqctx.KindAuthFailed, err)
		}
		if err := fillRing(conn, ring); err != nil {
			return err
		}
	}

	resp := buildHandshakeResponse(c.Creds, greeting.AuthSeed)
	if _, err := conn.Write(resp); err != nil {
		return reqctx.Wrap(reqctx.KindAuthFailed, err)
	}

	for {
		ok, n, err := parseAuthAck(ring)
		if err == nil {
			if _, terr := ring.Take(n); terr != nil {
				return reqctx.Wrap(reqctx.KindAuthFailed, terr)
			}
			if !ok {
				return reqctx.New(reqctx.KindAuthFailed)
			}
			return nil
		}
		if !reqctx.IsIncomplete(err) {
			return reqctx.Wrap(reqctx.KindAuthFailed, err)
		}
		if err := fillRing(conn, ring); err != nil {
			return err
		}
	}
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// lengthEncodedInt decodes a MySQL length-encoded integer at offset i,
// returning its value, the number of bytes consumed, and whether the
// encoding was the SQL NULL marker (0xfb).
func lengthEncodedInt(b []byte, i int) (v uint64, n int, isNull bool) {
	if i >= len(b) {
		return 0, 0, false
	}
	switch {
	case b[i] < 0xfb:
		return uint64(b[i]), 1, false
	case b[i] == 0xfb:
		return 0, 1, true
	case b[i] == 0xfc:
		if i+3 > len(b) {
			return 0, 0, false
		}
		return uint64(binary.LittleEndian.Uint16(b[i+1 : i+3])), 3, false
	case b[i] == 0xfd:
		if i+4 > len(b) {
			return 0, 0, false
		}
		return uint64(b[i+1]) | uint64(b[i+2])<<8 | uint64(b[i+3])<<16, 4, false
	default: // 0xfe
		if i+9 > len(b) {
			return 0, 0, false
		}
		return binary.LittleEndian.Uint64(b[i+1 : i+9]), 9, false
	}
}

// Result is the outcome of one query: either an OK/affected-rows ack, an
// error, or a single extracted column value from the first result row
// (this dialect's queries always select exactly one "content" column).
type Result struct {
	IsOK         bool
	AffectedRows uint64
	ErrCode      uint16
	ErrMessage   string
	Value        []byte
	HasValue     bool
}

// ParseResult reads one complete query response from stream: an OK
// packet, an ERR packet, or a result-set header followed by column
// definitions, an EOF, zero-or-more row packets, and a terminating EOF.
// Returns reqctx.ErrIncomplete if the full response has not yet arrived.
func ParseResult(r *mem.Ring) (*Result, int, error) {
	s := r.Slice()
	total := 0

	plen, _, ok := packetHeader(s)
	if !ok {
		return nil, 0, reqctx.ErrIncomplete
	}
	if s.Len() < 4+plen {
		return nil, 0, reqctx.ErrIncomplete
	}
	first := s.U8(4)

	switch first {
	case headerOK:
		body := s.Sub(4, 4+plen).Bytes()
		affected, _, _ := lengthEncodedInt(body, 1)
		return &Result{IsOK: true, AffectedRows: affected}, 4 + plen, nil
	case headerErr:
		body := s.Sub(4, 4+plen).Bytes()
		if len(body) < 3 {
			return nil, 0, reqctx.New(reqctx.KindResponseProtocolInvalid)
		}
		code := binary.LittleEndian.Uint16(body[1:3])
		msg := string(body[3:])
		return &Result{ErrCode: code, ErrMessage: msg}, 4 + plen, nil
	default:
		return parseResultSet(s)
	}
}

// parseResultSet consumes a column-count header, that many column
// definition packets, an EOF, the first row packet (if any), remaining
// row packets up to the terminating EOF, materializing only the first
// row's first column as Result.Value.
func parseResultSet(s mem.RingSlice) (*Result, int, error) {
	pos := 0
	plen, _, ok := packetHeader(s.Sub(pos, s.Len()))
	if !ok {
		return nil, 0, reqctx.ErrIncomplete
	}
	header := s.Sub(pos+4, pos+4+plen).Bytes()
	colCount, _, _ := lengthEncodedInt(header, 0)
	pos += 4 + plen

	for i := uint64(0); i < colCount; i++ {
		n, err := skipPacket(s, pos)
		if err != nil {
			return nil, 0, err
		}
		pos = n
	}

	// EOF after column definitions (absent under CLIENT_DEPRECATE_EOF,
	// which this dialect does not negotiate, so it is always present).
	eofLen, _, ok := headerAt(s, pos)
	if !ok {
		return nil, 0, reqctx.ErrIncomplete
	}
	pos += 4 + eofLen

	result := &Result{IsOK: true}
	for {
		plen, _, ok := headerAt(s, pos)
		if !ok {
			return nil, 0, reqctx.ErrIncomplete
		}
		rowFirst := s.At(pos + 4)
		if rowFirst == headerEOF && plen < 9 {
			pos += 4 + plen
			break
		}
		body := s.Sub(pos+4, pos+4+plen).Bytes()
		if !result.HasValue {
			strLen, lenBytes, isNull := lengthEncodedInt(body, 0)
			if !isNull {
				start := lenBytes
				end := start + int(strLen)
				if end <= len(body) {
					result.Value = append([]byte{}, body[start:end]...)
					result.HasValue = true
				}
			}
		}
		pos += 4 + plen
	}
	return result, pos, nil
}

func headerAt(s mem.RingSlice, pos int) (payloadLen int, seq byte, ok bool) {
	if s.Len() < pos+4 {
		return 0, 0, false
	}
	return packetHeader(s.Sub(pos, s.Len()))
}

func skipPacket(s mem.RingSlice, pos int) (int, error) {
	plen, _, ok := headerAt(s, pos)
	if !ok {
		return 0, reqctx.ErrIncomplete
	}
	if s.Len() < pos+4+plen {
		return 0, reqctx.ErrIncomplete
	}
	return pos + 4 + plen, nil
}
