// Package respframe implements the RESP2 array/bulk framing shared by the
// Redis and Phantom codecs.
package respframe

import (
	"bytes"
	"fmt"

	"github.com/pkg/errors"

	"github.com/resourcemesh/breeze/mem"
	"github.com/resourcemesh/breeze/reqctx"
)

// ReadArray parses a complete *N\r\n($L\r\n<bytes>\r\n){N} frame starting
// at offset 0 of s, returning the field byte slices and the total frame
// length. Returns reqctx.ErrIncomplete if s does not yet hold a full frame.
func ReadArray(s mem.RingSlice) ([][]byte, int, error) {
	if s.Len() < 4 {
		return nil, 0, reqctx.ErrIncomplete
	}
	if s.At(0) != '*' {
		return nil, 0, reqctx.New(reqctx.KindRequestProtocolInvalid)
	}
	lineEnd := s.IndexByte(1, '\n')
	if lineEnd < 0 {
		return nil, 0, reqctx.ErrIncomplete
	}
	n, err := parseInt(TrimCRLF(s.Sub(1, lineEnd+1).Bytes()))
	if err != nil {
		return nil, 0, reqctx.New(reqctx.KindRequestProtocolInvalid)
	}
	if n <= 0 {
		// A zero- or negative-length array is rejected as a framing error
		// rather than treated as an empty command.
		return nil, 0, reqctx.New(reqctx.KindRequestProtocolInvalid)
	}

	pos := lineEnd + 1
	fields := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		if s.Len() < pos+4 || s.At(pos) != '$' {
			return nil, 0, reqctx.ErrIncomplete
		}
		bulkLineEnd := s.IndexByte(pos+1, '\n')
		if bulkLineEnd < 0 {
			return nil, 0, reqctx.ErrIncomplete
		}
		blen, err := parseInt(TrimCRLF(s.Sub(pos+1, bulkLineEnd+1).Bytes()))
		if err != nil || blen < 0 {
			return nil, 0, reqctx.New(reqctx.KindRequestProtocolInvalid)
		}
		dataStart := bulkLineEnd + 1
		dataEnd := dataStart + blen + 2
		if s.Len() < dataEnd {
			return nil, 0, reqctx.ErrIncomplete
		}
		fields = append(fields, s.Sub(dataStart, dataStart+blen).Bytes())
		pos = dataEnd
	}
	return fields, pos, nil
}

func parseInt(b []byte) (int, error) {
	neg := false
	if len(b) > 0 && b[0] == '-' {
		neg = true
		b = b[1:]
	}
	if len(b) == 0 {
		return 0, errors.New("respframe: empty integer")
	}
	n := 0
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, errors.Errorf("respframe: invalid digit %q", c)
		}
		n = n*10 + int(c-'0')
	}
	if neg {
		n = -n
	}
	return n, nil
}

// TrimCRLF strips a trailing \r\n (or \n) from a materialized line.
func TrimCRLF(b []byte) []byte {
	b = bytes.TrimSuffix(b, []byte("\n"))
	b = bytes.TrimSuffix(b, []byte("\r"))
	return b
}

// Lower ASCII-lowercases b into a new string, used for case-insensitive
// command dispatch.
func Lower(b []byte) string {
	out := make([]byte, len(b))
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}

// EncodeArray renders fields as a RESP2 array of bulk strings.
func EncodeArray(fields [][]byte) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "*%d\r\n", len(fields))
	for _, f := range fields {
		fmt.Fprintf(&buf, "$%d\r\n", len(f))
		buf.Write(f)
		buf.WriteString("\r\n")
	}
	return buf.Bytes()
}

// NewByteSlice wraps a plain byte slice as a RingSlice-backed reader so
// ReadArray can reparse an already-materialized request payload (used by
// BuildWriteback to recover the original key from ctx.Request.Payload).
func NewByteSlice(b []byte) mem.RingSlice {
	r := mem.NewRing(len(b)+8, len(b)+8)
	copy(r.Writable(), b)
	r.Advance(len(b))
	return r.Slice()
}

// ExtractBulk pulls the payload out of a $L\r\n<bytes>\r\n bulk reply.
func ExtractBulk(resp []byte) ([]byte, bool) {
	if len(resp) == 0 || resp[0] != '$' {
		return nil, false
	}
	idx := bytes.IndexByte(resp, '\n')
	if idx < 0 {
		return nil, false
	}
	n, err := parseInt(TrimCRLF(resp[1:idx]))
	if err != nil || n < 0 || idx+1+n > len(resp) {
		return nil, false
	}
	return resp[idx+1 : idx+1+n], true
}
