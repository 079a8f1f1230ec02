package memcache

import (
	"encoding/binary"

	"github.com/resourcemesh/breeze/mem"
	"github.com/resourcemesh/breeze/reqctx"
)

// buildWritebackBinary synthesizes a binary Set request against a higher
// cache tier from a context whose response came from a lower layer. The
// synthesized payload is heap-owned rather than ring-backed, since it has
// no backing ring buffer span of its own.
func buildWritebackBinary(ctx *reqctx.Context, exp int) (*reqctx.Request, error) {
	if ctx.Request == nil || ctx.Response == nil || ctx.Response.Payload == nil {
		return nil, reqctx.New(reqctx.KindNoResponseFound)
	}
	key := extractBinaryKey(ctx.Request)
	val := extractBinaryValue(ctx.Response)

	extras := make([]byte, 8) // flags(4) + exptime(4)
	binary.BigEndian.PutUint32(extras[4:], uint32(exp))

	body := make([]byte, 0, len(extras)+len(key)+len(val))
	body = append(body, extras...)
	body = append(body, key...)
	body = append(body, val...)

	hdr := make([]byte, hdrLen)
	hdr[0] = reqMagic
	hdr[1] = byte(OpSet)
	binary.BigEndian.PutUint16(hdr[2:4], uint16(len(key)))
	hdr[4] = byte(len(extras))
	binary.BigEndian.PutUint32(hdr[8:12], uint32(len(body)))

	payload := append(hdr, body...)

	return &reqctx.Request{
		Payload: mem.NewHeapGuard(payload),
		Hash:    ctx.Request.Hash,
		Flag:    reqctx.Flag(0).With(reqctx.SentOnly),
		OpCode:  OpSet,
		Op:      reqctx.OpStore,
	}, nil
}

func extractBinaryKey(req *reqctx.Request) []byte {
	b := req.Payload.Bytes()
	if len(b) < hdrLen {
		return nil
	}
	keyLen := int(binary.BigEndian.Uint16(b[2:4]))
	extraLen := int(b[4])
	start := hdrLen + extraLen
	end := start + keyLen
	if end > len(b) {
		return nil
	}
	return b[start:end]
}

func extractBinaryValue(resp *reqctx.Response) []byte {
	b := resp.Payload.Bytes()
	if len(b) < hdrLen {
		return nil
	}
	keyLen := int(binary.BigEndian.Uint16(b[2:4]))
	extraLen := int(b[4])
	start := hdrLen + extraLen + keyLen
	if start > len(b) {
		return nil
	}
	return b[start:]
}
