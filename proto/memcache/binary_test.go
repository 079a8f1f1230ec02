package memcache

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/resourcemesh/breeze/hash"
	"github.com/resourcemesh/breeze/mem"
	"github.com/resourcemesh/breeze/proto"
	"github.com/resourcemesh/breeze/reqctx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func binaryPacket(opcode uint32, key, extras, value []byte) []byte {
	hdr := make([]byte, hdrLen)
	hdr[0] = reqMagic
	hdr[1] = byte(opcode)
	binary.BigEndian.PutUint16(hdr[2:4], uint16(len(key)))
	hdr[4] = byte(len(extras))
	binary.BigEndian.PutUint32(hdr[8:12], uint32(len(extras)+len(key)+len(value)))
	out := append(hdr, extras...)
	out = append(out, key...)
	out = append(out, value...)
	return out
}

func feed(r *mem.Ring, b []byte) {
	copy(r.Writable(), b)
	r.Advance(len(b))
}

// TestBinaryQuietGetCoalescing checks that two GETKQ misses followed by a
// NOOP produce no bytes for the misses, then one NOOP response frame.
func TestBinaryQuietGetCoalescing(t *testing.T) {
	r := mem.NewRing(256, 4096)
	pkt := append(binaryPacket(OpGetKQ, []byte("missA"), nil, nil), binaryPacket(OpGetKQ, []byte("missB"), nil, nil)...)
	pkt = append(pkt, binaryPacket(OpNoop, nil, nil, nil)...)
	feed(r, pkt)

	stream := proto.NewStream(r)
	h, _ := hash.New("crc32")

	var reqs []*reqctx.Request
	err := Binary{}.ParseRequest(stream, h, func(req *reqctx.Request, last bool) error {
		reqs = append(reqs, req)
		return nil
	})
	require.Error(t, err) // runs out of bytes eventually (ErrIncomplete), not a real error
	assert.True(t, reqctx.IsIncomplete(err))
	require.Len(t, reqs, 3)

	assert.Equal(t, OpGetK, reqs[0].OpCode)
	assert.True(t, reqs[0].Flag.SentOnly())
	assert.True(t, reqs[1].Flag.SentOnly())
	assert.False(t, reqs[2].Flag.SentOnly())

	var buf bytes.Buffer
	// Simulate misses: no response for quiet gets.
	require.NoError(t, Binary{}.WritePadding(&buf, reqs[0]))
	require.NoError(t, Binary{}.WritePadding(&buf, reqs[1]))
	assert.Equal(t, 0, buf.Len())

	require.NoError(t, Binary{}.WritePadding(&buf, reqs[2]))
	assert.Equal(t, hdrLen, buf.Len())
	assert.Equal(t, rspMagic, buf.Bytes()[0])
}

func TestBinary_QuitClosesConnection(t *testing.T) {
	r := mem.NewRing(256, 4096)
	feed(r, binaryPacket(OpQuit, nil, nil, nil))
	stream := proto.NewStream(r)
	h, _ := hash.New("crc32")

	var got bool
	err := Binary{}.ParseRequest(stream, h, func(req *reqctx.Request, last bool) error {
		got = true
		return nil
	})
	require.True(t, got)
	var kindErr *reqctx.Error
	require.ErrorAs(t, err, &kindErr)
	assert.Equal(t, reqctx.KindQuit, kindErr.Kind)
}

func TestBinary_WritebackRoundTrips(t *testing.T) {
	r := mem.NewRing(256, 4096)
	feed(r, binaryPacket(OpGet, []byte("k1"), nil, nil))
	stream := proto.NewStream(r)
	h, _ := hash.New("crc32")

	var req *reqctx.Request
	_ = Binary{}.ParseRequest(stream, h, func(rq *reqctx.Request, last bool) error {
		req = rq
		return nil
	})

	rr := mem.NewRing(256, 4096)
	rspExtras := make([]byte, 4)
	feed(rr, append(responseHeader(0, len(rspExtras), 0, len("v")), append(rspExtras, []byte("v")...)...))
	rstream := proto.NewStream(rr)
	resp, err := Binary{}.ParseResponse(rstream)
	require.NoError(t, err)

	ctx := newTestContext(req, resp)
	wb, err := Binary{}.BuildWriteback(ctx, 60)
	require.NoError(t, err)
	assert.Equal(t, OpSet, wb.OpCode)
	assert.True(t, wb.Flag.SentOnly())
}

func responseHeader(status uint16, extraLen, keyLen, valueLen int) []byte {
	hdr := make([]byte, hdrLen)
	hdr[0] = rspMagic
	binary.BigEndian.PutUint16(hdr[6:8], status)
	binary.BigEndian.PutUint32(hdr[8:12], uint32(extraLen+keyLen+valueLen))
	return hdr
}
