package kv

import (
	"bytes"
	"testing"

	"github.com/resourcemesh/breeze/hash"
	"github.com/resourcemesh/breeze/mem"
	"github.com/resourcemesh/breeze/proto"
	"github.com/resourcemesh/breeze/proto/memcache"
	"github.com/resourcemesh/breeze/reqctx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	return NewCodec(newStrategy(t), Credentials{User: "kvuser", Password: "kvpass", DBName: "kv0"})
}

func TestCodec_ParseRequest_RewritesPayloadToQueryPacket(t *testing.T) {
	c := newTestCodec(t)
	key := []byte("9972602101111556910")
	ring := mem.NewRing(256, 4096)
	frame := binaryFrame(memcache.OpGet, key, nil, nil)
	copy(ring.Writable(), frame)
	ring.Advance(len(frame))
	stream := proto.NewStream(ring)
	h, err := hash.New("crc32")
	require.NoError(t, err)

	var got *reqctx.Request
	err = c.ParseRequest(stream, h, func(req *reqctx.Request, last bool) error {
		got = req
		return nil
	})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.False(t, got.Flag.NoForward())
	assert.Equal(t, comQuery, got.Payload.Bytes()[4])
	assert.True(t, bytes.Contains(got.Payload.Bytes(), []byte("select content from")))
}

func TestCodec_ParseRequest_MalformedKeyAnsweredLocally(t *testing.T) {
	c := newTestCodec(t)
	ring := mem.NewRing(256, 4096)
	frame := binaryFrame(memcache.OpGet, []byte("not-a-uuid"), nil, nil)
	copy(ring.Writable(), frame)
	ring.Advance(len(frame))
	stream := proto.NewStream(ring)
	h, _ := hash.New("crc32")

	var got *reqctx.Request
	err := c.ParseRequest(stream, h, func(req *reqctx.Request, last bool) error {
		got = req
		return nil
	})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Flag.NoForward())

	resp := c.LocalResponse(got)
	require.NotNil(t, resp.Payload)
	assert.Equal(t, byte(0x81), resp.Payload.Bytes()[0])
	assert.Equal(t, uint16(0x0004), uint16(resp.Payload.Bytes()[6])<<8|uint16(resp.Payload.Bytes()[7]))
}

func TestCodec_ParseResponse_ThenFinalize_BuildsGetHit(t *testing.T) {
	c := newTestCodec(t)
	ring := mem.NewRing(256, 4096)
	colDef := framePacket([]byte{0x03, 'f', 'o', 'o'}, 1)
	eofAfterCols := framePacket([]byte{headerEOF, 0x00, 0x00}, 2)
	row := framePacket([]byte{0x05, 'h', 'e', 'l', 'l', 'o'}, 3)
	eofFinal := framePacket([]byte{headerEOF, 0x00, 0x00}, 4)
	header := framePacket([]byte{0x01}, 0)
	pkt := append(append(append(append(header, colDef...), eofAfterCols...), row...), eofFinal...)
	copy(ring.Writable(), pkt)
	ring.Advance(len(pkt))
	stream := proto.NewStream(ring)

	raw, err := c.ParseResponse(stream)
	require.NoError(t, err)
	require.NotNil(t, raw)
	assert.Equal(t, 0, ring.Pending())

	req := &reqctx.Request{OpCode: memcache.OpGet, Op: reqctx.OpGet}
	final := c.FinalizeResponse(req, raw)
	require.NotNil(t, final)
	assert.True(t, final.OK())
	hdr := final.Payload.Bytes()
	assert.Equal(t, byte(0x81), hdr[0])
	bodyLen := int(hdr[8])<<24 | int(hdr[9])<<16 | int(hdr[10])<<8 | int(hdr[11])
	assert.Equal(t, "hello", string(hdr[binHdrLen:binHdrLen+bodyLen]))
}

func TestCodec_ParseResponse_ThenFinalize_BuildsGetMiss(t *testing.T) {
	c := newTestCodec(t)
	ring := mem.NewRing(256, 4096)
	pkt := framePacket([]byte{headerOK, 0x00, 0x00}, 0)
	copy(ring.Writable(), pkt)
	ring.Advance(len(pkt))
	stream := proto.NewStream(ring)

	raw, err := c.ParseResponse(stream)
	require.NoError(t, err)

	req := &reqctx.Request{OpCode: memcache.OpGet, Op: reqctx.OpGet}
	final := c.FinalizeResponse(req, raw)
	assert.False(t, final.OK())
	hdr := final.Payload.Bytes()
	status := uint16(hdr[6])<<8 | uint16(hdr[7])
	assert.Equal(t, uint16(0x0001), status)
}
