package memcache

import (
	"bytes"
	"testing"

	"github.com/resourcemesh/breeze/hash"
	"github.com/resourcemesh/breeze/mem"
	"github.com/resourcemesh/breeze/proto"
	"github.com/resourcemesh/breeze/reqctx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestText_EmptyValueSetAccepted(t *testing.T) {
	r := mem.NewRing(128, 4096)
	feed(r, []byte("set k 0 0 0\r\n\r\n"))
	stream := proto.NewStream(r)
	h, _ := hash.New("crc32")

	var req *reqctx.Request
	err := Text{}.ParseRequest(stream, h, func(rq *reqctx.Request, last bool) error {
		req = rq
		return nil
	})
	assert.True(t, reqctx.IsIncomplete(err))
	require.NotNil(t, req)
	assert.Equal(t, "set k 0 0 0\r\n\r\n", string(req.Payload.Bytes()))
}

func TestText_MultiGetSplitsPerKey(t *testing.T) {
	r := mem.NewRing(128, 4096)
	feed(r, []byte("get a b c\r\n"))
	stream := proto.NewStream(r)
	h, _ := hash.New("crc32")

	var reqs []*reqctx.Request
	_ = Text{}.ParseRequest(stream, h, func(rq *reqctx.Request, last bool) error {
		reqs = append(reqs, rq)
		return nil
	})
	require.Len(t, reqs, 3)
	assert.True(t, reqs[0].Flag.MkeyFirstBit())
	assert.True(t, reqs[2].Flag.MkeyLastBit())
	assert.False(t, reqs[1].Flag.MkeyFirstBit())
}

func TestText_NoreplySetsSentOnly(t *testing.T) {
	r := mem.NewRing(128, 4096)
	feed(r, []byte("set k 0 0 3 noreply\r\nbar\r\n"))
	stream := proto.NewStream(r)
	h, _ := hash.New("crc32")

	var req *reqctx.Request
	_ = Text{}.ParseRequest(stream, h, func(rq *reqctx.Request, last bool) error {
		req = rq
		return nil
	})
	require.NotNil(t, req)
	assert.True(t, req.Flag.SentOnly())
}

func TestText_GetResponseRoundTrip(t *testing.T) {
	r := mem.NewRing(128, 4096)
	feed(r, []byte("VALUE k 0 3\r\nbar\r\nEND\r\n"))
	stream := proto.NewStream(r)
	resp, err := Text{}.ParseResponse(stream)
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, Text{}.WriteResponse(&buf, resp))
	assert.Equal(t, "VALUE k 0 3\r\nbar\r\nEND\r\n", buf.String())
}

func TestText_MissPaddingIsEnd(t *testing.T) {
	var buf bytes.Buffer
	req := &reqctx.Request{Op: reqctx.OpGet}
	require.NoError(t, Text{}.WritePadding(&buf, req))
	assert.Equal(t, "END\r\n", buf.String())
}
