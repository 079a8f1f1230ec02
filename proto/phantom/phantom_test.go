package phantom

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

func feed(r *mem.Ring, b []byte) {
	copy(r.Writable(), b)
	r.Advance(len(b))
}

// TestPhantom_BfgetUninitializedKey checks that a numeric key, not yet
// set, is forwarded to the backend rather than rejected locally, and that
// WritePadding's placeholder for a request with no backend reply is :0.
func TestPhantom_BfgetUninitializedKey(t *testing.T) {
	r := mem.NewRing(256, 4096)
	feed(r, []byte("*2\r\n$5\r\nbfget\r\n$19\r\n9972602101111556910\r\n"))
	stream := proto.NewStream(r)
	h, _ := hash.New("crc32")

	var reqs []*reqctx.Request
	err := Phantom{MinKey: 0}.ParseRequest(stream, h, func(rq *reqctx.Request, last bool) error {
		reqs = append(reqs, rq)
		return nil
	})
	assert.True(t, reqctx.IsIncomplete(err))
	require.Len(t, reqs, 1)
	assert.Equal(t, reqctx.OpGet, reqs[0].Op)
	assert.False(t, reqs[0].Flag.NoForward())

	var buf bytes.Buffer
	require.NoError(t, Phantom{}.WritePadding(&buf, reqs[0]))
	assert.Equal(t, ":0\r\n", buf.String())
}

func TestPhantom_NonNumericKeyReturnsSentinel(t *testing.T) {
	r := mem.NewRing(256, 4096)
	feed(r, []byte("*2\r\n$5\r\nbfget\r\n$5\r\nhello\r\n"))
	stream := proto.NewStream(r)
	h, _ := hash.New("crc32")

	var req *reqctx.Request
	err := Phantom{MinKey: 0}.ParseRequest(stream, h, func(rq *reqctx.Request, last bool) error {
		req = rq
		return nil
	})
	assert.True(t, reqctx.IsIncomplete(err))
	require.NotNil(t, req)
	assert.True(t, req.Flag.NoForward())

	resp := Phantom{}.LocalResponse(req)
	var buf bytes.Buffer
	require.NoError(t, Phantom{}.WriteResponse(&buf, resp))
	assert.Equal(t, ":-2\r\n", buf.String())
}

func TestPhantom_KeyBelowMinimumReturnsSentinel(t *testing.T) {
	r := mem.NewRing(256, 4096)
	feed(r, []byte("*2\r\n$5\r\nbfget\r\n$2\r\n42\r\n"))
	stream := proto.NewStream(r)
	h, _ := hash.New("crc32")

	var req *reqctx.Request
	err := Phantom{MinKey: 1000}.ParseRequest(stream, h, func(rq *reqctx.Request, last bool) error {
		req = rq
		return nil
	})
	assert.True(t, reqctx.IsIncomplete(err))
	require.NotNil(t, req)

	resp := Phantom{}.LocalResponse(req)
	var buf bytes.Buffer
	require.NoError(t, Phantom{}.WriteResponse(&buf, resp))
	assert.Equal(t, ":-1\r\n", buf.String())
}

func TestPhantom_BfmsetSplitsPerPair(t *testing.T) {
	r := mem.NewRing(256, 4096)
	feed(r, []byte("*5\r\n$6\r\nbfmset\r\n$1\r\n1\r\n$1\r\nv\r\n$1\r\n2\r\n$1\r\nw\r\n"))
	stream := proto.NewStream(r)
	h, _ := hash.New("crc32")

	var reqs []*reqctx.Request
	err := Phantom{MinKey: 0}.ParseRequest(stream, h, func(rq *reqctx.Request, last bool) error {
		reqs = append(reqs, rq)
		return nil
	})
	assert.True(t, reqctx.IsIncomplete(err))
	require.Len(t, reqs, 2)
	assert.True(t, reqs[0].Flag.MkeyFirstBit())
	assert.True(t, reqs[1].Flag.MkeyLastBit())
	assert.Equal(t, reqctx.OpStore, reqs[0].Op)
}

func TestPhantom_PingIsLocalNoForward(t *testing.T) {
	r := mem.NewRing(128, 4096)
	feed(r, []byte("*1\r\n$4\r\nping\r\n"))
	stream := proto.NewStream(r)
	h, _ := hash.New("crc32")

	var req *reqctx.Request
	err := Phantom{}.ParseRequest(stream, h, func(rq *reqctx.Request, last bool) error {
		req = rq
		return nil
	})
	assert.True(t, reqctx.IsIncomplete(err))
	require.NotNil(t, req)
	assert.True(t, req.Flag.NoForward())
}

func TestPhantom_CollateResponses_WrapsArrayHeader(t *testing.T) {
	reqs := []*reqctx.Request{
		{Op: reqctx.OpGet},
		{Op: reqctx.OpGet},
	}
	resps := []*reqctx.Response{
		{Payload: mem.NewHeapGuard([]byte(":1\r\n"))},
		nil, // no response: padded as :0
	}

	resp := Phantom{}.CollateResponses(reqs, resps)
	require.NotNil(t, resp)
	assert.Equal(t, "*2\r\n:1\r\n:0\r\n", string(resp.Payload.Bytes()))
}
