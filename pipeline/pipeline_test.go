package pipeline

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/resourcemesh/breeze/gc"
	"github.com/resourcemesh/breeze/hash"
	"github.com/resourcemesh/breeze/mem"
	"github.com/resourcemesh/breeze/proto"
	"github.com/resourcemesh/breeze/refresh"
	"github.com/resourcemesh/breeze/reqctx"
	"github.com/resourcemesh/breeze/topology"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCodec struct {
	localResp *reqctx.Response
}

func (fakeCodec) Name() string { return "fake" }
func (fakeCodec) ParseRequest(*proto.Stream, hash.Hasher, proto.ProcessFunc) error {
	return reqctx.ErrIncomplete
}
func (fakeCodec) ParseResponse(*proto.Stream) (*reqctx.Response, error) {
	return nil, reqctx.ErrIncomplete
}
func (fakeCodec) WriteResponse(w io.Writer, resp *reqctx.Response) error {
	if resp == nil || resp.Payload == nil {
		return nil
	}
	_, err := w.Write(resp.Payload.Bytes())
	return err
}
func (fakeCodec) WritePadding(w io.Writer, req *reqctx.Request) error {
	_, err := w.Write([]byte("PAD\n"))
	return err
}
func (fakeCodec) BuildWriteback(*reqctx.Context, int) (*reqctx.Request, error) { return nil, nil }

func (f fakeCodec) LocalResponse(req *reqctx.Request) *reqctx.Response { return f.localResp }

func newTestPipeline(t *testing.T, codec proto.Codec) (*Pipeline, net.Conn) {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	t.Cleanup(func() { serverConn.Close(); clientConn.Close() })

	q := gc.New()
	h, _ := hash.New("crc32")
	snap := &topology.Snapshot{Hasher: h, Namespaces: map[string]*topology.Namespace{}}
	holder := refresh.New(snap, q)
	p := New(serverConn, codec, "ns", holder, q, 2)
	return p, clientConn
}

func mkReq(payload []byte, flag reqctx.Flag) *reqctx.Request {
	return &reqctx.Request{Payload: mem.NewHeapGuard(payload), Flag: flag, Op: reqctx.OpGet}
}

func TestPipeline_NoForwardRequestCompletesLocallyAndWrites(t *testing.T) {
	codec := fakeCodec{localResp: &reqctx.Response{Payload: mem.NewHeapGuard([]byte("PONG\n")), Flag: reqctx.Flag(0).With(reqctx.StatusOK)}}
	p, client := newTestPipeline(t, codec)

	req := mkReq([]byte("ping"), reqctx.NoForward)
	require.NoError(t, p.onRequest(nil, nil, req))

	done := make(chan struct{})
	go func() {
		require.NoError(t, p.drainCompleted())
		close(done)
	}()

	buf := make([]byte, 16)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := client.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "PONG\n", string(buf[:n]))
	<-done
	assert.Equal(t, 0, p.fifo.len())
}

func TestPipeline_WritesPaddingWhenResponseMissing(t *testing.T) {
	p, client := newTestPipeline(t, fakeCodec{})

	ctx := p.arena.Get()
	ctx.Init(mkReq([]byte("get k"), 0))
	p.fifo.pushBack(ctx)
	ctx.CompleteErr(reqctx.New(reqctx.KindNoResponseFound))

	done := make(chan struct{})
	go func() {
		require.NoError(t, p.drainCompleted())
		close(done)
	}()

	buf := make([]byte, 16)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := client.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "PAD\n", string(buf[:n]))
	<-done
}

func TestPipeline_MkeyGroupWaitsForAllMembersBeforeWriting(t *testing.T) {
	p, client := newTestPipeline(t, fakeCodec{})

	first := p.arena.Get()
	first.Init(mkReq([]byte("k1"), reqctx.MkeyFirst))
	p.fifo.pushBack(first)

	last := p.arena.Get()
	last.Init(mkReq([]byte("k2"), reqctx.MkeyLast))
	p.fifo.pushBack(last)

	first.CompleteOK(&reqctx.Response{Payload: mem.NewHeapGuard([]byte("A")), Flag: reqctx.Flag(0).With(reqctx.StatusOK)})

	require.NoError(t, p.drainCompleted())
	assert.Equal(t, 2, p.fifo.len(), "group must not drain until the last member completes")

	last.CompleteOK(&reqctx.Response{Payload: mem.NewHeapGuard([]byte("B")), Flag: reqctx.Flag(0).With(reqctx.StatusOK)})

	go func() { _ = p.drainCompleted() }()

	buf := make([]byte, 16)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := client.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "AB", string(buf[:n]))
}

func TestFIFO_PushPopOrderAndCompaction(t *testing.T) {
	q := newFIFO()
	// 100 entries: popping the 65th moves head past 64 with head*2 > len,
	// which triggers popFront's compaction path before the final reset.
	ctxs := make([]*reqctx.Context, 0, 100)
	arena := reqctx.NewArena()
	for i := 0; i < 100; i++ {
		c := arena.Get()
		ctxs = append(ctxs, c)
		q.pushBack(c)
	}
	for i := 0; i < 100; i++ {
		c, ok := q.popFront()
		require.True(t, ok)
		assert.Same(t, ctxs[i], c)
	}
	assert.Equal(t, 0, q.len())
}
