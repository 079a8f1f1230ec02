// Package pipeline implements the per-client-connection engine: a
// single-threaded cooperative loop that reads framed requests off
// a ring buffer, routes them through the current topology snapshot, and
// drains completed contexts back to the client through a copy-based tx
// buffer, with try-next retry and writeback synthesized from the same FIFO.
package pipeline

import (
	"net"
	"time"

	"github.com/resourcemesh/breeze/gc"
	"github.com/resourcemesh/breeze/mem"
	"github.com/resourcemesh/breeze/proto"
	"github.com/resourcemesh/breeze/refresh"
	"github.com/resourcemesh/breeze/reqctx"
	"github.com/resourcemesh/breeze/topology"
	"github.com/sirupsen/logrus"
)

const (
	ringStartCap  = 4 * 1024
	ringMaxCap    = 1 << 20
	readChunkHint = 4096

	drainGrace = 3 * time.Second

	defaultWritebackExp = 0 // Non-expiring writeback unless the codec says otherwise.
)

// Pipeline drives one client connection end to end.
type Pipeline struct {
	conn      net.Conn
	codec     proto.Codec
	namespace string
	holder    *refresh.Holder
	gcQueue   *gc.Queue
	maxTries  int

	arena  *reqctx.Arena
	stream *proto.Stream
	fifo   *fifo
	tx     *TxBuffer

	remote string
	log    *logrus.Entry
}

// New constructs a Pipeline for one accepted client connection, bound to
// namespace (the service name the listener was configured for).
func New(conn net.Conn, codec proto.Codec, namespace string, holder *refresh.Holder, gcQueue *gc.Queue, maxTries int) *Pipeline {
	return &Pipeline{
		conn:      conn,
		codec:     codec,
		namespace: namespace,
		holder:    holder,
		gcQueue:   gcQueue,
		maxTries:  maxTries,
		arena:     reqctx.NewArena(),
		stream:    proto.NewStream(mem.NewRing(ringStartCap, ringMaxCap)),
		fifo:      newFIFO(),
		tx:        NewTxBuffer(),
		remote:    conn.RemoteAddr().String(),
		log:       logrus.WithFields(logrus.Fields{"component": "pipeline", "namespace": namespace, "remote": conn.RemoteAddr()}),
	}
}

// Run drives the connection until the client disconnects, a protocol error
// occurs, or closing is closed. It always returns once the connection is
// fully drained.
func (p *Pipeline) Run(closing <-chan struct{}) error {
	defer p.drainOnClose()

	for {
		select {
		case <-closing:
			return nil
		default:
		}

		n, readErr := p.readMore()
		if n > 0 {
			if err := p.parseAvailable(); err != nil {
				return err
			}
		}
		if err := p.drainCompleted(); err != nil {
			return err
		}
		if readErr != nil {
			return readErr
		}
	}
}

func (p *Pipeline) readMore() (int, error) {
	w := p.stream.Ring.Writable()
	if len(w) == 0 {
		if err := p.stream.Ring.Grow(readChunkHint); err != nil {
			return 0, reqctx.Wrap(reqctx.KindIO, err)
		}
		w = p.stream.Ring.Writable()
	}
	n, err := p.conn.Read(w)
	if n > 0 {
		p.stream.Ring.Advance(n)
	}
	return n, err
}

func (p *Pipeline) parseAvailable() error {
	snap := p.holder.Load()
	ns := snap.Namespaces[p.namespace]

	err := p.codec.ParseRequest(p.stream, snap.Hasher, func(req *reqctx.Request, last bool) error {
		return p.onRequest(snap, ns, req)
	})
	if err != nil && !reqctx.IsIncomplete(err) {
		return err
	}
	return nil
}

// onRequest runs the inbound phase's per-request steps: allocate, enqueue,
// route (or complete locally for no-forward requests).
func (p *Pipeline) onRequest(snap *topology.Snapshot, ns *topology.Namespace, req *reqctx.Request) error {
	ctx := p.arena.Get()
	ctx.Init(req)
	ctx.TryNext = req.Flag.RetryNext()
	p.fifo.pushBack(ctx)

	if req.Flag.NoForward() {
		p.completeLocal(ctx)
		return nil
	}
	if ns == nil {
		ctx.CompleteErr(reqctx.New(reqctx.KindNoResponseFound))
		return nil
	}
	ns.Send(snap, ctx)
	return nil
}

// completeLocal answers a meta/no-forward request without a backend round
// trip, via the codec's optional LocalResponder extension.
func (p *Pipeline) completeLocal(ctx *reqctx.Context) {
	if lr, ok := p.codec.(proto.LocalResponder); ok {
		ctx.CompleteOK(lr.LocalResponse(ctx.Request))
		return
	}
	ctx.CompleteOK(nil)
}

// drainCompleted runs the outbound phase: while the FIFO head is complete,
// retry a promotable miss, otherwise write its response (collating mkey
// groups) and free it.
func (p *Pipeline) drainCompleted() error {
	for {
		ctx, ok := p.fifo.front()
		if !ok {
			break
		}
		if !ctx.Complete() {
			break
		}

		if p.shouldRetry(ctx) {
			snap := p.holder.Load()
			ns := snap.Namespaces[p.namespace]
			if ns != nil && ns.Retry(snap, ctx) {
				break
			}
		}

		group, ready := p.collectMkeyGroup()
		if !ready {
			break
		}

		if err := p.writeGroup(group); err != nil {
			return err
		}
		for _, c := range group {
			p.fifo.popFront()
			p.maybeWriteback(c)
			p.arena.Put(c)
		}

		if p.tx.ShouldFlush() {
			if err := p.tx.Flush(p.conn); err != nil {
				return err
			}
		}
	}
	return p.tx.Flush(p.conn)
}

func (p *Pipeline) shouldRetry(ctx *reqctx.Context) bool {
	return ctx.Status() == reqctx.StatusMiss && ctx.TryNext && ctx.TryCount < p.maxTries
}

// collectMkeyGroup returns the run of FIFO-head contexts belonging to one
// client request (a single non-mkey context is its own group of one) if
// every member is already complete, else (nil, false).
func (p *Pipeline) collectMkeyGroup() ([]*reqctx.Context, bool) {
	head, ok := p.fifo.front()
	if !ok {
		return nil, false
	}
	if !head.Request.Flag.MkeyFirstBit() {
		return []*reqctx.Context{head}, true
	}
	var group []*reqctx.Context
	for i := 0; ; i++ {
		c, ok := p.fifo.at(i)
		if !ok {
			return nil, false
		}
		if !c.Complete() {
			return nil, false
		}
		group = append(group, c)
		if c.Request.Flag.MkeyLastBit() {
			return group, true
		}
	}
}

func (p *Pipeline) writeGroup(group []*reqctx.Context) error {
	if len(group) == 1 {
		return p.writeOne(group[0])
	}
	if collator, ok := p.codec.(proto.ResponseCollator); ok {
		reqs := make([]*reqctx.Request, len(group))
		resps := make([]*reqctx.Response, len(group))
		for i, c := range group {
			reqs[i] = c.Request
			resps[i] = c.Response
		}
		resp := collator.CollateResponses(reqs, resps)
		if resp != nil {
			return p.codec.WriteResponse(p.tx, resp)
		}
	}
	for _, c := range group {
		if err := p.writeOne(c); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) writeOne(ctx *reqctx.Context) error {
	if ctx.Request.Flag.SentOnly() {
		return nil
	}
	if ctx.Response == nil {
		return p.codec.WritePadding(p.tx, ctx.Request)
	}
	return p.codec.WriteResponse(p.tx, ctx.Response)
}

// maybeWriteback synthesizes and detaches a writeback Store when ctx missed
// a higher tier and eventually hit a lower one. The writeback
// context is detached from this pipeline's FIFO/arena entirely: it routes
// once via topology and self-destructs on completion, never extending
// client-visible latency.
func (p *Pipeline) maybeWriteback(ctx *reqctx.Context) {
	if ctx.TryCount == 0 || ctx.Status() != reqctx.StatusHit {
		return
	}
	wbReq, err := p.codec.BuildWriteback(ctx, defaultWritebackExp)
	if err != nil || wbReq == nil {
		return
	}
	snap := p.holder.Load()
	ns := snap.Namespaces[p.namespace]
	if ns == nil {
		return
	}
	wb := reqctx.Global.Get()
	wb.Init(wbReq)
	wb.Detach(func(c *reqctx.Context) { reqctx.Global.Put(c) })
	ns.Send(snap, wb)
}

// drainOnClose waits up to drainGrace for the FIFO to empty by natural
// completion; anything still outstanding is error-completed and logged, and
// the connection's ring is retired to the delayed-drop queue instead of
// being dropped outright, since a backend may still hold a borrow against a
// request's MemGuard. The pending contexts themselves are not queued.
func (p *Pipeline) drainOnClose() {
	deadline := time.Now().Add(drainGrace)
	for p.fifo.len() > 0 && time.Now().Before(deadline) {
		if ctx, ok := p.fifo.front(); ok && ctx.Complete() {
			p.fifo.popFront()
			p.arena.Put(ctx)
			continue
		}
		time.Sleep(10 * time.Millisecond)
	}
	if p.fifo.len() == 0 {
		return
	}
	pending := p.fifo.drain(reqctx.New(reqctx.KindFlushOnClose))
	for range pending {
		p.log.Warn("pipeline: context still pending at connection close, completed with flush_on_close")
	}
	p.gcQueue.Retire(p.stream.Ring, "ring:"+p.remote)
}
