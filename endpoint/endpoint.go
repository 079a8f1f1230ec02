// Package endpoint owns one backend connection: a bounded channel of
// outstanding contexts, a connection state machine that reconnects with
// backoff, and the cooperating sender/reader tasks that frame requests and
// correlate responses while the connection is up.
package endpoint

import (
	"bufio"
	"net"
	"sync/atomic"
	"time"

	"github.com/resourcemesh/breeze/mem"
	"github.com/resourcemesh/breeze/proto"
	"github.com/resourcemesh/breeze/reqctx"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// State is the connection lifecycle the background worker drives.
type State int32

const (
	Init State = iota
	Connecting
	Connected
	Draining
	Dead
)

func (s State) String() string {
	switch s {
	case Init:
		return "init"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Draining:
		return "draining"
	default:
		return "dead"
	}
}

const (
	writeBufSoftCap = 8 * 1024
	ringStartCap    = 4 * 1024
	ringMaxCap      = 1 << 20
	timeoutTick     = 200 * time.Millisecond
	maxBackoffShift = 6
)

// Endpoint owns one logical backend replica: address, wire codec, channel
// capacity, and per-request/connect timeouts.
type Endpoint struct {
	Addr           string
	Codec          proto.Codec
	Capacity       int
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	Log            *logrus.Entry

	ch    chan *reqctx.Context
	state int32

	disabled int32
	finish   int32
	done     chan struct{}

	tries       int
	lastSuccess time.Time

	dial func(addr string, timeout time.Duration) (net.Conn, error)
}

// New constructs an Endpoint. Capacity is rounded up to a power of two
// (a small power of two per the bounded-MPSC requirement).
func New(addr string, codec proto.Codec, capacity int, connectTimeout, requestTimeout time.Duration) *Endpoint {
	n := nextPow2(capacity)
	return &Endpoint{
		Addr:           addr,
		Codec:          codec,
		Capacity:       n,
		ConnectTimeout: connectTimeout,
		RequestTimeout: requestTimeout,
		Log:            logrus.WithField("endpoint", addr),
		ch:             make(chan *reqctx.Context, n),
		done:           make(chan struct{}),
		dial: func(addr string, timeout time.Duration) (net.Conn, error) {
			return net.DialTimeout("tcp", addr, timeout)
		},
	}
}

// Start launches the background connection worker. Call once.
func (e *Endpoint) Start() { go e.run() }

// State reports the current connection state.
func (e *Endpoint) State() State { return State(atomic.LoadInt32(&e.state)) }

func (e *Endpoint) setState(s State) { atomic.StoreInt32(&e.state, int32(s)) }

// Disable stops accepting new requests without tearing down the worker;
// already-enqueued requests still drain normally.
func (e *Endpoint) Disable() { atomic.StoreInt32(&e.disabled, 1) }

func (e *Endpoint) Enable() { atomic.StoreInt32(&e.disabled, 0) }

func (e *Endpoint) Disabled() bool { return atomic.LoadInt32(&e.disabled) == 1 }

// Close requests the worker to finish after its current connection (if
// any) ends and stops accepting new Sends immediately. It does not block:
// callers that need to observe shutdown (gc's delayed-drop reaper) should
// select on Done().
func (e *Endpoint) Close() {
	atomic.StoreInt32(&e.finish, 1)
	atomic.StoreInt32(&e.disabled, 1)
}

// Done returns a channel closed once the worker goroutine has exited.
func (e *Endpoint) Done() <-chan struct{} { return e.done }

func (e *Endpoint) finishing() bool { return atomic.LoadInt32(&e.finish) == 1 }

// Send enqueues ctx for this endpoint without blocking. On full, closed, or
// disabled it completes ctx immediately with the corresponding error and
// returns that error so the caller (topology) can decide whether to retry
// elsewhere.
func (e *Endpoint) Send(ctx *reqctx.Context) error {
	if e.finishing() {
		err := reqctx.New(reqctx.KindChanClosed)
		ctx.CompleteErr(err)
		return err
	}
	if e.Disabled() {
		err := reqctx.New(reqctx.KindChanDisabled)
		ctx.CompleteErr(err)
		return err
	}
	select {
	case e.ch <- ctx:
		return nil
	default:
		err := reqctx.New(reqctx.KindChanFull)
		ctx.CompleteErr(err)
		return err
	}
}

// SendSentOnly enqueues req as a fire-and-forget write: no response is
// ever correlated to it (the sender never pushes a sent_only request onto
// the seqFIFO), matching "sent_only requests are not recorded and their
// completions are no-ops". Used for non-authoritative replication copies.
func (e *Endpoint) SendSentOnly(req *reqctx.Request) {
	req.Flag = req.Flag.With(reqctx.SentOnly)
	ctx := reqctx.Global.Get()
	ctx.Init(req)
	if err := e.Send(ctx); err != nil {
		e.Log.WithError(err).Debug("sent_only dispatch failed")
	}
}

func (e *Endpoint) run() {
	for {
		if e.finishing() {
			e.setState(Dead)
			close(e.done)
			return
		}
		e.setState(Connecting)
		conn, err := e.dial(e.Addr, e.ConnectTimeout)
		if err != nil {
			e.Log.WithError(err).Warn("connect failed")
			e.backoff()
			continue
		}
		e.setState(Connected)
		e.lastSuccess = time.Now()
		e.tries = 0

		if auth, ok := e.Codec.(proto.Authenticator); ok {
			if err := auth.Authenticate(conn); err != nil {
				e.Log.WithError(err).Warn("authenticate failed")
				conn.Close()
				e.setState(Draining)
				e.backoff()
				continue
			}
		}

		if err := e.serve(conn); err != nil {
			e.Log.WithError(err).Info("connection ended")
		}
		conn.Close()
		e.setState(Draining)

		if e.finishing() {
			e.setState(Dead)
			close(e.done)
			return
		}
		e.throttleReconnect()
		e.setState(Init)
	}
}

// classifyStatus turns a parsed backend response into the in-process
// status topology's try-next logic keys off: protocol success is a hit;
// a non-success status on a read-class op is a cache miss eligible for
// promotion, while the same status on a write-class op is a genuine error.
// There is no single bit distinguishing "not found" from "failed" on the
// wire, so this split is resolved by op class (see DESIGN.md Open
// Question (a)).
func classifyStatus(op reqctx.Op, resp *reqctx.Response, err error) reqctx.Status {
	if err != nil || resp == nil {
		return reqctx.StatusError
	}
	if resp.Flag.Has(reqctx.StatusOK) {
		return reqctx.StatusHit
	}
	switch op {
	case reqctx.OpGet, reqctx.OpMGet, reqctx.OpGets:
		return reqctx.StatusMiss
	default:
		return reqctx.StatusError
	}
}

func completeFrom(codec proto.Codec, ctx *reqctx.Context, resp *reqctx.Response, err error) {
	if err == nil && resp != nil {
		if fin, ok := codec.(proto.ResponseFinalizer); ok {
			resp = fin.FinalizeResponse(ctx.Request, resp)
		}
	}
	status := classifyStatus(ctx.Request.Op, resp, err)
	ctx.CompleteWithStatus(resp, status)
}

// serve runs the connected phase: request-sender and response-reader tasks
// cooperating over a shared seqFIFO, until either task observes a
// connection-ending error.
func (e *Endpoint) serve(conn net.Conn) error {
	fifo := newSeqFIFO(e.Capacity)
	stop := make(chan struct{})
	var stopOnce int32
	closeStop := func() {
		if atomic.CompareAndSwapInt32(&stopOnce, 0, 1) {
			close(stop)
			// readLoop may be parked in a blocking conn.Read; closing the
			// socket here is what actually wakes it, since closing `stop`
			// alone cannot interrupt an in-flight syscall.
			conn.Close()
		}
	}

	var g errgroup.Group
	g.Go(func() error {
		err := e.sendLoop(conn, fifo, stop)
		closeStop()
		return err
	})
	g.Go(func() error {
		err := e.readLoop(conn, fifo, stop)
		closeStop()
		return err
	})
	g.Go(func() error {
		e.timeoutTicker(fifo, stop, closeStop)
		return nil
	})
	err := g.Wait()
	fifo.drain(reqctx.New(reqctx.KindIO))
	return err
}

func (e *Endpoint) sendLoop(conn net.Conn, fifo *seqFIFO, stop <-chan struct{}) error {
	bw := bufio.NewWriterSize(conn, writeBufSoftCap)
	for {
		select {
		case <-stop:
			return nil
		case ctx, ok := <-e.ch:
			if !ok {
				return nil
			}
			if ctx.Request.Payload != nil {
				if _, err := bw.Write(ctx.Request.Payload.Bytes()); err != nil {
					ctx.CompleteErr(reqctx.Wrap(reqctx.KindIO, err))
					return err
				}
			}
			if !ctx.Request.Flag.SentOnly() {
				ctx.Deadline = time.Now().Add(e.RequestTimeout)
				if !fifo.push(ctx) {
					ctx.CompleteErr(reqctx.New(reqctx.KindChanFull))
				}
			}
			// Flush once the send channel has no more immediately
			// available work, matching the soft-cap buffered write.
			if len(e.ch) == 0 {
				if err := bw.Flush(); err != nil {
					return err
				}
			}
		}
	}
}

func (e *Endpoint) readLoop(conn net.Conn, fifo *seqFIFO, stop <-chan struct{}) error {
	ring := mem.NewRing(ringStartCap, ringMaxCap)
	stream := proto.NewStream(ring)

	for {
		select {
		case <-stop:
			return nil
		default:
		}

		resp, perr := e.Codec.ParseResponse(stream)
		if perr == nil {
			if ctx, ok := fifo.popHead(); ok {
				completeFrom(e.Codec, ctx, resp, nil)
			}
			continue
		}
		if !reqctx.IsIncomplete(perr) {
			return perr
		}

		w := ring.Writable()
		if len(w) == 0 {
			if err := ring.Grow(4096); err != nil {
				return reqctx.Wrap(reqctx.KindIO, err)
			}
			w = ring.Writable()
		}
		n, err := conn.Read(w)
		if n > 0 {
			ring.Advance(n)
		}
		if err != nil {
			return err
		}
	}
}

func (e *Endpoint) timeoutTicker(fifo *seqFIFO, stop <-chan struct{}, closeStop func()) {
	ticker := time.NewTicker(timeoutTick)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, ok := fifo.peekHead()
			if !ok {
				continue
			}
			if !ctx.Deadline.IsZero() && time.Now().After(ctx.Deadline) {
				fifo.popHead()
				ctx.CompleteErr(reqctx.New(reqctx.KindTimeout))
				closeStop()
				return
			}
		}
	}
}

func (e *Endpoint) backoff() {
	e.tries++
	shift := e.tries
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	time.Sleep(time.Duration(1<<uint(shift)) * time.Second)
}

func (e *Endpoint) throttleReconnect() {
	if e.lastSuccess.IsZero() {
		return
	}
	wait := 60*time.Second - time.Since(e.lastSuccess)
	if wait > 0 {
		time.Sleep(wait)
	}
}
