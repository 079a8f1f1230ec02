package reqctx

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Context is the durable identity of one client request as it crosses
// parser -> router -> backend -> completion -> writer. It is driven from
// whichever side (the pipeline's enqueue, or the backend handler's
// response reader) observes progress next; no logic is spread across
// nested futures.
//
// Two lifecycles: "sync" contexts are owned by a pipeline's FIFO and
// freed back to that pipeline's arena when drained by the writer.
// "async" contexts (writebacks) detach from any FIFO, are routed once,
// and free themselves on completion through the onFree callback given
// to Detach.
type Context struct {
	Request  *Request
	Response *Response

	TryCount int
	Start    time.Time
	Deadline time.Time

	WriteBack bool
	TryNext   bool

	// TraceID stamps async (writeback) contexts for log correlation, per
	// SPEC_FULL.md's domain-stack wiring of github.com/google/uuid.
	TraceID string

	mu       sync.Mutex
	done     chan struct{}
	closed   bool
	complete bool
	err      error
	status   Status

	async  int32 // atomic bool: detached from any pipeline FIFO
	onFree func(*Context)
}

func newContext() *Context {
	return &Context{done: make(chan struct{})}
}

// Reset clears a Context for reuse from an Arena.
func (c *Context) reset() {
	c.Request = nil
	c.Response = nil
	c.TryCount = 0
	c.Start = time.Time{}
	c.Deadline = time.Time{}
	c.WriteBack = false
	c.TryNext = false
	c.TraceID = ""
	c.complete = false
	c.err = nil
	c.status = StatusUnknown
	atomic.StoreInt32(&c.async, 0)
	c.onFree = nil
	if c.closed {
		c.done = make(chan struct{})
		c.closed = false
	}
}

// Init starts the context's lifecycle for a freshly parsed request.
func (c *Context) Init(req *Request) {
	c.Request = req
	c.Start = time.Now()
}

// Detach marks the context as async (writeback), stamping a trace id. The
// caller (topology/pipeline writeback path) is responsible for never
// re-enqueueing a detached context onto a pipeline FIFO.
func (c *Context) Detach(onFree func(*Context)) {
	atomic.StoreInt32(&c.async, 1)
	c.onFree = onFree
	c.TraceID = uuid.NewString()
}

// IsAsync reports whether the context has been detached for writeback.
func (c *Context) IsAsync() bool { return atomic.LoadInt32(&c.async) == 1 }

// Complete reports whether the context has a final response or error.
func (c *Context) Complete() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.complete
}

// Err returns the terminal error, if any.
func (c *Context) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Status returns the in-process completion classification.
func (c *Context) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Done returns a channel closed once the context completes, for callers
// that must block (the backend worker's per-request timeout race).
func (c *Context) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// CompleteOK finalizes the context with a successful response.
func (c *Context) CompleteOK(resp *Response) {
	c.finish(resp, StatusHit, nil)
}

// CompleteMiss finalizes the context as a cache miss (eligible for
// try-next promotion by the topology router).
func (c *Context) CompleteMiss(resp *Response) {
	c.finish(resp, StatusMiss, nil)
}

// CompleteWithStatus finalizes the context with resp under an explicit
// status, for callers that classify protocol-level success/error/miss
// themselves (the endpoint response reader, which must still forward a
// backend's error payload - e.g. a Redis "-ERR ..." reply - to the client
// instead of discarding it the way CompleteErr does).
func (c *Context) CompleteWithStatus(resp *Response, status Status) {
	c.finish(resp, status, nil)
}

// CompleteErr finalizes the context with a terminal error.
func (c *Context) CompleteErr(err error) {
	c.finish(nil, StatusError, err)
}

func (c *Context) finish(resp *Response, status Status, err error) {
	c.mu.Lock()
	if c.complete {
		c.mu.Unlock()
		return
	}
	c.Response = resp
	c.status = status
	c.err = err
	c.complete = true
	close(c.done)
	c.closed = true
	c.mu.Unlock()

	if c.IsAsync() && c.onFree != nil {
		c.onFree(c)
	}
}

// Retry resets completion state for a re-route to the next topology layer,
// incrementing TryCount. The caller must have already observed Complete()
// with Status()==StatusMiss.
func (c *Context) Retry() {
	c.mu.Lock()
	c.TryCount++
	c.Response = nil
	c.complete = false
	c.status = StatusUnknown
	c.err = nil
	c.done = make(chan struct{})
	c.mu.Unlock()
}
