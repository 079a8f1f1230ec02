package reqctx

import "sync"

// Arena is a pool allocator for Context values, one per pipeline. Sync
// contexts are returned to their owning pipeline's Arena when the writer
// drains them; async (writeback) contexts must not be freed back to a
// pipeline Arena that may have already closed, so they free into a
// process-wide Arena instead (see pipeline.maybeWriteback). Arena is safe
// for concurrent Get/Put.
type Arena struct {
	pool sync.Pool
}

// NewArena constructs an empty Arena.
func NewArena() *Arena {
	return &Arena{pool: sync.Pool{New: func() any { return newContext() }}}
}

// Get returns a reset Context ready for Init.
func (a *Arena) Get() *Context {
	c := a.pool.Get().(*Context)
	c.reset()
	return c
}

// Put returns c to the pool. The caller must not use c afterward.
func (a *Arena) Put(c *Context) {
	a.pool.Put(c)
}

// Global is the process-wide Arena used for detached async contexts, since
// the pipeline that created them may have already torn down its own Arena
// by the time a writeback completes.
var Global = NewArena()
