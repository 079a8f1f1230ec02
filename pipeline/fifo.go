package pipeline

import "github.com/resourcemesh/breeze/reqctx"

// fifo is the pipeline's strong-owned FIFO of outstanding contexts:
// unbounded, since it is bounded in practice only by how fast the client
// pipelines requests ahead of responses, not by a fixed backend channel
// capacity like endpoint's seqFIFO.
type fifo struct {
	items []*reqctx.Context
	head  int
}

func newFIFO() *fifo { return &fifo{} }

func (q *fifo) pushBack(c *reqctx.Context) {
	q.items = append(q.items, c)
}

func (q *fifo) front() (*reqctx.Context, bool) {
	if q.head >= len(q.items) {
		return nil, false
	}
	return q.items[q.head], true
}

// at returns the context at offset from the current head, without
// advancing it, for mkey-group lookahead.
func (q *fifo) at(offset int) (*reqctx.Context, bool) {
	i := q.head + offset
	if i >= len(q.items) {
		return nil, false
	}
	return q.items[i], true
}

func (q *fifo) popFront() (*reqctx.Context, bool) {
	c, ok := q.front()
	if !ok {
		return nil, false
	}
	q.items[q.head] = nil
	q.head++
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	} else if q.head > 64 && q.head*2 > len(q.items) {
		// Compact once the drained prefix dominates, so a long-lived
		// connection doesn't grow items without bound.
		remaining := q.items[q.head:]
		q.items = append(q.items[:0], remaining...)
		q.head = 0
	}
	return c, true
}

func (q *fifo) len() int { return len(q.items) - q.head }

// drain empties the fifo, completing every still-pending context with err
// and returning those contexts (used on connection close: they are not
// returned to the arena; the caller logs them and retires the connection's
// ring to the delayed-drop queue, the contexts themselves are not queued).
func (q *fifo) drain(err error) []*reqctx.Context {
	var pending []*reqctx.Context
	for {
		c, ok := q.popFront()
		if !ok {
			break
		}
		if !c.Complete() {
			c.CompleteErr(err)
			pending = append(pending, c)
		}
	}
	return pending
}
