package endpoint

import "github.com/resourcemesh/breeze/reqctx"

// seqFIFO correlates outstanding backend requests to their owning Context
// in a power-of-two ring buffer, directly serving the "pop the FIFO head"
// requirement for response correlation. Sized to the endpoint's channel
// capacity; once len() reaches that capacity push refuses the context and
// returns false, and the caller completes it with a ChanFull error.
type seqFIFO struct {
	slots []*reqctx.Context
	head  uint64
	tail  uint64
}

func newSeqFIFO(capacity int) *seqFIFO {
	n := nextPow2(capacity)
	if n < 1 {
		n = 1
	}
	return &seqFIFO{slots: make([]*reqctx.Context, n)}
}

func nextPow2(n int) int {
	if n <= 1 {
		return 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

func (f *seqFIFO) len() int { return int(f.tail - f.head) }

func (f *seqFIFO) push(ctx *reqctx.Context) bool {
	if f.len() >= len(f.slots) {
		return false
	}
	f.slots[f.tail&uint64(len(f.slots)-1)] = ctx
	f.tail++
	return true
}

func (f *seqFIFO) popHead() (*reqctx.Context, bool) {
	if f.head == f.tail {
		return nil, false
	}
	idx := f.head & uint64(len(f.slots)-1)
	ctx := f.slots[idx]
	f.slots[idx] = nil
	f.head++
	return ctx, ctx != nil
}

// peekHead returns the oldest outstanding context without removing it, for
// deadline inspection by the timeout ticker.
func (f *seqFIFO) peekHead() (*reqctx.Context, bool) {
	if f.head == f.tail {
		return nil, false
	}
	return f.slots[f.head&uint64(len(f.slots)-1)], true
}

// drain pops and error-completes every remaining context, used when a
// connection is torn down with requests still outstanding.
func (f *seqFIFO) drain(err error) {
	for {
		ctx, ok := f.popHead()
		if !ok {
			return
		}
		ctx.CompleteErr(err)
	}
}
