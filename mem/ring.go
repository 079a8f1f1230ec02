// Package mem implements the ring buffer and borrowed-slice primitives that
// sit beneath every protocol codec and connection handler: a contiguous
// illusion over a power-of-two byte array, auto-growing and auto-shrinking,
// whose borrowed views (MemGuard) gate reclamation of their backing span.
package mem

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

const (
	// DefaultMinCap is the smallest capacity a Ring will shrink to.
	DefaultMinCap = 4 * 1024
	// shrinkWindow is how long usage must stay below shrinkThreshold before
	// Gc halves the capacity.
	shrinkWindow = time.Hour
	// shrinkThreshold is the usage ratio (bytes valid / capacity) below
	// which a sustained low-utilization window triggers a shrink.
	shrinkThreshold = 0.25
)

// oldRing is a retired backing array kept alive until every byte it held is
// no longer referenced by the logical [read, write) window.
type oldRing struct {
	buf        []byte
	releaseMax uint64 // the new ring's `read` must reach this before free
}

// Ring is a power-of-two-sized byte buffer with three monotonically
// increasing counters: read <= taken <= write. write is advanced by the
// single writer (the reader loop); read is advanced by Gc once every
// MemGuard issued before `taken` has released; taken marks bytes already
// handed out as borrowed slices.
//
// Ring is single-writer / single-releaser: one goroutine calls Write and
// Take, and (typically a different) one goroutine calls Gc. The counters
// and backing array are guarded by mu, which every accessor takes.
type Ring struct {
	mu sync.Mutex // guards buf, olds, and structural growth/shrink

	buf []byte
	cap uint64 // len(buf), always a power of two

	read  uint64
	taken uint64
	write uint64

	minCap uint64
	maxCap uint64

	olds []oldRing

	lowUtilSince time.Time
	lastGc       time.Time

	// pending tracks, for each MemGuard batch issued, a shared counter
	// decremented by Release. See MemGuard for the batch/refcount split.
	pending []pendingGuard
}

type pendingGuard struct {
	end  uint64 // taken value once this guard's span is fully handed out
	refs *int32
}

// NewRing allocates a Ring with the given starting capacity (rounded up to
// a power of two) and maximum capacity.
func NewRing(startCap, maxCap int) *Ring {
	c := nextPow2(startCap)
	m := nextPow2(maxCap)
	if m < c {
		m = c
	}
	return &Ring{
		buf:          make([]byte, c),
		cap:          uint64(c),
		minCap:       DefaultMinCap,
		maxCap:       uint64(m),
		lowUtilSince: time.Now(),
	}
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

// Cap returns the current backing capacity.
func (r *Ring) Cap() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int(r.cap)
}

// Len returns the number of valid (written but not yet released) bytes.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int(r.write - r.read)
}

// Pending returns the number of bytes borrowed (taken but not released).
func (r *Ring) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int(r.taken - r.read)
}

// Droppable implements gc's delayed-drop interface: a ring is only safe to
// free once every MemGuard it ever issued has released its borrow, since a
// backend FIFO may still hold one referencing a retired backing array.
func (r *Ring) Droppable() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.taken == r.read && len(r.olds) == 0
}

// Writable returns the contiguous window available for the next Write call
// without growing, which may be smaller than the true free space when the
// window wraps (the caller issues a second Write call for the remainder).
func (r *Ring) Writable() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writableLocked()
}

func (r *Ring) writableLocked() []byte {
	free := r.cap - (r.write - r.read)
	if free == 0 {
		return nil
	}
	start := r.write & (r.cap - 1)
	end := r.cap
	if start+free < r.cap {
		end = start + free
	}
	return r.buf[start:end]
}

// Grow doubles capacity (up to maxCap, or to fit `hint` bytes of pending
// payload) when the writer's available window is zero. The retired backing
// array is kept in `olds` until `read` advances past everything it held.
func (r *Ring) Grow(hint int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.growLocked(hint)
}

func (r *Ring) growLocked(hint int) error {
	newCap := r.cap * 2
	for newCap-((r.write)-(r.read)) < uint64(hint) && newCap < r.maxCap {
		newCap *= 2
	}
	if newCap > r.maxCap {
		newCap = r.maxCap
	}
	if newCap <= r.cap {
		return errors.Errorf("mem: ring at max capacity %d, cannot grow for %d byte payload", r.maxCap, hint)
	}

	nb := make([]byte, newCap)
	n := r.copyValidLocked(nb)
	_ = n

	r.olds = append(r.olds, oldRing{buf: r.buf, releaseMax: r.write})
	r.buf = nb
	r.cap = newCap
	return nil
}

// copyValidLocked copies [read, write) of the old buffer into dst at offset
// zero-relative-to-read, preserving logical offsets (dst is addressed the
// same way: index i maps to i & (cap-1), but since read didn't change, the
// simplest invariant is to keep using absolute offsets modulo the new cap).
func (r *Ring) copyValidLocked(dst []byte) int {
	n := int(r.write - r.read)
	for i := 0; i < n; i++ {
		oldIdx := (r.read + uint64(i)) & (uint64(len(r.buf)) - 1)
		newIdx := (r.read + uint64(i)) & (uint64(len(dst)) - 1)
		dst[newIdx] = r.buf[oldIdx]
	}
	return n
}

// Advance records that `n` bytes were written into the window most
// recently returned by Writable.
func (r *Ring) Advance(n int) {
	r.mu.Lock()
	r.write += uint64(n)
	r.mu.Unlock()
}

// Take returns a MemGuard covering [taken, taken+n) and advances taken. It
// requires n <= write-taken.
func (r *Ring) Take(n int) (*MemGuard, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if uint64(n) > r.write-r.taken {
		return nil, errors.Errorf("mem: take(%d) exceeds available %d", n, r.write-r.taken)
	}
	start := r.taken
	r.taken += uint64(n)

	refs := new(int32)
	*refs = 1
	r.pending = append(r.pending, pendingGuard{end: r.taken, refs: refs})

	return &MemGuard{
		ring:  r,
		start: start,
		end:   r.taken,
		refs:  refs,
	}, nil
}

// Slice returns a non-consuming RingSlice view over [taken, write), the
// bytes available to a parser that has not yet called Take.
func (r *Ring) Slice() RingSlice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RingSlice{ring: r, start: r.taken, end: r.write}
}

func (r *Ring) releaseBatch(refs *int32) {
	if atomic.AddInt32(refs, -1) > 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gcLocked()
}

// Gc inspects outstanding guard batches and advances `read` past every
// batch that has fully released, in issue order. It then evaluates shrink
// eligibility and retires any `olds` entries that read has passed.
func (r *Ring) Gc() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gcLocked()
}

func (r *Ring) gcLocked() {
	for len(r.pending) > 0 {
		head := r.pending[0]
		if atomic.LoadInt32(head.refs) > 0 {
			break
		}
		if head.end > r.read {
			r.read = head.end
		}
		r.pending = r.pending[1:]
	}

	// Retire old backing arrays whose entire valid span has been released.
	kept := r.olds[:0]
	for _, o := range r.olds {
		if r.read >= o.releaseMax {
			continue // fully superseded; drop reference, let GC reclaim
		}
		kept = append(kept, o)
	}
	r.olds = kept

	r.evaluateShrinkLocked()
	r.lastGc = time.Now()
}

func (r *Ring) evaluateShrinkLocked() {
	if r.cap <= r.minCap {
		r.lowUtilSince = time.Now()
		return
	}
	used := r.write - r.read
	ratio := float64(used) / float64(r.cap)
	if ratio >= shrinkThreshold {
		r.lowUtilSince = time.Now()
		return
	}
	if r.lowUtilSince.IsZero() {
		r.lowUtilSince = time.Now()
		return
	}
	if time.Since(r.lowUtilSince) < shrinkWindow {
		return
	}

	newCap := r.cap / 2
	if newCap < r.minCap {
		newCap = r.minCap
	}
	if newCap == r.cap {
		return
	}
	// Only shrink when there is no in-flight borrow (taken==read); shrinking
	// under live borrows would require relocating borrowed spans.
	if r.taken != r.read {
		return
	}
	nb := make([]byte, newCap)
	n := int(r.write - r.read)
	for i := 0; i < n; i++ {
		oldIdx := (r.read + uint64(i)) & (uint64(len(r.buf)) - 1)
		newIdx := (r.read + uint64(i)) & (uint64(newCap) - 1)
		nb[newIdx] = r.buf[oldIdx]
	}
	r.buf = nb
	r.cap = uint64(newCap)
	r.lowUtilSince = time.Now()
}
