package mem

import "sync/atomic"

// MemGuard is a borrowed view into a Ring plus a release counter. Each
// Ring.Take call issues one MemGuard with its own *int32 counter, which the
// Ring tracks as one pending batch; there is no API that splits a taken
// span into several guards sharing that counter.
//
// An alternative construction, NewHeapGuard, wraps a heap-owned []byte
// (synthesized requests such as writebacks) that is simply discarded on
// Release; it never touches a Ring.
type MemGuard struct {
	ring  *Ring
	start uint64
	end   uint64
	refs  *int32

	heap     []byte // non-nil iff this is a heap-owned guard
	released int32
}

// NewHeapGuard wraps an owned byte slice as a MemGuard that frees its
// storage (by dropping the reference) on Release, independent of any Ring.
func NewHeapGuard(b []byte) *MemGuard {
	return &MemGuard{heap: b}
}

// Len returns the number of bytes covered by the guard.
func (g *MemGuard) Len() int {
	if g.heap != nil {
		return len(g.heap)
	}
	return int(g.end - g.start)
}

// Bytes materializes the guard's view as a contiguous slice. A ring-backed
// guard always returns a fresh copy; a heap guard returns its own slice.
func (g *MemGuard) Bytes() []byte {
	if g.heap != nil {
		return g.heap
	}
	g.ring.mu.Lock()
	defer g.ring.mu.Unlock()
	return g.ring.copyOutLocked(g.start, g.end)
}

func (r *Ring) copyOutLocked(start, end uint64) []byte {
	n := int(end - start)
	out := make([]byte, n)
	mask := uint64(len(r.buf)) - 1
	for i := 0; i < n; i++ {
		out[i] = r.buf[(start+uint64(i))&mask]
	}
	return out
}

// Release decrements the guard's batch refcount; when it reaches zero the
// owning Ring may advance `read` past the batch. Idempotent: a second
// Release on the same guard is a no-op.
func (g *MemGuard) Release() {
	if g.heap != nil {
		g.heap = nil
		return
	}
	if !atomic.CompareAndSwapInt32(&g.released, 0, 1) {
		return
	}
	g.ring.releaseBatch(g.refs)
}

// RingSlice exposes random-access and byte-order-aware readers over a
// non-consuming view [start, end) of a Ring's current contents. It
// abstracts wraparound: a logical index i maps to
// base + ((start+i) & (cap-1)).
type RingSlice struct {
	ring  *Ring
	start uint64
	end   uint64
}

// Len returns the number of bytes in the slice.
func (s RingSlice) Len() int { return int(s.end - s.start) }

// Take converts the first n bytes of the slice into a MemGuard, advancing
// the ring's `taken` counter. It is a thin wrapper over Ring.Take used by
// parsers once a frame boundary is confirmed.
func (s RingSlice) Take(n int) (*MemGuard, error) {
	return s.ring.Take(n)
}

// Sub returns the sub-slice [from, to).
func (s RingSlice) Sub(from, to int) RingSlice {
	return RingSlice{ring: s.ring, start: s.start + uint64(from), end: s.start + uint64(to)}
}

func (s RingSlice) idx(i int) byte {
	s.ring.mu.Lock()
	defer s.ring.mu.Unlock()
	mask := uint64(len(s.ring.buf)) - 1
	return s.ring.buf[(s.start+uint64(i))&mask]
}

// At returns the byte at logical offset i within the slice.
func (s RingSlice) At(i int) byte { return s.idx(i) }

// Bytes materializes the view, copying across the wrap if needed.
func (s RingSlice) Bytes() []byte {
	s.ring.mu.Lock()
	defer s.ring.mu.Unlock()
	return s.ring.copyOutLocked(s.start, s.end)
}

// U8 reads a single byte at offset i.
func (s RingSlice) U8(i int) uint8 { return s.idx(i) }

// U16BE reads a big-endian uint16 at offset i.
func (s RingSlice) U16BE(i int) uint16 {
	return uint16(s.idx(i))<<8 | uint16(s.idx(i+1))
}

// U16LE reads a little-endian uint16 at offset i.
func (s RingSlice) U16LE(i int) uint16 {
	return uint16(s.idx(i)) | uint16(s.idx(i+1))<<8
}

// U24 reads a little-endian 24-bit unsigned integer at offset i (used by the
// MySQL packet length header).
func (s RingSlice) U24(i int) uint32 {
	return uint32(s.idx(i)) | uint32(s.idx(i+1))<<8 | uint32(s.idx(i+2))<<16
}

// U32BE reads a big-endian uint32 at offset i.
func (s RingSlice) U32BE(i int) uint32 {
	return uint32(s.idx(i))<<24 | uint32(s.idx(i+1))<<16 | uint32(s.idx(i+2))<<8 | uint32(s.idx(i+3))
}

// U32LE reads a little-endian uint32 at offset i.
func (s RingSlice) U32LE(i int) uint32 {
	return uint32(s.idx(i)) | uint32(s.idx(i+1))<<8 | uint32(s.idx(i+2))<<16 | uint32(s.idx(i+3))<<24
}

// U64BE reads a big-endian uint64 at offset i.
func (s RingSlice) U64BE(i int) uint64 {
	return uint64(s.U32BE(i))<<32 | uint64(s.U32BE(i+4))
}

// F32 reads a big-endian float32 bit pattern at offset i as raw bits.
func (s RingSlice) F32(i int) uint32 { return s.U32BE(i) }

// F64 reads a big-endian float64 bit pattern at offset i as raw bits.
func (s RingSlice) F64(i int) uint64 { return s.U64BE(i) }

// StrNum decodes the ASCII decimal digits in [from, to) as a uint64, used
// by numeric-key protocols (Phantom) to validate and parse keys.
func (s RingSlice) StrNum(from, to int) (uint64, bool) {
	var v uint64
	if to <= from {
		return 0, false
	}
	for i := from; i < to; i++ {
		c := s.idx(i)
		if c < '0' || c > '9' {
			return 0, false
		}
		v = v*10 + uint64(c-'0')
	}
	return v, true
}

// IndexByte returns the offset of the first occurrence of b in [from, s.Len()),
// or -1 if not found. Used by text-protocol line/token scanning.
func (s RingSlice) IndexByte(from int, b byte) int {
	for i := from; i < s.Len(); i++ {
		if s.idx(i) == b {
			return i
		}
	}
	return -1
}

// Equal reports whether the slice's bytes equal other, without a full
// materialize when shorter, prefix mismatches short-circuit.
func (s RingSlice) Equal(other []byte) bool {
	if s.Len() != len(other) {
		return false
	}
	for i, b := range other {
		if s.idx(i) != b {
			return false
		}
	}
	return true
}
