package mem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTakeAndRelease_AdvancesRead(t *testing.T) {
	r := NewRing(16, 64)
	copy(r.Writable(), []byte("hello world12345"))
	r.Advance(16)

	g, err := r.Take(5)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(g.Bytes()))

	assert.Equal(t, 16, r.Pending()+int(r.read)) // sanity: taken-read+read==taken
	g.Release()
	r.Gc()

	assert.Equal(t, 0, r.Pending())
}

func TestTakeExceedsAvailable_Errors(t *testing.T) {
	r := NewRing(16, 64)
	copy(r.Writable(), []byte("ab"))
	r.Advance(2)

	_, err := r.Take(3)
	assert.Error(t, err)
}

func TestGc_OnlyAdvancesInIssueOrder(t *testing.T) {
	r := NewRing(16, 64)
	copy(r.Writable(), []byte("0123456789ABCDEF"))
	r.Advance(16)

	g1, _ := r.Take(4) // [0,4)
	g2, _ := r.Take(4) // [4,8)

	// Release g2 first: read must not advance past g1's span, which is
	// still outstanding.
	g2.Release()
	r.Gc()
	assert.Equal(t, uint64(0), r.read)

	g1.Release()
	r.Gc()
	assert.Equal(t, uint64(8), r.read)
}

func TestGrow_PreservesValidBytes(t *testing.T) {
	r := NewRing(8, 64)
	copy(r.Writable(), []byte("abcdefgh"))
	r.Advance(8)

	require.NoError(t, r.Grow(8))
	assert.Equal(t, 16, r.Cap())

	g, err := r.Take(8)
	require.NoError(t, err)
	assert.Equal(t, "abcdefgh", string(g.Bytes()))
	g.Release()
}

func TestGrow_FailsAtMaxCapacity(t *testing.T) {
	r := NewRing(8, 8)
	err := r.Grow(64)
	assert.Error(t, err)
}

func TestHeapGuard_ReleaseIsNoop(t *testing.T) {
	g := NewHeapGuard([]byte("synthesized"))
	assert.Equal(t, "synthesized", string(g.Bytes()))
	g.Release()
}

func TestRingSlice_WraparoundReaders(t *testing.T) {
	r := NewRing(8, 8)
	copy(r.Writable(), []byte("ABCDEFGH"))
	r.Advance(8)
	g, _ := r.Take(8)
	g.Release()
	r.Gc() // read==taken==write==8, next write wraps

	copy(r.Writable(), []byte("IJ"))
	r.Advance(2)

	s := r.Slice()
	require.Equal(t, 2, s.Len())
	assert.Equal(t, byte('I'), s.At(0))
	assert.Equal(t, byte('J'), s.At(1))
}

func TestStrNum(t *testing.T) {
	r := NewRing(16, 16)
	copy(r.Writable(), []byte("12345___________")[:16])
	r.Advance(16)
	s := r.Slice()
	v, ok := s.StrNum(0, 5)
	require.True(t, ok)
	assert.Equal(t, uint64(12345), v)

	_, ok = s.StrNum(5, 6)
	assert.False(t, ok)
}
