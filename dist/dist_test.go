package dist

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModula_InRange(t *testing.T) {
	d, err := New("modula")
	require.NoError(t, err)
	for _, h := range []int64{0, 1, -5, 12345, -999999} {
		idx := d.Index(h, 7)
		assert.True(t, idx >= 0 && idx < 7)
	}
}

func TestKetama_Deterministic(t *testing.T) {
	k := NewKetama()
	k.Build([]string{"10.0.0.1:11211", "10.0.0.2:11211", "10.0.0.3:11211"})
	idx1 := k.Index(12345, 3)
	idx2 := k.Index(12345, 3)
	assert.Equal(t, idx1, idx2)
	assert.True(t, idx1 >= 0 && idx1 < 3)
}

func TestKetama_DistributesAcrossNodes(t *testing.T) {
	k := NewKetama()
	k.Build([]string{"10.0.0.1:11211", "10.0.0.2:11211", "10.0.0.3:11211"})
	seen := map[int]bool{}
	for h := int64(0); h < 5000; h++ {
		seen[k.Index(h*2654435761, 3)] = true
	}
	assert.Len(t, seen, 3)
}

func TestSplitmodRangeModrange_AllInRange(t *testing.T) {
	for _, spec := range []string{"range-4", "modrange-4", "splitmod-4", "slotmod-8"} {
		d, err := New(spec)
		require.NoError(t, err, spec)
		for h := int64(0); h < 100; h++ {
			idx := d.Index(h, 8)
			assert.True(t, idx >= 0 && idx < 8, "%s idx=%d", spec, idx)
		}
	}
}

func TestByDistance_Prefers24Match(t *testing.T) {
	sel := NewByDistance("10.1.2.9:0")
	addrs := []string{"10.9.9.9:1", "10.1.2.50:1", "10.1.3.1:1"}
	idx := sel.Select(addrs)
	assert.Equal(t, 1, idx)
}

func TestByDistance_FallsBackTo16(t *testing.T) {
	sel := NewByDistance("10.1.2.9:0")
	addrs := []string{"10.9.9.9:1", "10.1.99.50:1"}
	idx := sel.Select(addrs)
	assert.Equal(t, 1, idx)
}

func TestByDistance_FallsBackToRandom(t *testing.T) {
	sel := NewByDistance("10.1.2.9:0")
	addrs := []string{"192.168.1.1:1", "192.168.1.2:1"}
	idx := sel.Select(addrs)
	assert.True(t, idx == 0 || idx == 1)
}

func TestNew_UnknownDistributorErrors(t *testing.T) {
	_, err := New("not-a-real-dist")
	assert.Error(t, err)
}
