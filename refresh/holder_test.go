package refresh

import (
	"testing"
	"time"

	"github.com/resourcemesh/breeze/gc"
	"github.com/resourcemesh/breeze/topology"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHolder_LoadReturnsCurrentSnapshot(t *testing.T) {
	q := gc.New()
	v1 := &topology.Snapshot{Version: 1}
	h := New(v1, q)

	assert.Same(t, v1, h.Load())
}

func TestHolder_SwapRetiresPreviousIntoGCQueue(t *testing.T) {
	q := gc.New()
	v1 := &topology.Snapshot{Version: 1}
	v2 := &topology.Snapshot{Version: 2}
	h := New(v1, q)

	h.Swap(v2)

	assert.Same(t, v2, h.Load())
	require.Eventually(t, func() bool {
		return q.Len() == 1
	}, time.Second, 10*time.Millisecond)
}
