// Package refresh owns the atomic topology snapshot pointer every pipeline
// reads from: a hot-swappable holder that publishes a new *topology.Snapshot
// and routes the retired one through gc's delayed-drop queue rather than
// freeing it immediately, since in-flight contexts may still reference it.
package refresh

import (
	"strconv"
	"sync/atomic"

	"github.com/resourcemesh/breeze/gc"
	"github.com/resourcemesh/breeze/topology"
	"github.com/sirupsen/logrus"
)

// Holder publishes the current topology snapshot. Readers (pipelines) call
// Load with relaxed ordering semantics (a plain atomic load - no lock, no
// blocking); a writer (the config watcher) calls Swap on each reload.
type Holder struct {
	p  atomic.Pointer[topology.Snapshot]
	gc *gc.Queue
}

// New constructs a Holder seeded with initial and backed by q for delayed
// release of retired snapshots.
func New(initial *topology.Snapshot, q *gc.Queue) *Holder {
	h := &Holder{gc: q}
	h.p.Store(initial)
	return h
}

// Load returns the current snapshot. Pipelines call this once per
// inbound/outbound cycle; the pointer may change between calls but a
// context that already captured a snapshot keeps using it until it
// completes - the holder never mutates a Snapshot in place.
func (h *Holder) Load() *topology.Snapshot {
	return h.p.Load()
}

// Swap publishes next as the current snapshot and retires the previous one
// into the delayed-drop queue, logging the version transition.
func (h *Holder) Swap(next *topology.Snapshot) {
	prev := h.p.Swap(next)
	logrus.WithFields(logrus.Fields{
		"from": versionOf(prev),
		"to":   versionOf(next),
	}).Info("refresh: topology snapshot swapped")
	if prev == nil {
		return
	}
	h.gc.Retire(prev, snapshotLabel(prev))
}

func versionOf(s *topology.Snapshot) int64 {
	if s == nil {
		return -1
	}
	return s.Version
}

func snapshotLabel(s *topology.Snapshot) string {
	return "snapshot:v" + strconv.FormatInt(s.Version, 10)
}
