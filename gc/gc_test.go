package gc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeDroppable struct{ ready bool }

func (f *fakeDroppable) Droppable() bool { return f.ready }

func TestQueue_SweepDropsReadyHead(t *testing.T) {
	q := New()
	obj := &fakeDroppable{ready: true}
	q.Retire(obj, "ready")

	q.sweep()

	assert.Equal(t, 0, q.Len())
}

func TestQueue_SweepRequeuesNotYetDroppable(t *testing.T) {
	q := New()
	obj := &fakeDroppable{ready: false}
	q.Retire(obj, "busy")

	q.sweep()

	assert.Equal(t, 1, q.Len())
}

func TestQueue_SweepForceDropsPastLeakWindow(t *testing.T) {
	q := New()
	obj := &fakeDroppable{ready: false}
	q.mu.Lock()
	q.items = append(q.items, entry{obj: obj, label: "leaked", queued: time.Now().Add(-16 * time.Second)})
	q.mu.Unlock()

	q.sweep()

	assert.Equal(t, 0, q.Len())
}

func TestQueue_StartStopDrainsCleanly(t *testing.T) {
	q := New()
	q.Start()
	q.Stop()

	select {
	case <-q.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("reaper goroutine never exited")
	}
}
