// Package gc implements the delayed-drop collector: a single global queue
// of objects (ring buffers, pipeline FIFOs, topology snapshots) that cannot
// be freed until every borrow against them has released, ticked once per
// second and force-dropped after a leak window.
package gc

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Droppable is implemented by anything the collector can reclaim once it
// reports no outstanding borrows (mem.Ring and topology.Snapshot satisfy
// this; pipeline's pending FIFO does not).
type Droppable interface {
	Droppable() bool
}

const (
	tick        = time.Second
	forceWindow = 15 * time.Second
)

type entry struct {
	obj    Droppable
	label  string
	queued time.Time
}

// Queue is the global MPSC of retired objects awaiting reclamation. The
// zero value is not usable; construct with New.
type Queue struct {
	mu    sync.Mutex
	items []entry

	stop chan struct{}
	done chan struct{}

	log *logrus.Entry
}

// New constructs an empty Queue. Call Start to launch its background tick.
func New() *Queue {
	return &Queue{
		stop: make(chan struct{}),
		done: make(chan struct{}),
		log:  logrus.WithField("component", "gc"),
	}
}

// Retire enqueues obj for delayed drop. label identifies it in the leak log
// if it is ever force-dropped (e.g. "ring:127.0.0.1:11211" or "snapshot:v42").
func (q *Queue) Retire(obj Droppable, label string) {
	q.mu.Lock()
	q.items = append(q.items, entry{obj: obj, label: label, queued: time.Now()})
	q.mu.Unlock()
}

// Start launches the one-tick-per-second reaper. Call once.
func (q *Queue) Start() { go q.run() }

// Stop halts the reaper goroutine. Any still-queued objects are abandoned.
func (q *Queue) Stop() { close(q.stop) }

// Done reports when the reaper goroutine has exited after Stop.
func (q *Queue) Done() <-chan struct{} { return q.done }

func (q *Queue) run() {
	defer close(q.done)
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-q.stop:
			return
		case <-ticker.C:
			q.sweep()
		}
	}
}

// sweep polls the head once; a droppable head is removed, a non-droppable
// head past forceWindow is force-dropped with a leak log, and otherwise the
// head is moved to the tail of the queue (at most one removal per tick,
// to bound how much work one sweep does).
func (q *Queue) sweep() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return
	}
	head := q.items[0]
	age := time.Since(head.queued)
	if head.obj.Droppable() {
		q.items = q.items[1:]
		return
	}
	if age >= forceWindow {
		q.log.WithFields(logrus.Fields{
			"label": head.label,
			"age":   age,
		}).Warn("gc: force-dropping object still in use past the leak window")
		q.items = q.items[1:]
		return
	}
	// Not yet droppable and still within the leak window: re-queue at the
	// tail so the next head gets a chance on the next tick, matching "an object
	// not yet droppable is re-queued".
	q.items = append(q.items[1:], head)
}

// Len reports the number of objects currently queued, for tests and metrics.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
