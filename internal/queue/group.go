// Package queue implements the Task-Group Queue (C1): per-suite bookkeeping
// of which tasks belong to a group, an input queue of task IDs (plus stop
// markers) shared by every worker of the group, and the done-set. Output
// queues are per worker and are owned by the dispatcher, not by a Group.
//
// Grounded on the map+mutex bookkeeping shape of the teacher's
// internal/jobmanager/job_manager.go, simplified: there is no retry,
// dead-letter or persistence here, only done/undone tracking for a run.
package queue

import (
	"math/rand"
	"sync"

	"github.com/tarantool/test-run/pkg/types"
)

// StopMarker is pushed onto a group's input queue once per worker started
// against it; a worker that pops a StopMarker stops cooperatively.
type StopMarker struct{}

// InputItem is either a types.TaskID or a StopMarker.
type InputItem struct {
	Task   types.TaskID
	IsStop bool
}

// Group is one suite's task list plus its input queue and done-set. All
// exported methods are safe for concurrent use. The dispatcher is the only
// writer of the input queue; every worker started for the group reads from
// it.
type Group struct {
	Key      string
	TaskIDs  []types.TaskID // original, insertion order
	WorkerFn WorkerFactory

	mu          sync.Mutex
	doneTaskIDs map[types.TaskID]struct{}
	workerIDs   []int
	finalized   bool

	input chan InputItem
}

// WorkerFactory binds a worker ID to this group's suite configuration and
// returns something the dispatcher can start; its shape is owned by the
// workerproc package, referenced here only as an opaque function value to
// avoid an import cycle. output is the worker's own, privately-owned
// message queue: per invariant 1 (SPEC_FULL.md §3), an output queue has
// exactly one producer, so it belongs to the worker, not the group — a
// group's input queue is shared across however many workers are assigned
// to it, but each worker reports back on a channel nobody else writes to.
type WorkerFactory func(workerID int, group *Group, output chan<- types.Message) (WorkerHandle, error)

// WorkerHandle is the minimal surface the dispatcher needs from a started
// worker: its OS pid (for the reaper) and a way to check whether the
// process has exited.
type WorkerHandle interface {
	Pid() int
	// Alive reports whether the underlying process is still running,
	// performing a non-blocking check.
	Alive() bool
	// Terminate asks the worker to stop cooperatively (fail-fast).
	Terminate() error
	// Kill forcefully stops the worker (hang detector escalation).
	Kill() error
	// Wait reaps the process once it has exited.
	Wait() error
}

// NewGroup builds a group's queues and enqueues its task list, optionally
// randomizing order. Input queue depth is len(taskIDs)+8: room for every
// task plus eight stop markers; PushStop blocks while the queue is full,
// until a worker takes an item.
func NewGroup(key string, taskIDs []types.TaskID, workerFn WorkerFactory, randomize bool) *Group {
	ids := make([]types.TaskID, len(taskIDs))
	copy(ids, taskIDs)

	ordered := make([]types.TaskID, len(ids))
	copy(ordered, ids)
	if randomize {
		rand.Shuffle(len(ordered), func(i, j int) { ordered[i], ordered[j] = ordered[j], ordered[i] })
	}

	g := &Group{
		Key:         key,
		TaskIDs:     ids,
		WorkerFn:    workerFn,
		doneTaskIDs: make(map[types.TaskID]struct{}, len(ids)),
		input:       make(chan InputItem, len(ordered)+8),
	}
	for _, id := range ordered {
		g.input <- InputItem{Task: id}
	}
	return g
}

// PushStop appends one StopMarker; the dispatcher calls this once per
// worker it starts for this group.
func (g *Group) PushStop() {
	g.input <- InputItem{IsStop: true}
}

// InputCh is the channel a worker harness reads task IDs/stop markers from.
func (g *Group) InputCh() <-chan InputItem { return g.input }

// MarkDone idempotently records a task as done.
func (g *Group) MarkDone(id types.TaskID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.doneTaskIDs[id] = struct{}{}
}

// Undone returns the tasks not yet marked done, in original insertion order.
func (g *Group) Undone() []types.TaskID {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]types.TaskID, 0, len(g.TaskIDs))
	for _, id := range g.TaskIDs {
		if _, ok := g.doneTaskIDs[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

// DoneCount reports how many distinct tasks have been marked done.
func (g *Group) DoneCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.doneTaskIDs)
}

// Finalize is a one-way transition that blocks further worker allocation
// against this group. Per spec, it is invoked unconditionally the first
// time any worker of the group reports Done — real or synthesized — not
// when the input queue drains. This is deliberate (see SPEC_FULL.md §9):
// without it the dispatcher would keep replacing a worker that gave up
// on purpose (fail-fast, crash) against a non-empty queue.
func (g *Group) Finalize() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.finalized = true
}

// Finalized reports whether Finalize has been called.
func (g *Group) Finalized() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.finalized
}

// AddWorkerID records that workerID now belongs to this group.
func (g *Group) AddWorkerID(workerID int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.workerIDs = append(g.workerIDs, workerID)
}

// WorkerIDs returns a snapshot of the worker IDs ever started for this group.
func (g *Group) WorkerIDs() []int {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]int, len(g.workerIDs))
	copy(out, g.workerIDs)
	return out
}
