// Package dispatcher implements the Dispatcher (C4): owns the worker pool,
// drives the event loop, reaps dead processes, and orchestrates shutdown.
//
// Grounded on original_source/dispatcher.py's Dispatcher/TaskQueueDispatcher
// (find_nonempty_task_queue_disp, add_worker, wait, check_for_dead_processes,
// flush_ready) and on the teacher's internal/controller/controller.go for
// its habit of documenting shutdown ordering in comments (see handleCancel).
// No stopCh or WaitGroup is used: the loop ends when workersCount reaches
// zero, and joinAll waits on each worker handle.
//
// The readiness multiplex (SPEC_FULL.md §9) is implemented with
// reflect.Select over a dynamic slice of per-worker channels: this is Go's
// native equivalent of select.select() over a dynamic fd set, used because
// the set of live worker output channels changes as workers start and
// retire.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"reflect"
	"time"

	"github.com/tarantool/test-run/internal/observer"
	"github.com/tarantool/test-run/internal/queue"
	"github.com/tarantool/test-run/internal/workerproc"
	"github.com/tarantool/test-run/pkg/types"
)

// Exit codes, per SPEC_FULL.md §6.
const (
	ExitSuccess     = 0
	ExitHang        = 1
	ExitInterrupted = 2
	ExitTestFailed  = 3
	ExitUndone      = 4
	ExitUnknown     = 50
)

// WorkerLauncher starts one worker bound to group, reporting messages onto
// output. Implemented by workerproc.Launcher for real runs and by an
// in-process fake for tests.
type WorkerLauncher interface {
	Launch(spec workerproc.WorkerSpec, group *queue.Group, output chan<- types.Message) (queue.WorkerHandle, error)
}

// Config configures one dispatcher run.
type Config struct {
	Groups      []*queue.Group
	MaxWorkers  int
	Randomize   bool
	Launcher    WorkerLauncher
	Observers   []observer.Observer
	FailFast    *observer.FailFast // nil disables the fail-fast short-circuit
	HangDetector *observer.HangDetector // nil disables hang detection
	Statistics  *observer.Statistics // used to pick the exit code; may be nil
	PollPeriod  time.Duration
	VarDir      string
	DriverScript string
	ForceMode   bool
	TaskTimeout time.Duration
	Logger      *slog.Logger

	// OnWorkerStarted, when set, is invoked once every time a worker is
	// successfully launched — the dispatcher's only hook for the
	// Metrics observer, which otherwise has no message to react to for
	// "a worker started" (there is no WorkerStarted message variant).
	OnWorkerStarted func()
}

type activeWorker struct {
	handle   queue.WorkerHandle
	group    *queue.Group
	output   chan types.Message
	name     string
}

// Dispatcher is the C4 event loop owner. Every field below is only ever
// touched from the single goroutine that calls Run — this is the
// "single-threaded cooperative" concurrency model SPEC_FULL.md §5 requires,
// so no locks guard the dispatcher's own state.
type Dispatcher struct {
	cfg Config

	groups       []*queue.Group
	groupIdx     int
	maxWorkers   int
	nextWorkerID int
	workersCount int
	active       map[int]*activeWorker

	logger *slog.Logger
}

// New builds a Dispatcher. maxWorkers is clamped to the total task count,
// per SPEC_FULL.md §4.4.
func New(cfg Config) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PollPeriod <= 0 {
		cfg.PollPeriod = 2 * time.Second
	}

	total := 0
	for _, g := range cfg.Groups {
		total += len(g.TaskIDs)
	}
	max := cfg.MaxWorkers
	if max > total {
		max = total
	}
	if max < 0 {
		max = 0
	}

	return &Dispatcher{
		cfg:        cfg,
		groups:     cfg.Groups,
		maxWorkers: max,
		active:     make(map[int]*activeWorker),
		logger:     cfg.Logger,
	}
}

// Run drives the event loop to completion (or until ctx is cancelled,
// signaling a user interrupt) and returns the process exit code.
func (d *Dispatcher) Run(ctx context.Context) int {
	d.topUp()

	for d.workersCount > 0 {
		ids, cases := d.buildSelectCases()
		timeoutIdx := len(ids)
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(time.After(d.cfg.PollPeriod))})

		ctxDoneIdx := len(cases)
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())})

		hungIdx := -1
		if d.cfg.HangDetector != nil {
			hungIdx = len(cases)
			cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(d.cfg.HangDetector.Hung())})
		}

		chosen, recv, recvOK := reflect.Select(cases)

		switch {
		case chosen == ctxDoneIdx:
			d.handleCancel()
			return ExitInterrupted
		case hungIdx >= 0 && chosen == hungIdx:
			d.joinAll()
			return ExitHang
		case chosen == timeoutIdx:
			d.notifyIdle(d.cfg.PollPeriod)
			d.reapDeadProcesses()
		default:
			if recvOK {
				d.handleMessage(ids[chosen], recv.Interface().(types.Message))
				d.drainAllNonBlocking()
			}
		}

		d.topUp()
	}

	d.joinAll()
	// A kill can let the last Done arrive before the hung case is selected;
	// the hang still decides the exit code.
	if d.cfg.HangDetector != nil {
		select {
		case <-d.cfg.HangDetector.Hung():
			return ExitHang
		default:
		}
	}
	return d.finalExitCode()
}

func (d *Dispatcher) buildSelectCases() ([]int, []reflect.SelectCase) {
	ids := make([]int, 0, len(d.active))
	cases := make([]reflect.SelectCase, 0, len(d.active))
	for id, aw := range d.active {
		ids = append(ids, id)
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(aw.output)})
	}
	return ids, cases
}

func (d *Dispatcher) handleMessage(workerID int, m types.Message) {
	for _, obs := range d.cfg.Observers {
		obs.OnMessage(m)
	}

	aw, ok := d.active[workerID]
	if !ok {
		return
	}

	switch v := m.(type) {
	case types.TaskResult:
		aw.group.MarkDone(v.TaskID)
	case types.Done:
		aw.group.Finalize()
		d.workersCount--
		delete(d.active, workerID)
		go func(h queue.WorkerHandle) { _ = h.Wait() }(aw.handle)
	}
}

// drainAllNonBlocking repeatedly sweeps every active worker's channel with
// a non-blocking receive until a full sweep reads nothing, matching the
// source's "drain all currently-available messages" step.
func (d *Dispatcher) drainAllNonBlocking() {
	for {
		progressed := false
		for id, aw := range d.active {
			select {
			case m, ok := <-aw.output:
				if ok {
					d.handleMessage(id, m)
					progressed = true
				}
			default:
			}
		}
		if !progressed {
			return
		}
	}
}

func (d *Dispatcher) notifyIdle(delta time.Duration) {
	for _, obs := range d.cfg.Observers {
		obs.OnIdle(delta)
	}
}

// reapDeadProcesses probes every active worker's process liveness
// non-blockingly; if the process is gone but no Done has been consumed for
// it, synthesizes one onto its output channel.
func (d *Dispatcher) reapDeadProcesses() {
	for id, aw := range d.active {
		if aw.handle.Alive() {
			continue
		}
		select {
		case aw.output <- types.Done{Header: types.NewHeader(id, aw.name), Synthesized: true}:
		default:
			// output channel buffer is full; the send is skipped and
			// retried on the next idle tick.
		}
	}
}

func (d *Dispatcher) failFastFired() bool {
	return d.cfg.FailFast != nil && d.cfg.FailFast.GotFail()
}

func (d *Dispatcher) topUp() {
	for d.workersCount < d.maxWorkers && !d.failFastFired() {
		g := d.nextNonFinalizedGroup()
		if g == nil {
			return
		}
		if err := d.addWorker(g); err != nil {
			d.logger.Error("failed to start worker", "group", g.Key, "error", err)
			return
		}
	}
}

func (d *Dispatcher) nextNonFinalizedGroup() *queue.Group {
	n := len(d.groups)
	if n == 0 {
		return nil
	}
	if d.cfg.Randomize {
		var candidates []*queue.Group
		for _, g := range d.groups {
			if !g.Finalized() {
				candidates = append(candidates, g)
			}
		}
		if len(candidates) == 0 {
			return nil
		}
		return candidates[rand.Intn(len(candidates))]
	}
	for i := 0; i < n; i++ {
		idx := (d.groupIdx + i) % n
		if g := d.groups[idx]; !g.Finalized() {
			d.groupIdx = (idx + 1) % n
			return g
		}
	}
	return nil
}

func (d *Dispatcher) addWorker(g *queue.Group) error {
	workerID := d.nextWorkerID
	d.nextWorkerID++
	name := fmt.Sprintf("%03d_%s", workerID, g.Key)

	output := make(chan types.Message, 64)
	spec := workerproc.WorkerSpec{
		WorkerID:     workerID,
		WorkerName:   name,
		GroupKey:     g.Key,
		VarDir:       d.cfg.VarDir,
		DriverScript: d.cfg.DriverScript,
		ForceMode:    d.cfg.ForceMode,
	}
	if d.cfg.TaskTimeout > 0 {
		spec.TaskTimeout = d.cfg.TaskTimeout.String()
	}

	handle, err := d.cfg.Launcher.Launch(spec, g, output)
	if err != nil {
		return err
	}

	g.PushStop()
	g.AddWorkerID(workerID)
	d.active[workerID] = &activeWorker{handle: handle, group: g, output: output, name: name}
	d.workersCount++
	if d.cfg.OnWorkerStarted != nil {
		d.cfg.OnWorkerStarted()
	}
	return nil
}

// handleCancel implements the cooperative-cancellation sequence from
// SPEC_FULL.md §4.4: disable idle-timeout reporting, sleep briefly so
// children can deliver last output, drain once more, then ask every worker
// to terminate and wait for all of them to exit — the
// caller is responsible for the "re-raise the interrupt" half since that's
// a property of the calling goroutine/process, not of this dispatcher.
func (d *Dispatcher) handleCancel() {
	if d.cfg.HangDetector != nil {
		d.cfg.HangDetector.Disable()
	}
	time.Sleep(100 * time.Millisecond)
	d.drainAllNonBlocking()
	d.TerminateAll()
	d.joinAll()
}

// TerminateAll asks every active worker to stop cooperatively (fail-fast
// trigger callback).
func (d *Dispatcher) TerminateAll() {
	for _, aw := range d.active {
		if err := aw.handle.Terminate(); err != nil {
			d.logger.Warn("failed to terminate worker", "worker", aw.name, "error", err)
		}
	}
}

// KillAll forcefully stops every active worker (hang detector escalation
// callback).
func (d *Dispatcher) KillAll() {
	for _, aw := range d.active {
		if err := aw.handle.Kill(); err != nil {
			d.logger.Warn("failed to kill worker", "worker", aw.name, "error", err)
		}
	}
}

// joinAll waits for every still-active worker process to exit, guaranteeing
// no worker outlives the dispatcher.
func (d *Dispatcher) joinAll() {
	for id, aw := range d.active {
		_ = aw.handle.Wait()
		delete(d.active, id)
	}
}

func (d *Dispatcher) finalExitCode() int {
	if d.cfg.Statistics != nil && d.cfg.Statistics.AnyFailed() {
		return ExitTestFailed
	}
	for _, g := range d.groups {
		if len(g.Undone()) > 0 {
			return ExitUndone
		}
	}
	return ExitSuccess
}
