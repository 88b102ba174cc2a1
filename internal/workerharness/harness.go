// Package workerharness implements the Worker Harness (C2): the loop that
// runs inside a worker, in a child OS process, driving one suite. It pops
// task IDs until a stop marker, invokes the external test driver, publishes
// messages, and always ends by publishing Done.
//
// Grounded directly on original_source/lib/worker.py's run_loop/run_all:
// append-to-reproduce-before-run, fail-triggers-stop-unless-force,
// SIGTERM-sets-a-flag-checked-after-each-task, and "any error drains the
// rest of the queue as not_run before publishing Done".
package workerharness

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/tarantool/test-run/internal/queue"
	"github.com/tarantool/test-run/internal/testdriver"
	"github.com/tarantool/test-run/pkg/types"
)

// ReproduceWriter is the narrow interface the harness uses to append the
// literal task ID about to be attempted, before running it — so that a
// crash mid-task still preserves the exact prefix that led to the fault.
type ReproduceWriter interface {
	Append(id types.TaskID) error
}

// Config bundles everything one Harness run needs.
type Config struct {
	WorkerID   int
	WorkerName string
	GroupKey   string

	Input  <-chan queue.InputItem
	Output chan<- types.Message

	Driver     testdriver.Driver
	Reproduce  ReproduceWriter
	ForceMode  bool
	TaskTimeout time.Duration

	Logger *slog.Logger
}

// Harness runs the loop described in SPEC_FULL.md §4.2 until a StopMarker,
// a failing task under non-force mode, or a termination signal.
type Harness struct {
	cfg Config

	sigTermReceived atomic.Bool
}

// New builds a Harness. Call RequestStop (wired to the process's SIGTERM
// handler by the caller) to set the cooperative-stop flag checked after
// every task, mirroring the source's signal.signal(SIGTERM, ...) handler.
func New(cfg Config) *Harness {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Harness{cfg: cfg}
}

// RequestStop sets the flag the run loop checks after each completed task.
// Safe to call from a signal handler goroutine.
func (h *Harness) RequestStop() {
	h.sigTermReceived.Store(true)
}

func (h *Harness) header() types.Header {
	return types.NewHeader(h.cfg.WorkerID, h.cfg.WorkerName)
}

func (h *Harness) publish(m types.Message) {
	h.cfg.Output <- m
}

// Run executes the loop to completion. It never returns an error: per
// SPEC_FULL.md §7, workers never raise into the controller, they only
// communicate via messages, the last of which is always exactly one Done.
func (h *Harness) Run(ctx context.Context) {
	defer h.publish(types.Done{Header: h.header()})

	for {
		select {
		case <-ctx.Done():
			h.drainNotRun()
			return
		case item, ok := <-h.cfg.Input:
			if !ok || item.IsStop {
				return
			}
			stop, driverErr := h.runOne(ctx, item.Task)
			if driverErr {
				h.drainNotRun()
				return
			}
			if stop {
				return
			}
			if h.sigTermReceived.Load() {
				return
			}
		}
	}
}

// runOne drives a single task. stop reports whether the loop must stop (a
// fail under non-force mode); driverErr reports whether the driver itself
// errored (as opposed to returning a normal fail verdict), which per
// SPEC_FULL.md §4.2 always stops the loop and drains the rest of the queue
// as not_run, regardless of force mode.
func (h *Harness) runOne(ctx context.Context, id types.TaskID) (stop bool, driverErr bool) {
	h.publish(types.CurrentTask{
		Header: h.header(),
		TaskID: id,
	})

	if h.cfg.Reproduce != nil {
		if err := h.cfg.Reproduce.Append(id); err != nil {
			h.cfg.Logger.Warn("failed to append to reproduce file", "task", id.String(), "error", err)
		}
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if h.cfg.TaskTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, h.cfg.TaskTimeout)
		defer cancel()
	}

	status, err := h.cfg.Driver.Run(runCtx, id)
	if err != nil {
		h.cfg.Logger.Error("driver error, treating task as fail and draining the rest as not_run", "task", id.String(), "error", err)
		h.publish(types.TaskResult{Header: h.header(), TaskID: id, ShortStatus: types.StatusFail})
		return true, true
	}

	h.publish(types.TaskResult{Header: h.header(), TaskID: id, ShortStatus: status})

	return status == types.StatusFail && !h.cfg.ForceMode, false
}

// drainNotRun marks every remaining queued task as not_run, for the cases
// where the run loop stops early (context cancellation, or a driver error)
// without having attempted them at all.
func (h *Harness) drainNotRun() {
	for {
		select {
		case item, ok := <-h.cfg.Input:
			if !ok || item.IsStop {
				return
			}
			h.publish(types.TaskResult{Header: h.header(), TaskID: item.Task, ShortStatus: types.StatusNotRun})
		default:
			return
		}
	}
}
