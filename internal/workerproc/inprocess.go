package workerproc

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/tarantool/test-run/internal/queue"
	"github.com/tarantool/test-run/internal/reproduce"
	"github.com/tarantool/test-run/internal/testdriver"
	"github.com/tarantool/test-run/internal/workerharness"
	"github.com/tarantool/test-run/pkg/types"
)

// InProcessLauncher runs a worker harness directly inside the controller
// process instead of re-execing a child. This is the parallelism=-1 mode
// (SPEC_FULL.md §6: "run in the controller process, no workers"): it trades
// away the OS-process crash-isolation guarantee the real Launcher preserves
// for zero process-spawn overhead, which is why the CLI only offers it as
// an explicit opt-in, never a default.
type InProcessLauncher struct {
	Logger *slog.Logger
}

// NewInProcessLauncher builds an InProcessLauncher.
func NewInProcessLauncher(logger *slog.Logger) *InProcessLauncher {
	if logger == nil {
		logger = slog.Default()
	}
	return &InProcessLauncher{Logger: logger}
}

// Launch runs one harness in a goroutine, reading straight from the group's
// input queue and writing straight onto output, with no pipes or subprocess
// in between.
func (l *InProcessLauncher) Launch(spec WorkerSpec, group *queue.Group, output chan<- types.Message) (queue.WorkerHandle, error) {
	workerVarDir := filepath.Join(spec.VarDir, spec.WorkerName)
	if err := os.MkdirAll(workerVarDir, 0o755); err != nil {
		return nil, fmt.Errorf("workerproc: create worker vardir: %w", err)
	}

	rec, err := reproduce.NewRecorder(spec.VarDir, spec.WorkerName)
	if err != nil {
		return nil, fmt.Errorf("workerproc: create reproduce recorder: %w", err)
	}

	var taskTimeout time.Duration
	if spec.TaskTimeout != "" {
		if d, perr := time.ParseDuration(spec.TaskTimeout); perr == nil {
			taskTimeout = d
		}
	}

	h := workerharness.New(workerharness.Config{
		WorkerID:    spec.WorkerID,
		WorkerName:  spec.WorkerName,
		Input:       group.InputCh(),
		Output:      output,
		Driver:      testdriver.NewShellDriver(spec.DriverScript, workerVarDir),
		Reproduce:   rec,
		ForceMode:   spec.ForceMode,
		TaskTimeout: taskTimeout,
		Logger:      l.Logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer rec.Close()
		h.Run(ctx)
	}()

	return &inProcessHandle{cancel: cancel, done: done}, nil
}

// inProcessHandle implements queue.WorkerHandle over a harness goroutine
// instead of an OS process.
type inProcessHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Pid reports the controller's own pid, since there is no separate worker
// process to report.
func (p *inProcessHandle) Pid() int { return os.Getpid() }

func (p *inProcessHandle) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Terminate and Kill both just cancel the harness's context: there is no
// SIGTERM/SIGKILL distinction for a goroutine, only "stop now".
func (p *inProcessHandle) Terminate() error {
	p.cancel()
	return nil
}

func (p *inProcessHandle) Kill() error {
	p.cancel()
	return nil
}

func (p *inProcessHandle) Wait() error {
	<-p.done
	return nil
}
