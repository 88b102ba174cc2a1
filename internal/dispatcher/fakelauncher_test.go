package dispatcher

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/tarantool/test-run/internal/queue"
	"github.com/tarantool/test-run/internal/testdriver"
	"github.com/tarantool/test-run/internal/workerharness"
	"github.com/tarantool/test-run/internal/workerproc"
	"github.com/tarantool/test-run/pkg/types"
)

// fakeProcess drives a workerharness.Harness in a goroutine instead of a
// real OS process, so dispatcher tests can run fast and deterministically
// while exercising the exact same Harness the real child process runs.
type fakeProcess struct {
	cancel context.CancelFunc
	done   chan struct{}
	killed atomic.Bool
	harness *workerharness.Harness

	mu     sync.Mutex
	waited bool
}

func (p *fakeProcess) Pid() int { return 0 }

func (p *fakeProcess) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return !p.killed.Load()
	}
}

// Terminate both sets the cooperative-stop flag the real launcher's SIGTERM
// sets and cancels the harness's run context. A real OS process only gets
// the former; this fake also cancels so dispatcher tests that simulate a
// user interrupt don't have to wait out a FixedDriver's artificial delay.
func (p *fakeProcess) Terminate() error {
	p.harness.RequestStop()
	p.cancel()
	return nil
}

func (p *fakeProcess) Kill() error {
	p.killed.Store(true)
	p.cancel()
	return nil
}

func (p *fakeProcess) Wait() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.waited {
		return nil
	}
	p.waited = true
	<-p.done
	return nil
}

// fakeLauncher implements WorkerLauncher by running a real workerharness
// in-process against a FixedDriver, skipping the OS-process/pipe machinery
// entirely.
type fakeLauncher struct {
	driver *testdriver.FixedDriver
}

func (l *fakeLauncher) Launch(spec workerproc.WorkerSpec, group *queue.Group, output chan<- types.Message) (queue.WorkerHandle, error) {
	ctx, cancel := context.WithCancel(context.Background())

	h := workerharness.New(workerharness.Config{
		WorkerID:   spec.WorkerID,
		WorkerName: spec.WorkerName,
		GroupKey:   spec.GroupKey,
		Input:      group.InputCh(),
		Output:     output,
		Driver:     l.driver,
		ForceMode:  spec.ForceMode,
	})

	p := &fakeProcess{cancel: cancel, done: make(chan struct{}), harness: h}

	go func() {
		defer close(p.done)
		h.Run(ctx)
	}()

	return p, nil
}

// crashLauncher simulates a worker process that dies mid-task without ever
// reporting Done: it pops exactly one task off the group's input queue,
// marks itself dead, and goes silent — exercising the dispatcher's
// dead-process reaper rather than the harness's own Done-on-return path.
type crashLauncher struct{}

type crashedProcess struct {
	dead atomic.Bool
}

func (p *crashedProcess) Pid() int          { return 0 }
func (p *crashedProcess) Alive() bool       { return !p.dead.Load() }
func (p *crashedProcess) Terminate() error  { return nil }
func (p *crashedProcess) Kill() error       { return nil }
func (p *crashedProcess) Wait() error       { return nil }

func (l *crashLauncher) Launch(spec workerproc.WorkerSpec, group *queue.Group, output chan<- types.Message) (queue.WorkerHandle, error) {
	p := &crashedProcess{}
	go func() {
		item, ok := <-group.InputCh()
		if ok && !item.IsStop {
			output <- types.CurrentTask{Header: types.NewHeader(spec.WorkerID, spec.WorkerName), TaskID: item.Task}
		}
		p.dead.Store(true)
	}()
	return p, nil
}
