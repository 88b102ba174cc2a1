package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarantool/test-run/internal/logging"
	"github.com/tarantool/test-run/internal/observer"
	"github.com/tarantool/test-run/internal/queue"
	"github.com/tarantool/test-run/internal/testdriver"
	"github.com/tarantool/test-run/pkg/types"
)

func tid(name string) types.TaskID { return types.TaskID{TestName: name} }

func newGroup(key string, names ...string) *queue.Group {
	ids := make([]types.TaskID, len(names))
	for i, n := range names {
		ids[i] = tid(n)
	}
	return queue.NewGroup(key, ids, nil, false)
}

// S1: happy path, all tasks pass.
func TestDispatcher_HappyPath(t *testing.T) {
	g := newGroup("suite-a", "t1", "t2", "t3")
	stats := observer.NewStatistics(nil)
	launcher := &fakeLauncher{driver: &testdriver.FixedDriver{Default: types.StatusPass}}

	d := New(Config{
		Groups:     []*queue.Group{g},
		MaxWorkers: 2,
		Launcher:   launcher,
		Observers:  []observer.Observer{stats},
		Statistics: stats,
		PollPeriod: 20 * time.Millisecond,
		Logger:     logging.Nop(),
	})

	code := d.Run(context.Background())

	assert.Equal(t, ExitSuccess, code)
	assert.Empty(t, g.Undone())
	assert.Equal(t, 3, stats.Counts()[types.StatusPass])
}

// S2: a fail with no force mode stops the group early, leaving undone tasks.
func TestDispatcher_FailStopsGroupWithoutForce(t *testing.T) {
	g := newGroup("suite-a", "t1", "t2", "t3")
	stats := observer.NewStatistics(nil)
	launcher := &fakeLauncher{driver: &testdriver.FixedDriver{
		Statuses: map[types.TaskID]types.ShortStatus{tid("t1"): types.StatusFail},
		Default:  types.StatusPass,
	}}

	d := New(Config{
		Groups:     []*queue.Group{g},
		MaxWorkers: 1,
		Launcher:   launcher,
		Observers:  []observer.Observer{stats},
		Statistics: stats,
		PollPeriod: 20 * time.Millisecond,
		Logger:     logging.Nop(),
	})

	code := d.Run(context.Background())

	assert.Equal(t, ExitTestFailed, code)
	assert.NotEmpty(t, g.Undone(), "remaining tasks must stay undone after a non-force fail")
}

// S3: a fail under force mode runs every task and reports the failed one.
func TestDispatcher_FailContinuesUnderForce(t *testing.T) {
	g := newGroup("suite-a", "t1", "t2", "t3")
	stats := observer.NewStatistics(nil)
	launcher := &fakeLauncher{driver: &testdriver.FixedDriver{
		Statuses: map[types.TaskID]types.ShortStatus{tid("t1"): types.StatusFail},
		Default:  types.StatusPass,
	}}

	d := New(Config{
		Groups:     []*queue.Group{g},
		MaxWorkers: 1,
		Randomize:  false,
		Launcher:   launcher,
		Observers:  []observer.Observer{stats},
		Statistics: stats,
		PollPeriod: 20 * time.Millisecond,
		ForceMode:  true,
		Logger:     logging.Nop(),
	})

	code := d.Run(context.Background())

	assert.Equal(t, ExitTestFailed, code)
	assert.Empty(t, g.Undone(), "force mode must still attempt every task")
	assert.Equal(t, 1, stats.Counts()[types.StatusFail])
	assert.Equal(t, 2, stats.Counts()[types.StatusPass])
}

// S4: a worker that dies mid-task without reporting Done is reaped. Per the
// finalize-on-first-Done design, the synthesized Done still finalizes the
// group rather than spawning a replacement worker against it, so the
// second task is left undone.
func TestDispatcher_ReapsDeadWorker(t *testing.T) {
	g := newGroup("suite-a", "t1", "t2")

	d := New(Config{
		Groups:     []*queue.Group{g},
		MaxWorkers: 1,
		Launcher:   &crashLauncher{},
		PollPeriod: 10 * time.Millisecond,
		Logger:     logging.Nop(),
	})

	done := make(chan int, 1)
	go func() { done <- d.Run(context.Background()) }()

	select {
	case code := <-done:
		// The crashed worker never reports a real TaskResult, so the task it
		// grabbed is never marked done; the reaper's synthesized Done still
		// lets the loop terminate instead of hanging forever.
		assert.Equal(t, ExitUndone, code)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not terminate after a worker crash; dead-process reap did not fire")
	}
}

// S5: the hang detector's kill path takes priority and the loop exits with
// the hang exit code instead of waiting for tasks that will never finish.
func TestDispatcher_HangDetectorTriggersExit(t *testing.T) {
	g := newGroup("suite-a", "slow")
	launcher := &fakeLauncher{driver: &testdriver.FixedDriver{
		Delay: map[types.TaskID]time.Duration{tid("slow"): time.Hour},
	}}

	killed := 0
	var d *Dispatcher
	hd := observer.NewHangDetector(5*time.Millisecond, 10*time.Millisecond, func() []int { return nil }, func() { killed++; d.KillAll() }, logging.Nop(), false)

	d = New(Config{
		Groups:       []*queue.Group{g},
		MaxWorkers:   1,
		Launcher:     launcher,
		Observers:    []observer.Observer{hd},
		HangDetector: hd,
		PollPeriod:   5 * time.Millisecond,
		Logger:       logging.Nop(),
	})

	done := make(chan int, 1)
	go func() { done <- d.Run(context.Background()) }()

	select {
	case code := <-done:
		assert.Equal(t, ExitHang, code)
		assert.Equal(t, 1, killed)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not exit on hang detection")
	}
}

// Interrupting the run context makes the dispatcher return promptly with
// the interrupted exit code instead of waiting for slow workers.
func TestDispatcher_ContextCancellationInterrupts(t *testing.T) {
	g := newGroup("suite-a", "slow")
	launcher := &fakeLauncher{driver: &testdriver.FixedDriver{
		Delay: map[types.TaskID]time.Duration{tid("slow"): time.Hour},
	}}

	d := New(Config{
		Groups:     []*queue.Group{g},
		MaxWorkers: 1,
		Launcher:   launcher,
		PollPeriod: 10 * time.Millisecond,
		Logger:     logging.Nop(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan int, 1)
	go func() { done <- d.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case code := <-done:
		assert.Equal(t, ExitInterrupted, code)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not return after context cancellation")
	}
}

// MaxWorkers is clamped to the total task count so an oversized pool
// doesn't leave idle workers waiting on an already-finalized group.
func TestDispatcher_ClampsMaxWorkersToTaskCount(t *testing.T) {
	g := newGroup("suite-a", "t1")
	d := New(Config{
		Groups:     []*queue.Group{g},
		MaxWorkers: 50,
		Launcher:   &fakeLauncher{driver: &testdriver.FixedDriver{Default: types.StatusPass}},
		PollPeriod: 10 * time.Millisecond,
		Logger:     logging.Nop(),
	})
	require.Equal(t, 1, d.maxWorkers)
}
