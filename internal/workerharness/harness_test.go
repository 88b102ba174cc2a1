package workerharness

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarantool/test-run/internal/queue"
	"github.com/tarantool/test-run/pkg/types"
)

// erroringDriver returns a driver error (not a verdict) for a fixed task,
// and passes for anything else.
type erroringDriver struct {
	errOn types.TaskID
}

func (d *erroringDriver) Run(ctx context.Context, id types.TaskID) (types.ShortStatus, error) {
	if id == d.errOn {
		return "", errors.New("server failed to start")
	}
	return types.StatusPass, nil
}

type fixedDriver struct {
	status types.ShortStatus
}

func (d *fixedDriver) Run(ctx context.Context, id types.TaskID) (types.ShortStatus, error) {
	return d.status, nil
}

func inputOf(ids ...types.TaskID) chan queue.InputItem {
	ch := make(chan queue.InputItem, len(ids)+1)
	for _, id := range ids {
		ch <- queue.InputItem{Task: id}
	}
	ch <- queue.InputItem{IsStop: true}
	return ch
}

func drainOutput(t *testing.T, ch chan types.Message) []types.Message {
	t.Helper()
	var got []types.Message
	for {
		select {
		case m := <-ch:
			got = append(got, m)
		case <-time.After(time.Second):
			return got
		}
	}
}

func TestHarness_DriverErrorDrainsRestAsNotRun(t *testing.T) {
	t1 := types.TaskID{TestName: "t1"}
	t2 := types.TaskID{TestName: "t2"}
	t3 := types.TaskID{TestName: "t3"}

	output := make(chan types.Message, 16)
	h := New(Config{
		WorkerID:   1,
		WorkerName: "001_suite",
		Input:      inputOf(t1, t2, t3),
		Output:     output,
		Driver:     &erroringDriver{errOn: t1},
	})

	h.Run(context.Background())
	close(output)

	got := drainOutput(t, output)

	var results []types.TaskResult
	var sawDone bool
	for _, m := range got {
		switch v := m.(type) {
		case types.TaskResult:
			results = append(results, v)
		case types.Done:
			sawDone = true
		}
	}

	require.True(t, sawDone, "harness must always publish exactly one Done")
	require.Len(t, results, 3)
	assert.Equal(t, t1, results[0].TaskID)
	assert.Equal(t, types.StatusFail, results[0].ShortStatus)
	assert.Equal(t, t2, results[1].TaskID)
	assert.Equal(t, types.StatusNotRun, results[1].ShortStatus)
	assert.Equal(t, t3, results[2].TaskID)
	assert.Equal(t, types.StatusNotRun, results[2].ShortStatus)
}

func TestHarness_OrdinaryFailUnderNonForceStopsWithoutDraining(t *testing.T) {
	t1 := types.TaskID{TestName: "t1"}
	t2 := types.TaskID{TestName: "t2"}

	output := make(chan types.Message, 16)
	h := New(Config{
		WorkerID:   1,
		WorkerName: "001_suite",
		Input:      inputOf(t1, t2),
		Output:     output,
		Driver:     &fixedDriver{status: types.StatusFail},
		ForceMode:  false,
	})

	h.Run(context.Background())
	close(output)

	got := drainOutput(t, output)

	var results []types.TaskResult
	for _, m := range got {
		if v, ok := m.(types.TaskResult); ok {
			results = append(results, v)
		}
	}

	// Only t1 is reported: an ordinary fail (no driver error) stops the loop
	// without draining the rest as not_run, leaving t2 simply undone.
	require.Len(t, results, 1)
	assert.Equal(t, t1, results[0].TaskID)
	assert.Equal(t, types.StatusFail, results[0].ShortStatus)
}
