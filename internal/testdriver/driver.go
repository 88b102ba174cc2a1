// Package testdriver defines the narrow interface the worker harness uses to
// invoke the actual per-language test executor — declared out of scope by
// SPEC_FULL.md §1 ("individual test drivers ... invoked through narrow
// interfaces"). This package owns only the interface, one concrete,
// minimal implementation (run an external script and classify its exit
// status), and the FixedDriver test double; it does not implement diffing,
// server lifecycle management, or test discovery.
//
// Grounded on the teacher's internal/worker/source.go JobSource interface,
// which plays the same role: a narrow seam between the scheduling core and
// an external collaborator (there, a job backend; here, a test executor).
package testdriver

import (
	"context"
	"errors"
	"os/exec"
	"time"

	"github.com/tarantool/test-run/pkg/types"
)

// Driver runs one task and reports its verdict. Implementations must not
// block past ctx's deadline; the per-test timeout is owned by the driver,
// not by the dispatcher or worker harness (SPEC_FULL.md §5).
type Driver interface {
	Run(ctx context.Context, id types.TaskID) (types.ShortStatus, error)
}

// ShellDriver runs "<script> <testName> <configName>" and classifies the
// process exit code: 0 is a pass, any other code is a fail. It is a minimal
// stand-in for the real per-language executors the spec places out of
// scope; callers needing skip/new/disabled classification supply their own
// Driver that inspects the script's stdout instead.
type ShellDriver struct {
	Script string
	Dir    string
}

// NewShellDriver builds a Driver that invokes script with (testName,
// configName) as arguments, run with dir as the working directory.
func NewShellDriver(script, dir string) *ShellDriver {
	return &ShellDriver{Script: script, Dir: dir}
}

func (d *ShellDriver) Run(ctx context.Context, id types.TaskID) (types.ShortStatus, error) {
	cmd := exec.CommandContext(ctx, d.Script, id.TestName, id.ConfigName)
	cmd.Dir = d.Dir

	err := cmd.Run()
	if err == nil {
		return types.StatusPass, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return types.StatusFail, nil
	}
	// Could not even start the driver (missing binary, permissions...):
	// this is a structural error, not a test verdict.
	return types.StatusFail, err
}

// FixedDriver is a test double that returns a predetermined status (and
// optional delay) per task; a delay cut short by ctx returns not_run with
// ctx's error. Used by dispatcher/harness tests that
// need deterministic, in-process behavior instead of spawning real scripts.
type FixedDriver struct {
	Statuses map[types.TaskID]types.ShortStatus
	Delay    map[types.TaskID]time.Duration
	Default  types.ShortStatus
}

func (d *FixedDriver) Run(ctx context.Context, id types.TaskID) (types.ShortStatus, error) {
	if delay, ok := d.Delay[id]; ok && delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return types.StatusNotRun, ctx.Err()
		}
	}
	if status, ok := d.Statuses[id]; ok {
		return status, nil
	}
	if d.Default != "" {
		return d.Default, nil
	}
	return types.StatusPass, nil
}
