package observer

import (
	"sync/atomic"
	"time"

	"github.com/tarantool/test-run/pkg/types"
)

// FailFast sets a sticky flag and invokes a terminate-all callback the
// first time it observes a TaskResult(fail), unless force mode disabled
// it at construction. Grounded on original_source/listeners.py's
// FailWatcher.
type FailFast struct {
	force        bool
	terminateAll func()
	gotFail      atomic.Bool
}

// NewFailFast builds a FailFast trigger. When force is true, the trigger
// never fires (this is the construction-time disable SPEC_FULL.md §4.3
// describes). terminateAll is invoked at most once.
func NewFailFast(force bool, terminateAll func()) *FailFast {
	return &FailFast{force: force, terminateAll: terminateAll}
}

func (f *FailFast) OnMessage(m types.Message) {
	if f.force {
		return
	}
	tr, ok := m.(types.TaskResult)
	if !ok || tr.ShortStatus != types.StatusFail {
		return
	}
	if f.gotFail.CompareAndSwap(false, true) {
		if f.terminateAll != nil {
			f.terminateAll()
		}
	}
}

func (f *FailFast) OnIdle(time.Duration) {}

// GotFail reports whether the trigger has fired.
func (f *FailFast) GotFail() bool { return f.gotFail.Load() }
