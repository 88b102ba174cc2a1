package observer

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tarantool/test-run/pkg/types"
)

// HangDetector receives OnIdle callbacks whenever the dispatcher's
// readiness multiplex returns empty-ready within its poll period. It
// tracks elapsed-since-any-message (inactivity) and
// elapsed-since-last-warning (warnedSecondsAgo) and escalates from a
// warning to a forced kill-all, per SPEC_FULL.md §4.3.
//
// Grounded on original_source/listeners.py's HangWatcher.
type HangDetector struct {
	warnTimeout time.Duration
	killTimeout time.Duration
	notDoneIDs  func() []int
	killAll     func()
	logger      *slog.Logger
	disabled    bool

	mu               sync.Mutex
	inactivity       time.Duration
	warnedSecondsAgo time.Duration
	currentTask      map[int]types.TaskID
	currentTaskWName map[int]string

	hungOnce sync.Once
	hungCh   chan struct{}
}

// NewHangDetector builds a detector. disabled short-circuits both OnIdle
// and OnMessage, matching the spec's "disabled under a debugger/profiler
// or when the long-tests flag is set".
func NewHangDetector(warnTimeout, killTimeout time.Duration, notDoneIDs func() []int, killAll func(), logger *slog.Logger, disabled bool) *HangDetector {
	if logger == nil {
		logger = slog.Default()
	}
	return &HangDetector{
		warnTimeout:      warnTimeout,
		killTimeout:      killTimeout,
		notDoneIDs:       notDoneIDs,
		killAll:          killAll,
		logger:           logger,
		disabled:         disabled,
		currentTask:      make(map[int]types.TaskID),
		currentTaskWName: make(map[int]string),
		hungCh:           make(chan struct{}),
	}
}

func (h *HangDetector) OnMessage(m types.Message) {
	if h.disabled {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.inactivity = 0

	if ct, ok := m.(types.CurrentTask); ok {
		h.currentTask[ct.WorkerID()] = ct.TaskID
		h.currentTaskWName[ct.WorkerID()] = ct.WorkerName()
	}
}

func (h *HangDetector) OnIdle(delta time.Duration) {
	if h.disabled {
		return
	}
	h.mu.Lock()
	h.inactivity += delta
	h.warnedSecondsAgo += delta

	shouldWarn := h.warnTimeout >= 0 && h.warnedSecondsAgo >= h.warnTimeout
	shouldKill := h.killTimeout >= 0 && h.inactivity >= h.killTimeout

	var notDone []int
	if shouldWarn || shouldKill {
		notDone = h.notDoneIDsLocked()
	}
	if shouldWarn {
		h.warnedSecondsAgo = 0
	}
	h.mu.Unlock()

	if shouldWarn {
		h.warn(notDone)
	}
	if shouldKill {
		h.kill(notDone)
	}
}

func (h *HangDetector) notDoneIDsLocked() []int {
	if h.notDoneIDs == nil {
		return nil
	}
	return h.notDoneIDs()
}

func (h *HangDetector) warn(notDone []int) {
	h.mu.Lock()
	lines := make([]string, 0, len(notDone))
	for _, id := range notDone {
		task, ok := h.currentTask[id]
		if !ok {
			continue
		}
		lines = append(lines, fmt.Sprintf("worker %s stuck on %s", h.currentTaskWName[id], task.String()))
	}
	h.mu.Unlock()

	h.logger.Warn("no output for a while", "warn_timeout", h.warnTimeout, "stuck_workers", lines)
}

func (h *HangDetector) kill(notDone []int) {
	h.mu.Lock()
	lines := make([]string, 0, len(notDone))
	for _, id := range notDone {
		task, ok := h.currentTask[id]
		if !ok {
			continue
		}
		lines = append(lines, fmt.Sprintf("worker %s never finished %s", h.currentTaskWName[id], task.String()))
	}
	h.mu.Unlock()

	h.logger.Error("hang detected, killing all workers", "kill_timeout", h.killTimeout, "hung_workers", lines)

	h.hungOnce.Do(func() {
		if h.killAll != nil {
			h.killAll()
		}
		close(h.hungCh)
	})
}

// Hung returns a channel closed exactly once a kill has been triggered;
// the dispatcher's event loop selects on it to exit with the hang code.
func (h *HangDetector) Hung() <-chan struct{} {
	return h.hungCh
}

// Disable turns off further warn/kill escalation. Used by the dispatcher's
// cancellation sequence: once a user interrupt is being handled, a stalled
// worker is no longer a hang, it's an expected shutdown delay.
func (h *HangDetector) Disable() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disabled = true
}
