package observer

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tarantool/test-run/pkg/types"
)

// FailedTask records enough about one failed task to print
// a useful summary line and point at its artifacts, mirroring
// StatisticsWatcher's (task_id, worker_name, result_checksum,
// show_reproduce_content) tuple from original_source/listeners.py.
type FailedTask struct {
	TaskID     types.TaskID
	WorkerName string
	LogPath    string
	Reproduce  string
}

// ArtifactLocator resolves a worker name to the on-disk paths of its log
// and reproduce files, so the statistics summary can point at them without
// owning file layout itself.
type ArtifactLocator func(workerName string) (logPath, reproducePath string)

// Statistics aggregates per-status counts and the list of failed tasks.
type Statistics struct {
	locate ArtifactLocator

	mu          sync.Mutex
	counts      map[types.ShortStatus]int
	failedTasks []FailedTask
}

// NewStatistics builds a Statistics observer. locate may be nil, in which
// case failed-task records carry empty artifact paths.
func NewStatistics(locate ArtifactLocator) *Statistics {
	return &Statistics{
		locate: locate,
		counts: make(map[types.ShortStatus]int),
	}
}

func (s *Statistics) OnMessage(m types.Message) {
	tr, ok := m.(types.TaskResult)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[tr.ShortStatus]++
	if tr.ShortStatus == types.StatusFail {
		ft := FailedTask{TaskID: tr.TaskID, WorkerName: tr.WorkerName()}
		if s.locate != nil {
			ft.LogPath, ft.Reproduce = s.locate(tr.WorkerName())
		}
		s.failedTasks = append(s.failedTasks, ft)
	}
}

func (s *Statistics) OnIdle(time.Duration) {}

// Counts returns a snapshot of the per-status counters.
func (s *Statistics) Counts() map[types.ShortStatus]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[types.ShortStatus]int, len(s.counts))
	for k, v := range s.counts {
		out[k] = v
	}
	return out
}

// FailedTasks returns a snapshot of the tasks that failed.
func (s *Statistics) FailedTasks() []FailedTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]FailedTask, len(s.failedTasks))
	copy(out, s.failedTasks)
	return out
}

// AnyFailed reports whether at least one task failed during the run.
func (s *Statistics) AnyFailed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[types.StatusFail] > 0
}

// Summary renders the end-of-run block: counts per status, then each
// failed task with its artifact paths, matching
// StatisticsWatcher.print_statistics in original_source/listeners.py.
func (s *Statistics) Summary() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var b strings.Builder
	b.WriteString("Statistics:\n")
	statuses := make([]types.ShortStatus, 0, len(s.counts))
	for st := range s.counts {
		statuses = append(statuses, st)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i] < statuses[j] })
	for _, st := range statuses {
		fmt.Fprintf(&b, "  %-10s %d\n", st, s.counts[st])
	}

	if len(s.failedTasks) > 0 {
		b.WriteString("Failed tasks:\n")
		for _, ft := range s.failedTasks {
			fmt.Fprintf(&b, "  %s (worker %s)\n", ft.TaskID, ft.WorkerName)
			if ft.LogPath != "" {
				fmt.Fprintf(&b, "    log:       %s\n", ft.LogPath)
			}
			if ft.Reproduce != "" {
				fmt.Fprintf(&b, "    reproduce: %s\n", ft.Reproduce)
			}
		}
	}
	return b.String()
}
