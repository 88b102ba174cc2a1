package metrics

import (
	"time"

	"github.com/tarantool/test-run/pkg/types"
)

// ObserverAdapter feeds dispatcher messages into a Collector, implementing
// observer.Observer without this package needing to import internal/observer
// (avoiding a dependency the metrics package itself has no other reason to
// take).
type ObserverAdapter struct {
	collector  *Collector
	taskStarts map[types.TaskID]time.Time
}

// NewObserverAdapter wraps collector as an Observer.
func NewObserverAdapter(collector *Collector) *ObserverAdapter {
	return &ObserverAdapter{
		collector:  collector,
		taskStarts: make(map[types.TaskID]time.Time),
	}
}

func (a *ObserverAdapter) OnMessage(m types.Message) {
	switch v := m.(type) {
	case types.CurrentTask:
		a.taskStarts[v.TaskID] = timeNow()
	case types.TaskResult:
		dur := 0.0
		if start, ok := a.taskStarts[v.TaskID]; ok {
			dur = timeNow().Sub(start).Seconds()
			delete(a.taskStarts, v.TaskID)
		}
		a.collector.RecordTaskResult(v.ShortStatus, dur)
	case types.Done:
		a.collector.RecordWorkerExited()
		if v.Synthesized {
			a.collector.RecordWorkerReaped()
		}
	}
}

func (a *ObserverAdapter) OnIdle(time.Duration) {}

// timeNow is a seam so tests could substitute a fixed clock; production
// code always uses the real wall clock.
var timeNow = time.Now
