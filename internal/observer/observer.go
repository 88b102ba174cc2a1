// Package observer implements the Observers (C3): stateless-with-respect-
// to-scheduling consumers of dispatcher messages. Each observer implements
// Observer; the dispatcher invokes every registered observer, in
// registration order, on every message and on every idle tick.
//
// Grounded on original_source/listeners.py's BaseWatcher contract
// (process_result/process_timeout), renamed to the Go-idiomatic
// OnMessage/OnIdle pair.
package observer

import (
	"time"

	"github.com/tarantool/test-run/pkg/types"
)

// Observer consumes dispatcher messages and idle ticks. Implementations
// must not block; deferred/heavy work (file copies) belongs in a separate
// post-run step, not in OnMessage or OnIdle.
type Observer interface {
	OnMessage(m types.Message)
	OnIdle(delta time.Duration)
}
