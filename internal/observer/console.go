package observer

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/tarantool/test-run/pkg/types"
)

// Console buffers output fragments per worker and flushes a worker's
// buffer either when a fragment ends in a newline (producing prefixed
// lines "[NNN] ...") or when a Done is observed. Exposes NotDoneWorkerIDs
// for the hang detector.
//
// Grounded on original_source/listeners.py's OutputWatcher, including its
// add_prefix convention of a zero-padded, left-justified worker id.
type Console struct {
	w io.Writer

	mu      sync.Mutex
	buffers map[int]*strings.Builder
	names   map[int]string
	notDone map[int]struct{}
}

// NewConsole builds a console multiplexer writing to w (typically
// os.Stdout).
func NewConsole(w io.Writer) *Console {
	return &Console{
		w:       w,
		buffers: make(map[int]*strings.Builder),
		names:   make(map[int]string),
		notDone: make(map[int]struct{}),
	}
}

func (c *Console) OnMessage(m types.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := m.WorkerID()
	c.names[id] = m.WorkerName()
	if _, tracked := c.notDone[id]; !tracked {
		if _, ok := m.(types.Done); !ok {
			c.notDone[id] = struct{}{}
		}
	}

	switch v := m.(type) {
	case types.Output:
		buf, ok := c.buffers[id]
		if !ok {
			buf = &strings.Builder{}
			c.buffers[id] = buf
		}
		buf.WriteString(v.Text)
		if strings.HasSuffix(v.Text, "\n") {
			c.flushLocked(id)
		}
	case types.Done:
		c.flushLocked(id)
		delete(c.notDone, id)
	}
}

func (c *Console) OnIdle(time.Duration) {}

func (c *Console) flushLocked(id int) {
	buf, ok := c.buffers[id]
	if !ok || buf.Len() == 0 {
		return
	}
	prefix := fmt.Sprintf("[%03d] ", id)
	for _, line := range strings.SplitAfter(buf.String(), "\n") {
		if line == "" {
			continue
		}
		fmt.Fprint(c.w, prefix, line)
	}
	buf.Reset()
}

// NotDoneWorkerIDs returns the IDs of workers that have reported at least
// one message but no Done yet, used by the hang detector to know who to
// report on.
func (c *Console) NotDoneWorkerIDs() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int, 0, len(c.notDone))
	for id := range c.notDone {
		out = append(out, id)
	}
	return out
}
