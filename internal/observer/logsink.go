package observer

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tarantool/test-run/pkg/types"
)

// LogSink owns one append-only file per worker: opened lazily on the first
// Output from that worker, closed (and its descriptor dropped, not the
// file itself) on Done. Writes Output.text unchanged, so the resulting
// file is a byte-for-byte concatenation of everything the worker printed.
//
// Grounded on original_source/listeners.py's LogOutputWatcher.
type LogSink struct {
	dir    string
	logger *slog.Logger

	mu    sync.Mutex
	files map[string]*os.File // workerName -> open file
}

// NewLogSink creates the vardir/log directory (if needed) and returns a
// sink that writes one file per worker under it.
func NewLogSink(vardir string, logger *slog.Logger) (*LogSink, error) {
	dir := filepath.Join(vardir, "log")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("logsink: create dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{dir: dir, logger: logger, files: make(map[string]*os.File)}, nil
}

// Path returns the on-disk location of workerName's log file, whether or
// not it has been opened yet.
func (s *LogSink) Path(workerName string) string {
	return filepath.Join(s.dir, workerName+".log")
}

func (s *LogSink) OnMessage(m types.Message) {
	switch v := m.(type) {
	case types.Output:
		s.write(v.WorkerName(), v.Text)
	case types.Done:
		s.closeWorker(v.WorkerName())
	}
}

func (s *LogSink) OnIdle(time.Duration) {}

func (s *LogSink) write(workerName, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[workerName]
	if !ok {
		var err error
		f, err = os.OpenFile(s.Path(workerName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			s.logger.Error("logsink: failed to open log file", "worker", workerName, "error", err)
			return
		}
		s.files[workerName] = f
	}
	if _, err := f.WriteString(text); err != nil {
		s.logger.Error("logsink: failed to write", "worker", workerName, "error", err)
	}
}

func (s *LogSink) closeWorker(workerName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.files[workerName]; ok {
		f.Close()
		delete(s.files, workerName)
	}
}

// CloseAll closes any still-open files; used by shutdown to guarantee no
// descriptor leaks past the dispatcher's lifetime even if a worker's Done
// was never observed (e.g. a hang-kill).
func (s *LogSink) CloseAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, f := range s.files {
		f.Close()
		delete(s.files, name)
	}
}
