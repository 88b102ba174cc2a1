// Package artifacts implements the post-run artifacts collector
// (SPEC_FULL.md §4.3 "Artifacts collector", supplemented from
// original_source/listeners.py's ArtifactsWatcher, which the distilled
// spec.md dropped). It tracks which workers reported at least one fail and,
// after the event loop exits, copies each one's log file, reproduce file,
// and vardir subtree into a stable artifacts directory.
package artifacts

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tarantool/test-run/pkg/types"
)

// transientSuffixes are excluded when copying a worker's vardir subtree,
// mirroring shutil.ignore_patterns('*.socket-iproto', '*.socket-admin',
// '*.sock', '*.control') in original_source/listeners.py.
var transientSuffixes = []string{".socket-iproto", ".socket-admin", ".sock", ".control"}

func isTransient(name string) bool {
	for _, suf := range transientSuffixes {
		if strings.HasSuffix(name, suf) {
			return true
		}
	}
	return false
}

// Collector tracks failed workers as an Observer and performs the actual
// file copy afterward, via Collect — never from OnMessage/OnIdle, which
// must not block on I/O.
type Collector struct {
	mu            sync.Mutex
	failedWorkers map[string]struct{}
}

// NewCollector builds an empty Collector.
func NewCollector() *Collector {
	return &Collector{failedWorkers: make(map[string]struct{})}
}

func (c *Collector) OnMessage(m types.Message) {
	tr, ok := m.(types.TaskResult)
	if !ok || tr.ShortStatus != types.StatusFail {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failedWorkers[tr.WorkerName()] = struct{}{}
}

func (c *Collector) OnIdle(time.Duration) {}

// FailedWorkers returns a snapshot of worker names that reported a fail.
func (c *Collector) FailedWorkers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.failedWorkers))
	for name := range c.failedWorkers {
		out = append(out, name)
	}
	return out
}

// Collect copies, for every failed worker, its log file, its reproduce
// file, and its vardir/<workerName> subtree into
// vardir/artifacts/<workerName>/, skipping transient socket files.
func (c *Collector) Collect(vardir string) error {
	for _, name := range c.FailedWorkers() {
		dest := filepath.Join(vardir, "artifacts", name)
		if err := os.MkdirAll(dest, 0o755); err != nil {
			return fmt.Errorf("artifacts: create %s: %w", dest, err)
		}

		logSrc := filepath.Join(vardir, "log", name+".log")
		if err := copyIfExists(logSrc, filepath.Join(dest, name+".log")); err != nil {
			return err
		}

		reproduceSrc := filepath.Join(vardir, "reproduce", name+".tests.txt")
		if err := copyIfExists(reproduceSrc, filepath.Join(dest, name+".tests.txt")); err != nil {
			return err
		}

		workerDir := filepath.Join(vardir, name)
		if info, err := os.Stat(workerDir); err == nil && info.IsDir() {
			if err := copyTree(workerDir, filepath.Join(dest, name)); err != nil {
				return err
			}
		}
	}
	return nil
}

func copyIfExists(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("artifacts: open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("artifacts: create %s: %w", dst, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("artifacts: copy %s -> %s: %w", src, dst, err)
	}
	return nil
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if isTransient(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyIfExists(path, target)
	})
}
