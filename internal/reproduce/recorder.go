// Package reproduce implements the Reproduce Recorder (C5): a per-worker,
// append-only file of the literal task IDs a worker actually attempted, and
// the reader side that turns such a file back into a synthetic task list
// for --reproduce replay.
//
// The append path is grounded on original_source/lib/worker.py, which opens
// the file in append mode and writes before running each task so that even
// a crash preserves the exact prefix that led to the fault. The durability
// idiom (fsync per write) is adapted from the teacher's
// internal/storage/wal/wal.go, whose "KEY OPTIMIZATION" is batching many
// events per fsync — deliberately NOT reused here: batching would violate
// the very invariant this recorder exists for (see DESIGN.md).
package reproduce

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/tarantool/test-run/pkg/types"
)

// tupleLineRE matches one 2-tuple line: the TaskID.String() form
// ("testName", '') or ("testName", "configName"), with Go-quoted (%q) inner
// strings, and also single-quoted fields such as ('a', '') or ('b','x').
var tupleLineRE = regexp.MustCompile(`^\(\s*('(?:[^'\\]|\\.)*'|"(?:[^"\\]|\\.)*")\s*,\s*('(?:[^'\\]|\\.)*'|"(?:[^"\\]|\\.)*")\s*\)$`)

// Recorder appends task IDs to <vardir>/reproduce/<workerName>.tests.txt.
type Recorder struct {
	path string
	file *os.File
}

// NewRecorder opens (creating if necessary) the reproduce file for
// workerName under vardir/reproduce.
func NewRecorder(vardir, workerName string) (*Recorder, error) {
	dir := filepath.Join(vardir, "reproduce")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("reproduce: create dir: %w", err)
	}
	path := filepath.Join(dir, workerName+".tests.txt")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("reproduce: open file: %w", err)
	}
	return &Recorder{path: path, file: f}, nil
}

// Path returns the on-disk location of the reproduce file.
func (r *Recorder) Path() string { return r.path }

// Append writes one task ID line, as its literal 2-tuple representation
// (TaskID.String, e.g. ("basic", '') or ("repl", "replica")), and fsyncs
// immediately: the whole point of this file is that its on-disk prefix is
// trustworthy even if the worker crashes on the very next line.
func (r *Recorder) Append(id types.TaskID) error {
	line := id.String() + "\n"
	if _, err := r.file.WriteString(line); err != nil {
		return fmt.Errorf("reproduce: write: %w", err)
	}
	return r.file.Sync()
}

// Close releases the underlying file descriptor.
func (r *Recorder) Close() error {
	if r.file == nil {
		return nil
	}
	return r.file.Close()
}

// ReadTasks parses a reproduce file into an ordered task list, suitable for
// building the single synthetic group the --reproduce flag runs with
// (SPEC_FULL.md §4.5/§6). Each line is a literal 2-tuple: either the form
// TaskID.String produces and Append writes, e.g. ("basic", '') or
// ("repl", "replica"), or one with single-quoted fields as in the
// original's repr(task.id) lines, e.g. ('a', '') or ('b','x').
func ReadTasks(path string) ([]types.TaskID, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reproduce: open %s: %w", path, err)
	}
	defer f.Close()

	var tasks []types.TaskID
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		id, err := parseTupleLine(line)
		if err != nil {
			return nil, fmt.Errorf("reproduce: %s: %w", path, err)
		}
		tasks = append(tasks, id)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reproduce: scan %s: %w", path, err)
	}
	return tasks, nil
}

// parseTupleLine parses one TaskID.String line back into a TaskID.
func parseTupleLine(line string) (types.TaskID, error) {
	m := tupleLineRE.FindStringSubmatch(line)
	if m == nil {
		return types.TaskID{}, fmt.Errorf("malformed reproduce line (want a (\"test\", \"config\") tuple): %q", line)
	}

	// Single-quoted fields are rewritten as double-quoted ones before
	// unquoting.
	unquote := func(s string) (string, error) {
		if strings.HasPrefix(s, "'") {
			inner := strings.ReplaceAll(s[1:len(s)-1], `\'`, `'`)
			s = `"` + strings.ReplaceAll(inner, `"`, `\"`) + `"`
		}
		return strconv.Unquote(s)
	}

	testName, err := unquote(m[1])
	if err != nil {
		return types.TaskID{}, fmt.Errorf("malformed test name in line %q: %w", line, err)
	}

	configName, err := unquote(m[2])
	if err != nil {
		return types.TaskID{}, fmt.Errorf("malformed config name in line %q: %w", line, err)
	}

	return types.TaskID{TestName: testName, ConfigName: configName}, nil
}
