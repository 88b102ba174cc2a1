package reproduce

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarantool/test-run/pkg/types"
)

func TestRecorder_AppendAndRoundTrip(t *testing.T) {
	dir := t.TempDir()
	r, err := NewRecorder(dir, "001_suite")
	require.NoError(t, err)

	tasks := []types.TaskID{
		{TestName: "a"},
		{TestName: "b", ConfigName: "x"},
		{TestName: "c"},
	}
	for _, id := range tasks {
		require.NoError(t, r.Append(id))
	}
	require.NoError(t, r.Close())

	got, err := ReadTasks(r.Path())
	require.NoError(t, err)
	assert.Equal(t, tasks, got)
}

func TestRecorder_FileLocation(t *testing.T) {
	dir := t.TempDir()
	r, err := NewRecorder(dir, "002_suite")
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, filepath.Join(dir, "reproduce", "002_suite.tests.txt"), r.Path())
	_, err = os.Stat(r.Path())
	assert.NoError(t, err)
}

func TestReadTasks_MissingFile(t *testing.T) {
	_, err := ReadTasks(filepath.Join(t.TempDir(), "nope.tests.txt"))
	assert.Error(t, err)
}

// TestReadTasks_LiteralTupleFormat reads scenario S6's three tasks, written
// as the double-quoted 2-tuple lines Append produces, in order.
func TestReadTasks_LiteralTupleFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "001_suite.tests.txt")
	content := "(\"a\", '')\n(\"b\", \"x\")\n(\"c\", '')\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	got, err := ReadTasks(path)
	require.NoError(t, err)
	assert.Equal(t, []types.TaskID{
		{TestName: "a"},
		{TestName: "b", ConfigName: "x"},
		{TestName: "c"},
	}, got)
}

func TestReadTasks_RejectsMalformedLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.tests.txt")
	require.NoError(t, os.WriteFile(path, []byte("a\tconfig\n"), 0o644))

	_, err := ReadTasks(path)
	assert.Error(t, err)
}
