package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarantool/test-run/pkg/types"
)

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd, "BuildCLI should return a non-nil command")
	assert.Equal(t, "test-run", cmd.Use)
	assert.Equal(t, "1.0.0", cmd.Version)

	commandNames := make(map[string]bool)
	for _, c := range cmd.Commands() {
		commandNames[c.Name()] = true
	}
	assert.True(t, commandNames["run"], "should have 'run' command")
	assert.True(t, commandNames["reproduce"], "should have 'reproduce' command")
	assert.True(t, commandNames["__worker"], "should have the hidden '__worker' command")

	configFlag := cmd.PersistentFlags().Lookup("config")
	assert.NotNil(t, configFlag, "should have --config flag")
}

func TestBuildRunCommand(t *testing.T) {
	cmd := buildRunCommand()

	assert.Equal(t, "run", cmd.Use)
	assert.NotNil(t, cmd.RunE)
	assert.NotNil(t, cmd.Flags().Lookup("tasks"))
	assert.NotNil(t, cmd.Flags().Lookup("force"))
	assert.NotNil(t, cmd.Flags().Lookup("max-workers"))
}

func TestBuildReproduceCommand(t *testing.T) {
	cmd := buildReproduceCommand()

	assert.Equal(t, "reproduce", cmd.Use)
	assert.NotNil(t, cmd.RunE)
	assert.NotNil(t, cmd.Flags().Lookup("reproduce"))
}

func TestBuildWorkerCommand(t *testing.T) {
	cmd := buildWorkerCommand()

	assert.Equal(t, "__worker", cmd.Use)
	assert.True(t, cmd.Hidden, "the worker subcommand must never show up in --help")
	assert.NotNil(t, cmd.Flags().Lookup("worker-id"))
	assert.NotNil(t, cmd.Flags().Lookup("vardir"))
}

func TestParseTasksFile_GroupsInFirstSeenOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.txt")
	content := "# a comment\nsuite-b\ttest1\tcfg1\nsuite-a\ttest2\n\nsuite-b\ttest3\tcfg2\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	order, byGroup, err := parseTasksFile(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"suite-b", "suite-a"}, order)
	assert.Equal(t, []types.TaskID{
		{TestName: "test1", ConfigName: "cfg1"},
		{TestName: "test3", ConfigName: "cfg2"},
	}, byGroup["suite-b"])
	assert.Equal(t, []types.TaskID{{TestName: "test2"}}, byGroup["suite-a"])
}

func TestParseTasksFile_RejectsMalformedLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.txt")
	require.NoError(t, os.WriteFile(path, []byte("onlyonefield\n"), 0o644))

	_, _, err := parseTasksFile(path)
	assert.Error(t, err)
}

func TestParseTasksFile_MissingFile(t *testing.T) {
	_, _, err := parseTasksFile(filepath.Join(t.TempDir(), "missing.txt"))
	assert.Error(t, err)
}
