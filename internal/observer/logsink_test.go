package observer

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarantool/test-run/pkg/types"
)

func TestLogSink_WritesAndClosesOnDone(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewLogSink(dir, nil)
	require.NoError(t, err)

	h := types.NewHeader(1, "001_suite")
	sink.OnMessage(types.Output{Header: h, Text: "hello "})
	sink.OnMessage(types.Output{Header: h, Text: "world\n"})
	sink.OnMessage(types.Done{Header: h})

	content, err := os.ReadFile(sink.Path("001_suite"))
	require.NoError(t, err)
	assert.Equal(t, "hello world\n", string(content))
}

func TestLogSink_SeparateFilesPerWorker(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewLogSink(dir, nil)
	require.NoError(t, err)

	sink.OnMessage(types.Output{Header: types.NewHeader(1, "001_a"), Text: "from a\n"})
	sink.OnMessage(types.Output{Header: types.NewHeader(2, "002_b"), Text: "from b\n"})
	sink.CloseAll()

	a, err := os.ReadFile(sink.Path("001_a"))
	require.NoError(t, err)
	b, err := os.ReadFile(sink.Path("002_b"))
	require.NoError(t, err)
	assert.Equal(t, "from a\n", string(a))
	assert.Equal(t, "from b\n", string(b))
}
