package observer

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tarantool/test-run/pkg/types"
)

func TestFailFast_FiresOnceOnFirstFail(t *testing.T) {
	calls := 0
	f := NewFailFast(false, func() { calls++ })

	f.OnMessage(msg(1, "001_s", types.StatusPass, "t1"))
	assert.False(t, f.GotFail())
	assert.Equal(t, 0, calls)

	f.OnMessage(msg(1, "001_s", types.StatusFail, "t2"))
	assert.True(t, f.GotFail())
	assert.Equal(t, 1, calls)

	f.OnMessage(msg(2, "002_s", types.StatusFail, "t3"))
	assert.Equal(t, 1, calls, "terminateAll must only fire once")
}

func TestFailFast_DisabledUnderForce(t *testing.T) {
	calls := 0
	f := NewFailFast(true, func() { calls++ })

	f.OnMessage(msg(1, "001_s", types.StatusFail, "t1"))
	assert.False(t, f.GotFail())
	assert.Equal(t, 0, calls)
}
