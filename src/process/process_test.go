package process

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExecWithTimeout(t *testing.T) {
	out, _, _, err := New().ExecWithTimeout(context.Background(), "t", "", nil, 10*time.Second, []string{"true"})
	assert.NoError(t, err)
	assert.Equal(t, 0, len(out))
}

func TestExecWithTimeoutFailure(t *testing.T) {
	out, _, _, err := New().ExecWithTimeout(context.Background(), "t", "", nil, 10*time.Second, []string{"false"})
	assert.Error(t, err)
	assert.Equal(t, 0, len(out))
}

func TestExecWithTimeoutDeadline(t *testing.T) {
	out, _, _, err := New().ExecWithTimeout(context.Background(), "t", "", nil, 1*time.Nanosecond, []string{"sleep", "10"})
	assert.Error(t, err)
	assert.Equal(t, context.DeadlineExceeded, err)
	assert.Equal(t, 0, len(out))
}

func TestExecWithTimeoutOutput(t *testing.T) {
	out, errOut, combined, err := New().ExecWithTimeout(context.Background(), "t", "", nil, 10*time.Second, BashCommand("echo hello", false))
	assert.NoError(t, err)
	assert.Equal(t, "hello\n", string(out))
	assert.Equal(t, "", string(errOut))
	assert.Equal(t, "hello\n", string(combined))
}

func TestExecWithTimeoutStderr(t *testing.T) {
	out, errOut, combined, err := New().ExecWithTimeout(context.Background(), "t", "", nil, 10*time.Second, BashCommand("echo hello 1>&2", false))
	assert.NoError(t, err)
	assert.Equal(t, "", string(out))
	assert.Equal(t, "hello\n", string(errOut))
	assert.Equal(t, "hello\n", string(combined))
}
