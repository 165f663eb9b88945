package razelerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorFormatsWithAndWithoutAction(t *testing.T) {
	cause := errors.New("exit status 1")
	withAction := New(ExecutionFailure, "compile_a", cause)
	assert.Contains(t, withAction.Error(), "compile_a")
	assert.Contains(t, withAction.Error(), "ExecutionFailure")

	withoutAction := New(LoadError, "", cause)
	assert.NotContains(t, withoutAction.Error(), "()")
}

func TestErrorUnwraps(t *testing.T) {
	cause := errors.New("boom")
	err := New(SandboxError, "a", cause)
	assert.Same(t, cause, errors.Unwrap(err))
}

func TestKindFatal(t *testing.T) {
	assert.True(t, LoadError.Fatal())
	assert.True(t, ExecutionFailure.Fatal())
	assert.True(t, TimeoutFailure.Fatal())
	assert.False(t, OOMFailure.Fatal())
	assert.False(t, CacheIOError.Fatal())
	assert.False(t, RemoteCacheError.Fatal())
	assert.False(t, SandboxError.Fatal())
}
