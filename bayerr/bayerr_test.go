package bayerr

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetCode(t *testing.T) {
	r := require.New(t)

	r.Equal(Code(""), GetCode(nil))
	r.Equal(CodeNotFound, GetCode(NotFound("sandbox", "sbx-1")))
	r.Equal(CodeInternal, GetCode(errors.New("plain")))

	wrapped := fmt.Errorf("ensure running: %w", Expired("sbx-1"))
	r.Equal(CodeSandboxExpired, GetCode(wrapped))
}

func TestPredicatesSeeThroughWrapping(t *testing.T) {
	err := fmt.Errorf("lookup: %w", NotFound("session", "ses-9"))

	assert.True(t, IsNotFound(err))
	assert.False(t, IsConflict(err))
}

func TestNotReadyCarriesRetryHint(t *testing.T) {
	r := require.New(t)

	err := NotReady("ses-1", 2*time.Second)
	r.Equal(CodeSessionNotReady, GetCode(err))

	d, ok := RetryAfter(fmt.Errorf("call: %w", err))
	r.True(ok)
	r.Equal(2*time.Second, d)

	_, ok = RetryAfter(NotFound("session", "ses-1"))
	r.False(ok)
}

func TestCapabilityDetails(t *testing.T) {
	r := require.New(t)

	err := CapabilityNotSupported("browser", []string{"execute", "files"})
	r.Equal("browser", err.Details["capability"])
	r.Equal([]string{"execute", "files"}, err.Details["available"])
}

func TestDriverWrapsCause(t *testing.T) {
	r := require.New(t)

	cause := errors.New("connection refused")
	err := Driver("docker", cause, "creating container")

	r.Equal(CodeDriver, GetCode(err))
	r.ErrorIs(err, cause)
	r.Equal("docker", err.Details["driver"])
	r.Contains(err.Error(), "connection refused")
}
