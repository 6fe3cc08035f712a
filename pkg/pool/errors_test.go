package pool

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorRendering(t *testing.T) {
	err := NewValidationError("request id must not be empty", nil)
	assert.Equal(t, "[VALIDATION_ERROR] request id must not be empty", err.Error())

	err = NewPoolExhaustedError("no pool capacity available", map[string]string{
		"request_id":    "req-1",
		"max_pool_size": "10",
	})
	// Context keys render sorted so log lines are stable.
	assert.Equal(t, "[POOL_EXHAUSTED] no pool capacity available (max_pool_size: 10, request_id: req-1)", err.Error())

	err = NewStaleResourceError(map[string]string{"resource_id": "lease-1"})
	assert.Equal(t, "Resource is stale", err.Message)
	assert.Equal(t, "[RESOURCE_STALE] Resource is stale (resource_id: lease-1)", err.Error())
}

func TestErrorRetryable(t *testing.T) {
	assert.True(t, NewPoolExhaustedError("full", nil).Retryable())
	assert.False(t, NewValidationError("bad", nil).Retryable())
	assert.False(t, NewStaleResourceError(nil).Retryable())
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindValidation, KindOf(NewValidationError("bad", nil)))
	assert.Equal(t, KindStaleResource, KindOf(fmt.Errorf("wrapped: %w", NewStaleResourceError(nil))))
	assert.Equal(t, ErrorKind(""), KindOf(errors.New("plain")))
	assert.Equal(t, ErrorKind(""), KindOf(nil))
}
