package errors

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReplicationError_HTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  *ReplicationError
		want int
	}{
		{"invalid argument", InvalidArgument("bad", nil), http.StatusBadRequest},
		{"not found", NotFound("user", "u1"), http.StatusNotFound},
		{"clock gap", ClockGap("u1", 3, 5), http.StatusConflict},
		{"version conflict", VersionConflict("u1", 1, 2), http.StatusConflict},
		{"node unavailable", NodeUnavailable("http://cn1", nil), http.StatusServiceUnavailable},
		{"queue full", QueueFull("monitor-state"), http.StatusTooManyRequests},
		{"internal", Internal("boom", nil), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.HTTPStatus())
		})
	}
}

func TestGetCode_Wrapped(t *testing.T) {
	err := fmt.Errorf("append failed: %w", ClockGap("u1", 3, 5))

	assert.Equal(t, ErrCodeClockGap, GetCode(err))
	assert.True(t, Is(err, ErrCodeClockGap))
	assert.False(t, Is(err, ErrCodeNotFound))
	assert.Equal(t, ErrCodeInternal, GetCode(fmt.Errorf("plain")))
}

func TestReplicationError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := NodeUnavailable("http://cn1", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, "http://cn1", err.Details["endpoint"])
}

func TestErrorCode_String(t *testing.T) {
	assert.Equal(t, "CLOCK_GAP", ErrCodeClockGap.String())
	assert.Equal(t, "QUEUE_FULL", ErrCodeQueueFull.String())
	assert.Equal(t, "UNKNOWN", ErrorCode(42).String())
}
