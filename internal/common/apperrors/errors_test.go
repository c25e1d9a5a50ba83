package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsMatchesWrappedAppError(t *testing.T) {
	err := fmt.Errorf("spawning: %w", UnknownAgent("agent-1"))
	require.True(t, Is(err, ErrCodeUnknownAgent))
	require.False(t, Is(err, ErrCodeUnknownSession))
}

func TestIsFalseForPlainError(t *testing.T) {
	require.False(t, Is(errors.New("boom"), ErrCodeUnknownAgent))
}

func TestGetHTTPStatusDefaultsTo500(t *testing.T) {
	require.Equal(t, http.StatusInternalServerError, GetHTTPStatus(errors.New("boom")))
}

func TestGetHTTPStatusForEachTaxonomyEntry(t *testing.T) {
	cases := []struct {
		name string
		err  *AppError
		want int
	}{
		{"invalid config", InvalidConfig("bad"), http.StatusBadRequest},
		{"reserved env key", ReservedEnvKey("AGENT_ID"), http.StatusBadRequest},
		{"unknown agent", UnknownAgent("agent-1"), http.StatusNotFound},
		{"unknown session", UnknownSession("session-1"), http.StatusNotFound},
		{"unauthorized", Unauthorized("nope"), http.StatusUnauthorized},
		{"missing container", MissingContainer("agent-1"), http.StatusConflict},
		{"missing config", MissingConfig("agent-1"), http.StatusConflict},
		{"host error", HostError("down", errors.New("x")), http.StatusBadGateway},
		{"worker error", WorkerError("down", errors.New("x")), http.StatusBadGateway},
		{"bad request", BadRequest("bad"), http.StatusBadRequest},
		{"conflict", Conflict("bad"), http.StatusConflict},
		{"internal error", InternalError("oops", errors.New("x")), http.StatusInternalServerError},
		{"service unavailable", ServiceUnavailable("docker"), http.StatusServiceUnavailable},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, GetHTTPStatus(tc.err))
			require.Equal(t, tc.want, tc.err.HTTPStatus)
		})
	}
}

func TestWrapPreservesUnderlyingCode(t *testing.T) {
	wrapped := Wrap(UnknownAgent("agent-1"), "lookup failed")
	require.True(t, Is(wrapped, ErrCodeUnknownAgent))
	require.Contains(t, wrapped.Error(), "lookup failed")
}

func TestWrapDefaultsToInternalErrorForPlainError(t *testing.T) {
	wrapped := Wrap(errors.New("boom"), "context")
	require.Equal(t, ErrCodeInternalError, wrapped.Code)
}

func TestWrapNilReturnsNil(t *testing.T) {
	require.Nil(t, Wrap(nil, "anything"))
}

func TestErrorMessageIncludesWrappedError(t *testing.T) {
	err := HostError("failed to launch", errors.New("connection refused"))
	require.Contains(t, err.Error(), "connection refused")
	require.Equal(t, errors.New("connection refused"), errors.Unwrap(err))
}
