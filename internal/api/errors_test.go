package api

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pump-control/pcc/internal/command"
	"github.com/pump-control/pcc/internal/pump"
)

func TestToAPIError(t *testing.T) {
	tests := []struct {
		name           string
		inputError     error
		expectedStatus int
		expectedCode   string
		expectedMsg    string
	}{
		{
			name:           "INVALID_RANGE maps to HTTP 400",
			inputError:     pump.ErrInvalidRange,
			expectedStatus: http.StatusBadRequest,
			expectedCode:   "INVALID_RANGE",
			expectedMsg:    "Parameter value is outside the allowed range",
		},
		{
			name:           "BUSY maps to HTTP 503",
			inputError:     pump.ErrBusy,
			expectedStatus: http.StatusServiceUnavailable,
			expectedCode:   "BUSY",
			expectedMsg:    "Pump is busy, please retry with backoff",
		},
		{
			name:           "UNAVAILABLE maps to HTTP 503",
			inputError:     fmt.Errorf("select: %w", pump.ErrUnavailable),
			expectedStatus: http.StatusServiceUnavailable,
			expectedCode:   "UNAVAILABLE",
			expectedMsg:    "Pump is temporarily unavailable",
		},
		{
			name:           "TIMEOUT maps to HTTP 504",
			inputError:     pump.ErrTimeout,
			expectedStatus: http.StatusGatewayTimeout,
			expectedCode:   "TIMEOUT",
			expectedMsg:    "Pump did not answer in time",
		},
		{
			name:           "INTERNAL maps to HTTP 500",
			inputError:     pump.ErrInternal,
			expectedStatus: http.StatusInternalServerError,
			expectedCode:   "INTERNAL",
			expectedMsg:    "Internal server error",
		},
		{
			name:           "command.ErrNotFound maps to HTTP 404",
			inputError:     fmt.Errorf("%w: pump-9", command.ErrNotFound),
			expectedStatus: http.StatusNotFound,
			expectedCode:   "NOT_FOUND",
			expectedMsg:    "Resource not found",
		},
		{
			name:           "command.ErrInvalidParameter maps to HTTP 400",
			inputError:     fmt.Errorf("%w: insulin must be positive", command.ErrInvalidParameter),
			expectedStatus: http.StatusBadRequest,
			expectedCode:   "BAD_REQUEST",
			expectedMsg:    "BAD_REQUEST: insulin must be positive",
		},
		{
			name:           "rate limit maps to HTTP 429",
			inputError:     ErrRateLimited,
			expectedStatus: http.StatusTooManyRequests,
			expectedCode:   "RATE_LIMITED",
			expectedMsg:    "Too many control requests, retry later",
		},
		{
			name:           "unknown error maps to HTTP 500",
			inputError:     errors.New("boom"),
			expectedStatus: http.StatusInternalServerError,
			expectedCode:   "INTERNAL",
			expectedMsg:    "Internal server error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			apiErr := ToAPIError(tt.inputError)
			require.NotNil(t, apiErr)
			assert.Equal(t, tt.expectedStatus, apiErr.StatusCode)
			assert.Equal(t, tt.expectedCode, apiErr.Code)
			assert.Equal(t, tt.expectedMsg, apiErr.Message)
		})
	}

	assert.Nil(t, ToAPIError(nil))
}

func TestToAPIErrorVendorError(t *testing.T) {
	err := pump.NormalizeDriverError(errors.New("pump BUSY, retry"), map[string]int{"retry": 3})

	apiErr := ToAPIError(err)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
	assert.Equal(t, "BUSY", apiErr.Code)
	assert.Equal(t, map[string]int{"retry": 3}, apiErr.Details)
}

func TestToAPIErrorPassesThroughAPIError(t *testing.T) {
	orig := NewAPIError("CUSTOM", "custom failure", http.StatusTeapot, nil)
	assert.Same(t, orig, ToAPIError(fmt.Errorf("wrapped: %w", orig)))
	assert.Equal(t, "CUSTOM: custom failure", orig.Error())
}

func TestWriteAPIErrorEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	rec.Header().Set(CorrelationHeader, "corr-1")
	WriteAPIError(rec, pump.ErrBusy)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{
		"result": "error",
		"code": "BUSY",
		"message": "Pump is busy, please retry with backoff",
		"correlationId": "corr-1"
	}`, rec.Body.String())
}
