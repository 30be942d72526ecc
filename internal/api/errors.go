package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/pump-control/pcc/internal/command"
	"github.com/pump-control/pcc/internal/pump"
)

// APIError represents an API-layer error with HTTP status code.
type APIError struct {
	Code       string
	Message    string
	Details    interface{}
	StatusCode int
}

// API error codes for transport/security/lookup conditions
var (
	ErrBadRequest   = errors.New("BAD_REQUEST")
	ErrRateLimited  = errors.New("RATE_LIMITED")
	ErrUnauthorized = errors.New("UNAUTHORIZED")
	ErrForbidden    = errors.New("FORBIDDEN")
)

// ToAPIError converts an error to an API error with HTTP status code.
func ToAPIError(err error) *APIError {
	if err == nil {
		return nil
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	var vendorErr *pump.VendorError
	if errors.As(err, &vendorErr) {
		code, statusCode := mapPumpError(vendorErr.Code)
		return &APIError{
			Code:       code,
			Message:    getErrorMessage(vendorErr.Code, vendorErr.Original),
			Details:    vendorErr.Details,
			StatusCode: statusCode,
		}
	}

	switch {
	case errors.Is(err, pump.ErrInvalidRange), errors.Is(err, pump.ErrBusy),
		errors.Is(err, pump.ErrUnavailable), errors.Is(err, pump.ErrTimeout),
		errors.Is(err, pump.ErrInternal):
		code := pump.Code(err)
		name, statusCode := mapPumpError(code)
		return NewAPIError(name, getErrorMessage(code, err), statusCode, nil)
	case errors.Is(err, command.ErrNotFound):
		return NewAPIError("NOT_FOUND", "Resource not found", http.StatusNotFound, nil)
	case errors.Is(err, command.ErrInvalidParameter), errors.Is(err, ErrBadRequest):
		return NewAPIError("BAD_REQUEST", err.Error(), http.StatusBadRequest, nil)
	case errors.Is(err, ErrRateLimited):
		return NewAPIError("RATE_LIMITED", "Too many control requests, retry later", http.StatusTooManyRequests, nil)
	case errors.Is(err, ErrUnauthorized):
		return NewAPIError("UNAUTHORIZED", "Authentication required", http.StatusUnauthorized, nil)
	case errors.Is(err, ErrForbidden):
		return NewAPIError("FORBIDDEN", "Insufficient permissions", http.StatusForbidden, nil)
	}

	return NewAPIError("INTERNAL", "Internal server error", http.StatusInternalServerError,
		map[string]interface{}{"original": err.Error()})
}

// mapPumpError maps normalized pump codes to API codes and HTTP status codes.
func mapPumpError(code error) (string, int) {
	switch {
	case errors.Is(code, pump.ErrInvalidRange):
		return "INVALID_RANGE", http.StatusBadRequest
	case errors.Is(code, pump.ErrBusy):
		return "BUSY", http.StatusServiceUnavailable
	case errors.Is(code, pump.ErrUnavailable):
		return "UNAVAILABLE", http.StatusServiceUnavailable
	case errors.Is(code, pump.ErrTimeout):
		return "TIMEOUT", http.StatusGatewayTimeout
	default:
		return "INTERNAL", http.StatusInternalServerError
	}
}

func getErrorMessage(code error, original error) string {
	switch {
	case errors.Is(code, pump.ErrInvalidRange):
		return "Parameter value is outside the allowed range"
	case errors.Is(code, pump.ErrBusy):
		return "Pump is busy, please retry with backoff"
	case errors.Is(code, pump.ErrUnavailable):
		return "Pump is temporarily unavailable"
	case errors.Is(code, pump.ErrTimeout):
		return "Pump did not answer in time"
	case errors.Is(code, pump.ErrInternal):
		return "Internal server error"
	default:
		if original != nil {
			return original.Error()
		}
		return "Unknown error"
	}
}

// NewAPIError creates a new API error.
func NewAPIError(code string, message string, statusCode int, details interface{}) *APIError {
	return &APIError{
		Code:       code,
		Message:    message,
		Details:    details,
		StatusCode: statusCode,
	}
}

// Error implements the error interface for APIError.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
