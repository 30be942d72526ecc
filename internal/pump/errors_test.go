package pump

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeDriverError(t *testing.T) {
	tests := []struct {
		name         string
		driverErr    error
		payload      interface{}
		expectedCode error
		expectedMsg  string
	}{
		{
			name:         "nil error returns nil",
			driverErr:    nil,
			expectedCode: nil,
		},
		{
			name:         "unknown error maps to INTERNAL",
			driverErr:    errors.New("UNKNOWN_ERROR"),
			payload:      map[string]interface{}{"details": "test"},
			expectedCode: ErrInternal,
			expectedMsg:  "INTERNAL (vendor: UNKNOWN_ERROR)",
		},
		{
			name:         "generic range error maps to INVALID_RANGE",
			driverErr:    errors.New("OUT_OF_RANGE"),
			expectedCode: ErrInvalidRange,
			expectedMsg:  "INVALID_RANGE (vendor: OUT_OF_RANGE)",
		},
		{
			name:         "generic busy error maps to BUSY",
			driverErr:    errors.New("pump busy"),
			expectedCode: ErrBusy,
			expectedMsg:  "BUSY (vendor: pump busy)",
		},
		{
			name:         "disconnected maps to UNAVAILABLE",
			driverErr:    errors.New("link DISCONNECTED"),
			expectedCode: ErrUnavailable,
			expectedMsg:  "UNAVAILABLE (vendor: link DISCONNECTED)",
		},
		{
			name:         "deadline maps to TIMEOUT",
			driverErr:    fmt.Errorf("read answer: %w", context.DeadlineExceeded),
			expectedCode: ErrTimeout,
			expectedMsg:  "TIMEOUT (vendor: read answer: context deadline exceeded)",
		},
		{
			name:         "cancellation maps to UNAVAILABLE",
			driverErr:    context.Canceled,
			expectedCode: ErrUnavailable,
			expectedMsg:  "UNAVAILABLE (vendor: context canceled)",
		},
		{
			name:         "wrapped sentinel keeps its code",
			driverErr:    fmt.Errorf("bolus: %w", ErrBusy),
			expectedCode: ErrBusy,
			expectedMsg:  "BUSY (vendor: bolus: BUSY)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := NormalizeDriverError(tt.driverErr, tt.payload)

			if tt.expectedCode == nil {
				assert.NoError(t, result)
				return
			}

			var ve *VendorError
			require.ErrorAs(t, result, &ve)
			assert.Equal(t, tt.expectedCode, ve.Code)
			assert.Equal(t, tt.expectedMsg, ve.Error())
			assert.ErrorIs(t, result, tt.expectedCode)
			assert.Equal(t, tt.payload, ve.Details)
		})
	}
}

func TestNormalizeDriverErrorWithVendor(t *testing.T) {
	tests := []struct {
		name         string
		driverErr    error
		vendorID     string
		expectedCode error
	}{
		{"dana max bolus", errors.New("MAX_BOLUS_VIOLATION"), "dana", ErrInvalidRange},
		{"dana bolus in progress", errors.New("BOLUS_IN_PROGRESS"), "dana", ErrBusy},
		{"dana occlusion", errors.New("alarm: OCCLUSION"), "dana", ErrUnavailable},
		{"omnipod faulted", errors.New("POD_FAULTED 0x31"), "omnipod", ErrUnavailable},
		{"omnipod busy", errors.New("pod_busy"), "omnipod", ErrBusy},
		{"unknown vendor falls back to generic", errors.New("BAD_VALUE"), "acme", ErrInvalidRange},
		{"vendor token unknown", errors.New("CRC mismatch"), "dana", ErrInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := NormalizeDriverErrorWithVendor(tt.driverErr, nil, tt.vendorID)
			assert.ErrorIs(t, result, tt.expectedCode)
			assert.ErrorIs(t, errors.Unwrap(result), tt.expectedCode)
		})
	}
}

func TestNormalizeDriverErrorIsIdempotent(t *testing.T) {
	first := NormalizeDriverErrorWithVendor(errors.New("POD_BUSY"), nil, "omnipod")
	second := NormalizeDriverError(first, "ignored")
	assert.Same(t, first, second)
}

func TestCode(t *testing.T) {
	assert.Nil(t, Code(nil))
	assert.Equal(t, ErrInternal, Code(errors.New("boom")))
	assert.Equal(t, ErrBusy, Code(fmt.Errorf("x: %w", ErrBusy)))
	assert.Equal(t, ErrTimeout, Code(NormalizeDriverError(context.DeadlineExceeded, nil)))
}
