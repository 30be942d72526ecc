package pump

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Normalized driver errors.
var (
	ErrInvalidRange = errors.New("INVALID_RANGE")
	ErrBusy         = errors.New("BUSY")
	ErrUnavailable  = errors.New("UNAVAILABLE")
	ErrTimeout      = errors.New("TIMEOUT")
	ErrInternal     = errors.New("INTERNAL")
)

// VendorMap defines the error token mapping for a specific vendor.
type VendorMap struct {
	Range       []string // Tokens that map to INVALID_RANGE
	Busy        []string // Tokens that map to BUSY
	Unavailable []string // Tokens that map to UNAVAILABLE
}

// VendorErrorMappings contains the deterministic error mapping tables for all vendors.
// Unknown tokens map to INTERNAL; unknown vendors fall back to "generic".
var VendorErrorMappings = map[string]VendorMap{
	"dana": {
		Range: []string{
			"MAX_BOLUS_VIOLATION",
			"MAX_BASAL_VIOLATION",
			"INVALID_TEMP_PERCENT",
			"INVALID_DURATION",
			"INSULIN_LIMIT",
		},
		Busy: []string{
			"BOLUS_IN_PROGRESS",
			"PUMP_BUSY",
			"COMMAND_PENDING",
		},
		Unavailable: []string{
			"BT_DISCONNECTED",
			"PAIRING_LOST",
			"PUMP_SUSPENDED",
			"LOW_BATTERY",
			"OCCLUSION",
		},
	},
	"omnipod": {
		Range: []string{
			"NONCE_OUT_OF_RANGE",
			"BOLUS_TOO_LARGE",
			"RATE_OUT_OF_RANGE",
		},
		Busy: []string{
			"POD_BUSY",
			"ACTIVATION_IN_PROGRESS",
		},
		Unavailable: []string{
			"POD_NOT_PAIRED",
			"POD_FAULTED",
			"POD_EXPIRED",
			"NO_POD_RESPONSE",
		},
	},
	"generic": {
		Range: []string{
			"OUT_OF_RANGE",
			"INVALID_PARAMETER",
			"INVALID_RANGE",
			"BAD_VALUE",
			"LIMIT_EXCEEDED",
		},
		Busy: []string{
			"BUSY",
			"RETRY",
			"IN_PROGRESS",
		},
		Unavailable: []string{
			"UNAVAILABLE",
			"DISCONNECTED",
			"NOT_CONNECTED",
			"SUSPENDED",
			"NOT_READY",
		},
	},
}

// VendorError wraps a driver error with its normalized code.
type VendorError struct {
	Code     error       // Normalized code
	Original error       // Driver error
	Details  interface{} // Driver payload (opaque)
}

func (e *VendorError) Error() string {
	return fmt.Sprintf("%v (vendor: %v)", e.Code, e.Original)
}

func (e *VendorError) Unwrap() error {
	return e.Code
}

// NormalizeDriverError maps driver errors using the generic table.
func NormalizeDriverError(driverErr error, payload interface{}) error {
	return NormalizeDriverErrorWithVendor(driverErr, payload, "generic")
}

// NormalizeDriverErrorWithVendor maps driver errors using a specific vendor table.
// Errors that already carry a normalized code are returned unchanged.
func NormalizeDriverErrorWithVendor(driverErr error, payload interface{}, vendorID string) error {
	if driverErr == nil {
		return nil
	}

	var ve *VendorError
	if errors.As(driverErr, &ve) {
		return driverErr
	}

	var code error
	switch {
	case errors.Is(driverErr, context.DeadlineExceeded):
		code = ErrTimeout
	case errors.Is(driverErr, context.Canceled):
		code = ErrUnavailable
	case isNormalized(driverErr):
		code = normalizedCode(driverErr)
	default:
		code = mapDriverErrorToCode(driverErr.Error(), vendorID)
	}

	return &VendorError{
		Code:     code,
		Original: driverErr,
		Details:  payload,
	}
}

// Code returns the normalized code of err, or ErrInternal when err carries none.
func Code(err error) error {
	if err == nil {
		return nil
	}
	if isNormalized(err) {
		return normalizedCode(err)
	}
	return ErrInternal
}

var normalizedCodes = []error{ErrInvalidRange, ErrBusy, ErrUnavailable, ErrTimeout, ErrInternal}

func isNormalized(err error) bool {
	return normalizedCode(err) != nil
}

func normalizedCode(err error) error {
	for _, code := range normalizedCodes {
		if errors.Is(err, code) {
			return code
		}
	}
	return nil
}

func mapDriverErrorToCode(msg string, vendorID string) error {
	vendorMap, exists := VendorErrorMappings[vendorID]
	if !exists {
		vendorMap = VendorErrorMappings["generic"]
	}

	upperMsg := strings.ToUpper(msg)

	for _, token := range vendorMap.Range {
		if strings.Contains(upperMsg, strings.ToUpper(token)) {
			return ErrInvalidRange
		}
	}

	for _, token := range vendorMap.Busy {
		if strings.Contains(upperMsg, strings.ToUpper(token)) {
			return ErrBusy
		}
	}

	for _, token := range vendorMap.Unavailable {
		if strings.Contains(upperMsg, strings.ToUpper(token)) {
			return ErrUnavailable
		}
	}

	return ErrInternal
}
