package pump

import (
	"context"
	"time"

	"github.com/pump-control/pcc/internal/profile"
)

// BolusType distinguishes manual boluses from automated micro boluses.
type BolusType string

const (
	BolusNormal  BolusType = "NORMAL"
	BolusSMB     BolusType = "SMB"
	BolusPriming BolusType = "PRIMING"
)

// DetailedBolusInfo is the treatment request handed to DeliverTreatment.
type DetailedBolusInfo struct {
	Insulin float64   `json:"insulin"`
	Carbs   float64   `json:"carbs,omitempty"`
	Type    BolusType `json:"type"`
	// DeliverAtTheLatest is the deadline after which the request is stale.
	// Zero means no deadline.
	DeliverAtTheLatest time.Time `json:"deliverAtTheLatest,omitempty"`
	Timestamp          time.Time `json:"timestamp"`
	Notes              string    `json:"notes,omitempty"`
}

// Description reports the static hardware envelope of a pump model.
type Description struct {
	Model             string        `json:"model"`
	MaxBasalRate      float64       `json:"maxBasalRate"`
	BasalStep         float64       `json:"basalStep"`
	MaxTempPercent    int           `json:"maxTempPercent"`
	TempPercentStep   int           `json:"tempPercentStep"`
	MaxBolus          float64       `json:"maxBolus"`
	BolusStep         float64       `json:"bolusStep"`
	MaxExtendedBolus  float64       `json:"maxExtendedBolus"`
	MaxTempDuration   time.Duration `json:"maxTempDuration"`
	SupportsExtended  bool          `json:"supportsExtended"`
	SupportsTempPct   bool          `json:"supportsTempPercent"`
	SupportsTempAbsol bool          `json:"supportsTempAbsolute"`
}

// Status is a snapshot read from the pump.
type Status struct {
	Connected      bool      `json:"connected"`
	Suspended      bool      `json:"suspended"`
	Reservoir      float64   `json:"reservoir"`
	BatteryPercent int       `json:"batteryPercent"`
	BaseBasalRate  float64   `json:"baseBasalRate"`
	TempBasalRate  float64   `json:"tempBasalRate,omitempty"`
	ExtendedActive bool      `json:"extendedActive"`
	LastBolusTime  time.Time `json:"lastBolusTime,omitempty"`
	LastBolusUnits float64   `json:"lastBolusUnits,omitempty"`
	ReadAt         time.Time `json:"readAt"`
}

// Driver defines the southbound pump contract. Every call blocks until the pump
// answers or ctx is done.
//
// A returned error means the link or the driver failed; the returned EnactResult
// describes what the pump itself reported and may carry partial delivery.
type Driver interface {
	// Description returns the hardware envelope of the connected pump model.
	Description() Description

	// DeliverTreatment delivers a bolus (and records carbs if any).
	DeliverTreatment(ctx context.Context, info DetailedBolusInfo) (EnactResult, error)

	// SetTempBasalAbsolute sets a temp basal in U/h.
	SetTempBasalAbsolute(ctx context.Context, rate float64, duration time.Duration, enforceNew bool) (EnactResult, error)

	// SetTempBasalPercent sets a temp basal relative to the profile basal.
	SetTempBasalPercent(ctx context.Context, percent int, duration time.Duration, enforceNew bool) (EnactResult, error)

	CancelTempBasal(ctx context.Context, enforceNew bool) (EnactResult, error)

	SetExtendedBolus(ctx context.Context, insulin float64, duration time.Duration) (EnactResult, error)

	CancelExtendedBolus(ctx context.Context) (EnactResult, error)

	// SetProfile uploads the basal schedule of p.
	SetProfile(ctx context.Context, p *profile.Profile) (EnactResult, error)

	// ReadStatus refreshes the pump status; reason is logged by the driver.
	ReadStatus(ctx context.Context, reason string) (Status, error)

	// CustomAction runs a vendor-specific action.
	CustomAction(ctx context.Context, action string, params map[string]any) (EnactResult, error)
}

// DriverBase provides common identity fields for driver implementations.
type DriverBase struct {
	// PumpID identifies the pump this driver controls
	PumpID string

	// Vendor selects the error mapping table
	Vendor string
}

// GetPumpID returns the pump identifier.
func (b *DriverBase) GetPumpID() string {
	return b.PumpID
}

// GetVendor returns the vendor identifier.
func (b *DriverBase) GetVendor() string {
	return b.Vendor
}
