package command

import (
	"context"
	"errors"

	"github.com/pump-control/pcc/internal/constraint"
	"github.com/pump-control/pcc/internal/device"
	"github.com/pump-control/pcc/internal/profile"
	"github.com/pump-control/pcc/internal/pump"
	"github.com/pump-control/pcc/internal/telemetry"
)

// OrchestratorPort defines the interface the API and CLI need from the orchestrator.
type OrchestratorPort interface {
	Bolus(ctx context.Context, req BolusRequest) (*Submission, error)
	SMB(ctx context.Context, req SMBRequest) (*Submission, error)
	TempBasal(ctx context.Context, req TempBasalRequest) (*Submission, error)
	ExtendedBolus(ctx context.Context, req ExtendedBolusRequest) (*Submission, error)
	CancelTempBasal(ctx context.Context, enforceNew bool) (*Submission, error)
	CancelExtended(ctx context.Context) (*Submission, error)
	SetProfile(ctx context.Context, p *profile.Profile) (*Submission, error)
	ReadStatus(ctx context.Context, reason string) (*Submission, error)
	CustomAction(ctx context.Context, action string, params map[string]any) (*Submission, error)
	CancelCurrent(ctx context.Context) QueueStatus
	QueueStatus() QueueStatus

	SelectPump(ctx context.Context, pumpID string) error
	Pumps() *device.PumpList
	Pump(pumpID string) (device.Pump, error)

	Resolve(kind constraint.Kind, value float64) Resolution
}

// PumpManager is the device inventory the orchestrator reads and switches.
type PumpManager interface {
	GetPump(pumpID string) (device.Pump, error)
	SetActive(pumpID string) error
	GetActive() string
	List() *device.PumpList
	LastStatus() (pump.Status, bool)
}

// Publisher receives telemetry events.
type Publisher interface {
	Publish(e telemetry.Event)
	PublishPump(pumpID string, e telemetry.Event)
}

// Compile-time assertions.
var (
	_ PumpManager = (*device.Manager)(nil)
	_ Publisher   = (*telemetry.Hub)(nil)
)

// ErrNotFound indicates a requested pump was not found.
var ErrNotFound = errors.New("NOT_FOUND")

// ErrInvalidParameter indicates a required parameter is missing or structurally invalid.
var ErrInvalidParameter = errors.New("BAD_REQUEST")
