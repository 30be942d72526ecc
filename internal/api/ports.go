// Package api defines ports (interfaces) for API server dependencies.
package api

import (
	"context"
	"net/http"

	"github.com/pump-control/pcc/internal/command"
	"github.com/pump-control/pcc/internal/history"
	"github.com/pump-control/pcc/internal/telemetry"
)

// OrchestratorPort is the dosing surface the API drives.
type OrchestratorPort = command.OrchestratorPort

// TelemetryPort defines the minimal interface the API needs from the telemetry hub.
type TelemetryPort interface {
	Subscribe(ctx context.Context, w http.ResponseWriter, r *http.Request) error
	ClientCount() int
}

// HistoryPort reads delivered treatments.
type HistoryPort interface {
	Recent(ctx context.Context, limit int) ([]history.Treatment, error)
}

// Compile-time assertions for port conformance
var _ OrchestratorPort = (*command.Orchestrator)(nil)
var _ TelemetryPort = (*telemetry.Hub)(nil)
var _ HistoryPort = (*history.Store)(nil)
