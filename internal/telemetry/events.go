package telemetry

import (
	"context"

	"github.com/pump-control/pcc/internal/audit"
	"github.com/pump-control/pcc/internal/pump"
	"github.com/pump-control/pcc/internal/queue"
)

// Event types.
const (
	EventReady             = "ready"
	EventHeartbeat         = "heartbeat"
	EventCommandQueued     = "commandQueued"
	EventCommandResult     = "commandResult"
	EventConstraintApplied = "constraintApplied"
	EventPumpStatus        = "pumpStatus"
	EventFault             = "fault"
)

// ResultData renders an enact result as an event payload.
func ResultData(res pump.EnactResult) map[string]interface{} {
	data := map[string]interface{}{
		"success": res.Success(),
		"enacted": res.Enacted(),
		"comment": res.Comment(),
	}
	if res.Units() > 0 {
		data["units"] = res.Units()
	}
	if res.Duration() > 0 {
		data["durationMin"] = res.Duration().Minutes()
		if res.Absolute() {
			data["rate"] = res.Rate()
		} else {
			data["percent"] = res.Percent()
		}
	}
	if res.IsTempCancel() {
		data["tempCancel"] = true
	}
	return data
}

// Listener returns a queue listener publishing every command result.
func (h *Hub) Listener(pumpID func() string) queue.Listener {
	return func(cmd queue.Command, res pump.EnactResult) {
		data := ResultData(res)
		data["commandId"] = cmd.ID()
		data["kind"] = string(cmd.Kind())
		e := Event{Type: EventCommandResult, Data: data}
		if pumpID != nil {
			e.Pump = pumpID()
		}
		h.Publish(e)
	}
}

// Record implements audit.Sink. Constraint and diagnostic events become
// fault events; everything else is left to the audit trail.
func (h *Hub) Record(_ context.Context, e audit.Event) {
	if e.Type != audit.TypeConstraint && e.Type != audit.TypeDiagnostic {
		return
	}
	h.Publish(Event{
		Type: EventFault,
		Pump: e.PumpID,
		Data: map[string]interface{}{
			"source":  e.Source,
			"action":  e.Action,
			"code":    e.Code,
			"message": e.Message,
		},
	})
}

var _ audit.Sink = (*Hub)(nil)
