package command

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pump-control/pcc/internal/audit"
	"github.com/pump-control/pcc/internal/constraint"
	"github.com/pump-control/pcc/internal/device"
	"github.com/pump-control/pcc/internal/profile"
	"github.com/pump-control/pcc/internal/pump"
	"github.com/pump-control/pcc/internal/queue"
	"github.com/pump-control/pcc/internal/telemetry"
)

// BolusRequest is a manual bolus with optional carbs.
type BolusRequest struct {
	Insulin float64
	Carbs   float64
	Notes   string
	// DeliverAtTheLatest is optional for manual boluses.
	DeliverAtTheLatest time.Time
}

// SMBRequest is an automated micro bolus.
type SMBRequest struct {
	Insulin            float64
	DeliverAtTheLatest time.Time
	Notes              string
}

// TempBasalRequest sets an absolute (U/h) or percent temp basal.
type TempBasalRequest struct {
	Absolute   bool
	Rate       float64
	Percent    int
	Duration   time.Duration
	EnforceNew bool
}

// ExtendedBolusRequest delivers insulin over a duration.
type ExtendedBolusRequest struct {
	Insulin  float64
	Duration time.Duration
}

// Applied records one constraint that changed a requested value.
type Applied struct {
	Kind      constraint.Kind `json:"kind"`
	Requested float64         `json:"requested"`
	Value     float64         `json:"value"`
	Reasons   []string        `json:"reasons"`
}

// Resolution is the outcome of resolving one constraint kind.
type Resolution struct {
	Kind            constraint.Kind `json:"kind"`
	Initial         float64         `json:"initial"`
	Value           float64         `json:"value"`
	Narrowed        bool            `json:"narrowed"`
	Reasons         []string        `json:"reasons"`
	MostRestrictive []string        `json:"mostRestrictive"`
}

// Submission describes an enqueued (or refused) command.
type Submission struct {
	CommandID   string     `json:"commandId"`
	Kind        queue.Kind `json:"kind"`
	Accepted    bool       `json:"accepted"`
	Constraints []Applied  `json:"constraints,omitempty"`

	future *queue.Future
}

// Wait blocks until the command result is available or ctx is done.
func (s *Submission) Wait(ctx context.Context) (pump.EnactResult, error) {
	return s.future.Wait(ctx)
}

// Result returns the result if it is already available.
func (s *Submission) Result() (pump.EnactResult, bool) {
	return s.future.Result()
}

// QueueStatus is a snapshot of the command queue.
type QueueStatus struct {
	Running string   `json:"running"`
	Pending []string `json:"pending"`
	Length  int      `json:"length"`
}

// requestInfo carries request-scoped audit context from submit to result.
type requestInfo struct {
	user          string
	correlationID string
	params        map[string]interface{}
}

// Orchestrator turns dosing requests into queued pump commands.
type Orchestrator struct {
	queue    *queue.Queue
	resolver *constraint.Resolver
	pumps    PumpManager
	profiles *profile.Store

	telemetry Publisher
	audit     audit.Sink
	logger    *zap.Logger

	inflight sync.Map // command id -> requestInfo
}

// Compile-time assertion that Orchestrator implements OrchestratorPort
var _ OrchestratorPort = (*Orchestrator)(nil)

// Options holds the optional collaborators of an Orchestrator.
type Options struct {
	Pumps     PumpManager
	Profiles  *profile.Store
	Telemetry Publisher
	Audit     audit.Sink
	Logger    *zap.Logger
}

// NewOrchestrator creates an orchestrator over q and r and subscribes to
// q's results.
func NewOrchestrator(q *queue.Queue, r *constraint.Resolver, opts Options) *Orchestrator {
	if opts.Audit == nil {
		opts.Audit = audit.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	o := &Orchestrator{
		queue:     q,
		resolver:  r,
		pumps:     opts.Pumps,
		profiles:  opts.Profiles,
		telemetry: opts.Telemetry,
		audit:     opts.Audit,
		logger:    opts.Logger.Named("orchestrator"),
	}
	q.OnResult(o.onResult)
	return o
}

// Bolus clamps insulin to max_bolus and carbs to max_carbs and enqueues a
// manual bolus.
func (o *Orchestrator) Bolus(ctx context.Context, req BolusRequest) (*Submission, error) {
	params := map[string]interface{}{"insulin": req.Insulin, "carbs": req.Carbs}
	if err := nonNegative(req.Insulin, req.Carbs); err != nil {
		return nil, o.refuse(ctx, "bolus", params, err)
	}
	if req.Insulin == 0 && req.Carbs == 0 {
		return nil, o.refuse(ctx, "bolus", params, fmt.Errorf("%w: insulin or carbs required", ErrInvalidParameter))
	}

	var applied []Applied
	insulin := req.Insulin
	if insulin > 0 {
		insulin = o.clampFloat(ctx, constraint.MaxBolus, insulin, &applied)
	}
	carbs := req.Carbs
	if carbs > 0 {
		carbs = float64(o.clampInt(ctx, constraint.MaxCarbs, int(math.Round(carbs)), &applied))
	}

	fut := queue.NewFuture()
	cmd := queue.NewBolus(pump.DetailedBolusInfo{
		Insulin:            insulin,
		Carbs:              carbs,
		Type:               pump.BolusNormal,
		DeliverAtTheLatest: req.DeliverAtTheLatest,
		Timestamp:          o.now(),
		Notes:              req.Notes,
	}, fut.Sink())
	return o.submit(ctx, "bolus", cmd, fut, params, applied), nil
}

// SMB clamps insulin to max_bolus and enqueues a micro bolus. The queue owns
// the interval and staleness policy.
func (o *Orchestrator) SMB(ctx context.Context, req SMBRequest) (*Submission, error) {
	params := map[string]interface{}{"insulin": req.Insulin}
	if !req.DeliverAtTheLatest.IsZero() {
		params["deliverAtTheLatest"] = req.DeliverAtTheLatest.UTC().Format(time.RFC3339)
	}
	if err := positive(req.Insulin); err != nil {
		return nil, o.refuse(ctx, "smb", params, err)
	}

	var applied []Applied
	insulin := o.clampFloat(ctx, constraint.MaxBolus, req.Insulin, &applied)

	fut := queue.NewFuture()
	cmd := queue.NewSMBBolus(pump.DetailedBolusInfo{
		Insulin:            insulin,
		DeliverAtTheLatest: req.DeliverAtTheLatest,
		Timestamp:          o.now(),
		Notes:              req.Notes,
	}, fut.Sink())
	return o.submit(ctx, "smb", cmd, fut, params, applied), nil
}

// TempBasal clamps the rate to max_basal_rate (or the percent to
// max_basal_percent) and enqueues a temp basal.
func (o *Orchestrator) TempBasal(ctx context.Context, req TempBasalRequest) (*Submission, error) {
	params := map[string]interface{}{"durationMin": req.Duration.Minutes(), "enforceNew": req.EnforceNew}
	if req.Duration <= 0 {
		return nil, o.refuse(ctx, "tempBasal", params, fmt.Errorf("%w: duration must be positive", ErrInvalidParameter))
	}

	var applied []Applied
	fut := queue.NewFuture()
	var cmd queue.Command
	if req.Absolute {
		params["rate"] = req.Rate
		if err := nonNegative(req.Rate); err != nil {
			return nil, o.refuse(ctx, "tempBasal", params, err)
		}
		rate := o.clampFloat(ctx, constraint.MaxBasalRate, req.Rate, &applied)
		cmd = queue.NewTempBasalAbsolute(rate, req.Duration, req.EnforceNew, fut.Sink())
	} else {
		params["percent"] = req.Percent
		if req.Percent < 0 {
			return nil, o.refuse(ctx, "tempBasal", params, fmt.Errorf("%w: percent must not be negative", ErrInvalidParameter))
		}
		percent := o.clampInt(ctx, constraint.MaxBasalPercent, req.Percent, &applied)
		cmd = queue.NewTempBasalPercent(percent, req.Duration, req.EnforceNew, fut.Sink())
	}
	return o.submit(ctx, "tempBasal", cmd, fut, params, applied), nil
}

// ExtendedBolus clamps insulin to max_extended_bolus and enqueues it.
func (o *Orchestrator) ExtendedBolus(ctx context.Context, req ExtendedBolusRequest) (*Submission, error) {
	params := map[string]interface{}{"insulin": req.Insulin, "durationMin": req.Duration.Minutes()}
	if err := positive(req.Insulin); err != nil {
		return nil, o.refuse(ctx, "extendedBolus", params, err)
	}
	if req.Duration <= 0 {
		return nil, o.refuse(ctx, "extendedBolus", params, fmt.Errorf("%w: duration must be positive", ErrInvalidParameter))
	}

	var applied []Applied
	insulin := o.clampFloat(ctx, constraint.MaxExtendedBolus, req.Insulin, &applied)

	fut := queue.NewFuture()
	cmd := queue.NewExtendedBolus(insulin, req.Duration, fut.Sink())
	return o.submit(ctx, "extendedBolus", cmd, fut, params, applied), nil
}

// CancelTempBasal enqueues a temp basal cancel.
func (o *Orchestrator) CancelTempBasal(ctx context.Context, enforceNew bool) (*Submission, error) {
	fut := queue.NewFuture()
	cmd := queue.NewCancelTempBasal(enforceNew, fut.Sink())
	return o.submit(ctx, "cancelTempBasal", cmd, fut, map[string]interface{}{"enforceNew": enforceNew}, nil), nil
}

// CancelExtended enqueues an extended bolus cancel.
func (o *Orchestrator) CancelExtended(ctx context.Context) (*Submission, error) {
	fut := queue.NewFuture()
	cmd := queue.NewCancelExtended(fut.Sink())
	return o.submit(ctx, "cancelExtended", cmd, fut, nil, nil), nil
}

// SetProfile enqueues a profile upload. The profile store follows once the
// pump confirmed it.
func (o *Orchestrator) SetProfile(ctx context.Context, p *profile.Profile) (*Submission, error) {
	if p == nil {
		return nil, o.refuse(ctx, "setProfile", nil, fmt.Errorf("%w: profile is required", ErrInvalidParameter))
	}
	params := map[string]interface{}{"profile": p.Name}
	if err := p.Validate(); err != nil {
		return nil, o.refuse(ctx, "setProfile", params, fmt.Errorf("%w: %v", ErrInvalidParameter, err))
	}
	fut := queue.NewFuture()
	cmd := queue.NewProfileSet(p, fut.Sink())
	return o.submit(ctx, "setProfile", cmd, fut, params, nil), nil
}

// ReadStatus enqueues a status poll.
func (o *Orchestrator) ReadStatus(ctx context.Context, reason string) (*Submission, error) {
	if reason == "" {
		reason = "requested"
	}
	fut := queue.NewFuture()
	cmd := queue.NewStatusPoll(reason, fut.Sink())
	return o.submit(ctx, "readStatus", cmd, fut, map[string]interface{}{"reason": reason}, nil), nil
}

// CustomAction enqueues a vendor-specific action.
func (o *Orchestrator) CustomAction(ctx context.Context, action string, params map[string]any) (*Submission, error) {
	auditParams := map[string]interface{}{"action": action}
	if action == "" {
		return nil, o.refuse(ctx, "customAction", auditParams, fmt.Errorf("%w: action is required", ErrInvalidParameter))
	}
	fut := queue.NewFuture()
	cmd := queue.NewCustomAction(action, params, fut.Sink())
	return o.submit(ctx, "customAction", cmd, fut, auditParams, nil), nil
}

// CancelCurrent abandons the running command and returns the queue state
// afterwards.
func (o *Orchestrator) CancelCurrent(ctx context.Context) QueueStatus {
	running := o.queue.StatusText()
	o.queue.CancelCurrent()
	outcome := "IDLE"
	if running != "" {
		outcome = "CANCELLED"
	}
	o.audit.Record(ctx, audit.Event{
		Type:    audit.TypeAPI,
		PumpID:  o.activePump(),
		Source:  "orchestrator",
		Action:  "cancelCurrent",
		Params:  map[string]interface{}{"running": running},
		Outcome: outcome,
	})
	return o.QueueStatus()
}

// QueueStatus returns a snapshot of the queue.
func (o *Orchestrator) QueueStatus() QueueStatus {
	pending := o.queue.Pending()
	if pending == nil {
		pending = []string{}
	}
	return QueueStatus{
		Running: o.queue.StatusText(),
		Pending: pending,
		Length:  o.queue.Len(),
	}
}

// SelectPump makes pumpID the active pump for subsequent commands.
func (o *Orchestrator) SelectPump(ctx context.Context, pumpID string) error {
	params := map[string]interface{}{"pumpId": pumpID}
	if pumpID == "" {
		return o.refuse(ctx, "selectPump", params, fmt.Errorf("%w: pump id is required", ErrInvalidParameter))
	}
	if o.pumps == nil {
		return o.refuse(ctx, "selectPump", params, pump.ErrUnavailable)
	}
	if err := o.pumps.SetActive(pumpID); err != nil {
		if errors.Is(err, device.ErrNotFound) {
			err = fmt.Errorf("%w: %v", ErrNotFound, err)
		}
		return o.refuse(ctx, "selectPump", params, err)
	}
	o.audit.Record(ctx, audit.Event{
		Type:    audit.TypeAPI,
		PumpID:  pumpID,
		Source:  "orchestrator",
		Action:  "selectPump",
		Params:  params,
		Outcome: "SUCCESS",
		Code:    "SUCCESS",
	})
	o.publish(telemetry.Event{
		Type: telemetry.EventPumpStatus,
		Pump: pumpID,
		Data: map[string]interface{}{"pumpId": pumpID, "active": true},
	})
	return nil
}

// Pumps returns the pump inventory.
func (o *Orchestrator) Pumps() *device.PumpList {
	if o.pumps == nil {
		return &device.PumpList{Items: []device.Pump{}}
	}
	return o.pumps.List()
}

// Pump returns one inventory entry.
func (o *Orchestrator) Pump(pumpID string) (device.Pump, error) {
	if o.pumps == nil {
		return device.Pump{}, pump.ErrUnavailable
	}
	p, err := o.pumps.GetPump(pumpID)
	if err != nil {
		return device.Pump{}, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return p, nil
}

// Resolve runs the contributor chain for kind from value without enqueuing
// anything.
func (o *Orchestrator) Resolve(kind constraint.Kind, value float64) Resolution {
	return ResolveKind(o.resolver, kind, value)
}

// ResolveKind resolves kind from value, using integer arithmetic for
// integer kinds.
func ResolveKind(r *constraint.Resolver, kind constraint.Kind, value float64) Resolution {
	if kind.Integer() {
		c := constraint.Resolve(r, kind, int(math.Round(value)))
		return Resolution{
			Kind:            kind,
			Initial:         float64(c.Initial()),
			Value:           float64(c.Value()),
			Narrowed:        c.Narrowed(),
			Reasons:         c.Reasons(),
			MostRestrictive: c.MostRestrictiveReasons(),
		}
	}
	c := constraint.Resolve(r, kind, value)
	return Resolution{
		Kind:            kind,
		Initial:         c.Initial(),
		Value:           c.Value(),
		Narrowed:        c.Narrowed(),
		Reasons:         c.Reasons(),
		MostRestrictive: c.MostRestrictiveReasons(),
	}
}

// submit enqueues cmd and records the request. A refused command already has
// its result when submit returns.
func (o *Orchestrator) submit(ctx context.Context, action string, cmd queue.Command, fut *queue.Future, params map[string]interface{}, applied []Applied) *Submission {
	o.inflight.Store(cmd.ID(), requestInfo{
		user:          audit.UserFromContext(ctx),
		correlationID: audit.CorrelationIDFromContext(ctx),
		params:        params,
	})

	accepted := o.queue.Enqueue(cmd)
	pumpID := o.activePump()

	outcome := "QUEUED"
	if !accepted {
		outcome = "REJECTED"
	}
	o.audit.Record(ctx, audit.Event{
		Type:    audit.TypeAPI,
		PumpID:  pumpID,
		Source:  "orchestrator",
		Action:  action,
		Params:  params,
		Outcome: outcome,
		Message: cmd.Log(),
	})
	o.logger.Info("command submitted",
		zap.String("action", action),
		zap.String("id", cmd.ID()),
		zap.String("command", cmd.Log()),
		zap.Bool("accepted", accepted))

	if accepted {
		o.publish(telemetry.Event{
			Type: telemetry.EventCommandQueued,
			Pump: pumpID,
			Data: map[string]interface{}{
				"commandId": cmd.ID(),
				"kind":      string(cmd.Kind()),
				"command":   cmd.Log(),
			},
		})
	}

	return &Submission{
		CommandID:   cmd.ID(),
		Kind:        cmd.Kind(),
		Accepted:    accepted,
		Constraints: applied,
		future:      fut,
	}
}

// onResult audits every command result and keeps derived state current.
func (o *Orchestrator) onResult(cmd queue.Command, res pump.EnactResult) {
	ctx := context.Background()
	var params map[string]interface{}
	if v, ok := o.inflight.LoadAndDelete(cmd.ID()); ok {
		info := v.(requestInfo)
		ctx = audit.WithUser(ctx, info.user)
		ctx = audit.WithCorrelationID(ctx, info.correlationID)
		params = info.params
	}

	outcome, code := "SUCCESS", "ENACTED"
	switch {
	case !res.Success():
		outcome, code = "FAILED", "NOT_ENACTED"
	case !res.Enacted():
		code = "NOT_ENACTED"
	}
	pumpID := o.activePump()
	o.audit.Record(ctx, audit.Event{
		Type:    audit.TypeCommand,
		PumpID:  pumpID,
		Source:  "queue",
		Action:  string(cmd.Kind()),
		Params:  params,
		Outcome: outcome,
		Code:    code,
		Message: res.Comment(),
	})

	if !res.Success() {
		return
	}
	switch c := cmd.(type) {
	case *queue.ProfileSet:
		if o.profiles != nil && res.Enacted() {
			o.profiles.Set(c.Profile())
			o.logger.Info("active profile changed", zap.String("profile", c.Profile().Name))
		}
	case *queue.StatusPoll:
		if o.pumps == nil {
			return
		}
		if st, ok := o.pumps.LastStatus(); ok {
			o.publish(telemetry.Event{
				Type: telemetry.EventPumpStatus,
				Pump: pumpID,
				Data: statusData(st),
			})
		}
	}
}

func (o *Orchestrator) clampFloat(ctx context.Context, kind constraint.Kind, requested float64, applied *[]Applied) float64 {
	v, narrowed, c := constraint.Clamp(o.resolver, kind, requested)
	if narrowed {
		o.noteConstraint(ctx, kind, requested, v, c.MostRestrictiveReasons(), applied)
	}
	return v
}

func (o *Orchestrator) clampInt(ctx context.Context, kind constraint.Kind, requested int, applied *[]Applied) int {
	v, narrowed, c := constraint.Clamp(o.resolver, kind, requested)
	if narrowed {
		o.noteConstraint(ctx, kind, float64(requested), float64(v), c.MostRestrictiveReasons(), applied)
	}
	return v
}

func (o *Orchestrator) noteConstraint(ctx context.Context, kind constraint.Kind, requested, value float64, reasons []string, applied *[]Applied) {
	*applied = append(*applied, Applied{Kind: kind, Requested: requested, Value: value, Reasons: reasons})

	pumpID := o.activePump()
	o.audit.Record(ctx, audit.Event{
		Type:    audit.TypeConstraint,
		PumpID:  pumpID,
		Source:  "resolver",
		Action:  string(kind),
		Params:  map[string]interface{}{"requested": requested, "value": value, "reasons": reasons},
		Outcome: "CLAMPED",
		Code:    "SUCCESS",
	})
	o.publish(telemetry.Event{
		Type: telemetry.EventConstraintApplied,
		Pump: pumpID,
		Data: map[string]interface{}{
			"kind":      string(kind),
			"requested": requested,
			"value":     value,
			"reasons":   reasons,
		},
	})
}

// refuse audits a request rejected before it reached the queue.
func (o *Orchestrator) refuse(ctx context.Context, action string, params map[string]interface{}, err error) error {
	o.audit.Record(ctx, audit.Event{
		Type:    audit.TypeAPI,
		PumpID:  o.activePump(),
		Source:  "orchestrator",
		Action:  action,
		Params:  params,
		Outcome: "REJECTED",
		Code:    audit.CodeFromError(err),
		Message: err.Error(),
	})
	return err
}

func (o *Orchestrator) publish(e telemetry.Event) {
	if o.telemetry == nil {
		return
	}
	o.telemetry.Publish(e)
}

func (o *Orchestrator) activePump() string {
	if o.pumps == nil {
		return ""
	}
	return o.pumps.GetActive()
}

func (o *Orchestrator) now() time.Time {
	return o.queue.Env().Now()
}

func statusData(st pump.Status) map[string]interface{} {
	return map[string]interface{}{
		"connected":      st.Connected,
		"suspended":      st.Suspended,
		"reservoir":      st.Reservoir,
		"batteryPercent": st.BatteryPercent,
		"baseBasalRate":  st.BaseBasalRate,
		"tempBasalRate":  st.TempBasalRate,
		"extendedActive": st.ExtendedActive,
		"readAt":         st.ReadAt.UTC().Format(time.RFC3339),
	}
}

func nonNegative(values ...float64) error {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: value must be finite", ErrInvalidParameter)
		}
		if v < 0 {
			return fmt.Errorf("%w: value must not be negative", ErrInvalidParameter)
		}
	}
	return nil
}

func positive(v float64) error {
	if err := nonNegative(v); err != nil {
		return err
	}
	if v == 0 {
		return fmt.Errorf("%w: value must be positive", ErrInvalidParameter)
	}
	return nil
}
