package queue

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/pump-control/pcc/internal/profile"
	"github.com/pump-control/pcc/internal/pump"
)

// Bolus is a manual bolus with optional carbs.
type Bolus struct {
	commandBase
	info pump.DetailedBolusInfo
}

// NewBolus creates a manual bolus command.
func NewBolus(info pump.DetailedBolusInfo, cb Callback) *Bolus {
	if info.Type == "" {
		info.Type = pump.BolusNormal
	}
	return &Bolus{commandBase: newBase(KindBolus, cb), info: info}
}

// Info returns the treatment request.
func (c *Bolus) Info() pump.DetailedBolusInfo { return c.info }

func (c *Bolus) Validate() error {
	if !finite(c.info.Insulin) || !finite(c.info.Carbs) {
		return fmt.Errorf("%w: non-finite amount", ErrInvalidCommand)
	}
	if c.info.Insulin < 0 || c.info.Carbs < 0 {
		return fmt.Errorf("%w: negative amount", ErrInvalidCommand)
	}
	if c.info.Insulin == 0 && c.info.Carbs == 0 {
		return fmt.Errorf("%w: empty bolus", ErrInvalidCommand)
	}
	if c.info.Type == pump.BolusSMB {
		return fmt.Errorf("%w: use an SMB command for automated boluses", ErrInvalidCommand)
	}
	return nil
}

// Admit applies the staleness guard when a deadline is set.
func (c *Bolus) Admit(a Admission) (pump.EnactResult, bool) {
	if c.info.DeliverAtTheLatest.IsZero() {
		return pump.EnactResult{}, true
	}
	if stale(c.info.DeliverAtTheLatest, a) {
		return pump.Failed(a.Messages.BolusTooOld), false
	}
	return pump.EnactResult{}, true
}

func (c *Bolus) Execute(ctx context.Context, env *Env) pump.EnactResult {
	if env.Driver == nil {
		return pump.Failed(env.Messages.NoDriver)
	}
	res, err := env.Driver.DeliverTreatment(ctx, c.info)
	return settle(env, res, err)
}

func (c *Bolus) Cancel(env *Env) pump.EnactResult {
	return pump.Failed(env.Messages.ConnectionTimedOut)
}

func (c *Bolus) Status() string {
	if c.info.Insulin == 0 {
		return fmt.Sprintf("Carbs %.0f g", c.info.Carbs)
	}
	return fmt.Sprintf("Bolus %.2f U", c.info.Insulin)
}

func (c *Bolus) Log() string {
	return fmt.Sprintf("BOLUS %.2f U CARBS %.0f g", c.info.Insulin, c.info.Carbs)
}

// SMBBolus is an automated micro bolus. It requires a delivery deadline.
type SMBBolus struct {
	commandBase
	info pump.DetailedBolusInfo
}

// NewSMBBolus creates an SMB command.
func NewSMBBolus(info pump.DetailedBolusInfo, cb Callback) *SMBBolus {
	info.Type = pump.BolusSMB
	return &SMBBolus{commandBase: newBase(KindSMBBolus, cb), info: info}
}

// Info returns the treatment request.
func (c *SMBBolus) Info() pump.DetailedBolusInfo { return c.info }

func (c *SMBBolus) Validate() error {
	if !finite(c.info.Insulin) || c.info.Insulin <= 0 {
		return fmt.Errorf("%w: SMB insulin must be positive", ErrInvalidCommand)
	}
	if c.info.Carbs != 0 {
		return fmt.Errorf("%w: SMB cannot carry carbs", ErrInvalidCommand)
	}
	return nil
}

// Admit refuses an SMB inside the minimum interval after the last bolus and an
// SMB whose deadline (plus tolerance) has passed. A zero deadline counts as passed.
func (c *SMBBolus) Admit(a Admission) (pump.EnactResult, bool) {
	last, err := a.LastBolus()
	if err != nil {
		return pump.Failed(a.Messages.LastBolusUnknown), false
	}
	if !last.IsZero() && a.Now.Before(last.Add(a.Timing.SMBMinInterval)) {
		return pump.Failed(a.Messages.SMBInterval), false
	}
	if c.info.DeliverAtTheLatest.IsZero() || stale(c.info.DeliverAtTheLatest, a) {
		return pump.Failed(a.Messages.SMBTooOld), false
	}
	return pump.EnactResult{}, true
}

// Execute re-checks the SMB policy right before talking to the pump.
func (c *SMBBolus) Execute(ctx context.Context, env *Env) pump.EnactResult {
	if res, ok := c.Admit(env.admission(ctx)); !ok {
		env.Logger.Debug("SMB refused at execution", zap.String("id", c.id), zap.String("comment", res.Comment()))
		return res
	}
	if env.Driver == nil {
		return pump.Failed(env.Messages.NoDriver)
	}
	res, err := env.Driver.DeliverTreatment(ctx, c.info)
	return settle(env, res, err)
}

func (c *SMBBolus) Cancel(env *Env) pump.EnactResult {
	return pump.Failed(env.Messages.ConnectionTimedOut)
}

func (c *SMBBolus) Status() string { return fmt.Sprintf("SMB bolus %.2f U", c.info.Insulin) }

func (c *SMBBolus) Log() string { return fmt.Sprintf("SMB BOLUS %.2f U", c.info.Insulin) }

// TempBasal sets an absolute (U/h) or percent temp basal.
type TempBasal struct {
	commandBase
	absolute   bool
	rate       float64
	percent    int
	duration   time.Duration
	enforceNew bool
}

// NewTempBasalAbsolute creates an absolute temp basal command.
func NewTempBasalAbsolute(rate float64, duration time.Duration, enforceNew bool, cb Callback) *TempBasal {
	return &TempBasal{
		commandBase: newBase(KindTempBasal, cb),
		absolute:    true,
		rate:        rate,
		duration:    duration,
		enforceNew:  enforceNew,
	}
}

// NewTempBasalPercent creates a percent temp basal command.
func NewTempBasalPercent(percent int, duration time.Duration, enforceNew bool, cb Callback) *TempBasal {
	return &TempBasal{
		commandBase: newBase(KindTempBasal, cb),
		percent:     percent,
		duration:    duration,
		enforceNew:  enforceNew,
	}
}

func (c *TempBasal) Validate() error {
	if c.duration <= 0 {
		return fmt.Errorf("%w: temp basal duration must be positive", ErrInvalidCommand)
	}
	if c.absolute && (!finite(c.rate) || c.rate < 0) {
		return fmt.Errorf("%w: temp basal rate %v", ErrInvalidCommand, c.rate)
	}
	if !c.absolute && c.percent < 0 {
		return fmt.Errorf("%w: temp basal percent %d", ErrInvalidCommand, c.percent)
	}
	return nil
}

func (c *TempBasal) Execute(ctx context.Context, env *Env) pump.EnactResult {
	if env.Driver == nil {
		return pump.Failed(env.Messages.NoDriver)
	}
	var (
		res pump.EnactResult
		err error
	)
	if c.absolute {
		res, err = env.Driver.SetTempBasalAbsolute(ctx, c.rate, c.duration, c.enforceNew)
	} else {
		res, err = env.Driver.SetTempBasalPercent(ctx, c.percent, c.duration, c.enforceNew)
	}
	return settle(env, res, err)
}

func (c *TempBasal) Cancel(env *Env) pump.EnactResult {
	return pump.Failed(env.Messages.ConnectionTimedOut)
}

func (c *TempBasal) Status() string {
	if c.absolute {
		return fmt.Sprintf("Temp basal %.2f U/h %.0f min", c.rate, c.duration.Minutes())
	}
	return fmt.Sprintf("Temp basal %d%% %.0f min", c.percent, c.duration.Minutes())
}

func (c *TempBasal) Log() string {
	if c.absolute {
		return fmt.Sprintf("TEMPBASAL ABSOLUTE %.2f U/h %.0f min", c.rate, c.duration.Minutes())
	}
	return fmt.Sprintf("TEMPBASAL PERCENT %d%% %.0f min", c.percent, c.duration.Minutes())
}

// ExtendedBolus delivers insulin spread over a duration.
type ExtendedBolus struct {
	commandBase
	insulin  float64
	duration time.Duration
}

// NewExtendedBolus creates an extended bolus command.
func NewExtendedBolus(insulin float64, duration time.Duration, cb Callback) *ExtendedBolus {
	return &ExtendedBolus{commandBase: newBase(KindExtendedBolus, cb), insulin: insulin, duration: duration}
}

func (c *ExtendedBolus) Validate() error {
	if !finite(c.insulin) || c.insulin <= 0 {
		return fmt.Errorf("%w: extended bolus insulin must be positive", ErrInvalidCommand)
	}
	if c.duration <= 0 {
		return fmt.Errorf("%w: extended bolus duration must be positive", ErrInvalidCommand)
	}
	return nil
}

func (c *ExtendedBolus) Execute(ctx context.Context, env *Env) pump.EnactResult {
	if env.Driver == nil {
		return pump.Failed(env.Messages.NoDriver)
	}
	res, err := env.Driver.SetExtendedBolus(ctx, c.insulin, c.duration)
	return settle(env, res, err)
}

func (c *ExtendedBolus) Cancel(env *Env) pump.EnactResult {
	return pump.Failed(env.Messages.ConnectionTimedOut)
}

func (c *ExtendedBolus) Status() string {
	return fmt.Sprintf("Extended bolus %.2f U %.0f min", c.insulin, c.duration.Minutes())
}

func (c *ExtendedBolus) Log() string {
	return fmt.Sprintf("EXTENDEDBOLUS %.2f U %.0f min", c.insulin, c.duration.Minutes())
}

// CancelTempBasal stops a running temp basal.
type CancelTempBasal struct {
	commandBase
	enforceNew bool
}

// NewCancelTempBasal creates a cancel temp basal command.
func NewCancelTempBasal(enforceNew bool, cb Callback) *CancelTempBasal {
	return &CancelTempBasal{commandBase: newBase(KindCancelTempBasal, cb), enforceNew: enforceNew}
}

func (c *CancelTempBasal) Validate() error { return nil }

func (c *CancelTempBasal) Execute(ctx context.Context, env *Env) pump.EnactResult {
	if env.Driver == nil {
		return pump.Failed(env.Messages.NoDriver)
	}
	res, err := env.Driver.CancelTempBasal(ctx, c.enforceNew)
	return settle(env, res, err)
}

func (c *CancelTempBasal) Cancel(env *Env) pump.EnactResult {
	return pump.Failed(env.Messages.ConnectionTimedOut, pump.WithTempCancel())
}

func (c *CancelTempBasal) Status() string { return "Cancel temp basal" }

func (c *CancelTempBasal) Log() string {
	return fmt.Sprintf("CANCEL TEMPBASAL enforceNew=%t", c.enforceNew)
}

// CancelExtended stops a running extended bolus.
type CancelExtended struct {
	commandBase
}

// NewCancelExtended creates a cancel extended bolus command.
func NewCancelExtended(cb Callback) *CancelExtended {
	return &CancelExtended{commandBase: newBase(KindCancelExtended, cb)}
}

func (c *CancelExtended) Validate() error { return nil }

func (c *CancelExtended) Execute(ctx context.Context, env *Env) pump.EnactResult {
	if env.Driver == nil {
		return pump.Failed(env.Messages.NoDriver)
	}
	res, err := env.Driver.CancelExtendedBolus(ctx)
	return settle(env, res, err)
}

func (c *CancelExtended) Cancel(env *Env) pump.EnactResult {
	return pump.Failed(env.Messages.ConnectionTimedOut)
}

func (c *CancelExtended) Status() string { return "Cancel extended bolus" }

func (c *CancelExtended) Log() string { return "CANCEL EXTENDEDBOLUS" }

// ProfileSet uploads a basal profile.
type ProfileSet struct {
	commandBase
	profile *profile.Profile
}

// NewProfileSet creates a profile upload command.
func NewProfileSet(p *profile.Profile, cb Callback) *ProfileSet {
	return &ProfileSet{commandBase: newBase(KindProfileSet, cb), profile: p}
}

// Profile returns the profile to upload.
func (c *ProfileSet) Profile() *profile.Profile { return c.profile }

func (c *ProfileSet) Validate() error {
	if c.profile == nil {
		return fmt.Errorf("%w: profile is required", ErrInvalidCommand)
	}
	if err := c.profile.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	return nil
}

func (c *ProfileSet) Execute(ctx context.Context, env *Env) pump.EnactResult {
	if env.Driver == nil {
		return pump.Failed(env.Messages.NoDriver)
	}
	res, err := env.Driver.SetProfile(ctx, c.profile)
	return settle(env, res, err)
}

func (c *ProfileSet) Cancel(env *Env) pump.EnactResult {
	return pump.Failed(env.Messages.ConnectionTimedOut)
}

func (c *ProfileSet) Status() string { return "Set profile " + c.profileName() }

func (c *ProfileSet) Log() string { return "PROFILESET " + c.profileName() }

func (c *ProfileSet) profileName() string {
	if c.profile == nil {
		return "<nil>"
	}
	return c.profile.Name
}

// StatusPoll reads the pump status.
type StatusPoll struct {
	commandBase
	reason string
}

// NewStatusPoll creates a status read command.
func NewStatusPoll(reason string, cb Callback) *StatusPoll {
	return &StatusPoll{commandBase: newBase(KindStatusPoll, cb), reason: reason}
}

func (c *StatusPoll) Validate() error { return nil }

func (c *StatusPoll) Execute(ctx context.Context, env *Env) pump.EnactResult {
	if env.Driver == nil {
		return pump.Failed(env.Messages.NoDriver)
	}
	st, err := env.Driver.ReadStatus(ctx, c.reason)
	if err != nil {
		return settle(env, pump.EnactResult{}, err)
	}
	if !st.LastBolusTime.IsZero() {
		env.noteBolus(st.LastBolusTime)
	}
	return pump.Done(false, env.Messages.StatusRead)
}

func (c *StatusPoll) Cancel(env *Env) pump.EnactResult {
	return pump.Failed(env.Messages.ConnectionTimedOut)
}

func (c *StatusPoll) Status() string { return "Read status" }

func (c *StatusPoll) Log() string { return "READSTATUS " + c.reason }

// CustomAction runs a vendor-specific action.
type CustomAction struct {
	commandBase
	action string
	params map[string]any
}

// NewCustomAction creates a custom action command.
func NewCustomAction(action string, params map[string]any, cb Callback) *CustomAction {
	return &CustomAction{commandBase: newBase(KindCustomAction, cb), action: action, params: params}
}

func (c *CustomAction) Validate() error {
	if c.action == "" {
		return fmt.Errorf("%w: custom action name is required", ErrInvalidCommand)
	}
	return nil
}

func (c *CustomAction) Execute(ctx context.Context, env *Env) pump.EnactResult {
	if env.Driver == nil {
		return pump.Failed(env.Messages.NoDriver)
	}
	res, err := env.Driver.CustomAction(ctx, c.action, c.params)
	return settle(env, res, err)
}

func (c *CustomAction) Cancel(env *Env) pump.EnactResult {
	return pump.Failed(env.Messages.ConnectionTimedOut)
}

func (c *CustomAction) Status() string { return "Custom action " + c.action }

func (c *CustomAction) Log() string { return "CUSTOMCOMMAND " + c.action }

// settle turns a driver answer into the command result. A driver error always
// yields a failed result; delivered units reported alongside it are kept.
func settle(env *Env, res pump.EnactResult, err error) pump.EnactResult {
	if err == nil {
		return res
	}
	normalized := pump.NormalizeDriverErrorWithVendor(err, nil, env.Vendor)
	comment := normalized.Error()
	if res.Comment() != "" && res.Comment() != err.Error() {
		comment = res.Comment() + ": " + comment
	}
	var opts []pump.ResultOption
	if res.Units() > 0 {
		opts = append(opts, pump.WithUnits(res.Units()))
	}
	if res.IsTempCancel() {
		opts = append(opts, pump.WithTempCancel())
	}
	return pump.Failed(comment, opts...)
}

// stale reports whether now is past deadline plus the stale tolerance.
func stale(deadline time.Time, a Admission) bool {
	return !a.Now.Before(deadline.Add(a.Timing.StaleTolerance))
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

var (
	_ Command  = (*Bolus)(nil)
	_ Command  = (*SMBBolus)(nil)
	_ Command  = (*TempBasal)(nil)
	_ Command  = (*ExtendedBolus)(nil)
	_ Command  = (*CancelTempBasal)(nil)
	_ Command  = (*CancelExtended)(nil)
	_ Command  = (*ProfileSet)(nil)
	_ Command  = (*StatusPoll)(nil)
	_ Command  = (*CustomAction)(nil)
	_ Admitter = (*Bolus)(nil)
	_ Admitter = (*SMBBolus)(nil)
)
