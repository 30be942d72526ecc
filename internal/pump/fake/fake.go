// Package fake provides an in-memory pump driver for tests and for running the
// service without hardware.
package fake

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pump-control/pcc/internal/profile"
	"github.com/pump-control/pcc/internal/pump"
)

// Pump implements pump.Driver in memory.
type Pump struct {
	pump.DriverBase

	mu sync.Mutex

	desc          pump.Description
	status        pump.Status
	activeProfile *profile.Profile
	calls         map[string]int

	// Timing
	delay time.Duration
	gate  <-chan struct{}
	hook  func(method string)

	// Error simulation
	simulateErrors bool
	errorType      string
	partialUnits   float64

	inFlight    atomic.Int32
	maxInFlight atomic.Int32

	now func() time.Time
}

// NewPump creates a fake pump with a DanaRS-like hardware envelope.
func NewPump(pumpID string) *Pump {
	return &Pump{
		DriverBase: pump.DriverBase{
			PumpID: pumpID,
			Vendor: "generic",
		},
		desc: pump.Description{
			Model:             "Fake-Pump",
			MaxBasalRate:      3.0,
			BasalStep:         0.01,
			MaxTempPercent:    200,
			TempPercentStep:   10,
			MaxBolus:          10.0,
			BolusStep:         0.05,
			MaxExtendedBolus:  10.0,
			MaxTempDuration:   24 * time.Hour,
			SupportsExtended:  true,
			SupportsTempPct:   true,
			SupportsTempAbsol: true,
		},
		status: pump.Status{
			Connected:      true,
			Reservoir:      200,
			BatteryPercent: 80,
			BaseBasalRate:  0.8,
		},
		calls: make(map[string]int),
		now:   time.Now,
	}
}

// Description returns the hardware envelope.
func (p *Pump) Description() pump.Description {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.desc
}

// DeliverTreatment delivers a bolus from the reservoir.
func (p *Pump) DeliverTreatment(ctx context.Context, info pump.DetailedBolusInfo) (pump.EnactResult, error) {
	done, err := p.enter(ctx, "DeliverTreatment")
	defer done()
	if err != nil {
		return p.partialFailure(err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if info.Insulin <= 0 && info.Carbs > 0 {
		return pump.Done(false, "carbs recorded"), nil
	}
	if info.Insulin <= 0 || info.Insulin > p.desc.MaxBolus {
		return pump.Failed("bolus out of range"), fmt.Errorf("INVALID_RANGE: bolus %.2f U outside (0, %.2f]", info.Insulin, p.desc.MaxBolus)
	}
	if info.Insulin > p.status.Reservoir {
		return pump.Failed("reservoir too low"), fmt.Errorf("LIMIT_EXCEEDED: reservoir %.1f U", p.status.Reservoir)
	}

	units := roundTo(info.Insulin, p.desc.BolusStep)
	p.status.Reservoir -= units
	p.status.LastBolusTime = p.now()
	p.status.LastBolusUnits = units
	return pump.Done(true, "", pump.WithUnits(units)), nil
}

// SetTempBasalAbsolute sets an absolute temp basal.
func (p *Pump) SetTempBasalAbsolute(ctx context.Context, rate float64, duration time.Duration, enforceNew bool) (pump.EnactResult, error) {
	done, err := p.enter(ctx, "SetTempBasalAbsolute")
	defer done()
	if err != nil {
		return pump.Failed(err.Error()), err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if rate < 0 || rate > p.desc.MaxBasalRate {
		return pump.Failed("rate out of range"), fmt.Errorf("INVALID_RANGE: rate %.2f U/h outside [0, %.2f]", rate, p.desc.MaxBasalRate)
	}
	if duration <= 0 || duration > p.desc.MaxTempDuration {
		return pump.Failed("duration out of range"), fmt.Errorf("INVALID_RANGE: duration %s", duration)
	}

	rate = roundTo(rate, p.desc.BasalStep)
	if !enforceNew && p.status.TempBasalRate == rate {
		return pump.Done(false, "temp basal already set", pump.WithAbsoluteRate(rate), pump.WithDuration(duration)), nil
	}
	p.status.TempBasalRate = rate
	return pump.Done(true, "", pump.WithAbsoluteRate(rate), pump.WithDuration(duration)), nil
}

// SetTempBasalPercent sets a percent temp basal.
func (p *Pump) SetTempBasalPercent(ctx context.Context, percent int, duration time.Duration, enforceNew bool) (pump.EnactResult, error) {
	done, err := p.enter(ctx, "SetTempBasalPercent")
	defer done()
	if err != nil {
		return pump.Failed(err.Error()), err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if percent < 0 || percent > p.desc.MaxTempPercent {
		return pump.Failed("percent out of range"), fmt.Errorf("INVALID_RANGE: percent %d outside [0, %d]", percent, p.desc.MaxTempPercent)
	}
	if duration <= 0 || duration > p.desc.MaxTempDuration {
		return pump.Failed("duration out of range"), fmt.Errorf("INVALID_RANGE: duration %s", duration)
	}

	rate := p.status.BaseBasalRate * float64(percent) / 100
	p.status.TempBasalRate = roundTo(rate, p.desc.BasalStep)
	return pump.Done(true, "", pump.WithPercent(percent), pump.WithDuration(duration)), nil
}

// CancelTempBasal cancels a running temp basal.
func (p *Pump) CancelTempBasal(ctx context.Context, enforceNew bool) (pump.EnactResult, error) {
	done, err := p.enter(ctx, "CancelTempBasal")
	defer done()
	if err != nil {
		return pump.Failed(err.Error()), err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.status.TempBasalRate == 0 && !enforceNew {
		return pump.Done(false, "no temp basal running", pump.WithTempCancel()), nil
	}
	p.status.TempBasalRate = 0
	return pump.Done(true, "", pump.WithTempCancel()), nil
}

// SetExtendedBolus starts an extended bolus.
func (p *Pump) SetExtendedBolus(ctx context.Context, insulin float64, duration time.Duration) (pump.EnactResult, error) {
	done, err := p.enter(ctx, "SetExtendedBolus")
	defer done()
	if err != nil {
		return pump.Failed(err.Error()), err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.desc.SupportsExtended {
		return pump.Failed("extended bolus not supported"), fmt.Errorf("INVALID_PARAMETER: extended bolus not supported")
	}
	if insulin <= 0 || insulin > p.desc.MaxExtendedBolus {
		return pump.Failed("extended bolus out of range"), fmt.Errorf("INVALID_RANGE: extended %.2f U", insulin)
	}
	p.status.ExtendedActive = true
	return pump.Done(true, "", pump.WithUnits(insulin), pump.WithDuration(duration)), nil
}

// CancelExtendedBolus stops a running extended bolus.
func (p *Pump) CancelExtendedBolus(ctx context.Context) (pump.EnactResult, error) {
	done, err := p.enter(ctx, "CancelExtendedBolus")
	defer done()
	if err != nil {
		return pump.Failed(err.Error()), err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.status.ExtendedActive {
		return pump.Done(false, "no extended bolus running"), nil
	}
	p.status.ExtendedActive = false
	return pump.Done(true, ""), nil
}

// SetProfile activates the basal schedule of prof.
func (p *Pump) SetProfile(ctx context.Context, prof *profile.Profile) (pump.EnactResult, error) {
	done, err := p.enter(ctx, "SetProfile")
	defer done()
	if err != nil {
		return pump.Failed(err.Error()), err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, b := range prof.Basal {
		if b.Value > p.desc.MaxBasalRate {
			return pump.Failed("basal block above pump maximum"), fmt.Errorf("INVALID_RANGE: basal %.2f U/h at %s", b.Value, b.Start)
		}
	}
	p.activeProfile = prof
	p.status.BaseBasalRate = prof.BasalAt(p.now())
	return pump.Done(true, ""), nil
}

// ReadStatus returns the current status.
func (p *Pump) ReadStatus(ctx context.Context, reason string) (pump.Status, error) {
	done, err := p.enter(ctx, "ReadStatus")
	defer done()
	if err != nil {
		return pump.Status{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	st := p.status
	st.ReadAt = p.now()
	return st, nil
}

// CustomAction supports "suspend" and "resume".
func (p *Pump) CustomAction(ctx context.Context, action string, params map[string]any) (pump.EnactResult, error) {
	done, err := p.enter(ctx, "CustomAction")
	defer done()
	if err != nil {
		return pump.Failed(err.Error()), err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch action {
	case "suspend":
		p.status.Suspended = true
	case "resume":
		p.status.Suspended = false
	default:
		return pump.Failed("unknown action " + action), fmt.Errorf("INVALID_PARAMETER: unknown action %q", action)
	}
	return pump.Done(true, action), nil
}

// enter records the call, applies delay/gate and error simulation.
// The returned func must be called when the operation ends.
func (p *Pump) enter(ctx context.Context, method string) (func(), error) {
	n := p.inFlight.Add(1)
	for {
		peak := p.maxInFlight.Load()
		if n <= peak || p.maxInFlight.CompareAndSwap(peak, n) {
			break
		}
	}
	done := func() { p.inFlight.Add(-1) }

	p.mu.Lock()
	p.calls[method]++
	delay, gate, hook := p.delay, p.gate, p.hook
	simulate, errorType := p.simulateErrors, p.errorType
	p.mu.Unlock()

	if hook != nil {
		hook(method)
	}

	select {
	case <-ctx.Done():
		return done, ctx.Err()
	default:
	}

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return done, ctx.Err()
		}
	}

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return done, ctx.Err()
		}
	}

	if simulate {
		if errorType == "PANIC" {
			done()
			panic("fake pump: simulated driver panic")
		}
		return done, simulatedError(errorType)
	}
	return done, nil
}

func (p *Pump) partialFailure(err error) (pump.EnactResult, error) {
	p.mu.Lock()
	units := p.partialUnits
	p.mu.Unlock()
	if units > 0 {
		return pump.Failed(fmt.Sprintf("delivery interrupted after %.2f U", units), pump.WithUnits(units)), err
	}
	return pump.Failed(err.Error()), err
}

func simulatedError(errorType string) error {
	switch errorType {
	case "INVALID_RANGE":
		return fmt.Errorf("INVALID_RANGE: simulated range error")
	case "BUSY":
		return fmt.Errorf("BUSY: simulated busy error")
	case "UNAVAILABLE":
		return fmt.Errorf("UNAVAILABLE: simulated unavailable error")
	default:
		return fmt.Errorf("simulated internal error")
	}
}

func roundTo(v, step float64) float64 {
	if step <= 0 {
		return v
	}
	return math.Round(v/step) * step
}

// Helper methods for testing

// SetErrorSimulation makes every call fail with errorType.
func (p *Pump) SetErrorSimulation(errorType string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.simulateErrors = true
	p.errorType = errorType
}

// DisableErrorSimulation disables error simulation.
func (p *Pump) DisableErrorSimulation() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.simulateErrors = false
	p.errorType = ""
}

// SetPartialDelivery makes failing boluses report units as delivered.
func (p *Pump) SetPartialDelivery(units float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.partialUnits = units
}

// SetDelay makes every call take d (or until ctx is done).
func (p *Pump) SetDelay(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delay = d
}

// SetGate makes every call wait for a receive on gate (or until ctx is done).
func (p *Pump) SetGate(gate <-chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gate = gate
}

// SetCallHook installs fn, invoked at the start of every call.
func (p *Pump) SetCallHook(fn func(method string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hook = fn
}

// SetClock replaces the time source used for status timestamps.
func (p *Pump) SetClock(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
}

// SetDescription replaces the hardware envelope.
func (p *Pump) SetDescription(desc pump.Description) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.desc = desc
}

// SetReservoir sets the remaining insulin.
func (p *Pump) SetReservoir(units float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status.Reservoir = units
}

// Calls returns how many times method was invoked.
func (p *Pump) Calls(method string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[method]
}

// TotalCalls returns the number of driver invocations of any method.
func (p *Pump) TotalCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, n := range p.calls {
		total += n
	}
	return total
}

// MaxInFlight returns the highest number of concurrent driver calls observed.
func (p *Pump) MaxInFlight() int {
	return int(p.maxInFlight.Load())
}

// ActiveProfile returns the last profile accepted by SetProfile.
func (p *Pump) ActiveProfile() *profile.Profile {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.activeProfile
}

var _ pump.Driver = (*Pump)(nil)
