package queue

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/pump-control/pcc/internal/audit"
	"github.com/pump-control/pcc/internal/pump"
)

// Guard defaults.
const (
	// DefaultSMBMinInterval is the minimum time between the last bolus and an SMB.
	DefaultSMBMinInterval = 3 * time.Minute
	// DefaultStaleTolerance is how long after its deadline a bolus may still start.
	DefaultStaleTolerance = time.Minute
)

// LastBolusLookup returns the time of the most recent delivered bolus.
// A zero time means no bolus is known.
type LastBolusLookup interface {
	LastBolusTime(ctx context.Context) (time.Time, error)
}

// LastBolusFunc adapts a function to LastBolusLookup.
type LastBolusFunc func(ctx context.Context) (time.Time, error)

// LastBolusTime implements LastBolusLookup.
func (f LastBolusFunc) LastBolusTime(ctx context.Context) (time.Time, error) {
	return f(ctx)
}

// Timing holds guard intervals and per-class driver timeouts.
type Timing struct {
	SMBMinInterval   time.Duration
	StaleTolerance   time.Duration
	BolusTimeout     time.Duration
	TempBasalTimeout time.Duration
	ProfileTimeout   time.Duration
	StatusTimeout    time.Duration
	DefaultTimeout   time.Duration
	LookupTimeout    time.Duration
}

// DefaultTiming returns the baseline timing.
func DefaultTiming() Timing {
	return Timing{
		SMBMinInterval:   DefaultSMBMinInterval,
		StaleTolerance:   DefaultStaleTolerance,
		BolusTimeout:     5 * time.Minute,
		TempBasalTimeout: 60 * time.Second,
		ProfileTimeout:   2 * time.Minute,
		StatusTimeout:    30 * time.Second,
		DefaultTimeout:   60 * time.Second,
		LookupTimeout:    2 * time.Second,
	}
}

func (t Timing) timeoutFor(k Kind) time.Duration {
	var d time.Duration
	switch k {
	case KindBolus, KindSMBBolus, KindExtendedBolus:
		d = t.BolusTimeout
	case KindTempBasal, KindCancelTempBasal, KindCancelExtended:
		d = t.TempBasalTimeout
	case KindProfileSet:
		d = t.ProfileTimeout
	case KindStatusPoll:
		d = t.StatusTimeout
	}
	if d <= 0 {
		d = t.DefaultTimeout
	}
	return d
}

func (t Timing) withDefaults() Timing {
	def := DefaultTiming()
	if t.SMBMinInterval <= 0 {
		t.SMBMinInterval = def.SMBMinInterval
	}
	if t.StaleTolerance <= 0 {
		t.StaleTolerance = def.StaleTolerance
	}
	if t.DefaultTimeout <= 0 {
		t.DefaultTimeout = def.DefaultTimeout
	}
	if t.LookupTimeout <= 0 {
		t.LookupTimeout = def.LookupTimeout
	}
	return t
}

// Messages are the comments placed in results produced by the queue itself.
type Messages struct {
	SMBInterval        string
	SMBTooOld          string
	BolusTooOld        string
	LastBolusUnknown   string
	BolusInProgress    string
	ConnectionTimedOut string
	InvalidCommand     string
	QueueStopped       string
	DriverFailure      string
	NoDriver           string
	StatusRead         string
}

// DefaultMessages returns the English message table.
func DefaultMessages() Messages {
	return Messages{
		SMBInterval:        "SMB requested but still within minimum interval",
		SMBTooOld:          "SMB request too old",
		BolusTooOld:        "Bolus request too old",
		LastBolusUnknown:   "SMB requested but last bolus time is unknown",
		BolusInProgress:    "Bolus already queued or running",
		ConnectionTimedOut: "connection timed out",
		InvalidCommand:     "Invalid command",
		QueueStopped:       "Command queue stopped",
		DriverFailure:      "Pump driver failure",
		NoDriver:           "No pump driver available",
		StatusRead:         "Status read",
	}
}

func (m Messages) withDefaults() Messages {
	def := DefaultMessages()
	fill := func(v *string, d string) {
		if *v == "" {
			*v = d
		}
	}
	fill(&m.SMBInterval, def.SMBInterval)
	fill(&m.SMBTooOld, def.SMBTooOld)
	fill(&m.BolusTooOld, def.BolusTooOld)
	fill(&m.LastBolusUnknown, def.LastBolusUnknown)
	fill(&m.BolusInProgress, def.BolusInProgress)
	fill(&m.ConnectionTimedOut, def.ConnectionTimedOut)
	fill(&m.InvalidCommand, def.InvalidCommand)
	fill(&m.QueueStopped, def.QueueStopped)
	fill(&m.DriverFailure, def.DriverFailure)
	fill(&m.NoDriver, def.NoDriver)
	fill(&m.StatusRead, def.StatusRead)
	return m
}

// Env is everything commands and the queue need from the outside world.
type Env struct {
	Now         func() time.Time
	Driver      pump.Driver
	LastBolus   LastBolusLookup
	Timing      Timing
	Messages    Messages
	Diagnostics audit.Sink
	Logger      *zap.Logger
	// Vendor selects the driver error mapping table.
	Vendor string

	// lastDelivered is the unix-nano time of the last bolus seen by this queue.
	lastDelivered atomic.Int64
}

func (e *Env) applyDefaults() {
	if e.Now == nil {
		e.Now = time.Now
	}
	if e.Logger == nil {
		e.Logger = zap.NewNop()
	}
	if e.Diagnostics == nil {
		e.Diagnostics = audit.Nop{}
	}
	if e.Vendor == "" {
		e.Vendor = "generic"
	}
	e.Timing = e.Timing.withDefaults()
	e.Messages = e.Messages.withDefaults()
}

func (e *Env) noteBolus(t time.Time) {
	n := t.UnixNano()
	for {
		cur := e.lastDelivered.Load()
		if n <= cur || e.lastDelivered.CompareAndSwap(cur, n) {
			return
		}
	}
}

// lastBolusTime merges the persisted lookup with boluses this queue delivered.
func (e *Env) lastBolusTime(ctx context.Context) (time.Time, error) {
	var last time.Time
	if n := e.lastDelivered.Load(); n != 0 {
		last = time.Unix(0, n)
	}
	if e.LastBolus == nil {
		return last, nil
	}
	ctx, cancel := context.WithTimeout(ctx, e.Timing.LookupTimeout)
	defer cancel()
	stored, err := e.LastBolus.LastBolusTime(ctx)
	if err != nil {
		return last, err
	}
	if stored.After(last) {
		last = stored
	}
	return last, nil
}

// admission snapshots the inputs of the guard policies.
func (e *Env) admission(ctx context.Context) Admission {
	return Admission{
		Now:      e.Now(),
		Timing:   e.Timing,
		Messages: e.Messages,
		lastBolus: func() (time.Time, error) {
			return e.lastBolusTime(ctx)
		},
	}
}

// Admission is the input of a guard policy.
type Admission struct {
	Now      time.Time
	Timing   Timing
	Messages Messages

	lastBolus func() (time.Time, error)
}

// LastBolus returns the time of the most recent bolus; zero if none is known.
func (a Admission) LastBolus() (time.Time, error) {
	if a.lastBolus == nil {
		return time.Time{}, nil
	}
	return a.lastBolus()
}

// Admitter is implemented by commands that own a guard policy. The queue calls
// Admit at enqueue and again at dispatch, holding its lock.
type Admitter interface {
	Admit(a Admission) (pump.EnactResult, bool)
}
