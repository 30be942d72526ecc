package safety

import (
	"errors"
	"time"

	"github.com/pump-control/pcc/internal/constraint"
	"github.com/pump-control/pcc/internal/profile"
)

// ErrNoProfile is returned when no profile is active.
var ErrNoProfile = errors.New("safety: no active profile")

// Multipliers bound the max basal rate relative to the active profile.
type Multipliers struct {
	CurrentBasal  float64 `mapstructure:"current_basal" yaml:"current_basal"`
	MaxDailyBasal float64 `mapstructure:"max_daily_basal" yaml:"max_daily_basal"`
}

// DefaultMultipliers are the clinical defaults: 4x current and 3x max daily basal.
var DefaultMultipliers = Multipliers{CurrentBasal: 4, MaxDailyBasal: 3}

// ProfileMultipliers limits the max basal rate to multiples of the profile basal.
type ProfileMultipliers struct {
	store *profile.Store
	mult  Multipliers
	now   func() time.Time
}

// NewProfileMultipliers creates the contributor. Zero multipliers take the defaults.
func NewProfileMultipliers(store *profile.Store, mult Multipliers, now func() time.Time) *ProfileMultipliers {
	if mult.CurrentBasal <= 0 {
		mult.CurrentBasal = DefaultMultipliers.CurrentBasal
	}
	if mult.MaxDailyBasal <= 0 {
		mult.MaxDailyBasal = DefaultMultipliers.MaxDailyBasal
	}
	if now == nil {
		now = time.Now
	}
	return &ProfileMultipliers{store: store, mult: mult, now: now}
}

func (p *ProfileMultipliers) ID() string { return "Safety" }

func (p *ProfileMultipliers) Kinds() []constraint.Kind {
	return []constraint.Kind{constraint.MaxBasalRate}
}

func (p *ProfileMultipliers) Apply(n constraint.Narrower) error {
	prof := p.store.Current()
	if prof == nil {
		return ErrNoProfile
	}
	if current := prof.BasalAt(p.now()); current > 0 {
		constraint.Limit(n, current*p.mult.CurrentBasal, "max basal multiplier")
	}
	if maxDaily := prof.MaxDailyBasal(); maxDaily > 0 {
		constraint.Limit(n, maxDaily*p.mult.MaxDailyBasal, "max daily basal multiplier")
	}
	return nil
}

var _ constraint.Contributor = (*ProfileMultipliers)(nil)
