package safety

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/pump-control/pcc/internal/constraint"
)

// Maxima are the user-configured dosing ceilings. Zero disables a ceiling.
type Maxima struct {
	MaxBolus    float64 `mapstructure:"max_bolus" yaml:"max_bolus"`
	MaxCarbs    int     `mapstructure:"max_carbs" yaml:"max_carbs"`
	MaxIOB      float64 `mapstructure:"max_iob" yaml:"max_iob"`
	MaxBasal    float64 `mapstructure:"max_basal" yaml:"max_basal"`
	AutosensMax float64 `mapstructure:"autosens_max" yaml:"autosens_max"`
	AutosensMin float64 `mapstructure:"autosens_min" yaml:"autosens_min"`
}

// Validate rejects negative values and an inverted autosens range.
func (m Maxima) Validate() error {
	if m.MaxBolus < 0 || m.MaxCarbs < 0 || m.MaxIOB < 0 || m.MaxBasal < 0 {
		return errors.New("safety: maxima must not be negative")
	}
	if m.AutosensMin < 0 || m.AutosensMax < 0 {
		return errors.New("safety: autosens bounds must not be negative")
	}
	if m.AutosensMin > 0 && m.AutosensMax > 0 && m.AutosensMin > m.AutosensMax {
		return fmt.Errorf("safety: autosens min %.2f above max %.2f", m.AutosensMin, m.AutosensMax)
	}
	return nil
}

// UserMaxima applies the user's settings. Update swaps them atomically so a
// configuration reload never races a resolution.
type UserMaxima struct {
	current atomic.Pointer[Maxima]
}

// NewUserMaxima creates the contributor.
func NewUserMaxima(m Maxima) (*UserMaxima, error) {
	u := &UserMaxima{}
	if err := u.Update(m); err != nil {
		return nil, err
	}
	return u, nil
}

// Update replaces the active maxima after validating them.
func (u *UserMaxima) Update(m Maxima) error {
	if err := m.Validate(); err != nil {
		return err
	}
	u.current.Store(&m)
	return nil
}

// Current returns the active maxima.
func (u *UserMaxima) Current() Maxima {
	return *u.current.Load()
}

func (u *UserMaxima) ID() string { return "UserSettings" }

func (u *UserMaxima) Kinds() []constraint.Kind {
	return []constraint.Kind{
		constraint.MaxBolus,
		constraint.MaxCarbs,
		constraint.MaxIOB,
		constraint.MaxBasalRate,
		constraint.AutosensMax,
		constraint.AutosensMin,
	}
}

func (u *UserMaxima) Apply(n constraint.Narrower) error {
	m := u.Current()

	var limit float64
	var because string
	switch n.Kind() {
	case constraint.MaxBolus:
		limit, because = m.MaxBolus, "max bolus setting"
	case constraint.MaxCarbs:
		limit, because = float64(m.MaxCarbs), "max carbs setting"
	case constraint.MaxIOB:
		limit, because = m.MaxIOB, "max IOB setting"
	case constraint.MaxBasalRate:
		limit, because = m.MaxBasal, "max basal setting"
	case constraint.AutosensMax:
		limit, because = m.AutosensMax, "autosens max setting"
	case constraint.AutosensMin:
		limit, because = m.AutosensMin, "autosens min setting"
	}
	if limit > 0 {
		constraint.Limit(n, limit, because)
	}
	return nil
}

var _ constraint.Contributor = (*UserMaxima)(nil)
