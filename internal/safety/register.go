package safety

import (
	"github.com/pump-control/pcc/internal/constraint"
)

// Chain holds the standard contributors.
type Chain struct {
	Pump        *PumpLimits
	Hard        *HardLimits
	User        *UserMaxima
	Multipliers *ProfileMultipliers
}

// Contributors returns the non-nil contributors in registration order.
func (c Chain) Contributors() []constraint.Contributor {
	var out []constraint.Contributor
	if c.Pump != nil {
		out = append(out, c.Pump)
	}
	if c.Hard != nil {
		out = append(out, c.Hard)
	}
	if c.User != nil {
		out = append(out, c.User)
	}
	if c.Multipliers != nil {
		out = append(out, c.Multipliers)
	}
	return out
}

// Register adds the chain to r.
func Register(r *constraint.Resolver, c Chain) error {
	for _, contrib := range c.Contributors() {
		if err := r.Register(contrib); err != nil {
			return err
		}
	}
	return nil
}
