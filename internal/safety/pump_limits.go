package safety

import (
	"github.com/pump-control/pcc/internal/constraint"
	"github.com/pump-control/pcc/internal/pump"
)

// DescriptionSource reports the hardware envelope of the active pump.
type DescriptionSource interface {
	Description() pump.Description
}

// PumpLimits narrows rates and boluses to what the pump hardware accepts.
type PumpLimits struct {
	id  string
	src DescriptionSource
}

// NewPumpLimits creates the contributor. id is used as the reason prefix and
// usually names the pump driver.
func NewPumpLimits(id string, src DescriptionSource) *PumpLimits {
	return &PumpLimits{id: id, src: src}
}

func (p *PumpLimits) ID() string { return p.id }

func (p *PumpLimits) Kinds() []constraint.Kind {
	return []constraint.Kind{
		constraint.MaxBasalRate,
		constraint.MaxBasalPercent,
		constraint.MaxBolus,
		constraint.MaxExtendedBolus,
	}
}

// Apply narrows n to the hardware limit; zero limits mean unknown and are skipped.
func (p *PumpLimits) Apply(n constraint.Narrower) error {
	desc := p.src.Description()

	var limit float64
	switch n.Kind() {
	case constraint.MaxBasalRate:
		limit = desc.MaxBasalRate
	case constraint.MaxBasalPercent:
		limit = float64(desc.MaxTempPercent)
	case constraint.MaxBolus:
		limit = desc.MaxBolus
	case constraint.MaxExtendedBolus:
		if !desc.SupportsExtended {
			constraint.Limit(n, 0, "extended bolus not supported")
			return nil
		}
		limit = desc.MaxExtendedBolus
	}
	if limit > 0 {
		constraint.Limit(n, limit, "pump limit")
	}
	return nil
}

var _ constraint.Contributor = (*PumpLimits)(nil)
