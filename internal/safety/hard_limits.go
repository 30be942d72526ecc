package safety

import (
	"fmt"
	"strings"

	"github.com/pump-control/pcc/internal/constraint"
)

// AgeGroup selects a row of the hard limit tables.
type AgeGroup string

const (
	Child          AgeGroup = "child"
	Teenage        AgeGroup = "teenage"
	Adult          AgeGroup = "adult"
	ResistantAdult AgeGroup = "resistantadult"
	Pregnant       AgeGroup = "pregnant"
)

// ParseAgeGroup validates an age group name.
func ParseAgeGroup(s string) (AgeGroup, error) {
	g := AgeGroup(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := hardLimitTable[g]; !ok {
		return "", fmt.Errorf("safety: unknown age group %q", s)
	}
	return g, nil
}

// Limits is one row of clinical guard rails.
type Limits struct {
	MaxBolus    float64
	MaxIOB      float64
	MaxBasal    float64
	MaxCarbs    int
	AutosensMax float64
	AutosensMin float64
}

var hardLimitTable = map[AgeGroup]Limits{
	Child:          {MaxBolus: 5, MaxIOB: 7, MaxBasal: 2, MaxCarbs: 200, AutosensMax: 3, AutosensMin: 0.1},
	Teenage:        {MaxBolus: 10, MaxIOB: 13, MaxBasal: 5, MaxCarbs: 200, AutosensMax: 3, AutosensMin: 0.1},
	Adult:          {MaxBolus: 17, MaxIOB: 22, MaxBasal: 10, MaxCarbs: 200, AutosensMax: 3, AutosensMin: 0.1},
	ResistantAdult: {MaxBolus: 25, MaxIOB: 30, MaxBasal: 12, MaxCarbs: 200, AutosensMax: 3, AutosensMin: 0.1},
	Pregnant:       {MaxBolus: 60, MaxIOB: 70, MaxBasal: 25, MaxCarbs: 200, AutosensMax: 3, AutosensMin: 0.1},
}

// LimitsFor returns the hard limits of g.
func LimitsFor(g AgeGroup) (Limits, bool) {
	l, ok := hardLimitTable[g]
	return l, ok
}

// HardLimits applies the age-group guard rails.
type HardLimits struct {
	group  AgeGroup
	limits Limits
}

// NewHardLimits creates the contributor for g.
func NewHardLimits(g AgeGroup) (*HardLimits, error) {
	l, ok := hardLimitTable[g]
	if !ok {
		return nil, fmt.Errorf("safety: unknown age group %q", g)
	}
	return &HardLimits{group: g, limits: l}, nil
}

func (h *HardLimits) ID() string { return "HardLimits" }

// Group returns the configured age group.
func (h *HardLimits) Group() AgeGroup { return h.group }

func (h *HardLimits) Kinds() []constraint.Kind {
	return []constraint.Kind{
		constraint.MaxBolus,
		constraint.MaxIOB,
		constraint.MaxBasalRate,
		constraint.MaxCarbs,
		constraint.AutosensMax,
		constraint.AutosensMin,
	}
}

func (h *HardLimits) Apply(n constraint.Narrower) error {
	switch n.Kind() {
	case constraint.MaxBolus:
		constraint.Limit(n, h.limits.MaxBolus, "hard limit")
	case constraint.MaxIOB:
		constraint.Limit(n, h.limits.MaxIOB, "hard limit")
	case constraint.MaxBasalRate:
		constraint.Limit(n, h.limits.MaxBasal, "hard limit")
	case constraint.MaxCarbs:
		constraint.Limit(n, float64(h.limits.MaxCarbs), "hard limit")
	case constraint.AutosensMax:
		constraint.Limit(n, h.limits.AutosensMax, "hard limit")
	case constraint.AutosensMin:
		constraint.Limit(n, h.limits.AutosensMin, "hard limit")
	}
	return nil
}

var _ constraint.Contributor = (*HardLimits)(nil)
