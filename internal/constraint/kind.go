package constraint

import "fmt"

// Kind names a constrained quantity.
type Kind string

const (
	MaxBasalRate     Kind = "max_basal_rate"
	MaxBasalPercent  Kind = "max_basal_percent"
	MaxBolus         Kind = "max_bolus"
	MaxExtendedBolus Kind = "max_extended_bolus"
	MaxCarbs         Kind = "max_carbs"
	MaxIOB           Kind = "max_iob"
	AutosensMax      Kind = "autosens_max"
	AutosensMin      Kind = "autosens_min"
)

// Direction tells which way a constraint narrows.
type Direction int

const (
	// Maximum constraints only move down.
	Maximum Direction = iota
	// Minimum constraints only move up.
	Minimum
)

func (d Direction) String() string {
	if d == Minimum {
		return "minimum"
	}
	return "maximum"
}

type kindInfo struct {
	direction Direction
	integer   bool
	limiting  string // printf format taking the value and the cause
}

var kinds = map[Kind]kindInfo{
	MaxBasalRate:     {Maximum, false, "Limiting max basal rate to %.2f U/h because of %s"},
	MaxBasalPercent:  {Maximum, true, "Limiting max percent rate to %d%% because of %s"},
	MaxBolus:         {Maximum, false, "Limiting bolus to %.2f U because of %s"},
	MaxExtendedBolus: {Maximum, false, "Limiting extended bolus to %.2f U because of %s"},
	MaxCarbs:         {Maximum, true, "Limiting carbs to %d g because of %s"},
	MaxIOB:           {Maximum, false, "Limiting IOB to %.1f U because of %s"},
	AutosensMax:      {Maximum, false, "Limiting autosens max to %.2f because of %s"},
	AutosensMin:      {Minimum, false, "Limiting autosens min to %.2f because of %s"},
}

// Kinds returns every known kind.
func Kinds() []Kind {
	return []Kind{
		MaxBasalRate, MaxBasalPercent, MaxBolus, MaxExtendedBolus,
		MaxCarbs, MaxIOB, AutosensMax, AutosensMin,
	}
}

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if _, ok := kinds[k]; !ok {
		return "", fmt.Errorf("constraint: unknown kind %q", s)
	}
	return k, nil
}

// Direction returns the narrowing direction of k. Unknown kinds are maxima.
func (k Kind) Direction() Direction {
	return kinds[k].direction
}

// Integer reports whether k is an integral quantity.
func (k Kind) Integer() bool {
	return kinds[k].integer
}

// LimitingReason formats the standard reason for limiting k to value.
func LimitingReason(k Kind, value float64, because string) string {
	info, ok := kinds[k]
	if !ok {
		return fmt.Sprintf("Limiting %s to %g because of %s", k, value, because)
	}
	if info.integer {
		return fmt.Sprintf(info.limiting, int64(value), because)
	}
	return fmt.Sprintf(info.limiting, value, because)
}
