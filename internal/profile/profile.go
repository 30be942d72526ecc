// Package profile loads therapy profiles (basal schedule, ISF, carb ratio, targets)
// from YAML documents and tracks the profile active on the pump.
package profile

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v2"
)

// Validation errors.
var (
	ErrNoBasal       = errors.New("profile: basal schedule is empty")
	ErrBadBlockStart = errors.New("profile: invalid block start")
	ErrBlockOrder    = errors.New("profile: blocks must start at 00:00 and be strictly increasing")
	ErrBadValue      = errors.New("profile: value out of range")
)

// Block is one schedule segment starting at Start ("HH:MM") and lasting until
// the next block.
type Block struct {
	Start string  `yaml:"start" json:"start"`
	Value float64 `yaml:"value" json:"value"`
}

// Profile is a therapy profile document.
type Profile struct {
	Name  string `yaml:"name" json:"name"`
	Units string `yaml:"units" json:"units"`
	// DIA is the duration of insulin action in hours.
	DIA        float64 `yaml:"dia" json:"dia"`
	Basal      []Block `yaml:"basal" json:"basal"`
	ISF        []Block `yaml:"isf,omitempty" json:"isf,omitempty"`
	CarbRatio  []Block `yaml:"carb_ratio,omitempty" json:"carbRatio,omitempty"`
	TargetLow  []Block `yaml:"target_low,omitempty" json:"targetLow,omitempty"`
	TargetHigh []Block `yaml:"target_high,omitempty" json:"targetHigh,omitempty"`
}

// Parse decodes and validates a YAML profile document.
func Parse(data []byte) (*Profile, error) {
	var p Profile
	if err := yaml.UnmarshalStrict(data, &p); err != nil {
		return nil, fmt.Errorf("profile: decode: %w", err)
	}
	if p.Units == "" {
		p.Units = "mg/dl"
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Load reads and parses the profile document at path.
func Load(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("profile: read %s: %w", path, err)
	}
	return Parse(data)
}

// Marshal encodes p as YAML.
func (p *Profile) Marshal() ([]byte, error) {
	return yaml.Marshal(p)
}

// Validate checks schedule shape and value ranges.
func (p *Profile) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("%w: name is required", ErrBadValue)
	}
	if p.Units != "mg/dl" && p.Units != "mmol" {
		return fmt.Errorf("%w: units %q", ErrBadValue, p.Units)
	}
	if p.DIA < 5 || p.DIA > 10 {
		return fmt.Errorf("%w: dia %.1f h not in [5, 10]", ErrBadValue, p.DIA)
	}
	if len(p.Basal) == 0 {
		return ErrNoBasal
	}
	if err := validateSchedule("basal", p.Basal, 0.02, 10); err != nil {
		return err
	}
	for name, blocks := range map[string][]Block{
		"isf":         p.ISF,
		"carb_ratio":  p.CarbRatio,
		"target_low":  p.TargetLow,
		"target_high": p.TargetHigh,
	} {
		if len(blocks) == 0 {
			continue
		}
		if err := validateSchedule(name, blocks, 0, 1000); err != nil {
			return err
		}
	}
	return nil
}

func validateSchedule(name string, blocks []Block, minValue, maxValue float64) error {
	prev := -1
	for i, b := range blocks {
		sec, err := ParseStart(b.Start)
		if err != nil {
			return fmt.Errorf("%s block %d: %w", name, i, err)
		}
		if (i == 0 && sec != 0) || sec <= prev {
			return fmt.Errorf("%s block %d: %w", name, i, ErrBlockOrder)
		}
		prev = sec
		if b.Value <= minValue || b.Value > maxValue {
			return fmt.Errorf("%s block %d: %w: %.2f", name, i, ErrBadValue, b.Value)
		}
	}
	return nil
}

// ParseStart converts "HH:MM" into seconds from midnight.
func ParseStart(s string) (int, error) {
	hh, mm, ok := strings.Cut(s, ":")
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrBadBlockStart, s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("%w: %q", ErrBadBlockStart, s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("%w: %q", ErrBadBlockStart, s)
	}
	return h*3600 + m*60, nil
}

// BasalAt returns the scheduled basal rate in U/h at the wall-clock time of t.
func (p *Profile) BasalAt(t time.Time) float64 {
	return valueAt(p.Basal, t)
}

// MaxDailyBasal returns the highest basal rate of the schedule.
func (p *Profile) MaxDailyBasal() float64 {
	var max float64
	for _, b := range p.Basal {
		if b.Value > max {
			max = b.Value
		}
	}
	return max
}

// TotalDailyBasal returns the insulin delivered by the schedule over 24 hours.
func (p *Profile) TotalDailyBasal() float64 {
	var total float64
	for i, b := range p.Basal {
		start, _ := ParseStart(b.Start)
		end := 24 * 3600
		if i+1 < len(p.Basal) {
			end, _ = ParseStart(p.Basal[i+1].Start)
		}
		total += b.Value * float64(end-start) / 3600
	}
	return total
}

func valueAt(blocks []Block, t time.Time) float64 {
	if len(blocks) == 0 {
		return 0
	}
	sec := t.Hour()*3600 + t.Minute()*60 + t.Second()
	idx := sort.Search(len(blocks), func(i int) bool {
		start, _ := ParseStart(blocks[i].Start)
		return start > sec
	})
	if idx == 0 {
		return blocks[0].Value
	}
	return blocks[idx-1].Value
}

// Store holds the profile currently active on the pump.
type Store struct {
	current atomic.Pointer[Profile]
}

// NewStore returns a store holding p, which may be nil.
func NewStore(p *Profile) *Store {
	s := &Store{}
	if p != nil {
		s.current.Store(p)
	}
	return s
}

// Current returns the active profile or nil.
func (s *Store) Current() *Profile {
	return s.current.Load()
}

// Set replaces the active profile.
func (s *Store) Set(p *Profile) {
	s.current.Store(p)
}
