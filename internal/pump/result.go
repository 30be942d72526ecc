package pump

import (
	"encoding/json"
	"fmt"
	"time"
)

// EnactResult is the outcome of one physical pump action.
//
// A result is immutable. Enacted implies Success: NewResult drops the enacted flag
// of an unsuccessful result, and partial delivery on failure is reported through
// Units and the comment only.
type EnactResult struct {
	success      bool
	enacted      bool
	comment      string
	units        float64
	rate         float64
	percent      int
	duration     time.Duration
	absolute     bool
	isTempCancel bool
}

// ResultOption sets an optional payload field on a result under construction.
type ResultOption func(*EnactResult)

// WithUnits records delivered insulin units.
func WithUnits(units float64) ResultOption {
	return func(r *EnactResult) { r.units = units }
}

// WithAbsoluteRate records an absolute temp basal rate in U/h.
func WithAbsoluteRate(rate float64) ResultOption {
	return func(r *EnactResult) {
		r.rate = rate
		r.absolute = true
	}
}

// WithPercent records a percent temp basal.
func WithPercent(percent int) ResultOption {
	return func(r *EnactResult) {
		r.percent = percent
		r.absolute = false
	}
}

// WithDuration records the duration of a temp basal or extended bolus.
func WithDuration(d time.Duration) ResultOption {
	return func(r *EnactResult) { r.duration = d }
}

// WithTempCancel marks the result as the outcome of a temp basal cancellation.
func WithTempCancel() ResultOption {
	return func(r *EnactResult) { r.isTempCancel = true }
}

// NewResult builds a result in a single step.
func NewResult(success, enacted bool, comment string, opts ...ResultOption) EnactResult {
	r := EnactResult{
		success: success,
		enacted: enacted && success,
		comment: comment,
	}
	for _, opt := range opts {
		opt(&r)
	}
	return r
}

// Failed returns an unsuccessful, not enacted result.
func Failed(comment string, opts ...ResultOption) EnactResult {
	return NewResult(false, false, comment, opts...)
}

// Done returns a successful result; enacted reports whether pump state changed.
func Done(enacted bool, comment string, opts ...ResultOption) EnactResult {
	return NewResult(true, enacted, comment, opts...)
}

func (r EnactResult) Success() bool           { return r.success }
func (r EnactResult) Enacted() bool           { return r.enacted }
func (r EnactResult) Comment() string         { return r.comment }
func (r EnactResult) Units() float64          { return r.units }
func (r EnactResult) Rate() float64           { return r.rate }
func (r EnactResult) Percent() int            { return r.percent }
func (r EnactResult) Duration() time.Duration { return r.duration }
func (r EnactResult) Absolute() bool          { return r.absolute }
func (r EnactResult) IsTempCancel() bool      { return r.isTempCancel }

// WithComment returns a copy of r carrying a different comment.
func (r EnactResult) WithComment(comment string) EnactResult {
	r.comment = comment
	return r
}

// String renders the result for log lines.
func (r EnactResult) String() string {
	s := fmt.Sprintf("success=%t enacted=%t comment=%q", r.success, r.enacted, r.comment)
	if r.units != 0 {
		s += fmt.Sprintf(" units=%.2f", r.units)
	}
	if r.isTempCancel {
		s += " tempCancel=true"
	} else if r.absolute && r.rate != 0 {
		s += fmt.Sprintf(" rate=%.2fU/h duration=%s", r.rate, r.duration)
	} else if r.percent != 0 {
		s += fmt.Sprintf(" percent=%d%% duration=%s", r.percent, r.duration)
	}
	return s
}

type resultJSON struct {
	Success      bool    `json:"success"`
	Enacted      bool    `json:"enacted"`
	Comment      string  `json:"comment"`
	Units        float64 `json:"units,omitempty"`
	Rate         float64 `json:"rate,omitempty"`
	Percent      int     `json:"percent,omitempty"`
	DurationMin  float64 `json:"durationMinutes,omitempty"`
	Absolute     bool    `json:"absolute,omitempty"`
	IsTempCancel bool    `json:"isTempCancel,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (r EnactResult) MarshalJSON() ([]byte, error) {
	return json.Marshal(resultJSON{
		Success:      r.success,
		Enacted:      r.enacted,
		Comment:      r.comment,
		Units:        r.units,
		Rate:         r.rate,
		Percent:      r.percent,
		DurationMin:  r.duration.Minutes(),
		Absolute:     r.absolute,
		IsTempCancel: r.isTempCancel,
	})
}
