package constraint

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/pump-control/pcc/internal/audit"
)

// ErrDuplicateContributor is returned when a contributor ID is registered twice.
var ErrDuplicateContributor = errors.New("constraint: duplicate contributor")

// Contributor narrows one or more quantity kinds.
type Contributor interface {
	// ID names the contributor in reasons and diagnostics.
	ID() string
	// Kinds lists the quantities the contributor narrows.
	Kinds() []Kind
	// Apply narrows n. Returning an error marks the contributor as failed for this
	// resolution; narrowing done before the error is kept.
	Apply(n Narrower) error
}

// Resolver is an ordered registry of contributors per kind.
type Resolver struct {
	mu     sync.RWMutex
	ids    map[string]struct{}
	byKind map[Kind][]Contributor

	diag   audit.Sink
	logger *zap.Logger
}

// NewResolver creates an empty resolver. diag and logger may be nil.
func NewResolver(logger *zap.Logger, diag audit.Sink) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if diag == nil {
		diag = audit.Nop{}
	}
	return &Resolver{
		ids:    make(map[string]struct{}),
		byKind: make(map[Kind][]Contributor),
		diag:   diag,
		logger: logger,
	}
}

// Register appends c to the chain of every kind it declares.
func (r *Resolver) Register(c Contributor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := c.ID()
	if _, exists := r.ids[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateContributor, id)
	}
	r.ids[id] = struct{}{}
	for _, k := range c.Kinds() {
		r.byKind[k] = append(r.byKind[k], c)
	}
	r.logger.Debug("contributor registered", zap.String("contributor", id), zap.Any("kinds", c.Kinds()))
	return nil
}

// Contributors returns the IDs registered for kind in order.
func (r *Resolver) Contributors(kind Kind) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.byKind[kind]))
	for _, c := range r.byKind[kind] {
		ids = append(ids, c.ID())
	}
	return ids
}

func (r *Resolver) chain(kind Kind) []Contributor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Contributor, len(r.byKind[kind]))
	copy(out, r.byKind[kind])
	return out
}

// Resolve runs every contributor registered for kind over a constraint starting
// at initial, in registration order.
func Resolve[T Number](r *Resolver, kind Kind, initial T) *Constraint[T] {
	c := New(kind, initial)
	for _, contrib := range r.chain(kind) {
		r.apply(c.Kind(), contrib, narrower[T]{c: c, from: contrib.ID()})
	}
	if c.Narrowed() {
		r.logger.Debug("constraint narrowed",
			zap.String("kind", string(kind)),
			zap.Float64("initial", float64(initial)),
			zap.Float64("value", float64(c.Value())),
			zap.Strings("reasons", c.MostRestrictiveReasons()))
	}
	return c
}

// Clamp resolves kind starting at the requested value. It reports whether the
// chain changed the value.
func Clamp[T Number](r *Resolver, kind Kind, requested T) (T, bool, *Constraint[T]) {
	c := Resolve(r, kind, requested)
	return c.Value(), c.Narrowed(), c
}

func (r *Resolver) apply(kind Kind, c Contributor, n Narrower) {
	defer func() {
		if p := recover(); p != nil {
			r.reportFailure(kind, c.ID(), fmt.Errorf("panic: %v", p))
		}
	}()
	if err := c.Apply(n); err != nil {
		r.reportFailure(kind, c.ID(), err)
	}
}

func (r *Resolver) reportFailure(kind Kind, id string, err error) {
	r.logger.Warn("constraint contributor failed",
		zap.String("kind", string(kind)),
		zap.String("contributor", id),
		zap.Error(err))
	r.diag.Record(context.Background(), audit.Event{
		Type:    audit.TypeDiagnostic,
		Source:  id,
		Action:  "constraint_contributor_failed",
		Params:  map[string]interface{}{"kind": string(kind)},
		Outcome: "SKIPPED",
		Code:    "ERROR",
		Message: err.Error(),
	})
}

// MaxBasalRate resolves the maximum absolute basal rate in U/h.
func (r *Resolver) MaxBasalRate(initial float64) *Constraint[float64] {
	return Resolve(r, MaxBasalRate, initial)
}

// MaxBasalPercent resolves the maximum percent temp basal.
func (r *Resolver) MaxBasalPercent(initial int) *Constraint[int] {
	return Resolve(r, MaxBasalPercent, initial)
}

// MaxBolus resolves the maximum bolus in U.
func (r *Resolver) MaxBolus(initial float64) *Constraint[float64] {
	return Resolve(r, MaxBolus, initial)
}

// MaxExtendedBolus resolves the maximum extended bolus in U.
func (r *Resolver) MaxExtendedBolus(initial float64) *Constraint[float64] {
	return Resolve(r, MaxExtendedBolus, initial)
}

// MaxCarbs resolves the maximum carbs in grams.
func (r *Resolver) MaxCarbs(initial int) *Constraint[int] {
	return Resolve(r, MaxCarbs, initial)
}

// MaxIOB resolves the maximum insulin on board in U.
func (r *Resolver) MaxIOB(initial float64) *Constraint[float64] {
	return Resolve(r, MaxIOB, initial)
}

// AutosensMax resolves the upper autosens ratio bound.
func (r *Resolver) AutosensMax(initial float64) *Constraint[float64] {
	return Resolve(r, AutosensMax, initial)
}

// AutosensMin resolves the lower autosens ratio bound.
func (r *Resolver) AutosensMin(initial float64) *Constraint[float64] {
	return Resolve(r, AutosensMin, initial)
}

// Func adapts a function to Contributor.
type Func struct {
	Name    string
	ForKind []Kind
	Fn      func(Narrower) error
}

func (f Func) ID() string             { return f.Name }
func (f Func) Kinds() []Kind          { return f.ForKind }
func (f Func) Apply(n Narrower) error { return f.Fn(n) }

var _ Contributor = Func{}
