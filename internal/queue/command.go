package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pump-control/pcc/internal/pump"
)

// ErrInvalidCommand wraps every command validation failure.
var ErrInvalidCommand = errors.New("invalid command")

// Kind names a command variant.
type Kind string

const (
	KindBolus           Kind = "BOLUS"
	KindSMBBolus        Kind = "SMB_BOLUS"
	KindTempBasal       Kind = "TEMPBASAL"
	KindExtendedBolus   Kind = "EXTENDEDBOLUS"
	KindCancelTempBasal Kind = "CANCEL_TEMPBASAL"
	KindCancelExtended  Kind = "CANCEL_EXTENDEDBOLUS"
	KindProfileSet      Kind = "BASAL_PROFILE"
	KindStatusPoll      Kind = "READSTATUS"
	KindCustomAction    Kind = "CUSTOM_COMMAND"
)

// IsBolus reports whether k is subject to bolus deduplication.
func (k Kind) IsBolus() bool {
	return k == KindBolus || k == KindSMBBolus
}

// Callback receives the single result of a command.
type Callback func(pump.EnactResult)

// Command is one queued pump action.
type Command interface {
	ID() string
	Kind() Kind
	EnqueuedAt() time.Time

	// Validate checks the payload before the command is accepted.
	Validate() error
	// Execute performs the action. It runs on the queue worker, outside the
	// queue lock, and must return when ctx is done.
	Execute(ctx context.Context, env *Env) pump.EnactResult
	// Cancel returns the result delivered when the command is abandoned.
	Cancel(env *Env) pump.EnactResult
	// Status is a short human-readable description shown while running.
	Status() string
	// Log is the one-line form used in logs and the pending list.
	Log() string

	base() *commandBase
}

// commandBase carries the identity and the single-shot result delivery
// shared by all variants.
type commandBase struct {
	id         string
	kind       Kind
	callback   Callback
	enqueuedAt time.Time

	once     sync.Once
	result   pump.EnactResult
	enqueued bool
}

func newBase(kind Kind, cb Callback) commandBase {
	return commandBase{
		id:       uuid.NewString(),
		kind:     kind,
		callback: cb,
	}
}

func (b *commandBase) ID() string            { return b.id }
func (b *commandBase) Kind() Kind            { return b.kind }
func (b *commandBase) EnqueuedAt() time.Time { return b.enqueuedAt }
func (b *commandBase) base() *commandBase    { return b }

// complete stores res and reports whether this was the first result.
// The callback is not invoked here.
func (b *commandBase) complete(res pump.EnactResult) bool {
	first := false
	b.once.Do(func() {
		b.result = res
		first = true
	})
	return first
}
