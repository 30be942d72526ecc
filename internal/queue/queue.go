package queue

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/pump-control/pcc/internal/audit"
	"github.com/pump-control/pcc/internal/pump"
)

// Listener observes the outcome of every command. For an executed command it
// receives what the driver reported, even when the caller already got the
// cancel result.
type Listener func(cmd Command, res pump.EnactResult)

// Queue runs pump commands one at a time.
type Queue struct {
	env    *Env
	logger *zap.Logger

	mu        sync.Mutex
	pending   []Command
	executing Command
	execStop  context.CancelFunc
	listeners []Listener
	started   bool
	stopped   bool

	wake   chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a queue. Zero fields of env take their defaults.
func New(env *Env) *Queue {
	env.applyDefaults()
	return &Queue{
		env:    env,
		logger: env.Logger.Named("queue"),
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}
}

// Env returns the environment the queue runs commands with.
func (q *Queue) Env() *Env {
	return q.env
}

// OnResult registers l. Listeners run on the goroutine that produced the result.
func (q *Queue) OnResult(l Listener) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.listeners = append(q.listeners, l)
}

// Start launches the worker. Commands enqueued before Start wait for it.
// Cancelling ctx stops the queue as Stop does.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.started || q.stopped {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.mu.Unlock()

	q.wg.Add(1)
	go q.worker(ctx)
	q.logger.Info("command queue started")
}

// Stop abandons the running command, fails the pending ones and waits for the
// worker to exit.
func (q *Queue) Stop() {
	q.shutdown("stop")
	q.wg.Wait()
}

// shutdown refuses further commands, abandons the running one and fails the
// pending ones. Only the first call has an effect.
func (q *Queue) shutdown(reason string) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	drained := q.pending
	q.pending = nil
	q.mu.Unlock()

	close(q.stopCh)
	q.CancelCurrent()

	for _, cmd := range drained {
		q.finish(cmd, pump.Failed(q.env.Messages.QueueStopped), false)
	}
	q.logger.Info("command queue stopped", zap.String("reason", reason), zap.Int("dropped", len(drained)))
}

// Enqueue validates cmd, applies the bolus and guard rules and queues it.
// A refused command gets its failed result through the callback before Enqueue
// returns false.
func (q *Queue) Enqueue(cmd Command) bool {
	b := cmd.base()

	if err := cmd.Validate(); err != nil {
		q.logger.Warn("command rejected", zap.String("command", cmd.Log()), zap.Error(err))
		q.finish(cmd, pump.Failed(fmt.Sprintf("%s: %v", q.env.Messages.InvalidCommand, err)), false)
		return false
	}

	q.mu.Lock()
	if b.enqueued {
		q.mu.Unlock()
		q.logger.Warn("command enqueued twice", zap.String("id", b.id))
		return false
	}
	b.enqueued = true
	b.enqueuedAt = q.env.Now()

	if q.stopped {
		q.mu.Unlock()
		q.finish(cmd, pump.Failed(q.env.Messages.QueueStopped), false)
		return false
	}
	if cmd.Kind().IsBolus() && q.bolusInFlightLocked() {
		q.mu.Unlock()
		q.logger.Info("bolus rejected, another bolus is queued or running", zap.String("command", cmd.Log()))
		q.finish(cmd, pump.Failed(q.env.Messages.BolusInProgress), false)
		return false
	}
	if res, ok := q.admitLocked(cmd); !ok {
		q.mu.Unlock()
		q.logger.Info("command refused by guard", zap.String("command", cmd.Log()), zap.String("comment", res.Comment()))
		q.finish(cmd, res, false)
		return false
	}

	q.pending = append(q.pending, cmd)
	q.mu.Unlock()

	q.logger.Debug("command queued", zap.String("id", b.id), zap.String("command", cmd.Log()))
	q.signal()
	return true
}

// CancelCurrent abandons the running command. Its caller receives Cancel(env)
// exactly once; the driver call is cancelled through its context and the next
// command starts after it returned. Without a running command it does nothing.
func (q *Queue) CancelCurrent() {
	q.mu.Lock()
	cmd := q.executing
	stop := q.execStop
	q.executing = nil
	q.execStop = nil
	q.mu.Unlock()

	if cmd == nil {
		return
	}
	stop()
	q.logger.Info("command cancelled", zap.String("command", cmd.Log()))
	q.deliver(cmd, cmd.Cancel(q.env))
}

// StatusText describes the running command; empty when idle.
func (q *Queue) StatusText() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.executing == nil {
		return ""
	}
	return q.executing.Status()
}

// Pending returns the log lines of the queued commands in order.
func (q *Queue) Pending() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, len(q.pending))
	for _, cmd := range q.pending {
		out = append(out, cmd.Log())
	}
	return out
}

// Len returns the number of queued commands, not counting the running one.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// IsRunning reports whether a command of kind is executing.
func (q *Queue) IsRunning(kind Kind) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.executing != nil && q.executing.Kind() == kind
}

// IsQueued reports whether a command of kind is waiting.
func (q *Queue) IsQueued(kind Kind) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, cmd := range q.pending {
		if cmd.Kind() == kind {
			return true
		}
	}
	return false
}

func (q *Queue) bolusInFlightLocked() bool {
	if q.executing != nil && q.executing.Kind().IsBolus() {
		return true
	}
	for _, cmd := range q.pending {
		if cmd.Kind().IsBolus() {
			return true
		}
	}
	return false
}

func (q *Queue) admitLocked(cmd Command) (pump.EnactResult, bool) {
	adm, ok := cmd.(Admitter)
	if !ok {
		return pump.EnactResult{}, true
	}
	res, ok := adm.Admit(q.env.admission(context.Background()))
	if !ok {
		return res, false
	}
	return pump.EnactResult{}, true
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()

	for {
		cmd, execCtx := q.next(ctx)
		if cmd == nil {
			if ctx.Err() != nil {
				q.shutdown("context done")
			}
			return
		}
		res := q.execute(execCtx, cmd)
		q.complete(cmd, res)
	}
}

// next blocks until a command passes its dispatch guards and marks it executing.
func (q *Queue) next(ctx context.Context) (Command, context.Context) {
	for {
		q.mu.Lock()
		if q.stopped || ctx.Err() != nil {
			q.mu.Unlock()
			return nil, nil
		}
		if len(q.pending) == 0 {
			q.mu.Unlock()
			select {
			case <-q.wake:
				continue
			case <-q.stopCh:
				return nil, nil
			case <-ctx.Done():
				return nil, nil
			}
		}

		cmd := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]

		if res, ok := q.admitLocked(cmd); !ok {
			q.mu.Unlock()
			q.logger.Info("command refused at dispatch", zap.String("command", cmd.Log()), zap.String("comment", res.Comment()))
			q.finish(cmd, res, false)
			continue
		}

		execCtx, stop := context.WithTimeout(ctx, q.env.Timing.timeoutFor(cmd.Kind()))
		q.executing = cmd
		q.execStop = stop
		q.mu.Unlock()

		q.logger.Debug("command dispatched", zap.String("id", cmd.ID()), zap.String("command", cmd.Log()))
		return cmd, execCtx
	}
}

// execute runs cmd, turning a panic into a failed result.
func (q *Queue) execute(ctx context.Context, cmd Command) (res pump.EnactResult) {
	defer func() {
		if p := recover(); p != nil {
			q.logger.Error("command panicked", zap.String("command", cmd.Log()), zap.Any("panic", p))
			q.env.Diagnostics.Record(context.Background(), audit.Event{
				Type:    audit.TypeDiagnostic,
				Source:  "queue",
				Action:  "driver_panic",
				Params:  map[string]interface{}{"command": cmd.Log()},
				Outcome: "FAILED",
				Code:    "INTERNAL",
				Message: fmt.Sprint(p),
			})
			res = pump.Failed(fmt.Sprintf("%s: %v", q.env.Messages.DriverFailure, p))
		}
	}()
	return cmd.Execute(ctx, q.env)
}

// complete clears the executing slot if cmd still owns it and reports res.
func (q *Queue) complete(cmd Command, res pump.EnactResult) {
	q.mu.Lock()
	var stop context.CancelFunc
	if q.executing == cmd {
		q.executing = nil
		stop = q.execStop
		q.execStop = nil
	}
	q.mu.Unlock()

	if stop != nil {
		stop()
	}
	q.finish(cmd, res, true)
}

// finish records a bolus, delivers the callback and notifies listeners.
func (q *Queue) finish(cmd Command, res pump.EnactResult, executed bool) {
	if executed && cmd.Kind().IsBolus() && (res.Enacted() || res.Units() > 0) {
		q.env.noteBolus(q.env.Now())
	}
	if !q.deliver(cmd, res) {
		q.logger.Info("result after cancel",
			zap.String("command", cmd.Log()),
			zap.Bool("success", res.Success()),
			zap.Bool("enacted", res.Enacted()),
			zap.Float64("units", res.Units()))
	}

	q.mu.Lock()
	listeners := make([]Listener, len(q.listeners))
	copy(listeners, q.listeners)
	q.mu.Unlock()

	for _, l := range listeners {
		q.safeCall(cmd, func() { l(cmd, res) })
	}
}

// deliver hands res to the callback if cmd has no result yet.
func (q *Queue) deliver(cmd Command, res pump.EnactResult) bool {
	b := cmd.base()
	if !b.complete(res) {
		return false
	}
	q.logger.Debug("command result",
		zap.String("id", b.id),
		zap.String("command", cmd.Log()),
		zap.Stringer("result", res))
	if b.callback != nil {
		q.safeCall(cmd, func() { b.callback(res) })
	}
	return true
}

func (q *Queue) safeCall(cmd Command, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			q.logger.Error("result consumer panicked", zap.String("command", cmd.Log()), zap.Any("panic", p))
		}
	}()
	fn()
}
