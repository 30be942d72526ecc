package command

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/pump-control/pcc/internal/audit"
	"github.com/pump-control/pcc/internal/constraint"
	"github.com/pump-control/pcc/internal/device"
	"github.com/pump-control/pcc/internal/profile"
	"github.com/pump-control/pcc/internal/pump"
	"github.com/pump-control/pcc/internal/pump/fake"
	"github.com/pump-control/pcc/internal/queue"
	"github.com/pump-control/pcc/internal/safety"
	"github.com/pump-control/pcc/internal/telemetry"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// recordingPublisher captures published telemetry events.
type recordingPublisher struct {
	mu     sync.Mutex
	events []telemetry.Event
}

func (p *recordingPublisher) Publish(e telemetry.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *recordingPublisher) PublishPump(pumpID string, e telemetry.Event) {
	e.Pump = pumpID
	p.Publish(e)
}

func (p *recordingPublisher) ofType(typ string) []telemetry.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []telemetry.Event
	for _, e := range p.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	orch     *Orchestrator
	queue    *queue.Queue
	pump     *fake.Pump
	manager  *device.Manager
	audit    *audit.Memory
	pub      *recordingPublisher
	profiles *profile.Store
}

func eventsOf(m *audit.Memory, typ, action string) []audit.Event {
	var out []audit.Event
	for _, e := range m.Events() {
		if e.Type == typ && (action == "" || e.Action == action) {
			out = append(out, e)
		}
	}
	return out
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)

	p := fake.NewPump("pump-01")
	mgr := device.NewManager(logger)
	require.NoError(t, mgr.Register(context.Background(), "pump-01", "generic", p, time.Second))

	mem := &audit.Memory{}
	resolver := constraint.NewResolver(logger, mem)
	user, err := safety.NewUserMaxima(safety.Maxima{MaxBolus: 5, MaxCarbs: 80, MaxBasal: 2})
	require.NoError(t, err)
	require.NoError(t, safety.Register(resolver, safety.Chain{
		Pump: safety.NewPumpLimits("Fake-Pump", mgr),
		User: user,
	}))

	q := queue.New(&queue.Env{Driver: mgr, Logger: logger, Diagnostics: mem})
	ctx, cancel := context.WithCancel(context.Background())
	q.Start(ctx)
	t.Cleanup(func() {
		q.Stop()
		cancel()
	})

	pub := &recordingPublisher{}
	profiles := profile.NewStore(nil)
	o := NewOrchestrator(q, resolver, Options{
		Pumps:     mgr,
		Profiles:  profiles,
		Telemetry: pub,
		Audit:     mem,
		Logger:    logger,
	})
	return &fixture{orch: o, queue: q, pump: p, manager: mgr, audit: mem, pub: pub, profiles: profiles}
}

func wait(t *testing.T, s *Submission) pump.EnactResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := s.Wait(ctx)
	require.NoError(t, err)
	return res
}

func TestBolusDelivered(t *testing.T) {
	f := newFixture(t)
	ctx := audit.WithCorrelationID(audit.WithUser(context.Background(), "alice"), "corr-1")

	sub, err := f.orch.Bolus(ctx, BolusRequest{Insulin: 2, Carbs: 30})
	require.NoError(t, err)
	assert.True(t, sub.Accepted)
	assert.Equal(t, queue.KindBolus, sub.Kind)
	assert.Empty(t, sub.Constraints)

	res := wait(t, sub)
	assert.True(t, res.Enacted())
	assert.InDelta(t, 2.0, res.Units(), 1e-9)

	require.Eventually(t, func() bool { return len(eventsOf(f.audit, audit.TypeCommand, "")) == 1 }, time.Second, 5*time.Millisecond)
	result := eventsOf(f.audit, audit.TypeCommand, "")[0]
	assert.Equal(t, "BOLUS", result.Action)
	assert.Equal(t, "SUCCESS", result.Outcome)
	assert.Equal(t, "ENACTED", result.Code)
	assert.Equal(t, "alice", result.User)
	assert.Equal(t, "corr-1", result.CorrelationID)
	assert.Equal(t, "pump-01", result.PumpID)

	queued := eventsOf(f.audit, audit.TypeAPI, "bolus")
	require.Len(t, queued, 1)
	assert.Equal(t, "QUEUED", queued[0].Outcome)
	assert.Len(t, f.pub.ofType(telemetry.EventCommandQueued), 1)
}

func TestBolusClampedByUserMaxima(t *testing.T) {
	f := newFixture(t)

	sub, err := f.orch.Bolus(context.Background(), BolusRequest{Insulin: 8, Carbs: 120})
	require.NoError(t, err)
	require.Len(t, sub.Constraints, 2)

	bolus := sub.Constraints[0]
	assert.Equal(t, constraint.MaxBolus, bolus.Kind)
	assert.Equal(t, 8.0, bolus.Requested)
	assert.Equal(t, 5.0, bolus.Value)
	require.NotEmpty(t, bolus.Reasons)
	assert.Contains(t, bolus.Reasons[0], "UserSettings")

	carbs := sub.Constraints[1]
	assert.Equal(t, constraint.MaxCarbs, carbs.Kind)
	assert.Equal(t, 80.0, carbs.Value)

	res := wait(t, sub)
	assert.InDelta(t, 5.0, res.Units(), 1e-9)

	assert.Len(t, eventsOf(f.audit, audit.TypeConstraint, ""), 2)
	assert.Len(t, f.pub.ofType(telemetry.EventConstraintApplied), 2)
}

func TestBolusInvalidParameters(t *testing.T) {
	f := newFixture(t)

	tests := []BolusRequest{
		{},
		{Insulin: -1},
		{Carbs: -5},
	}
	for _, req := range tests {
		_, err := f.orch.Bolus(context.Background(), req)
		assert.ErrorIs(t, err, ErrInvalidParameter, "%+v", req)
	}
	assert.Equal(t, 0, f.pump.Calls("DeliverTreatment"))

	rejected := eventsOf(f.audit, audit.TypeAPI, "bolus")
	require.Len(t, rejected, 3)
	assert.Equal(t, "REJECTED", rejected[0].Outcome)
	assert.Equal(t, "BAD_REQUEST", rejected[0].Code)
}

func TestSMBWithinIntervalRejected(t *testing.T) {
	f := newFixture(t)

	first, err := f.orch.SMB(context.Background(), SMBRequest{Insulin: 0.5, DeliverAtTheLatest: time.Now().Add(time.Minute)})
	require.NoError(t, err)
	require.True(t, wait(t, first).Enacted())

	second, err := f.orch.SMB(context.Background(), SMBRequest{Insulin: 0.5, DeliverAtTheLatest: time.Now().Add(time.Minute)})
	require.NoError(t, err)
	assert.False(t, second.Accepted)

	res, ok := second.Result()
	require.True(t, ok, "refused command resolves before SMB returns")
	assert.False(t, res.Success())
	assert.Contains(t, res.Comment(), "still within minimum interval")
	assert.Equal(t, 1, f.pump.Calls("DeliverTreatment"))

	rejected := eventsOf(f.audit, audit.TypeAPI, "smb")
	require.Len(t, rejected, 2)
	assert.Equal(t, "REJECTED", rejected[1].Outcome)
}

func TestSMBWithoutDeadlineIsTooOld(t *testing.T) {
	f := newFixture(t)

	sub, err := f.orch.SMB(context.Background(), SMBRequest{Insulin: 0.3})
	require.NoError(t, err)
	assert.False(t, sub.Accepted)
	res := wait(t, sub)
	assert.Contains(t, res.Comment(), "too old")
	assert.Equal(t, 0, f.pump.Calls("DeliverTreatment"))
}

func TestSMBRejectsNonPositive(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.SMB(context.Background(), SMBRequest{Insulin: 0, DeliverAtTheLatest: time.Now()})
	assert.ErrorIs(t, err, ErrInvalidParameter)
}

func TestTempBasalClamped(t *testing.T) {
	f := newFixture(t)

	sub, err := f.orch.TempBasal(context.Background(), TempBasalRequest{Absolute: true, Rate: 4, Duration: 30 * time.Minute})
	require.NoError(t, err)
	require.Len(t, sub.Constraints, 1)
	assert.Equal(t, 2.0, sub.Constraints[0].Value)
	assert.Len(t, sub.Constraints[0].Reasons, 1, "only the most restrictive reason is reported")

	res := wait(t, sub)
	assert.True(t, res.Enacted())
	assert.True(t, res.Absolute())
	assert.InDelta(t, 2.0, res.Rate(), 1e-9)

	pct, err := f.orch.TempBasal(context.Background(), TempBasalRequest{Percent: 250, Duration: time.Hour})
	require.NoError(t, err)
	require.Len(t, pct.Constraints, 1)
	assert.Equal(t, 200.0, pct.Constraints[0].Value)
	assert.Equal(t, 200, wait(t, pct).Percent())
}

func TestTempBasalInvalid(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.TempBasal(context.Background(), TempBasalRequest{Absolute: true, Rate: 1})
	assert.ErrorIs(t, err, ErrInvalidParameter)
	_, err = f.orch.TempBasal(context.Background(), TempBasalRequest{Percent: -10, Duration: time.Hour})
	assert.ErrorIs(t, err, ErrInvalidParameter)
}

func TestExtendedBolusAndCancels(t *testing.T) {
	f := newFixture(t)

	ext, err := f.orch.ExtendedBolus(context.Background(), ExtendedBolusRequest{Insulin: 12, Duration: time.Hour})
	require.NoError(t, err)
	require.Len(t, ext.Constraints, 1)
	assert.Equal(t, 10.0, ext.Constraints[0].Value)
	assert.True(t, wait(t, ext).Enacted())

	cancelExt, err := f.orch.CancelExtended(context.Background())
	require.NoError(t, err)
	assert.True(t, wait(t, cancelExt).Enacted())

	again, err := f.orch.CancelExtended(context.Background())
	require.NoError(t, err)
	res := wait(t, again)
	assert.True(t, res.Success())
	assert.False(t, res.Enacted())
	assert.Equal(t, "no extended bolus running", res.Comment())

	cancelTemp, err := f.orch.CancelTempBasal(context.Background(), true)
	require.NoError(t, err)
	wait(t, cancelTemp)
	assert.Equal(t, 1, f.pump.Calls("CancelTempBasal"))
}

func TestDriverFailureReportsComment(t *testing.T) {
	f := newFixture(t)
	f.pump.SetErrorSimulation("UNAVAILABLE")

	sub, err := f.orch.CancelTempBasal(context.Background(), false)
	require.NoError(t, err)
	res := wait(t, sub)
	assert.False(t, res.Success())
	assert.NotEmpty(t, res.Comment())

	require.Eventually(t, func() bool { return len(eventsOf(f.audit, audit.TypeCommand, "")) == 1 }, time.Second, 5*time.Millisecond)
	e := eventsOf(f.audit, audit.TypeCommand, "")[0]
	assert.Equal(t, "FAILED", e.Outcome)
	assert.Equal(t, res.Comment(), e.Message)
}

func TestSetProfileUpdatesStore(t *testing.T) {
	f := newFixture(t)
	p := &profile.Profile{Name: "weekday", DIA: 5, Basal: []profile.Block{{Start: "00:00", Value: 0.9}}}

	sub, err := f.orch.SetProfile(context.Background(), p)
	require.NoError(t, err)
	require.True(t, wait(t, sub).Enacted())

	require.Eventually(t, func() bool { return f.profiles.Current() != nil }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "weekday", f.profiles.Current().Name)

	_, err = f.orch.SetProfile(context.Background(), nil)
	assert.ErrorIs(t, err, ErrInvalidParameter)
	_, err = f.orch.SetProfile(context.Background(), &profile.Profile{Name: "empty"})
	assert.ErrorIs(t, err, ErrInvalidParameter)
}

func TestReadStatusPublishesPumpStatus(t *testing.T) {
	f := newFixture(t)
	f.pump.SetReservoir(42)

	sub, err := f.orch.ReadStatus(context.Background(), "")
	require.NoError(t, err)
	res := wait(t, sub)
	assert.True(t, res.Success())

	require.Eventually(t, func() bool { return len(f.pub.ofType(telemetry.EventPumpStatus)) == 1 }, time.Second, 5*time.Millisecond)
	e := f.pub.ofType(telemetry.EventPumpStatus)[0]
	assert.Equal(t, "pump-01", e.Pump)
	assert.Equal(t, 42.0, e.Data["reservoir"])
}

func TestCustomAction(t *testing.T) {
	f := newFixture(t)

	sub, err := f.orch.CustomAction(context.Background(), "suspend", nil)
	require.NoError(t, err)
	assert.True(t, wait(t, sub).Enacted())

	_, err = f.orch.CustomAction(context.Background(), "", nil)
	assert.ErrorIs(t, err, ErrInvalidParameter)
}

func TestCancelCurrent(t *testing.T) {
	f := newFixture(t)
	gate := make(chan struct{})
	f.pump.SetGate(gate)
	defer close(gate)

	sub, err := f.orch.Bolus(context.Background(), BolusRequest{Insulin: 1})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.orch.QueueStatus().Running != "" }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "Bolus 1.00 U", f.orch.QueueStatus().Running)

	status := f.orch.CancelCurrent(context.Background())
	assert.Empty(t, status.Running)

	res := wait(t, sub)
	assert.False(t, res.Success())
	assert.Equal(t, "connection timed out", res.Comment())

	cancels := eventsOf(f.audit, audit.TypeAPI, "cancelCurrent")
	require.Len(t, cancels, 1)
	assert.Equal(t, "CANCELLED", cancels[0].Outcome)

	idle := f.orch.CancelCurrent(context.Background())
	assert.Empty(t, idle.Running)
	assert.Equal(t, "IDLE", eventsOf(f.audit, audit.TypeAPI, "cancelCurrent")[1].Outcome)
}

func TestQueueStatusPending(t *testing.T) {
	f := newFixture(t)
	gate := make(chan struct{})
	f.pump.SetGate(gate)

	first, err := f.orch.TempBasal(context.Background(), TempBasalRequest{Absolute: true, Rate: 1, Duration: time.Hour})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.orch.QueueStatus().Running != "" }, time.Second, 5*time.Millisecond)

	second, err := f.orch.ReadStatus(context.Background(), "poll")
	require.NoError(t, err)

	status := f.orch.QueueStatus()
	assert.Equal(t, 1, status.Length)
	assert.Equal(t, []string{"READSTATUS poll"}, status.Pending)

	close(gate)
	wait(t, first)
	wait(t, second)
	assert.Equal(t, []string{}, f.orch.QueueStatus().Pending)
}

func TestSelectPump(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.manager.Register(context.Background(), "pump-02", "generic", fake.NewPump("pump-02"), time.Second))

	require.NoError(t, f.orch.SelectPump(context.Background(), "pump-02"))
	assert.Equal(t, "pump-02", f.orch.Pumps().ActivePumpID)

	err := f.orch.SelectPump(context.Background(), "pump-09")
	assert.ErrorIs(t, err, ErrNotFound)
	err = f.orch.SelectPump(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidParameter)

	p, err := f.orch.Pump("pump-01")
	require.NoError(t, err)
	assert.Equal(t, "Fake-Pump", p.Model)
	_, err = f.orch.Pump("nope")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestResolve(t *testing.T) {
	f := newFixture(t)

	r := f.orch.Resolve(constraint.MaxBasalRate, 5)
	assert.True(t, r.Narrowed)
	assert.Equal(t, 5.0, r.Initial)
	assert.Equal(t, 2.0, r.Value)
	assert.Len(t, r.Reasons, 2)
	assert.Len(t, r.MostRestrictive, 1)

	pct := f.orch.Resolve(constraint.MaxBasalPercent, 180.4)
	assert.False(t, pct.Narrowed)
	assert.Equal(t, 180.0, pct.Value)
}
