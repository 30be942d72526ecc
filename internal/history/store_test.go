package history

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/pump-control/pcc/internal/pump"
	"github.com/pump-control/pcc/internal/pump/fake"
	"github.com/pump-control/pcc/internal/queue"
)

var t0 = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "data", "history.db"), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenError(t *testing.T) {
	orig := openDB
	t.Cleanup(func() { openDB = orig })
	openDB = func(string, string) (*sql.DB, error) { return nil, errors.New("boom") }

	_, err := Open(filepath.Join(t.TempDir(), "h.db"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "history: open database")
}

func TestLastBolusTimeEmpty(t *testing.T) {
	s := newTestStore(t)
	last, err := s.LastBolusTime(context.Background())
	require.NoError(t, err)
	assert.True(t, last.IsZero())
}

func TestLastBolusTimeNewestDelivery(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Record(ctx, Treatment{Kind: "BOLUS", Units: 2, Enacted: true, Timestamp: t0})
	require.NoError(t, err)
	_, err = s.Record(ctx, Treatment{Kind: "SMB_BOLUS", Units: 0.3, Enacted: true, Timestamp: t0.Add(5 * time.Minute)})
	require.NoError(t, err)
	// carbs-only entries do not count as a bolus
	_, err = s.Record(ctx, Treatment{Kind: "BOLUS", Units: 0, Carbs: 20, Enacted: false, Timestamp: t0.Add(10 * time.Minute)})
	require.NoError(t, err)

	last, err := s.LastBolusTime(ctx)
	require.NoError(t, err)
	assert.True(t, last.Equal(t0.Add(5*time.Minute)), "got %v", last)
}

func TestRecentOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	in := []Treatment{
		{CommandID: "a", Kind: "BOLUS", Units: 1, Enacted: true, Timestamp: t0},
		{CommandID: "b", Kind: "SMB_BOLUS", Units: 0.2, Enacted: true, Timestamp: t0.Add(time.Minute)},
		{CommandID: "c", Kind: "BOLUS", Units: 0.7, Enacted: false, Comment: "partial", Timestamp: t0.Add(2 * time.Minute)},
	}
	for _, tr := range in {
		_, err := s.Record(ctx, tr)
		require.NoError(t, err)
	}

	got, err := s.Recent(ctx, 2)
	require.NoError(t, err)

	want := []Treatment{in[2], in[1]}
	opts := cmp.Options{
		cmpopts.IgnoreFields(Treatment{}, "ID"),
		cmp.Comparer(func(a, b time.Time) bool { return a.Equal(b) }),
	}
	if diff := cmp.Diff(want, got, opts); diff != "" {
		t.Errorf("Recent mismatch (-want +got):\n%s", diff)
	}
}

func TestListenerRecordsBoluses(t *testing.T) {
	s := newTestStore(t)
	s.now = func() time.Time { return t0 }
	l := s.Listener()

	l(queue.NewBolus(pump.DetailedBolusInfo{Insulin: 2, Carbs: 30}, nil),
		pump.Done(true, "", pump.WithUnits(2)))
	l(queue.NewSMBBolus(pump.DetailedBolusInfo{Insulin: 0.5}, nil),
		pump.Failed("occlusion", pump.WithUnits(0.2)))
	// nothing delivered, nothing stored
	l(queue.NewSMBBolus(pump.DetailedBolusInfo{Insulin: 0.5}, nil),
		pump.Failed("SMB requested but still within minimum interval"))
	l(queue.NewTempBasalAbsolute(1.0, 30*time.Minute, true, nil),
		pump.Done(true, "", pump.WithAbsoluteRate(1.0)))

	got, err := s.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "SMB_BOLUS", got[0].Kind)
	assert.InDelta(t, 0.2, got[0].Units, 1e-9)
	assert.False(t, got[0].Enacted)
	assert.Equal(t, "occlusion", got[0].Comment)

	assert.Equal(t, "BOLUS", got[1].Kind)
	assert.InDelta(t, 2.0, got[1].Units, 1e-9)
	assert.InDelta(t, 30.0, got[1].Carbs, 1e-9)
	assert.True(t, got[1].Enacted)
}

func TestStoreFeedsSMBGuard(t *testing.T) {
	s := newTestStore(t)
	p := fake.NewPump("pump-01")

	q := queue.New(&queue.Env{
		Driver:    p,
		LastBolus: s,
		Logger:    zaptest.NewLogger(t),
	})
	q.OnResult(s.Listener())
	q.Start(context.Background())
	t.Cleanup(q.Stop)

	fut := queue.NewFuture()
	require.True(t, q.Enqueue(queue.NewBolus(pump.DetailedBolusInfo{Insulin: 1}, fut.Sink())))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := fut.Wait(ctx)
	require.NoError(t, err)
	require.True(t, res.Enacted())

	require.Eventually(t, func() bool {
		last, err := s.LastBolusTime(context.Background())
		return err == nil && !last.IsZero()
	}, 5*time.Second, 10*time.Millisecond)

	smb := queue.NewFuture()
	ok := q.Enqueue(queue.NewSMBBolus(pump.DetailedBolusInfo{Insulin: 0.2, DeliverAtTheLatest: time.Now()}, smb.Sink()))
	assert.False(t, ok)
	r, done := smb.Result()
	require.True(t, done)
	assert.False(t, r.Success())
	assert.Equal(t, "SMB requested but still within minimum interval", r.Comment())
}
