package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pump-control/pcc/internal/pump"
)

func readEvents(t *testing.T, path string) []Event {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		events = append(events, e)
	}
	require.NoError(t, scanner.Err())
	return events
}

func TestNewLogger(t *testing.T) {
	tempDir := t.TempDir()

	logger, err := NewLogger(Options{Dir: tempDir})
	require.NoError(t, err)
	defer func() { _ = logger.Close() }()

	expectedPath := filepath.Join(tempDir, "audit.jsonl")
	assert.Equal(t, expectedPath, logger.GetFilePath())
	_, err = os.Stat(expectedPath)
	assert.NoError(t, err)
}

func TestNewLoggerRequiresDir(t *testing.T) {
	_, err := NewLogger(Options{})
	assert.Error(t, err)
}

func TestLogCommand(t *testing.T) {
	logger, err := NewLogger(Options{Dir: t.TempDir()})
	require.NoError(t, err)
	defer func() { _ = logger.Close() }()

	ctx := WithUser(context.Background(), "alice")
	logger.LogCommand(ctx, "bolus", "pump-01", map[string]interface{}{"insulin": 1.5}, pump.Done(true, "", pump.WithUnits(1.5)))
	logger.LogCommand(context.Background(), "smb", "pump-01", nil, pump.Failed("still within minimum interval"))

	events := readEvents(t, logger.GetFilePath())
	require.Len(t, events, 2)

	assert.Equal(t, "alice", events[0].User)
	assert.Equal(t, TypeCommand, events[0].Type)
	assert.Equal(t, "SUCCESS", events[0].Outcome)
	assert.Equal(t, 1.5, events[0].Params["insulin"])
	assert.False(t, events[0].Timestamp.IsZero())

	assert.Equal(t, "system", events[1].User)
	assert.Equal(t, "FAILED", events[1].Outcome)
	assert.Equal(t, "still within minimum interval", events[1].Message)
}

func TestLogControlAction(t *testing.T) {
	logger, err := NewLogger(Options{Dir: t.TempDir()})
	require.NoError(t, err)
	defer func() { _ = logger.Close() }()

	logger.LogControlAction(context.Background(), "tempBasal", "pump-01", nil, "FAILED", fmt.Errorf("x: %w", pump.ErrBusy))

	events := readEvents(t, logger.GetFilePath())
	require.Len(t, events, 1)
	assert.Equal(t, "BUSY", events[0].Code)
	assert.Equal(t, TypeAPI, events[0].Type)
}

func TestRecordKeepsTimestamp(t *testing.T) {
	logger, err := NewLogger(Options{Dir: t.TempDir()})
	require.NoError(t, err)
	defer func() { _ = logger.Close() }()

	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	logger.Record(context.Background(), Event{Timestamp: ts, Type: TypeDiagnostic, Action: "contributor_failed"})

	events := readEvents(t, logger.GetFilePath())
	require.Len(t, events, 1)
	assert.True(t, ts.Equal(events[0].Timestamp))
}

func TestCodeFromError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "SUCCESS"},
		{pump.NormalizeDriverError(errors.New("OUT_OF_RANGE"), nil), "INVALID_RANGE"},
		{pump.ErrUnavailable, "UNAVAILABLE"},
		{pump.ErrTimeout, "TIMEOUT"},
		{errors.New("UNAUTHORIZED: missing token"), "UNAUTHORIZED"},
		{errors.New("FORBIDDEN"), "FORBIDDEN"},
		{fmt.Errorf("%w: bad", errors.New("BAD_REQUEST")), "BAD_REQUEST"},
		{errors.New("NOT_FOUND: pump-9"), "NOT_FOUND"},
		{errors.New("boom"), "ERROR"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CodeFromError(tt.err), "%v", tt.err)
	}
}

func TestRotateAndClose(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewLogger(Options{Dir: dir})
	require.NoError(t, err)

	logger.Record(context.Background(), Event{Action: "a"})
	require.NoError(t, logger.Rotate())
	logger.Record(context.Background(), Event{Action: "b"})

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	require.NoError(t, logger.Close())
	assert.NoError(t, logger.Close())
	assert.Error(t, logger.Rotate())

	// Writes after close are dropped.
	logger.Record(context.Background(), Event{Action: "c"})
}

func TestMemoryAndMulti(t *testing.T) {
	a, b := &Memory{}, &Memory{}
	sink := Multi{a, nil, b, Nop{}}

	sink.Record(WithUser(context.Background(), "bob"), Event{Action: "x"})

	require.Len(t, a.Events(), 1)
	require.Len(t, b.Events(), 1)
	assert.Equal(t, "bob", a.Events()[0].User)
}

func TestCorrelationIDFromContext(t *testing.T) {
	assert.Empty(t, CorrelationIDFromContext(context.Background()))

	m := &Memory{}
	ctx := WithCorrelationID(context.Background(), "req-1")
	m.Record(ctx, Event{Action: "bolus"})
	m.Record(ctx, Event{Action: "smb", CorrelationID: "explicit"})

	events := m.Events()
	require.Len(t, events, 2)
	assert.Equal(t, "req-1", events[0].CorrelationID)
	assert.Equal(t, "explicit", events[1].CorrelationID)
}
