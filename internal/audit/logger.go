package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/pump-control/pcc/internal/pump"
)

// Event types.
const (
	TypeCommand    = "command"
	TypeConstraint = "constraint"
	TypeDiagnostic = "diagnostic"
	TypeAPI        = "api"
	TypeAccess     = "access"
)

// Event represents a single audit log entry.
type Event struct {
	Timestamp     time.Time              `json:"ts"`
	Type          string                 `json:"type"`
	User          string                 `json:"user,omitempty"`
	PumpID        string                 `json:"pumpId,omitempty"`
	Source        string                 `json:"source,omitempty"`
	Action        string                 `json:"action"`
	Params        map[string]interface{} `json:"params,omitempty"`
	Outcome       string                 `json:"outcome"`
	Code          string                 `json:"code,omitempty"`
	Message       string                 `json:"message,omitempty"`
	CorrelationID string                 `json:"correlationId,omitempty"`
}

// Sink receives audit and diagnostic events. Record must not block for long
// and never fails from the caller's point of view.
type Sink interface {
	Record(ctx context.Context, e Event)
}

// Nop discards events.
type Nop struct{}

// Record implements Sink.
func (Nop) Record(context.Context, Event) {}

// Options configures the file-backed logger.
type Options struct {
	Dir        string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Logger writes events as JSON lines to a size-rotated file.
type Logger struct {
	mu       sync.Mutex
	filePath string
	out      *lumberjack.Logger
	now      func() time.Time
}

// NewLogger creates a new audit logger writing to <dir>/audit.jsonl.
func NewLogger(opts Options) (*Logger, error) {
	if opts.Dir == "" {
		return nil, errors.New("audit: directory is required")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	if opts.MaxSizeMB <= 0 {
		opts.MaxSizeMB = 50
	}

	filePath := filepath.Join(opts.Dir, "audit.jsonl")

	// Open eagerly so permission problems surface at startup.
	f, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}
	_ = f.Close()

	return &Logger{
		filePath: filePath,
		out: &lumberjack.Logger{
			Filename:   filePath,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   opts.Compress,
		},
		now: time.Now,
	}, nil
}

// Record implements Sink.
func (l *Logger) Record(ctx context.Context, e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now().UTC()
	}
	if e.User == "" {
		e.User = UserFromContext(ctx)
	}
	if e.CorrelationID == "" {
		e.CorrelationID = CorrelationIDFromContext(ctx)
	}
	l.writeEntry(e)
}

// LogCommand logs a pump command outcome with its parameters.
func (l *Logger) LogCommand(ctx context.Context, action, pumpID string, params map[string]interface{}, result pump.EnactResult) {
	outcome := "SUCCESS"
	code := "SUCCESS"
	if !result.Success() {
		outcome = "FAILED"
		code = "REJECTED"
	}
	l.Record(ctx, Event{
		Type:    TypeCommand,
		PumpID:  pumpID,
		Action:  action,
		Params:  params,
		Outcome: outcome,
		Code:    code,
		Message: result.Comment(),
	})
}

// LogControlAction logs a control API action and the error it produced, if any.
func (l *Logger) LogControlAction(ctx context.Context, action, pumpID string, params map[string]interface{}, outcome string, err error) {
	e := Event{
		Type:    TypeAPI,
		PumpID:  pumpID,
		Action:  action,
		Params:  params,
		Outcome: outcome,
		Code:    CodeFromError(err),
	}
	if err != nil {
		e.Message = err.Error()
	}
	l.Record(ctx, e)
}

// writeEntry writes an audit entry to the log file.
func (l *Logger) writeEntry(entry Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.out == nil {
		return
	}

	jsonData, err := json.Marshal(entry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to marshal audit entry: %v\n", err)
		return
	}

	if _, err := l.out.Write(append(jsonData, '\n')); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write audit entry: %v\n", err)
	}
}

// CodeFromError maps an error to a standardized audit code.
func CodeFromError(err error) string {
	if err == nil {
		return "SUCCESS"
	}
	switch {
	case errors.Is(err, pump.ErrInvalidRange):
		return "INVALID_RANGE"
	case errors.Is(err, pump.ErrBusy):
		return "BUSY"
	case errors.Is(err, pump.ErrUnavailable):
		return "UNAVAILABLE"
	case errors.Is(err, pump.ErrTimeout):
		return "TIMEOUT"
	}

	errStr := err.Error()
	if strings.Contains(errStr, "BAD_REQUEST") {
		return "BAD_REQUEST"
	}
	if strings.Contains(errStr, "NOT_FOUND") {
		return "NOT_FOUND"
	}
	if strings.Contains(errStr, "UNAUTHORIZED") {
		return "UNAUTHORIZED"
	}
	if strings.Contains(errStr, "FORBIDDEN") {
		return "FORBIDDEN"
	}
	return "ERROR"
}

// Close closes the audit logger and its file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.out != nil {
		err := l.out.Close()
		l.out = nil
		return err
	}
	return nil
}

// GetFilePath returns the path to the audit log file.
func (l *Logger) GetFilePath() string {
	return l.filePath
}

// Rotate closes the current file, renames it with a timestamp and opens a new one.
func (l *Logger) Rotate() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.out == nil {
		return errors.New("audit: logger closed")
	}
	return l.out.Rotate()
}

type userKey struct{}

// WithUser returns a context carrying the acting user for audit records.
func WithUser(ctx context.Context, user string) context.Context {
	return context.WithValue(ctx, userKey{}, user)
}

// UserFromContext returns the acting user or "system".
func UserFromContext(ctx context.Context) string {
	if ctx != nil {
		if user, ok := ctx.Value(userKey{}).(string); ok && user != "" {
			return user
		}
	}
	return "system"
}

type correlationKey struct{}

// WithCorrelationID returns a context carrying the request correlation id.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationIDFromContext returns the correlation id or "".
func CorrelationIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// Memory keeps events in memory. It is used by tests and by the CLI dry runs.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

// Record implements Sink.
func (m *Memory) Record(ctx context.Context, e Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.User == "" {
		e.User = UserFromContext(ctx)
	}
	if e.CorrelationID == "" {
		e.CorrelationID = CorrelationIDFromContext(ctx)
	}
	m.events = append(m.events, e)
}

// Events returns a copy of the recorded events.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// Multi fans out events to several sinks.
type Multi []Sink

// Record implements Sink.
func (m Multi) Record(ctx context.Context, e Event) {
	for _, s := range m {
		if s != nil {
			s.Record(ctx, e)
		}
	}
}

var (
	_ Sink      = (*Logger)(nil)
	_ Sink      = (*Memory)(nil)
	_ Sink      = Nop{}
	_ Sink      = Multi(nil)
	_ io.Closer = (*Logger)(nil)
)
