// Package history persists delivered treatments in SQLite and answers the
// last-bolus lookup used by the SMB interval guard.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/pump-control/pcc/internal/pump"
	"github.com/pump-control/pcc/internal/queue"
)

// openDB is a package-level var to allow test injection.
var openDB = sql.Open

// Treatment is one delivered (or partially delivered) bolus.
type Treatment struct {
	ID        int64     `json:"id"`
	CommandID string    `json:"commandId"`
	Kind      string    `json:"kind"`
	Units     float64   `json:"units"`
	Carbs     float64   `json:"carbs,omitempty"`
	Enacted   bool      `json:"enacted"`
	Comment   string    `json:"comment,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Store is the SQLite treatment store.
type Store struct {
	db     *sql.DB
	now    func() time.Time
	logger *zap.Logger
}

// Open opens or creates the database at path and runs migrations.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("history: create data dir: %w", err)
		}
	}

	db, err := openDB("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("history: open database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("history: pragma %q: %w", p, err)
		}
	}

	s := &Store{db: db, now: time.Now, logger: logger.Named("history")}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: migration: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS treatments (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			command_id   TEXT NOT NULL DEFAULT '',
			kind         TEXT NOT NULL,
			units        REAL NOT NULL DEFAULT 0,
			carbs        REAL NOT NULL DEFAULT 0,
			enacted      INTEGER NOT NULL DEFAULT 0,
			comment      TEXT NOT NULL DEFAULT '',
			timestamp_ms INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_treatments_ts ON treatments(timestamp_ms);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record stores t and returns its row id.
func (s *Store) Record(ctx context.Context, t Treatment) (int64, error) {
	if t.Timestamp.IsZero() {
		t.Timestamp = s.now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO treatments (command_id, kind, units, carbs, enacted, comment, timestamp_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.CommandID, t.Kind, t.Units, t.Carbs, boolToInt(t.Enacted), t.Comment, t.Timestamp.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("history: insert treatment: %w", err)
	}
	return res.LastInsertId()
}

// LastBolusTime returns the time of the newest treatment that delivered insulin.
// Rows with a zero timestamp are ignored; no row yields the zero time.
func (s *Store) LastBolusTime(ctx context.Context) (time.Time, error) {
	var ms sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(timestamp_ms) FROM treatments WHERE units > 0 AND timestamp_ms > 0`).Scan(&ms)
	if err != nil {
		return time.Time{}, fmt.Errorf("history: last bolus: %w", err)
	}
	if !ms.Valid {
		return time.Time{}, nil
	}
	return time.UnixMilli(ms.Int64), nil
}

// Recent returns up to limit treatments, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Treatment, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, command_id, kind, units, carbs, enacted, comment, timestamp_ms
		 FROM treatments ORDER BY timestamp_ms DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("history: query treatments: %w", err)
	}
	defer rows.Close()

	var out []Treatment
	for rows.Next() {
		var (
			t       Treatment
			enacted int
			ms      int64
		)
		if err := rows.Scan(&t.ID, &t.CommandID, &t.Kind, &t.Units, &t.Carbs, &enacted, &t.Comment, &ms); err != nil {
			return nil, fmt.Errorf("history: scan treatment: %w", err)
		}
		t.Enacted = enacted != 0
		t.Timestamp = time.UnixMilli(ms)
		out = append(out, t)
	}
	return out, rows.Err()
}

// Listener records every bolus that delivered insulin, including partial
// deliveries of failed or cancelled commands.
func (s *Store) Listener() queue.Listener {
	return func(cmd queue.Command, res pump.EnactResult) {
		t, ok := treatmentFor(cmd, res)
		if !ok {
			return
		}
		t.Timestamp = s.now()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := s.Record(ctx, t); err != nil {
			s.logger.Error("failed to record treatment", zap.String("command", cmd.Log()), zap.Error(err))
		}
	}
}

func treatmentFor(cmd queue.Command, res pump.EnactResult) (Treatment, bool) {
	var info pump.DetailedBolusInfo
	switch c := cmd.(type) {
	case *queue.Bolus:
		info = c.Info()
	case *queue.SMBBolus:
		info = c.Info()
	default:
		return Treatment{}, false
	}

	units := res.Units()
	if units == 0 && res.Enacted() {
		units = info.Insulin
	}
	if units <= 0 && !(res.Success() && info.Carbs > 0) {
		return Treatment{}, false
	}
	return Treatment{
		CommandID: cmd.ID(),
		Kind:      string(cmd.Kind()),
		Units:     units,
		Carbs:     info.Carbs,
		Enacted:   res.Enacted(),
		Comment:   res.Comment(),
	}, true
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ queue.LastBolusLookup = (*Store)(nil)
