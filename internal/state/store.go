// Package state implements the durable per-environment record of model
// fingerprints and last execution outcomes.
//
// Persistence is SQLite (modernc.org/sqlite) with goose-managed embedded
// migrations. The snapshot-per-environment contract is realised as a single
// transaction per Flush: every staged Put for an environment commits
// together or not at all, so a crash mid-flush always leaves the prior
// snapshot intact — the transactional equivalent of a temp-file-and-rename
// idiom, chosen because the store already lives in a SQL database rather
// than flat files.
package state

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/quarryql/quarryql/internal/errs"
)

// Status values an Entry's Status field takes.
const (
	StatusSuccess = "SUCCESS"
	StatusFailed  = "FAILED"
	StatusSkipped = "SKIPPED"
)

// Entry is one model's persisted execution state within an environment.
type Entry struct {
	ModelName                 string
	Fingerprint               string
	Status                    string
	LastSuccessfulFingerprint string
	LastRunAt                 time.Time
	HighWatermark             string
}

// Snapshot is every Entry known for one environment, keyed by model name.
type Snapshot struct {
	Environment string
	Entries     map[string]Entry
}

// Store is the durable state backend. Safe for concurrent use; Put stages
// writes in memory and Flush commits them atomically.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]map[string]Entry // environment -> model -> entry
}

// Open opens (creating if absent) the SQLite database at path and runs
// migrations. Use ":memory:" for an ephemeral store (tests, dry-run-only
// invocations).
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)", path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errs.NewConfigurationError(errs.Context{Operation: "state.open"}, err.Error())
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errs.NewConfigurationError(errs.Context{Operation: "state.open"}, err.Error())
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, errs.NewConfigurationError(errs.Context{Operation: "state.migrate"}, err.Error())
	}

	return &Store{db: db, logger: logger, pending: make(map[string]map[string]Entry)}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Load reads the full snapshot for environment. An environment with no rows
// yet yields an empty Snapshot — the planner's contract is that every model
// is then classified NEW, not an error.
func (s *Store) Load(ctx context.Context, environment string) (Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT model_name, fingerprint, status, last_successful_fingerprint, last_run_ts, high_watermark
		FROM state_entries WHERE environment = ?`, environment)
	if err != nil {
		return Snapshot{}, errs.NewConfigurationError(errs.Context{Operation: "state.load"}, err.Error())
	}
	defer rows.Close()

	entries := make(map[string]Entry)
	for rows.Next() {
		var e Entry
		var ts int64
		if err := rows.Scan(&e.ModelName, &e.Fingerprint, &e.Status, &e.LastSuccessfulFingerprint, &ts, &e.HighWatermark); err != nil {
			return Snapshot{}, errs.NewConfigurationError(errs.Context{Operation: "state.load"}, err.Error())
		}
		e.LastRunAt = time.Unix(ts, 0).UTC()
		entries[e.ModelName] = e
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, errs.NewConfigurationError(errs.Context{Operation: "state.load"}, err.Error())
	}

	return Snapshot{Environment: environment, Entries: entries}, nil
}

// Get reads a single model's entry, or (Entry{}, false) if absent.
func (s *Store) Get(ctx context.Context, environment, model string) (Entry, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT model_name, fingerprint, status, last_successful_fingerprint, last_run_ts, high_watermark
		FROM state_entries WHERE environment = ? AND model_name = ?`, environment, model)

	var e Entry
	var ts int64
	switch err := row.Scan(&e.ModelName, &e.Fingerprint, &e.Status, &e.LastSuccessfulFingerprint, &ts, &e.HighWatermark); err {
	case nil:
		e.LastRunAt = time.Unix(ts, 0).UTC()
		return e, true, nil
	case sql.ErrNoRows:
		return Entry{}, false, nil
	default:
		return Entry{}, false, errs.NewConfigurationError(errs.Context{Operation: "state.get"}, err.Error())
	}
}

// Put stages entry for environment in memory. It is visible to Flush but not
// yet durable — the executor accumulates one execution batch's outcomes and
// Flushes once per batch, so a crash mid-batch never corrupts the previous
// snapshot.
func (s *Store) Put(environment string, entry Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending[environment] == nil {
		s.pending[environment] = make(map[string]Entry)
	}
	s.pending[environment][entry.ModelName] = entry
}

// Delete stages removal of model's entry for environment, applied atomically
// alongside Puts on the next Flush. Used for the planner's DELETE
// classification.
func (s *Store) Delete(environment, model string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending[environment] == nil {
		s.pending[environment] = make(map[string]Entry)
	}
	s.pending[environment][model] = Entry{ModelName: model, Status: "__DELETE__"}
}

// Flush commits every staged Put/Delete for environment in a single
// transaction. On success the in-memory staging area for that environment is
// cleared; on failure it is left intact so a retried Flush can still succeed.
func (s *Store) Flush(ctx context.Context, environment string) error {
	s.mu.Lock()
	staged := s.pending[environment]
	s.mu.Unlock()
	if len(staged) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.NewConfigurationError(errs.Context{Operation: "state.flush"}, err.Error())
	}
	defer tx.Rollback()

	for _, e := range staged {
		if e.Status == "__DELETE__" {
			if _, err := tx.ExecContext(ctx, `DELETE FROM state_entries WHERE environment = ? AND model_name = ?`, environment, e.ModelName); err != nil {
				return errs.NewConfigurationError(errs.Context{Operation: "state.flush"}, err.Error())
			}
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO state_entries (environment, model_name, fingerprint, status, last_successful_fingerprint, last_run_ts, high_watermark)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(environment, model_name) DO UPDATE SET
				fingerprint = excluded.fingerprint,
				status = excluded.status,
				last_successful_fingerprint = excluded.last_successful_fingerprint,
				last_run_ts = excluded.last_run_ts,
				high_watermark = excluded.high_watermark
		`, environment, e.ModelName, e.Fingerprint, e.Status, e.LastSuccessfulFingerprint, e.LastRunAt.Unix(), e.HighWatermark); err != nil {
			return errs.NewConfigurationError(errs.Context{Operation: "state.flush"}, err.Error())
		}
	}

	if err := tx.Commit(); err != nil {
		return errs.NewConfigurationError(errs.Context{Operation: "state.flush"}, err.Error())
	}

	s.mu.Lock()
	delete(s.pending, environment)
	s.mu.Unlock()

	s.logger.Debug("state flushed", "environment", environment, "entries", len(staged))
	return nil
}
