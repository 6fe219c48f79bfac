package bus

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/petal-labs/instruflow/runtime"

	_ "modernc.org/sqlite"
)

//go:embed sqlite_schema.sql
var sqliteSchema string

// timeLayout is fixed-width so that stored times sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStoreConfig configures the SQLite event store.
type SQLiteStoreConfig struct {
	// DSN is the database connection string.
	DSN string

	// RetentionAge deletes events older than this duration (0 = no age pruning).
	RetentionAge time.Duration

	// RetentionEpochs keeps only the events of the most recent epochs
	// (0 = no count pruning).
	RetentionEpochs int

	// PruneInterval is how often to run pruning (default 1 hour).
	PruneInterval time.Duration
}

// SQLiteEventStore persists task events to a SQLite database in WAL mode.
// A background pruner enforces retention when one is configured.
type SQLiteEventStore struct {
	db   *sql.DB
	cfg  SQLiteStoreConfig
	stop chan struct{}
	done chan struct{}
}

// NewSQLiteEventStore opens (or creates) a SQLite event store.
func NewSQLiteEventStore(cfg SQLiteStoreConfig) (*SQLiteEventStore, error) {
	if cfg.PruneInterval == 0 {
		cfg.PruneInterval = time.Hour
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: set WAL mode: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: create schema: %w", err)
	}

	s := &SQLiteEventStore{
		db:   db,
		cfg:  cfg,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	if cfg.RetentionAge > 0 || cfg.RetentionEpochs > 0 {
		go s.pruneLoop()
	} else {
		close(s.done)
	}
	return s, nil
}

// Append stores an event in the database.
func (s *SQLiteEventStore) Append(ctx context.Context, event runtime.Event) error {
	payload := event.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("sqlitestore: marshal payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO task_events (epoch, seq, kind, task_id, module, time, elapsed, payload, trace_id, span_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.Epoch,
		event.Seq,
		string(event.Kind),
		event.TaskID,
		event.Module,
		event.Time.UTC().Format(timeLayout),
		int64(event.Elapsed),
		string(payloadJSON),
		event.TraceID,
		event.SpanID,
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: append: %w", err)
	}
	return nil
}

// List returns the events of an epoch, optionally filtered by afterSeq and
// limit.
func (s *SQLiteEventStore) List(ctx context.Context, epoch string, afterSeq uint64, limit int) ([]runtime.Event, error) {
	query := `SELECT epoch, seq, kind, task_id, module, time, elapsed, payload, trace_id, span_id
	           FROM task_events WHERE epoch = ? AND seq > ? ORDER BY seq ASC`
	args := []any{epoch, afterSeq}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// LatestSeq returns the highest Seq of an epoch (0 if no events).
func (s *SQLiteEventStore) LatestSeq(ctx context.Context, epoch string) (uint64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM task_events WHERE epoch = ?`, epoch,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("sqlitestore: latest seq: %w", err)
	}
	if !seq.Valid || seq.Int64 < 0 {
		return 0, nil
	}
	return uint64(seq.Int64), nil // #nosec G115 -- seq is always non-negative
}

// Epochs summarizes the stored epochs, most recent first.
func (s *SQLiteEventStore) Epochs(ctx context.Context) ([]EpochSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT epoch, COUNT(*), SUM(CASE WHEN kind IN (?, ?) THEN 1 ELSE 0 END), MIN(time), MAX(time)
		 FROM task_events GROUP BY epoch`,
		string(runtime.EventTaskFailed), string(runtime.EventTaskTimeout))
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: epochs: %w", err)
	}
	defer rows.Close()

	var out []EpochSummary
	for rows.Next() {
		var (
			sum         EpochSummary
			first, last string
		)
		if err := rows.Scan(&sum.Epoch, &sum.Events, &sum.Failures, &first, &last); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan epoch: %w", err)
		}
		if sum.First, err = time.Parse(timeLayout, first); err != nil {
			return nil, fmt.Errorf("sqlitestore: parse time %q: %w", first, err)
		}
		if sum.Last, err = time.Parse(timeLayout, last); err != nil {
			return nil, fmt.Errorf("sqlitestore: parse time %q: %w", last, err)
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortEpochs(out)
	return out, nil
}

// Close stops the background pruner and closes the database connection.
func (s *SQLiteEventStore) Close() error {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	<-s.done
	return s.db.Close()
}

// Prune runs a single pruning pass.
func (s *SQLiteEventStore) Prune(ctx context.Context) error {
	if s.cfg.RetentionAge > 0 {
		cutoff := time.Now().Add(-s.cfg.RetentionAge).UTC().Format(timeLayout)
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM task_events WHERE time < ?`, cutoff,
		); err != nil {
			return fmt.Errorf("sqlitestore: prune by age: %w", err)
		}
	}

	if s.cfg.RetentionEpochs > 0 {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM task_events WHERE epoch NOT IN (
				SELECT epoch FROM task_events GROUP BY epoch ORDER BY MAX(time) DESC LIMIT ?
			)`, s.cfg.RetentionEpochs,
		); err != nil {
			return fmt.Errorf("sqlitestore: prune by epoch count: %w", err)
		}
	}
	return nil
}

func (s *SQLiteEventStore) pruneLoop() {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			_ = s.Prune(context.Background())
		}
	}
}

func scanEvents(rows *sql.Rows) ([]runtime.Event, error) {
	var events []runtime.Event
	for rows.Next() {
		var (
			e           runtime.Event
			kind        string
			timeStr     string
			elapsedNano int64
			payloadJSON string
		)
		err := rows.Scan(
			&e.Epoch,
			&e.Seq,
			&kind,
			&e.TaskID,
			&e.Module,
			&timeStr,
			&elapsedNano,
			&payloadJSON,
			&e.TraceID,
			&e.SpanID,
		)
		if err != nil {
			return nil, fmt.Errorf("sqlitestore: scan event: %w", err)
		}

		e.Kind = runtime.EventKind(kind)
		e.Elapsed = time.Duration(elapsedNano)
		if e.Time, err = time.Parse(timeLayout, timeStr); err != nil {
			return nil, fmt.Errorf("sqlitestore: parse time %q: %w", timeStr, err)
		}

		e.Payload = map[string]any{}
		if payloadJSON != "" && payloadJSON != "{}" {
			if err := json.Unmarshal([]byte(payloadJSON), &e.Payload); err != nil {
				return nil, fmt.Errorf("sqlitestore: unmarshal payload: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Compile-time interface check.
var _ EventStore = (*SQLiteEventStore)(nil)
