package loggers

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/petal-labs/instruflow/core"
	"github.com/petal-labs/instruflow/graph"

	_ "modernc.org/sqlite"
)

//go:embed sqlite_schema.sql
var sqliteSchema string

// DefaultDSN is the database a SQLite logger opens when its dsn parameter
// is left unset.
const DefaultDSN = "file:instruflow-data.db"

// StoredRecord is one row of the data_records table.
type StoredRecord struct {
	ID     int64
	Logger string
	Source string
	Time   time.Time
	Type   string
	Value  any
	Seq    []core.SeqMark
}

// SQLiteSink persists records to SQLite. The database named by the dsn
// parameter is opened on the first record, so that the parameter can be
// set after the logger is created.
type SQLiteSink struct {
	mu  sync.Mutex
	db  *sql.DB
	dsn string
}

// OpenSQLite opens (or creates) a data record database in WAL mode.
func OpenSQLite(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlitelogger: open: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitelogger: set WAL mode: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitelogger: create schema: %w", err)
	}
	return db, nil
}

func (s *SQLiteSink) open(dsn string) (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		if dsn != s.dsn {
			return nil, fmt.Errorf("sqlitelogger: dsn changed from %q to %q after the database was opened", s.dsn, dsn)
		}
		return s.db, nil
	}
	db, err := OpenSQLite(dsn)
	if err != nil {
		return nil, err
	}
	s.db, s.dsn = db, dsn
	return db, nil
}

// Log implements graph.Sink.
func (s *SQLiteSink) Log(ctx context.Context, rec graph.Record, params core.Values) error {
	db, err := s.open(params.String("dsn"))
	if err != nil {
		return err
	}
	value, err := json.Marshal(rec.Item.Value)
	if err != nil {
		return fmt.Errorf("sqlitelogger: marshal value: %w", err)
	}
	marks := rec.Item.Attr.Marks()
	if marks == nil {
		marks = []core.SeqMark{}
	}
	seq, err := json.Marshal(marks)
	if err != nil {
		return fmt.Errorf("sqlitelogger: marshal seq: %w", err)
	}

	// The record survives a cancelled run.
	_, err = db.ExecContext(context.WithoutCancel(ctx),
		`INSERT INTO data_records (logger, source, time, type, value, seq) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.Logger,
		rec.Source,
		rec.Time.UTC().Format(time.RFC3339Nano),
		rec.Item.Type.String(),
		string(value),
		string(seq),
	)
	if err != nil {
		return fmt.Errorf("sqlitelogger: insert: %w", err)
	}
	return nil
}

// Records returns the stored records of a logger, oldest first. limit <= 0
// returns them all. Values come back as decoded JSON.
func (s *SQLiteSink) Records(ctx context.Context, logger string, limit int) ([]StoredRecord, error) {
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return nil, nil
	}
	return ListRecords(ctx, db, logger, limit)
}

// ListRecords reads the stored records of a logger from db.
func ListRecords(ctx context.Context, db *sql.DB, logger string, limit int) ([]StoredRecord, error) {
	query := `SELECT id, logger, source, time, type, value, seq FROM data_records WHERE logger = ? ORDER BY id`
	args := []any{logger}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlitelogger: list: %w", err)
	}
	defer rows.Close()

	var out []StoredRecord
	for rows.Next() {
		var r StoredRecord
		var ts, value, seq string
		if err := rows.Scan(&r.ID, &r.Logger, &r.Source, &ts, &r.Type, &value, &seq); err != nil {
			return nil, fmt.Errorf("sqlitelogger: scan: %w", err)
		}
		if r.Time, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("sqlitelogger: parse time: %w", err)
		}
		if err := json.Unmarshal([]byte(value), &r.Value); err != nil {
			return nil, fmt.Errorf("sqlitelogger: unmarshal value: %w", err)
		}
		if err := json.Unmarshal([]byte(seq), &r.Seq); err != nil {
			return nil, fmt.Errorf("sqlitelogger: unmarshal seq: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close closes the database, if it was opened.
func (s *SQLiteSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
