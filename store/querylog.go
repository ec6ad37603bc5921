// Package store persists query-run records. Logging is best-effort
// observability: a storage failure is reported to the caller but must never
// fail the query path, so callers log and move on.
package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	// SQLite driver, registered as "sqlite".
	_ "modernc.org/sqlite"
)

// QueryRecord is one completed query run.
type QueryRecord struct {
	RequestID      string        `json:"request_id"`
	Query          string        `json:"query"`
	Strategy       string        `json:"strategy"`
	Answer         string        `json:"answer"`
	SourceCount    int           `json:"source_count"`
	ErrorCount     int           `json:"error_count"`
	RetryCount     int           `json:"retry_count"`
	ProcessingTime time.Duration `json:"processing_time"`
	CreatedAt      time.Time     `json:"created_at"`
}

// QueryLog records completed runs and serves recent history.
type QueryLog interface {
	Append(ctx context.Context, rec QueryRecord) error
	Recent(ctx context.Context, limit int) ([]QueryRecord, error)
	Close() error
}

// SQLiteQueryLog is the file-backed QueryLog.
type SQLiteQueryLog struct {
	db *sql.DB
}

var _ QueryLog = (*SQLiteQueryLog)(nil)

const queryLogSchema = `
CREATE TABLE IF NOT EXISTS query_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id TEXT NOT NULL,
	query TEXT NOT NULL,
	strategy TEXT NOT NULL,
	answer TEXT NOT NULL,
	source_count INTEGER NOT NULL,
	error_count INTEGER NOT NULL,
	retry_count INTEGER NOT NULL,
	processing_time_ms INTEGER NOT NULL,
	created_ts BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_query_log_created_ts ON query_log (created_ts DESC);
`

// NewSQLiteQueryLog opens (and if needed creates) the log database at dsn.
func NewSQLiteQueryLog(ctx context.Context, dsn string) (*SQLiteQueryLog, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open query log")
	}
	// A single writer avoids SQLITE_BUSY under concurrent appends.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, queryLogSchema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "migrate query log")
	}
	return &SQLiteQueryLog{db: db}, nil
}

func (l *SQLiteQueryLog) Append(ctx context.Context, rec QueryRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO query_log (request_id, query, strategy, answer, source_count, error_count, retry_count, processing_time_ms, created_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RequestID,
		rec.Query,
		rec.Strategy,
		rec.Answer,
		rec.SourceCount,
		rec.ErrorCount,
		rec.RetryCount,
		rec.ProcessingTime.Milliseconds(),
		rec.CreatedAt.Unix(),
	)
	return errors.Wrap(err, "append query log")
}

func (l *SQLiteQueryLog) Recent(ctx context.Context, limit int) ([]QueryRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT request_id, query, strategy, answer, source_count, error_count, retry_count, processing_time_ms, created_ts
		FROM query_log ORDER BY created_ts DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "read query log")
	}
	defer rows.Close()

	var out []QueryRecord
	for rows.Next() {
		var (
			rec       QueryRecord
			elapsedMS int64
			createdTS int64
		)
		if err := rows.Scan(
			&rec.RequestID,
			&rec.Query,
			&rec.Strategy,
			&rec.Answer,
			&rec.SourceCount,
			&rec.ErrorCount,
			&rec.RetryCount,
			&elapsedMS,
			&createdTS,
		); err != nil {
			return nil, errors.Wrap(err, "scan query log")
		}
		rec.ProcessingTime = time.Duration(elapsedMS) * time.Millisecond
		rec.CreatedAt = time.Unix(createdTS, 0)
		out = append(out, rec)
	}
	return out, errors.Wrap(rows.Err(), "iterate query log")
}

func (l *SQLiteQueryLog) Close() error {
	return l.db.Close()
}

// NopQueryLog discards records. Used when no log DSN is configured.
type NopQueryLog struct{}

var _ QueryLog = NopQueryLog{}

func (NopQueryLog) Append(context.Context, QueryRecord) error { return nil }

func (NopQueryLog) Recent(context.Context, int) ([]QueryRecord, error) { return nil, nil }

func (NopQueryLog) Close() error { return nil }
