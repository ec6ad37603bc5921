package search

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	// Postgres driver.
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/seekr-io/seekr/agent/message"
)

// PostgresBackend searches a documents table with Postgres full-text search.
// Results are ranked by ts_rank. Documents carry a last_served_at column so
// the backend can mark sources the caller has already been shown.
type PostgresBackend struct {
	db      *sql.DB
	limiter *rate.Limiter
	// freshWindow bounds how recently a document must have been served to
	// count as already known.
	freshWindow time.Duration
}

// PostgresConfig configures the Postgres search backend.
type PostgresConfig struct {
	DSN string
	// MaxQPS rate-limits backend queries. Zero disables the limit.
	MaxQPS float64
	// FreshWindow is how long a served document stays "already known".
	FreshWindow time.Duration
}

// NewPostgresBackend opens the search database connection.
func NewPostgresBackend(cfg PostgresConfig) (*PostgresBackend, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open search database")
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	var limiter *rate.Limiter
	if cfg.MaxQPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.MaxQPS), 1)
	}
	window := cfg.FreshWindow
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &PostgresBackend{db: db, limiter: limiter, freshWindow: window}, nil
}

// Close releases the database connection pool.
func (b *PostgresBackend) Close() error {
	return b.db.Close()
}

// Search runs a plainto_tsquery match against the documents table. Failures
// are mapped onto the core error taxonomy: deadline exceeded becomes
// ErrTimeout, everything else ErrSearchUnavailable.
func (b *PostgresBackend) Search(ctx context.Context, query string, max int) ([]message.SourceRecord, error) {
	if max <= 0 {
		max = DefaultMaxResults
	}
	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			return nil, message.ErrTimeout
		}
	}

	const q = `
		SELECT id, title, COALESCE(url, ''), COALESCE(snippet, ''),
			ts_rank(search_vector, plainto_tsquery('english', $1)) AS rank,
			(last_served_at IS NOT NULL AND last_served_at > $2) AS known
		FROM documents
		WHERE search_vector @@ plainto_tsquery('english', $1)
		ORDER BY rank DESC
		LIMIT $3`

	rows, err := b.db.QueryContext(ctx, q, query, time.Now().Add(-b.freshWindow), max)
	if err != nil {
		if ctx.Err() != nil {
			return nil, message.ErrTimeout
		}
		slog.Error("search: backend query failed", "error", err)
		return nil, errors.Wrap(message.ErrSearchUnavailable, err.Error())
	}
	defer rows.Close()

	var records []message.SourceRecord
	for rows.Next() {
		var (
			id    int64
			rec   message.SourceRecord
			known bool
		)
		if err := rows.Scan(&id, &rec.Title, &rec.URL, &rec.Snippet, &rec.Score, &known); err != nil {
			return nil, errors.Wrap(message.ErrSearchUnavailable, err.Error())
		}
		rec.OriginID = fmt.Sprintf("pg_%d", id)
		rec.Fresh = !known
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(message.ErrSearchUnavailable, err.Error())
	}
	return records, nil
}
