package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/lib/pq"

	"quickex/pkg/platform/sentinel"
)

const schema = `
CREATE TABLE IF NOT EXISTS kv_records (
	key        TEXT PRIMARY KEY,
	idx        TEXT NOT NULL DEFAULT '',
	value      BYTEA NOT NULL,
	version    BIGINT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS kv_records_idx ON kv_records (idx) WHERE idx <> '';
`

// Postgres persists records in a single kv_records table.
// Conditional writes are single statements; no transaction spans calls.
type Postgres struct {
	db    *sql.DB
	clock func() time.Time
}

// PostgresOption configures the PostgreSQL adapter.
type PostgresOption func(*Postgres)

// WithPostgresClock overrides the clock used for updated_at.
func WithPostgresClock(clock func() time.Time) PostgresOption {
	return func(s *Postgres) {
		s.clock = clock
	}
}

func NewPostgres(db *sql.DB, opts ...PostgresOption) *Postgres {
	s := &Postgres{db: db, clock: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Migrate creates the records table if it does not exist.
func (s *Postgres) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return classify(ctx, "migrate", err)
	}
	return nil
}

func (s *Postgres) Get(ctx context.Context, key string) (Record, error) {
	query := `SELECT key, idx, value, version, updated_at FROM kv_records WHERE key = $1`
	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, sentinel.ErrNotFound
		}
		return Record{}, classify(ctx, "get "+key, err)
	}
	return rec, nil
}

func (s *Postgres) Put(ctx context.Context, rec Record) (Record, error) {
	query := `
		INSERT INTO kv_records (key, idx, value, version, updated_at)
		VALUES ($1, $2, $3, 1, $4)
		ON CONFLICT (key) DO UPDATE SET
			idx = EXCLUDED.idx,
			value = EXCLUDED.value,
			version = kv_records.version + 1,
			updated_at = EXCLUDED.updated_at
		RETURNING version, updated_at
	`
	if err := s.db.QueryRowContext(ctx, query, rec.Key, rec.Index, rec.Value, s.clock()).
		Scan(&rec.Version, &rec.UpdatedAt); err != nil {
		return Record{}, classify(ctx, "put "+rec.Key, err)
	}
	return rec, nil
}

func (s *Postgres) CompareAndSet(ctx context.Context, rec Record, expected int64) (Record, error) {
	var row *sql.Row
	if expected == 0 {
		row = s.db.QueryRowContext(ctx, `
			INSERT INTO kv_records (key, idx, value, version, updated_at)
			VALUES ($1, $2, $3, 1, $4)
			ON CONFLICT (key) DO NOTHING
			RETURNING version, updated_at
		`, rec.Key, rec.Index, rec.Value, s.clock())
	} else {
		row = s.db.QueryRowContext(ctx, `
			UPDATE kv_records
			SET idx = $2, value = $3, version = version + 1, updated_at = $4
			WHERE key = $1 AND version = $5
			RETURNING version, updated_at
		`, rec.Key, rec.Index, rec.Value, s.clock(), expected)
	}
	if err := row.Scan(&rec.Version, &rec.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, sentinel.ErrConflict
		}
		return Record{}, classify(ctx, "compare and set "+rec.Key, err)
	}
	return rec, nil
}

func (s *Postgres) Query(ctx context.Context, q Query) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		query := `SELECT key, idx, value, version, updated_at FROM kv_records WHERE key LIKE $1 ESCAPE '\'`
		args := []any{likePrefix(q.Prefix)}
		if q.Index != "" {
			query += ` AND idx = $2`
			args = append(args, q.Index)
		}
		query += ` ORDER BY key COLLATE "C"`

		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			yield(Record{}, classify(ctx, "query "+q.Prefix, err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			rec, err := scanRecord(rows)
			if err != nil {
				yield(Record{}, classify(ctx, "scan "+q.Prefix, err))
				return
			}
			if q.Where != nil && !q.Where(rec) {
				continue
			}
			if !yield(rec, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(Record{}, classify(ctx, "iterate "+q.Prefix, err))
		}
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var rec Record
	if err := row.Scan(&rec.Key, &rec.Index, &rec.Value, &rec.Version, &rec.UpdatedAt); err != nil {
		return Record{}, err
	}
	return rec, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func likePrefix(prefix string) string {
	return likeEscaper.Replace(prefix) + "%"
}

// classify keeps context errors visible and marks everything else unavailable.
// The driver reports a cancelled statement as a server error, so ctx is consulted first.
// A unique violation can only come from a racing insert, so it reads as a conflict.
func classify(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", op, errors.Join(ctxErr, err))
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if pqErr.Code == "23505" {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("%s: %s: %w", op, pqErr.Code.Name(), errors.Join(sentinel.ErrUnavailable, err))
	}
	return fmt.Errorf("%s: %w", op, errors.Join(sentinel.ErrUnavailable, err))
}

var _ Store = (*Postgres)(nil)
