// Package sequence allocates the 9-digit sequential numbers that identify
// comprobantes within an establishment and emission point. Each
// (establishment, emission point, document type) triple owns an independent
// counter. Allocation is transactional and returns the pre-increment value;
// a number handed out and never authorized stays consumed, so gaps are
// expected.
package sequence

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/repuestocontrol/sri/pkg/comprobante"
)

// MaxValue is the highest sequential the 9-digit field can carry.
const MaxValue = 999_999_999

// Key identifies one counter.
type Key struct {
	EmitterCode   string
	EmissionPoint string
	DocType       comprobante.DocType
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%s:%s", k.EmitterCode, k.EmissionPoint, k.DocType)
}

// Allocator hands out sequentials from a SQL-backed counter table. A Cache
// may be attached to serve Peek without hitting the database.
type Allocator struct {
	db      *sql.DB
	dialect Dialect
	cache   *Cache
	log     *slog.Logger
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithCache attaches a read cache for Peek. Next and Reset invalidate it.
func WithCache(c *Cache) Option {
	return func(a *Allocator) { a.cache = c }
}

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(a *Allocator) { a.log = log }
}

// WithDialect selects the SQL dialect. Defaults to SQLite.
func WithDialect(d Dialect) Option {
	return func(a *Allocator) { a.dialect = d }
}

// NewAllocator creates the counter table if missing and returns an allocator.
func NewAllocator(db *sql.DB, opts ...Option) (*Allocator, error) {
	a := &Allocator{
		db:      db,
		dialect: SQLite{},
		log:     slog.Default().With("component", "sequence"),
	}
	for _, opt := range opts {
		opt(a)
	}
	if err := a.migrate(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Allocator) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS sequence_counters (
		emitter_code TEXT NOT NULL,
		emission_point TEXT NOT NULL,
		doc_type TEXT NOT NULL,
		next_value INTEGER NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (emitter_code, emission_point, doc_type)
	);`
	_, err := a.db.ExecContext(context.Background(), query)
	return err
}

// Next allocates and returns the next sequential for key. The first call on
// a fresh counter returns 1. Once the counter passes MaxValue every call
// fails with ErrSequenceExhausted.
func (a *Allocator) Next(ctx context.Context, key Key) (uint32, error) {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin sequence tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Format(time.RFC3339Nano)

	var next uint64
	err = tx.QueryRowContext(ctx, a.dialect.SelectForUpdate(),
		key.EmitterCode, key.EmissionPoint, string(key.DocType)).Scan(&next)
	switch {
	case err == sql.ErrNoRows:
		// Two allocators can race on a fresh counter: FOR UPDATE locks
		// nothing when the row does not exist yet, so both see no rows.
		// DO NOTHING lets the loser fall through to the update path.
		ins, ierr := tx.ExecContext(ctx, a.dialect.InsertIgnore(),
			key.EmitterCode, key.EmissionPoint, string(key.DocType), 2, now)
		if ierr != nil {
			return 0, fmt.Errorf("insert counter %s: %w", key, ierr)
		}
		if n, _ := ins.RowsAffected(); n == 1 {
			next = 1
			break
		}
		if err := tx.QueryRowContext(ctx, a.dialect.SelectForUpdate(),
			key.EmitterCode, key.EmissionPoint, string(key.DocType)).Scan(&next); err != nil {
			return 0, fmt.Errorf("read counter %s: %w", key, err)
		}
		if next > MaxValue {
			return 0, comprobante.Wrap(comprobante.ErrSequenceExhausted, key.String())
		}
		if _, err := tx.ExecContext(ctx, a.dialect.Update(),
			next+1, now, key.EmitterCode, key.EmissionPoint, string(key.DocType)); err != nil {
			return 0, fmt.Errorf("advance counter %s: %w", key, err)
		}
	case err != nil:
		return 0, fmt.Errorf("read counter %s: %w", key, err)
	default:
		if next > MaxValue {
			return 0, comprobante.Wrap(comprobante.ErrSequenceExhausted, key.String())
		}
		_, err = tx.ExecContext(ctx, a.dialect.Update(),
			next+1, now, key.EmitterCode, key.EmissionPoint, string(key.DocType))
		if err != nil {
			return 0, fmt.Errorf("advance counter %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit sequence tx: %w", err)
	}
	if a.cache != nil {
		a.cache.Invalidate(ctx, key)
	}
	a.log.DebugContext(ctx, "sequential allocated", "counter", key.String(), "value", next)
	return uint32(next), nil
}

// Peek returns the value the next call to Next would hand out, without
// consuming it. Served from the cache when one is attached.
func (a *Allocator) Peek(ctx context.Context, key Key) (uint32, error) {
	if a.cache != nil {
		if v, ok := a.cache.Get(ctx, key); ok {
			return v, nil
		}
	}
	var next uint64
	err := a.db.QueryRowContext(ctx, a.dialect.Select(),
		key.EmitterCode, key.EmissionPoint, string(key.DocType)).Scan(&next)
	switch {
	case err == sql.ErrNoRows:
		next = 1
	case err != nil:
		return 0, fmt.Errorf("read counter %s: %w", key, err)
	}
	if a.cache != nil {
		a.cache.Set(ctx, key, uint32(next))
	}
	return uint32(next), nil
}

// Reset forces the counter so that the next allocation returns next. Used
// when an emitter migrates from another system mid-series.
func (a *Allocator) Reset(ctx context.Context, key Key, next uint32) error {
	if next < 1 || next > MaxValue {
		return comprobante.Wrap(comprobante.ErrBadPayload, fmt.Sprintf("sequential %d out of range", next))
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := a.db.ExecContext(ctx, a.dialect.Upsert(),
		key.EmitterCode, key.EmissionPoint, string(key.DocType), next, now)
	if err != nil {
		return fmt.Errorf("reset counter %s: %w", key, err)
	}
	if a.cache != nil {
		a.cache.Invalidate(ctx, key)
	}
	a.log.InfoContext(ctx, "sequence counter reset", "counter", key.String(), "next", next)
	return nil
}
