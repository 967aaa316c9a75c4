package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/repuestocontrol/sri/pkg/comprobante"
)

// ErrNoEmitterConfig is returned before the administrative path has saved a
// configuration.
var ErrNoEmitterConfig = fmt.Errorf("emitter configuration not present")

// EmitterStore holds the single emitter configuration row. Reads are cheap;
// writes go through a transaction that locks the row for the duration.
type EmitterStore struct {
	db *sql.DB
}

func NewEmitterStore(db *sql.DB) (*EmitterStore, error) {
	s := &EmitterStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *EmitterStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS emitter_config (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		config JSON NOT NULL,
		updated_at TEXT NOT NULL
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Load reads the configuration.
func (s *EmitterStore) Load(ctx context.Context) (*comprobante.EmitterConfig, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT config FROM emitter_config WHERE id = 1`).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, ErrNoEmitterConfig
	}
	if err != nil {
		return nil, fmt.Errorf("read emitter config: %w", err)
	}
	var cfg comprobante.EmitterConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, fmt.Errorf("decode emitter config: %w", err)
	}
	return &cfg, nil
}

// Save validates and upserts the configuration inside one transaction.
func (s *EmitterStore) Save(ctx context.Context, cfg *comprobante.EmitterConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode emitter config: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin emitter config tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO emitter_config (id, config, updated_at) VALUES (1, ?, ?)
		ON CONFLICT (id) DO UPDATE SET config = excluded.config, updated_at = excluded.updated_at`,
		string(raw), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("write emitter config: %w", err)
	}
	return tx.Commit()
}
