// Package store persists pipeline documents and the emitter configuration.
// Documents are append-only audit records: rows are created once and
// mutated only through state transitions and message appends, never
// deleted.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/repuestocontrol/sri/pkg/comprobante"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a document does not exist.
var ErrNotFound = fmt.Errorf("document not found")

const documentColumns = `internal_id, sale_ref, doc_type, emitter_code, emission_point, sequential,
	access_key, numeric_code, environment, emission_mode, issued_at, state,
	xml_unsigned, xml_signed, xml_authorized, authorization_number, authorization_at,
	messages_json, created_at, updated_at`

type DocumentStore struct {
	db *sql.DB
}

func NewDocumentStore(db *sql.DB) (*DocumentStore, error) {
	s := &DocumentStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *DocumentStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS documents (
		internal_id TEXT PRIMARY KEY,
		sale_ref TEXT NOT NULL,
		doc_type TEXT NOT NULL,
		emitter_code TEXT NOT NULL,
		emission_point TEXT NOT NULL,
		sequential INTEGER NOT NULL DEFAULT 0,
		access_key TEXT NOT NULL DEFAULT '',
		numeric_code TEXT NOT NULL DEFAULT '',
		environment TEXT NOT NULL,
		emission_mode TEXT NOT NULL DEFAULT '1',
		issued_at TEXT NOT NULL,
		state TEXT NOT NULL,
		xml_unsigned BLOB,
		xml_signed BLOB,
		xml_authorized BLOB,
		authorization_number TEXT NOT NULL DEFAULT '',
		authorization_at TEXT NOT NULL DEFAULT '',
		messages_json JSON,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_documents_access_key ON documents (access_key);
	CREATE INDEX IF NOT EXISTS idx_documents_state ON documents (state);
	CREATE INDEX IF NOT EXISTS idx_documents_sale_ref ON documents (sale_ref);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Create inserts a new document row.
func (s *DocumentStore) Create(ctx context.Context, d *comprobante.Document) error {
	query := `INSERT INTO documents (` + documentColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	now := time.Now().UTC()
	d.CreatedAt = now
	d.UpdatedAt = now

	messagesJSON, _ := json.Marshal(d.Messages)
	_, err := s.db.ExecContext(ctx, query,
		d.ID, d.SaleRef, string(d.DocType), d.EmitterCode, d.EmissionPoint, d.Sequential,
		d.AccessKey, d.NumericCode, string(d.Environment), string(d.EmissionMode),
		formatTime(d.IssuedAt), string(d.State),
		d.XMLUnsigned, d.XMLSigned, d.XMLAuthorized,
		d.AuthorizationNumber, formatNullableTime(d.AuthorizationAt),
		string(messagesJSON), formatTime(now), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("insert document %s: %w", d.ID, err)
	}
	return nil
}

// Get fetches a document by internal id.
func (s *DocumentStore) Get(ctx context.Context, id string) (*comprobante.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE internal_id = ?`
	return s.queryOne(ctx, query, id)
}

// GetByAccessKey fetches a document by its clave de acceso.
func (s *DocumentStore) GetByAccessKey(ctx context.Context, accessKey string) (*comprobante.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE access_key = ?`
	return s.queryOne(ctx, query, accessKey)
}

// Update persists the document's current fields. Transitions out of a
// terminal state are refused; the guard compares against the state already
// on disk, so a stale in-memory copy cannot overwrite a terminal row.
func (s *DocumentStore) Update(ctx context.Context, d *comprobante.Document) error {
	current, err := s.Get(ctx, d.ID)
	if err != nil {
		return err
	}
	if current.State.Terminal() && current.State != d.State {
		return comprobante.Wrap(comprobante.ErrStateViolation,
			fmt.Sprintf("document %s is %s", d.ID, current.State))
	}

	d.UpdatedAt = time.Now().UTC()
	messagesJSON, _ := json.Marshal(d.Messages)
	query := `UPDATE documents SET
		sequential = ?, access_key = ?, numeric_code = ?, state = ?,
		xml_unsigned = ?, xml_signed = ?, xml_authorized = ?,
		authorization_number = ?, authorization_at = ?,
		messages_json = ?, updated_at = ?
		WHERE internal_id = ?`
	_, err = s.db.ExecContext(ctx, query,
		d.Sequential, d.AccessKey, d.NumericCode, string(d.State),
		d.XMLUnsigned, d.XMLSigned, d.XMLAuthorized,
		d.AuthorizationNumber, formatNullableTime(d.AuthorizationAt),
		string(messagesJSON), formatTime(d.UpdatedAt),
		d.ID,
	)
	if err != nil {
		return fmt.Errorf("update document %s: %w", d.ID, err)
	}
	return nil
}

// AppendMessages adds observational messages without touching state.
// Allowed on terminal documents.
func (s *DocumentStore) AppendMessages(ctx context.Context, id string, msgs ...comprobante.Message) error {
	d, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	d.Messages = append(d.Messages, msgs...)
	messagesJSON, _ := json.Marshal(d.Messages)
	query := `UPDATE documents SET messages_json = ?, updated_at = ? WHERE internal_id = ?`
	_, err = s.db.ExecContext(ctx, query, string(messagesJSON), formatTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("append messages to %s: %w", id, err)
	}
	return nil
}

// ListByState returns the most recent documents in a given state.
func (s *DocumentStore) ListByState(ctx context.Context, state comprobante.State, limit int) ([]*comprobante.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents
		WHERE state = ? ORDER BY created_at DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, string(state), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var docs []*comprobante.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return docs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *DocumentStore) queryOne(ctx context.Context, query string, arg any) (*comprobante.Document, error) {
	d, err := scanDocument(s.db.QueryRowContext(ctx, query, arg))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return d, err
}

func scanDocument(row rowScanner) (*comprobante.Document, error) {
	var (
		d               comprobante.Document
		docType         string
		environment     string
		emissionMode    string
		issuedAt        string
		state           string
		authorizationAt string
		messagesJSON    sql.NullString
		createdAt       string
		updatedAt       string
	)
	err := row.Scan(
		&d.ID, &d.SaleRef, &docType, &d.EmitterCode, &d.EmissionPoint, &d.Sequential,
		&d.AccessKey, &d.NumericCode, &environment, &emissionMode, &issuedAt, &state,
		&d.XMLUnsigned, &d.XMLSigned, &d.XMLAuthorized,
		&d.AuthorizationNumber, &authorizationAt,
		&messagesJSON, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	d.DocType = comprobante.DocType(docType)
	d.Environment = comprobante.Environment(environment)
	d.EmissionMode = comprobante.EmissionMode(emissionMode)
	d.State = comprobante.State(state)
	d.IssuedAt = parseTime(issuedAt)
	d.AuthorizationAt = parseTime(authorizationAt)
	d.CreatedAt = parseTime(createdAt)
	d.UpdatedAt = parseTime(updatedAt)
	if messagesJSON.Valid && messagesJSON.String != "" {
		_ = json.Unmarshal([]byte(messagesJSON.String), &d.Messages)
	}
	return &d, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatNullableTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return formatTime(t)
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}
