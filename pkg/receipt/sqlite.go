package receipt

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/provenact/provenact/pkg/contracts"
)

// SQLiteStore is a durable single-node Store. Indexed columns carry the
// chain structure; the full receipt persists as its canonical JSON body
// so the stored form round-trips byte-for-byte.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenSQLite opens (or creates) a receipt database at path.
// path ":memory:" yields an ephemeral store.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// The chain-head lock in Builder already serializes writers per
	// case; a single connection avoids SQLITE_BUSY across cases.
	db.SetMaxOpenConns(1)
	return NewSQLiteStore(db)
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS receipts (
		run_id TEXT PRIMARY KEY,
		case_id TEXT NOT NULL,
		action_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		receipt_hash TEXT NOT NULL,
		prev_receipt_hash TEXT NOT NULL,
		supersedes TEXT NOT NULL DEFAULT '',
		sealed_at TEXT NOT NULL,
		body JSON NOT NULL,
		UNIQUE (case_id, seq)
	);
	CREATE INDEX IF NOT EXISTS idx_receipts_case ON receipts (case_id, seq);
	CREATE INDEX IF NOT EXISTS idx_receipts_action ON receipts (action_id, seq);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) Put(ctx context.Context, r *contracts.ProvenanceReceipt) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode receipt: %w", err)
	}
	query := `INSERT INTO receipts (
		run_id, case_id, action_id, seq, receipt_hash, prev_receipt_hash, supersedes, sealed_at, body
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		r.RunID, r.CaseID, r.ActionID, r.Seq, r.ReceiptHash, r.PrevReceiptHash, r.Supersedes,
		r.SealedAt.UTC().Format(sqlTimeLayout), string(body),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return contracts.ErrReceiptExists
		}
		return fmt.Errorf("insert receipt: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, runID string) (*contracts.ProvenanceReceipt, error) {
	return s.queryOne(ctx, `SELECT body FROM receipts WHERE run_id = ?`, runID)
}

func (s *SQLiteStore) GetByAction(ctx context.Context, actionID string) (*contracts.ProvenanceReceipt, error) {
	return s.queryOne(ctx, `SELECT body FROM receipts WHERE action_id = ? ORDER BY seq DESC LIMIT 1`, actionID)
}

func (s *SQLiteStore) ListCase(ctx context.Context, caseID string) ([]*contracts.ProvenanceReceipt, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM receipts WHERE case_id = ? ORDER BY seq ASC`, caseID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.ProvenanceReceipt
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		r, err := decodeReceipt(body)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Head(ctx context.Context, caseID string) (*contracts.ProvenanceReceipt, error) {
	r, err := s.queryOne(ctx, `SELECT body FROM receipts WHERE case_id = ? ORDER BY seq DESC LIMIT 1`, caseID)
	if errors.Is(err, contracts.ErrUnknownAction) {
		return nil, nil
	}
	return r, err
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) queryOne(ctx context.Context, query string, arg any) (*contracts.ProvenanceReceipt, error) {
	var body string
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, contracts.ErrUnknownAction
		}
		return nil, err
	}
	return decodeReceipt(body)
}

func decodeReceipt(body string) (*contracts.ProvenanceReceipt, error) {
	var r contracts.ProvenanceReceipt
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return nil, fmt.Errorf("decode receipt: %w", err)
	}
	return &r, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

const sqlTimeLayout = "2006-01-02T15:04:05.999999999Z07:00"
