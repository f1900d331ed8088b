package receipt

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/provenact/provenact/pkg/contracts"
)

// PostgresStore is the multi-node Store. The UNIQUE (case_id, seq)
// constraint is the cross-process chain guard: two builders racing the
// same case see one insert win and one fail with ErrReceiptExists.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the receipts schema if absent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS receipts (
		run_id TEXT PRIMARY KEY,
		case_id TEXT NOT NULL,
		action_id TEXT NOT NULL,
		seq BIGINT NOT NULL,
		receipt_hash TEXT NOT NULL,
		prev_receipt_hash TEXT NOT NULL,
		supersedes TEXT NOT NULL DEFAULT '',
		sealed_at TIMESTAMPTZ NOT NULL,
		body JSONB NOT NULL,
		UNIQUE (case_id, seq)
	);
	CREATE INDEX IF NOT EXISTS idx_receipts_action ON receipts (action_id, seq)`
	_, err := s.db.ExecContext(ctx, query)
	return err
}

func (s *PostgresStore) Put(ctx context.Context, r *contracts.ProvenanceReceipt) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode receipt: %w", err)
	}
	query := `INSERT INTO receipts (
		run_id, case_id, action_id, seq, receipt_hash, prev_receipt_hash, supersedes, sealed_at, body
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err = s.db.ExecContext(ctx, query,
		r.RunID, r.CaseID, r.ActionID, r.Seq, r.ReceiptHash, r.PrevReceiptHash, r.Supersedes,
		r.SealedAt.UTC(), body,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return contracts.ErrReceiptExists
		}
		return fmt.Errorf("insert receipt: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, runID string) (*contracts.ProvenanceReceipt, error) {
	return s.queryOne(ctx, `SELECT body FROM receipts WHERE run_id = $1`, runID)
}

func (s *PostgresStore) GetByAction(ctx context.Context, actionID string) (*contracts.ProvenanceReceipt, error) {
	return s.queryOne(ctx, `SELECT body FROM receipts WHERE action_id = $1 ORDER BY seq DESC LIMIT 1`, actionID)
}

func (s *PostgresStore) ListCase(ctx context.Context, caseID string) ([]*contracts.ProvenanceReceipt, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM receipts WHERE case_id = $1 ORDER BY seq ASC`, caseID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.ProvenanceReceipt
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		r, err := decodeReceipt(string(body))
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Head(ctx context.Context, caseID string) (*contracts.ProvenanceReceipt, error) {
	r, err := s.queryOne(ctx, `SELECT body FROM receipts WHERE case_id = $1 ORDER BY seq DESC LIMIT 1`, caseID)
	if errors.Is(err, contracts.ErrUnknownAction) {
		return nil, nil
	}
	return r, err
}

func (s *PostgresStore) queryOne(ctx context.Context, query string, arg any) (*contracts.ProvenanceReceipt, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, contracts.ErrUnknownAction
		}
		return nil, err
	}
	return decodeReceipt(string(body))
}
