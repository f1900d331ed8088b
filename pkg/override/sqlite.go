package override

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

// SQLiteStore is a durable Store: pending requests survive restarts.
// Indexed columns carry lookup structure; the full request persists as
// its JSON body. Stale writes lose on the version column.
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

// OpenSQLite opens (or creates) an override database at path.
// path ":memory:" yields an ephemeral store.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	return NewSQLiteStore(db)
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS override_requests (
		id TEXT PRIMARY KEY,
		action_id TEXT NOT NULL,
		status TEXT NOT NULL,
		version INTEGER NOT NULL,
		sla_deadline TEXT NOT NULL,
		created_at TEXT NOT NULL,
		body JSON NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_override_action ON override_requests (action_id, created_at);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) Put(ctx context.Context, req *contracts.OverrideRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode override: %w", err)
	}
	query := `INSERT INTO override_requests (
		id, action_id, status, version, sla_deadline, created_at, body
	) VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		req.ID, req.ActionID, string(req.Status), req.Version,
		req.SLADeadline.UTC().Format(overrideTimeLayout),
		req.CreatedAt.UTC().Format(overrideTimeLayout),
		string(body),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrRequestExists
		}
		return fmt.Errorf("insert override: %w", err)
	}
	return nil
}

// Update writes the new state only when the stored version still equals
// expectedVersion. Zero rows affected means another writer got in first.
func (s *SQLiteStore) Update(ctx context.Context, req *contracts.OverrideRequest, expectedVersion uint64) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode override: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE override_requests SET status = ?, version = ?, body = ? WHERE id = ? AND version = ?`,
		string(req.Status), req.Version, string(body), req.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update override: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM override_requests WHERE id = ?`, req.ID).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return contracts.ErrUnknownAction
		}
		return ErrVersionConflict
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*contracts.OverrideRequest, error) {
	return s.queryOne(ctx, `SELECT body FROM override_requests WHERE id = ?`, id)
}

func (s *SQLiteStore) GetByAction(ctx context.Context, actionID string) (*contracts.OverrideRequest, error) {
	return s.queryOne(ctx,
		`SELECT body FROM override_requests WHERE action_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`, actionID)
}

func (s *SQLiteStore) ListPending(ctx context.Context) ([]*contracts.OverrideRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM override_requests WHERE status IN (?, ?)`,
		string(contracts.OverrideRequested), string(contracts.OverrideUnderReview),
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.OverrideRequest
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		req, err := decodeRequest(body)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) queryOne(ctx context.Context, query string, arg any) (*contracts.OverrideRequest, error) {
	var body string
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, contracts.ErrUnknownAction
		}
		return nil, err
	}
	return decodeRequest(body)
}

func decodeRequest(body string) (*contracts.OverrideRequest, error) {
	var req contracts.OverrideRequest
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		return nil, fmt.Errorf("decode override: %w", err)
	}
	return &req, nil
}

const overrideTimeLayout = "2006-01-02T15:04:05.999999999Z07:00"
