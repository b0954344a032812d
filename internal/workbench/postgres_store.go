package workbench

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/inference-gateway/internal/core"
)

// PostgresStore keeps drafts in workbench.drafts. Mutate wraps the
// callback in a transaction with SELECT ... FOR UPDATE so draft-level
// decisions (lock acquisition, status transitions) are race-free.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const draftColumns = `id, auc_id, title, content, runtime_env, status, owner_id,
	created_at, updated_at, locked_by, lock_expires_at,
	signature_fingerprint, is_deleted`

func (s *PostgresStore) Create(ctx context.Context, draft *Draft) error {
	if draft.ID == "" {
		draft.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workbench.drafts
			(id, auc_id, title, content, runtime_env, status, owner_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		draft.ID, draft.AucID, draft.Title, []byte(draft.Content), draft.RuntimeEnv,
		draft.Status, draft.Owner, draft.CreatedAt, draft.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert draft: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Draft, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+draftColumns+`
		FROM workbench.drafts
		WHERE id = $1 AND NOT is_deleted`, id)
	return scanDraft(row)
}

func (s *PostgresStore) List(ctx context.Context, aucID string) ([]*Draft, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+draftColumns+`
		FROM workbench.drafts
		WHERE auc_id = $1 AND NOT is_deleted
		ORDER BY updated_at DESC`, aucID)
	if err != nil {
		return nil, fmt.Errorf("list drafts: %w", err)
	}
	defer rows.Close()

	var out []*Draft
	for rows.Next() {
		d, err := scanDraft(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Mutate(ctx context.Context, id string, fn func(*Draft) error) (*Draft, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin draft mutation: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT `+draftColumns+`
		FROM workbench.drafts
		WHERE id = $1 AND NOT is_deleted
		FOR UPDATE`, id)
	draft, err := scanDraft(row)
	if err != nil {
		return nil, err
	}

	if err := fn(draft); err != nil {
		return nil, err
	}

	// signature_fingerprint is NOT NULL DEFAULT '': write the value as is,
	// empty string included. Only locked_by nulls out.
	_, err = tx.ExecContext(ctx, `
		UPDATE workbench.drafts
		SET title = $2, content = $3, runtime_env = $4, status = $5,
		    updated_at = $6, locked_by = NULLIF($7, ''), lock_expires_at = $8,
		    signature_fingerprint = $9, is_deleted = $10,
		    search_text = to_tsvector('simple', $2 || ' ' || $3::text)
		WHERE id = $1`,
		draft.ID, draft.Title, []byte(draft.Content), draft.RuntimeEnv,
		draft.Status, draft.UpdatedAt, draft.LockedBy,
		nullableTime(draft.LockExpiresAt), draft.SignatureFingerprint, draft.Deleted,
	)
	if err != nil {
		return nil, fmt.Errorf("update draft %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit draft mutation: %w", err)
	}
	return draft, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDraft(row rowScanner) (*Draft, error) {
	var (
		d           Draft
		content     []byte
		lockedBy    sql.NullString
		lockExpires sql.NullTime
	)
	err := row.Scan(&d.ID, &d.AucID, &d.Title, &content, &d.RuntimeEnv,
		&d.Status, &d.Owner, &d.CreatedAt, &d.UpdatedAt,
		&lockedBy, &lockExpires, &d.SignatureFingerprint, &d.Deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.NewError(core.KindNotFound, "Draft not found.")
	}
	if err != nil {
		return nil, fmt.Errorf("scan draft: %w", err)
	}
	d.Content = json.RawMessage(content)
	d.LockedBy = lockedBy.String
	d.LockExpiresAt = lockExpires.Time
	return &d, nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
