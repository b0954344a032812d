package vault

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/ocx/inference-gateway/internal/core"
)

// PostgresStore keeps ciphertext rows in vault.secrets with a unique
// constraint on (auc_id, service_name).
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Fetch(ctx context.Context, aucID, serviceName string) (string, string, error) {
	const q = `
		SELECT encrypted_value, key_version
		FROM vault.secrets
		WHERE auc_id = $1 AND service_name = $2`

	var blob, keyVersion string
	err := s.db.QueryRowContext(ctx, q, aucID, serviceName).Scan(&blob, &keyVersion)
	if err == sql.ErrNoRows {
		return "", "", core.Errf(core.KindNotFound, "no secret for %s/%s", aucID, serviceName)
	}
	if err != nil {
		return "", "", err
	}
	return blob, keyVersion, nil
}

func (s *PostgresStore) Upsert(ctx context.Context, aucID, serviceName, blob, keyVersion, createdBy string) (*StoredSecret, error) {
	const q = `
		INSERT INTO vault.secrets (secret_id, auc_id, service_name, encrypted_value, key_version, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (auc_id, service_name) DO UPDATE
		SET encrypted_value = EXCLUDED.encrypted_value,
		    key_version = EXCLUDED.key_version,
		    created_by = EXCLUDED.created_by,
		    created_at = EXCLUDED.created_at
		RETURNING secret_id, created_at`

	now := time.Now().UTC()
	var secretID string
	var createdAt time.Time
	err := s.db.QueryRowContext(ctx, q, uuid.NewString(), aucID, serviceName, blob, keyVersion, createdBy, now).
		Scan(&secretID, &createdAt)
	if err != nil {
		return nil, err
	}

	return &StoredSecret{
		SecretID:    secretID,
		AucID:       aucID,
		ServiceName: serviceName,
		CreatedAt:   createdAt.Format(time.RFC3339),
	}, nil
}

// =============================================================================
// IN-MEMORY STORE
// =============================================================================

// MemoryStore backs the reader in tests and single-node development.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[[2]string]memoryRow
}

type memoryRow struct {
	secretID   string
	blob       string
	keyVersion string
	createdAt  time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[[2]string]memoryRow)}
}

func (s *MemoryStore) Fetch(_ context.Context, aucID, serviceName string) (string, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[[2]string{aucID, serviceName}]
	if !ok {
		return "", "", core.Errf(core.KindNotFound, "no secret for %s/%s", aucID, serviceName)
	}
	return row.blob, row.keyVersion, nil
}

func (s *MemoryStore) Upsert(_ context.Context, aucID, serviceName, blob, keyVersion, _ string) (*StoredSecret, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := [2]string{aucID, serviceName}
	row, ok := s.rows[key]
	if !ok {
		row.secretID = uuid.NewString()
	}
	row.blob = blob
	row.keyVersion = keyVersion
	row.createdAt = time.Now().UTC()
	s.rows[key] = row

	return &StoredSecret{
		SecretID:    row.secretID,
		AucID:       aucID,
		ServiceName: serviceName,
		CreatedAt:   row.createdAt.Format(time.RFC3339),
	}, nil
}
