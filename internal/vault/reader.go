package vault

import (
	"context"
	"sync"

	"github.com/ocx/inference-gateway/internal/core"
)

// SecretMaterial is decrypted key material scoped to one request. The
// owning handler must defer Close on every exit path; Close zeroes the
// buffer and is safe to call twice. The bytes must never be copied into a
// longer-lived container, logged, or placed in telemetry.
type SecretMaterial struct {
	mu    sync.Mutex
	bytes []byte
}

// Bytes returns the clear-text material. Invalid after Close.
func (m *SecretMaterial) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bytes
}

// Close zeroes and releases the material.
func (m *SecretMaterial) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.bytes {
		m.bytes[i] = 0
	}
	m.bytes = nil
}

// StoredSecret is the non-sensitive row metadata returned by writes.
type StoredSecret struct {
	SecretID    string `json:"secret_id"`
	AucID       string `json:"auc_id"`
	ServiceName string `json:"service_name"`
	CreatedAt   string `json:"created_at"`
}

// RowStore persists ciphertext rows keyed by (auc_id, service_name).
type RowStore interface {
	// Fetch returns the base64 blob and key version, or core.KindNotFound.
	Fetch(ctx context.Context, aucID, serviceName string) (blob, keyVersion string, err error)

	// Upsert inserts or replaces the row and returns its metadata.
	Upsert(ctx context.Context, aucID, serviceName, blob, keyVersion, createdBy string) (*StoredSecret, error)
}

// Reader is the request-scope secret resolver.
type Reader struct {
	store  RowStore
	crypto *Crypto
}

func NewReader(store RowStore, crypto *Crypto) *Reader {
	return &Reader{store: store, crypto: crypto}
}

// Lookup fetches and decrypts the secret for (projectID, serviceName).
// The returned material belongs to the calling handler frame.
func (r *Reader) Lookup(ctx context.Context, projectID, serviceName string) (*SecretMaterial, error) {
	blob, _, err := r.store.Fetch(ctx, projectID, serviceName)
	if err != nil {
		if core.IsKind(err, core.KindNotFound) {
			return nil, core.Errf(core.KindNotFound, "API key not configured for %s in this project", serviceName)
		}
		return nil, core.Wrap(core.KindUnavailable, "secure vault access failed", err)
	}

	plaintext, err := r.crypto.Decrypt(blob)
	if err != nil {
		// Tag mismatch or malformed row: a deployment problem, never a
		// caller problem.
		return nil, core.Wrap(core.KindConfiguration, "secure vault access failed", err)
	}

	return &SecretMaterial{bytes: plaintext}, nil
}

// Store encrypts rawKey and upserts the row. The plaintext is zeroed
// before return and never echoed back.
func (r *Reader) Store(ctx context.Context, projectID, serviceName string, rawKey []byte, createdBy string) (*StoredSecret, error) {
	blob, err := r.crypto.Encrypt(rawKey)
	for i := range rawKey {
		rawKey[i] = 0
	}
	if err != nil {
		return nil, core.Wrap(core.KindInternal, "failed to securely store secret", err)
	}

	stored, err := r.store.Upsert(ctx, projectID, serviceName, blob, KeyVersion, createdBy)
	if err != nil {
		return nil, core.Wrap(core.KindUnavailable, "failed to securely store secret", err)
	}
	return stored, nil
}
