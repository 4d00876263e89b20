package middleware

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/ports"
)

const envelopeKey = "__encrypted__"

// ErrInvalidKey is returned for keys that are not 32 bytes long.
var ErrInvalidKey = errors.New("encryption key must be 32 bytes (AES-256)")

// EncryptionConfig holds the keys for encryption and decryption.
type EncryptionConfig struct {
	// ActiveKey is the key used for encrypting new snapshots.
	ActiveKey []byte

	// FallbackKeys are tried when the active key cannot decrypt a snapshot,
	// so keys can be rotated without losing stored runs.
	FallbackKeys [][]byte
}

type encryptionMiddleware struct {
	next   ports.SnapshotStore
	config EncryptionConfig
}

// NewEncryptionMiddleware creates a middleware that seals run states with
// AES-GCM. Stored snapshots keep their key, sequence, run ID, stage, status
// and step in the clear so runs can still be listed and ordered.
func NewEncryptionMiddleware(config EncryptionConfig) (Middleware, error) {
	if len(config.ActiveKey) != 32 {
		return nil, ErrInvalidKey
	}
	for i, k := range config.FallbackKeys {
		if len(k) != 32 {
			return nil, fmt.Errorf("fallback key %d: %w", i, ErrInvalidKey)
		}
	}
	return func(next ports.SnapshotStore) ports.SnapshotStore {
		return &encryptionMiddleware{next: next, config: config}
	}, nil
}

// ParseKey decodes a base64 key.
func ParseKey(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode key: %w", err)
	}
	if len(key) != 32 {
		return nil, ErrInvalidKey
	}
	return key, nil
}

func (m *encryptionMiddleware) Save(ctx context.Context, snap domain.Snapshot) error {
	plainText, err := json.Marshal(snap.State)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	ciphertext, err := encrypt(plainText, m.config.ActiveKey)
	if err != nil {
		return fmt.Errorf("failed to encrypt state: %w", err)
	}

	envelope := domain.NewRunState(snap.State.RunID, snap.State.CurrentStage)
	envelope.Status = snap.State.Status
	envelope.Step = snap.State.Step
	envelope.StartedAt = snap.State.StartedAt
	envelope.UpdatedAt = snap.State.UpdatedAt
	envelope.Metadata[envelopeKey] = base64.StdEncoding.EncodeToString(ciphertext)

	snap.State = envelope
	return m.next.Save(ctx, snap)
}

func (m *encryptionMiddleware) Latest(ctx context.Context, runID string) (domain.Snapshot, error) {
	snap, err := m.next.Latest(ctx, runID)
	if err != nil {
		return snap, err
	}
	return m.open(snap)
}

func (m *encryptionMiddleware) Get(ctx context.Context, key domain.SnapshotKey) (domain.Snapshot, error) {
	snap, err := m.next.Get(ctx, key)
	if err != nil {
		return snap, err
	}
	return m.open(snap)
}

func (m *encryptionMiddleware) History(ctx context.Context, runID string) ([]domain.SnapshotKey, error) {
	return m.next.History(ctx, runID)
}

func (m *encryptionMiddleware) List(ctx context.Context) ([]string, error) {
	return m.next.List(ctx)
}

func (m *encryptionMiddleware) Delete(ctx context.Context, runID string) error {
	return m.next.Delete(ctx, runID)
}

func (m *encryptionMiddleware) open(snap domain.Snapshot) (domain.Snapshot, error) {
	if snap.State == nil {
		return snap, errors.New("snapshot has no state")
	}
	// Fail secure: a plain snapshot is not silently accepted.
	encoded, ok := snap.State.Metadata[envelopeKey].(string)
	if !ok {
		return snap, fmt.Errorf("snapshot %s is missing its encrypted envelope", snap.Key)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return snap, fmt.Errorf("failed to decode ciphertext base64: %w", err)
	}
	plainText, err := decryptWithRotation(ciphertext, m.config.ActiveKey, m.config.FallbackKeys)
	if err != nil {
		return snap, fmt.Errorf("failed to decrypt snapshot %s: %w", snap.Key, err)
	}

	var state domain.RunState
	if err := json.Unmarshal(plainText, &state); err != nil {
		return snap, fmt.Errorf("failed to unmarshal decrypted state: %w", err)
	}
	snap.State = &state
	return snap, nil
}

func encrypt(plaintext, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func decryptWithRotation(ciphertext, activeKey []byte, fallbackKeys [][]byte) ([]byte, error) {
	if plain, err := decrypt(ciphertext, activeKey); err == nil {
		return plain, nil
	}
	for _, key := range fallbackKeys {
		if plain, err := decrypt(ciphertext, key); err == nil {
			return plain, nil
		}
	}
	return nil, errors.New("decryption failed with all available keys")
}

func decrypt(ciphertext, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}
	nonce, body := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, body, nil)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
