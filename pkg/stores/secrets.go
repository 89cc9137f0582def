package stores

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
)

// SecretStore keeps credential payloads sealed with XChaCha20-Poly1305. The
// secret reference is bound to the ciphertext as additional data, so a sealed
// value copied to another row does not open.
type SecretStore struct {
	db   *sql.DB
	aead cipher.AEAD
}

// ParseSecretKey decodes a base64 encoded 32 byte key.
func ParseSecretKey(encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("secret key is not valid base64: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("secret key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return key, nil
}

// NewSecretStore creates a secret store on the database of s.
func NewSecretStore(s *SQLiteStore, key []byte) (*SecretStore, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not initialized")
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create secret cipher: %w", err)
	}
	return &SecretStore{db: s.db, aead: aead}, nil
}

// Get returns the opened secret stored under ref.
func (s *SecretStore) Get(ctx context.Context, ref string) ([]byte, error) {
	var sealed []byte
	err := s.db.QueryRowContext(ctx, `SELECT sealed FROM secrets WHERE ref = ?`, ref).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("secret %s: %w", ref, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get secret: %w", err)
	}

	return s.open(ref, sealed)
}

// Create stores a new secret under ref.
func (s *SecretStore) Create(ctx context.Context, ref string, secret []byte) error {
	sealed, err := s.seal(ref, secret)
	if err != nil {
		return err
	}

	now := time.Now().UnixMilli()
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO secrets (ref, sealed, created_at, updated_at) VALUES (?, ?, ?, ?) ON CONFLICT(ref) DO NOTHING`,
		ref, sealed, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to create secret: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("secret %s: %w", ref, ErrAlreadyExists)
	}

	return nil
}

// Update replaces the secret stored under ref.
func (s *SecretStore) Update(ctx context.Context, ref string, secret []byte) error {
	sealed, err := s.seal(ref, secret)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE secrets SET sealed = ?, updated_at = ? WHERE ref = ?`,
		sealed, time.Now().UnixMilli(), ref,
	)
	if err != nil {
		return fmt.Errorf("failed to update secret: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("secret %s: %w", ref, ErrNotFound)
	}

	return nil
}

func (s *SecretStore) seal(ref string, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, []byte(ref)), nil
}

func (s *SecretStore) open(ref string, sealed []byte) ([]byte, error) {
	if len(sealed) < s.aead.NonceSize() {
		return nil, fmt.Errorf("secret %s is corrupt", ref)
	}
	nonce, ciphertext := sealed[:s.aead.NonceSize()], sealed[s.aead.NonceSize():]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, []byte(ref))
	if err != nil {
		return nil, fmt.Errorf("failed to open secret %s: %w", ref, err)
	}
	return plaintext, nil
}
