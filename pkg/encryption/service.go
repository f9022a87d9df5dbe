// Package encryption provides the encrypted JSON envelope for sensitive
// columns (community server credentials, webhook secrets).
//
// Values are sealed app-side with NaCl secretbox (XSalsa20-Poly1305) so the
// database only ever sees `{"encrypted": "<base64 nonce||box>"}` — plaintext
// never crosses the wire or lands at rest.
package encryption

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/opennotes-dev/opennotes-server/internal/config"
	"github.com/opennotes-dev/opennotes-server/pkg/logger"
)

// Common errors
var (
	ErrKeyNotConfigured = errors.New("encryption key not configured")
	ErrDecryptionFailed = errors.New("failed to decrypt data")
	ErrInvalidKey       = errors.New("encryption key must be 32 bytes, base64-encoded")
)

const nonceSize = 24

// envelope is the stored JSON shape.
type envelope struct {
	Encrypted string `json:"encrypted"`
}

// Service seals and opens JSON values with a process-wide symmetric key.
type Service struct {
	log     *slog.Logger
	key     [32]byte
	enabled bool
}

// NewService creates the encryption service from CREDENTIALS_ENCRYPTION_KEY.
// An empty key disables encryption: Encrypt and Decrypt then fail with
// ErrKeyNotConfigured so callers cannot silently store plaintext.
func NewService(cfg *config.Config, log *slog.Logger) (*Service, error) {
	svc := &Service{log: log.With(logger.Scope("encryption"))}

	raw := cfg.Encryption.Key
	if raw == "" {
		if cfg.Environment == "production" {
			svc.log.Error("CREDENTIALS_ENCRYPTION_KEY is required in production")
		} else {
			svc.log.Warn("CREDENTIALS_ENCRYPTION_KEY not set, credential encryption disabled")
		}
		return svc, nil
	}

	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil || len(key) != 32 {
		return nil, ErrInvalidKey
	}
	copy(svc.key[:], key)
	svc.enabled = true
	return svc, nil
}

// NewServiceWithKey creates a service from a raw 32-byte key. Used by tests.
func NewServiceWithKey(key [32]byte, log *slog.Logger) *Service {
	return &Service{log: log, key: key, enabled: true}
}

// IsConfigured returns true if a key is loaded.
func (s *Service) IsConfigured() bool {
	return s.enabled
}

// EncryptJSON marshals v and seals it into the stored envelope. A nil value
// round-trips to nil (the column stays NULL-equivalent).
func (s *Service) EncryptJSON(v any) (json.RawMessage, error) {
	if !s.enabled {
		return nil, ErrKeyNotConfigured
	}
	if v == nil {
		return nil, nil
	}

	plaintext, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal plaintext: %w", err)
	}

	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	sealed := secretbox.Seal(nonce[:], plaintext, &nonce, &s.key)
	return json.Marshal(envelope{Encrypted: base64.StdEncoding.EncodeToString(sealed)})
}

// DecryptJSON opens a stored envelope into dst. Empty or nil input leaves
// dst untouched and returns false.
func (s *Service) DecryptJSON(raw json.RawMessage, dst any) (bool, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return false, nil
	}
	if !s.enabled {
		return false, ErrKeyNotConfigured
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Encrypted == "" {
		return false, ErrDecryptionFailed
	}

	sealed, err := base64.StdEncoding.DecodeString(env.Encrypted)
	if err != nil || len(sealed) < nonceSize {
		return false, ErrDecryptionFailed
	}

	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])

	plaintext, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &s.key)
	if !ok {
		return false, ErrDecryptionFailed
	}

	if err := json.Unmarshal(plaintext, dst); err != nil {
		return false, fmt.Errorf("unmarshal plaintext: %w", err)
	}
	return true, nil
}
