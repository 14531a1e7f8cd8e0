// Package vault encrypts OAuth tokens before they are written to the database.
//
// CIPHER:
// XChaCha20-Poly1305 is an AEAD: it encrypts AND authenticates. A flipped bit
// anywhere in the stored value makes Open fail instead of returning garbage.
// The 24-byte nonce is large enough to pick at random for every call, so no
// counter has to be persisted.
//
// STORED FORMAT:
//
//	base64url( nonce[24] || ciphertext || tag[16] )
//
// base64url without padding keeps the value safe in TEXT columns and logs.
package vault

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/akumotech/student-tracker/internal/apperror"
)

// Vault holds the process-wide token key. It is read-only after New and safe
// for concurrent use.
type Vault struct {
	key []byte
}

// New parses a 32-byte key given as base64 (standard or URL alphabet, padded
// or not) or as 64 hex characters.
//
// Generate one with:
//
//	openssl rand -base64 32
func New(key string) (*Vault, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, apperror.Configuration("vault.key", "is required")
	}

	raw, err := decodeKey(key)
	if err != nil {
		return nil, apperror.Configuration("vault.key", err.Error())
	}

	// Fail here, not on the first Encrypt call.
	if _, err := chacha20poly1305.NewX(raw); err != nil {
		return nil, apperror.Configuration("vault.key", err.Error())
	}

	return &Vault{key: raw}, nil
}

func decodeKey(key string) ([]byte, error) {
	if len(key) == 2*chacha20poly1305.KeySize {
		if raw, err := hex.DecodeString(key); err == nil {
			return raw, nil
		}
	}

	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		raw, err := enc.DecodeString(key)
		if err != nil {
			continue
		}
		if len(raw) != chacha20poly1305.KeySize {
			return nil, fmt.Errorf("must decode to %d bytes, got %d", chacha20poly1305.KeySize, len(raw))
		}
		return raw, nil
	}

	return nil, errors.New("must be base64 or hex encoded")
}

// Encrypt seals plaintext under a fresh random nonce.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return "", fmt.Errorf("vault: creating cipher: %w", err)
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX, chacha20poly1305.NonceSizeX+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("vault: generating nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Every failure, whether bad encoding, a short
// value or a failed tag check, is reported as apperror.ErrCorruptedCredential.
func (v *Vault) Decrypt(ciphertext string) (string, error) {
	sealed, err := base64.RawURLEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", apperror.CorruptedCredential(fmt.Errorf("vault: decoding: %w", err))
	}

	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return "", fmt.Errorf("vault: creating cipher: %w", err)
	}

	if len(sealed) < chacha20poly1305.NonceSizeX+aead.Overhead() {
		return "", apperror.CorruptedCredential(errors.New("vault: ciphertext too short"))
	}

	nonce, box := sealed[:chacha20poly1305.NonceSizeX], sealed[chacha20poly1305.NonceSizeX:]
	plain, err := aead.Open(nil, nonce, box, nil)
	if err != nil {
		return "", apperror.CorruptedCredential(fmt.Errorf("vault: opening: %w", err))
	}

	return string(plain), nil
}
