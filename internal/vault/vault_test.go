package vault

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akumotech/student-tracker/internal/apperror"
)

func testKey() string {
	return base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))
}

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	v, err := New(testKey())
	require.NoError(t, err)
	return v
}

func TestNew_AcceptsKeyEncodings(t *testing.T) {
	raw := []byte("0123456789abcdef0123456789abcdef")

	tests := []struct {
		name string
		key  string
	}{
		{"standard base64", base64.StdEncoding.EncodeToString(raw)},
		{"raw url base64", base64.RawURLEncoding.EncodeToString(raw)},
		{"hex", hex.EncodeToString(raw)},
		{"surrounding whitespace", "  " + base64.StdEncoding.EncodeToString(raw) + "\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := New(tt.key)
			require.NoError(t, err)
			assert.Equal(t, raw, v.key)
		})
	}
}

func TestNew_RejectsBadKeys(t *testing.T) {
	tests := []struct {
		name string
		key  string
	}{
		{"empty", ""},
		{"too short", base64.StdEncoding.EncodeToString([]byte("short"))},
		{"not encoded", "this is not a key!"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.key)
			require.Error(t, err)
			assert.True(t, errors.Is(err, apperror.ErrConfiguration), "got %v", err)
		})
	}
}

func TestRoundTrip(t *testing.T) {
	v := newTestVault(t)

	tests := []struct {
		name  string
		plain string
	}{
		{"empty", ""},
		{"typical access token", "waka_tok_3f9a1c2e7b"},
		{"unicode", "tøken-✓"},
		{"long provider token", strings.Repeat("x", 4096)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ct, err := v.Encrypt(tt.plain)
			require.NoError(t, err)
			assert.NotContains(t, ct, "=")

			got, err := v.Decrypt(ct)
			require.NoError(t, err)
			assert.Equal(t, tt.plain, got)
		})
	}
}

func TestEncrypt_FreshNonceEachCall(t *testing.T) {
	v := newTestVault(t)

	a, err := v.Encrypt("same")
	require.NoError(t, err)
	b, err := v.Encrypt("same")
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestDecrypt_Corrupted(t *testing.T) {
	v := newTestVault(t)
	ct, err := v.Encrypt("secret-token")
	require.NoError(t, err)

	raw, err := base64.RawURLEncoding.DecodeString(ct)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0x01
	tampered := base64.RawURLEncoding.EncodeToString(raw)

	other, err := New(hex.EncodeToString([]byte("ffffffffffffffffffffffffffffffff")))
	require.NoError(t, err)

	tests := []struct {
		name  string
		vault *Vault
		input string
	}{
		{"tampered tag", v, tampered},
		{"not base64", v, "%%%"},
		{"too short", v, base64.RawURLEncoding.EncodeToString([]byte("abc"))},
		{"wrong key", other, ct},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.vault.Decrypt(tt.input)
			require.Error(t, err)
			assert.ErrorIs(t, err, apperror.ErrCorruptedCredential)
			assert.ErrorIs(t, err, apperror.ErrReauthorizationRequired)
		})
	}
}
