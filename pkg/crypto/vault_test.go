package crypto

import (
	"strings"
	"testing"
)

func newTestCipher(t *testing.T) *versionedCipher {
	t.Helper()
	key := make([]byte, KeySize)
	for i := range key {
		key[i] = byte(i)
	}
	c, err := newVersionedCipher(key, 1)
	if err != nil {
		t.Fatalf("newVersionedCipher: %v", err)
	}
	return c
}

func TestVersionedCipherRoundTrip(t *testing.T) {
	c := newTestCipher(t)

	tests := []struct {
		name      string
		plaintext string
	}{
		{"empty", ""},
		{"short", "hello"},
		{"api_key", "abc123XYZ789"},
		{"long", "this is a very long string standing in for an exchange API secret"},
		{"unicode", "测试 🔐"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ciphertext, err := c.seal(tt.plaintext)
			if err != nil {
				t.Fatalf("seal: %v", err)
			}
			if !strings.HasPrefix(ciphertext, "ENC[v1]:") {
				t.Errorf("ciphertext missing version prefix: %s", ciphertext)
			}
			decrypted, err := c.open(ciphertext)
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			if decrypted != tt.plaintext {
				t.Errorf("open = %q, want %q", decrypted, tt.plaintext)
			}
		})
	}
}

func TestVersionedCipherNonceVaries(t *testing.T) {
	c := newTestCipher(t)

	plaintext := "same-api-key"
	c1, _ := c.seal(plaintext)
	c2, _ := c.seal(plaintext)
	if c1 == c2 {
		t.Error("expected different ciphertexts for the same plaintext due to random nonce")
	}
}

func TestNewVersionedCipherRejectsShortKey(t *testing.T) {
	if _, err := newVersionedCipher([]byte("short"), 1); err != ErrInvalidKey {
		t.Errorf("expected ErrInvalidKey, got %v", err)
	}
}

func TestVersionedCipherOpenRejectsMalformedInput(t *testing.T) {
	c := newTestCipher(t)

	invalids := []string{
		"",
		"not-encrypted",
		"ENC[v1]:",           // empty payload
		"ENC[v1]:!!!invalid", // invalid base64
	}
	for _, invalid := range invalids {
		if _, err := c.open(invalid); err == nil {
			t.Errorf("expected error for invalid ciphertext: %s", invalid)
		}
	}
}
