// Package crypto encrypts exchange API credentials at rest for
// internal/gateway's connection pool. Nothing in the trading path reads a
// credential in cleartext outside a Gateway dial.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

const (
	// KeySize is the required size for an AES-256 key.
	KeySize = 32
	// nonceSize is the GCM nonce size.
	nonceSize = 12
	// versionPrefix formats the version tag stored alongside ciphertext.
	versionPrefix = "ENC[v%d]:"
)

var (
	ErrInvalidKey        = errors.New("invalid encryption key: must be 32 bytes")
	ErrInvalidCiphertext = errors.New("invalid ciphertext format")
	ErrDecryptionFailed  = errors.New("decryption failed")
	ErrKeyNotLoaded      = errors.New("credential vault not initialized")
)

// versionedCipher wraps one AES-256-GCM key tagged with the key version it
// was issued under, so a rotated key can still decrypt data sealed by its
// predecessor.
type versionedCipher struct {
	gcm     cipher.AEAD
	version int
}

func newVersionedCipher(key []byte, version int) (*versionedCipher, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &versionedCipher{gcm: gcm, version: version}, nil
}

// seal encrypts plaintext, returning "ENC[vN]:base64(nonce||ciphertext)".
func (c *versionedCipher) seal(plaintext string) (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := c.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return fmt.Sprintf(versionPrefix, c.version) + base64.StdEncoding.EncodeToString(sealed), nil
}

// open decrypts a value produced by seal.
func (c *versionedCipher) open(ciphertext string) (string, error) {
	encoded := stripVersionPrefix(ciphertext)
	if encoded == "" {
		return "", ErrInvalidCiphertext
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("base64 decode: %w", err)
	}
	if len(data) < nonceSize {
		return "", ErrInvalidCiphertext
	}
	nonce, sealed := data[:nonceSize], data[nonceSize:]
	plaintext, err := c.gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

func stripVersionPrefix(ciphertext string) string {
	if !strings.HasPrefix(ciphertext, "ENC[v") {
		return ""
	}
	idx := strings.Index(ciphertext, "]:")
	if idx == -1 {
		return ""
	}
	return ciphertext[idx+2:]
}

// ParseVersion extracts the key version tagged onto an encrypted value.
// Returns 0 if the format is invalid.
func ParseVersion(ciphertext string) int {
	var version int
	if _, err := fmt.Sscanf(ciphertext, "ENC[v%d]:", &version); err != nil {
		return 0
	}
	return version
}

// CredentialVault holds every loaded key version and always encrypts new
// data with the newest one, while still being able to decrypt values sealed
// under an older version — the standard read-old/write-new key rotation
// shape.
type CredentialVault struct {
	mu         sync.RWMutex
	currentVer int
	ciphers    map[int]*versionedCipher
}

// NewCredentialVault loads keys from environment variables following the
// pattern MASTER_ENCRYPTION_KEY (v1), MASTER_ENCRYPTION_KEY_V2, ... V10.
// Version 1 is required; later versions are optional and, once loaded,
// become the version new encryptions use.
func NewCredentialVault() (*CredentialVault, error) {
	v := &CredentialVault{ciphers: make(map[int]*versionedCipher)}

	if err := v.loadKey(1, "MASTER_ENCRYPTION_KEY"); err != nil {
		return nil, fmt.Errorf("load primary key: %w", err)
	}
	v.currentVer = 1

	for ver := 2; ver <= 10; ver++ {
		if err := v.loadKey(ver, fmt.Sprintf("MASTER_ENCRYPTION_KEY_V%d", ver)); err == nil {
			v.currentVer = ver
		}
	}
	return v, nil
}

func (v *CredentialVault) loadKey(version int, envName string) error {
	keyBase64 := os.Getenv(envName)
	if keyBase64 == "" {
		return fmt.Errorf("%s not set", envName)
	}
	key, err := base64.StdEncoding.DecodeString(keyBase64)
	if err != nil {
		return fmt.Errorf("decode key %s: %w", envName, err)
	}
	c, err := newVersionedCipher(key, version)
	if err != nil {
		return fmt.Errorf("build cipher v%d: %w", version, err)
	}
	v.ciphers[version] = c
	return nil
}

// Encrypt seals plaintext under the vault's current key version.
func (v *CredentialVault) Encrypt(plaintext string) (string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	c, ok := v.ciphers[v.currentVer]
	if !ok {
		return "", ErrKeyNotLoaded
	}
	return c.seal(plaintext)
}

// Decrypt opens ciphertext under whichever key version it was sealed with.
func (v *CredentialVault) Decrypt(ciphertext string) (string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	version := ParseVersion(ciphertext)
	if version == 0 {
		return "", ErrInvalidCiphertext
	}
	c, ok := v.ciphers[version]
	if !ok {
		return "", fmt.Errorf("key version %d not available", version)
	}
	return c.open(ciphertext)
}

// ReEncrypt decrypts under whatever version sealed ciphertext and reseals it
// under the current version — the migration step of a key rotation.
func (v *CredentialVault) ReEncrypt(ciphertext string) (string, error) {
	plaintext, err := v.Decrypt(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decrypt for re-encryption: %w", err)
	}
	return v.Encrypt(plaintext)
}

// CurrentVersion reports the key version new Encrypt calls use.
func (v *CredentialVault) CurrentVersion() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.currentVer
}

// HasVersion reports whether a specific key version is loaded.
func (v *CredentialVault) HasVersion(version int) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.ciphers[version]
	return ok
}

// GenerateKey returns a fresh base64-encoded AES-256 key suitable for
// MASTER_ENCRYPTION_KEY.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generate random key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
