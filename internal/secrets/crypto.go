package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	keyLen     = 32 // AES-256
	nonceLen   = 12 // GCM standard nonce
	tagLen     = 16
	hashSalt   = 16
	hashIter   = 100_000
	hashKeyLen = 64
)

// ErrIntegrity is returned when a token fails authentication or is not in
// the expected iv:tag:ciphertext format. A token that fails this way must
// never be treated as plaintext.
var ErrIntegrity = errors.New("secrets: ciphertext integrity check failed")

// Box performs authenticated symmetric encryption of credentials at rest.
// Each Encrypt call draws a fresh nonce, so equal plaintexts produce
// different tokens.
type Box struct {
	key []byte
}

// NewBox builds a Box from a hex-encoded 256-bit key.
func NewBox(hexKey string) (*Box, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decode encryption key: %w", err)
	}
	if len(key) != keyLen {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", keyLen, len(key))
	}
	return &Box{key: key}, nil
}

// NewRandomBox builds a Box with an ephemeral random key. Tokens do not
// survive a restart; intended for development and tests.
func NewRandomBox() *Box {
	key := make([]byte, keyLen)
	if _, err := rand.Read(key); err != nil {
		panic(fmt.Sprintf("secrets: read random key: %v", err))
	}
	return &Box{key: key}
}

// Encrypt seals plaintext into an opaque iv:tag:ciphertext hex token.
func (b *Box) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(b.key)
	if err != nil {
		return "", fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("new gcm: %w", err)
	}

	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	ct, tag := sealed[:len(sealed)-tagLen], sealed[len(sealed)-tagLen:]

	return fmt.Sprintf("%s:%s:%s",
		hex.EncodeToString(nonce),
		hex.EncodeToString(tag),
		hex.EncodeToString(ct),
	), nil
}

// Decrypt opens a token produced by Encrypt. Any tampering or format
// violation yields ErrIntegrity.
func (b *Box) Decrypt(token string) (string, error) {
	parts := strings.Split(token, ":")
	if len(parts) != 3 {
		return "", ErrIntegrity
	}
	nonce, err := hex.DecodeString(parts[0])
	if err != nil || len(nonce) != nonceLen {
		return "", ErrIntegrity
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil || len(tag) != tagLen {
		return "", ErrIntegrity
	}
	ct, err := hex.DecodeString(parts[2])
	if err != nil {
		return "", ErrIntegrity
	}

	block, err := aes.NewCipher(b.key)
	if err != nil {
		return "", fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("new gcm: %w", err)
	}

	plaintext, err := gcm.Open(nil, nonce, append(ct, tag...), nil)
	if err != nil {
		return "", ErrIntegrity
	}
	return string(plaintext), nil
}

// HashSecret derives a one-way salted salt:hash token for secondary secrets
// such as issued API keys.
func HashSecret(secret string) string {
	salt := make([]byte, hashSalt)
	if _, err := rand.Read(salt); err != nil {
		panic(fmt.Sprintf("secrets: read salt: %v", err))
	}
	hash := pbkdf2.Key([]byte(secret), salt, hashIter, hashKeyLen, sha512.New)
	return fmt.Sprintf("%s:%s", hex.EncodeToString(salt), hex.EncodeToString(hash))
}

// VerifySecret checks a secret against a salt:hash token in constant time.
func VerifySecret(secret, stored string) bool {
	parts := strings.Split(stored, ":")
	if len(parts) != 2 {
		return false
	}
	salt, err := hex.DecodeString(parts[0])
	if err != nil {
		return false
	}
	want, err := hex.DecodeString(parts[1])
	if err != nil {
		return false
	}
	got := pbkdf2.Key([]byte(secret), salt, hashIter, hashKeyLen, sha512.New)
	return subtle.ConstantTimeCompare(got, want) == 1
}

// SecureCompare compares two strings without leaking position information.
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// GenerateToken returns n random bytes hex-encoded.
func GenerateToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
