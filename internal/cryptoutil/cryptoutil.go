// Package cryptoutil contains the hashing, token and sealing primitives used for
// signature non-repudiation.
package cryptoutil

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// SessionTokenBytes is the entropy carried by a signing session token.
	SessionTokenBytes = 64
	// MasterKeyLen is the required master key length.
	MasterKeyLen = chacha20poly1305.KeySize

	keyInfoPrefix = "deedsign/signature/"
)

var (
	ErrInvalidMasterKey = errors.New("cryptoutil: master key must be 32 bytes")
	ErrBlobTooShort     = errors.New("cryptoutil: sealed blob too short")
)

// RandomBytes returns n cryptographically secure random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// NewSessionToken returns an unguessable URL-safe token.
func NewSessionToken() (string, error) {
	raw, err := RandomBytes(SessionTokenBytes)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// NewNumericCode returns a uniformly distributed decimal code with the given digit count.
func NewNumericCode(digits int) (string, error) {
	if digits <= 0 || digits > 18 {
		return "", fmt.Errorf("cryptoutil: unsupported code length %d", digits)
	}
	limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(digits)), nil)
	value, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", digits, value.Int64()), nil
}

// SHA256Hex returns the lowercase hex SHA-256 digest of data.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ConstantTimeEqual compares two strings without leaking timing on content.
func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// ParseMasterKey decodes a base64 (standard or URL) 32-byte key.
func ParseMasterKey(encoded string) ([]byte, error) {
	trimmed := strings.TrimSpace(encoded)
	for _, encoding := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		decoded, err := encoding.DecodeString(trimmed)
		if err == nil {
			if len(decoded) != MasterKeyLen {
				return nil, ErrInvalidMasterKey
			}
			return decoded, nil
		}
	}
	return nil, ErrInvalidMasterKey
}

// Sealer encrypts payloads with per-record keys derived from a master key.
type Sealer struct {
	masterKey []byte
}

// NewSealer validates the master key and returns a Sealer.
func NewSealer(masterKey []byte) (*Sealer, error) {
	if len(masterKey) != MasterKeyLen {
		return nil, ErrInvalidMasterKey
	}
	return &Sealer{masterKey: append([]byte(nil), masterKey...)}, nil
}

// Seal encrypts plaintext with XChaCha20-Poly1305 under the key derived for recordID.
// The returned blob is nonce||ciphertext.
func (s *Sealer) Seal(recordID string, plaintext, aad []byte) ([]byte, error) {
	key, err := s.deriveKey(recordID)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce, err := RandomBytes(chacha20poly1305.NonceSizeX)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, nonce...)
	out = append(out, aead.Seal(nil, nonce, plaintext, aad)...)
	return out, nil
}

// Open decrypts a blob produced by Seal with the same recordID and aad.
func (s *Sealer) Open(recordID string, blob, aad []byte) ([]byte, error) {
	if len(blob) < chacha20poly1305.NonceSizeX {
		return nil, ErrBlobTooShort
	}
	key, err := s.deriveKey(recordID)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := blob[:chacha20poly1305.NonceSizeX]
	ciphertext := blob[chacha20poly1305.NonceSizeX:]
	return aead.Open(nil, nonce, ciphertext, aad)
}

func (s *Sealer) deriveKey(recordID string) ([]byte, error) {
	reader := hkdf.New(sha256.New, s.masterKey, nil, []byte(keyInfoPrefix+recordID))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := reader.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}
