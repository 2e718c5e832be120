// Package cipher encrypts data-repository credentials at rest.
//
// Ciphertexts are "v1$" followed by base64(salt || nonce || sealed), where the
// AES-256-GCM key is derived from the service secret with PBKDF2-SHA256.
package cipher

import (
	"context"
	"crypto/aes"
	stdcipher "crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

var (
	ErrMalformedCiphertext = errors.New("malformed ciphertext")
	ErrDecrypt             = errors.New("decrypt failed")
)

const (
	prefix   = "v1$"
	saltSize = 16
	keySize  = 32

	DefaultIterations = 100_000
)

// Cipher turns plaintext credentials into storable strings and back.
type Cipher interface {
	Encrypt(ctx context.Context, secret string, plaintext []byte) (string, error)
	Decrypt(ctx context.Context, secret string, ciphertext string) ([]byte, error)
}

type PBKDF2AESGCM struct {
	Iterations int
}

func New(iterations int) *PBKDF2AESGCM {
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	return &PBKDF2AESGCM{Iterations: iterations}
}

func (c *PBKDF2AESGCM) iterations() int {
	if c == nil || c.Iterations <= 0 {
		return DefaultIterations
	}
	return c.Iterations
}

func (c *PBKDF2AESGCM) Encrypt(ctx context.Context, secret string, plaintext []byte) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("cipher secret is required")
	}
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("read salt: %w", err)
	}
	aead, err := c.aead(secret, salt)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	blob := make([]byte, 0, saltSize+len(nonce)+len(plaintext)+aead.Overhead())
	blob = append(blob, salt...)
	blob = append(blob, nonce...)
	blob = aead.Seal(blob, nonce, plaintext, nil)
	return prefix + base64.StdEncoding.EncodeToString(blob), nil
}

func (c *PBKDF2AESGCM) Decrypt(ctx context.Context, secret string, ciphertext string) ([]byte, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("cipher secret is required")
	}
	encoded, ok := strings.CutPrefix(strings.TrimSpace(ciphertext), prefix)
	if !ok {
		return nil, fmt.Errorf("%w: missing version prefix", ErrMalformedCiphertext)
	}
	blob, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCiphertext, err)
	}
	if len(blob) < saltSize {
		return nil, fmt.Errorf("%w: too short", ErrMalformedCiphertext)
	}
	aead, err := c.aead(secret, blob[:saltSize])
	if err != nil {
		return nil, err
	}
	rest := blob[saltSize:]
	if len(rest) < aead.NonceSize()+aead.Overhead() {
		return nil, fmt.Errorf("%w: too short", ErrMalformedCiphertext)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, rest[:aead.NonceSize()], rest[aead.NonceSize():], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return plaintext, nil
}

func (c *PBKDF2AESGCM) aead(secret string, salt []byte) (stdcipher.AEAD, error) {
	key := pbkdf2.Key([]byte(secret), salt, c.iterations(), keySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes: %w", err)
	}
	aead, err := stdcipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return aead, nil
}
