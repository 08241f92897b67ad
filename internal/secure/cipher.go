// Package secure implements the password-based cipher used to protect the
// one sensitive user property (the password) at rest. It is a thin
// collaborator: the store calls Encrypt when serializing the property and
// Decrypt when reading it back.
package secure

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	saltLength = 16
	keyLength  = 32
	iterations = 4096
)

// Cipher derives an AES-256-GCM key per message from a shared secret via
// PBKDF2. Each ciphertext embeds its own random salt and nonce, so equal
// plaintexts never produce equal ciphertexts.
type Cipher struct {
	secret []byte
}

// NewCipher returns a cipher bound to the given secret. An empty secret is
// rejected so that a misconfigured store cannot silently persist plaintext.
func NewCipher(secret string) (*Cipher, error) {
	if secret == "" {
		return nil, errors.New("cipher secret must not be empty")
	}
	return &Cipher{secret: []byte(secret)}, nil
}

// Encrypt returns the base64 ciphertext of plaintext.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := c.aead(salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	payload := append(append(salt, nonce...), sealed...)
	return base64.StdEncoding.EncodeToString(payload), nil
}

// Decrypt reverses Encrypt.
func (c *Cipher) Decrypt(ciphertext string) (string, error) {
	payload, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	if len(payload) < saltLength {
		return "", errors.New("ciphertext too short")
	}

	salt := payload[:saltLength]
	gcm, err := c.aead(salt)
	if err != nil {
		return "", err
	}
	rest := payload[saltLength:]
	if len(rest) < gcm.NonceSize() {
		return "", errors.New("ciphertext too short")
	}

	nonce, sealed := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plain), nil
}

// Verify reports whether plaintext matches the given ciphertext.
func (c *Cipher) Verify(plaintext, ciphertext string) bool {
	decrypted, err := c.Decrypt(ciphertext)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(decrypted), []byte(plaintext)) == 1
}

func (c *Cipher) aead(salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(c.secret, salt, iterations, keyLength, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("initialize cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
