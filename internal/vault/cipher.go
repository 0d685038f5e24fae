// Package vault provides encryption at rest for provider credentials. OAuth
// tokens are far more sensitive than anything else this service stores: they
// grant read access to every document the connected account can reach, so a
// leaked token exposes an entire corporate drive. AES-256-GCM is used because
// it provides both confidentiality and authenticated integrity, ensuring
// stored credentials cannot be silently tampered with even if the database is
// partially compromised.
//
// Two layers of keys are involved. The master key-encryption key (KEK) comes
// from the environment and never touches the database. Versioned data keys are
// generated by the service, sealed under the KEK, and stored in the
// encryption_keys table; every envelope records which data key version sealed
// it so old ciphertexts survive rotation.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

var (
	// ErrKeyLengthInvalid is returned when a key is not exactly 32 bytes (required for AES-256).
	ErrKeyLengthInvalid = errors.New("vault: key must be exactly 32 bytes for AES-256")
	// ErrCiphertextCorrupted is returned when ciphertext fails base64 decoding or is structurally invalid.
	ErrCiphertextCorrupted = errors.New("vault: ciphertext is corrupted or tampered")
	// ErrSaltTooShort is returned when the provided salt is fewer than 16 bytes, which would weaken PBKDF2 key derivation.
	ErrSaltTooShort = errors.New("vault: salt must be at least 16 bytes")

	errAuthFailed = errors.New("vault: authentication failed")
)

// Cipher performs AES-256-GCM authenticated encryption with a fixed key.
// It is the primitive under both the master KEK and each data key.
type Cipher struct {
	key []byte
}

// NewCipher creates a cipher with a 32-byte key
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != 32 {
		return nil, ErrKeyLengthInvalid
	}
	keyCopy := make([]byte, 32)
	copy(keyCopy, key)
	return &Cipher{key: keyCopy}, nil
}

// DeriveCipher creates a cipher by deriving a key from a passphrase
func DeriveCipher(passphrase string, salt []byte, iterations int) (*Cipher, error) {
	if len(salt) < 16 {
		return nil, ErrSaltTooShort
	}
	if iterations < 10000 {
		iterations = 100000 // Secure default
	}
	derivedKey := pbkdf2.Key([]byte(passphrase), salt, iterations, 32, sha256.New)
	return NewCipher(derivedKey)
}

// seal encrypts plaintext and returns the nonce and ciphertext separately
func (c *Cipher) seal(plaintext []byte) (nonce, ciphertext []byte, err error) {
	blockCipher, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, nil, err
	}

	aead, err := cipher.NewGCM(blockCipher)
	if err != nil {
		return nil, nil, err
	}

	nonce = make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, err
	}

	return nonce, aead.Seal(nil, nonce, plaintext, nil), nil
}

// open decrypts ciphertext with the given nonce
func (c *Cipher) open(nonce, ciphertext []byte) ([]byte, error) {
	blockCipher, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, err
	}

	aead, err := cipher.NewGCM(blockCipher)
	if err != nil {
		return nil, err
	}

	if len(nonce) != aead.NonceSize() {
		return nil, ErrCiphertextCorrupted
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, errAuthFailed
	}
	return plaintext, nil
}

// Seal encrypts plaintext and returns a base64-encoded nonce-prefixed
// ciphertext. Used for sealing data keys under the master KEK, where no
// envelope bookkeeping is needed.
func (c *Cipher) Seal(plaintext []byte) (string, error) {
	nonce, ciphertext, err := c.seal(plaintext)
	if err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(append(nonce, ciphertext...)), nil
}

// Open decrypts a base64-encoded nonce-prefixed ciphertext produced by Seal
func (c *Cipher) Open(encoded string) ([]byte, error) {
	sealed, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, ErrCiphertextCorrupted
	}

	blockCipher, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(blockCipher)
	if err != nil {
		return nil, err
	}

	nonceLen := aead.NonceSize()
	if len(sealed) < nonceLen {
		return nil, ErrCiphertextCorrupted
	}

	plaintext, err := aead.Open(nil, sealed[:nonceLen], sealed[nonceLen:], nil)
	if err != nil {
		return nil, errAuthFailed
	}
	return plaintext, nil
}

// GenerateKey creates a cryptographically secure random 32-byte key
func GenerateKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

// GenerateSalt creates a cryptographically secure random salt
func GenerateSalt(length int) ([]byte, error) {
	if length < 16 {
		length = 16
	}
	salt := make([]byte, length)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}
	return salt, nil
}
