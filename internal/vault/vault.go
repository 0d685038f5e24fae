package vault

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/cloudsync/cloudsync/internal/db/models"
)

// envelopePrefix versions the on-disk envelope format.
const envelopePrefix = "cs1"

// Classification values accepted by Encrypt.
const (
	ClassificationCredentials = "credentials"
)

// DecryptionError is returned when an envelope cannot be decrypted: unknown
// key version, corrupt ciphertext, or failed GCM authentication. Callers must
// treat it as terminal; retrying cannot succeed.
type DecryptionError struct {
	KeyName    string
	KeyVersion int
	Reason     string
	Err        error
}

func (e *DecryptionError) Error() string {
	if e.KeyName != "" {
		return fmt.Sprintf("vault: decryption failed (key %s v%d): %s", e.KeyName, e.KeyVersion, e.Reason)
	}
	return fmt.Sprintf("vault: decryption failed: %s", e.Reason)
}

func (e *DecryptionError) Unwrap() error { return e.Err }

// Envelope is the parsed form of an encrypted value. The wire form stored in
// a single text column is:
//
//	cs1:<key_name>:<version>:<base64url(iv)>:<base64url(content)>
type Envelope struct {
	KeyName    string
	KeyVersion int
	IV         []byte
	Content    []byte
}

// Encode serializes the envelope to its single-column text form
func (e *Envelope) Encode() string {
	return strings.Join([]string{
		envelopePrefix,
		e.KeyName,
		strconv.Itoa(e.KeyVersion),
		base64.URLEncoding.EncodeToString(e.IV),
		base64.URLEncoding.EncodeToString(e.Content),
	}, ":")
}

// ParseEnvelope parses the single-column text form back into an Envelope
func ParseEnvelope(s string) (*Envelope, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 5 || parts[0] != envelopePrefix {
		return nil, &DecryptionError{Reason: "malformed envelope", Err: ErrCiphertextCorrupted}
	}
	version, err := strconv.Atoi(parts[2])
	if err != nil {
		return nil, &DecryptionError{KeyName: parts[1], Reason: "malformed key version", Err: ErrCiphertextCorrupted}
	}
	iv, err := base64.URLEncoding.DecodeString(parts[3])
	if err != nil {
		return nil, &DecryptionError{KeyName: parts[1], KeyVersion: version, Reason: "malformed iv", Err: ErrCiphertextCorrupted}
	}
	content, err := base64.URLEncoding.DecodeString(parts[4])
	if err != nil {
		return nil, &DecryptionError{KeyName: parts[1], KeyVersion: version, Reason: "malformed content", Err: ErrCiphertextCorrupted}
	}
	return &Envelope{KeyName: parts[1], KeyVersion: version, IV: iv, Content: content}, nil
}

// KeyStore is the subset of key persistence the vault needs.
// *repositories.KeyRepository satisfies it.
type KeyStore interface {
	GetActive(ctx context.Context, keyName string) (*models.EncryptionKey, error)
	GetActiveByClassification(ctx context.Context, classification string) (*models.EncryptionKey, error)
	GetVersion(ctx context.Context, keyName string, version int) (*models.EncryptionKey, error)
	ActivateNewVersion(ctx context.Context, keyName, sealedMaterial, classification string) (*models.EncryptionKey, error)
}

// Vault encrypts and decrypts sensitive values with versioned data keys.
// Unsealed data keys are cached per (key name, version); the cache is safe
// because key material for an existing version never changes.
type Vault struct {
	keys   KeyStore
	master *Cipher

	mu    sync.RWMutex
	cache map[string]*Cipher // "name\x00version" -> data key cipher
}

// New creates a Vault backed by the given key store and master KEK cipher
func New(keys KeyStore, master *Cipher) *Vault {
	return &Vault{
		keys:   keys,
		master: master,
		cache:  make(map[string]*Cipher),
	}
}

func cacheKey(name string, version int) string {
	return name + "\x00" + strconv.Itoa(version)
}

// EnsureKey creates version 1 of a named key if no version exists yet.
// Called at startup for every managed key so Encrypt never races key creation.
func (v *Vault) EnsureKey(ctx context.Context, keyName, classification string) error {
	existing, err := v.keys.GetActive(ctx, keyName)
	if err != nil {
		return fmt.Errorf("vault: failed to look up key %s: %w", keyName, err)
	}
	if existing != nil {
		return nil
	}

	material, err := GenerateKey()
	if err != nil {
		return fmt.Errorf("vault: failed to generate data key: %w", err)
	}
	sealed, err := v.master.Seal(material)
	if err != nil {
		return fmt.Errorf("vault: failed to seal data key: %w", err)
	}
	if _, err := v.keys.ActivateNewVersion(ctx, keyName, sealed, classification); err != nil {
		return fmt.Errorf("vault: failed to store data key %s: %w", keyName, err)
	}
	return nil
}

// RotateKey generates fresh key material and activates it as the next version
// of the named key. Older versions stay decryptable; new Encrypt calls pick up
// the new version immediately.
func (v *Vault) RotateKey(ctx context.Context, keyName, classification string) (*models.EncryptionKey, error) {
	material, err := GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("vault: failed to generate data key: %w", err)
	}
	sealed, err := v.master.Seal(material)
	if err != nil {
		return nil, fmt.Errorf("vault: failed to seal data key: %w", err)
	}
	key, err := v.keys.ActivateNewVersion(ctx, keyName, sealed, classification)
	if err != nil {
		return nil, fmt.Errorf("vault: failed to activate new version of %s: %w", keyName, err)
	}
	return key, nil
}

// Encrypt encrypts plaintext under the active data key for the given
// classification and returns the encoded envelope.
func (v *Vault) Encrypt(ctx context.Context, plaintext, classification string) (string, error) {
	key, err := v.keys.GetActiveByClassification(ctx, classification)
	if err != nil {
		return "", fmt.Errorf("vault: failed to look up active key for %s: %w", classification, err)
	}
	if key == nil {
		return "", fmt.Errorf("vault: no active key for classification %s", classification)
	}

	dataCipher, err := v.dataCipher(key)
	if err != nil {
		return "", err
	}

	iv, content, err := dataCipher.seal([]byte(plaintext))
	if err != nil {
		return "", fmt.Errorf("vault: encryption failed: %w", err)
	}

	env := &Envelope{KeyName: key.KeyName, KeyVersion: key.Version, IV: iv, Content: content}
	return env.Encode(), nil
}

// Decrypt parses an encoded envelope and decrypts it with the recorded key
// version. Returns *DecryptionError for unknown versions, corrupt envelopes,
// and authentication failures.
func (v *Vault) Decrypt(ctx context.Context, encoded string) (string, error) {
	env, err := ParseEnvelope(encoded)
	if err != nil {
		return "", err
	}

	v.mu.RLock()
	dataCipher := v.cache[cacheKey(env.KeyName, env.KeyVersion)]
	v.mu.RUnlock()

	if dataCipher == nil {
		key, err := v.keys.GetVersion(ctx, env.KeyName, env.KeyVersion)
		if err != nil {
			return "", fmt.Errorf("vault: failed to look up key %s v%d: %w", env.KeyName, env.KeyVersion, err)
		}
		if key == nil {
			return "", &DecryptionError{KeyName: env.KeyName, KeyVersion: env.KeyVersion, Reason: "unknown key version"}
		}
		dataCipher, err = v.dataCipher(key)
		if err != nil {
			return "", err
		}
	}

	plaintext, err := dataCipher.open(env.IV, env.Content)
	if err != nil {
		return "", &DecryptionError{KeyName: env.KeyName, KeyVersion: env.KeyVersion, Reason: "authentication failed", Err: err}
	}
	return string(plaintext), nil
}

// ReEncrypt decrypts an envelope and re-encrypts the plaintext under the
// current active key for the classification. Used by key rotation.
func (v *Vault) ReEncrypt(ctx context.Context, encoded, classification string) (string, error) {
	plaintext, err := v.Decrypt(ctx, encoded)
	if err != nil {
		return "", err
	}
	return v.Encrypt(ctx, plaintext, classification)
}

// dataCipher unseals a stored key record into a ready cipher, caching it
func (v *Vault) dataCipher(key *models.EncryptionKey) (*Cipher, error) {
	ck := cacheKey(key.KeyName, key.Version)

	v.mu.RLock()
	cached := v.cache[ck]
	v.mu.RUnlock()
	if cached != nil {
		return cached, nil
	}

	material, err := v.master.Open(key.KeyMaterial)
	if err != nil {
		return nil, &DecryptionError{KeyName: key.KeyName, KeyVersion: key.Version, Reason: "failed to unseal data key", Err: err}
	}
	dataCipher, err := NewCipher(material)
	if err != nil {
		return nil, &DecryptionError{KeyName: key.KeyName, KeyVersion: key.Version, Reason: "invalid data key material", Err: err}
	}

	v.mu.Lock()
	v.cache[ck] = dataCipher
	v.mu.Unlock()
	return dataCipher, nil
}
