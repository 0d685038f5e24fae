package vault

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/cloudsync/cloudsync/internal/db/models"
)

// fakeKeyStore is an in-memory KeyStore for vault tests.
type fakeKeyStore struct {
	keys []*models.EncryptionKey
	err  error
}

func (f *fakeKeyStore) GetActive(_ context.Context, keyName string) (*models.EncryptionKey, error) {
	if f.err != nil {
		return nil, f.err
	}
	for _, k := range f.keys {
		if k.KeyName == keyName && k.IsActive {
			return k, nil
		}
	}
	return nil, nil
}

func (f *fakeKeyStore) GetActiveByClassification(_ context.Context, classification string) (*models.EncryptionKey, error) {
	if f.err != nil {
		return nil, f.err
	}
	for _, k := range f.keys {
		if k.Classification == classification && k.IsActive {
			return k, nil
		}
	}
	return nil, nil
}

func (f *fakeKeyStore) GetVersion(_ context.Context, keyName string, version int) (*models.EncryptionKey, error) {
	if f.err != nil {
		return nil, f.err
	}
	for _, k := range f.keys {
		if k.KeyName == keyName && k.Version == version {
			return k, nil
		}
	}
	return nil, nil
}

func (f *fakeKeyStore) ActivateNewVersion(_ context.Context, keyName, sealedMaterial, classification string) (*models.EncryptionKey, error) {
	if f.err != nil {
		return nil, f.err
	}
	maxVersion := 0
	for _, k := range f.keys {
		if k.KeyName == keyName {
			if k.Version > maxVersion {
				maxVersion = k.Version
			}
			k.IsActive = false
		}
	}
	key := &models.EncryptionKey{
		ID:             uuid.New(),
		KeyName:        keyName,
		Version:        maxVersion + 1,
		KeyMaterial:    sealedMaterial,
		Classification: classification,
		IsActive:       true,
		CreatedAt:      time.Now(),
	}
	f.keys = append(f.keys, key)
	return key, nil
}

func newTestVault(t *testing.T) (*Vault, *fakeKeyStore) {
	t.Helper()
	master, err := NewCipher(testKey())
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	store := &fakeKeyStore{}
	v := New(store, master)
	if err := v.EnsureKey(context.Background(), "credential_key", ClassificationCredentials); err != nil {
		t.Fatalf("EnsureKey: %v", err)
	}
	return v, store
}

func TestVaultEncryptDecrypt_RoundTrip(t *testing.T) {
	v, _ := newTestVault(t)
	ctx := context.Background()

	envelope, err := v.Encrypt(ctx, "super-secret-token", ClassificationCredentials)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if !strings.HasPrefix(envelope, "cs1:credential_key:1:") {
		t.Errorf("unexpected envelope prefix: %s", envelope)
	}

	got, err := v.Decrypt(ctx, envelope)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if got != "super-secret-token" {
		t.Errorf("Decrypt = %q, want %q", got, "super-secret-token")
	}
}

func TestVaultEncrypt_NoActiveKey(t *testing.T) {
	master, _ := NewCipher(testKey())
	v := New(&fakeKeyStore{}, master)

	if _, err := v.Encrypt(context.Background(), "x", ClassificationCredentials); err == nil {
		t.Error("expected error with no active key")
	}
}

func TestVaultDecrypt_OldVersionAfterRotation(t *testing.T) {
	v, store := newTestVault(t)
	ctx := context.Background()

	oldEnvelope, err := v.Encrypt(ctx, "pre-rotation", ClassificationCredentials)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	// Rotate: a fresh data key becomes active as version 2.
	material, _ := GenerateKey()
	master, _ := NewCipher(testKey())
	sealed, _ := master.Seal(material)
	if _, err := store.ActivateNewVersion(ctx, "credential_key", sealed, ClassificationCredentials); err != nil {
		t.Fatalf("ActivateNewVersion: %v", err)
	}

	// New envelopes use version 2; old envelopes still decrypt via version 1.
	newEnvelope, err := v.Encrypt(ctx, "post-rotation", ClassificationCredentials)
	if err != nil {
		t.Fatalf("Encrypt after rotation: %v", err)
	}
	if !strings.HasPrefix(newEnvelope, "cs1:credential_key:2:") {
		t.Errorf("expected version 2 envelope, got %s", newEnvelope)
	}

	got, err := v.Decrypt(ctx, oldEnvelope)
	if err != nil {
		t.Fatalf("Decrypt old envelope: %v", err)
	}
	if got != "pre-rotation" {
		t.Errorf("Decrypt old envelope = %q, want %q", got, "pre-rotation")
	}
}

func TestVaultRotateKey(t *testing.T) {
	v, _ := newTestVault(t)
	ctx := context.Background()

	oldEnvelope, err := v.Encrypt(ctx, "pre-rotation", ClassificationCredentials)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	key, err := v.RotateKey(ctx, "credential_key", ClassificationCredentials)
	if err != nil {
		t.Fatalf("RotateKey: %v", err)
	}
	if key.Version != 2 || !key.IsActive {
		t.Errorf("unexpected rotated key: %+v", key)
	}

	newEnvelope, err := v.Encrypt(ctx, "post-rotation", ClassificationCredentials)
	if err != nil {
		t.Fatalf("Encrypt after rotation: %v", err)
	}
	if !strings.HasPrefix(newEnvelope, "cs1:credential_key:2:") {
		t.Errorf("expected version 2 envelope, got %s", newEnvelope)
	}
	if got, err := v.Decrypt(ctx, oldEnvelope); err != nil || got != "pre-rotation" {
		t.Errorf("old envelope after rotation: got %q err %v", got, err)
	}
}

func TestVaultDecrypt_UnknownKeyVersion(t *testing.T) {
	v, _ := newTestVault(t)
	ctx := context.Background()

	envelope, _ := v.Encrypt(ctx, "secret", ClassificationCredentials)
	forged := strings.Replace(envelope, ":1:", ":99:", 1)

	_, err := v.Decrypt(ctx, forged)
	var decErr *DecryptionError
	if !errors.As(err, &decErr) {
		t.Fatalf("expected *DecryptionError, got %v", err)
	}
	if decErr.KeyVersion != 99 {
		t.Errorf("expected key version 99 in error, got %d", decErr.KeyVersion)
	}
}

func TestVaultDecrypt_MalformedEnvelope(t *testing.T) {
	v, _ := newTestVault(t)

	for _, bad := range []string{"", "garbage", "cs1:only:three", "xx1:credential_key:1:aaaa:bbbb"} {
		_, err := v.Decrypt(context.Background(), bad)
		var decErr *DecryptionError
		if !errors.As(err, &decErr) {
			t.Errorf("Decrypt(%q): expected *DecryptionError, got %v", bad, err)
		}
	}
}

func TestVaultDecrypt_TamperedContent(t *testing.T) {
	v, _ := newTestVault(t)
	ctx := context.Background()

	envelope, _ := v.Encrypt(ctx, "integrity matters", ClassificationCredentials)
	parts := strings.Split(envelope, ":")
	content := []byte(parts[4])
	content[0] ^= 0x01
	parts[4] = string(content)
	tampered := strings.Join(parts, ":")

	_, err := v.Decrypt(ctx, tampered)
	var decErr *DecryptionError
	if !errors.As(err, &decErr) {
		t.Fatalf("expected *DecryptionError for tampered content, got %v", err)
	}
}

func TestVaultReEncrypt(t *testing.T) {
	v, store := newTestVault(t)
	ctx := context.Background()

	envelope, _ := v.Encrypt(ctx, "rotate-me", ClassificationCredentials)

	material, _ := GenerateKey()
	master, _ := NewCipher(testKey())
	sealed, _ := master.Seal(material)
	if _, err := store.ActivateNewVersion(ctx, "credential_key", sealed, ClassificationCredentials); err != nil {
		t.Fatalf("ActivateNewVersion: %v", err)
	}

	rotated, err := v.ReEncrypt(ctx, envelope, ClassificationCredentials)
	if err != nil {
		t.Fatalf("ReEncrypt: %v", err)
	}
	if !strings.HasPrefix(rotated, "cs1:credential_key:2:") {
		t.Errorf("expected re-encrypted envelope at version 2, got %s", rotated)
	}
	got, err := v.Decrypt(ctx, rotated)
	if err != nil {
		t.Fatalf("Decrypt rotated envelope: %v", err)
	}
	if got != "rotate-me" {
		t.Errorf("Decrypt = %q, want %q", got, "rotate-me")
	}
}

func TestVaultEnsureKey_Idempotent(t *testing.T) {
	v, store := newTestVault(t)

	if err := v.EnsureKey(context.Background(), "credential_key", ClassificationCredentials); err != nil {
		t.Fatalf("EnsureKey second call: %v", err)
	}
	if len(store.keys) != 1 {
		t.Errorf("expected 1 key version after repeated EnsureKey, got %d", len(store.keys))
	}
}
