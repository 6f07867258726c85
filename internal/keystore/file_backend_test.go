package keystore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestInitializeUnlockRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "keystore.json")
	backend := NewFileBackend(path)

	if err := backend.Unlock(ctx, "pass"); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized before init, got %v", err)
	}
	if err := backend.Initialize(ctx, "pass"); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := backend.Initialize(ctx, "pass"); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists on re-init, got %v", err)
	}

	secret := []byte("device identity key material")
	if err := backend.StoreSecret(ctx, "device_identity", secret); err != nil {
		t.Fatalf("store secret: %v", err)
	}

	reopened := NewFileBackend(path)
	if err := reopened.Unlock(ctx, "wrong"); !errors.Is(err, ErrInvalidPass) {
		t.Fatalf("expected ErrInvalidPass, got %v", err)
	}
	if err := reopened.Unlock(ctx, "pass"); err != nil {
		t.Fatalf("unlock: %v", err)
	}

	loaded, err := reopened.LoadSecret(ctx, "device_identity")
	if err != nil {
		t.Fatalf("load secret: %v", err)
	}
	if string(loaded) != string(secret) {
		t.Fatalf("secret round trip mismatch")
	}

	if err := reopened.DeleteSecret(ctx, "device_identity"); err != nil {
		t.Fatalf("delete secret: %v", err)
	}
	if _, err := reopened.LoadSecret(ctx, "device_identity"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected os.ErrNotExist after delete, got %v", err)
	}
}

func TestLockedOperationsFail(t *testing.T) {
	ctx := context.Background()
	backend := NewFileBackend(filepath.Join(t.TempDir(), "keystore.json"))

	if err := backend.StoreSecret(ctx, "id", []byte("x")); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked for store, got %v", err)
	}
	if _, err := backend.LoadSecret(ctx, "id"); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked for load, got %v", err)
	}
}

func TestStoreSecretValidation(t *testing.T) {
	ctx := context.Background()
	backend := NewFileBackend(filepath.Join(t.TempDir(), "keystore.json"))
	if err := backend.Initialize(ctx, "pass"); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	if err := backend.StoreSecret(ctx, "", []byte("x")); !errors.Is(err, ErrInvalidSecretID) {
		t.Fatalf("expected ErrInvalidSecretID, got %v", err)
	}
	if err := backend.StoreSecret(ctx, "id", nil); !errors.Is(err, ErrInvalidSecret) {
		t.Fatalf("expected ErrInvalidSecret, got %v", err)
	}
	big := make([]byte, maxSecretBytes+1)
	if err := backend.StoreSecret(ctx, "id", big); !errors.Is(err, ErrSecretTooBig) {
		t.Fatalf("expected ErrSecretTooBig, got %v", err)
	}
}
