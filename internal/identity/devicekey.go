package identity

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"

	"github.com/jkgulay/resqlink-sub002/internal/keystore"
)

const defaultKeySecretID = "device_identity"

// EnsureDeviceKey loads the long-term device key from the keystore or
// generates and stores a new one.
func EnsureDeviceKey(ctx context.Context, ks keystore.KeyBackend, secretID string) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	if ks == nil {
		return nil, nil, errors.New("keystore is required for device identity")
	}
	if secretID == "" {
		secretID = defaultKeySecretID
	}

	raw, err := ks.LoadSecret(ctx, secretID)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, nil, fmt.Errorf("load device identity: %w", err)
		}
		pub, priv, genErr := ed25519.GenerateKey(nil)
		if genErr != nil {
			return nil, nil, fmt.Errorf("generate device identity: %w", genErr)
		}
		if storeErr := ks.StoreSecret(ctx, secretID, priv); storeErr != nil {
			return nil, nil, fmt.Errorf("store device identity: %w", storeErr)
		}
		return append([]byte(nil), pub...), append([]byte(nil), priv...), nil
	}
	defer zeroBytes(raw)

	if len(raw) != ed25519.PrivateKeySize {
		return nil, nil, fmt.Errorf("device identity secret has invalid size %d", len(raw))
	}

	priv := ed25519.PrivateKey(append([]byte(nil), raw...))
	pub := priv.Public().(ed25519.PublicKey)
	return pub, priv, nil
}

// DeriveAddress maps a device public key to its stable MAC-style address.
// The address is immutable for the lifetime of the key.
func DeriveAddress(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x",
		sum[0], sum[1], sum[2], sum[3], sum[4], sum[5])
}

func zeroBytes(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
