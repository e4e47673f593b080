// Package keystore persists a device's long-term secret material —
// its Ed25519 logical/physical identity keys and X25519 pre-key
// secrets — in the OS keychain rather than on disk in cleartext,
// adapted from the teacher's generic secret-value keyring wrapper.
package keystore

import (
	"crypto/ed25519"
	"fmt"

	"github.com/99designs/keyring"
)

const (
	keyLogicalIdentitySk = "logical-identity-sk"
	keyPhysicalDeviceSk  = "physical-device-sk"
	preKeyPrefix         = "prekey:"
)

// KeyStore wraps OS keychain / secret-service access for one local
// node's key material.
type KeyStore struct {
	ring keyring.Keyring
}

// NewWithKeyring wraps an already-open keyring.Keyring directly, letting
// tests substitute keyring.NewArrayKeyring in place of a real OS backend.
func NewWithKeyring(kr keyring.Keyring) *KeyStore {
	return &KeyStore{ring: kr}
}

// New opens (creating if necessary) the OS-backed keyring for appName.
func New(appName string) (*KeyStore, error) {
	kr, err := keyring.Open(keyring.Config{
		ServiceName:             appName,
		KeychainName:            appName,
		KWalletAppID:            appName,
		KWalletFolder:           appName,
		WinCredPrefix:           appName,
		LibSecretCollectionName: appName,
		AllowedBackends: []keyring.BackendType{
			keyring.SecretServiceBackend,
			keyring.KeychainBackend,
			keyring.WinCredBackend,
			keyring.KWalletBackend,
			keyring.FileBackend,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("keystore: open keyring: %w", err)
	}
	return &KeyStore{ring: kr}, nil
}

// StoreLogicalIdentitySk persists the human identity's master Ed25519
// private key (§4.2 — the key that signs delegation certificates).
func (k *KeyStore) StoreLogicalIdentitySk(sk ed25519.PrivateKey) error {
	return k.set(keyLogicalIdentitySk, sk)
}

// LoadLogicalIdentitySk returns the stored master key, or nil if none
// has been generated yet.
func (k *KeyStore) LoadLogicalIdentitySk() (ed25519.PrivateKey, error) {
	raw, err := k.get(keyLogicalIdentitySk)
	if err != nil || raw == nil {
		return nil, err
	}
	return ed25519.PrivateKey(raw), nil
}

// StorePhysicalDeviceSk persists this device's delegated Ed25519
// signing key.
func (k *KeyStore) StorePhysicalDeviceSk(sk ed25519.PrivateKey) error {
	return k.set(keyPhysicalDeviceSk, sk)
}

// LoadPhysicalDeviceSk returns the stored device key, or nil if none
// has been generated yet.
func (k *KeyStore) LoadPhysicalDeviceSk() (ed25519.PrivateKey, error) {
	raw, err := k.get(keyPhysicalDeviceSk)
	if err != nil || raw == nil {
		return nil, err
	}
	return ed25519.PrivateKey(raw), nil
}

// StorePreKeySecret persists one X3DH signed pre-key's X25519 scalar,
// indexed by the pre-key's public key so it can be retrieved once a
// peer's onboarding message arrives referencing it (§5.1).
func (k *KeyStore) StorePreKeySecret(publicKey [32]byte, secret [32]byte) error {
	return k.set(preKeyPrefix+string(publicKey[:]), secret[:])
}

// LoadPreKeySecret retrieves and removes a pre-key secret — pre-keys
// are single-use, so a successful load consumes the entry.
func (k *KeyStore) LoadPreKeySecret(publicKey [32]byte) ([32]byte, bool, error) {
	name := preKeyPrefix + string(publicKey[:])
	raw, err := k.get(name)
	if err != nil {
		return [32]byte{}, false, err
	}
	if raw == nil {
		return [32]byte{}, false, nil
	}
	var secret [32]byte
	copy(secret[:], raw)
	if err := k.Delete(name); err != nil {
		return [32]byte{}, false, err
	}
	return secret, true, nil
}

// Delete removes a secret.
func (k *KeyStore) Delete(key string) error {
	if err := k.ring.Remove(key); err != nil && err != keyring.ErrKeyNotFound {
		return fmt.Errorf("keystore: remove %s: %w", key, err)
	}
	return nil
}

func (k *KeyStore) set(key string, data []byte) error {
	if err := k.ring.Set(keyring.Item{Key: key, Data: data}); err != nil {
		return fmt.Errorf("keystore: set %s: %w", key, err)
	}
	return nil
}

func (k *KeyStore) get(key string) ([]byte, error) {
	item, err := k.ring.Get(key)
	if err == keyring.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("keystore: get %s: %w", key, err)
	}
	return item.Data, nil
}
