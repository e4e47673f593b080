package keys

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"fmt"

	"mtox/dag"
	"mtox/xcrypto"
)

const infoX3DH = "x3dh-pairwise"
const infoRotationPairwise = "rotation-pairwise"

// PreKeyBundle is what an Announcement publishes: one or more one-time
// signed pre-keys plus a last-resort key that must never be consumed
// automatically (§4.3).
type PreKeyBundle struct {
	IdentityKey   ed25519.PublicKey
	PreKeys       []SignedPreKeyMaterial
	LastResortKey SignedPreKeyMaterial
}

type SignedPreKeyMaterial struct {
	PublicKey [32]byte // X25519
	Signature []byte   // Ed25519, signed by IdentityKey over PublicKey
	ExpiresAt int64
}

func (k SignedPreKeyMaterial) Verify(identityKey ed25519.PublicKey) bool {
	return xcrypto.Verify(identityKey, k.PublicKey[:], k.Signature)
}

// X3DHInitiatorResult is what the admin authoring a KeyWrap computes: the
// pairwise key to encrypt KConv under, plus the ephemeral public key to
// publish so the recipient can recompute the same secret.
type X3DHInitiatorResult struct {
	PairwiseKey [32]byte
	EphemeralPk [32]byte
}

// InitiateX3DH performs the admin side of onboarding: pick a non-last-resort
// pre-key from bundle (the caller enforces that invariant — see
// SelectOnboardingPreKey), generate an ephemeral key, and derive the
// pairwise secret via triple Diffie-Hellman:
//
//	DH1 = DH(ephemeral_priv, recipient_pre_key)
//	DH2 = DH(ephemeral_priv, recipient_identity_as_x25519)
//	DH3 = DH(admin_identity_priv_as_x25519, recipient_pre_key)
//
// grounded on the teacher's CreateSessionFromPreKeyBundle, reduced from a
// ratchet bootstrap to a single pairwise key (this scheme re-keys via
// epoch rotation, not a DH ratchet).
func InitiateX3DH(adminIdentityPriv ed25519.PrivateKey, preKey SignedPreKeyMaterial, recipientIdentity ed25519.PublicKey) (*X3DHInitiatorResult, error) {
	ephPriv, ephPub, err := xcrypto.GenerateX25519KeyPair()
	if err != nil {
		return nil, fmt.Errorf("keys: generate ephemeral key: %w", err)
	}

	recipientX25519, err := xcrypto.Ed25519PubToX25519(recipientIdentity)
	if err != nil {
		return nil, fmt.Errorf("keys: convert recipient identity key: %w", err)
	}

	dh1, err := xcrypto.X25519(ephPriv[:], preKey.PublicKey[:])
	if err != nil {
		return nil, fmt.Errorf("keys: dh1: %w", err)
	}
	dh2, err := xcrypto.X25519(ephPriv[:], recipientX25519)
	if err != nil {
		return nil, fmt.Errorf("keys: dh2: %w", err)
	}
	adminX25519Priv := xcrypto.Ed25519PrivToX25519(adminIdentityPriv)
	dh3, err := xcrypto.X25519(adminX25519Priv, preKey.PublicKey[:])
	if err != nil {
		return nil, fmt.Errorf("keys: dh3: %w", err)
	}

	concat := bytes.Join([][]byte{dh1, dh2, dh3}, nil)
	var pairwise [32]byte
	copy(pairwise[:], xcrypto.HKDF(nil, concat, []byte(infoX3DH), 32))

	return &X3DHInitiatorResult{PairwiseKey: pairwise, EphemeralPk: ephPub}, nil
}

// CompleteX3DH performs the recipient side: given the admin's published
// ephemeral_pk and the pre_key_pk the admin consumed (both carried on the
// KeyWrap), recompute the same pairwise secret using the recipient's own
// identity and pre-key private material.
func CompleteX3DH(recipientIdentityPriv ed25519.PrivateKey, recipientPreKeyPriv [32]byte, adminIdentity ed25519.PublicKey, ephemeralPk [32]byte) (*[32]byte, error) {
	adminX25519, err := xcrypto.Ed25519PubToX25519(adminIdentity)
	if err != nil {
		return nil, fmt.Errorf("keys: convert admin identity key: %w", err)
	}

	dh1, err := xcrypto.X25519(recipientPreKeyPriv[:], ephemeralPk[:])
	if err != nil {
		return nil, fmt.Errorf("keys: dh1: %w", err)
	}
	recipientX25519Priv := xcrypto.Ed25519PrivToX25519(recipientIdentityPriv)
	dh2, err := xcrypto.X25519(recipientX25519Priv, ephemeralPk[:])
	if err != nil {
		return nil, fmt.Errorf("keys: dh2: %w", err)
	}
	dh3, err := xcrypto.X25519(recipientPreKeyPriv[:], adminX25519)
	if err != nil {
		return nil, fmt.Errorf("keys: dh3: %w", err)
	}

	concat := bytes.Join([][]byte{dh1, dh2, dh3}, nil)
	var pairwise [32]byte
	copy(pairwise[:], xcrypto.HKDF(nil, concat, []byte(infoX3DH), 32))
	return &pairwise, nil
}

// SelectOnboardingPreKey picks the first non-last-resort, unexpired
// pre-key from a bundle. Returns false if only the last-resort key is
// available — the caller must author a HandshakePulse and wait instead
// of consuming it (§4.3).
func SelectOnboardingPreKey(bundle PreKeyBundle, now int64) (SignedPreKeyMaterial, bool) {
	for _, pk := range bundle.PreKeys {
		if pk.ExpiresAt == 0 || pk.ExpiresAt > now {
			return pk, true
		}
	}
	return SignedPreKeyMaterial{}, false
}

// EncryptKConv wraps KConv for one recipient under a pairwise key derived
// via X3DH (or, for an already-onboarded device receiving a rotation, any
// other pairwise key the admin maintains for it).
func EncryptKConv(pairwiseKey [32]byte, kConv [32]byte, nonce [12]byte) ([]byte, error) {
	buf := append([]byte(nil), kConv[:]...)
	if err := xcrypto.ChaCha20Crypt(pairwiseKey[:], nonce[:], buf); err != nil {
		return nil, fmt.Errorf("keys: wrap kconv: %w", err)
	}
	return buf, nil
}

// DecryptKConv is the inverse of EncryptKConv (ChaCha20 is its own inverse
// given the same key/nonce).
func DecryptKConv(pairwiseKey [32]byte, ciphertext []byte, nonce [12]byte) ([32]byte, error) {
	buf := append([]byte(nil), ciphertext...)
	if err := xcrypto.ChaCha20Crypt(pairwiseKey[:], nonce[:], buf); err != nil {
		return [32]byte{}, fmt.Errorf("keys: unwrap kconv: %w", err)
	}
	var kConv [32]byte
	copy(kConv[:], buf)
	return kConv, nil
}

// KConvWrapNonce derives the ChaCha20 nonce EncryptKConv/DecryptKConv use for
// one recipient's WrappedKey entry, from (epoch, recipient) alone. It cannot
// be derived from the enclosing node's own authentication the way an
// ordinary per-message nonce might be: that MAC/signature covers the wrap
// ciphertext, so deriving the nonce from it would make encryption depend on
// its own output.
func KConvWrapNonce(epoch uint64, recipient dag.PhysicalDevicePk) [12]byte {
	var epochBytes [8]byte
	binary.BigEndian.PutUint64(epochBytes[:], epoch)
	digest := xcrypto.Hash(append(epochBytes[:], recipient[:]...))
	var nonce [12]byte
	copy(nonce[:], digest[:12])
	return nonce
}

// DerivePairwiseKey computes the pairwise key used to re-wrap KConv for a
// device that is already onboarded (a rotation KeyWrap, §4.3): a single
// static X25519 DH between the two devices' long-term identity keys, since
// unlike onboarding there is no fresh pre-key for the recipient to consume.
func DerivePairwiseKey(selfPriv ed25519.PrivateKey, peerPub ed25519.PublicKey) ([32]byte, error) {
	selfX := xcrypto.Ed25519PrivToX25519(selfPriv)
	peerX, err := xcrypto.Ed25519PubToX25519(peerPub)
	if err != nil {
		return [32]byte{}, fmt.Errorf("keys: convert peer identity key: %w", err)
	}
	shared, err := xcrypto.X25519(selfX, peerX)
	if err != nil {
		return [32]byte{}, fmt.Errorf("keys: rotation pairwise dh: %w", err)
	}
	var pairwise [32]byte
	copy(pairwise[:], xcrypto.HKDF(nil, shared, []byte(infoRotationPairwise), 32))
	return pairwise, nil
}
