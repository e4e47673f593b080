package keys

import (
	"testing"

	"github.com/stretchr/testify/require"

	"mtox/xcrypto"
)

func TestX3DH_InitiatorAndRecipientAgree(t *testing.T) {
	adminPub, adminPriv, err := xcrypto.GenerateEd25519KeyPair()
	require.NoError(t, err)
	recipientPub, recipientPriv, err := xcrypto.GenerateEd25519KeyPair()
	require.NoError(t, err)

	preKeyPriv, preKeyPub, err := xcrypto.GenerateX25519KeyPair()
	require.NoError(t, err)
	sig := xcrypto.Sign(recipientPriv, preKeyPub[:])
	preKey := SignedPreKeyMaterial{PublicKey: preKeyPub, Signature: sig}
	require.True(t, preKey.Verify(recipientPub))

	result, err := InitiateX3DH(adminPriv, preKey, recipientPub)
	require.NoError(t, err)

	recovered, err := CompleteX3DH(recipientPriv, preKeyPriv, adminPub, result.EphemeralPk)
	require.NoError(t, err)
	require.Equal(t, result.PairwiseKey, *recovered)
}

func TestSelectOnboardingPreKey_SkipsLastResortOnlyBundle(t *testing.T) {
	bundle := PreKeyBundle{
		PreKeys:       nil,
		LastResortKey: SignedPreKeyMaterial{},
	}
	_, ok := SelectOnboardingPreKey(bundle, 1000)
	require.False(t, ok)

	bundle.PreKeys = []SignedPreKeyMaterial{{ExpiresAt: 0}}
	pk, ok := SelectOnboardingPreKey(bundle, 1000)
	require.True(t, ok)
	require.Equal(t, bundle.PreKeys[0], pk)
}

func TestEncryptDecryptKConv_RoundTrip(t *testing.T) {
	var pairwise, kConv [32]byte
	copy(pairwise[:], []byte("pairwise-key-material-0000000000"))
	copy(kConv[:], []byte("conversation-secret-0000000000000"))
	var nonce [12]byte
	copy(nonce[:], []byte("nonce-bytes0"))

	ct, err := EncryptKConv(pairwise, kConv, nonce)
	require.NoError(t, err)
	require.NotEqual(t, kConv[:], ct)

	recovered, err := DecryptKConv(pairwise, ct, nonce)
	require.NoError(t, err)
	require.Equal(t, kConv, recovered)
}

func TestSnapshot_EncryptDecryptRoundTrip(t *testing.T) {
	var kEnc [32]byte
	copy(kEnc[:], []byte("epoch-enc-key-material-000000000"))
	var nonce [12]byte
	copy(nonce[:], []byte("snapshotnon1"))

	snap := RatchetSnapshot{Epoch: 7, Counter: 42}
	copy(snap.ChainKey[:], []byte("chain-key-material-00000000000000"))

	ct, err := EncryptSnapshot(kEnc, nonce, snap)
	require.NoError(t, err)

	recovered, err := DecryptSnapshot(kEnc, nonce, ct)
	require.NoError(t, err)
	require.Equal(t, snap, recovered)
}
