package keys

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeriveEpochKeys_Deterministic(t *testing.T) {
	var kConv [32]byte
	copy(kConv[:], []byte("conversation-secret-material-000"))

	a := DeriveEpochKeys(1, kConv)
	b := DeriveEpochKeys(1, kConv)

	require.Equal(t, a.KEnc, b.KEnc)
	require.Equal(t, a.KMac, b.KMac)
	require.Equal(t, a.KRoot, b.KRoot)
	require.NotEqual(t, a.KEnc, a.KMac)
	require.NotEqual(t, a.KMac, a.KRoot)
}

func TestSenderRatchet_AdvanceNeverRepeats(t *testing.T) {
	var kRoot [32]byte
	copy(kRoot[:], []byte("root-key-material-0000000000000"))
	senderPk := []byte("sender-device-public-key-000000")

	r := InitSenderRatchet(1, kRoot, senderPk)

	seen := make(map[[32]byte]bool)
	for i := uint64(0); i < 50; i++ {
		mk, counter := r.Advance()
		require.Equal(t, i, counter)
		require.False(t, seen[mk], "message key repeated at counter %d", i)
		seen[mk] = true
	}
}

func TestComputeMAC_VerifyRoundTrip(t *testing.T) {
	var msgKey [32]byte
	copy(msgKey[:], []byte("message-key-material-0000000000"))
	authData := []byte("serialize_for_auth output")

	mac, err := ComputeMAC(msgKey, authData)
	require.NoError(t, err)
	require.True(t, VerifyMAC(msgKey, authData, mac[:]))

	tampered := append([]byte(nil), authData...)
	tampered[0] ^= 0xFF
	require.False(t, VerifyMAC(msgKey, tampered, mac[:]))
}

func TestState_VerifyAgainstEpochs_FindsCorrectEpoch(t *testing.T) {
	s := NewState()
	var kConvOld, kConvNew [32]byte
	copy(kConvOld[:], []byte("old-epoch-conversation-key-00000"))
	copy(kConvNew[:], []byte("new-epoch-conversation-key-00000"))
	s.InstallEpoch(1, kConvOld)
	s.InstallEpoch(2, kConvNew)

	var senderPk [32]byte
	copy(senderPk[:], []byte("sender-device-pk-0000000000000"))

	// Author under the old epoch, as if the sender hadn't rotated yet.
	r, err := s.RatchetFor(1, senderPk)
	require.NoError(t, err)
	msgKey, _ := r.Advance()

	authData := []byte("node auth bytes")
	mac, err := ComputeMAC(msgKey, authData)
	require.NoError(t, err)

	// A fresh State simulating the verifier's view, with its own ratchet
	// not yet advanced past counter 0.
	verifier := NewState()
	verifier.InstallEpoch(1, kConvOld)
	verifier.InstallEpoch(2, kConvNew)

	epoch, _, ok := verifier.VerifyAgainstEpochs(senderPk, authData, mac[:])
	require.True(t, ok)
	require.Equal(t, uint64(1), epoch)
}

func TestState_EvictEpoch_RemovesRatchets(t *testing.T) {
	s := NewState()
	var kConv [32]byte
	copy(kConv[:], []byte("epoch-conversation-key-000000000"))
	s.InstallEpoch(5, kConv)

	var senderPk [32]byte
	copy(senderPk[:], []byte("device-0000000000000000000000000"))
	_, err := s.RatchetFor(5, senderPk)
	require.NoError(t, err)

	s.EvictEpoch(5)

	_, ok := s.EpochKeys(5)
	require.False(t, ok)
	_, err = s.RatchetFor(5, senderPk)
	require.Error(t, err)
}

func TestRatchetSnapshot_RestoreResumesChain(t *testing.T) {
	var kRoot [32]byte
	copy(kRoot[:], []byte("root-key-material-0000000000000"))
	senderPk := []byte("sender-device-public-key-000000")

	original := InitSenderRatchet(3, kRoot, senderPk)
	original.Advance()
	original.Advance()
	mkBeforeSnapshot, counterBeforeSnapshot := original.Advance()

	snap := RatchetSnapshot{Epoch: original.Epoch, ChainKey: original.ChainKey, Counter: original.Counter}

	var senderPkArr [32]byte
	copy(senderPkArr[:], senderPk)
	s := NewState()
	s.Restore(senderPkArr, snap)

	resumed, err := s.RatchetFor(3, senderPkArr)
	require.NoError(t, err)
	mkAfter, counterAfter := resumed.Advance()

	require.NotEqual(t, mkBeforeSnapshot, mkAfter)
	require.Equal(t, counterBeforeSnapshot+1, counterAfter)
}
