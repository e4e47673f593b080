package keys

import (
	"mtox/codec"
	"mtox/xcrypto"
)

// RatchetSnapshot captures a sender's own ratchet position under one
// epoch so a second device sharing the same logical identity can resume
// the ratchet without replaying every prior node (§4.3).
type RatchetSnapshot struct {
	Epoch    uint64
	ChainKey [32]byte
	Counter  uint64
}

func serializeSnapshot(s RatchetSnapshot) []byte {
	w := codec.NewWriter()
	w.WriteUint64(s.Epoch)
	w.WriteFixed(s.ChainKey[:])
	w.WriteUint64(s.Counter)
	return w.Bytes()
}

func deserializeSnapshot(data []byte) (RatchetSnapshot, error) {
	r := codec.NewReader(data)
	var s RatchetSnapshot
	var err error
	if s.Epoch, err = r.ReadUint64(); err != nil {
		return s, err
	}
	ck, err := r.ReadFixed(32)
	if err != nil {
		return s, err
	}
	copy(s.ChainKey[:], ck)
	if s.Counter, err = r.ReadUint64(); err != nil {
		return s, err
	}
	return s, nil
}

// EncryptSnapshot encrypts a ratchet snapshot under the current epoch's
// K_enc, for inclusion in a RatchetSnapshot content node. nonce must be
// fresh per call; it is used as the caller gives it, and nothing in this
// module outside the tests calls EncryptSnapshot.
func EncryptSnapshot(kEnc [32]byte, nonce [12]byte, s RatchetSnapshot) ([]byte, error) {
	buf := serializeSnapshot(s)
	if err := xcrypto.ChaCha20Crypt(kEnc[:], nonce[:], buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// DecryptSnapshot is the inverse of EncryptSnapshot.
func DecryptSnapshot(kEnc [32]byte, nonce [12]byte, ciphertext []byte) (RatchetSnapshot, error) {
	buf := append([]byte(nil), ciphertext...)
	if err := xcrypto.ChaCha20Crypt(kEnc[:], nonce[:], buf); err != nil {
		return RatchetSnapshot{}, err
	}
	return deserializeSnapshot(buf)
}

// Restore installs a recovered snapshot as this sender's live ratchet,
// letting a second device resume mid-chain.
func (s *State) Restore(senderPk [32]byte, snap RatchetSnapshot) {
	r := &SenderRatchet{
		Epoch:    snap.Epoch,
		ChainKey: snap.ChainKey,
		Counter:  snap.Counter,
		skipped:  make(map[uint64][32]byte),
	}
	s.PutRatchet(snap.Epoch, senderPk, r)
}
