// Package keys implements the per-conversation key schedule: epoch-derived
// K_enc/K_mac/K_root, per-sender symmetric ratchets, and X3DH onboarding of
// new devices. Grounded on the teacher's internal/signal package, adapted
// from a Double-Ratchet session to a per-epoch, per-sender ratchet scheme.
package keys

import (
	"crypto/ed25519"
	"fmt"

	"mtox/xcrypto"
)

const (
	maxSkippedMessageKeys = 2000

	infoEnc   = "enc"
	infoMac   = "mac"
	infoRoot  = "root"
	infoMsg   = "msg"
	infoChain = "chain"
)

// EpochKeys holds the three keys derived from one epoch's KConv (§4.3).
type EpochKeys struct {
	Epoch uint64
	KEnc  [32]byte
	KMac  [32]byte
	KRoot [32]byte
}

// DeriveEpochKeys computes K_enc/K_mac/K_root from a 32-byte KConv.
func DeriveEpochKeys(epoch uint64, kConv [32]byte) EpochKeys {
	var ek EpochKeys
	ek.Epoch = epoch
	copy(ek.KEnc[:], xcrypto.HKDF(nil, kConv[:], []byte(infoEnc), 32))
	copy(ek.KMac[:], xcrypto.HKDF(nil, kConv[:], []byte(infoMac), 32))
	copy(ek.KRoot[:], xcrypto.HKDF(nil, kConv[:], []byte(infoRoot), 32))
	return ek
}

// SenderRatchet tracks one sender's symmetric message-key chain within an
// epoch: chain_key advances on every authored node, never rewinds.
type SenderRatchet struct {
	Epoch                 uint64
	ChainKey              [32]byte
	Counter               uint64
	CommittedSnapshotHash *[32]byte
	skipped               map[uint64][32]byte
}

// InitSenderRatchet seeds a new sender's chain from K_root (§4.3).
func InitSenderRatchet(epoch uint64, kRoot [32]byte, senderPk []byte) *SenderRatchet {
	r := &SenderRatchet{Epoch: epoch, skipped: make(map[uint64][32]byte)}
	copy(r.ChainKey[:], xcrypto.HKDF(nil, kRoot[:], senderPk, 32))
	return r
}

// messageKeyAt derives K_msg and the advanced chain key, without mutating
// the ratchet — used both for the live advance and for verifying at a
// specific counter ahead of the current position.
func messageKeyAt(chainKey [32]byte) (msgKey [32]byte, nextChainKey [32]byte) {
	copy(msgKey[:], xcrypto.HKDF(nil, chainKey[:], []byte(infoMsg), 32))
	copy(nextChainKey[:], xcrypto.HKDF(nil, chainKey[:], []byte(infoChain), 32))
	return
}

// Advance derives this sender's next message key and commits the chain
// advance (used when authoring a node under this ratchet).
func (r *SenderRatchet) Advance() (msgKey [32]byte, counter uint64) {
	msgKey, next := messageKeyAt(r.ChainKey)
	counter = r.Counter
	r.ChainKey = next
	r.Counter++
	return
}

// PeekAt derives the message key for an already-skipped counter, or
// catches the chain up to target and returns its key, storing any
// intermediate keys as skipped for later out-of-order delivery (mirrors
// the teacher's skipMessageKeys / storeSkippedKey bookkeeping).
func (r *SenderRatchet) PeekAt(target uint64) ([32]byte, bool) {
	if target < r.Counter {
		mk, ok := r.skipped[target]
		return mk, ok
	}
	for r.Counter < target {
		mk, next := messageKeyAt(r.ChainKey)
		r.storeSkipped(r.Counter, mk)
		r.ChainKey = next
		r.Counter++
	}
	mk, next := messageKeyAt(r.ChainKey)
	r.ChainKey = next
	r.Counter++
	return mk, true
}

func (r *SenderRatchet) storeSkipped(counter uint64, key [32]byte) {
	if len(r.skipped) >= maxSkippedMessageKeys {
		for k := range r.skipped {
			delete(r.skipped, k)
			break
		}
	}
	r.skipped[counter] = key
}

// ConsumeSkipped removes and returns a previously skipped key, used once a
// late-arriving node has been verified.
func (r *SenderRatchet) ConsumeSkipped(counter uint64) ([32]byte, bool) {
	mk, ok := r.skipped[counter]
	if ok {
		delete(r.skipped, counter)
	}
	return mk, ok
}

// ComputeMAC computes the Blake3-MAC a Content node's authentication field
// carries, under a message key derived from the sender's ratchet.
func ComputeMAC(msgKey [32]byte, authData []byte) ([32]byte, error) {
	return xcrypto.MAC(msgKey[:], authData)
}

// VerifyMAC checks a Content node's MAC against a candidate message key.
func VerifyMAC(msgKey [32]byte, authData []byte, mac []byte) bool {
	return xcrypto.VerifyMAC(msgKey[:], authData, mac)
}

// State is the per-conversation key schedule state (§3 KeyState).
type State struct {
	CurrentEpoch uint64
	epochOrder   []uint64
	epochKeys    map[uint64]EpochKeys
	// senderRatchets is keyed by (epoch, sender_pk) since a ratchet's chain
	// key is only valid within the epoch it was seeded under.
	senderRatchets map[epochSender]*SenderRatchet
}

type epochSender struct {
	epoch uint64
	pk    [32]byte
}

func NewState() *State {
	return &State{
		epochKeys:      make(map[uint64]EpochKeys),
		senderRatchets: make(map[epochSender]*SenderRatchet),
	}
}

// InstallEpoch records a new epoch's derived keys, retaining older epochs
// so late-arriving nodes under a superseded epoch can still be verified.
func (s *State) InstallEpoch(epoch uint64, kConv [32]byte) EpochKeys {
	ek := DeriveEpochKeys(epoch, kConv)
	if _, exists := s.epochKeys[epoch]; !exists {
		s.epochOrder = append(s.epochOrder, epoch)
	}
	s.epochKeys[epoch] = ek
	if epoch > s.CurrentEpoch || len(s.epochOrder) == 1 {
		s.CurrentEpoch = epoch
	}
	return ek
}

// EpochKeys looks up a previously installed epoch's derived keys.
func (s *State) EpochKeys(epoch uint64) (EpochKeys, bool) {
	ek, ok := s.epochKeys[epoch]
	return ek, ok
}

// KnownEpochs returns every retained epoch, oldest first.
func (s *State) KnownEpochs() []uint64 {
	out := make([]uint64, len(s.epochOrder))
	copy(out, s.epochOrder)
	return out
}

// EvictEpoch removes a superseded epoch's key material and any ratchets
// seeded under it, once the store's retention policy decides it is safe.
func (s *State) EvictEpoch(epoch uint64) {
	delete(s.epochKeys, epoch)
	for i, e := range s.epochOrder {
		if e == epoch {
			s.epochOrder = append(s.epochOrder[:i], s.epochOrder[i+1:]...)
			break
		}
	}
	for k := range s.senderRatchets {
		if k.epoch == epoch {
			delete(s.senderRatchets, k)
		}
	}
}

// RatchetFor returns (creating if necessary) the sender's ratchet under
// the given epoch.
func (s *State) RatchetFor(epoch uint64, senderPk [32]byte) (*SenderRatchet, error) {
	key := epochSender{epoch, senderPk}
	if r, ok := s.senderRatchets[key]; ok {
		return r, nil
	}
	ek, ok := s.epochKeys[epoch]
	if !ok {
		return nil, fmt.Errorf("keys: epoch %d not installed", epoch)
	}
	r := InitSenderRatchet(epoch, ek.KRoot, senderPk[:])
	s.senderRatchets[key] = r
	return r, nil
}

// PutRatchet installs an externally-sourced ratchet (e.g. loaded from the
// store, or recovered from a RatchetSnapshot).
func (s *State) PutRatchet(epoch uint64, senderPk [32]byte, r *SenderRatchet) {
	s.senderRatchets[epochSender{epoch, senderPk}] = r
}

// VerifyAgainstEpochs tries every known, non-evicted epoch's ratchet for
// sender at the counter implied by that ratchet's current position,
// returning the epoch and message key on first match. This implements
// §4.4 step 2's "for each non-expired known epoch" search.
func (s *State) VerifyAgainstEpochs(senderPk [32]byte, authData, mac []byte) (epoch uint64, msgKey [32]byte, ok bool) {
	for _, e := range s.epochOrder {
		r, err := s.RatchetFor(e, senderPk)
		if err != nil {
			continue
		}
		candidate, _ := messageKeyAt(r.ChainKey)
		if VerifyMAC(candidate, authData, mac) {
			return e, candidate, true
		}
	}
	return 0, [32]byte{}, false
}

// VerifyEd25519 checks an Admin node's signature (thin wrapper kept for
// symmetry with the teacher's signal.VerifyEd25519).
func VerifyEd25519(pub ed25519.PublicKey, data, sig []byte) bool {
	return xcrypto.Verify(pub, data, sig)
}

// VerifyGenesisMAC checks a 1-on-1 Genesis's MAC against every known
// epoch's K_mac directly: a MACed Genesis has no sender ratchet yet (it
// is the node that establishes the conversation), so the MAC is computed
// straight from K_mac rather than a ratcheted message key (§6.4).
func (s *State) VerifyGenesisMAC(authData, mac []byte) bool {
	for _, e := range s.epochOrder {
		ek := s.epochKeys[e]
		if VerifyMAC(ek.KMac, authData, mac) {
			return true
		}
	}
	return false
}
