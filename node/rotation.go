package node

import (
	"context"
	"crypto/ed25519"
	"fmt"

	"mtox/dag"
	"mtox/keys"
	"mtox/xcrypto"
)

// handleAnnouncement is the admin side of X3DH onboarding (§4.3, §8
// scenario 2): on receiving a joiner's Announcement, an admin already
// holding KConv picks a non-last-resort pre-key from its bundle, derives a
// pairwise secret, and authors a KeyWrap targeting the announcing device.
func (n *Node) handleAnnouncement(cid dag.ConversationId, node *dag.MerkleNode) error {
	if node.Content.Kind != dag.ContentControl || node.Content.Control.Kind != dag.ActionAnnouncement {
		return fmt.Errorf("node: handleAnnouncement called on non-Announcement node")
	}

	cs, ok := n.conversationState(cid)
	if !ok {
		return fmt.Errorf("node: conversation %s not registered", cid)
	}

	now := n.nowMs()
	if !cs.conv.Identity.GetPermissions(n.SelfDevice, now, node.TopologicalRank).Has(dag.PermAdmin) {
		// Only an admin distributes KConv; every other device simply
		// leaves the Announcement parked until an admin reacts to it.
		return nil
	}

	action := node.Content.Control
	bundle := keys.PreKeyBundle{
		IdentityKey:   ed25519.PublicKey(node.SenderPk[:]),
		PreKeys:       toPreKeyMaterials(action.AnnouncementPreKeys),
		LastResortKey: toPreKeyMaterial(action.AnnouncementLastResortKey),
	}
	preKey, ok := keys.SelectOnboardingPreKey(bundle, now)
	if !ok {
		n.logger.Debug("node: announcement has no non-last-resort pre-key yet", "conversation", cid, "device", node.SenderPk)
		return nil
	}
	if !preKey.Verify(bundle.IdentityKey) {
		return fmt.Errorf("node: announcement pre-key signature invalid")
	}

	devicePriv, err := n.keys.LoadPhysicalDeviceSk()
	if err != nil || devicePriv == nil {
		return fmt.Errorf("node: load physical device key: %w", err)
	}

	epoch := cs.conv.Keys.CurrentEpoch
	kConv, ok, err := n.currentKConv(cid, epoch)
	if err != nil {
		return fmt.Errorf("node: load current conversation key: %w", err)
	}
	if !ok {
		return fmt.Errorf("node: no raw conversation key retained for epoch %d", epoch)
	}

	result, err := keys.InitiateX3DH(devicePriv, preKey, ed25519.PublicKey(node.SenderPk[:]))
	if err != nil {
		return fmt.Errorf("node: initiate x3dh: %w", err)
	}

	nonce := keys.KConvWrapNonce(epoch, node.SenderPk)
	ciphertext, err := keys.EncryptKConv(result.PairwiseKey, kConv, nonce)
	if err != nil {
		return fmt.Errorf("node: encrypt kconv: %w", err)
	}

	ephPk := dag.EphemeralX25519Pk(result.EphemeralPk)
	preKeyPk := dag.EphemeralX25519Pk(preKey.PublicKey)
	wrap := dag.Content{
		Kind: dag.ContentKeyWrap,
		KeyWrap: dag.KeyWrapContent{
			Epoch:       epoch,
			WrappedKeys: []dag.WrappedKey{{RecipientPk: node.SenderPk, Ciphertext: ciphertext}},
			EphemeralPk: &ephPk,
			PreKeyPk:    &preKeyPk,
		},
	}
	_, err = n.Author(cid, wrap, nil)
	if err != nil {
		return fmt.Errorf("node: author onboarding keywrap: %w", err)
	}
	return nil
}

// RotateKey implements the admin side of §4.3's epoch rotation: generate a
// fresh KConv, author the Rekey control action that advances epoch
// bookkeeping, then author a KeyWrap re-wrapping the new secret for every
// currently authorized device. The two nodes are authored in that order so
// a receiving device's Rekey handling (resetting its epoch node count and
// start time) lands before the KeyWrap it depends on to actually decrypt
// the epoch.
func (n *Node) RotateKey(cid dag.ConversationId) error {
	cs, ok := n.conversationState(cid)
	if !ok {
		return fmt.Errorf("node: conversation %s not registered", cid)
	}

	now := n.nowMs()
	rank := n.currentRank(cs)
	if !cs.conv.Identity.GetPermissions(n.SelfDevice, now, rank).Has(dag.PermAdmin) {
		return nil
	}

	newEpoch := cs.conv.Keys.CurrentEpoch + 1
	raw, err := xcrypto.RandomBytes(32)
	if err != nil {
		return fmt.Errorf("node: generate new conversation key: %w", err)
	}
	var kConv [32]byte
	copy(kConv[:], raw)

	rekeyContent := dag.Content{Kind: dag.ContentControl, Control: dag.ControlAction{
		Kind:          dag.ActionRekey,
		RekeyNewEpoch: newEpoch,
	}}
	if _, err := n.Author(cid, rekeyContent, nil); err != nil {
		return fmt.Errorf("node: author rekey: %w", err)
	}

	if err := n.store.PutConversationKey(context.Background(), cid, newEpoch, kConv); err != nil {
		return fmt.Errorf("node: persist new conversation key: %w", err)
	}
	cs.conv.Keys.InstallEpoch(newEpoch, kConv)

	devicePriv, err := n.keys.LoadPhysicalDeviceSk()
	if err != nil || devicePriv == nil {
		return fmt.Errorf("node: load physical device key: %w", err)
	}

	rank = n.currentRank(cs)
	var wrappedKeys []dag.WrappedKey
	for _, device := range cs.conv.Identity.AuthorizedDevices(now, rank) {
		if device == n.SelfDevice {
			continue
		}
		pairwise, err := keys.DerivePairwiseKey(devicePriv, ed25519.PublicKey(device[:]))
		if err != nil {
			n.logger.Error("node: derive rotation pairwise key failed", "device", device, "error", err)
			continue
		}
		nonce := keys.KConvWrapNonce(newEpoch, device)
		ciphertext, err := keys.EncryptKConv(pairwise, kConv, nonce)
		if err != nil {
			n.logger.Error("node: encrypt rotation kconv failed", "device", device, "error", err)
			continue
		}
		wrappedKeys = append(wrappedKeys, dag.WrappedKey{RecipientPk: device, Ciphertext: ciphertext})
	}
	if len(wrappedKeys) == 0 {
		return nil
	}

	wrap := dag.Content{Kind: dag.ContentKeyWrap, KeyWrap: dag.KeyWrapContent{
		Epoch:       newEpoch,
		WrappedKeys: wrappedKeys,
	}}
	if _, err := n.Author(cid, wrap, nil); err != nil {
		return fmt.Errorf("node: author rotation keywrap: %w", err)
	}
	return nil
}

// currentKConv recovers the raw per-epoch secret this device retains for
// cid/epoch: engine.Conversation.Keys only ever holds HKDF-derived
// EpochKeys, so the admin re-wrapping for a new joiner must go through the
// store, which retains the raw value (§4.3).
func (n *Node) currentKConv(cid dag.ConversationId, epoch uint64) ([32]byte, bool, error) {
	all, err := n.store.GetConversationKeys(context.Background(), cid)
	if err != nil {
		return [32]byte{}, false, err
	}
	kConv, ok := all[epoch]
	return kConv, ok, nil
}

// currentRank reports the highest known rank across cid's heads, the point
// at which a permission check against "now" should be evaluated absent any
// specific inbound node to check against.
func (n *Node) currentRank(cs *conversationState) uint64 {
	var rank uint64
	for _, h := range append(append([]dag.NodeHash(nil), cs.conv.Heads()...), cs.conv.AdminHeads()...) {
		if r, ok := n.engineStore.GetRank(h); ok && r > rank {
			rank = r
		}
	}
	return rank
}

func toPreKeyMaterial(spk dag.SignedPreKey) keys.SignedPreKeyMaterial {
	return keys.SignedPreKeyMaterial{
		PublicKey: [32]byte(spk.PublicKey),
		Signature: spk.Signature[:],
		ExpiresAt: spk.ExpiresAt,
	}
}

func toPreKeyMaterials(spks []dag.SignedPreKey) []keys.SignedPreKeyMaterial {
	out := make([]keys.SignedPreKeyMaterial, len(spks))
	for i, spk := range spks {
		out[i] = toPreKeyMaterial(spk)
	}
	return out
}
