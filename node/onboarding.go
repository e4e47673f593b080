package node

import (
	"crypto/ed25519"
	"fmt"

	"mtox/dag"
	"mtox/keys"
)

// CompleteOnboarding finishes the recipient side of X3DH for a KeyWrap
// node addressed to this device: recover the pairwise secret, unwrap
// KConv, install the new epoch, and retry applying the KeyWrap node now
// that its epoch is known (§4.3, §4.4 step 2's MAC verification needs the
// installed epoch before it can succeed).
//
// A KeyWrap node is authored on the Content track but carries its payload
// unencrypted (dag.PackWire's isKeyWrap escape hatch), so by the time this
// is called HandlePacket has already parked it speculative: ApplyNode's
// non-admin branch fails VerifyAgainstEpochs against every epoch this
// device already knows, since the epoch the KeyWrap introduces isn't
// installed yet. Re-driving ApplyNode below is what gives it a chance to
// verify once the epoch exists.
func (n *Node) CompleteOnboarding(cid dag.ConversationId, node *dag.MerkleNode) error {
	if node.Content.Kind != dag.ContentKeyWrap {
		return fmt.Errorf("node: CompleteOnboarding called on non-KeyWrap node")
	}
	wrap := node.Content.KeyWrap

	var mine *dag.WrappedKey
	for i := range wrap.WrappedKeys {
		if wrap.WrappedKeys[i].RecipientPk == n.SelfDevice {
			mine = &wrap.WrappedKeys[i]
			break
		}
	}
	if mine == nil {
		return fmt.Errorf("node: KeyWrap not addressed to this device")
	}

	devicePriv, err := n.keys.LoadPhysicalDeviceSk()
	if err != nil || devicePriv == nil {
		return fmt.Errorf("node: load physical device key: %w", err)
	}

	// X3DH's "identity key" role is each device's own Ed25519 keypair, not
	// the logical master key: node.SenderPk is the admin device that
	// authored this KeyWrap.
	adminIdentity := ed25519.PublicKey(node.SenderPk[:])

	var pairwise *[32]byte
	if wrap.EphemeralPk != nil && wrap.PreKeyPk != nil {
		preKeySecret, ok, loadErr := n.keys.LoadPreKeySecret([32]byte(*wrap.PreKeyPk))
		if loadErr != nil {
			return fmt.Errorf("node: load pre-key secret: %w", loadErr)
		}
		if !ok {
			return fmt.Errorf("node: pre-key secret for %x not found locally", wrap.PreKeyPk[:])
		}
		x3dhPairwise, x3dhErr := keys.CompleteX3DH(devicePriv, preKeySecret, adminIdentity, [32]byte(*wrap.EphemeralPk))
		if x3dhErr != nil {
			return fmt.Errorf("node: complete x3dh: %w", x3dhErr)
		}
		pairwise = x3dhPairwise
	} else {
		// A rotation KeyWrap re-wraps an epoch for a device already
		// onboarded: no fresh pre-key is consumed, so both sides derive
		// the same pairwise key from a static DH of their identity keys.
		static, err := keys.DerivePairwiseKey(devicePriv, adminIdentity)
		if err != nil {
			return fmt.Errorf("node: derive rotation pairwise key: %w", err)
		}
		pairwise = &static
	}

	nonce := keys.KConvWrapNonce(wrap.Epoch, n.SelfDevice)
	kConv, err := keys.DecryptKConv(*pairwise, mine.Ciphertext, nonce)
	if err != nil {
		return fmt.Errorf("node: decrypt kconv: %w", err)
	}

	cs, ok := n.conversationState(cid)
	if !ok {
		return fmt.Errorf("node: conversation %s not registered", cid)
	}
	cs.conv.Keys.InstallEpoch(wrap.Epoch, kConv)

	effects, err := cs.conv.ApplyNode(n.engineStore, node)
	if err != nil {
		return fmt.Errorf("node: re-apply keywrap node: %w", err)
	}
	return n.applyEffects(cid, effects)
}
