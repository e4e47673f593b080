package dag

import (
	"crypto/ed25519"

	"mtox/xcrypto"
)

// Hash computes this node's NodeHash: Blake3 over the canonical
// serialization, authentication field included (§6.2).
func (n *MerkleNode) Hash() NodeHash {
	return NodeHash(xcrypto.Hash(serializeNode(n)))
}

// SerializeForAuth returns the bytes that Authentication is computed over.
func (n *MerkleNode) SerializeForAuth(conversationID ConversationId) []byte {
	return serializeForAuth(n, conversationID)
}

// ValidatePoW reports whether a Genesis node satisfies the Proof-of-Work
// requirement. 1-on-1 Genesis nodes (MACed, not signed) are exempt (§6.4).
func (n *MerkleNode) ValidatePoW(difficulty uint32) bool {
	if !n.IsGenesis() {
		return true
	}
	if n.Authentication.IsMac() {
		return true
	}
	hash := n.Hash()
	return xcrypto.LeadingZeroBits(hash[:]) >= difficulty
}

// VerifyAdminSignature checks the Ed25519 signature of an Admin node. A
// MACed Genesis (1-on-1) is accepted here only if it has no parents; its
// MAC is verified by the caller via the key schedule.
func (n *MerkleNode) VerifyAdminSignature(conversationID ConversationId) bool {
	if n.Authentication.IsSignature() {
		if len(n.SenderPk) != ed25519.PublicKeySize {
			return false
		}
		authData := n.SerializeForAuth(conversationID)
		return xcrypto.Verify(ed25519.PublicKey(n.SenderPk[:]), authData, n.Authentication.Signature[:])
	}
	if n.IsGenesis() {
		return len(n.Parents) == 0
	}
	return false
}
