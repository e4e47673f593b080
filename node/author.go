package node

import (
	"context"
	"crypto/ed25519"
	"fmt"

	"mtox/dag"
	"mtox/engine"
	"mtox/wireproto"
)

// deviceSigner signs Admin nodes with this device's delegated Ed25519 key,
// the engine.Signer contract AuthorNode needs.
type deviceSigner struct {
	priv ed25519.PrivateKey
}

func (s deviceSigner) SignAdmin(authData []byte) ([64]byte, error) {
	var sig [64]byte
	copy(sig[:], ed25519.Sign(s.priv, authData))
	return sig, nil
}

// Author authors content under cid, applies the resulting effects locally,
// and fans the new node out to every active peer session — the node-level
// analogue of node.rs's author_and_broadcast.
func (n *Node) Author(cid dag.ConversationId, content dag.Content, metadata []byte) (*dag.MerkleNode, error) {
	devicePriv, err := n.keys.LoadPhysicalDeviceSk()
	if err != nil {
		return nil, fmt.Errorf("node: load device key: %w", err)
	}
	if devicePriv == nil {
		return nil, fmt.Errorf("node: no device key provisioned")
	}

	cs, ok := n.conversationState(cid)
	if !ok {
		return nil, fmt.Errorf("node: conversation %s not registered", cid)
	}

	effects, authored, err := cs.conv.AuthorNode(n.engineStore, deviceSigner{devicePriv}, content, metadata)
	if err != nil {
		return nil, fmt.Errorf("node: author node: %w", err)
	}
	if err := n.applyEffects(cid, effects); err != nil {
		return nil, fmt.Errorf("node: apply authored effects: %w", err)
	}

	if err := n.broadcast(cid, cs, authored); err != nil {
		return authored, fmt.Errorf("node: broadcast authored node: %w", err)
	}
	return authored, nil
}

// broadcast packs node once and sends the same wire bytes to every peer
// this device has a session with on cid, whatever that session's state.
func (n *Node) broadcast(cid dag.ConversationId, cs *conversationState, node *dag.MerkleNode) error {
	ctx := context.Background()
	wire, err := n.wireNodeFor(ctx, cs, node.Hash())
	if err != nil {
		return err
	}
	if wire == nil {
		return fmt.Errorf("node: authored node missing from store immediately after write")
	}

	n.mu.Lock()
	peers := make([]dag.PhysicalDevicePk, 0, len(cs.sessions))
	for peer := range cs.sessions {
		peers = append(peers, peer)
	}
	n.mu.Unlock()

	msg := wireproto.MerkleNodeMsg{ConversationID: cid, Wire: wire}
	var firstErr error
	for _, peer := range peers {
		if err := n.sendTo(peer, msg); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

var _ engine.Signer = deviceSigner{}
