package engine

import (
	"fmt"

	"mtox/dag"
	"mtox/xcrypto"
)

// Signer supplies whatever authentication a node needs: an Ed25519
// signature for Admin nodes, or lets the engine compute a Content node's
// MAC directly from its own ratchet (no external signer needed there).
type Signer interface {
	SignAdmin(authData []byte) ([64]byte, error)
}

// AuthorNode implements §4.4's author_node: assigns parents, sequence
// number, rank, timestamp, and authentication, then emits the write and
// head-update effects. content.NodeType() decides the Admin/Content track.
func (c *Conversation) AuthorNode(store Store, signer Signer, content dag.Content, metadata []byte) ([]Effect, *dag.MerkleNode, error) {
	if c.State != StateEstablished && !isGenesisContent(content) {
		return nil, nil, fmt.Errorf("engine: author_node requires an established conversation")
	}

	isAdmin := content.NodeType() == dag.NodeAdmin
	var parentSet []dag.NodeHash
	if isAdmin {
		parentSet = c.AdminHeads()
	} else {
		parentSet = c.Heads()
	}
	parents := truncateParents(parentSet)

	seq := c.lastAuthoredSeq[c.SelfDevice] + 1

	var maxRank uint64
	for _, p := range parents {
		if rank, ok := store.GetRank(p); ok && rank >= maxRank {
			maxRank = rank
		}
	}
	rank := uint64(0)
	if len(parents) > 0 {
		rank = maxRank + 1
	}

	if !isAdmin && content.Kind != dag.ContentKeyWrap {
		if !c.Identity.GetPermissions(c.SelfDevice, c.Now(), rank).Has(dag.PermMessage) {
			return nil, nil, &PermissionDeniedError{SenderPk: c.SelfDevice, Required: dag.PermMessage, Rank: rank}
		}
	}

	node := &dag.MerkleNode{
		Parents:          parents,
		AuthorPk:         c.SelfLogical,
		SenderPk:         c.SelfDevice,
		SequenceNumber:   seq,
		TopologicalRank:  rank,
		NetworkTimestamp: c.Now(),
		Content:          content,
		Metadata:         metadata,
	}

	authData := node.SerializeForAuth(c.ID)

	var ratchetEffect *Effect
	if isAdmin {
		sig, err := signer.SignAdmin(authData)
		if err != nil {
			return nil, nil, fmt.Errorf("engine: sign admin node: %w", err)
		}
		node.Authentication = dag.SignatureAuth(sig)
	} else {
		r, err := c.Keys.RatchetFor(c.Keys.CurrentEpoch, [32]byte(c.SelfDevice))
		if err != nil {
			return nil, nil, fmt.Errorf("engine: no ratchet for self device: %w", err)
		}
		msgKey, counter := r.Advance()
		mac, err := xcrypto.MAC(msgKey[:], authData)
		if err != nil {
			return nil, nil, fmt.Errorf("engine: mac node: %w", err)
		}
		node.Authentication = dag.MacAuth(mac)
		eff := writeRatchetKeyEffect(c.ID, c.SelfDevice, c.Keys.CurrentEpoch, r.ChainKey, counter+1)
		ratchetEffect = &eff
	}

	hash := node.Hash()
	c.lastAuthoredSeq[c.SelfDevice] = seq
	c.advanceHeads(node, hash)
	if isAdmin {
		c.applyControlAction(c.SelfDevice, content.Control, rank, node.NetworkTimestamp)
	}

	effects := []Effect{writeStoreEffect(c.ID, node, hash, true)}
	if ratchetEffect != nil {
		effects = append(effects, *ratchetEffect)
	}
	effects = append(effects, updateHeadsEffect(c.ID, c.Heads(), c.AdminHeads()))
	c.epochNodeCount++

	return effects, node, nil
}

func isGenesisContent(c dag.Content) bool {
	return c.Kind == dag.ContentControl && c.Control.Kind == dag.ActionGenesis
}
