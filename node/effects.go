package node

import (
	"context"
	"encoding/hex"
	"fmt"

	"mtox/dag"
	"mtox/engine"
	"mtox/store"
)

// applyEffects processes effects in order, stopping at the first hard
// failure — an unsupported ordering between a Conversation's own
// mutations and their persistence would otherwise let the in-memory
// and on-disk views drift apart.
func (n *Node) applyEffects(cid dag.ConversationId, effects []engine.Effect) error {
	for _, e := range effects {
		if err := n.applyEffect(cid, e); err != nil {
			return fmt.Errorf("node: apply effect %d: %w", e.Kind, err)
		}
	}
	return nil
}

// applyEffect is the uniform dispatcher every engine-emitted effect
// passes through on its way to a concrete backend; the node constructs
// no effects of its own.
func (n *Node) applyEffect(cid dag.ConversationId, e engine.Effect) error {
	ctx := context.Background()

	switch e.Kind {
	case engine.EffectSendPacket:
		peer, err := parsePeerID(e.PeerID)
		if err != nil {
			return err
		}
		return n.transport.SendRaw(ctx, peer, e.Payload)

	case engine.EffectWriteStore:
		if err := n.store.PutNode(ctx, e.ConversationID, e.Node, e.Verified); err != nil {
			return fmt.Errorf("put node: %w", err)
		}
		if n.metrics != nil {
			n.metrics.NodesApplied.WithLabelValues(trackLabel(e.Node)).Inc()
		}
		return nil

	case engine.EffectWriteWireNode:
		n.cacheWireNode(e.ConversationID, e.Hash, e.WireNode)
		return nil

	case engine.EffectDeleteWireNode:
		n.dropWireNode(e.ConversationID, e.Hash)
		return nil

	case engine.EffectWriteRatchetKey:
		return n.store.PutRatchetKey(ctx, e.ConversationID, e.SenderPk, store.RatchetKeyRecord{
			Epoch:    e.Epoch,
			ChainKey: e.ChainKey,
			Counter:  e.Counter,
		})

	case engine.EffectDeleteRatchetKey:
		return n.store.RemoveRatchetKey(ctx, e.ConversationID, e.SenderPk)

	case engine.EffectUpdateHeads:
		if err := n.store.SetHeads(ctx, e.ConversationID, e.Heads); err != nil {
			return fmt.Errorf("set heads: %w", err)
		}
		return n.store.SetAdminHeads(ctx, e.ConversationID, e.AdminHeads)

	case engine.EffectWriteConversationKey:
		if err := n.store.PutConversationKey(ctx, e.ConversationID, e.Epoch, e.KConv); err != nil {
			return fmt.Errorf("put conversation key: %w", err)
		}
		if cs, ok := n.conversationState(e.ConversationID); ok {
			cs.conv.Keys.InstallEpoch(e.Epoch, e.KConv)
		}
		return nil

	case engine.EffectWriteEpochMetadata:
		return n.store.UpdateEpochMetadata(ctx, e.ConversationID, e.EpochNodeCount, e.EpochStartedAt)

	case engine.EffectWriteBlobInfo, engine.EffectWriteChunk:
		// Neither the engine nor this orchestrator ever constructs these
		// two kinds: the Effect union carries too little of a BlobInfo
		// (no TotalChunks/TotalSize) to round-trip through it usefully,
		// so blob writes go straight through Store.BlobStore from the
		// Blob* packet handlers in packet.go instead. Kept here so the
		// switch stays exhaustive over EffectKind.
		return nil

	case engine.EffectEmitEvent:
		n.mu.Lock()
		handler := n.eventHandler
		n.mu.Unlock()
		if handler != nil {
			handler(e.EventKind, e.EventNode)
		}
		return nil

	case engine.EffectScheduleWakeup:
		// informational only — Poll recomputes the next wakeup from live
		// state on every tick, so there is nothing to persist here.
		return nil

	default:
		return fmt.Errorf("unknown effect kind %d", e.Kind)
	}
}

func trackLabel(node *dag.MerkleNode) string {
	if node != nil && node.NodeType() == dag.NodeAdmin {
		return "admin"
	}
	return "content"
}

// cacheWireNode/dropWireNode hold the node-local cache of already-packed
// wire bytes the orchestrator re-sends to multiple peers without paying
// PackWire's compress+encrypt cost on every fan-out (node.rs keeps the
// same cache at the session-cache layer).
func (n *Node) cacheWireNode(cid dag.ConversationId, hash dag.NodeHash, wire *dag.WireNode) {
	n.mu.Lock()
	defer n.mu.Unlock()
	cs, ok := n.conversations[cid]
	if !ok {
		return
	}
	if cs.wireCache == nil {
		cs.wireCache = make(map[dag.NodeHash]*dag.WireNode)
	}
	cs.wireCache[hash] = wire
}

func (n *Node) dropWireNode(cid dag.ConversationId, hash dag.NodeHash) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if cs, ok := n.conversations[cid]; ok {
		delete(cs.wireCache, hash)
	}
}

func (n *Node) conversationState(cid dag.ConversationId) (*conversationState, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	cs, ok := n.conversations[cid]
	return cs, ok
}

// parsePeerID decodes the hex-encoded PhysicalDevicePk a syncsession.Session
// carries as a string key back into its binary form.
func parsePeerID(peerID string) (dag.PhysicalDevicePk, error) {
	raw, err := hex.DecodeString(peerID)
	if err != nil || len(raw) != 32 {
		return dag.PhysicalDevicePk{}, fmt.Errorf("node: malformed peer id %q", peerID)
	}
	var pk dag.PhysicalDevicePk
	copy(pk[:], raw)
	return pk, nil
}
