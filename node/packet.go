package node

import (
	"context"
	"fmt"

	"mtox/dag"
	"mtox/reconcile"
	"mtox/store"
	"mtox/syncsession"
	"mtox/wireproto"
)

// HandlePacket is the Transport.Handler every Node registers on
// construction: decode the envelope, dispatch by message kind to the
// right conversation's peer session, and apply whatever effects the
// engine or this dispatch produces.
func (n *Node) HandlePacket(from dag.PhysicalDevicePk, data []byte) {
	msg, err := wireproto.Decode(data)
	if err != nil {
		n.logger.Warn("node: dropping malformed packet", "from", from, "error", err)
		return
	}

	if err := n.dispatch(from, msg); err != nil {
		n.logger.Error("node: packet handling failed", "from", from, "error", err)
	}
}

func (n *Node) dispatch(from dag.PhysicalDevicePk, msg interface{}) error {
	switch m := msg.(type) {
	case wireproto.CapsAnnounce:
		return n.handleCapsAnnounce(from, m)
	case wireproto.CapsAck:
		return n.handleCapsAck(from, m)
	case wireproto.SyncHeads:
		return n.handleSyncHeads(from, m)
	case wireproto.SyncSketch:
		return n.handleSyncSketch(from, m)
	case wireproto.SyncReconFail:
		return n.handleSyncReconFail(from, m)
	case wireproto.SyncShardChecksums:
		return n.handleSyncShardChecksums(from, m)
	case wireproto.ReconPowChallenge:
		return n.handleReconPowChallenge(from, m)
	case wireproto.ReconPowSolution:
		return n.handleReconPowSolution(from, m)
	case wireproto.FetchBatchReq:
		return n.handleFetchBatchReq(from, m)
	case wireproto.MerkleNodeMsg:
		return n.handleMerkleNode(from, m)
	case wireproto.BlobQuery:
		return n.handleBlobQuery(from, m)
	case wireproto.BlobAvail:
		return n.handleBlobAvail(from, m)
	case wireproto.BlobReq:
		return n.handleBlobReq(from, m)
	case wireproto.BlobData:
		return n.handleBlobData(from, m)
	default:
		return fmt.Errorf("unhandled message type %T", msg)
	}
}

func (n *Node) sendTo(peer dag.PhysicalDevicePk, msg interface{}) error {
	payload, err := wireproto.Encode(msg)
	if err != nil {
		return fmt.Errorf("node: encode %T: %w", msg, err)
	}
	return n.transport.SendRaw(context.Background(), peer, payload)
}

func (n *Node) handleCapsAnnounce(from dag.PhysicalDevicePk, m wireproto.CapsAnnounce) error {
	// Every conversation this device shares with the peer activates the
	// same announcement; the handshake itself carries no conversation
	// id, so this reaches every session already open against from.
	n.forEachSessionWithPeer(from, func(sess *syncsession.Session) {
		sess.Activate()
	})
	return n.sendTo(from, wireproto.CapsAck{Caps: m.Caps, Nonce: m.Nonce})
}

func (n *Node) handleCapsAck(from dag.PhysicalDevicePk, _ wireproto.CapsAck) error {
	n.forEachSessionWithPeer(from, func(sess *syncsession.Session) {
		sess.Activate()
	})
	return nil
}

func (n *Node) forEachSessionWithPeer(peer dag.PhysicalDevicePk, f func(*syncsession.Session)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, cs := range n.conversations {
		if sess, ok := cs.sessions[peer]; ok {
			f(sess)
		}
	}
}

func (n *Node) handleSyncHeads(from dag.PhysicalDevicePk, m wireproto.SyncHeads) error {
	_, sess, ok := n.sessionFor(m.ConversationID, from)
	if !ok {
		return nil
	}
	sess.HandleSyncHeads(m, n.syncStore)
	return n.drainFetches(m.ConversationID, from, sess)
}

func (n *Node) handleSyncSketch(from dag.PhysicalDevicePk, m wireproto.SyncSketch) error {
	_, sess, ok := n.sessionFor(m.ConversationID, from)
	if !ok {
		return nil
	}
	outcome, err := sess.HandleSyncSketch(m, n.syncStore)
	if err != nil {
		return fmt.Errorf("handle sync sketch: %w", err)
	}
	if !outcome.Success {
		if n.metrics != nil {
			tier, _ := sess.GetIbltTier(m.Range)
			n.metrics.IbltDecodeFailures.WithLabelValues(tier.String()).Inc()
		}
		if _, stillGoing := sess.GetIbltTier(m.Range); stillGoing {
			return n.sendTo(from, wireproto.SyncReconFail{ConversationID: m.ConversationID, Range: m.Range})
		}
		shards, err := sess.MakeSyncShardChecksums(n.syncStore)
		if err != nil {
			return fmt.Errorf("make shard checksums: %w", err)
		}
		return n.sendTo(from, shards)
	}
	return n.drainFetches(m.ConversationID, from, sess)
}

func (n *Node) handleSyncReconFail(from dag.PhysicalDevicePk, m wireproto.SyncReconFail) error {
	_, sess, ok := n.sessionFor(m.ConversationID, from)
	if !ok {
		return nil
	}
	sess.HandleSyncReconFail(m.Range)
	return nil
}

func (n *Node) handleSyncShardChecksums(from dag.PhysicalDevicePk, m wireproto.SyncShardChecksums) error {
	_, sess, ok := n.sessionFor(m.ConversationID, from)
	if !ok {
		return nil
	}
	// The coarse-diff fallback only localizes which ranges disagree; a
	// full reconciliation of those ranges happens on the next scheduled
	// IBLT round rather than a dedicated follow-up message here.
	diff, err := sess.HandleSyncShardChecksums(m, n.syncStore)
	if err != nil {
		return fmt.Errorf("handle shard checksums: %w", err)
	}
	if len(diff) > 0 {
		n.logger.Debug("node: shard checksum mismatch", "conversation", m.ConversationID, "ranges", len(diff))
	}
	return nil
}

func (n *Node) handleReconPowChallenge(from dag.PhysicalDevicePk, m wireproto.ReconPowChallenge) error {
	solution := reconcile.SolveChallenge(m.Nonce, m.Difficulty)
	return n.sendTo(from, wireproto.ReconPowSolution{Nonce: m.Nonce, Solution: solution})
}

func (n *Node) handleReconPowSolution(from dag.PhysicalDevicePk, m wireproto.ReconPowSolution) error {
	var target *syncsession.Session
	var sketch wireproto.SyncSketch
	n.forEachSessionWithPeer(from, func(sess *syncsession.Session) {
		if target != nil {
			return
		}
		if sk, ok := sess.TakePendingSketch(m.Nonce); ok {
			target, sketch = sess, sk
		}
	})
	if target == nil {
		return nil
	}

	ok := target.VerifySolution(m.Nonce, m.Solution, n.nowMs())
	if n.metrics != nil {
		if ok {
			n.metrics.PowSolutionsValid.Inc()
		} else {
			n.metrics.PowSolutionsBad.Inc()
		}
	}
	if !ok {
		return nil
	}
	return n.sendTo(from, sketch)
}

func (n *Node) handleFetchBatchReq(from dag.PhysicalDevicePk, m wireproto.FetchBatchReq) error {
	ctx := context.Background()
	cs, ok := n.conversationState(m.ConversationID)
	if !ok {
		return nil
	}
	for _, hash := range m.Hashes {
		wire, err := n.wireNodeFor(ctx, cs, hash)
		if err != nil {
			n.logger.Warn("node: cannot serve fetch", "hash", hash, "error", err)
			continue
		}
		if wire == nil {
			continue
		}
		if err := n.sendTo(from, wireproto.MerkleNodeMsg{ConversationID: m.ConversationID, Wire: wire}); err != nil {
			return err
		}
	}
	return nil
}

// wireNodeFor returns the cached wire form of hash, packing and caching it
// on first request.
func (n *Node) wireNodeFor(ctx context.Context, cs *conversationState, hash dag.NodeHash) (*dag.WireNode, error) {
	n.mu.Lock()
	if wire, ok := cs.wireCache[hash]; ok {
		n.mu.Unlock()
		return wire, nil
	}
	n.mu.Unlock()

	node, ok, err := n.store.GetNode(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("get node: %w", err)
	}
	if !ok {
		return nil, nil
	}

	keys := dag.ConversationKeys{}
	if node.NodeType() != dag.NodeAdmin && node.Content.Kind != dag.ContentKeyWrap {
		ek, ok := cs.conv.Keys.EpochKeys(cs.conv.Keys.CurrentEpoch)
		if !ok {
			return nil, fmt.Errorf("no epoch keys installed")
		}
		keys.KEnc = ek.KEnc
	}

	wire, err := node.PackWire(keys, true)
	if err != nil {
		return nil, fmt.Errorf("pack wire: %w", err)
	}
	n.cacheWireNode(cs.conv.ID, hash, wire)
	return wire, nil
}

func (n *Node) handleMerkleNode(from dag.PhysicalDevicePk, m wireproto.MerkleNodeMsg) error {
	cs, ok := n.conversationState(m.ConversationID)
	if !ok {
		return fmt.Errorf("conversation %s not registered", m.ConversationID)
	}

	node, err := n.unpackWireNode(cs, m.Wire)
	if err != nil {
		return fmt.Errorf("unpack wire node: %w", err)
	}

	effects, err := cs.conv.ApplyNode(n.engineStore, node)
	if err != nil {
		if n.metrics != nil {
			n.metrics.NodesRejected.WithLabelValues("apply_failed").Inc()
		}
		return fmt.Errorf("apply node: %w", err)
	}

	if _, sess, ok := n.sessionFor(m.ConversationID, from); ok {
		sess.OnNodeReceived(node, n.syncStore)
	}

	if err := n.applyEffects(m.ConversationID, effects); err != nil {
		return err
	}

	if node.Content.Kind == dag.ContentKeyWrap {
		if err := n.CompleteOnboarding(m.ConversationID, node); err != nil {
			n.logger.Debug("node: keywrap not completable yet", "error", err)
		}
	}

	if node.Content.Kind == dag.ContentControl && node.Content.Control.Kind == dag.ActionAnnouncement {
		if err := n.handleAnnouncement(m.ConversationID, node); err != nil {
			n.logger.Debug("node: announcement onboarding skipped", "error", err)
		}
	}
	return nil
}

// unpackWireNode recovers the logical node from wire form. Admin nodes and
// KeyWrap content are never encrypted (dag.PackWire's own rule), so only
// Content-track nodes need an epoch key at all; since the wire format
// carries no explicit epoch tag, every known epoch's K_enc is tried in
// turn and the first one whose ISO/IEC 7816-4 padding validates is
// accepted — full authentication still happens downstream via ApplyNode's
// MAC verification, so a wrong accept here is harmless, not a security
// hole.
func (n *Node) unpackWireNode(cs *conversationState, wire *dag.WireNode) (*dag.MerkleNode, error) {
	if wire.Flags&dag.FlagEncrypted == 0 {
		return dag.UnpackWire(wire, dag.ConversationKeys{})
	}

	var lastErr error
	for _, epoch := range cs.conv.Keys.KnownEpochs() {
		ek, ok := cs.conv.Keys.EpochKeys(epoch)
		if !ok {
			continue
		}
		node, err := dag.UnpackWire(wire, dag.ConversationKeys{KEnc: ek.KEnc})
		if err == nil {
			return node, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no known epoch")
	}
	return nil, fmt.Errorf("no known epoch decrypted this node: %w", lastErr)
}

// drainFetches issues the next fetch batch for a session once heads or a
// sketch decode leave it with fetchable work, bounded by
// config.Tunables.FetchBatchSize.
func (n *Node) drainFetches(cid dag.ConversationId, peer dag.PhysicalDevicePk, sess *syncsession.Session) error {
	batch := sess.NextFetchBatch(n.tunables.FetchBatchSize)
	if batch == nil {
		return nil
	}
	if n.metrics != nil {
		n.metrics.FetchBatchSize.Observe(float64(len(batch.Hashes)))
	}
	return n.sendTo(peer, *batch)
}

func (n *Node) handleBlobQuery(from dag.PhysicalDevicePk, m wireproto.BlobQuery) error {
	ctx := context.Background()
	info, ok, err := n.store.GetBlobInfo(ctx, m.BlobHash)
	if err != nil {
		return fmt.Errorf("get blob info: %w", err)
	}
	if !ok {
		return nil
	}
	return n.sendTo(from, wireproto.BlobAvail{ConversationID: m.ConversationID, BlobHash: m.BlobHash, TotalChunks: info.TotalChunks})
}

func (n *Node) handleBlobAvail(from dag.PhysicalDevicePk, m wireproto.BlobAvail) error {
	ctx := context.Background()
	has, err := n.store.HasBlob(ctx, m.BlobHash)
	if err != nil {
		return fmt.Errorf("has blob: %w", err)
	}
	if has {
		return nil
	}
	if err := n.store.PutBlobInfo(ctx, store.BlobInfo{Hash: m.BlobHash, TotalChunks: m.TotalChunks}); err != nil {
		return fmt.Errorf("put blob info: %w", err)
	}
	for idx := uint32(0); idx < m.TotalChunks; idx++ {
		has, err := n.store.HasChunk(ctx, m.BlobHash, idx)
		if err != nil {
			return fmt.Errorf("has chunk: %w", err)
		}
		if has {
			continue
		}
		if err := n.sendTo(from, wireproto.BlobReq{ConversationID: m.ConversationID, BlobHash: m.BlobHash, ChunkIndex: idx}); err != nil {
			return err
		}
	}
	return nil
}

func (n *Node) handleBlobReq(from dag.PhysicalDevicePk, m wireproto.BlobReq) error {
	ctx := context.Background()
	data, ok, err := n.store.GetChunk(ctx, m.BlobHash, m.ChunkIndex)
	if err != nil {
		return fmt.Errorf("get chunk: %w", err)
	}
	if !ok {
		return nil
	}
	if n.metrics != nil {
		n.metrics.BlobChunksSent.Inc()
	}
	return n.sendTo(from, wireproto.BlobData{ConversationID: m.ConversationID, BlobHash: m.BlobHash, ChunkIndex: m.ChunkIndex, Data: data})
}

func (n *Node) handleBlobData(from dag.PhysicalDevicePk, m wireproto.BlobData) error {
	ctx := context.Background()
	if err := n.store.PutChunk(ctx, m.BlobHash, m.ChunkIndex, m.Data); err != nil {
		return fmt.Errorf("put chunk: %w", err)
	}
	if n.metrics != nil {
		n.metrics.BlobChunksRecv.Inc()
	}
	return nil
}
