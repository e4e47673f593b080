package node

import (
	"fmt"

	"mtox/dag"
	"mtox/reconcile"
	"mtox/syncsession"
	"mtox/wireproto"
	"mtox/xcrypto"
)

// InitiateHandshake sends this device's capability announcement to start
// (or restart) anti-entropy with peer on cid — the counterpart to the
// reactive handleCapsAnnounce/handleCapsAck pair, called once a transport
// reports the peer reachable.
func (n *Node) InitiateHandshake(cid dag.ConversationId, peer dag.PhysicalDevicePk) error {
	if _, _, ok := n.sessionFor(cid, peer); !ok {
		return fmt.Errorf("node: conversation %s not registered", cid)
	}
	raw, err := xcrypto.RandomBytes(32)
	if err != nil {
		return fmt.Errorf("node: generate handshake nonce: %w", err)
	}
	var nonce [32]byte
	copy(nonce[:], raw)
	return n.sendTo(peer, wireproto.CapsAnnounce{Caps: 0, Nonce: nonce})
}

// advanceSession drives one active peer session's proactive work: flush a
// dirty local-heads advertisement, and — once its reconciliation interval
// is due — start a fresh IBLT round, gated behind a PoW challenge the
// peer must solve before the actual sketch is released (§4.5).
func (n *Node) advanceSession(cid dag.ConversationId, peer dag.PhysicalDevicePk, sess *syncsession.Session) error {
	if sess.State != syncsession.StateActive {
		return nil
	}

	if sess.HeadsDirty {
		if err := n.sendTo(peer, sess.MakeSyncHeads(0)); err != nil {
			return err
		}
		sess.HeadsDirty = false
	}

	now := n.nowMs()
	due := sess.ReconDirty || now >= sess.LastReconTimeMs+reconciliationIntervalMs
	if due {
		if err := n.startReconciliation(cid, peer, sess, now); err != nil {
			return err
		}
		sess.ReconDirty = false
		sess.LastReconTimeMs = now
	}

	return nil
}

// reconciliationIntervalMs mirrors syncsession's own unexported constant
// (§4.5 "re-runs IBLT reconciliation against an already-active peer"):
// kept as a node-local copy since the session doesn't export its internal
// cadence for the orchestrator to read directly.
const reconciliationIntervalMs = 30_000

// startReconciliation builds a sketch over the conversation's full known
// rank span at the range's current tier and issues a PoW challenge that
// gates releasing it, rather than sending the sketch directly — the
// requester must solve the challenge first (handleReconPowSolution is
// what actually sends the sketch once solved).
func (n *Node) startReconciliation(cid dag.ConversationId, peer dag.PhysicalDevicePk, sess *syncsession.Session, now int64) error {
	r := n.fullRange(cid)
	tier, ok := sess.GetIbltTier(r)
	if !ok {
		shards, err := sess.MakeSyncShardChecksums(n.syncStore)
		if err != nil {
			return fmt.Errorf("node: make shard checksums: %w", err)
		}
		return n.sendTo(peer, shards)
	}

	sketch, err := sess.MakeSyncSketch(r, tier, n.syncStore)
	if err != nil {
		return fmt.Errorf("node: make sync sketch: %w", err)
	}
	challenge, err := sess.GenerateChallenge(sketch, now)
	if err != nil {
		return fmt.Errorf("node: generate recon challenge: %w", err)
	}
	if n.metrics != nil {
		n.metrics.PowChallengesSent.Inc()
	}
	return n.sendTo(peer, challenge)
}

// fullRange covers every rank this device has recorded under the
// conversation's current epoch — the range a periodic reconciliation
// round checks, as opposed to the narrower ranges a shard-checksum
// fallback localizes a known diff to.
func (n *Node) fullRange(cid dag.ConversationId) reconcile.Range {
	cs, ok := n.conversationState(cid)
	if !ok {
		return reconcile.Range{}
	}

	var maxRank uint64
	for _, h := range n.syncStore.GetHeads(cid) {
		if rank, ok := n.syncStore.GetRank(h); ok && rank > maxRank {
			maxRank = rank
		}
	}
	return reconcile.Range{Epoch: cs.conv.Keys.CurrentEpoch, MinRank: 0, MaxRank: maxRank}
}
