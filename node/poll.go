package node

import (
	"mtox/dag"
	"mtox/engine"
	"mtox/syncsession"
)

// Poll advances every registered conversation's background work (rekey
// threshold checks) and every peer session's anti-entropy timers, applying
// whatever effects fall out and returning the earliest millisecond
// timestamp the caller should invoke Poll again — the same "no tight
// loop" contract §4.4/§4.5 describe, now covering the whole node rather
// than one conversation.
func (n *Node) Poll() int64 {
	now := n.nowMs()
	wakeup := now + 3_600_000

	for cid, cs := range n.snapshotConversations() {
		result := cs.conv.Poll(now)
		if err := n.applyEffects(cid, result.Effects); err != nil {
			n.logger.Error("node: poll effects failed", "conversation", cid, "error", err)
		}
		if result.NextWakeupMs < wakeup {
			wakeup = result.NextWakeupMs
		}

		for _, e := range result.Effects {
			if e.Kind == engine.EffectEmitEvent && e.EventKind == "RekeyThresholdCrossed" {
				if err := n.RotateKey(cid); err != nil {
					n.logger.Error("node: rotate key failed", "conversation", cid, "error", err)
				}
				break
			}
		}

		for peer, sess := range n.snapshotSessions(cs) {
			next := sess.NextWakeup(now)
			if next < wakeup {
				wakeup = next
			}
			if next == now {
				if err := n.advanceSession(cid, peer, sess); err != nil {
					n.logger.Error("node: advance session failed", "conversation", cid, "peer", peer, "error", err)
				}
				if err := n.drainFetches(cid, peer, sess); err != nil {
					n.logger.Error("node: drain fetches failed", "conversation", cid, "peer", peer, "error", err)
				}
			}
		}
	}

	return wakeup
}

func (n *Node) snapshotConversations() map[dag.ConversationId]*conversationState {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make(map[dag.ConversationId]*conversationState, len(n.conversations))
	for cid, cs := range n.conversations {
		out[cid] = cs
	}
	return out
}

func (n *Node) snapshotSessions(cs *conversationState) map[dag.PhysicalDevicePk]*syncsession.Session {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make(map[dag.PhysicalDevicePk]*syncsession.Session, len(cs.sessions))
	for peer, sess := range cs.sessions {
		out[peer] = sess
	}
	return out
}
