// Package engine implements the conversation state machine: apply_node,
// author_node, and poll, each expressed as a pure function from (state,
// input) to (state', []Effect) — grounded on the orchestrator's
// process_effect dispatch in the original node.rs, adapted so the engine
// itself never performs I/O; the caller applies the effect list.
package engine

import (
	"mtox/dag"
)

// EffectKind tags the Effect union.
type EffectKind int

const (
	EffectSendPacket EffectKind = iota
	EffectWriteStore
	EffectWriteWireNode
	EffectDeleteWireNode
	EffectWriteRatchetKey
	EffectDeleteRatchetKey
	EffectUpdateHeads
	EffectWriteConversationKey
	EffectWriteEpochMetadata
	EffectWriteBlobInfo
	EffectWriteChunk
	EffectEmitEvent
	EffectScheduleWakeup
)

// Effect is one unit of externally-visible work the orchestrator must
// apply; the engine itself never touches the store or the network.
type Effect struct {
	Kind EffectKind

	// EffectSendPacket
	PeerID  string
	Payload []byte

	// EffectWriteStore / EffectWriteWireNode / EffectDeleteWireNode
	ConversationID dag.ConversationId
	Node           *dag.MerkleNode
	WireNode       *dag.WireNode
	Hash           dag.NodeHash
	Verified       bool

	// EffectWriteRatchetKey / EffectDeleteRatchetKey
	SenderPk dag.PhysicalDevicePk
	Epoch    uint64
	ChainKey [32]byte
	Counter  uint64

	// EffectUpdateHeads
	Heads      []dag.NodeHash
	AdminHeads []dag.NodeHash

	// EffectWriteConversationKey
	KConv [32]byte

	// EffectWriteEpochMetadata
	EpochNodeCount int
	EpochStartedAt int64

	// EffectWriteBlobInfo / EffectWriteChunk
	BlobHash  dag.NodeHash
	ChunkIdx  int
	ChunkData []byte

	// EffectEmitEvent
	EventKind string
	EventNode *dag.MerkleNode

	// EffectScheduleWakeup
	WakeupAt int64
}

func writeStoreEffect(cid dag.ConversationId, node *dag.MerkleNode, hash dag.NodeHash, verified bool) Effect {
	return Effect{Kind: EffectWriteStore, ConversationID: cid, Node: node, Hash: hash, Verified: verified}
}

func emitEventEffect(kind string, node *dag.MerkleNode) Effect {
	return Effect{Kind: EffectEmitEvent, EventKind: kind, EventNode: node}
}

func updateHeadsEffect(cid dag.ConversationId, heads, adminHeads []dag.NodeHash) Effect {
	return Effect{Kind: EffectUpdateHeads, ConversationID: cid, Heads: heads, AdminHeads: adminHeads}
}

func writeRatchetKeyEffect(cid dag.ConversationId, sender dag.PhysicalDevicePk, epoch uint64, chainKey [32]byte, counter uint64) Effect {
	return Effect{Kind: EffectWriteRatchetKey, ConversationID: cid, SenderPk: sender, Epoch: epoch, ChainKey: chainKey, Counter: counter}
}

func scheduleWakeupEffect(at int64) Effect {
	return Effect{Kind: EffectScheduleWakeup, WakeupAt: at}
}
