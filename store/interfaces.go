// Package store implements the §4.7 persistence contract: a NodeStore
// for DAG/key-schedule state and a BlobStore for content-addressed
// chunk data. MemStore is the in-memory reference implementation;
// SQLStore, opened by NewSQLiteStore or NewLibSQLStore, is one
// database/sql backend shared by both drivers (P10); S3BlobStore adapts the
// teacher's R2/S3 attachment storage to the blob half of the contract.
package store

import (
	"context"

	"mtox/dag"
	"mtox/reconcile"
)

// EpochMetadata is the per-conversation rekey bookkeeping persisted
// alongside the key table (§4.7 update_epoch_metadata/get_epoch_metadata).
type EpochMetadata struct {
	NodeCount int
	StartedAt int64
}

// RatchetKeyRecord is one sender's persisted ratchet position.
type RatchetKeyRecord struct {
	Epoch    uint64
	ChainKey [32]byte
	Counter  uint64
}

// NodeStore is the full store contract §4.7 describes: the engine's
// narrow read-only view (engine.Store) is a subset of this, and the
// sync session's NodeStore is another subset — this is the concrete
// implementation surface an orchestrator wires both against.
type NodeStore interface {
	PutNode(ctx context.Context, cid dag.ConversationId, node *dag.MerkleNode, verified bool) error
	GetNode(ctx context.Context, hash dag.NodeHash) (*dag.MerkleNode, bool, error)
	ContainsNode(ctx context.Context, hash dag.NodeHash) (bool, error)
	HasChildren(ctx context.Context, hash dag.NodeHash) (bool, error)

	GetRank(ctx context.Context, hash dag.NodeHash) (uint64, bool, error)
	GetNodeType(ctx context.Context, hash dag.NodeHash) (dag.NodeType, bool, error)

	GetSpeculativeNodes(ctx context.Context, cid dag.ConversationId) ([]*dag.MerkleNode, error)
	MarkVerified(ctx context.Context, cid dag.ConversationId, hash dag.NodeHash) error

	GetHeads(ctx context.Context, cid dag.ConversationId) ([]dag.NodeHash, error)
	SetHeads(ctx context.Context, cid dag.ConversationId, heads []dag.NodeHash) error
	GetAdminHeads(ctx context.Context, cid dag.ConversationId) ([]dag.NodeHash, error)
	SetAdminHeads(ctx context.Context, cid dag.ConversationId, heads []dag.NodeHash) error

	PutConversationKey(ctx context.Context, cid dag.ConversationId, epoch uint64, kConv [32]byte) error
	GetConversationKeys(ctx context.Context, cid dag.ConversationId) (map[uint64][32]byte, error)

	UpdateEpochMetadata(ctx context.Context, cid dag.ConversationId, count int, startedAt int64) error
	GetEpochMetadata(ctx context.Context, cid dag.ConversationId) (EpochMetadata, error)

	PutRatchetKey(ctx context.Context, cid dag.ConversationId, senderPk dag.PhysicalDevicePk, rec RatchetKeyRecord) error
	GetRatchetKey(ctx context.Context, cid dag.ConversationId, senderPk dag.PhysicalDevicePk) (RatchetKeyRecord, bool, error)
	RemoveRatchetKey(ctx context.Context, cid dag.ConversationId, senderPk dag.PhysicalDevicePk) error

	GetLastSequenceNumber(ctx context.Context, cid dag.ConversationId, device dag.PhysicalDevicePk) (uint64, error)

	GetNodeHashesInRange(ctx context.Context, cid dag.ConversationId, r reconcile.Range) ([]dag.NodeHash, error)
	GetVerifiedNodesByType(ctx context.Context, cid dag.ConversationId, nodeType dag.NodeType) ([]*dag.MerkleNode, error)
}

// BlobInfo is the metadata half of a stored blob (§6 blob module).
type BlobInfo struct {
	Hash        dag.NodeHash
	TotalChunks uint32
	TotalSize   uint64
}

// BlobStore is the content-addressed chunk storage contract, "often
// co-implemented" alongside NodeStore per §4.7.
type BlobStore interface {
	PutBlobInfo(ctx context.Context, info BlobInfo) error
	GetBlobInfo(ctx context.Context, hash dag.NodeHash) (BlobInfo, bool, error)
	HasBlob(ctx context.Context, hash dag.NodeHash) (bool, error)

	PutChunk(ctx context.Context, hash dag.NodeHash, idx uint32, data []byte) error
	GetChunk(ctx context.Context, hash dag.NodeHash, idx uint32) ([]byte, bool, error)
	HasChunk(ctx context.Context, hash dag.NodeHash, idx uint32) (bool, error)
}
