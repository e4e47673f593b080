package engine

import "mtox/dag"

// Store is the read-side contract the engine consults synchronously
// (§4.7); all writes happen later, as Effect values the orchestrator
// applies. Kept as a narrow interface here so the engine package never
// imports a concrete store backend.
type Store interface {
	GetNode(hash dag.NodeHash) (*dag.MerkleNode, bool)
	ContainsNode(hash dag.NodeHash) bool
	HasChildren(hash dag.NodeHash) bool
	GetRank(hash dag.NodeHash) (uint64, bool)
	GetNodeType(hash dag.NodeHash) (dag.NodeType, bool)
	GetLastSequenceNumber(cid dag.ConversationId, device dag.PhysicalDevicePk) uint64
}

// storeLookup adapts Store to dag.NodeLookup for Validate calls.
type storeLookup struct{ s Store }

func (l storeLookup) GetNodeType(hash dag.NodeHash) (dag.NodeType, bool) { return l.s.GetNodeType(hash) }
func (l storeLookup) GetRank(hash dag.NodeHash) (uint64, bool)           { return l.s.GetRank(hash) }
func (l storeLookup) ContainsNode(hash dag.NodeHash) bool                { return l.s.ContainsNode(hash) }
func (l storeLookup) HasChildren(hash dag.NodeHash) bool                 { return l.s.HasChildren(hash) }
