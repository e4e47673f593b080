package store

import (
	"context"
	"sync"

	"mtox/dag"
	"mtox/reconcile"
)

// MemStore is the in-memory reference NodeStore/BlobStore, used in
// node's end-to-end test and as the baseline for the P10 store
// equivalence test against the SQL-backed implementations.
type MemStore struct {
	mu sync.RWMutex

	nodes    map[dag.NodeHash]*dag.MerkleNode
	verified map[dag.NodeHash]bool
	byConv   map[dag.ConversationId]map[dag.NodeHash]struct{}
	children map[dag.NodeHash]map[dag.NodeHash]struct{}

	heads      map[dag.ConversationId][]dag.NodeHash
	adminHeads map[dag.ConversationId][]dag.NodeHash

	convKeys map[dag.ConversationId]map[uint64][32]byte
	epochMeta map[dag.ConversationId]EpochMetadata

	ratchets map[dag.ConversationId]map[dag.PhysicalDevicePk]RatchetKeyRecord
	lastSeq  map[dag.ConversationId]map[dag.PhysicalDevicePk]uint64

	blobInfo map[dag.NodeHash]BlobInfo
	chunks   map[dag.NodeHash]map[uint32][]byte
}

// NewMemStore constructs an empty store.
func NewMemStore() *MemStore {
	return &MemStore{
		nodes:      make(map[dag.NodeHash]*dag.MerkleNode),
		verified:   make(map[dag.NodeHash]bool),
		byConv:     make(map[dag.ConversationId]map[dag.NodeHash]struct{}),
		children:   make(map[dag.NodeHash]map[dag.NodeHash]struct{}),
		heads:      make(map[dag.ConversationId][]dag.NodeHash),
		adminHeads: make(map[dag.ConversationId][]dag.NodeHash),
		convKeys:   make(map[dag.ConversationId]map[uint64][32]byte),
		epochMeta:  make(map[dag.ConversationId]EpochMetadata),
		ratchets:   make(map[dag.ConversationId]map[dag.PhysicalDevicePk]RatchetKeyRecord),
		lastSeq:    make(map[dag.ConversationId]map[dag.PhysicalDevicePk]uint64),
		blobInfo:   make(map[dag.NodeHash]BlobInfo),
		chunks:     make(map[dag.NodeHash]map[uint32][]byte),
	}
}

func (s *MemStore) PutNode(_ context.Context, cid dag.ConversationId, node *dag.MerkleNode, verified bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	hash := node.Hash()
	s.nodes[hash] = node
	s.verified[hash] = verified

	if s.byConv[cid] == nil {
		s.byConv[cid] = make(map[dag.NodeHash]struct{})
	}
	s.byConv[cid][hash] = struct{}{}

	for _, p := range node.Parents {
		if s.children[p] == nil {
			s.children[p] = make(map[dag.NodeHash]struct{})
		}
		s.children[p][hash] = struct{}{}
	}

	if rec, ok := s.lastSeqLocked(cid, node.SenderPk); !ok || node.SequenceNumber > rec {
		if s.lastSeq[cid] == nil {
			s.lastSeq[cid] = make(map[dag.PhysicalDevicePk]uint64)
		}
		s.lastSeq[cid][node.SenderPk] = node.SequenceNumber
	}
	return nil
}

func (s *MemStore) lastSeqLocked(cid dag.ConversationId, device dag.PhysicalDevicePk) (uint64, bool) {
	m, ok := s.lastSeq[cid]
	if !ok {
		return 0, false
	}
	v, ok := m[device]
	return v, ok
}

func (s *MemStore) GetNode(_ context.Context, hash dag.NodeHash) (*dag.MerkleNode, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[hash]
	return n, ok, nil
}

func (s *MemStore) ContainsNode(_ context.Context, hash dag.NodeHash) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.nodes[hash]
	return ok, nil
}

func (s *MemStore) HasChildren(_ context.Context, hash dag.NodeHash) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.children[hash]) > 0, nil
}

func (s *MemStore) GetRank(_ context.Context, hash dag.NodeHash) (uint64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[hash]
	if !ok {
		return 0, false, nil
	}
	return n.TopologicalRank, true, nil
}

func (s *MemStore) GetNodeType(_ context.Context, hash dag.NodeHash) (dag.NodeType, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[hash]
	if !ok {
		return 0, false, nil
	}
	return n.NodeType(), true, nil
}

func (s *MemStore) GetSpeculativeNodes(_ context.Context, cid dag.ConversationId) ([]*dag.MerkleNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*dag.MerkleNode
	for hash := range s.byConv[cid] {
		if !s.verified[hash] {
			out = append(out, s.nodes[hash])
		}
	}
	return out, nil
}

func (s *MemStore) MarkVerified(_ context.Context, _ dag.ConversationId, hash dag.NodeHash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verified[hash] = true
	return nil
}

func (s *MemStore) GetHeads(_ context.Context, cid dag.ConversationId) ([]dag.NodeHash, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]dag.NodeHash(nil), s.heads[cid]...), nil
}

func (s *MemStore) SetHeads(_ context.Context, cid dag.ConversationId, heads []dag.NodeHash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heads[cid] = append([]dag.NodeHash(nil), heads...)
	return nil
}

func (s *MemStore) GetAdminHeads(_ context.Context, cid dag.ConversationId) ([]dag.NodeHash, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]dag.NodeHash(nil), s.adminHeads[cid]...), nil
}

func (s *MemStore) SetAdminHeads(_ context.Context, cid dag.ConversationId, heads []dag.NodeHash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adminHeads[cid] = append([]dag.NodeHash(nil), heads...)
	return nil
}

func (s *MemStore) PutConversationKey(_ context.Context, cid dag.ConversationId, epoch uint64, kConv [32]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.convKeys[cid] == nil {
		s.convKeys[cid] = make(map[uint64][32]byte)
	}
	s.convKeys[cid][epoch] = kConv
	return nil
}

func (s *MemStore) GetConversationKeys(_ context.Context, cid dag.ConversationId) (map[uint64][32]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[uint64][32]byte, len(s.convKeys[cid]))
	for k, v := range s.convKeys[cid] {
		out[k] = v
	}
	return out, nil
}

func (s *MemStore) UpdateEpochMetadata(_ context.Context, cid dag.ConversationId, count int, startedAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epochMeta[cid] = EpochMetadata{NodeCount: count, StartedAt: startedAt}
	return nil
}

func (s *MemStore) GetEpochMetadata(_ context.Context, cid dag.ConversationId) (EpochMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.epochMeta[cid], nil
}

func (s *MemStore) PutRatchetKey(_ context.Context, cid dag.ConversationId, senderPk dag.PhysicalDevicePk, rec RatchetKeyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ratchets[cid] == nil {
		s.ratchets[cid] = make(map[dag.PhysicalDevicePk]RatchetKeyRecord)
	}
	s.ratchets[cid][senderPk] = rec
	return nil
}

func (s *MemStore) GetRatchetKey(_ context.Context, cid dag.ConversationId, senderPk dag.PhysicalDevicePk) (RatchetKeyRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.ratchets[cid][senderPk]
	return rec, ok, nil
}

func (s *MemStore) RemoveRatchetKey(_ context.Context, cid dag.ConversationId, senderPk dag.PhysicalDevicePk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ratchets[cid], senderPk)
	return nil
}

func (s *MemStore) GetLastSequenceNumber(_ context.Context, cid dag.ConversationId, device dag.PhysicalDevicePk) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSeq[cid][device], nil
}

func (s *MemStore) GetNodeHashesInRange(_ context.Context, cid dag.ConversationId, r reconcile.Range) ([]dag.NodeHash, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []dag.NodeHash
	for hash := range s.byConv[cid] {
		n := s.nodes[hash]
		if n.TopologicalRank >= r.MinRank && n.TopologicalRank <= r.MaxRank {
			out = append(out, hash)
		}
	}
	return out, nil
}

func (s *MemStore) GetVerifiedNodesByType(_ context.Context, cid dag.ConversationId, nodeType dag.NodeType) ([]*dag.MerkleNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*dag.MerkleNode
	for hash := range s.byConv[cid] {
		if !s.verified[hash] {
			continue
		}
		n := s.nodes[hash]
		if n.NodeType() == nodeType {
			out = append(out, n)
		}
	}
	return out, nil
}

func (s *MemStore) PutBlobInfo(_ context.Context, info BlobInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobInfo[info.Hash] = info
	return nil
}

func (s *MemStore) GetBlobInfo(_ context.Context, hash dag.NodeHash) (BlobInfo, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.blobInfo[hash]
	return info, ok, nil
}

func (s *MemStore) HasBlob(_ context.Context, hash dag.NodeHash) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blobInfo[hash]
	return ok, nil
}

func (s *MemStore) PutChunk(_ context.Context, hash dag.NodeHash, idx uint32, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.chunks[hash] == nil {
		s.chunks[hash] = make(map[uint32][]byte)
	}
	s.chunks[hash][idx] = append([]byte(nil), data...)
	return nil
}

func (s *MemStore) GetChunk(_ context.Context, hash dag.NodeHash, idx uint32) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.chunks[hash][idx]
	return data, ok, nil
}

func (s *MemStore) HasChunk(_ context.Context, hash dag.NodeHash, idx uint32) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.chunks[hash][idx]
	return ok, nil
}
