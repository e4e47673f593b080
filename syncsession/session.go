// Package syncsession implements the per-peer anti-entropy state machine
// of §4.5, grounded on the original session's active.rs: head exchange,
// IBLT reconciliation with tier promotion, fetch batching, PoW
// throttling of reconciliation responses, and the "no tight loop"
// next-wakeup computation (P8).
package syncsession

import (
	"fmt"

	"mtox/dag"
	"mtox/reconcile"
	"mtox/wireproto"
	"mtox/xcrypto"
)

// State is a sync session's handshake lifecycle (§4.5).
type State int

const (
	StateHandshake State = iota
	StateActive
)

// NodeStore is the read-only contract a sync session consults to decide
// what it already has (distinct from engine.Store: the session asks
// range/children questions the engine itself never needs).
type NodeStore interface {
	HasNode(hash dag.NodeHash) bool
	HasChildren(hash dag.NodeHash) bool
	GetRank(hash dag.NodeHash) (uint64, bool)
	GetHeads(cid dag.ConversationId) []dag.NodeHash
	GetNodeHashesInRange(cid dag.ConversationId, r reconcile.Range) ([]dag.NodeHash, error)
}

// DecodeOutcome is the result of attempting one IBLT reconciliation
// round (§4.5 step 4).
type DecodeOutcome struct {
	Success         bool
	MissingLocally  []dag.NodeHash
	MissingRemotely []dag.NodeHash
}

const (
	reconciliationIntervalMs = 30_000
	powChallengeTimeoutMs    = 10_000
	defaultReconDifficulty   = 8
)

// missingQueue is a FIFO of hashes the local side wants, with an
// O(1) membership check alongside FIFO order (§4.5 missing_nodes).
type missingQueue struct {
	order []dag.NodeHash
	set   map[dag.NodeHash]struct{}
}

func newMissingQueue() *missingQueue {
	return &missingQueue{set: make(map[dag.NodeHash]struct{})}
}

func (q *missingQueue) contains(h dag.NodeHash) bool {
	_, ok := q.set[h]
	return ok
}

func (q *missingQueue) pushBack(h dag.NodeHash) {
	if q.contains(h) {
		return
	}
	q.order = append(q.order, h)
	q.set[h] = struct{}{}
}

func (q *missingQueue) pushFront(h dag.NodeHash) {
	if q.contains(h) {
		return
	}
	q.order = append([]dag.NodeHash{h}, q.order...)
	q.set[h] = struct{}{}
}

func (q *missingQueue) popFront() (dag.NodeHash, bool) {
	if len(q.order) == 0 {
		return dag.NodeHash{}, false
	}
	h := q.order[0]
	q.order = q.order[1:]
	delete(q.set, h)
	return h, true
}

func (q *missingQueue) hasFetchable(inFlight map[dag.NodeHash]struct{}) bool {
	for _, h := range q.order {
		if _, busy := inFlight[h]; !busy {
			return true
		}
	}
	return false
}

// Session is one peer's anti-entropy state (§4.5 "Active" state, plus
// the Handshake phase before activate()).
type Session struct {
	ConversationID dag.ConversationId
	PeerID         string
	State          State

	LocalHeads  map[dag.NodeHash]struct{}
	RemoteHeads map[dag.NodeHash]struct{}

	missing          *missingQueue
	InFlightFetches  map[dag.NodeHash]struct{}
	IbltTiers        map[reconcile.Range]reconcile.Tier
	ExhaustedRanges  map[reconcile.Range]struct{}
	PendingChallenges map[[32]byte]int64 // nonce -> expiry (ms)
	PendingSketches   map[[32]byte]wireproto.SyncSketch
	DifficultyVotes   map[dag.PhysicalDevicePk]uint32

	EffectiveDifficulty uint32
	HeadsDirty          bool
	ReconDirty          bool
	LastReconTimeMs     int64
}

// NewSession starts a peer session in Handshake.
func NewSession(cid dag.ConversationId, peerID string) *Session {
	return &Session{
		ConversationID:      cid,
		PeerID:              peerID,
		State:               StateHandshake,
		LocalHeads:          make(map[dag.NodeHash]struct{}),
		RemoteHeads:         make(map[dag.NodeHash]struct{}),
		missing:             newMissingQueue(),
		InFlightFetches:     make(map[dag.NodeHash]struct{}),
		IbltTiers:           make(map[reconcile.Range]reconcile.Tier),
		ExhaustedRanges:     make(map[reconcile.Range]struct{}),
		PendingChallenges:   make(map[[32]byte]int64),
		PendingSketches:     make(map[[32]byte]wireproto.SyncSketch),
		DifficultyVotes:     make(map[dag.PhysicalDevicePk]uint32),
		EffectiveDifficulty: defaultReconDifficulty,
	}
}

// Activate moves the session from Handshake to Active once capability
// announcements have been exchanged.
func (s *Session) Activate() {
	s.State = StateActive
}

// GetIbltTier returns the tier to use for range, or false if the range
// is already in the shard-checksum fallback.
func (s *Session) GetIbltTier(r reconcile.Range) (reconcile.Tier, bool) {
	if _, exhausted := s.ExhaustedRanges[r]; exhausted {
		return 0, false
	}
	if t, ok := s.IbltTiers[r]; ok {
		return t, true
	}
	return reconcile.TierSmall, true
}

// PromoteIbltTier advances range's tier, or marks it exhausted once
// Large fails too (§4.5 step 4).
func (s *Session) PromoteIbltTier(r reconcile.Range) {
	if _, exhausted := s.ExhaustedRanges[r]; exhausted {
		return
	}
	current, _ := s.GetIbltTier(r)
	if next, ok := current.Promote(); ok {
		s.IbltTiers[r] = next
		return
	}
	s.ExhaustedRanges[r] = struct{}{}
	delete(s.IbltTiers, r)
}

// OnWireNodeReceived clears a hash from in-flight tracking and enqueues
// any of its declared parents not yet known.
func (s *Session) OnWireNodeReceived(hash dag.NodeHash, parents []dag.NodeHash, store NodeStore) {
	delete(s.InFlightFetches, hash)
	for _, p := range parents {
		if !store.HasNode(p) && !s.missing.contains(p) {
			if _, busy := s.InFlightFetches[p]; !busy {
				s.missing.pushBack(p)
			}
		}
	}
}

// HandleSyncHeads records a peer's advertised heads and enqueues any
// unknown ones.
func (s *Session) HandleSyncHeads(heads wireproto.SyncHeads, store NodeStore) {
	if heads.ConversationID != s.ConversationID {
		return
	}
	for _, h := range heads.Heads {
		s.RemoteHeads[h] = struct{}{}
		if !store.HasNode(h) && !s.missing.contains(h) {
			if _, busy := s.InFlightFetches[h]; !busy {
				s.missing.pushBack(h)
			}
		}
	}
}

// HandleSyncSketch implements §4.5's IBLT reconciliation steps 2-4.
func (s *Session) HandleSyncSketch(sketch wireproto.SyncSketch, store NodeStore) (DecodeOutcome, error) {
	if sketch.ConversationID != s.ConversationID {
		return DecodeOutcome{}, nil
	}

	local := reconcile.NewSketch(len(sketch.Cells))
	localHashes, err := store.GetNodeHashesInRange(s.ConversationID, sketch.Range)
	if err != nil {
		return DecodeOutcome{}, fmt.Errorf("syncsession: local hashes in range: %w", err)
	}
	for _, h := range localHashes {
		local.Insert(h)
	}

	remote := reconcile.FromCells(sketch.Cells)
	if err := remote.Subtract(local); err != nil {
		return DecodeOutcome{}, fmt.Errorf("syncsession: sketch subtraction: %w", err)
	}

	missingLocallyIDs, missingRemotelyIDs, ok := remote.Decode()
	if !ok {
		s.PromoteIbltTier(sketch.Range)
		return DecodeOutcome{Success: false}, nil
	}

	missingLocally := toHashes(missingLocallyIDs)
	for _, h := range missingLocally {
		if !store.HasNode(h) && !s.missing.contains(h) {
			if _, busy := s.InFlightFetches[h]; !busy {
				s.missing.pushBack(h)
			}
		}
	}

	return DecodeOutcome{
		Success:         true,
		MissingLocally:  missingLocally,
		MissingRemotely: toHashes(missingRemotelyIDs),
	}, nil
}

func toHashes(ids [][32]byte) []dag.NodeHash {
	out := make([]dag.NodeHash, len(ids))
	for i, id := range ids {
		out[i] = dag.NodeHash(id)
	}
	return out
}

// HandleSyncReconFail is the peer telling us it gave up on range.
func (s *Session) HandleSyncReconFail(r reconcile.Range) {
	s.PromoteIbltTier(r)
}

// NextFetchBatch dequeues up to n not-in-flight hashes (§4.5 fetch
// batching).
func (s *Session) NextFetchBatch(n int) *wireproto.FetchBatchReq {
	hashes := make([]dag.NodeHash, 0, n)
	for len(hashes) < n {
		h, ok := s.missing.popFront()
		if !ok {
			break
		}
		if _, busy := s.InFlightFetches[h]; busy {
			continue
		}
		s.InFlightFetches[h] = struct{}{}
		hashes = append(hashes, h)
	}
	if len(hashes) == 0 {
		return nil
	}
	return &wireproto.FetchBatchReq{ConversationID: s.ConversationID, Hashes: hashes}
}

// OnNodeReceived updates local_heads/missing_nodes once a fetched or
// pushed node arrives (§4.5, mirrors active.rs's on_node_received minus
// the shallow-sync and blob-availability branches, which belong to the
// orchestrator/blob layers rather than the session itself).
func (s *Session) OnNodeReceived(node *dag.MerkleNode, store NodeStore) {
	hash := node.Hash()
	delete(s.InFlightFetches, hash)

	for _, p := range node.Parents {
		delete(s.LocalHeads, p)
	}
	if !store.HasChildren(hash) {
		s.LocalHeads[hash] = struct{}{}
	}
	s.HeadsDirty = true

	isAdmin := node.NodeType() == dag.NodeAdmin
	for _, p := range node.Parents {
		if store.HasNode(p) || s.missing.contains(p) {
			continue
		}
		if _, busy := s.InFlightFetches[p]; busy {
			continue
		}
		if isAdmin {
			s.missing.pushFront(p)
		} else {
			s.missing.pushBack(p)
		}
	}
}

// MakeSyncHeads builds the head-advertisement message, truncated to
// MaxHeadsSync.
func (s *Session) MakeSyncHeads(flags uint64) wireproto.SyncHeads {
	heads := make([]dag.NodeHash, 0, len(s.LocalHeads))
	for h := range s.LocalHeads {
		heads = append(heads, h)
		if len(heads) == wireproto.MaxHeadsSync {
			break
		}
	}
	return wireproto.SyncHeads{ConversationID: s.ConversationID, Heads: heads, Flags: flags}
}

// MakeSyncSketch builds an IBLT sketch over range at tier.
func (s *Session) MakeSyncSketch(r reconcile.Range, tier reconcile.Tier, store NodeStore) (wireproto.SyncSketch, error) {
	sk := reconcile.NewSketch(tier.CellCount())
	hashes, err := store.GetNodeHashesInRange(s.ConversationID, r)
	if err != nil {
		return wireproto.SyncSketch{}, fmt.Errorf("syncsession: hashes in range: %w", err)
	}
	for _, h := range hashes {
		sk.Insert(h)
	}
	return wireproto.SyncSketch{ConversationID: s.ConversationID, Range: r, Cells: sk.IntoCells()}, nil
}

// MakeSyncShardChecksums computes the coarse-diff fallback shards over
// every rank up to the local heads' max rank.
func (s *Session) MakeSyncShardChecksums(store NodeStore) (wireproto.SyncShardChecksums, error) {
	heads := store.GetHeads(s.ConversationID)
	var maxRank uint64
	for _, h := range heads {
		if r, ok := store.GetRank(h); ok && r > maxRank {
			maxRank = r
		}
	}

	var entries []wireproto.ShardEntry
	for _, rng := range reconcile.ShardRanges(0, maxRank) {
		hashes, err := store.GetNodeHashesInRange(s.ConversationID, rng)
		if err != nil {
			return wireproto.SyncShardChecksums{}, fmt.Errorf("syncsession: shard hashes: %w", err)
		}
		ids := make([][32]byte, len(hashes))
		for i, h := range hashes {
			ids[i] = h
		}
		entries = append(entries, wireproto.ShardEntry{Range: rng, Checksum: reconcile.ShardChecksum(ids)})
	}
	return wireproto.SyncShardChecksums{ConversationID: s.ConversationID, Shards: entries}, nil
}

// HandleSyncShardChecksums compares a peer's shard checksums against
// ours and returns the ranges that differ.
func (s *Session) HandleSyncShardChecksums(remote wireproto.SyncShardChecksums, store NodeStore) ([]reconcile.Range, error) {
	local, err := s.MakeSyncShardChecksums(store)
	if err != nil {
		return nil, err
	}
	localByRange := make(map[reconcile.Range][32]byte, len(local.Shards))
	for _, e := range local.Shards {
		localByRange[e.Range] = e.Checksum
	}

	var diff []reconcile.Range
	for _, e := range remote.Shards {
		if lc, ok := localByRange[e.Range]; !ok || lc != e.Checksum {
			diff = append(diff, e.Range)
		}
	}
	return diff, nil
}

// NextWakeup implements §4.5's "Next wakeup" rule and P8 ("no tight
// loop"): now is only ever returned when there is concrete dirty state
// or fetchable work.
func (s *Session) NextWakeup(nowMs int64) int64 {
	wakeup := nowMs + 3_600_000

	hasFetchable := s.missing.hasFetchable(s.InFlightFetches)
	if s.HeadsDirty || s.ReconDirty || hasFetchable {
		wakeup = nowMs
	}

	for _, expiry := range s.PendingChallenges {
		// A challenge at or past its expiry is no work to wake up for:
		// VerifySolution only ever rejects it.
		if expiry <= nowMs {
			continue
		}
		if expiry < wakeup {
			wakeup = expiry
		}
	}

	nextRecon := s.LastReconTimeMs + reconciliationIntervalMs
	if nextRecon > nowMs && nextRecon < wakeup {
		wakeup = nextRecon
	}

	return wakeup
}

// GenerateChallenge issues a ReconPowChallenge and buffers the sketch it
// gates, to be released once the requester solves it (§4.5 PoW
// throttling).
func (s *Session) GenerateChallenge(sketch wireproto.SyncSketch, nowMs int64) (wireproto.ReconPowChallenge, error) {
	raw, err := xcrypto.RandomBytes(32)
	if err != nil {
		return wireproto.ReconPowChallenge{}, fmt.Errorf("syncsession: generate challenge nonce: %w", err)
	}
	var nonce [32]byte
	copy(nonce[:], raw)
	s.PendingChallenges[nonce] = nowMs + powChallengeTimeoutMs
	s.PendingSketches[nonce] = sketch
	return wireproto.ReconPowChallenge{Nonce: nonce, Difficulty: s.EffectiveDifficulty}, nil
}

// TakePendingSketch removes and returns the sketch buffered under nonce.
func (s *Session) TakePendingSketch(nonce [32]byte) (wireproto.SyncSketch, bool) {
	sk, ok := s.PendingSketches[nonce]
	delete(s.PendingSketches, nonce)
	return sk, ok
}

// VerifySolution checks a solution against its challenge's difficulty
// and expiry, consuming the challenge either way once checked.
func (s *Session) VerifySolution(nonce [32]byte, solution uint64, nowMs int64) bool {
	expiry, ok := s.PendingChallenges[nonce]
	if !ok {
		return false
	}
	if expiry < nowMs {
		delete(s.PendingChallenges, nonce)
		return false
	}

	ok = verifySolutionFn(nonce, solution, s.EffectiveDifficulty)
	if ok {
		delete(s.PendingChallenges, nonce)
	}
	return ok
}

// verifySolutionFn is a package variable so tests can stub PoW
// verification without mining a real solution; production callers leave
// it at its default, reconcile.VerifySolution.
var verifySolutionFn = defaultVerifySolution

// UpdateDifficultyConsensus folds in one peer's reported difficulty and
// recomputes the median-based effective difficulty (§4.5
// difficulty_votes).
func (s *Session) UpdateDifficultyConsensus(voter dag.PhysicalDevicePk, difficulty uint32) {
	s.DifficultyVotes[voter] = difficulty
	votes := make([]uint32, 0, len(s.DifficultyVotes))
	for _, d := range s.DifficultyVotes {
		votes = append(votes, d)
	}
	if len(votes) == 0 {
		s.EffectiveDifficulty = defaultReconDifficulty
		return
	}
	insertionSortU32(votes)
	s.EffectiveDifficulty = votes[len(votes)/2]
}

func insertionSortU32(v []uint32) {
	for i := 1; i < len(v); i++ {
		for j := i; j > 0 && v[j-1] > v[j]; j-- {
			v[j-1], v[j] = v[j], v[j-1]
		}
	}
}
