package syncsession

import (
	"testing"

	"github.com/stretchr/testify/require"

	"mtox/dag"
	"mtox/reconcile"
	"mtox/wireproto"
	"mtox/xcrypto"
)

// fakeStore is a minimal NodeStore stand-in for exercising the session
// in isolation.
type fakeStore struct {
	nodes    map[dag.NodeHash]struct{}
	children map[dag.NodeHash]struct{}
	ranks    map[dag.NodeHash]uint64
	heads    map[dag.ConversationId][]dag.NodeHash
	byRange  map[dag.ConversationId][]dag.NodeHash
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		nodes:    make(map[dag.NodeHash]struct{}),
		children: make(map[dag.NodeHash]struct{}),
		ranks:    make(map[dag.NodeHash]uint64),
		heads:    make(map[dag.ConversationId][]dag.NodeHash),
		byRange:  make(map[dag.ConversationId][]dag.NodeHash),
	}
}

func (s *fakeStore) HasNode(h dag.NodeHash) bool     { _, ok := s.nodes[h]; return ok }
func (s *fakeStore) HasChildren(h dag.NodeHash) bool { _, ok := s.children[h]; return ok }
func (s *fakeStore) GetRank(h dag.NodeHash) (uint64, bool) {
	r, ok := s.ranks[h]
	return r, ok
}
func (s *fakeStore) GetHeads(cid dag.ConversationId) []dag.NodeHash { return s.heads[cid] }
func (s *fakeStore) GetNodeHashesInRange(cid dag.ConversationId, _ reconcile.Range) ([]dag.NodeHash, error) {
	return s.byRange[cid], nil
}

func hashOf(n int) dag.NodeHash {
	return dag.NodeHash(xcrypto.Hash([]byte{byte(n), byte(n >> 8)}))
}

func TestSession_HandleSyncHeads_EnqueuesUnknownHeads(t *testing.T) {
	store := newFakeStore()
	s := NewSession(dag.ConversationId{}, "bob")
	s.Activate()

	h1, h2 := hashOf(1), hashOf(2)
	s.HandleSyncHeads(wireproto.SyncHeads{ConversationID: s.ConversationID, Heads: []dag.NodeHash{h1, h2}}, store)

	require.Contains(t, s.RemoteHeads, h1)
	require.Contains(t, s.RemoteHeads, h2)

	batch := s.NextFetchBatch(10)
	require.NotNil(t, batch)
	require.ElementsMatch(t, []dag.NodeHash{h1, h2}, batch.Hashes)
}

func TestSession_NextFetchBatch_RespectsInFlight(t *testing.T) {
	store := newFakeStore()
	s := NewSession(dag.ConversationId{}, "bob")
	h1 := hashOf(1)
	s.HandleSyncHeads(wireproto.SyncHeads{ConversationID: s.ConversationID, Heads: []dag.NodeHash{h1}}, store)

	first := s.NextFetchBatch(10)
	require.Equal(t, []dag.NodeHash{h1}, first.Hashes)

	second := s.NextFetchBatch(10)
	require.Nil(t, second)
}

func TestSession_IbltTierPromotionOnDecodeFailure(t *testing.T) {
	store := newFakeStore()
	s := NewSession(dag.ConversationId{}, "bob")
	r := reconcile.Range{Epoch: 0, MinRank: 0, MaxRank: 100}

	var manyHashes [][32]byte
	for i := 0; i < 500; i++ {
		manyHashes = append(manyHashes, hashOf(i))
	}
	store.byRange[s.ConversationID] = toDagHashes(manyHashes)

	tier, ok := s.GetIbltTier(r)
	require.True(t, ok)
	require.Equal(t, reconcile.TierSmall, tier)

	remote := reconcile.NewSketch(reconcile.TierTiny.CellCount())
	for i := 1000; i < 1500; i++ {
		remote.Insert(hashOf(i))
	}
	sketch := wireproto.SyncSketch{ConversationID: s.ConversationID, Range: r, Cells: remote.IntoCells()}

	outcome, err := s.HandleSyncSketch(sketch, store)
	require.NoError(t, err)
	require.False(t, outcome.Success)

	tier, ok = s.GetIbltTier(r)
	require.True(t, ok)
	require.Equal(t, reconcile.TierMedium, tier)
}

func toDagHashes(ids [][32]byte) []dag.NodeHash {
	out := make([]dag.NodeHash, len(ids))
	for i, id := range ids {
		out[i] = dag.NodeHash(id)
	}
	return out
}

func TestSession_NextWakeup_NoTightLoop(t *testing.T) {
	s := NewSession(dag.ConversationId{}, "bob")
	now := int64(1000)

	// Nothing dirty, nothing fetchable, no pending anything: wakeup must
	// be strictly in the future (P8).
	wakeup := s.NextWakeup(now)
	require.Greater(t, wakeup, now)

	s.HeadsDirty = true
	require.Equal(t, now, s.NextWakeup(now))
}

func TestSession_GenerateChallengeAndVerifySolution(t *testing.T) {
	s := NewSession(dag.ConversationId{}, "bob")
	s.EffectiveDifficulty = 4

	sketch := wireproto.SyncSketch{ConversationID: s.ConversationID}
	challenge, err := s.GenerateChallenge(sketch, 0)
	require.NoError(t, err)

	solution := reconcile.SolveChallenge(challenge.Nonce, challenge.Difficulty)
	require.True(t, s.VerifySolution(challenge.Nonce, solution, 5000))

	buffered, ok := s.TakePendingSketch(challenge.Nonce)
	require.True(t, ok)
	require.Equal(t, s.ConversationID, buffered.ConversationID)
}

func TestSession_VerifySolution_ExpiredChallengeFails(t *testing.T) {
	s := NewSession(dag.ConversationId{}, "bob")
	challenge, err := s.GenerateChallenge(wireproto.SyncSketch{}, 0)
	require.NoError(t, err)

	require.False(t, s.VerifySolution(challenge.Nonce, 0, powChallengeTimeoutMs+1))
}

func TestSession_UpdateDifficultyConsensus_Median(t *testing.T) {
	s := NewSession(dag.ConversationId{}, "bob")
	var a, b, c dag.PhysicalDevicePk
	a[0], b[0], c[0] = 1, 2, 3

	s.UpdateDifficultyConsensus(a, 10)
	s.UpdateDifficultyConsensus(b, 20)
	s.UpdateDifficultyConsensus(c, 12)

	require.Equal(t, uint32(12), s.EffectiveDifficulty)
}
