package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mtox/dag"
	"mtox/reconcile"
)

func sampleNode(t *testing.T, rank uint64, seq uint64) *dag.MerkleNode {
	t.Helper()
	n := &dag.MerkleNode{
		SequenceNumber:  seq,
		TopologicalRank: rank,
		Content: dag.Content{
			Kind: dag.ContentText,
			Text: "hello",
		},
		Authentication: dag.MacAuth([32]byte{1, 2, 3}),
	}
	n.SenderPk[1] = byte(seq)
	return n
}

// storeSuite runs the same behavioral assertions against any NodeStore +
// BlobStore implementation, so MemStore and the SQL-backed stores are
// checked against one contract (§4.8's "byte-equivalent" requirement).
func storeSuite(t *testing.T, ns NodeStore, bs BlobStore) {
	ctx := context.Background()
	cid := dag.ConversationId{9}

	n1 := sampleNode(t, 1, 1)
	n2 := sampleNode(t, 2, 2)
	n2.Parents = []dag.NodeHash{n1.Hash()}

	require.NoError(t, ns.PutNode(ctx, cid, n1, true))
	require.NoError(t, ns.PutNode(ctx, cid, n2, false))

	got, ok, err := ns.GetNode(ctx, n1.Hash())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, n1.SequenceNumber, got.SequenceNumber)
	assert.Equal(t, n1.TopologicalRank, got.TopologicalRank)

	contains, err := ns.ContainsNode(ctx, n2.Hash())
	require.NoError(t, err)
	assert.True(t, contains)

	hasChildren, err := ns.HasChildren(ctx, n1.Hash())
	require.NoError(t, err)
	assert.True(t, hasChildren)

	hasChildren, err = ns.HasChildren(ctx, n2.Hash())
	require.NoError(t, err)
	assert.False(t, hasChildren)

	rank, ok, err := ns.GetRank(ctx, n2.Hash())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(2), rank)

	spec, err := ns.GetSpeculativeNodes(ctx, cid)
	require.NoError(t, err)
	require.Len(t, spec, 1)
	assert.Equal(t, n2.Hash(), spec[0].Hash())

	require.NoError(t, ns.MarkVerified(ctx, cid, n2.Hash()))
	spec, err = ns.GetSpeculativeNodes(ctx, cid)
	require.NoError(t, err)
	assert.Empty(t, spec)

	heads := []dag.NodeHash{n2.Hash()}
	require.NoError(t, ns.SetHeads(ctx, cid, heads))
	gotHeads, err := ns.GetHeads(ctx, cid)
	require.NoError(t, err)
	assert.ElementsMatch(t, heads, gotHeads)

	require.NoError(t, ns.SetAdminHeads(ctx, cid, heads))
	gotAdminHeads, err := ns.GetAdminHeads(ctx, cid)
	require.NoError(t, err)
	assert.ElementsMatch(t, heads, gotAdminHeads)

	kConv := [32]byte{7}
	require.NoError(t, ns.PutConversationKey(ctx, cid, 0, kConv))
	keys, err := ns.GetConversationKeys(ctx, cid)
	require.NoError(t, err)
	assert.Equal(t, kConv, keys[0])

	require.NoError(t, ns.UpdateEpochMetadata(ctx, cid, 5, 1000))
	meta, err := ns.GetEpochMetadata(ctx, cid)
	require.NoError(t, err)
	assert.Equal(t, 5, meta.NodeCount)
	assert.Equal(t, int64(1000), meta.StartedAt)

	rec := RatchetKeyRecord{Epoch: 0, ChainKey: [32]byte{4}, Counter: 3}
	require.NoError(t, ns.PutRatchetKey(ctx, cid, n1.SenderPk, rec))
	gotRec, ok, err := ns.GetRatchetKey(ctx, cid, n1.SenderPk)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rec, gotRec)

	require.NoError(t, ns.RemoveRatchetKey(ctx, cid, n1.SenderPk))
	_, ok, err = ns.GetRatchetKey(ctx, cid, n1.SenderPk)
	require.NoError(t, err)
	assert.False(t, ok)

	seq, err := ns.GetLastSequenceNumber(ctx, cid, n2.SenderPk)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)

	inRange, err := ns.GetNodeHashesInRange(ctx, cid, reconcile.Range{MinRank: 1, MaxRank: 1})
	require.NoError(t, err)
	assert.ElementsMatch(t, []dag.NodeHash{n1.Hash()}, inRange)

	byType, err := ns.GetVerifiedNodesByType(ctx, cid, dag.NodeContent)
	require.NoError(t, err)
	require.Len(t, byType, 2)
	assert.ElementsMatch(t, []dag.NodeHash{n1.Hash(), n2.Hash()}, []dag.NodeHash{byType[0].Hash(), byType[1].Hash()})

	hash := dag.NodeHash{5, 5}
	require.NoError(t, bs.PutBlobInfo(ctx, BlobInfo{Hash: hash, TotalChunks: 2, TotalSize: 20}))
	info, ok, err := bs.GetBlobInfo(ctx, hash)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(2), info.TotalChunks)
	assert.Equal(t, uint64(20), info.TotalSize)

	has, err := bs.HasBlob(ctx, hash)
	require.NoError(t, err)
	assert.True(t, has)

	require.NoError(t, bs.PutChunk(ctx, hash, 0, []byte("abcde")))
	chunk, ok, err := bs.GetChunk(ctx, hash, 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("abcde"), chunk)

	hasChunk, err := bs.HasChunk(ctx, hash, 1)
	require.NoError(t, err)
	assert.False(t, hasChunk)
}

func TestMemStore_Suite(t *testing.T) {
	s := NewMemStore()
	storeSuite(t, s, s)
}

// TestSQLStore_Suite exercises the exact same contract against the
// sqlite-backed implementation, checked in-process against an in-memory
// database — the P10 property this satisfies is "any database/sql
// backend that applies schema.sql and implements these queries behaves
// identically to MemStore," which NewLibSQLStore shares by construction.
func TestSQLStore_Suite(t *testing.T) {
	s, err := NewSQLiteStore("file::memory:?cache=shared")
	require.NoError(t, err)
	defer s.Close()
	storeSuite(t, s, s)
}
