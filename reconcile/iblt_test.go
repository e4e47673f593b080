package reconcile

import (
	"testing"

	"github.com/stretchr/testify/require"

	"mtox/xcrypto"
)

func idAt(n int) [32]byte {
	return xcrypto.Hash([]byte{byte(n), byte(n >> 8), byte(n >> 16)})
}

func TestSketch_DecodeSmallSymmetricDifference(t *testing.T) {
	local := NewSketch(TierSmall.CellCount())
	remote := NewSketch(TierSmall.CellCount())

	var common [][32]byte
	for i := 0; i < 20; i++ {
		common = append(common, idAt(i))
	}
	for _, id := range common {
		local.Insert(id)
		remote.Insert(id)
	}

	onlyLocal := idAt(1000)
	onlyRemote := idAt(2000)
	local.Insert(onlyLocal)
	remote.Insert(onlyRemote)

	remote.Subtract(local) //nolint:errcheck
	missingLocally, missingRemotely, ok := remote.Decode()
	require.True(t, ok)
	require.ElementsMatch(t, [][32]byte{onlyRemote}, missingLocally)
	require.ElementsMatch(t, [][32]byte{onlyLocal}, missingRemotely)
}

func TestSketch_DecodeFailsWhenDifferenceExceedsTier(t *testing.T) {
	local := NewSketch(TierTiny.CellCount())
	remote := NewSketch(TierTiny.CellCount())

	for i := 0; i < 500; i++ {
		remote.Insert(idAt(i))
	}
	for i := 500; i < 1000; i++ {
		local.Insert(idAt(i))
	}

	remote.Subtract(local) //nolint:errcheck
	_, _, ok := remote.Decode()
	require.False(t, ok)
}

func TestTier_PromotionLadder(t *testing.T) {
	tier := TierTiny
	var ok bool
	tier, ok = tier.Promote()
	require.True(t, ok)
	require.Equal(t, TierSmall, tier)

	tier, ok = tier.Promote()
	require.True(t, ok)
	require.Equal(t, TierMedium, tier)

	tier, ok = tier.Promote()
	require.True(t, ok)
	require.Equal(t, TierLarge, tier)

	_, ok = tier.Promote()
	require.False(t, ok)
}

func TestSketch_SubtractSizeMismatch(t *testing.T) {
	a := NewSketch(16)
	b := NewSketch(64)
	err := a.Subtract(b)
	require.Error(t, err)
}

func TestSketch_FromCellsIntoCellsRoundTrip(t *testing.T) {
	s := NewSketch(16)
	s.Insert(idAt(1))
	s.Insert(idAt(2))
	cells := s.IntoCells()

	restored := FromCells(cells)
	require.Equal(t, cells, restored.IntoCells())
}

func TestPow_SolveThenVerify(t *testing.T) {
	nonce := xcrypto.Hash([]byte("reconcile-pow-test-nonce"))
	const difficulty = 8

	solution := SolveChallenge(nonce, difficulty)
	require.True(t, VerifySolution(nonce, solution, difficulty))
	require.False(t, VerifySolution(nonce, solution+1, 64))
}

func TestShardChecksum_OrderIndependent(t *testing.T) {
	a := [][32]byte{idAt(1), idAt(2), idAt(3)}
	b := [][32]byte{idAt(3), idAt(1), idAt(2)}
	require.Equal(t, ShardChecksum(a), ShardChecksum(b))
}

func TestShardRanges_CoversUpToMaxRank(t *testing.T) {
	ranges := ShardRanges(0, ShardSize*2+10)
	require.Len(t, ranges, 3)
	require.Equal(t, uint64(0), ranges[0].MinRank)
	require.Equal(t, uint64(ShardSize), ranges[1].MinRank)
}
