package reconcile

import (
	"sort"

	"mtox/xcrypto"
)

// Range identifies the rank window an IBLT sketch or shard checksum
// covers within one epoch (§4.5's (epoch, min_rank, max_rank)).
type Range struct {
	Epoch   uint64
	MinRank uint64
	MaxRank uint64
}

// ShardSize is the rank-span of one shard-checksum bucket, used by the
// shard-checksum fallback once a range's IBLT tier ladder is exhausted.
const ShardSize = 4096

// ShardRanges partitions [0, maxRank] into ShardSize-wide ranges for one
// epoch, mirroring make_sync_shard_checksums's step_by loop.
func ShardRanges(epoch uint64, maxRank uint64) []Range {
	var ranges []Range
	for start := uint64(0); start <= maxRank; start += ShardSize {
		ranges = append(ranges, Range{Epoch: epoch, MinRank: start, MaxRank: start + ShardSize - 1})
	}
	return ranges
}

// ShardChecksum hashes a shard's node hashes in canonical sorted order,
// giving two peers a cheap way to localize a diff once IBLT decoding is
// exhausted for a range.
func ShardChecksum(hashes [][32]byte) [32]byte {
	sorted := make([][32]byte, len(hashes))
	copy(sorted, hashes)
	sort.Slice(sorted, func(i, j int) bool {
		for k := range sorted[i] {
			if sorted[i][k] != sorted[j][k] {
				return sorted[i][k] < sorted[j][k]
			}
		}
		return false
	})
	buf := make([]byte, 0, len(sorted)*32)
	for _, h := range sorted {
		buf = append(buf, h[:]...)
	}
	return xcrypto.Hash(buf)
}
