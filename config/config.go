// Package config loads the tunables the core treats as configuration
// rather than hard-coded constants: PoW difficulty, epoch rotation
// thresholds, speculative-pool bounds, and key retention windows.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Tunables holds every protocol parameter spec.md's §9 open questions
// leave implementation-defined. Of these, node reads only
// GenesisPoWDifficulty, RotateAfterNodeCount, RotateAfterDuration and
// FetchBatchSize; no package reads the other fields, so they carry their
// values without changing any behaviour.
type Tunables struct {
	// GenesisPoWDifficulty is the minimum leading-zero-bit count a
	// group Genesis node's hash must satisfy (§6.4).
	GenesisPoWDifficulty uint32

	// RotateAfterNodeCount triggers automatic epoch rotation once this
	// many nodes have been authored under the current epoch.
	RotateAfterNodeCount uint32
	// RotateAfterDuration triggers automatic epoch rotation once this
	// much time has elapsed since the epoch started.
	RotateAfterDuration time.Duration
	// RotateOnMembershipChange rotates on Invite/Leave/AuthorizeDevice/
	// RevokeDevice in addition to the thresholds above.
	RotateOnMembershipChange bool

	// MaxSpeculativeNodes is a size limit for the per-conversation
	// speculative pool. The engine does not enforce it: the pool is
	// unbounded and no error is returned when it grows past this value.
	MaxSpeculativeNodes int

	// RetentionRankWindow and RetentionGracePeriod together bound how
	// long a superseded epoch's KConv is retained: both conditions
	// must hold before a key is purged.
	RetentionRankWindow  uint64
	RetentionGracePeriod time.Duration

	// MaxHeadsPerSyncMessage caps SyncHeads advertisements (§4.5).
	MaxHeadsPerSyncMessage int
	// FetchBatchSize bounds a single FetchBatchReq.
	FetchBatchSize int
	// ReconciliationInterval is how often a sync session re-runs IBLT
	// reconciliation against an already-active peer.
	ReconciliationInterval time.Duration
	// PoWChallengeTimeout bounds how long a ReconPowChallenge nonce
	// remains solvable before being dropped.
	PoWChallengeTimeout time.Duration
	// DefaultReconDifficulty seeds effective_difficulty before any
	// peer votes have been recorded.
	DefaultReconDifficulty uint32
	// MaxIdentityChainDepth is a depth limit for delegation-chain DFS
	// (§4.2). identity does not read it; its DFS uses its own fixed
	// maxChainDepth, which equals this field's default of 8.
	MaxIdentityChainDepth int
}

// Defaults returns the documented default profile.
func Defaults() Tunables {
	return Tunables{
		GenesisPoWDifficulty:     12,
		RotateAfterNodeCount:     1000,
		RotateAfterDuration:      7 * 24 * time.Hour,
		RotateOnMembershipChange: true,
		MaxSpeculativeNodes:      4096,
		RetentionRankWindow:      500,
		RetentionGracePeriod:     72 * time.Hour,
		MaxHeadsPerSyncMessage:   64,
		FetchBatchSize:           32,
		ReconciliationInterval:   30 * time.Second,
		PoWChallengeTimeout:      10 * time.Second,
		DefaultReconDifficulty:   8,
		MaxIdentityChainDepth:    8,
	}
}

// LoadFromEnv loads a .env.local file if present (mirroring the teacher's
// main.go), then overlays the six MTOX_* environment variables it reads
// (MTOX_POW_DIFFICULTY, MTOX_ROTATE_NODE_COUNT, MTOX_ROTATE_INTERVAL,
// MTOX_MAX_SPECULATIVE_NODES, MTOX_RETENTION_RANK_WINDOW,
// MTOX_RETENTION_GRACE) onto the documented defaults; a value that does
// not parse is ignored.
func LoadFromEnv(dotenvPath string) Tunables {
	if dotenvPath != "" {
		_ = godotenv.Load(dotenvPath)
	}

	t := Defaults()
	if v, ok := envUint32("MTOX_POW_DIFFICULTY"); ok {
		t.GenesisPoWDifficulty = v
	}
	if v, ok := envUint32("MTOX_ROTATE_NODE_COUNT"); ok {
		t.RotateAfterNodeCount = v
	}
	if v, ok := envDuration("MTOX_ROTATE_INTERVAL"); ok {
		t.RotateAfterDuration = v
	}
	if v, ok := envInt("MTOX_MAX_SPECULATIVE_NODES"); ok {
		t.MaxSpeculativeNodes = v
	}
	if v, ok := envUint32("MTOX_RETENTION_RANK_WINDOW"); ok {
		t.RetentionRankWindow = uint64(v)
	}
	if v, ok := envDuration("MTOX_RETENTION_GRACE"); ok {
		t.RetentionGracePeriod = v
	}
	return t
}

func envUint32(key string) (uint32, bool) {
	s, ok := os.LookupEnv(key)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(v), true
}

func envInt(key string) (int, bool) {
	s, ok := os.LookupEnv(key)
	if !ok {
		return 0, false
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return v, true
}

func envDuration(key string) (time.Duration, bool) {
	s, ok := os.LookupEnv(key)
	if !ok {
		return 0, false
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, false
	}
	return v, true
}
