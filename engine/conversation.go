package engine

import (
	"sort"

	"mtox/dag"
	"mtox/identity"
	"mtox/keys"
)

// State is the per-conversation lifecycle (§4.4).
type State int

const (
	StateUnknown State = iota
	StatePending
	StateEstablished
)

// clockFn lets tests and the orchestrator inject the current time instead
// of the engine calling time.Now() directly, keeping ApplyNode/AuthorNode
// deterministic given identical inputs.
type clockFn func() int64

// Tunables bounds the engine's own background-work thresholds (§4.4 poll).
type Tunables struct {
	RekeyNodeCountThreshold int
	RekeyElapsedMsThreshold int64
	PreKeyExpiryGraceMs     int64
}

// Conversation holds one conversation's live engine state: lifecycle,
// heads, the key schedule, the identity/delegation manager, and the
// speculative-node index used for iterative re-verification.
type Conversation struct {
	ID          dag.ConversationId
	LogicalRoot dag.LogicalIdentityPk
	SelfDevice  dag.PhysicalDevicePk
	SelfLogical dag.LogicalIdentityPk

	State State
	Now   clockFn
	Tun   Tunables

	Keys     *keys.State
	Identity *identity.Manager

	heads      map[dag.NodeHash]struct{}
	adminHeads map[dag.NodeHash]struct{}

	// speculative holds nodes not yet verified: nodes waiting on missing
	// parents (also listed in pendingParents) and nodes that failed
	// authentication, authorization or the permission check. Only the
	// first kind is retried automatically, once a missing parent is
	// applied (reverifySpeculativeDescendants, §4.4 step 6); the others
	// stay here until ApplyNode is called for them again.
	speculative map[dag.NodeHash]*dag.MerkleNode
	// pendingParents maps a missing parent hash to the children waiting
	// on it, so a single fetched node can unblock every dependent.
	pendingParents map[dag.NodeHash][]dag.NodeHash

	lastAuthoredSeq map[dag.PhysicalDevicePk]uint64

	epochNodeCount int
	epochStartedAt int64

	difficulty uint32
}

func NewConversation(id dag.ConversationId, logicalRoot dag.LogicalIdentityPk, selfDevice dag.PhysicalDevicePk, selfLogical dag.LogicalIdentityPk, difficulty uint32, now clockFn, tun Tunables) *Conversation {
	return &Conversation{
		ID:              id,
		LogicalRoot:     logicalRoot,
		SelfDevice:      selfDevice,
		SelfLogical:     selfLogical,
		State:           StateUnknown,
		Now:             now,
		Tun:             tun,
		Keys:            keys.NewState(),
		Identity:        identity.NewManager(logicalRoot),
		heads:           make(map[dag.NodeHash]struct{}),
		adminHeads:      make(map[dag.NodeHash]struct{}),
		speculative:     make(map[dag.NodeHash]*dag.MerkleNode),
		pendingParents:  make(map[dag.NodeHash][]dag.NodeHash),
		lastAuthoredSeq: make(map[dag.PhysicalDevicePk]uint64),
		difficulty:      difficulty,
	}
}

func (c *Conversation) Heads() []dag.NodeHash      { return sortedHashes(c.heads) }
func (c *Conversation) AdminHeads() []dag.NodeHash { return sortedHashes(c.adminHeads) }

func sortedHashes(set map[dag.NodeHash]struct{}) []dag.NodeHash {
	out := make([]dag.NodeHash, 0, len(set))
	for h := range set {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// advanceHeads replaces any head that is now a parent of node with node's
// own hash, for the appropriate track (Admin heads only move for Admin
// nodes, keeping chain isolation, §3).
func (c *Conversation) advanceHeads(node *dag.MerkleNode, hash dag.NodeHash) {
	set := c.heads
	if node.NodeType() == dag.NodeAdmin {
		set = c.adminHeads
	}
	for _, p := range node.Parents {
		delete(set, p)
	}
	set[hash] = struct{}{}
}

// truncateParents implements author_node step 2: cap at MaxParents,
// tie-broken by lex order of hash.
func truncateParents(heads []dag.NodeHash) []dag.NodeHash {
	sorted := append([]dag.NodeHash(nil), heads...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Less(sorted[j]) })
	if len(sorted) > dag.MaxParents {
		sorted = sorted[:dag.MaxParents]
	}
	return sorted
}
