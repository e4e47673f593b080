// Package node wires the engine, key schedule, identity manager, sync
// sessions, persistent store, blob store, and transport into one running
// participant: it is the only package that performs I/O, mirroring the
// original node.rs orchestrator's role of applying engine.Effect values
// against concrete backends while the engine itself stays pure.
package node

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/denisbrodbeck/machineid"

	"mtox/config"
	"mtox/dag"
	"mtox/engine"
	"mtox/keystore"
	"mtox/metrics"
	"mtox/reconcile"
	"mtox/store"
	"mtox/syncsession"
	"mtox/transport"
)

// Store is the persistence surface a Node needs: the full NodeStore plus
// BlobStore contract (§4.7), typically one SQLStore/MemStore value
// implementing both halves.
type Store interface {
	store.NodeStore
	store.BlobStore
}

// EventHandler receives engine lifecycle events (NodeVerified,
// RekeyThresholdCrossed, ...), the Go equivalent of node.rs's
// NodeEventHandler trait object.
type EventHandler func(kind string, node *dag.MerkleNode)

// conversationState bundles one conversation's live engine state with its
// per-peer sync sessions — the sessions a Rust SequenceSession would track
// at the transport layer are unnecessary here since Transport delivers
// already-framed, already-reliable messages (Ably or MemoryBus), so the
// only per-peer state this layer needs is anti-entropy bookkeeping.
type conversationState struct {
	conv      *engine.Conversation
	sessions  map[dag.PhysicalDevicePk]*syncsession.Session
	wireCache map[dag.NodeHash]*dag.WireNode
}

// Node is a transport-agnostic participant: one running device, any
// number of conversations, one sync session per (conversation, peer).
type Node struct {
	mu sync.Mutex

	SelfDevice  dag.PhysicalDevicePk
	SelfLogical dag.LogicalIdentityPk
	DeviceLabel string

	store     Store
	transport transport.Transport
	keys      *keystore.KeyStore
	metrics   *metrics.Collector
	tunables  config.Tunables
	logger    *slog.Logger

	nowMs func() int64

	conversations map[dag.ConversationId]*conversationState
	eventHandler  EventHandler

	engineStore *engineStoreAdapter
	syncStore   *syncStoreAdapter
}

// New builds a Node around a concrete store/transport pair. nowMs lets
// tests inject a deterministic clock; production callers pass
// func() int64 { return time.Now().UnixMilli() }.
func New(selfDevice dag.PhysicalDevicePk, selfLogical dag.LogicalIdentityPk, st Store, tr transport.Transport, ks *keystore.KeyStore, mc *metrics.Collector, tun config.Tunables, nowMs func() int64, logger *slog.Logger) *Node {
	if logger == nil {
		logger = slog.Default()
	}
	n := &Node{
		SelfDevice:    selfDevice,
		SelfLogical:   selfLogical,
		store:         st,
		transport:     tr,
		keys:          ks,
		metrics:       mc,
		tunables:      tun,
		logger:        logger,
		nowMs:         nowMs,
		conversations: make(map[dag.ConversationId]*conversationState),
	}
	n.engineStore = &engineStoreAdapter{store: st, logger: logger}
	n.syncStore = &syncStoreAdapter{store: st, logger: logger}

	if label, err := machineid.ProtectedID("mtox"); err == nil {
		n.DeviceLabel = label
	} else {
		n.logger.Warn("node: machine id unavailable, device label left blank", "error", err)
	}

	tr.OnReceive(n.HandlePacket)
	return n
}

// SetEventHandler installs the callback EffectEmitEvent effects are
// delivered through.
func (n *Node) SetEventHandler(h EventHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.eventHandler = h
}

// RegisterConversation starts tracking a conversation in memory, deriving
// its engine.Tunables from the node's configured profile.
func (n *Node) RegisterConversation(id dag.ConversationId, logicalRoot dag.LogicalIdentityPk) *engine.Conversation {
	n.mu.Lock()
	defer n.mu.Unlock()

	if cs, ok := n.conversations[id]; ok {
		return cs.conv
	}

	conv := engine.NewConversation(id, logicalRoot, n.SelfDevice, n.SelfLogical, n.tunables.GenesisPoWDifficulty, n.clockFn(), engine.Tunables{
		RekeyNodeCountThreshold: int(n.tunables.RotateAfterNodeCount),
		RekeyElapsedMsThreshold: n.tunables.RotateAfterDuration.Milliseconds(),
	})
	n.conversations[id] = &conversationState{
		conv:     conv,
		sessions: make(map[dag.PhysicalDevicePk]*syncsession.Session),
	}
	if n.metrics != nil {
		n.metrics.ActiveConversations.Set(float64(len(n.conversations)))
	}
	return conv
}

func (n *Node) clockFn() func() int64 {
	return n.nowMs
}

// Conversation looks up a previously registered conversation.
func (n *Node) Conversation(id dag.ConversationId) (*engine.Conversation, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	cs, ok := n.conversations[id]
	if !ok {
		return nil, false
	}
	return cs.conv, true
}

// sessionFor returns (creating if necessary) the anti-entropy session for
// (cid, peer), starting it in Handshake.
func (n *Node) sessionFor(cid dag.ConversationId, peer dag.PhysicalDevicePk) (*conversationState, *syncsession.Session, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	cs, ok := n.conversations[cid]
	if !ok {
		return nil, nil, false
	}
	sess, ok := cs.sessions[peer]
	if !ok {
		sess = syncsession.NewSession(cid, peer.String())
		cs.sessions[peer] = sess
	}
	return cs, sess, true
}

// SetPeerAvailable starts (or restarts) anti-entropy with peer once it
// becomes reachable, and drops the session once it goes offline so
// reconciliation begins fresh on reconnect (mirrors node.rs's
// set_peer_available, minus the transport-reliability session this layer
// doesn't have).
func (n *Node) SetPeerAvailable(cid dag.ConversationId, peer dag.PhysicalDevicePk, available bool) {
	if !available {
		n.mu.Lock()
		if cs, ok := n.conversations[cid]; ok {
			delete(cs.sessions, peer)
		}
		n.mu.Unlock()
		return
	}
	if err := n.InitiateHandshake(cid, peer); err != nil {
		n.logger.Warn("node: initiate handshake failed", "conversation", cid, "peer", peer, "error", err)
	}
}

// NodeStatus is an observability snapshot, the Go analogue of node.rs's
// NodeStatus.
type NodeStatus struct {
	Device             dag.PhysicalDevicePk
	Heads              []dag.NodeHash
	AdminHeads         []dag.NodeHash
	SpeculativeCount   int
	AuthorizedDevices  int
	CurrentEpoch       uint64
	ActivePeerSessions int
}

// Status snapshots one conversation's observable state.
func (n *Node) Status(ctx context.Context, cid dag.ConversationId) (NodeStatus, error) {
	n.mu.Lock()
	cs, ok := n.conversations[cid]
	n.mu.Unlock()
	if !ok {
		return NodeStatus{}, fmt.Errorf("node: conversation %s not registered", cid)
	}

	spec, err := n.store.GetSpeculativeNodes(ctx, cid)
	if err != nil {
		return NodeStatus{}, fmt.Errorf("node: status: %w", err)
	}

	return NodeStatus{
		Device:             n.SelfDevice,
		Heads:              cs.conv.Heads(),
		AdminHeads:         cs.conv.AdminHeads(),
		SpeculativeCount:   len(spec),
		AuthorizedDevices:  cs.conv.Identity.DeviceCount(),
		CurrentEpoch:       cs.conv.Keys.CurrentEpoch,
		ActivePeerSessions: len(cs.sessions),
	}, nil
}

// engineStoreAdapter satisfies engine.Store's narrow, synchronous,
// no-error interface by fixing context.Background() and logging (rather
// than surfacing) storage errors — the engine's own contract has no way
// to propagate them, so a failed lookup degrades to "unknown", which
// simply re-parks the node speculative until the store recovers.
type engineStoreAdapter struct {
	store  Store
	logger *slog.Logger
}

func (a *engineStoreAdapter) GetNode(hash dag.NodeHash) (*dag.MerkleNode, bool) {
	n, ok, err := a.store.GetNode(context.Background(), hash)
	if err != nil {
		a.logger.Error("node: engine store GetNode failed", "hash", hash, "error", err)
		return nil, false
	}
	return n, ok
}

func (a *engineStoreAdapter) ContainsNode(hash dag.NodeHash) bool {
	ok, err := a.store.ContainsNode(context.Background(), hash)
	if err != nil {
		a.logger.Error("node: engine store ContainsNode failed", "hash", hash, "error", err)
		return false
	}
	return ok
}

func (a *engineStoreAdapter) HasChildren(hash dag.NodeHash) bool {
	ok, err := a.store.HasChildren(context.Background(), hash)
	if err != nil {
		a.logger.Error("node: engine store HasChildren failed", "hash", hash, "error", err)
		return false
	}
	return ok
}

func (a *engineStoreAdapter) GetRank(hash dag.NodeHash) (uint64, bool) {
	rank, ok, err := a.store.GetRank(context.Background(), hash)
	if err != nil {
		a.logger.Error("node: engine store GetRank failed", "hash", hash, "error", err)
		return 0, false
	}
	return rank, ok
}

func (a *engineStoreAdapter) GetNodeType(hash dag.NodeHash) (dag.NodeType, bool) {
	t, ok, err := a.store.GetNodeType(context.Background(), hash)
	if err != nil {
		a.logger.Error("node: engine store GetNodeType failed", "hash", hash, "error", err)
		return 0, false
	}
	return t, ok
}

func (a *engineStoreAdapter) GetLastSequenceNumber(cid dag.ConversationId, device dag.PhysicalDevicePk) uint64 {
	seq, err := a.store.GetLastSequenceNumber(context.Background(), cid, device)
	if err != nil {
		a.logger.Error("node: engine store GetLastSequenceNumber failed", "error", err)
		return 0
	}
	return seq
}

// syncStoreAdapter satisfies syncsession.NodeStore the same way: fixed
// context, logged-and-degraded errors. GetNodeHashesInRange keeps its
// error return since sync sessions already handle that failure path
// explicitly (it feeds straight into an IBLT decode attempt).
type syncStoreAdapter struct {
	store  Store
	logger *slog.Logger
}

func (a *syncStoreAdapter) HasNode(hash dag.NodeHash) bool {
	ok, err := a.store.ContainsNode(context.Background(), hash)
	if err != nil {
		a.logger.Error("node: sync store HasNode failed", "hash", hash, "error", err)
		return false
	}
	return ok
}

func (a *syncStoreAdapter) HasChildren(hash dag.NodeHash) bool {
	ok, err := a.store.HasChildren(context.Background(), hash)
	if err != nil {
		a.logger.Error("node: sync store HasChildren failed", "hash", hash, "error", err)
		return false
	}
	return ok
}

func (a *syncStoreAdapter) GetRank(hash dag.NodeHash) (uint64, bool) {
	rank, ok, err := a.store.GetRank(context.Background(), hash)
	if err != nil {
		a.logger.Error("node: sync store GetRank failed", "hash", hash, "error", err)
		return 0, false
	}
	return rank, ok
}

func (a *syncStoreAdapter) GetHeads(cid dag.ConversationId) []dag.NodeHash {
	heads, err := a.store.GetHeads(context.Background(), cid)
	if err != nil {
		a.logger.Error("node: sync store GetHeads failed", "error", err)
		return nil
	}
	return heads
}

func (a *syncStoreAdapter) GetNodeHashesInRange(cid dag.ConversationId, r reconcile.Range) ([]dag.NodeHash, error) {
	return a.store.GetNodeHashesInRange(context.Background(), cid, r)
}
