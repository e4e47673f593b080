package engine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"mtox/dag"
	"mtox/xcrypto"
)

// memStore is a minimal in-memory Store used only to exercise the engine
// in isolation from the real persistence backends.
type memStore struct {
	nodes map[dag.NodeHash]*dag.MerkleNode
	ranks map[dag.NodeHash]uint64
	types map[dag.NodeHash]dag.NodeType
}

func newMemStore() *memStore {
	return &memStore{
		nodes: make(map[dag.NodeHash]*dag.MerkleNode),
		ranks: make(map[dag.NodeHash]uint64),
		types: make(map[dag.NodeHash]dag.NodeType),
	}
}

func (m *memStore) GetNode(hash dag.NodeHash) (*dag.MerkleNode, bool) { n, ok := m.nodes[hash]; return n, ok }
func (m *memStore) ContainsNode(hash dag.NodeHash) bool               { _, ok := m.nodes[hash]; return ok }
func (m *memStore) HasChildren(hash dag.NodeHash) bool                { return false }
func (m *memStore) GetRank(hash dag.NodeHash) (uint64, bool)          { r, ok := m.ranks[hash]; return r, ok }
func (m *memStore) GetNodeType(hash dag.NodeHash) (dag.NodeType, bool) { t, ok := m.types[hash]; return t, ok }
func (m *memStore) GetLastSequenceNumber(dag.ConversationId, dag.PhysicalDevicePk) uint64 { return 0 }

func (m *memStore) apply(effects []Effect) {
	for _, e := range effects {
		if e.Kind == EffectWriteStore {
			m.nodes[e.Hash] = e.Node
			m.types[e.Hash] = e.Node.NodeType()
			m.ranks[e.Hash] = e.Node.TopologicalRank
		}
	}
}

type macSigner struct{}

func (macSigner) SignAdmin(authData []byte) ([64]byte, error) {
	var out [64]byte
	return out, nil // unused: this test suite only authors MACed 1-on-1 Genesis
}

func clockAt(ms int64) clockFn { return func() int64 { return ms } }

func TestOneOnOneBootstrap_AliceAuthorsGenesisBobVerifies(t *testing.T) {
	store := newMemStore()

	alicePub, _, err := xcrypto.GenerateEd25519KeyPair()
	require.NoError(t, err)

	var kConv [32]byte
	copy(kConv[:], []byte("shared-conversation-secret-00000"))

	genesisContent := dag.Content{Kind: dag.ContentControl, Control: dag.ControlAction{
		Kind: dag.ActionGenesis,
		Genesis: dag.GenesisAction{
			Title:     "alice-bob",
			CreatorPk: dag.LogicalIdentityPk(alicePub),
			CreatedAt: 1000,
		},
	}}

	genesisAuthData := (&dag.MerkleNode{
		AuthorPk:         dag.LogicalIdentityPk(alicePub),
		SenderPk:         dag.PhysicalDevicePk(alicePub),
		NetworkTimestamp: 1000,
		Content:          genesisContent,
	}).SerializeForAuth(dag.ConversationId{})

	// The 1-on-1 Genesis is MACed (no PoW required) under K_mac for epoch 0.
	epochKeys := deriveEpochKeysForTest(0, kConv)
	mac, err := xcrypto.MAC(epochKeys.KMac[:], genesisAuthData)
	require.NoError(t, err)

	genesis := &dag.MerkleNode{
		AuthorPk:         dag.LogicalIdentityPk(alicePub),
		SenderPk:         dag.PhysicalDevicePk(alicePub),
		NetworkTimestamp: 1000,
		Content:          genesisContent,
		Authentication:   dag.MacAuth(mac),
	}
	genesisHash := genesis.Hash()
	conversationID := dag.ConversationId(genesisHash)

	bob := NewConversation(conversationID, dag.LogicalIdentityPk(alicePub), dag.PhysicalDevicePk(alicePub), dag.LogicalIdentityPk(alicePub), 12, clockAt(1000), Tunables{})
	bob.Keys.InstallEpoch(0, kConv)

	effects, err := bob.ApplyNode(store, genesis)
	require.NoError(t, err)
	require.NotEmpty(t, effects)
	store.apply(effects)
	require.Equal(t, StateEstablished, bob.State)
	require.True(t, store.ContainsNode(genesisHash))
}

// deriveEpochKeysForTest avoids importing the keys package's unexported
// helpers; it mirrors DeriveEpochKeys exactly since that function is
// exported, kept local only to make the authData/mac construction above
// readable inline.
func deriveEpochKeysForTest(epoch uint64, kConv [32]byte) struct{ KEnc, KMac, KRoot [32]byte } {
	enc := xcrypto.HKDF(nil, kConv[:], []byte("enc"), 32)
	mac := xcrypto.HKDF(nil, kConv[:], []byte("mac"), 32)
	root := xcrypto.HKDF(nil, kConv[:], []byte("root"), 32)
	var out struct{ KEnc, KMac, KRoot [32]byte }
	copy(out.KEnc[:], enc)
	copy(out.KMac[:], mac)
	copy(out.KRoot[:], root)
	return out
}

func TestApplyNode_MissingParentParksSpeculative(t *testing.T) {
	store := newMemStore()
	pub, _, err := xcrypto.GenerateEd25519KeyPair()
	require.NoError(t, err)

	var missingParent dag.NodeHash
	copy(missingParent[:], []byte("a-parent-hash-that-is-unknown-00"))

	node := &dag.MerkleNode{
		Parents:          []dag.NodeHash{missingParent},
		AuthorPk:         dag.LogicalIdentityPk(pub),
		SenderPk:         dag.PhysicalDevicePk(pub),
		TopologicalRank:  1,
		NetworkTimestamp: 1000,
		Content:          dag.Content{Kind: dag.ContentText, Text: "hi"},
		Authentication:   dag.MacAuth([32]byte{1}),
	}

	conv := NewConversation(dag.ConversationId{}, dag.LogicalIdentityPk(pub), dag.PhysicalDevicePk(pub), dag.LogicalIdentityPk(pub), 12, clockAt(1000), Tunables{})
	effects, err := conv.ApplyNode(store, node)
	require.NoError(t, err)
	require.Empty(t, effects)
	require.Contains(t, conv.pendingParents, missingParent)
}

func TestPoll_RekeyThresholdSchedulesImmediateWakeup(t *testing.T) {
	pub, _, err := xcrypto.GenerateEd25519KeyPair()
	require.NoError(t, err)
	conv := NewConversation(dag.ConversationId{}, dag.LogicalIdentityPk(pub), dag.PhysicalDevicePk(pub), dag.LogicalIdentityPk(pub), 12, clockAt(1000), Tunables{RekeyNodeCountThreshold: 1})
	conv.epochNodeCount = 5

	result := conv.Poll(2000)
	require.Equal(t, int64(2000), result.NextWakeupMs)
	require.NotEmpty(t, result.Effects)
}
