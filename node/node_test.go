package node

import (
	"context"
	"testing"

	"github.com/99designs/keyring"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"mtox/config"
	"mtox/dag"
	"mtox/engine"
	"mtox/identity"
	"mtox/keystore"
	"mtox/metrics"
	"mtox/store"
	"mtox/transport"
	"mtox/xcrypto"
)

// testDevice bundles the keying material and plumbing one simulated device
// needs to run a Node against a shared in-process transport.
type testDevice struct {
	pub  []byte
	priv []byte
	node *Node
}

func newTestDevice(t *testing.T, bus *transport.MemoryBus, nowMs func() int64) testDevice {
	t.Helper()
	pub, priv, err := xcrypto.GenerateEd25519KeyPair()
	require.NoError(t, err)

	ks := keystore.NewWithKeyring(keyring.NewArrayKeyring(nil))
	require.NoError(t, ks.StorePhysicalDeviceSk(priv))
	require.NoError(t, ks.StoreLogicalIdentitySk(priv))

	var devicePk dag.PhysicalDevicePk
	copy(devicePk[:], pub)

	tr := bus.NewTransport(devicePk)
	mc := metrics.NewCollector(prometheus.NewRegistry())
	tun := config.Defaults()
	tun.GenesisPoWDifficulty = 0

	n := New(devicePk, dag.LogicalIdentityPk(devicePk), store.NewMemStore(), tr, ks, mc, tun, nowMs, nil)
	return testDevice{pub: pub, priv: priv, node: n}
}

func (d testDevice) devicePk() dag.PhysicalDevicePk {
	var pk dag.PhysicalDevicePk
	copy(pk[:], d.pub)
	return pk
}

func (d testDevice) logicalPk() dag.LogicalIdentityPk {
	return dag.LogicalIdentityPk(d.devicePk())
}

// TestTwoNodeEndToEnd_GenesisDelegationAndContent drives a full pair of
// Node orchestrators over a MemoryBus through the entire lifecycle a real
// conversation goes through: the proactive CapsAnnounce/CapsAck handshake,
// a signed Genesis, the self-bootstrap and cross-delegation AuthorizeDevice
// actions every device needs before its own content is accepted, and
// finally one ratchet-MACed, epoch-encrypted content message applied on
// the receiving end.
func TestTwoNodeEndToEnd_GenesisDelegationAndContent(t *testing.T) {
	ctx := context.Background()
	bus := transport.NewMemoryBus()

	var now int64 = 1_000
	clock := func() int64 { return now }

	alice := newTestDevice(t, bus, clock)
	bob := newTestDevice(t, bus, clock)

	var cid dag.ConversationId
	copy(cid[:], []byte("integration-test-conversation-0"))
	logicalRoot := alice.logicalPk()

	aliceConv := alice.node.RegisterConversation(cid, logicalRoot)
	bobConv := bob.node.RegisterConversation(cid, logicalRoot)

	// Both sides must announce availability: each SetPeerAvailable call
	// only creates and activates *its own* session entry, so a one-sided
	// call leaves the other device's session never created.
	alice.node.SetPeerAvailable(cid, bob.devicePk(), true)
	bob.node.SetPeerAvailable(cid, alice.devicePk(), true)

	// --- Genesis -------------------------------------------------------
	genesisContent := dag.Content{Kind: dag.ContentControl, Control: dag.ControlAction{
		Kind: dag.ActionGenesis,
		Genesis: dag.GenesisAction{
			Title:     "alice-bob",
			CreatorPk: logicalRoot,
			CreatedAt: now,
		},
	}}
	genesisNode, err := alice.node.Author(cid, genesisContent, nil)
	require.NoError(t, err)
	require.Equal(t, engine.StateEstablished, aliceConv.State)

	bobHasGenesis, err := bob.node.store.ContainsNode(ctx, genesisNode.Hash())
	require.NoError(t, err)
	require.True(t, bobHasGenesis)
	require.Equal(t, engine.StateEstablished, bobConv.State)

	// --- Alice self-bootstraps her own device --------------------------
	aliceCert := dag.DelegationCertificate{DevicePk: alice.devicePk(), Permissions: dag.PermAll}
	aliceCert.Signature = identity.SignCert(aliceCert, alice.priv)
	_, err = alice.node.Author(cid, dag.Content{Kind: dag.ContentControl, Control: dag.ControlAction{
		Kind:            dag.ActionAuthorizeDevice,
		AuthorizeDevice: aliceCert,
	}}, nil)
	require.NoError(t, err)

	require.True(t, aliceConv.Identity.IsAuthorized(alice.devicePk(), now, 0))
	require.True(t, bobConv.Identity.IsAuthorized(alice.devicePk(), now, 0))

	// --- Alice delegates to Bob's device --------------------------------
	bobCert := dag.DelegationCertificate{DevicePk: bob.devicePk(), Permissions: dag.PermAll}
	bobCert.Signature = identity.SignCert(bobCert, alice.priv)
	_, err = alice.node.Author(cid, dag.Content{Kind: dag.ContentControl, Control: dag.ControlAction{
		Kind:            dag.ActionAuthorizeDevice,
		AuthorizeDevice: bobCert,
	}}, nil)
	require.NoError(t, err)

	require.True(t, aliceConv.Identity.IsAuthorized(bob.devicePk(), now, 0))
	require.True(t, bobConv.Identity.IsAuthorized(bob.devicePk(), now, 0))

	// --- Install a shared epoch directly, bypassing X3DH onboarding -----
	var kConv [32]byte
	copy(kConv[:], []byte("shared-conversation-secret-00000"))
	aliceConv.Keys.InstallEpoch(0, kConv)
	bobConv.Keys.InstallEpoch(0, kConv)

	// --- Bob authors a content message, Alice verifies it ---------------
	contentNode, err := bob.node.Author(cid, dag.Content{Kind: dag.ContentText, Text: "hello alice"}, nil)
	require.NoError(t, err)

	stored, ok, err := alice.node.store.GetNode(ctx, contentNode.Hash())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "hello alice", stored.Content.Text)
	require.Equal(t, bob.devicePk(), stored.SenderPk)
}
