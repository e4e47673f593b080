package transport

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mtox/dag"
)

func TestMemoryTransport_DeliversToRegisteredPeer(t *testing.T) {
	bus := NewMemoryBus()
	alice := dag.PhysicalDevicePk{1}
	bob := dag.PhysicalDevicePk{2}

	aliceT := bus.NewTransport(alice)
	bobT := bus.NewTransport(bob)

	var gotFrom dag.PhysicalDevicePk
	var gotData []byte
	bobT.OnReceive(func(from dag.PhysicalDevicePk, data []byte) {
		gotFrom = from
		gotData = data
	})

	require.NoError(t, aliceT.SendRaw(context.Background(), bob, []byte("hello")))
	assert.Equal(t, alice, gotFrom)
	assert.Equal(t, []byte("hello"), gotData)
}

func TestMemoryTransport_SendToUnknownPeerIsNoop(t *testing.T) {
	bus := NewMemoryBus()
	alice := dag.PhysicalDevicePk{1}
	aliceT := bus.NewTransport(alice)

	unknown := dag.PhysicalDevicePk{9, 9}
	err := aliceT.SendRaw(context.Background(), unknown, []byte("x"))
	assert.NoError(t, err)
}

func TestMemoryTransport_CloseRemovesFromBus(t *testing.T) {
	bus := NewMemoryBus()
	alice := dag.PhysicalDevicePk{1}
	bob := dag.PhysicalDevicePk{2}

	aliceT := bus.NewTransport(alice)
	bobT := bus.NewTransport(bob)
	require.NoError(t, bobT.Close())

	received := false
	bobT.OnReceive(func(dag.PhysicalDevicePk, []byte) { received = true })

	require.NoError(t, aliceT.SendRaw(context.Background(), bob, []byte("x")))
	assert.False(t, received)
}
