package transport

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/ably/ably-go/ably"

	"mtox/dag"
)

// AblyTransport gives every physical device its own Ably channel
// ("device:<hex pubkey>"), adapted from the teacher's per-conversation
// channel model (§4.9: "one channel per physical device so messages
// for an offline device queue in Ably rather than being dropped"). The
// sender's device key travels inside the published payload rather than
// Ably's own ClientID, so no capability beyond basic publish/subscribe
// is required of the API key.
type AblyTransport struct {
	client *ably.Realtime
	self   dag.PhysicalDevicePk

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	handler Handler
}

// NewAblyTransport connects as the given device and subscribes to its
// own inbound channel.
func NewAblyTransport(apiKey string, self dag.PhysicalDevicePk) (*AblyTransport, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("transport: ably api key is required")
	}

	client, err := ably.NewRealtime(ably.WithKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("transport: new ably client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &AblyTransport{client: client, self: self, ctx: ctx, cancel: cancel}

	channel := client.Channels.Get(deviceChannelName(self))
	_, err = channel.SubscribeAll(ctx, func(msg *ably.Message) {
		if msg.Name != "frame" {
			return
		}
		from, payload, ok := decodeFrame(msg.Data)
		if !ok {
			return
		}
		t.mu.RLock()
		h := t.handler
		t.mu.RUnlock()
		if h != nil {
			h(from, payload)
		}
	})
	if err != nil {
		cancel()
		client.Close()
		return nil, fmt.Errorf("transport: subscribe own channel: %w", err)
	}

	return t, nil
}

func (t *AblyTransport) SendRaw(ctx context.Context, to dag.PhysicalDevicePk, data []byte) error {
	channel := t.client.Channels.Get(deviceChannelName(to))
	if err := channel.Publish(ctx, "frame", encodeFrame(t.self, data)); err != nil {
		return fmt.Errorf("transport: publish to %s: %w", to, err)
	}
	return nil
}

func (t *AblyTransport) OnReceive(h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

func (t *AblyTransport) Close() error {
	t.cancel()
	t.client.Close()
	return nil
}

func deviceChannelName(pk dag.PhysicalDevicePk) string {
	return "device:" + hex.EncodeToString(pk[:])
}

// encodeFrame/decodeFrame pack sender-device-key || payload as a single
// base64 string, the shape Ably's JSON transport carries most cheaply.
func encodeFrame(from dag.PhysicalDevicePk, payload []byte) string {
	buf := make([]byte, 0, 32+len(payload))
	buf = append(buf, from[:]...)
	buf = append(buf, payload...)
	return base64.StdEncoding.EncodeToString(buf)
}

func decodeFrame(data interface{}) (dag.PhysicalDevicePk, []byte, bool) {
	var pk dag.PhysicalDevicePk
	s, ok := data.(string)
	if !ok {
		return pk, nil, false
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil || len(raw) < 32 {
		return pk, nil, false
	}
	copy(pk[:], raw[:32])
	return pk, raw[32:], true
}
