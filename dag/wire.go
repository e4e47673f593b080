package dag

import (
	"fmt"

	"github.com/klauspost/compress/zstd"

	"mtox/codec"
	"mtox/xcrypto"
)

// ConversationKeys is the minimal key material wire packing needs: the
// epoch's encryption key (§4.1 step 4). Key schedule details live in
// package keys; this is just the shape dag needs to stay decoupled from it.
type ConversationKeys struct {
	KEnc [32]byte
}

var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	decoder, _ = zstd.NewReader(nil)
)

// PackWire converts a logical MerkleNode to its wire representation. Admin
// nodes (and KeyWrap content, which must stay readable to devices that
// don't yet hold the epoch's K_enc) are emitted unencrypted; everything
// else is ChaCha20-encrypted under K_enc with a nonce derived from the
// node's own MAC (§4.1).
func (n *MerkleNode) PackWire(keys ConversationKeys, useCompression bool) (*WireNode, error) {
	nodeType := n.NodeType()
	isKeyWrap := n.Content.Kind == ContentKeyWrap

	payload := make([]byte, 0, 256)
	payload = append(payload, n.SenderPk[:]...)
	var seqBuf [8]byte
	putUint64BE(seqBuf[:], n.SequenceNumber)
	payload = append(payload, seqBuf[:]...)
	payload = append(payload, SerializeContent(n.Content)...)
	payload = append(payload, n.Metadata...)

	flags := FlagNone
	if useCompression {
		compressed := encoder.EncodeAll(payload, nil)
		if len(compressed) < len(payload) {
			payload = compressed
			flags |= FlagCompressed
		}
	}

	payload = applyPadding(payload)

	if nodeType == NodeAdmin || isKeyWrap {
		return &WireNode{
			Parents:          n.Parents,
			AuthorPk:         n.AuthorPk,
			EncryptedPayload: payload,
			TopologicalRank:  n.TopologicalRank,
			NetworkTimestamp: n.NetworkTimestamp,
			Flags:            flags,
			Authentication:   n.Authentication,
		}, nil
	}

	var nonce [12]byte
	if n.Authentication.Mac != nil {
		copy(nonce[:], n.Authentication.Mac[:12])
	}
	if err := xcrypto.ChaCha20Crypt(keys.KEnc[:], nonce[:], payload); err != nil {
		return nil, fmt.Errorf("dag: encrypt wire payload: %w", err)
	}
	flags |= FlagEncrypted

	return &WireNode{
		Parents:          n.Parents,
		AuthorPk:         n.AuthorPk,
		EncryptedPayload: payload,
		TopologicalRank:  n.TopologicalRank,
		NetworkTimestamp: n.NetworkTimestamp,
		Flags:            flags,
		Authentication:   n.Authentication,
	}, nil
}

// UnpackWire reconstructs a logical MerkleNode from its wire form: the
// inverse of PackWire, with strict padding validation.
func UnpackWire(w *WireNode, keys ConversationKeys) (*MerkleNode, error) {
	payload := append([]byte(nil), w.EncryptedPayload...)

	if w.Flags&FlagEncrypted != 0 {
		var nonce [12]byte
		if w.Authentication.Mac != nil {
			copy(nonce[:], w.Authentication.Mac[:12])
		}
		if err := xcrypto.ChaCha20Crypt(keys.KEnc[:], nonce[:], payload); err != nil {
			return nil, fmt.Errorf("dag: decrypt wire payload: %w", err)
		}
	}

	payload, err := removePadding(payload)
	if err != nil {
		return nil, &ValidationError{Kind: ErrInvalidPadding, Detail: err.Error()}
	}

	if w.Flags&FlagCompressed != 0 {
		decompressed, err := decoder.DecodeAll(payload, nil)
		if err != nil {
			return nil, &ValidationError{Kind: ErrDecompressionFailed, Detail: err.Error()}
		}
		payload = decompressed
	}

	const minSize = 32 + 8
	if len(payload) < minSize {
		return nil, &ValidationError{Kind: ErrInvalidWirePayloadSize, Detail: fmt.Sprintf("payload %d bytes, need at least %d", len(payload), minSize)}
	}

	var senderPk PhysicalDevicePk
	copy(senderPk[:], payload[0:32])
	sequenceNumber := getUint64BE(payload[32:40])

	content, consumed, err := parseContent(payload[40:])
	if err != nil {
		return nil, fmt.Errorf("dag: parse content: %w", err)
	}
	metadata := payload[40+consumed:]

	return &MerkleNode{
		Parents:          w.Parents,
		AuthorPk:         w.AuthorPk,
		SenderPk:         senderPk,
		SequenceNumber:   sequenceNumber,
		TopologicalRank:  w.TopologicalRank,
		NetworkTimestamp: w.NetworkTimestamp,
		Content:          *content,
		Metadata:         append([]byte(nil), metadata...),
		Authentication:   w.Authentication,
	}, nil
}

// applyPadding implements ISO/IEC 7816-4 padding: append 0x80, then
// zero-pad to the next power of two, floored at MinPaddingBytes (§4.1).
func applyPadding(data []byte) []byte {
	data = append(data, 0x80)
	target := nextPowerOfTwo(len(data))
	if target < MinPaddingBytes {
		target = MinPaddingBytes
	}
	if target > len(data) {
		data = append(data, make([]byte, target-len(data))...)
	}
	return data
}

// removePadding strips ISO/IEC 7816-4 padding, rejecting anything where the
// last non-zero byte isn't 0x80.
func removePadding(data []byte) ([]byte, error) {
	idx := len(data) - 1
	for idx >= 0 && data[idx] == 0x00 {
		idx--
	}
	if idx < 0 {
		return nil, fmt.Errorf("no non-zero bytes found (invalid padding)")
	}
	if data[idx] != 0x80 {
		return nil, fmt.Errorf("last non-zero byte is not 0x80")
	}
	return data[:idx], nil
}

func nextPowerOfTwo(n int) int {
	if n <= 1 {
		return 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

func putUint64BE(b []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}

func getUint64BE(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// parseContent decodes a canonical Content from the front of data,
// returning the number of bytes consumed so the caller can slice off the
// trailing metadata field.
func parseContent(data []byte) (*Content, int, error) {
	r := codec.NewReader(data)
	c, err := readContent(r)
	if err != nil {
		return nil, 0, err
	}
	return c, len(data) - r.Remaining(), nil
}
