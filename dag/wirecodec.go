package dag

import "mtox/codec"

// EncodeWireNode canonically serializes a WireNode for network framing —
// distinct from EncodeNode (the store's at-rest format, auth field and
// all, before PackWire's encryption/padding is applied).
func EncodeWireNode(n *WireNode) []byte {
	w := codec.NewWriter()
	writeHashSet(w, n.Parents)
	w.WriteFixed(n.AuthorPk[:])
	w.WriteBytes(n.EncryptedPayload)
	w.WriteUint64(n.TopologicalRank)
	w.WriteInt64(n.NetworkTimestamp)
	w.WriteUint32(uint32(n.Flags))
	writeAuth(w, n.Authentication)
	return w.Bytes()
}

// DecodeWireNode is EncodeWireNode's inverse.
func DecodeWireNode(data []byte) (*WireNode, error) {
	r := codec.NewReader(data)

	parents, err := readHashSet(r)
	if err != nil {
		return nil, err
	}
	authorPk, err := r.ReadFixed(32)
	if err != nil {
		return nil, err
	}
	payload, err := r.ReadBytes()
	if err != nil {
		return nil, err
	}
	rank, err := r.ReadUint64()
	if err != nil {
		return nil, err
	}
	ts, err := r.ReadInt64()
	if err != nil {
		return nil, err
	}
	flags, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	auth, err := readAuth(r)
	if err != nil {
		return nil, err
	}

	n := &WireNode{
		Parents:          parents,
		EncryptedPayload: payload,
		TopologicalRank:  rank,
		NetworkTimestamp: ts,
		Flags:            WireFlags(flags),
		Authentication:   auth,
	}
	copy(n.AuthorPk[:], authorPk)
	return n, nil
}
