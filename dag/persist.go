package dag

import "mtox/codec"

// EncodeNode canonically serializes a full MerkleNode, authentication
// field included — the store's at-rest representation of an already
// verified (or speculative) node, distinct from the wire codec's
// encrypted/padded transport form (§6.5 "the exact on-disk format is
// the store's choice").
func EncodeNode(n *MerkleNode) []byte {
	return serializeNode(n)
}

// DecodeNode is EncodeNode's inverse.
func DecodeNode(data []byte) (*MerkleNode, error) {
	r := codec.NewReader(data)

	parents, err := readHashSet(r)
	if err != nil {
		return nil, err
	}
	authorPk, err := r.ReadFixed(32)
	if err != nil {
		return nil, err
	}
	senderPk, err := r.ReadFixed(32)
	if err != nil {
		return nil, err
	}
	seq, err := r.ReadUint64()
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
	content, err := readContent(r)
	if err != nil {
		return nil, err
	}
	metadata, err := r.ReadBytes()
	if err != nil {
		return nil, err
	}
	auth, err := readAuth(r)
	if err != nil {
		return nil, err
	}

	n := &MerkleNode{
		Parents:          parents,
		SequenceNumber:   seq,
		TopologicalRank:  rank,
		NetworkTimestamp: ts,
		Content:          *content,
		Metadata:         metadata,
		Authentication:   auth,
	}
	copy(n.AuthorPk[:], authorPk)
	copy(n.SenderPk[:], senderPk)
	return n, nil
}

func readAuth(r *codec.Reader) (NodeAuth, error) {
	tag, err := r.ReadTag()
	if err != nil {
		return NodeAuth{}, err
	}
	if tag == 0 {
		mac, err := r.ReadFixed(32)
		if err != nil {
			return NodeAuth{}, err
		}
		var m [32]byte
		copy(m[:], mac)
		return MacAuth(m), nil
	}
	sig, err := r.ReadFixed(64)
	if err != nil {
		return NodeAuth{}, err
	}
	var s [64]byte
	copy(s[:], sig)
	return SignatureAuth(s), nil
}
