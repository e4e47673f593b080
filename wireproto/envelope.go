package wireproto

import (
	"fmt"

	"mtox/codec"
	"mtox/dag"
)

// Encode serializes any wireproto message into a framed
// kind-byte-prefixed envelope, the unit a Transport actually moves.
func Encode(msg interface{}) ([]byte, error) {
	w := codec.NewWriter()

	switch m := msg.(type) {
	case CapsAnnounce:
		w.WriteTag(byte(KindCapsAnnounce))
		w.WriteUint64(m.Caps)
		w.WriteFixed(m.Nonce[:])
	case CapsAck:
		w.WriteTag(byte(KindCapsAck))
		w.WriteUint64(m.Caps)
		w.WriteFixed(m.Nonce[:])
	case SyncHeads:
		w.WriteTag(byte(KindSyncHeads))
		w.WriteFixed(m.ConversationID[:])
		w.WriteUint32(uint32(len(m.Heads)))
		for _, h := range m.Heads {
			w.WriteFixed(h[:])
		}
		w.WriteUint64(m.Flags)
	case SyncSketch:
		w.WriteTag(byte(KindSyncSketch))
		w.WriteBytes(EncodeSyncSketch(m))
	case SyncReconFail:
		w.WriteTag(byte(KindSyncReconFail))
		w.WriteFixed(m.ConversationID[:])
		writeRange(w, m.Range)
	case SyncShardChecksums:
		w.WriteTag(byte(KindSyncShardChecksums))
		w.WriteFixed(m.ConversationID[:])
		w.WriteUint32(uint32(len(m.Shards)))
		for _, sh := range m.Shards {
			writeRange(w, sh.Range)
			w.WriteFixed(sh.Checksum[:])
		}
	case ReconPowChallenge:
		w.WriteTag(byte(KindReconPowChallenge))
		w.WriteFixed(m.Nonce[:])
		w.WriteUint32(m.Difficulty)
	case ReconPowSolution:
		w.WriteTag(byte(KindReconPowSolution))
		w.WriteFixed(m.Nonce[:])
		w.WriteUint64(m.Solution)
	case FetchBatchReq:
		w.WriteTag(byte(KindFetchBatchReq))
		w.WriteFixed(m.ConversationID[:])
		w.WriteUint32(uint32(len(m.Hashes)))
		for _, h := range m.Hashes {
			w.WriteFixed(h[:])
		}
	case MerkleNodeMsg:
		w.WriteTag(byte(KindMerkleNode))
		w.WriteFixed(m.ConversationID[:])
		w.WriteBytes(dag.EncodeWireNode(m.Wire))
	case BlobQuery:
		w.WriteTag(byte(KindBlobQuery))
		w.WriteFixed(m.ConversationID[:])
		w.WriteFixed(m.BlobHash[:])
	case BlobAvail:
		w.WriteTag(byte(KindBlobAvail))
		w.WriteFixed(m.ConversationID[:])
		w.WriteFixed(m.BlobHash[:])
		w.WriteUint32(m.TotalChunks)
	case BlobReq:
		w.WriteTag(byte(KindBlobReq))
		w.WriteFixed(m.ConversationID[:])
		w.WriteFixed(m.BlobHash[:])
		w.WriteUint32(m.ChunkIndex)
	case BlobData:
		w.WriteTag(byte(KindBlobData))
		w.WriteFixed(m.ConversationID[:])
		w.WriteFixed(m.BlobHash[:])
		w.WriteUint32(m.ChunkIndex)
		w.WriteBytes(m.Data)
	default:
		return nil, fmt.Errorf("wireproto: encode: unsupported message type %T", msg)
	}

	return w.Bytes(), nil
}

// Decode parses a framed envelope back into its concrete message value.
func Decode(data []byte) (interface{}, error) {
	r := codec.NewReader(data)
	tag, err := r.ReadTag()
	if err != nil {
		return nil, err
	}

	switch MessageKind(tag) {
	case KindCapsAnnounce:
		caps, err := r.ReadUint64()
		if err != nil {
			return nil, err
		}
		nonce, err := r.ReadFixed(32)
		if err != nil {
			return nil, err
		}
		var m CapsAnnounce
		m.Caps = caps
		copy(m.Nonce[:], nonce)
		return m, nil

	case KindCapsAck:
		caps, err := r.ReadUint64()
		if err != nil {
			return nil, err
		}
		nonce, err := r.ReadFixed(32)
		if err != nil {
			return nil, err
		}
		var m CapsAck
		m.Caps = caps
		copy(m.Nonce[:], nonce)
		return m, nil

	case KindSyncHeads:
		cid, err := r.ReadFixed(32)
		if err != nil {
			return nil, err
		}
		n, err := r.ReadUint32()
		if err != nil {
			return nil, err
		}
		heads := make([]dag.NodeHash, n)
		for i := range heads {
			raw, err := r.ReadFixed(32)
			if err != nil {
				return nil, err
			}
			copy(heads[i][:], raw)
		}
		flags, err := r.ReadUint64()
		if err != nil {
			return nil, err
		}
		var m SyncHeads
		copy(m.ConversationID[:], cid)
		m.Heads = heads
		m.Flags = flags
		return m, nil

	case KindSyncSketch:
		inner, err := r.ReadBytes()
		if err != nil {
			return nil, err
		}
		return DecodeSyncSketch(inner)

	case KindSyncReconFail:
		cid, err := r.ReadFixed(32)
		if err != nil {
			return nil, err
		}
		rng, err := readRange(r)
		if err != nil {
			return nil, err
		}
		var m SyncReconFail
		copy(m.ConversationID[:], cid)
		m.Range = rng
		return m, nil

	case KindSyncShardChecksums:
		cid, err := r.ReadFixed(32)
		if err != nil {
			return nil, err
		}
		n, err := r.ReadUint32()
		if err != nil {
			return nil, err
		}
		shards := make([]ShardEntry, n)
		for i := range shards {
			rng, err := readRange(r)
			if err != nil {
				return nil, err
			}
			checksum, err := r.ReadFixed(32)
			if err != nil {
				return nil, err
			}
			shards[i].Range = rng
			copy(shards[i].Checksum[:], checksum)
		}
		var m SyncShardChecksums
		copy(m.ConversationID[:], cid)
		m.Shards = shards
		return m, nil

	case KindReconPowChallenge:
		nonce, err := r.ReadFixed(32)
		if err != nil {
			return nil, err
		}
		difficulty, err := r.ReadUint32()
		if err != nil {
			return nil, err
		}
		var m ReconPowChallenge
		copy(m.Nonce[:], nonce)
		m.Difficulty = difficulty
		return m, nil

	case KindReconPowSolution:
		nonce, err := r.ReadFixed(32)
		if err != nil {
			return nil, err
		}
		solution, err := r.ReadUint64()
		if err != nil {
			return nil, err
		}
		var m ReconPowSolution
		copy(m.Nonce[:], nonce)
		m.Solution = solution
		return m, nil

	case KindFetchBatchReq:
		cid, err := r.ReadFixed(32)
		if err != nil {
			return nil, err
		}
		n, err := r.ReadUint32()
		if err != nil {
			return nil, err
		}
		hashes := make([]dag.NodeHash, n)
		for i := range hashes {
			raw, err := r.ReadFixed(32)
			if err != nil {
				return nil, err
			}
			copy(hashes[i][:], raw)
		}
		var m FetchBatchReq
		copy(m.ConversationID[:], cid)
		m.Hashes = hashes
		return m, nil

	case KindMerkleNode:
		cid, err := r.ReadFixed(32)
		if err != nil {
			return nil, err
		}
		wireBytes, err := r.ReadBytes()
		if err != nil {
			return nil, err
		}
		wireNode, err := dag.DecodeWireNode(wireBytes)
		if err != nil {
			return nil, fmt.Errorf("wireproto: decode merkle node: %w", err)
		}
		var m MerkleNodeMsg
		copy(m.ConversationID[:], cid)
		m.Wire = wireNode
		return m, nil

	case KindBlobQuery:
		cid, err := r.ReadFixed(32)
		if err != nil {
			return nil, err
		}
		hash, err := r.ReadFixed(32)
		if err != nil {
			return nil, err
		}
		var m BlobQuery
		copy(m.ConversationID[:], cid)
		copy(m.BlobHash[:], hash)
		return m, nil

	case KindBlobAvail:
		cid, err := r.ReadFixed(32)
		if err != nil {
			return nil, err
		}
		hash, err := r.ReadFixed(32)
		if err != nil {
			return nil, err
		}
		total, err := r.ReadUint32()
		if err != nil {
			return nil, err
		}
		var m BlobAvail
		copy(m.ConversationID[:], cid)
		copy(m.BlobHash[:], hash)
		m.TotalChunks = total
		return m, nil

	case KindBlobReq:
		cid, err := r.ReadFixed(32)
		if err != nil {
			return nil, err
		}
		hash, err := r.ReadFixed(32)
		if err != nil {
			return nil, err
		}
		idx, err := r.ReadUint32()
		if err != nil {
			return nil, err
		}
		var m BlobReq
		copy(m.ConversationID[:], cid)
		copy(m.BlobHash[:], hash)
		m.ChunkIndex = idx
		return m, nil

	case KindBlobData:
		cid, err := r.ReadFixed(32)
		if err != nil {
			return nil, err
		}
		hash, err := r.ReadFixed(32)
		if err != nil {
			return nil, err
		}
		idx, err := r.ReadUint32()
		if err != nil {
			return nil, err
		}
		data, err := r.ReadBytes()
		if err != nil {
			return nil, err
		}
		var m BlobData
		copy(m.ConversationID[:], cid)
		copy(m.BlobHash[:], hash)
		m.ChunkIndex = idx
		m.Data = data
		return m, nil

	default:
		return nil, fmt.Errorf("wireproto: decode: unknown message kind %d", tag)
	}
}
