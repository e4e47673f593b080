package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"

	"mtox/dag"
	"mtox/keystore"
	"mtox/reconcile"
)

//go:embed schema.sql
var schemaSQL string

// SQLStore is the shared database/sql-backed NodeStore/BlobStore
// implementation. NewSQLiteStore and NewLibSQLStore are thin constructors over
// the same query set, differing only in which driver they register
// (§4.8's "byte-equivalent... differing only in their database/sql
// driver"), matching the teacher's single DB wrapper used against both
// sqlite3 and libsql DSNs.
type SQLStore struct {
	db     *sql.DB
	envelope *keystore.PassphraseCipher
}

func openSQLStore(driverName, dsn string) (*SQLStore, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", driverName, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping %s: %w", driverName, err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	return &SQLStore{db: db}, nil
}

// WithEnvelope enables passphrase-derived at-rest encryption of the
// conversation and ratchet key columns, so a stolen database file on
// its own does not expose live key-schedule material.
func (s *SQLStore) WithEnvelope(c *keystore.PassphraseCipher) *SQLStore {
	s.envelope = c
	return s
}

func (s *SQLStore) sealKey(k []byte) ([]byte, error) {
	if s.envelope == nil {
		return k, nil
	}
	return s.envelope.Seal(k)
}

func (s *SQLStore) openKey(sealed []byte) ([]byte, error) {
	if s.envelope == nil {
		return sealed, nil
	}
	return s.envelope.Open(sealed)
}

// Close releases the underlying connection pool.
func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) PutNode(ctx context.Context, cid dag.ConversationId, node *dag.MerkleNode, verified bool) error {
	hash := node.Hash()
	encoded := dag.EncodeNode(node)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin put_node: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO nodes (hash, conversation_id, sender_pk, sequence_number, topological_rank, node_type, verified, encoded)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		hash[:], cid[:], node.SenderPk[:], node.SequenceNumber, node.TopologicalRank, int(node.NodeType()), boolToInt(verified), encoded,
	)
	if err != nil {
		return fmt.Errorf("store: insert node: %w", err)
	}

	for _, p := range node.Parents {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO node_parents (child_hash, parent_hash) VALUES (?, ?)`,
			hash[:], p[:],
		); err != nil {
			return fmt.Errorf("store: insert parent edge: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO last_sequence (conversation_id, device_pk, seq) VALUES (?, ?, ?)
		 ON CONFLICT (conversation_id, device_pk) DO UPDATE SET seq = MAX(seq, excluded.seq)`,
		cid[:], node.SenderPk[:], node.SequenceNumber,
	); err != nil {
		return fmt.Errorf("store: upsert last_sequence: %w", err)
	}

	return tx.Commit()
}

func (s *SQLStore) GetNode(ctx context.Context, hash dag.NodeHash) (*dag.MerkleNode, bool, error) {
	var encoded []byte
	err := s.db.QueryRowContext(ctx, `SELECT encoded FROM nodes WHERE hash = ?`, hash[:]).Scan(&encoded)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: get_node: %w", err)
	}
	n, err := dag.DecodeNode(encoded)
	if err != nil {
		return nil, false, fmt.Errorf("store: decode node: %w", err)
	}
	return n, true, nil
}

func (s *SQLStore) ContainsNode(ctx context.Context, hash dag.NodeHash) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM nodes WHERE hash = ?`, hash[:]).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: contains_node: %w", err)
	}
	return true, nil
}

func (s *SQLStore) HasChildren(ctx context.Context, hash dag.NodeHash) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM node_parents WHERE parent_hash = ? LIMIT 1`, hash[:]).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: has_children: %w", err)
	}
	return true, nil
}

func (s *SQLStore) GetRank(ctx context.Context, hash dag.NodeHash) (uint64, bool, error) {
	var rank uint64
	err := s.db.QueryRowContext(ctx, `SELECT topological_rank FROM nodes WHERE hash = ?`, hash[:]).Scan(&rank)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("store: get_rank: %w", err)
	}
	return rank, true, nil
}

func (s *SQLStore) GetNodeType(ctx context.Context, hash dag.NodeHash) (dag.NodeType, bool, error) {
	var nt int
	err := s.db.QueryRowContext(ctx, `SELECT node_type FROM nodes WHERE hash = ?`, hash[:]).Scan(&nt)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("store: get_node_type: %w", err)
	}
	return dag.NodeType(nt), true, nil
}

func (s *SQLStore) GetSpeculativeNodes(ctx context.Context, cid dag.ConversationId) ([]*dag.MerkleNode, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT encoded FROM nodes WHERE conversation_id = ? AND verified = 0`, cid[:])
	if err != nil {
		return nil, fmt.Errorf("store: get_speculative_nodes: %w", err)
	}
	defer rows.Close()
	return scanNodes(rows)
}

func (s *SQLStore) MarkVerified(ctx context.Context, cid dag.ConversationId, hash dag.NodeHash) error {
	_, err := s.db.ExecContext(ctx, `UPDATE nodes SET verified = 1 WHERE hash = ? AND conversation_id = ?`, hash[:], cid[:])
	if err != nil {
		return fmt.Errorf("store: mark_verified: %w", err)
	}
	return nil
}

func (s *SQLStore) GetHeads(ctx context.Context, cid dag.ConversationId) ([]dag.NodeHash, error) {
	return s.queryHeads(ctx, cid, false)
}

func (s *SQLStore) SetHeads(ctx context.Context, cid dag.ConversationId, heads []dag.NodeHash) error {
	return s.setHeads(ctx, cid, heads, false)
}

func (s *SQLStore) GetAdminHeads(ctx context.Context, cid dag.ConversationId) ([]dag.NodeHash, error) {
	return s.queryHeads(ctx, cid, true)
}

func (s *SQLStore) SetAdminHeads(ctx context.Context, cid dag.ConversationId, heads []dag.NodeHash) error {
	return s.setHeads(ctx, cid, heads, true)
}

func (s *SQLStore) queryHeads(ctx context.Context, cid dag.ConversationId, admin bool) ([]dag.NodeHash, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT hash FROM heads WHERE conversation_id = ? AND is_admin = ?`, cid[:], boolToInt(admin))
	if err != nil {
		return nil, fmt.Errorf("store: get_heads: %w", err)
	}
	defer rows.Close()

	var out []dag.NodeHash
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("store: scan head: %w", err)
		}
		var h dag.NodeHash
		copy(h[:], raw)
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *SQLStore) setHeads(ctx context.Context, cid dag.ConversationId, heads []dag.NodeHash, admin bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin set_heads: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM heads WHERE conversation_id = ? AND is_admin = ?`, cid[:], boolToInt(admin)); err != nil {
		return fmt.Errorf("store: clear heads: %w", err)
	}
	for _, h := range heads {
		if _, err := tx.ExecContext(ctx, `INSERT INTO heads (conversation_id, hash, is_admin) VALUES (?, ?, ?)`, cid[:], h[:], boolToInt(admin)); err != nil {
			return fmt.Errorf("store: insert head: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLStore) PutConversationKey(ctx context.Context, cid dag.ConversationId, epoch uint64, kConv [32]byte) error {
	sealed, err := s.sealKey(kConv[:])
	if err != nil {
		return fmt.Errorf("store: seal conversation key: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO conversation_keys (conversation_id, epoch, k_conv) VALUES (?, ?, ?)`,
		cid[:], epoch, sealed,
	)
	if err != nil {
		return fmt.Errorf("store: put_conversation_key: %w", err)
	}
	return nil
}

func (s *SQLStore) GetConversationKeys(ctx context.Context, cid dag.ConversationId) (map[uint64][32]byte, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT epoch, k_conv FROM conversation_keys WHERE conversation_id = ?`, cid[:])
	if err != nil {
		return nil, fmt.Errorf("store: get_conversation_keys: %w", err)
	}
	defer rows.Close()

	out := make(map[uint64][32]byte)
	for rows.Next() {
		var epoch uint64
		var raw []byte
		if err := rows.Scan(&epoch, &raw); err != nil {
			return nil, fmt.Errorf("store: scan conversation key: %w", err)
		}
		opened, err := s.openKey(raw)
		if err != nil {
			return nil, fmt.Errorf("store: open conversation key: %w", err)
		}
		var k [32]byte
		copy(k[:], opened)
		out[epoch] = k
	}
	return out, rows.Err()
}

func (s *SQLStore) UpdateEpochMetadata(ctx context.Context, cid dag.ConversationId, count int, startedAt int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO epoch_metadata (conversation_id, node_count, started_at) VALUES (?, ?, ?)`,
		cid[:], count, startedAt,
	)
	if err != nil {
		return fmt.Errorf("store: update_epoch_metadata: %w", err)
	}
	return nil
}

func (s *SQLStore) GetEpochMetadata(ctx context.Context, cid dag.ConversationId) (EpochMetadata, error) {
	var meta EpochMetadata
	err := s.db.QueryRowContext(ctx, `SELECT node_count, started_at FROM epoch_metadata WHERE conversation_id = ?`, cid[:]).
		Scan(&meta.NodeCount, &meta.StartedAt)
	if err == sql.ErrNoRows {
		return EpochMetadata{}, nil
	}
	if err != nil {
		return EpochMetadata{}, fmt.Errorf("store: get_epoch_metadata: %w", err)
	}
	return meta, nil
}

func (s *SQLStore) PutRatchetKey(ctx context.Context, cid dag.ConversationId, senderPk dag.PhysicalDevicePk, rec RatchetKeyRecord) error {
	sealed, err := s.sealKey(rec.ChainKey[:])
	if err != nil {
		return fmt.Errorf("store: seal ratchet key: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO ratchet_keys (conversation_id, sender_pk, epoch, chain_key, counter) VALUES (?, ?, ?, ?, ?)`,
		cid[:], senderPk[:], rec.Epoch, sealed, rec.Counter,
	)
	if err != nil {
		return fmt.Errorf("store: put_ratchet_key: %w", err)
	}
	return nil
}

func (s *SQLStore) GetRatchetKey(ctx context.Context, cid dag.ConversationId, senderPk dag.PhysicalDevicePk) (RatchetKeyRecord, bool, error) {
	var rec RatchetKeyRecord
	var chainKey []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT epoch, chain_key, counter FROM ratchet_keys WHERE conversation_id = ? AND sender_pk = ?`,
		cid[:], senderPk[:],
	).Scan(&rec.Epoch, &chainKey, &rec.Counter)
	if err == sql.ErrNoRows {
		return RatchetKeyRecord{}, false, nil
	}
	if err != nil {
		return RatchetKeyRecord{}, false, fmt.Errorf("store: get_ratchet_key: %w", err)
	}
	opened, err := s.openKey(chainKey)
	if err != nil {
		return RatchetKeyRecord{}, false, fmt.Errorf("store: open ratchet key: %w", err)
	}
	copy(rec.ChainKey[:], opened)
	return rec, true, nil
}

func (s *SQLStore) RemoveRatchetKey(ctx context.Context, cid dag.ConversationId, senderPk dag.PhysicalDevicePk) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM ratchet_keys WHERE conversation_id = ? AND sender_pk = ?`, cid[:], senderPk[:])
	if err != nil {
		return fmt.Errorf("store: remove_ratchet_key: %w", err)
	}
	return nil
}

func (s *SQLStore) GetLastSequenceNumber(ctx context.Context, cid dag.ConversationId, device dag.PhysicalDevicePk) (uint64, error) {
	var seq uint64
	err := s.db.QueryRowContext(ctx, `SELECT seq FROM last_sequence WHERE conversation_id = ? AND device_pk = ?`, cid[:], device[:]).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("store: get_last_sequence_number: %w", err)
	}
	return seq, nil
}

func (s *SQLStore) GetNodeHashesInRange(ctx context.Context, cid dag.ConversationId, r reconcile.Range) ([]dag.NodeHash, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT hash FROM nodes WHERE conversation_id = ? AND topological_rank >= ? AND topological_rank <= ?`,
		cid[:], r.MinRank, r.MaxRank,
	)
	if err != nil {
		return nil, fmt.Errorf("store: get_node_hashes_in_range: %w", err)
	}
	defer rows.Close()

	var out []dag.NodeHash
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("store: scan hash in range: %w", err)
		}
		var h dag.NodeHash
		copy(h[:], raw)
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *SQLStore) GetVerifiedNodesByType(ctx context.Context, cid dag.ConversationId, nodeType dag.NodeType) ([]*dag.MerkleNode, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT encoded FROM nodes WHERE conversation_id = ? AND node_type = ? AND verified = 1`,
		cid[:], int(nodeType),
	)
	if err != nil {
		return nil, fmt.Errorf("store: get_verified_nodes_by_type: %w", err)
	}
	defer rows.Close()
	return scanNodes(rows)
}

func scanNodes(rows *sql.Rows) ([]*dag.MerkleNode, error) {
	var out []*dag.MerkleNode
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("store: scan node: %w", err)
		}
		n, err := dag.DecodeNode(raw)
		if err != nil {
			return nil, fmt.Errorf("store: decode node: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *SQLStore) PutBlobInfo(ctx context.Context, info BlobInfo) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO blob_info (hash, total_chunks, total_size) VALUES (?, ?, ?)`,
		info.Hash[:], info.TotalChunks, info.TotalSize,
	)
	if err != nil {
		return fmt.Errorf("store: put_blob_info: %w", err)
	}
	return nil
}

func (s *SQLStore) GetBlobInfo(ctx context.Context, hash dag.NodeHash) (BlobInfo, bool, error) {
	info := BlobInfo{Hash: hash}
	err := s.db.QueryRowContext(ctx, `SELECT total_chunks, total_size FROM blob_info WHERE hash = ?`, hash[:]).
		Scan(&info.TotalChunks, &info.TotalSize)
	if err == sql.ErrNoRows {
		return BlobInfo{}, false, nil
	}
	if err != nil {
		return BlobInfo{}, false, fmt.Errorf("store: get_blob_info: %w", err)
	}
	return info, true, nil
}

func (s *SQLStore) HasBlob(ctx context.Context, hash dag.NodeHash) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM blob_info WHERE hash = ?`, hash[:]).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: has_blob: %w", err)
	}
	return true, nil
}

func (s *SQLStore) PutChunk(ctx context.Context, hash dag.NodeHash, idx uint32, data []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO blob_chunks (blob_hash, idx, data) VALUES (?, ?, ?)`,
		hash[:], idx, data,
	)
	if err != nil {
		return fmt.Errorf("store: put_chunk: %w", err)
	}
	return nil
}

func (s *SQLStore) GetChunk(ctx context.Context, hash dag.NodeHash, idx uint32) ([]byte, bool, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM blob_chunks WHERE blob_hash = ? AND idx = ?`, hash[:], idx).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: get_chunk: %w", err)
	}
	return data, true, nil
}

func (s *SQLStore) HasChunk(ctx context.Context, hash dag.NodeHash, idx uint32) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM blob_chunks WHERE blob_hash = ? AND idx = ?`, hash[:], idx).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: has_chunk: %w", err)
	}
	return true, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
