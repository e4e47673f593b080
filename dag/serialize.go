package dag

import (
	"fmt"
	"math"

	"mtox/codec"
)

// Canonical tags for the Content union. Stable once shipped — these are
// wire-format constants, not Go iota values, so reordering ContentKind
// (types.go) never changes the bytes on the wire.
const (
	tagText            byte = 0
	tagBlob            byte = 1
	tagReaction        byte = 2
	tagLocation        byte = 3
	tagControl         byte = 4
	tagRedaction       byte = 5
	tagOther           byte = 6
	tagKeyWrap         byte = 7
	tagRatchetSnapshot byte = 8
)

const (
	ctlSetTitle        byte = 0
	ctlSetTopic        byte = 1
	ctlInvite          byte = 2
	ctlLeave           byte = 3
	ctlAuthorizeDevice byte = 4
	ctlRevokeDevice    byte = 5
	ctlAnnouncement    byte = 6
	ctlHandshakePulse  byte = 7
	ctlSnapshot        byte = 8
	ctlRekey           byte = 9
	ctlGenesis         byte = 10
)

func writeHashSet(w *codec.Writer, hashes []NodeHash) {
	ordered := make([][32]byte, len(hashes))
	for i, h := range hashes {
		ordered[i] = [32]byte(h)
	}
	codec.SortHashes32(ordered)
	w.WriteUint32(uint32(len(ordered)))
	for _, h := range ordered {
		w.WriteFixed(h[:])
	}
}

func writeEmoji(w *codec.Writer, e EmojiSource) {
	if e.Custom != nil {
		w.WriteTag(1)
		w.WriteFixed(e.Custom.Hash[:])
		w.WriteString(e.Custom.Shortcode)
		return
	}
	w.WriteTag(0)
	w.WriteString(e.Unicode)
}

func writeCert(w *codec.Writer, c DelegationCertificate) {
	w.WriteFixed(c.DevicePk[:])
	w.WriteUint32(uint32(c.Permissions))
	w.WriteInt64(c.ExpiresAt)
	w.WriteFixed(c.Signature[:])
}

func writeSignedPreKey(w *codec.Writer, k SignedPreKey) {
	w.WriteFixed(k.PublicKey[:])
	w.WriteFixed(k.Signature[:])
	w.WriteInt64(k.ExpiresAt)
}

func writeControlAction(w *codec.Writer, a ControlAction) {
	switch a.Kind {
	case ActionSetTitle:
		w.WriteTag(ctlSetTitle)
		w.WriteString(a.SetTitle)
	case ActionSetTopic:
		w.WriteTag(ctlSetTopic)
		w.WriteString(a.SetTopic)
	case ActionInvite:
		w.WriteTag(ctlInvite)
		w.WriteFixed(a.Invite.InviteePk[:])
		w.WriteByte(byte(a.Invite.Role))
	case ActionLeave:
		w.WriteTag(ctlLeave)
		w.WriteFixed(a.Leave[:])
	case ActionAuthorizeDevice:
		w.WriteTag(ctlAuthorizeDevice)
		writeCert(w, a.AuthorizeDevice)
	case ActionRevokeDevice:
		w.WriteTag(ctlRevokeDevice)
		w.WriteFixed(a.RevokeTargetDevicePk[:])
		w.WriteString(a.RevokeReason)
	case ActionAnnouncement:
		w.WriteTag(ctlAnnouncement)
		w.WriteUint32(uint32(len(a.AnnouncementPreKeys)))
		for _, k := range a.AnnouncementPreKeys {
			writeSignedPreKey(w, k)
		}
		writeSignedPreKey(w, a.AnnouncementLastResortKey)
	case ActionHandshakePulse:
		w.WriteTag(ctlHandshakePulse)
	case ActionSnapshot:
		w.WriteTag(ctlSnapshot)
		w.WriteFixed(a.Snapshot.BasisHash[:])
		w.WriteUint32(uint32(len(a.Snapshot.Members)))
		for _, m := range a.Snapshot.Members {
			w.WriteFixed(m.PublicKey[:])
			w.WriteByte(byte(m.Role))
			w.WriteInt64(m.JoinedAt)
		}
		w.WriteUint32(uint32(len(a.Snapshot.LastSeqNumbers)))
		for _, s := range a.Snapshot.LastSeqNumbers {
			w.WriteFixed(s.DevicePk[:])
			w.WriteUint64(s.SequenceNumber)
		}
	case ActionRekey:
		w.WriteTag(ctlRekey)
		w.WriteUint64(a.RekeyNewEpoch)
	case ActionGenesis:
		w.WriteTag(ctlGenesis)
		w.WriteString(a.Genesis.Title)
		w.WriteFixed(a.Genesis.CreatorPk[:])
		w.WriteUint32(uint32(a.Genesis.Permissions))
		w.WriteUint64(a.Genesis.Flags)
		w.WriteInt64(a.Genesis.CreatedAt)
		w.WriteUint64(a.Genesis.PowNonce)
	default:
		panic(fmt.Sprintf("dag: unknown control action kind %d", a.Kind))
	}
}

func writeContent(w *codec.Writer, c Content) {
	switch c.Kind {
	case ContentText:
		w.WriteTag(tagText)
		w.WriteString(c.Text)
	case ContentBlob:
		w.WriteTag(tagBlob)
		w.WriteFixed(c.Blob.Hash[:])
		w.WriteString(c.Blob.Name)
		w.WriteString(c.Blob.MimeType)
		w.WriteUint64(c.Blob.Size)
		w.WriteBytes(c.Blob.Metadata)
	case ContentReaction:
		w.WriteTag(tagReaction)
		w.WriteFixed(c.Reaction.TargetHash[:])
		writeEmoji(w, c.Reaction.Emoji)
	case ContentLocation:
		w.WriteTag(tagLocation)
		w.WriteUint64(math.Float64bits(c.Location.Latitude))
		w.WriteUint64(math.Float64bits(c.Location.Longitude))
		if c.Location.Title != nil {
			w.WriteBool(true)
			w.WriteString(*c.Location.Title)
		} else {
			w.WriteBool(false)
		}
	case ContentControl:
		w.WriteTag(tagControl)
		writeControlAction(w, c.Control)
	case ContentRedaction:
		w.WriteTag(tagRedaction)
		w.WriteFixed(c.Redaction.TargetHash[:])
		w.WriteString(c.Redaction.Reason)
	case ContentOther:
		w.WriteTag(tagOther)
		w.WriteUint32(c.Other.TagID)
		w.WriteBytes(c.Other.Data)
	case ContentKeyWrap:
		w.WriteTag(tagKeyWrap)
		w.WriteUint64(c.KeyWrap.Epoch)
		w.WriteUint32(uint32(len(c.KeyWrap.WrappedKeys)))
		for _, wk := range c.KeyWrap.WrappedKeys {
			w.WriteFixed(wk.RecipientPk[:])
			w.WriteBytes(wk.Ciphertext)
		}
		if c.KeyWrap.EphemeralPk != nil {
			w.WriteBool(true)
			w.WriteFixed(c.KeyWrap.EphemeralPk[:])
		} else {
			w.WriteBool(false)
		}
		if c.KeyWrap.PreKeyPk != nil {
			w.WriteBool(true)
			w.WriteFixed(c.KeyWrap.PreKeyPk[:])
		} else {
			w.WriteBool(false)
		}
	case ContentRatchetSnapshot:
		w.WriteTag(tagRatchetSnapshot)
		w.WriteUint64(c.RatchetSnapshot.Epoch)
		w.WriteBytes(c.RatchetSnapshot.Ciphertext)
	default:
		panic(fmt.Sprintf("dag: unknown content kind %d", c.Kind))
	}
}

// SerializeContent canonically encodes a Content value on its own (used by
// the wire codec's payload assembly, §4.1 step 1).
func SerializeContent(c Content) []byte {
	w := codec.NewWriter()
	writeContent(w, c)
	return w.Bytes()
}

// serializeNode canonically encodes the full node, authentication field
// included — used for NodeHash (§6.2).
func serializeNode(n *MerkleNode) []byte {
	w := codec.NewWriter()
	writeHashSet(w, n.Parents)
	w.WriteFixed(n.AuthorPk[:])
	w.WriteFixed(n.SenderPk[:])
	w.WriteUint64(n.SequenceNumber)
	w.WriteUint64(n.TopologicalRank)
	w.WriteInt64(n.NetworkTimestamp)
	writeContent(w, n.Content)
	w.WriteBytes(n.Metadata)
	writeAuth(w, n.Authentication)
	return w.Bytes()
}

func writeAuth(w *codec.Writer, a NodeAuth) {
	if a.Mac != nil {
		w.WriteTag(0)
		w.WriteFixed(a.Mac[:])
		return
	}
	w.WriteTag(1)
	if a.Signature != nil {
		w.WriteFixed(a.Signature[:])
	} else {
		w.WriteFixed(make([]byte, 64))
	}
}

// serializeForAuth encodes everything authenticated except the
// authentication field itself, prefixed by the conversation id — or the
// all-zero id for Genesis, whose own hash defines the conversation id
// (§4.3).
func serializeForAuth(n *MerkleNode, conversationID ConversationId) []byte {
	authConvID := conversationID
	if n.IsGenesis() {
		authConvID = ConversationId{}
	}

	w := codec.NewWriter()
	w.WriteFixed(authConvID[:])
	writeHashSet(w, n.Parents)
	w.WriteFixed(n.AuthorPk[:])
	w.WriteFixed(n.SenderPk[:])
	w.WriteUint64(n.SequenceNumber)
	w.WriteUint64(n.TopologicalRank)
	w.WriteInt64(n.NetworkTimestamp)
	writeContent(w, n.Content)
	w.WriteBytes(n.Metadata)
	return w.Bytes()
}
