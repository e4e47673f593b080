package dag

import (
	"fmt"
	"math"

	"mtox/codec"
)

func readHashSet(r *codec.Reader) ([]NodeHash, error) {
	n, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	out := make([]NodeHash, n)
	for i := range out {
		b, err := r.ReadFixed(32)
		if err != nil {
			return nil, err
		}
		copy(out[i][:], b)
	}
	return out, nil
}

func readEmoji(r *codec.Reader) (EmojiSource, error) {
	tag, err := r.ReadTag()
	if err != nil {
		return EmojiSource{}, err
	}
	switch tag {
	case 0:
		s, err := r.ReadString()
		return EmojiSource{Unicode: s}, err
	case 1:
		h, err := r.ReadFixed(32)
		if err != nil {
			return EmojiSource{}, err
		}
		sc, err := r.ReadString()
		if err != nil {
			return EmojiSource{}, err
		}
		var hash [32]byte
		copy(hash[:], h)
		return EmojiSource{Custom: &CustomEmoji{Hash: hash, Shortcode: sc}}, nil
	default:
		return EmojiSource{}, fmt.Errorf("dag: unknown emoji tag %d", tag)
	}
}

func readCert(r *codec.Reader) (DelegationCertificate, error) {
	var c DelegationCertificate
	pk, err := r.ReadFixed(32)
	if err != nil {
		return c, err
	}
	copy(c.DevicePk[:], pk)
	perms, err := r.ReadUint32()
	if err != nil {
		return c, err
	}
	c.Permissions = Permissions(perms)
	c.ExpiresAt, err = r.ReadInt64()
	if err != nil {
		return c, err
	}
	sig, err := r.ReadFixed(64)
	if err != nil {
		return c, err
	}
	copy(c.Signature[:], sig)
	return c, nil
}

func readSignedPreKey(r *codec.Reader) (SignedPreKey, error) {
	var k SignedPreKey
	pk, err := r.ReadFixed(32)
	if err != nil {
		return k, err
	}
	copy(k.PublicKey[:], pk)
	sig, err := r.ReadFixed(64)
	if err != nil {
		return k, err
	}
	copy(k.Signature[:], sig)
	k.ExpiresAt, err = r.ReadInt64()
	return k, err
}

func readControlAction(r *codec.Reader) (ControlAction, error) {
	tag, err := r.ReadTag()
	if err != nil {
		return ControlAction{}, err
	}
	switch tag {
	case ctlSetTitle:
		s, err := r.ReadString()
		return ControlAction{Kind: ActionSetTitle, SetTitle: s}, err
	case ctlSetTopic:
		s, err := r.ReadString()
		return ControlAction{Kind: ActionSetTopic, SetTopic: s}, err
	case ctlInvite:
		pk, err := r.ReadFixed(32)
		if err != nil {
			return ControlAction{}, err
		}
		role, err := r.ReadByte()
		if err != nil {
			return ControlAction{}, err
		}
		var invitee LogicalIdentityPk
		copy(invitee[:], pk)
		return ControlAction{Kind: ActionInvite, Invite: InviteAction{InviteePk: invitee, Role: Role(role)}}, nil
	case ctlLeave:
		pk, err := r.ReadFixed(32)
		if err != nil {
			return ControlAction{}, err
		}
		var target LogicalIdentityPk
		copy(target[:], pk)
		return ControlAction{Kind: ActionLeave, Leave: target}, nil
	case ctlAuthorizeDevice:
		c, err := readCert(r)
		return ControlAction{Kind: ActionAuthorizeDevice, AuthorizeDevice: c}, err
	case ctlRevokeDevice:
		pk, err := r.ReadFixed(32)
		if err != nil {
			return ControlAction{}, err
		}
		reason, err := r.ReadString()
		if err != nil {
			return ControlAction{}, err
		}
		var target PhysicalDevicePk
		copy(target[:], pk)
		return ControlAction{Kind: ActionRevokeDevice, RevokeTargetDevicePk: target, RevokeReason: reason}, nil
	case ctlAnnouncement:
		n, err := r.ReadUint32()
		if err != nil {
			return ControlAction{}, err
		}
		preKeys := make([]SignedPreKey, n)
		for i := range preKeys {
			preKeys[i], err = readSignedPreKey(r)
			if err != nil {
				return ControlAction{}, err
			}
		}
		lastResort, err := readSignedPreKey(r)
		if err != nil {
			return ControlAction{}, err
		}
		return ControlAction{Kind: ActionAnnouncement, AnnouncementPreKeys: preKeys, AnnouncementLastResortKey: lastResort}, nil
	case ctlHandshakePulse:
		return ControlAction{Kind: ActionHandshakePulse}, nil
	case ctlSnapshot:
		basis, err := r.ReadFixed(32)
		if err != nil {
			return ControlAction{}, err
		}
		var basisHash NodeHash
		copy(basisHash[:], basis)
		nMembers, err := r.ReadUint32()
		if err != nil {
			return ControlAction{}, err
		}
		members := make([]MemberInfo, nMembers)
		for i := range members {
			pk, err := r.ReadFixed(32)
			if err != nil {
				return ControlAction{}, err
			}
			role, err := r.ReadByte()
			if err != nil {
				return ControlAction{}, err
			}
			joinedAt, err := r.ReadInt64()
			if err != nil {
				return ControlAction{}, err
			}
			copy(members[i].PublicKey[:], pk)
			members[i].Role = Role(role)
			members[i].JoinedAt = joinedAt
		}
		nSeq, err := r.ReadUint32()
		if err != nil {
			return ControlAction{}, err
		}
		seqs := make([]DeviceSeq, nSeq)
		for i := range seqs {
			pk, err := r.ReadFixed(32)
			if err != nil {
				return ControlAction{}, err
			}
			seq, err := r.ReadUint64()
			if err != nil {
				return ControlAction{}, err
			}
			copy(seqs[i].DevicePk[:], pk)
			seqs[i].SequenceNumber = seq
		}
		return ControlAction{Kind: ActionSnapshot, Snapshot: SnapshotAction{BasisHash: basisHash, Members: members, LastSeqNumbers: seqs}}, nil
	case ctlRekey:
		epoch, err := r.ReadUint64()
		return ControlAction{Kind: ActionRekey, RekeyNewEpoch: epoch}, err
	case ctlGenesis:
		title, err := r.ReadString()
		if err != nil {
			return ControlAction{}, err
		}
		creatorPk, err := r.ReadFixed(32)
		if err != nil {
			return ControlAction{}, err
		}
		perms, err := r.ReadUint32()
		if err != nil {
			return ControlAction{}, err
		}
		flags, err := r.ReadUint64()
		if err != nil {
			return ControlAction{}, err
		}
		createdAt, err := r.ReadInt64()
		if err != nil {
			return ControlAction{}, err
		}
		powNonce, err := r.ReadUint64()
		if err != nil {
			return ControlAction{}, err
		}
		var creator LogicalIdentityPk
		copy(creator[:], creatorPk)
		return ControlAction{Kind: ActionGenesis, Genesis: GenesisAction{
			Title:       title,
			CreatorPk:   creator,
			Permissions: Permissions(perms),
			Flags:       flags,
			CreatedAt:   createdAt,
			PowNonce:    powNonce,
		}}, nil
	default:
		return ControlAction{}, fmt.Errorf("dag: unknown control action tag %d", tag)
	}
}

// readContent decodes a canonical Content value from r (the inverse of
// writeContent), used to reconstruct a node from its wire payload.
func readContent(r *codec.Reader) (*Content, error) {
	tag, err := r.ReadTag()
	if err != nil {
		return nil, err
	}
	switch tag {
	case tagText:
		s, err := r.ReadString()
		return &Content{Kind: ContentText, Text: s}, err
	case tagBlob:
		h, err := r.ReadFixed(32)
		if err != nil {
			return nil, err
		}
		name, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		mime, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		size, err := r.ReadUint64()
		if err != nil {
			return nil, err
		}
		meta, err := r.ReadBytes()
		if err != nil {
			return nil, err
		}
		var hash NodeHash
		copy(hash[:], h)
		return &Content{Kind: ContentBlob, Blob: BlobContent{Hash: hash, Name: name, MimeType: mime, Size: size, Metadata: meta}}, nil
	case tagReaction:
		h, err := r.ReadFixed(32)
		if err != nil {
			return nil, err
		}
		emoji, err := readEmoji(r)
		if err != nil {
			return nil, err
		}
		var target NodeHash
		copy(target[:], h)
		return &Content{Kind: ContentReaction, Reaction: ReactionContent{TargetHash: target, Emoji: emoji}}, nil
	case tagLocation:
		lat, err := r.ReadUint64()
		if err != nil {
			return nil, err
		}
		lon, err := r.ReadUint64()
		if err != nil {
			return nil, err
		}
		hasTitle, err := r.ReadBool()
		if err != nil {
			return nil, err
		}
		var title *string
		if hasTitle {
			s, err := r.ReadString()
			if err != nil {
				return nil, err
			}
			title = &s
		}
		return &Content{Kind: ContentLocation, Location: LocationContent{Latitude: math.Float64frombits(lat), Longitude: math.Float64frombits(lon), Title: title}}, nil
	case tagControl:
		a, err := readControlAction(r)
		return &Content{Kind: ContentControl, Control: a}, err
	case tagRedaction:
		h, err := r.ReadFixed(32)
		if err != nil {
			return nil, err
		}
		reason, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		var target NodeHash
		copy(target[:], h)
		return &Content{Kind: ContentRedaction, Redaction: RedactionContent{TargetHash: target, Reason: reason}}, nil
	case tagOther:
		tagID, err := r.ReadUint32()
		if err != nil {
			return nil, err
		}
		data, err := r.ReadBytes()
		if err != nil {
			return nil, err
		}
		return &Content{Kind: ContentOther, Other: OtherContent{TagID: tagID, Data: data}}, nil
	case tagKeyWrap:
		epoch, err := r.ReadUint64()
		if err != nil {
			return nil, err
		}
		n, err := r.ReadUint32()
		if err != nil {
			return nil, err
		}
		wrapped := make([]WrappedKey, n)
		for i := range wrapped {
			pk, err := r.ReadFixed(32)
			if err != nil {
				return nil, err
			}
			ct, err := r.ReadBytes()
			if err != nil {
				return nil, err
			}
			copy(wrapped[i].RecipientPk[:], pk)
			wrapped[i].Ciphertext = ct
		}
		hasEph, err := r.ReadBool()
		if err != nil {
			return nil, err
		}
		var eph *EphemeralX25519Pk
		if hasEph {
			b, err := r.ReadFixed(32)
			if err != nil {
				return nil, err
			}
			var arr EphemeralX25519Pk
			copy(arr[:], b)
			eph = &arr
		}
		hasPreKey, err := r.ReadBool()
		if err != nil {
			return nil, err
		}
		var preKey *EphemeralX25519Pk
		if hasPreKey {
			b, err := r.ReadFixed(32)
			if err != nil {
				return nil, err
			}
			var arr EphemeralX25519Pk
			copy(arr[:], b)
			preKey = &arr
		}
		return &Content{Kind: ContentKeyWrap, KeyWrap: KeyWrapContent{Epoch: epoch, WrappedKeys: wrapped, EphemeralPk: eph, PreKeyPk: preKey}}, nil
	case tagRatchetSnapshot:
		epoch, err := r.ReadUint64()
		if err != nil {
			return nil, err
		}
		ct, err := r.ReadBytes()
		if err != nil {
			return nil, err
		}
		return &Content{Kind: ContentRatchetSnapshot, RatchetSnapshot: RatchetSnapshotContent{Epoch: epoch, Ciphertext: ct}}, nil
	default:
		return nil, fmt.Errorf("dag: unknown content tag %d", tag)
	}
}
