package engine

import (
	"crypto/ed25519"
	"fmt"

	"mtox/dag"
	"mtox/identity"
)

// verifyOutcome is the internal result of attempting authentication for
// one node (§4.4 step 2): either it verified outright, or it must be
// parked speculative pending more information.
type verifyOutcome int

const (
	outcomeVerified verifyOutcome = iota
	outcomeSpeculative
	outcomeRejected
	outcomePermissionDenied
)

// ApplyNode implements §4.4's apply_node: structural validation,
// authentication, parent-presence and authorization checks, membership
// semantics, and on success, iterative re-verification of any
// already-stored speculative descendants.
func (c *Conversation) ApplyNode(store Store, node *dag.MerkleNode) ([]Effect, error) {
	if err := node.Validate(c.ID, c.difficulty, storeLookup{store}); err != nil {
		if missing, ok := dag.IsMissingParents(err); ok {
			hash := node.Hash()
			c.parkSpeculative(hash, node, missing)
			return nil, nil
		}
		return nil, err
	}

	hash := node.Hash()
	effects, outcome, err := c.verifyAndApply(store, node, hash)
	if err != nil {
		return nil, err
	}
	switch outcome {
	case outcomeSpeculative:
		c.speculative[hash] = node
		return effects, nil
	case outcomePermissionDenied:
		// Kept speculative, same as outcomeSpeculative, but the caller gets
		// a distinguishable error back (§7 PermissionDenied) instead of the
		// node silently vanishing into the pending set. It is not listed in
		// pendingParents, so a later AuthorizeDevice does not re-verify it;
		// only another ApplyNode call for the node does.
		c.speculative[hash] = node
		return effects, &PermissionDeniedError{SenderPk: node.SenderPk, Required: dag.PermMessage, Rank: node.TopologicalRank}
	case outcomeRejected:
		return nil, fmt.Errorf("engine: node rejected by membership semantics")
	}

	effects = append(effects, c.reverifySpeculativeDescendants(store, hash)...)
	return effects, nil
}

// parkSpeculative records node as waiting on missing parents, to be
// retried once they arrive.
func (c *Conversation) parkSpeculative(hash dag.NodeHash, node *dag.MerkleNode, missing []dag.NodeHash) {
	c.speculative[hash] = node
	for _, p := range missing {
		c.pendingParents[p] = append(c.pendingParents[p], hash)
	}
}

// verifyAndApply runs authentication, authorization, and (for Admin
// nodes) membership semantics, returning the write effects for a node
// that fully verifies.
func (c *Conversation) verifyAndApply(store Store, node *dag.MerkleNode, hash dag.NodeHash) ([]Effect, verifyOutcome, error) {
	now := c.Now()
	var ratchetEffects []Effect

	if node.NodeType() == dag.NodeAdmin {
		ok, rejected, err := c.verifyAdmin(node, hash, now)
		if err != nil {
			return nil, outcomeRejected, err
		}
		if rejected {
			return nil, outcomeRejected, nil
		}
		if !ok {
			return nil, outcomeSpeculative, nil
		}
	} else {
		if node.Authentication.Mac == nil {
			return nil, outcomeSpeculative, nil
		}
		epoch, _, ok := c.Keys.VerifyAgainstEpochs(node.SenderPk, node.SerializeForAuth(c.ID), node.Authentication.Mac[:])
		if !ok {
			return nil, outcomeSpeculative, nil
		}
		// The ratchet's chain key is unchanged since VerifyAgainstEpochs
		// only peeked; Advance() re-derives the same message key and
		// commits the chain forward, matching "commit the ratchet
		// advance" in §4.4 step 2.
		r, _ := c.Keys.RatchetFor(epoch, [32]byte(node.SenderPk))
		_, counter := r.Advance()
		ratchetEffects = append(ratchetEffects, writeRatchetKeyEffect(c.ID, node.SenderPk, epoch, r.ChainKey, counter+1))

		// KeyWrap carries administrative key-distribution authority, not
		// messaging, so it is gated on ADMIN instead of PermMessage (§4.3);
		// a KeyWrap from a sender without ADMIN stays speculative.
		perms := c.Identity.GetPermissions(node.SenderPk, now, node.TopologicalRank)
		if node.Content.Kind == dag.ContentKeyWrap {
			if !perms.Has(dag.PermAdmin) {
				return nil, outcomeSpeculative, nil
			}
		} else if !perms.Has(dag.PermMessage) {
			return nil, outcomePermissionDenied, nil
		}
	}

	if !c.Identity.IsAuthorized(node.SenderPk, now, node.TopologicalRank) && !c.isGenesisOrBootstrap(node) {
		return nil, outcomeSpeculative, nil
	}

	effects := append([]Effect{writeStoreEffect(c.ID, node, hash, true)}, ratchetEffects...)
	c.advanceHeads(node, hash)
	effects = append(effects, updateHeadsEffect(c.ID, c.Heads(), c.AdminHeads()))
	effects = append(effects, emitEventEffect("NodeVerified", node))
	c.epochNodeCount++
	return effects, outcomeVerified, nil
}

func (c *Conversation) isGenesisOrBootstrap(node *dag.MerkleNode) bool {
	if node.IsGenesis() {
		return true
	}
	if node.Content.Kind == dag.ContentControl && node.Content.Control.Kind == dag.ActionAuthorizeDevice {
		return identity.IsBootstrapSelfAuthorize(node.SenderPk, node.Content.Control.AuthorizeDevice)
	}
	return false
}

// verifyAdmin implements §4.4 step 2's Admin branch, plus step 5's
// membership semantics for control actions that carry their own rule
// (Leave, RevokeDevice). Returns (verified, rejected, error).
func (c *Conversation) verifyAdmin(node *dag.MerkleNode, hash dag.NodeHash, now int64) (bool, bool, error) {
	if node.Content.Kind != dag.ContentControl {
		return false, true, fmt.Errorf("engine: admin node without control content")
	}
	action := node.Content.Control

	if action.Kind == dag.ActionAuthorizeDevice && identity.IsBootstrapSelfAuthorize(node.SenderPk, action.AuthorizeDevice) {
		if !identity.VerifyCertSignature(action.AuthorizeDevice, ed25519.PublicKey(c.LogicalRoot[:])) {
			return false, false, nil
		}
		c.Identity.InstallDevice(action.AuthorizeDevice, [32]byte(c.LogicalRoot), c.LogicalRoot, node.TopologicalRank)
		return true, false, nil
	}

	if node.Authentication.IsMac() {
		// The only Admin nodes ever MACed instead of signed are 1-on-1
		// Genesis nodes (§4.1): verify against every known epoch's K_mac
		// rather than an Ed25519 signature.
		if !c.Keys.VerifyGenesisMAC(node.SerializeForAuth(c.ID), node.Authentication.Mac[:]) {
			return false, false, nil
		}
	} else if !node.VerifyAdminSignature(c.ID) {
		return false, false, nil
	}

	switch action.Kind {
	case dag.ActionLeave:
		senderLogical := c.logicalOwnerOf(node.SenderPk)
		if !c.Identity.CheckLeaveAuthorized(action.Leave, node.SenderPk, senderLogical, now, node.TopologicalRank) {
			return false, true, nil
		}
	case dag.ActionRevokeDevice:
		if !c.Identity.GetPermissions(node.SenderPk, now, node.TopologicalRank).Has(dag.PermAdmin) {
			return false, true, nil
		}
	}

	c.applyControlAction(node.SenderPk, action, node.TopologicalRank, now)
	return true, false, nil
}

// applyControlAction mutates Identity/State/epoch bookkeeping for one
// control action. It is the single place both verifyAdmin (after checking
// a received node's authorization) and AuthorNode (for a node this device
// just signed itself) update that bookkeeping from — without it, a
// conversation's own author would never see its own Genesis/AuthorizeDevice
// actions reflected in its local State or Identity manager, since those
// live only on Conversation and AuthorNode never re-derives them the way
// applying a peer's equivalent node does.
func (c *Conversation) applyControlAction(senderPk dag.PhysicalDevicePk, action dag.ControlAction, rank uint64, now int64) {
	switch action.Kind {
	case dag.ActionLeave:
		c.Identity.RemoveMember(action.Leave)
	case dag.ActionRevokeDevice:
		c.Identity.RevokeDevice(action.RevokeTargetDevicePk, rank)
	case dag.ActionAuthorizeDevice:
		issuer := [32]byte(senderPk)
		owner := c.logicalOwnerOf(senderPk)
		if identity.IsBootstrapSelfAuthorize(senderPk, action.AuthorizeDevice) {
			issuer = [32]byte(c.LogicalRoot)
			owner = c.LogicalRoot
		}
		c.Identity.InstallDevice(action.AuthorizeDevice, issuer, owner, rank)
	case dag.ActionInvite:
		c.Identity.AddMember(action.Invite.InviteePk, action.Invite.Role, rank)
	case dag.ActionGenesis:
		c.Identity.AddMember(action.Genesis.CreatorPk, dag.RoleOwner, rank)
		c.State = StateEstablished
		c.epochStartedAt = now
	case dag.ActionRekey:
		c.epochNodeCount = 0
		c.epochStartedAt = now
	}
}

// logicalOwnerOf resolves which logical identity a device belongs to, via
// its installed delegation record.
func (c *Conversation) logicalOwnerOf(device dag.PhysicalDevicePk) dag.LogicalIdentityPk {
	if rec, ok := c.Identity.Device(device); ok {
		return rec.LogicalOwner
	}
	return dag.LogicalIdentityPk{}
}

// reverifySpeculativeDescendants implements §4.4 step 6's fixed-point
// re-verification: once hash becomes known, any speculative node waiting
// on it (directly, as a missing parent) is retried, and so on
// transitively for whatever that retry itself newly unblocks.
func (c *Conversation) reverifySpeculativeDescendants(store Store, hash dag.NodeHash) []Effect {
	var effects []Effect
	queue := append([]dag.NodeHash(nil), c.pendingParents[hash]...)
	delete(c.pendingParents, hash)

	for len(queue) > 0 {
		candidateHash := queue[0]
		queue = queue[1:]

		node, ok := c.speculative[candidateHash]
		if !ok {
			continue
		}
		if err := node.Validate(c.ID, c.difficulty, storeLookup{store}); err != nil {
			if _, stillMissing := dag.IsMissingParents(err); stillMissing {
				continue
			}
			delete(c.speculative, candidateHash)
			continue
		}

		more, outcome, err := c.verifyAndApply(store, node, candidateHash)
		if err != nil || outcome != outcomeVerified {
			continue
		}
		delete(c.speculative, candidateHash)
		effects = append(effects, more...)
		queue = append(queue, c.pendingParents[candidateHash]...)
		delete(c.pendingParents, candidateHash)
	}
	return effects
}
