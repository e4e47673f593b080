// Package identity implements the delegated-authority access model: members,
// devices, delegation certificates, revocation, and the bounded-depth
// authorization walk that decides whether a device may act at a given
// point in the DAG (§4.2). Grounded on the teacher's identity_key_service
// idiom (map-backed per-conversation state, explicit expiry checks) but
// reworked from a single master-key model into a delegation chain.
package identity

import (
	"bytes"
	"math/bits"
	"sort"

	"mtox/dag"
)

// maxChainDepth bounds the issuance-chain walk (§4.2: "implementation
// defined; 8 is reasonable").
const maxChainDepth = 8

// MemberRecord is one logical identity's conversation membership.
type MemberRecord struct {
	Role       dag.Role
	JoinedRank uint64
}

// DeviceRecord is one physical device's delegated permission grant.
// IssuerPk is either a LogicalIdentityPk (the certificate was signed by
// the logical master key directly) or a PhysicalDevicePk (signed by an
// already-authorized admin device) — both are raw 32-byte Ed25519 keys,
// so the chain walk compares against whichever is relevant at each step.
type DeviceRecord struct {
	IssuerPk      [32]byte
	LogicalOwner  dag.LogicalIdentityPk
	Permissions   dag.Permissions
	ExpiresAt     int64
	InstalledRank uint64
}

// Manager tracks one conversation's member roster, device grants, and
// revocations, and answers authorization queries against them.
type Manager struct {
	LogicalRoot dag.LogicalIdentityPk // the conversation creator's master key
	members     map[dag.LogicalIdentityPk]MemberRecord
	// devices holds every issuance a device has ever received, not just
	// the latest: a device can be delegated along more than one path
	// (§4.2 "maximum over paths") — e.g. authorized by both admin A and
	// admin B — and revoking one issuer must not disturb the other.
	devices     map[dag.PhysicalDevicePk][]DeviceRecord
	revocations map[dag.PhysicalDevicePk]uint64
}

func NewManager(logicalRoot dag.LogicalIdentityPk) *Manager {
	return &Manager{
		LogicalRoot: logicalRoot,
		members:     make(map[dag.LogicalIdentityPk]MemberRecord),
		devices:     make(map[dag.PhysicalDevicePk][]DeviceRecord),
		revocations: make(map[dag.PhysicalDevicePk]uint64),
	}
}

// AddMember records a logical identity joining at rank.
func (m *Manager) AddMember(id dag.LogicalIdentityPk, role dag.Role, rank uint64) {
	m.members[id] = MemberRecord{Role: role, JoinedRank: rank}
}

// RemoveMember drops a logical identity from the roster (Leave, §4.2).
func (m *Manager) RemoveMember(id dag.LogicalIdentityPk) {
	delete(m.members, id)
}

// Member looks up a logical identity's membership record.
func (m *Manager) Member(id dag.LogicalIdentityPk) (MemberRecord, bool) {
	rec, ok := m.members[id]
	return rec, ok
}

// InstallDevice records a delegation certificate's grant. issuerPk is the
// raw 32 bytes of whoever signed cert: the logical master key, or an
// already-authorized device. A device may hold more than one issuance
// (one per issuer) at a time; InstallDevice appends rather than
// overwrites so an earlier path survives a later, independent one being
// revoked.
func (m *Manager) InstallDevice(cert dag.DelegationCertificate, issuerPk [32]byte, owner dag.LogicalIdentityPk, rank uint64) {
	m.devices[cert.DevicePk] = append(m.devices[cert.DevicePk], DeviceRecord{
		IssuerPk:      issuerPk,
		LogicalOwner:  owner,
		Permissions:   cert.Permissions,
		ExpiresAt:     cert.ExpiresAt,
		InstalledRank: rank,
	})
}

// RevokeDevice marks a device revoked as of rank; the chain walk rejects
// any path through it at or after that rank.
func (m *Manager) RevokeDevice(devicePk dag.PhysicalDevicePk, rank uint64) {
	m.revocations[devicePk] = rank
}

// Device looks up a device's most recent delegation record. A device's
// LogicalOwner is the same across every issuance it holds, so the most
// recent record is sufficient for callers (like logicalOwnerOf) that
// only need the owning identity, not the full set of paths.
func (m *Manager) Device(pk dag.PhysicalDevicePk) (DeviceRecord, bool) {
	recs, ok := m.devices[pk]
	if !ok || len(recs) == 0 {
		return DeviceRecord{}, false
	}
	return recs[len(recs)-1], true
}

// DeviceCount reports how many devices currently hold at least one
// installed delegation record, revoked or not — a coarse roster size
// for status reporting.
func (m *Manager) DeviceCount() int {
	return len(m.devices)
}

func (m *Manager) isRevokedAt(devicePk dag.PhysicalDevicePk, atRank uint64) bool {
	revokedRank, ok := m.revocations[devicePk]
	return ok && revokedRank <= atRank
}

// IsAuthorized reports whether device has a valid, unrevoked, unexpired
// issuance chain terminating at the conversation's logical root, as of
// (now, atRank). A device delegated PermNone explicitly still passes this
// check (it exists and chains to the root); callers that need a specific
// capability should test GetPermissions's result instead.
func (m *Manager) IsAuthorized(device dag.PhysicalDevicePk, now int64, atRank uint64) bool {
	_, ok := m.bestChain(device, now, atRank, 0, make(map[dag.PhysicalDevicePk]bool))
	return ok
}

// GetPermissions returns the effective permission set for device at
// (now, atRank): the bitwise AND of permissions along its issuance chain,
// maximized (by Permissions bit count) over every valid chain — so
// revoking one admin path does not unauthorize a device that has a
// second valid path to the root (§4.2).
func (m *Manager) GetPermissions(device dag.PhysicalDevicePk, now int64, atRank uint64) dag.Permissions {
	best, ok := m.bestChain(device, now, atRank, 0, make(map[dag.PhysicalDevicePk]bool))
	if !ok {
		return dag.PermNone
	}
	return best
}

// bestChain performs the bounded-depth DFS: a device may hold several
// independent issuances (one per issuer), and each is walked back to
// LogicalRoot separately; the result is whichever valid path grants the
// most permissions (§4.2's "maximum over paths" — revoking one issuer
// must not drop a device that still has another valid path to the
// root).
func (m *Manager) bestChain(device dag.PhysicalDevicePk, now int64, atRank uint64, depth int, visiting map[dag.PhysicalDevicePk]bool) (dag.Permissions, bool) {
	if depth >= maxChainDepth {
		return dag.PermNone, false
	}
	if visiting[device] {
		return dag.PermNone, false // cycle guard
	}
	if m.isRevokedAt(device, atRank) {
		return dag.PermNone, false
	}

	records, ok := m.devices[device]
	if !ok || len(records) == 0 {
		return dag.PermNone, false
	}

	visiting[device] = true
	defer delete(visiting, device)

	var best dag.Permissions
	found := false
	for _, rec := range records {
		if rec.ExpiresAt != 0 && rec.ExpiresAt <= now {
			continue
		}

		var perms dag.Permissions
		if rec.IssuerPk == [32]byte(m.LogicalRoot) {
			perms = rec.Permissions
		} else {
			issuerDevicePk := dag.PhysicalDevicePk(rec.IssuerPk)
			issuerPerms, ok := m.bestChain(issuerDevicePk, now, atRank, depth+1, visiting)
			if !ok {
				continue
			}
			// No escalation: the delegated permission can never exceed
			// what the issuer itself holds.
			perms = rec.Permissions.Intersect(issuerPerms)
		}

		if !found || bits.OnesCount32(uint32(perms)) > bits.OnesCount32(uint32(best)) {
			best = perms
			found = true
		}
	}
	return best, found
}

// AuthorizedDevices returns every device currently holding a valid,
// unrevoked, unexpired issuance chain to the logical root at (now, atRank),
// sorted by public key — the distribution list a membership rotation's
// KeyWrap targets (§4.3).
func (m *Manager) AuthorizedDevices(now int64, atRank uint64) []dag.PhysicalDevicePk {
	var out []dag.PhysicalDevicePk
	for pk := range m.devices {
		if m.IsAuthorized(pk, now, atRank) {
			out = append(out, pk)
		}
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}

// IsBootstrapSelfAuthorize reports whether node is the delegation-bootstrap
// exception (§4.2): an AuthorizeDevice node whose sender is the very
// device being authorized, accepted even though it is not yet installed,
// provided the embedded certificate is itself signed by the logical
// master key. Callers verify that signature separately (it is over the
// certificate bytes, not the enclosing node).
func IsBootstrapSelfAuthorize(senderPk dag.PhysicalDevicePk, cert dag.DelegationCertificate) bool {
	return senderPk == cert.DevicePk
}

// CheckLeaveAuthorized enforces the Leave semantic rule (§4.2): a
// Leave(target) node must either be a self-leave (target's logical
// identity authored it) or be authored by a device holding ADMIN
// (a kick).
func (m *Manager) CheckLeaveAuthorized(target dag.LogicalIdentityPk, senderDevicePk dag.PhysicalDevicePk, senderLogical dag.LogicalIdentityPk, now int64, atRank uint64) bool {
	if target == senderLogical {
		return true
	}
	return m.GetPermissions(senderDevicePk, now, atRank).Has(dag.PermAdmin)
}
