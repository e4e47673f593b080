package identity

import (
	"testing"

	"github.com/stretchr/testify/require"

	"mtox/dag"
)

func randPk(seed byte) [32]byte {
	var pk [32]byte
	for i := range pk {
		pk[i] = seed
	}
	return pk
}

func TestGetPermissions_DirectGrantFromRoot(t *testing.T) {
	root := dag.LogicalIdentityPk(randPk(1))
	m := NewManager(root)

	device := dag.PhysicalDevicePk(randPk(2))
	m.InstallDevice(dag.DelegationCertificate{
		DevicePk:    device,
		Permissions: dag.PermAdmin | dag.PermMessage,
		ExpiresAt:   0,
	}, [32]byte(root), root, 1)

	perms := m.GetPermissions(device, 1000, 10)
	require.Equal(t, dag.PermAdmin|dag.PermMessage, perms)
	require.True(t, m.IsAuthorized(device, 1000, 10))
}

func TestGetPermissions_NoEscalationThroughChain(t *testing.T) {
	root := dag.LogicalIdentityPk(randPk(1))
	m := NewManager(root)

	admin := dag.PhysicalDevicePk(randPk(2))
	m.InstallDevice(dag.DelegationCertificate{
		DevicePk:    admin,
		Permissions: dag.PermAdmin | dag.PermSync,
	}, [32]byte(root), root, 1)

	// sub delegates MESSAGE+SYNC, but admin only actually holds ADMIN+SYNC,
	// so the effective grant must be intersected down to SYNC only.
	sub := dag.PhysicalDevicePk(randPk(3))
	m.InstallDevice(dag.DelegationCertificate{
		DevicePk:    sub,
		Permissions: dag.PermMessage | dag.PermSync,
	}, [32]byte(admin), root, 2)

	perms := m.GetPermissions(sub, 1000, 10)
	require.Equal(t, dag.PermSync, perms)
}

func TestGetPermissions_RevokedChainLinkFails(t *testing.T) {
	root := dag.LogicalIdentityPk(randPk(1))
	m := NewManager(root)

	admin := dag.PhysicalDevicePk(randPk(2))
	m.InstallDevice(dag.DelegationCertificate{DevicePk: admin, Permissions: dag.PermAll}, [32]byte(root), root, 1)

	sub := dag.PhysicalDevicePk(randPk(3))
	m.InstallDevice(dag.DelegationCertificate{DevicePk: sub, Permissions: dag.PermMessage}, [32]byte(admin), root, 2)

	require.Equal(t, dag.PermMessage, m.GetPermissions(sub, 1000, 5))

	m.RevokeDevice(admin, 5)

	// Before the revocation rank, still valid; at/after, the chain breaks.
	require.Equal(t, dag.PermMessage, m.GetPermissions(sub, 1000, 4))
	require.Equal(t, dag.PermNone, m.GetPermissions(sub, 1000, 5))
}

func TestGetPermissions_SecondPathSurvivesRevocation(t *testing.T) {
	root := dag.LogicalIdentityPk(randPk(1))
	m := NewManager(root)

	adminA := dag.PhysicalDevicePk(randPk(2))
	adminB := dag.PhysicalDevicePk(randPk(3))
	m.InstallDevice(dag.DelegationCertificate{DevicePk: adminA, Permissions: dag.PermAll}, [32]byte(root), root, 1)
	m.InstallDevice(dag.DelegationCertificate{DevicePk: adminB, Permissions: dag.PermAll}, [32]byte(root), root, 1)

	// target is authorized by BOTH adminA and adminB independently — two
	// issuances held at once, not a re-delegation. Revoking adminA must
	// not disturb the still-valid path through adminB, with no
	// re-issuance of target's certificate.
	target := dag.PhysicalDevicePk(randPk(4))
	m.InstallDevice(dag.DelegationCertificate{DevicePk: target, Permissions: dag.PermMessage}, [32]byte(adminA), root, 2)
	m.InstallDevice(dag.DelegationCertificate{DevicePk: target, Permissions: dag.PermMessage}, [32]byte(adminB), root, 2)
	require.Equal(t, dag.PermMessage, m.GetPermissions(target, 1000, 3))

	m.RevokeDevice(adminA, 3)
	require.Equal(t, dag.PermMessage, m.GetPermissions(target, 1000, 3))
	require.True(t, m.IsAuthorized(target, 1000, 3))

	// Revoking the remaining path finally drops authorization.
	m.RevokeDevice(adminB, 3)
	require.Equal(t, dag.PermNone, m.GetPermissions(target, 1000, 3))
	require.False(t, m.IsAuthorized(target, 1000, 3))
}

func TestGetPermissions_MaximizesOverPathsWithDifferentGrants(t *testing.T) {
	root := dag.LogicalIdentityPk(randPk(1))
	m := NewManager(root)

	adminA := dag.PhysicalDevicePk(randPk(2))
	adminB := dag.PhysicalDevicePk(randPk(3))
	m.InstallDevice(dag.DelegationCertificate{DevicePk: adminA, Permissions: dag.PermAll}, [32]byte(root), root, 1)
	m.InstallDevice(dag.DelegationCertificate{DevicePk: adminB, Permissions: dag.PermAll}, [32]byte(root), root, 1)

	// adminA grants only MESSAGE, adminB grants MESSAGE+SYNC: the
	// effective permission set is the richer of the two valid paths.
	target := dag.PhysicalDevicePk(randPk(4))
	m.InstallDevice(dag.DelegationCertificate{DevicePk: target, Permissions: dag.PermMessage}, [32]byte(adminA), root, 2)
	m.InstallDevice(dag.DelegationCertificate{DevicePk: target, Permissions: dag.PermMessage | dag.PermSync}, [32]byte(adminB), root, 2)

	require.Equal(t, dag.PermMessage|dag.PermSync, m.GetPermissions(target, 1000, 3))
}

func TestGetPermissions_ExpiredCertFails(t *testing.T) {
	root := dag.LogicalIdentityPk(randPk(1))
	m := NewManager(root)

	device := dag.PhysicalDevicePk(randPk(2))
	m.InstallDevice(dag.DelegationCertificate{DevicePk: device, Permissions: dag.PermMessage, ExpiresAt: 500}, [32]byte(root), root, 1)

	require.Equal(t, dag.PermMessage, m.GetPermissions(device, 100, 10))
	require.Equal(t, dag.PermNone, m.GetPermissions(device, 500, 10))
}

func TestGetPermissions_UnknownDeviceIsUnauthorized(t *testing.T) {
	root := dag.LogicalIdentityPk(randPk(1))
	m := NewManager(root)
	device := dag.PhysicalDevicePk(randPk(9))
	require.False(t, m.IsAuthorized(device, 1000, 10))
	require.Equal(t, dag.PermNone, m.GetPermissions(device, 1000, 10))
}

func TestIsBootstrapSelfAuthorize(t *testing.T) {
	device := dag.PhysicalDevicePk(randPk(7))
	cert := dag.DelegationCertificate{DevicePk: device, Permissions: dag.PermMessage}
	require.True(t, IsBootstrapSelfAuthorize(device, cert))

	other := dag.PhysicalDevicePk(randPk(8))
	require.False(t, IsBootstrapSelfAuthorize(other, cert))
}

func TestCheckLeaveAuthorized(t *testing.T) {
	root := dag.LogicalIdentityPk(randPk(1))
	m := NewManager(root)

	admin := dag.PhysicalDevicePk(randPk(2))
	m.InstallDevice(dag.DelegationCertificate{DevicePk: admin, Permissions: dag.PermAdmin}, [32]byte(root), root, 1)

	member := dag.PhysicalDevicePk(randPk(3))
	m.InstallDevice(dag.DelegationCertificate{DevicePk: member, Permissions: dag.PermMessage}, [32]byte(root), root, 1)

	memberLogical := dag.LogicalIdentityPk(randPk(30))
	otherLogical := dag.LogicalIdentityPk(randPk(31))

	// self-leave always allowed regardless of permissions
	require.True(t, m.CheckLeaveAuthorized(memberLogical, member, memberLogical, 1000, 10))

	// kicking someone else requires ADMIN
	require.False(t, m.CheckLeaveAuthorized(otherLogical, member, memberLogical, 1000, 10))
	require.True(t, m.CheckLeaveAuthorized(otherLogical, admin, dag.LogicalIdentityPk(randPk(99)), 1000, 10))
}
