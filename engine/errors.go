package engine

import (
	"errors"
	"fmt"

	"mtox/dag"
)

// PermissionDeniedError reports that a sender's current chain-validity does
// not include the permission a content kind requires (§4.4 step 4, §7's
// PermissionDenied kind). Non-fatal: the node stays speculative and a later
// AuthorizeDevice granting the missing permission may promote it.
type PermissionDeniedError struct {
	SenderPk dag.PhysicalDevicePk
	Required dag.Permissions
	Rank     uint64
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("engine: %s lacks required permission at rank %d", e.SenderPk, e.Rank)
}

// IsPermissionDenied reports whether err is a PermissionDeniedError.
func IsPermissionDenied(err error) (*PermissionDeniedError, bool) {
	var pe *PermissionDeniedError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
