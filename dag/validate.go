package dag

import (
	"errors"
	"fmt"
)

// NodeLookup is the minimal read contract validation needs from a store:
// rank and type of already-known nodes.
type NodeLookup interface {
	GetNodeType(hash NodeHash) (NodeType, bool)
	GetRank(hash NodeHash) (uint64, bool)
	ContainsNode(hash NodeHash) bool
	HasChildren(hash NodeHash) bool
}

// ValidationErrorKind enumerates the structural validation failures of §3.
type ValidationErrorKind int

const (
	ErrMaxParentsExceeded ValidationErrorKind = iota
	ErrMaxMetadataExceeded
	ErrPoWInvalid
	ErrInvalidWirePayloadSize
	ErrTopologicalRankViolation
	ErrMissingParents
	ErrInvalidAdminSignature
	ErrGenesisMacWithParents
	ErrAdminCannotHaveContentParent
	ErrContentNodeShouldUseMac
	ErrAdminNodeShouldUseSignature
	ErrDuplicateParent
	ErrInvalidPadding
	ErrDecompressionFailed
	ErrMacMismatch
)

// ValidationError carries the failure kind plus the context needed to act
// on it (e.g. MissingParents carries the hashes to fetch, §7).
type ValidationError struct {
	Kind           ValidationErrorKind
	MissingParents []NodeHash
	DuplicateHash  NodeHash
	Detail         string
}

func (e *ValidationError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("dag: validation failed: %s", e.Detail)
	}
	return fmt.Sprintf("dag: validation failed (kind %d)", e.Kind)
}

func vErr(kind ValidationErrorKind, detail string) *ValidationError {
	return &ValidationError{Kind: kind, Detail: detail}
}

// IsMissingParents reports whether err is a MissingParents validation
// failure and returns the hashes to fetch.
func IsMissingParents(err error) ([]NodeHash, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) && ve.Kind == ErrMissingParents {
		return ve.MissingParents, true
	}
	return nil, false
}

// Validate checks a node against every structural invariant in §3 that can
// be decided locally: parent limits/uniqueness, metadata size, auth-track
// match, PoW, admin signature, rank monotonicity, and chain isolation.
// Parent presence and rank lookups are delegated to lookup — if a parent
// is unknown the caller gets ErrMissingParents so it can fetch and retry,
// per §4.4 step 3 (this does not reject the node).
func (n *MerkleNode) Validate(conversationID ConversationId, difficulty uint32, lookup NodeLookup) error {
	if len(n.Parents) > MaxParents {
		return vErr(ErrMaxParentsExceeded, fmt.Sprintf("%d parents exceeds max %d", len(n.Parents), MaxParents))
	}

	seen := make(map[NodeHash]struct{}, len(n.Parents))
	for _, p := range n.Parents {
		if _, dup := seen[p]; dup {
			return &ValidationError{Kind: ErrDuplicateParent, DuplicateHash: p, Detail: "duplicate parent hash"}
		}
		seen[p] = struct{}{}
	}

	if len(n.Metadata) > MaxMetadataSize {
		return vErr(ErrMaxMetadataExceeded, fmt.Sprintf("metadata %d bytes exceeds max %d", len(n.Metadata), MaxMetadataSize))
	}

	nodeType := n.NodeType()

	switch {
	case n.Authentication.IsSignature() && nodeType == NodeAdmin:
		// ok
	case n.Authentication.IsMac() && nodeType == NodeContent:
		// ok
	case n.Authentication.IsSignature() && nodeType == NodeContent:
		return vErr(ErrContentNodeShouldUseMac, "content node must use a MAC, not a signature")
	case n.Authentication.IsMac() && nodeType == NodeAdmin:
		if n.IsGenesis() {
			if len(n.Parents) != 0 {
				return vErr(ErrGenesisMacWithParents, "MACed Genesis must have no parents")
			}
		} else {
			return vErr(ErrAdminNodeShouldUseSignature, "admin node must use a signature, not a MAC")
		}
	}

	if nodeType == NodeAdmin {
		if !n.ValidatePoW(difficulty) {
			return vErr(ErrPoWInvalid, "genesis node does not satisfy proof-of-work")
		}
		if !n.VerifyAdminSignature(conversationID) {
			return vErr(ErrInvalidAdminSignature, "admin signature verification failed")
		}
	}

	var maxParentRank uint64
	var missing []NodeHash
	for _, p := range n.Parents {
		rank, ok := lookup.GetRank(p)
		if !ok {
			missing = append(missing, p)
			continue
		}
		if rank >= maxParentRank {
			maxParentRank = rank
		}
	}
	if len(missing) > 0 {
		return &ValidationError{Kind: ErrMissingParents, MissingParents: missing, Detail: "missing parents"}
	}

	expectedRank := uint64(0)
	if len(n.Parents) > 0 {
		expectedRank = maxParentRank + 1
	}
	if n.TopologicalRank != expectedRank {
		return vErr(ErrTopologicalRankViolation, fmt.Sprintf("rank %d != expected %d", n.TopologicalRank, expectedRank))
	}

	if nodeType == NodeAdmin {
		for _, p := range n.Parents {
			pt, ok := lookup.GetNodeType(p)
			if !ok {
				return &ValidationError{Kind: ErrMissingParents, MissingParents: []NodeHash{p}, Detail: "missing parent type"}
			}
			if pt == NodeContent {
				return vErr(ErrAdminCannotHaveContentParent, "admin node references a content parent")
			}
		}
	}

	return nil
}
