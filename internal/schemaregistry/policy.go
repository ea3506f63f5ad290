package schemaregistry

import (
	"github.com/datafold/datafold/internal/errs"
)

// Access names which half of a PermissionPolicy applies.
type Access string

const (
	AccessRead  Access = "read"
	AccessWrite Access = "write"
)

// CheckPolicy evaluates one (caller, policy, access) triple: resolve the
// policy for the requested access, then evaluate its kind.
//
// trustDistance is the caller's precomputed trust distance to the node
// owner (supplied by the peer/trust-graph layer); it is meaningless for
// policies other than Distance.
func CheckPolicy(policy PermissionPolicy, access Access, callerPubKey string, trustDistance int, field string) error {
	p := policy.Read
	if access == AccessWrite {
		p = policy.Write
	}

	switch p.Kind {
	case PolicyNoRequirement, "":
		return nil
	case PolicyDistance:
		if trustDistance <= p.Distance {
			return nil
		}
	case PolicyExplicit:
		for _, k := range p.Explicit {
			if k == callerPubKey {
				return nil
			}
		}
	}
	return &errs.PermissionDenied{Field: field, Policy: p.String()}
}
