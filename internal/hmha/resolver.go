// Package hmha implements the HA partner resolver: pairing two Nodes
// sharing a service group into one ACTIVE, one PASSIVE, using weak
// (by-index) references so destroying either side never leaves the
// survivor holding a dangling pointer.
package hmha

import (
	"fmt"

	"github.com/anshulthakur/hwmanager/internal/hmlog"
	"github.com/anshulthakur/hwmanager/internal/hmtypes"
)

// GroupLookup gives the resolver just enough registry access to find
// every Node sharing a service group, without depending on hmregistry
// directly (mirrors hmnotify's BuildFunc indirection).
type GroupLookup func(group uint32) []*hmtypes.Node

// Resolver decides ACTIVE/PASSIVE role assignment whenever a Node with
// DesiredRole set joins a group, and maintains the weak partner links.
type Resolver struct {
	log        hmlog.Logger
	localIndex uint32 // this HM's own Location.Index, for the co-located case
	groupOf    GroupLookup
}

func NewResolver(localIndex uint32, groupOf GroupLookup, log hmlog.Logger) *Resolver {
	return &Resolver{localIndex: localIndex, groupOf: groupOf, log: log}
}

// ErrColocatedConflict is returned when two Nodes in the same group
// both live under this HM's own Location -- a configuration error,
// since a single Location is never supposed to host both halves of one
// HA pair. This implementation refuses the pairing outright rather
// than silently picking a winner.
type ErrColocatedConflict struct {
	Group       uint32
	NodeA, NodeB uint32
}

func (e *ErrColocatedConflict) Error() string {
	return fmt.Sprintf("hmha: nodes %d and %d both co-located in group %d, refusing to resolve", e.NodeA, e.NodeB, e.Group)
}

// Resolve runs the partner search for n, which has just joined group
// n.Group with n.DesiredRole set. It returns the role to grant n and,
// if a partner was found, the partner to bind (caller updates both
// sides' PartnerIndex/HasPartner and gossips the result via hmgossip).
func (r *Resolver) Resolve(n *hmtypes.Node) (hmtypes.Role, *hmtypes.Node, error) {
	candidates := r.groupOf(n.Group)

	var partner *hmtypes.Node
	for _, other := range candidates {
		if other.Index == n.Index {
			continue
		}
		if partner == nil {
			partner = other
			continue
		}
		// A third node in the same group is a configuration error the
		// resolver refuses to arbitrate silently.
		return hmtypes.RoleNone, nil, fmt.Errorf("hmha: group %d already has two members (%d, %d), rejecting %d", n.Group, partner.Index, other.Index, n.Index)
	}

	if partner == nil {
		// Case 1: solo in the group, no match yet. Grant the desired
		// role provisionally; a later join may still trigger arbitration.
		return n.DesiredRole, nil, nil
	}

	locA, locB := r.locationOf(n), r.locationOf(partner)
	if locA != 0 && locA == locB && locA == r.localIndex {
		return hmtypes.RoleNone, nil, &ErrColocatedConflict{Group: n.Group, NodeA: n.Index, NodeB: partner.Index}
	}

	// Case 3/4: a non-conflicting match, same or different Location.
	// If the partner already holds a CurrentRole it keeps it and n takes
	// the opposite, so a reconnecting Node never flips an already-settled
	// pair. Otherwise n gets its own DesiredRole, or ACTIVE if it expressed
	// none. The partner's DesiredRole is not consulted.
	if partner.CurrentRole != hmtypes.RoleNone {
		return partner.CurrentRole.Opposite(), partner, nil
	}
	if n.DesiredRole == hmtypes.RoleActive {
		return hmtypes.RoleActive, partner, nil
	}
	if n.DesiredRole == hmtypes.RolePassive {
		return hmtypes.RolePassive, partner, nil
	}
	return hmtypes.RoleActive, partner, nil
}

func (r *Resolver) locationOf(n *hmtypes.Node) uint32 {
	if n.ParentLocation == nil {
		return 0
	}
	return n.ParentLocation.Index
}

// Bind sets the weak partner references on both sides of a resolved
// pair. Weak means by Index, not by pointer: either side can be
// destroyed later without the survivor holding a stale pointer, it
// simply finds PartnerIndex absent from the registry on next lookup
// and treats itself as solo again.
func Bind(a, b *hmtypes.Node, roleA, roleB hmtypes.Role) {
	a.CurrentRole = roleA
	a.PartnerIndex = b.Index
	a.HasPartner = true

	b.CurrentRole = roleB
	b.PartnerIndex = a.Index
	b.HasPartner = true
}

// Unbind clears n's own partner reference; it does not (and cannot,
// since the reference is weak) reach into the partner to clear its
// side -- the partner discovers the break the next time it tries to
// dereference PartnerIndex and finds no such Node.
func Unbind(n *hmtypes.Node) {
	n.PartnerIndex = 0
	n.HasPartner = false
}
