package capability

// Capability is one of four totally-ordered levels:
// View ⊂ Collaborate ⊂ Admin ⊂ Owner.
type Capability int

const (
	View Capability = iota
	Collaborate
	Admin
	Owner
)

func (c Capability) String() string {
	switch c {
	case View:
		return "view"
	case Collaborate:
		return "collaborate"
	case Admin:
		return "admin"
	case Owner:
		return "owner"
	default:
		return "unknown"
	}
}

// AtLeast reports whether c grants at least as much as other in the
// total order.
func (c Capability) AtLeast(other Capability) bool { return c >= other }

// AccessRights is the bitset a Capability maps onto, closed under
// intersection. Bits beyond what §4.7 names (view, input) add the
// membership-management and owner-delegation rights implied by Admin
// and Owner.
type AccessRights uint8

const (
	RightView AccessRights = 1 << iota
	RightInput
	RightManageMembers
	RightDelegateOwner
)

// AccessRights returns the rights set for c.
func (c Capability) AccessRights() AccessRights {
	switch c {
	case View:
		return RightView
	case Collaborate:
		return RightView | RightInput
	case Admin:
		return RightView | RightInput | RightManageMembers
	case Owner:
		return RightView | RightInput | RightManageMembers | RightDelegateOwner
	default:
		return 0
	}
}

// FromAccessRights is the left inverse of Capability.AccessRights: it
// returns the Capability whose rights set is exactly r, and false if r
// does not correspond to any capability. The round trip only holds for
// rights sets actually produced by AccessRights, not for arbitrary bit
// combinations.
func FromAccessRights(r AccessRights) (Capability, bool) {
	for _, c := range []Capability{View, Collaborate, Admin, Owner} {
		if c.AccessRights() == r {
			return c, true
		}
	}
	return 0, false
}

// Intersect is commutative and idempotent, and the result is a subset
// of both operands.
func (r AccessRights) Intersect(other AccessRights) AccessRights {
	return r & other
}

// IsSupersetOf reports whether r grants everything other grants.
func (r AccessRights) IsSupersetOf(other AccessRights) bool {
	return r&other == other
}

// Diff returns the rights in r that are not in other.
func (r AccessRights) Diff(other AccessRights) AccessRights {
	return r &^ other
}

func (r AccessRights) Has(right AccessRights) bool {
	return r&right == right
}
