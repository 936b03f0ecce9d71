package capability

import "testing"

func allCapabilities() []Capability {
	return []Capability{View, Collaborate, Admin, Owner}
}

func TestIntersectCommutative(t *testing.T) {
	for _, a := range allCapabilities() {
		for _, b := range allCapabilities() {
			ar := a.AccessRights().Intersect(b.AccessRights())
			br := b.AccessRights().Intersect(a.AccessRights())
			if ar != br {
				t.Fatalf("intersect(%s,%s)=%v != intersect(%s,%s)=%v", a, b, ar, b, a, br)
			}
		}
	}
}

func TestIntersectIdempotent(t *testing.T) {
	for _, a := range allCapabilities() {
		r := a.AccessRights()
		if r.Intersect(r) != r {
			t.Fatalf("intersect(%s,%s) != %s", a, a, a)
		}
	}
}

func TestIntersectIsSubsetOfBoth(t *testing.T) {
	for _, a := range allCapabilities() {
		for _, b := range allCapabilities() {
			inter := a.AccessRights().Intersect(b.AccessRights())
			if !a.AccessRights().IsSupersetOf(inter) {
				t.Fatalf("intersect(%s,%s) not subset of %s", a, b, a)
			}
			if !b.AccessRights().IsSupersetOf(inter) {
				t.Fatalf("intersect(%s,%s) not subset of %s", a, b, b)
			}
		}
	}
}

func TestFromAccessRightsRoundTrip(t *testing.T) {
	for _, c := range allCapabilities() {
		got, ok := FromAccessRights(c.AccessRights())
		if !ok {
			t.Fatalf("FromAccessRights(%s.AccessRights()) returned ok=false", c)
		}
		if got != c {
			t.Fatalf("FromAccessRights(%s.AccessRights()) = %s, want %s", c, got, c)
		}
	}
}

func TestFromAccessRightsRejectsNonCapabilitySet(t *testing.T) {
	// RightManageMembers without RightView/RightInput corresponds to
	// no capability.
	if _, ok := FromAccessRights(RightManageMembers); ok {
		t.Fatal("expected ok=false for a rights set no capability produces")
	}
}
