package routing

import "testing"

func TestPriorityBandArithmetic(t *testing.T) {
	const tableID = 4242 // 4242 mod 1000 == 242

	if got, want := SpecificRoutePriority(tableID), 10242; got != want {
		t.Errorf("SpecificRoutePriority(%d) = %d, want %d", tableID, got, want)
	}
	if got, want := LANToExitPriority(tableID), 20242; got != want {
		t.Errorf("LANToExitPriority(%d) = %d, want %d", tableID, got, want)
	}
	if got, want := WGPeerToExitPriority(tableID), 20243; got != want {
		t.Errorf("WGPeerToExitPriority(%d) = %d, want %d", tableID, got, want)
	}
	if got, want := LANExceptionPriority(2, 5), 19905; got != want {
		t.Errorf("LANExceptionPriority(2,5) = %d, want %d", got, want)
	}
	if got, want := LANToLANPriority(3), 19996; got != want {
		t.Errorf("LANToLANPriority(3) = %d, want %d", got, want)
	}
}

func TestRuleKeyDistinguishesArgs(t *testing.T) {
	a := rule{Priority: 100, Args: []string{"iif", "eth0", "to", "10.0.0.0/24", "lookup", "100"}}
	b := rule{Priority: 100, Args: []string{"iif", "eth1", "to", "10.0.0.0/24", "lookup", "100"}}
	if a.key() == b.key() {
		t.Fatal("rules with different args must not collide on key()")
	}

	c := rule{Priority: 100, Args: append([]string{}, a.Args...)}
	if a.key() != c.key() {
		t.Fatal("identical rules must produce the same key()")
	}
}
