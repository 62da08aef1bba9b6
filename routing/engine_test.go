package routing

import (
	"context"
	"net/netip"
	"strconv"
	"testing"

	"wgrouterd/shell"
)

const ruleShowOutput = `0:	from all lookup local
10242:	from all iif eth0 to 10.0.0.0/24 lookup 1042
32766:	from all lookup main
32767:	from all lookup default
`

func TestSyncRuleSkipsIdenticalExisting(t *testing.T) {
	f := shell.NewFake()
	f.Seed(shell.FakeResult{Result: shell.Result{Stdout: ruleShowOutput}}, "ip", "rule", "show")

	e := NewEngine(f)
	spec := rule{Priority: 10242, Args: []string{"iif", "eth0", "to", "10.0.0.0/24", "lookup", "1042"}}
	if err := e.syncRule(context.Background(), spec); err != nil {
		t.Fatalf("syncRule: %v", err)
	}

	for _, c := range f.Calls {
		if c.Name == "ip" && len(c.Args) > 1 && c.Args[0] == "rule" && (c.Args[1] == "add" || c.Args[1] == "del") {
			t.Errorf("expected no add/del calls for an already-present rule, got %+v", c)
		}
	}
}

func TestSyncRuleReplacesStaleRuleAtSamePriority(t *testing.T) {
	f := shell.NewFake()
	f.Seed(shell.FakeResult{Result: shell.Result{Stdout: ruleShowOutput}}, "ip", "rule", "show")

	e := NewEngine(f)
	// Same priority, different selector than the fixture's existing rule.
	spec := rule{Priority: 10242, Args: []string{"iif", "eth1", "to", "10.0.0.0/24", "lookup", "1042"}}
	if err := e.syncRule(context.Background(), spec); err != nil {
		t.Fatalf("syncRule: %v", err)
	}

	var sawDel, sawAdd bool
	for _, c := range f.Calls {
		if c.Name != "ip" || len(c.Args) == 0 {
			continue
		}
		if c.Args[0] == "rule" && len(c.Args) > 1 {
			switch c.Args[1] {
			case "del":
				sawDel = true
			case "add":
				sawAdd = true
			}
		}
	}
	if !sawDel || !sawAdd {
		t.Errorf("expected both a del (stale rule) and an add (new rule), calls=%+v", f.Calls)
	}
}

func TestSyncSpecificRoutesKeepsMultipleRulesAtSamePriority(t *testing.T) {
	f := shell.NewFake()
	f.Seed(shell.FakeResult{Result: shell.Result{Stdout: "\n"}}, "ip", "rule", "show")

	e := NewEngine(f)
	routes := []netip.Prefix{
		netip.MustParsePrefix("192.168.1.0/24"),
		netip.MustParsePrefix("192.168.2.0/24"),
	}
	if err := e.SyncSpecificRoutes(context.Background(), 1042, []string{"eth0"}, routes); err != nil {
		t.Fatalf("SyncSpecificRoutes: %v", err)
	}

	var adds int
	for _, c := range f.Calls {
		if c.Name == "ip" && len(c.Args) > 1 && c.Args[0] == "rule" && c.Args[1] == "add" {
			adds++
		}
	}
	if adds != len(routes) {
		t.Errorf("expected %d add calls, one per non-default route at the shared priority, got %d: %+v", len(routes), adds, f.Calls)
	}
}

func TestSyncSpecificRoutesDoesNotDeleteSiblingRuleAtSamePriority(t *testing.T) {
	prio := SpecificRoutePriority(1042)
	existing := "from all iif eth0 to 192.168.1.0/24 lookup 1042"
	f := shell.NewFake()
	f.Seed(shell.FakeResult{Result: shell.Result{Stdout: strconv.Itoa(prio) + ":\t" + existing + "\n"}}, "ip", "rule", "show")

	e := NewEngine(f)
	routes := []netip.Prefix{
		netip.MustParsePrefix("192.168.1.0/24"),
		netip.MustParsePrefix("192.168.2.0/24"),
	}
	if err := e.SyncSpecificRoutes(context.Background(), 1042, []string{"eth0"}, routes); err != nil {
		t.Fatalf("SyncSpecificRoutes: %v", err)
	}

	var dels, adds int
	for _, c := range f.Calls {
		if c.Name != "ip" || len(c.Args) < 2 || c.Args[0] != "rule" {
			continue
		}
		switch c.Args[1] {
		case "del":
			dels++
		case "add":
			adds++
		}
	}
	// The 192.168.1.0/24 rule already exists and must survive; only the
	// missing 192.168.2.0/24 rule should be added, and nothing deleted.
	if dels != 0 {
		t.Errorf("expected no deletes of the still-wanted sibling rule, got %d: %+v", dels, f.Calls)
	}
	if adds != 1 {
		t.Errorf("expected exactly 1 add for the missing sibling rule, got %d: %+v", adds, f.Calls)
	}
}

func TestRemovePeerRulesSkipsExitBandsForNonExitPeer(t *testing.T) {
	f := shell.NewFake()
	f.Seed(shell.FakeResult{Result: shell.Result{Stdout: "20042:\tfrom all iif eth0 to 0.0.0.0/0 lookup 1042\n20043:\tfrom 10.10.0.0/24 iif wg0 to 0.0.0.0/0 lookup 1042\n"}}, "ip", "rule", "show")

	e := NewEngine(f)
	if err := e.RemovePeerRules(context.Background(), 1042, false); err != nil {
		t.Fatalf("RemovePeerRules: %v", err)
	}
	// The only live rules sit in table 1042's exit-node bands (20042 and
	// 20043) and its specific-route band (10042) is empty; with
	// wasExitNode=false the exit bands are left alone, so no "del" calls
	// should appear at all.
	for _, c := range f.Calls {
		if c.Name == "ip" && len(c.Args) > 1 && c.Args[1] == "del" {
			t.Errorf("expected no del calls against an empty rule table, got %+v", c)
		}
	}
}
