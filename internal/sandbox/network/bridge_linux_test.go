//go:build linux

package network

import (
	"strings"
	"testing"

	"workbench/internal/sandbox/protocol"
)

type fakeTable struct {
	rules    map[string][]string
	inserted int
	appended int
}

func newFakeTable() *fakeTable {
	return &fakeTable{rules: map[string][]string{}}
}

func (f *fakeTable) key(table, chain string) string { return table + "/" + chain }

func (f *fakeTable) Exists(table, chain string, rulespec ...string) (bool, error) {
	want := strings.Join(rulespec, " ")
	for _, r := range f.rules[f.key(table, chain)] {
		if r == want {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeTable) Append(table, chain string, rulespec ...string) error {
	k := f.key(table, chain)
	f.rules[k] = append(f.rules[k], strings.Join(rulespec, " "))
	f.appended++
	return nil
}

func (f *fakeTable) Insert(table, chain string, pos int, rulespec ...string) error {
	k := f.key(table, chain)
	f.rules[k] = append([]string{strings.Join(rulespec, " ")}, f.rules[k]...)
	f.inserted++
	return nil
}

func TestEgressRulesAreIdempotentAndOrdered(t *testing.T) {
	table := newFakeTable()
	forwarding := 0
	b := &Bridge{ipt: table, enableForwarding: func() error { forwarding++; return nil }}
	cfg := protocol.DefaultNetworkConfig()

	if err := b.ensureEgressRules(cfg); err != nil {
		t.Fatalf("ensureEgressRules() = %v", err)
	}
	firstCount := table.inserted + table.appended
	if err := b.ensureEgressRules(cfg); err != nil {
		t.Fatalf("ensureEgressRules() = %v", err)
	}
	if table.inserted+table.appended != firstCount {
		t.Fatal("second pass should not add rules")
	}
	if forwarding != 2 {
		t.Fatalf("forwarding enabled %d times", forwarding)
	}

	forward := table.rules["filter/FORWARD"]
	if len(forward) == 0 || !strings.Contains(forward[0], "tcp-reset") {
		t.Fatalf("first FORWARD rule should reset tcp, got %v", forward)
	}
	last := forward[len(forward)-1]
	if !strings.Contains(last, "ACCEPT") {
		t.Fatalf("accept rules must come after rejects, got %q", last)
	}
	for _, dst := range blockedRanges {
		found := false
		for _, r := range forward {
			if strings.Contains(r, "-d "+dst) {
				found = true
			}
		}
		if !found {
			t.Fatalf("no reject rule for %s", dst)
		}
	}
	nat := table.rules["nat/POSTROUTING"]
	if len(nat) != 1 || nat[0] != "-s 192.168.123.2/32 -j MASQUERADE" {
		t.Fatalf("unexpected nat rules %v", nat)
	}
}

func TestIPNet(t *testing.T) {
	n, err := ipNet("192.168.123.1", 30)
	if err != nil {
		t.Fatalf("ipNet() = %v", err)
	}
	if n.String() != "192.168.123.1/30" {
		t.Fatalf("ipNet() = %s", n)
	}
	if _, err := ipNet("fe80::1", 64); err == nil {
		t.Fatal("expected error for IPv6 address")
	}
}
