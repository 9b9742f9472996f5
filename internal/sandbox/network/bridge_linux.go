//go:build linux

// Package network connects a sandboxed child's network namespace to the
// host through a veth pair and restricts where the child may connect.
//
// The veth names and addresses come from the spawn's NetworkConfig and are
// fixed, so at most one networked child is attached at a time. A stale pair
// left by a previous child is deleted before a new one is created.
package network

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"os"
	"sync"

	"workbench/internal/sandbox/protocol"

	"github.com/coreos/go-iptables/iptables"
	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
)

const ipForwardPath = "/proc/sys/net/ipv4/ip_forward"

// blockedRanges are never reachable from a child.
var blockedRanges = []string{
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"169.254.0.0/16",
	"100.64.0.0/10",
	"127.0.0.0/8",
}

// ruleTable is the subset of *iptables.IPTables the bridge needs.
type ruleTable interface {
	Exists(table, chain string, rulespec ...string) (bool, error)
	Append(table, chain string, rulespec ...string) error
	Insert(table, chain string, pos int, rulespec ...string) error
}

// Bridge attaches children to the host network.
type Bridge struct {
	mu               sync.Mutex
	ipt              ruleTable
	enableForwarding func() error
}

// NewBridge initialises iptables access.
func NewBridge() (*Bridge, error) {
	ipt, err := iptables.New()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize iptables: %w", err)
	}
	return &Bridge{ipt: ipt, enableForwarding: enableIPForwarding}, nil
}

func enableIPForwarding() error {
	return os.WriteFile(ipForwardPath, []byte("1"), 0o644)
}

// Attach creates the veth pair, moves the child end into pid's network
// namespace and configures both ends plus the default route inside.
func (b *Bridge) Attach(ctx context.Context, pid int, cfg *protocol.NetworkConfig) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if stale, err := netlink.LinkByName(cfg.KernelVethName); err == nil {
		if err := netlink.LinkDel(stale); err != nil {
			return fmt.Errorf("delete stale veth %s: %w", cfg.KernelVethName, err)
		}
	}

	la := netlink.NewLinkAttrs()
	la.Name = cfg.KernelVethName
	veth := &netlink.Veth{LinkAttrs: la, PeerName: cfg.ChildVethName}
	if err := netlink.LinkAdd(veth); err != nil {
		return fmt.Errorf("create veth %s: %w", cfg.KernelVethName, err)
	}
	ok := false
	defer func() {
		if !ok {
			_ = netlink.LinkDel(veth)
		}
	}()

	peer, err := netlink.LinkByName(cfg.ChildVethName)
	if err != nil {
		return fmt.Errorf("find veth peer %s: %w", cfg.ChildVethName, err)
	}
	if err := netlink.LinkSetNsPid(peer, pid); err != nil {
		return fmt.Errorf("move %s into pid %d: %w", cfg.ChildVethName, pid, err)
	}

	kernelAddr, err := ipNet(cfg.KernelIPv4, cfg.PrefixLen)
	if err != nil {
		return err
	}
	if err := netlink.AddrAdd(veth, &netlink.Addr{IPNet: kernelAddr}); err != nil {
		return fmt.Errorf("add address to %s: %w", cfg.KernelVethName, err)
	}
	if err := netlink.LinkSetUp(veth); err != nil {
		return fmt.Errorf("set %s up: %w", cfg.KernelVethName, err)
	}

	if err := configureChild(pid, cfg); err != nil {
		return err
	}
	if err := b.ensureEgressRules(cfg); err != nil {
		return fmt.Errorf("configure iptables: %w", err)
	}
	ok = true
	return nil
}

func configureChild(pid int, cfg *protocol.NetworkConfig) error {
	ns, err := netns.GetFromPid(pid)
	if err != nil {
		return fmt.Errorf("open netns of pid %d: %w", pid, err)
	}
	defer ns.Close()

	h, err := netlink.NewHandleAt(ns)
	if err != nil {
		return fmt.Errorf("netlink handle in pid %d: %w", pid, err)
	}
	defer h.Close()

	link, err := h.LinkByName(cfg.ChildVethName)
	if err != nil {
		return fmt.Errorf("find %s in child: %w", cfg.ChildVethName, err)
	}
	childAddr, err := ipNet(cfg.ChildIPv4, cfg.PrefixLen)
	if err != nil {
		return err
	}
	if err := h.AddrAdd(link, &netlink.Addr{IPNet: childAddr}); err != nil {
		return fmt.Errorf("add address to %s in child: %w", cfg.ChildVethName, err)
	}
	if err := h.LinkSetUp(link); err != nil {
		return fmt.Errorf("set %s up in child: %w", cfg.ChildVethName, err)
	}
	if lo, err := h.LinkByName("lo"); err == nil {
		if err := h.LinkSetUp(lo); err != nil {
			return fmt.Errorf("set lo up in child: %w", err)
		}
	}
	route := &netlink.Route{
		LinkIndex: link.Attrs().Index,
		Gw:        net.ParseIP(cfg.KernelIPv4),
	}
	if err := h.RouteAdd(route); err != nil {
		return fmt.Errorf("add default route in child: %w", err)
	}
	return nil
}

func ipNet(addr string, prefixLen int) (*net.IPNet, error) {
	ip := net.ParseIP(addr)
	if ip == nil || ip.To4() == nil {
		return nil, fmt.Errorf("invalid IPv4 address %q", addr)
	}
	return &net.IPNet{IP: ip.To4(), Mask: net.CIDRMask(prefixLen, 32)}, nil
}

func (b *Bridge) ensureEgressRules(cfg *protocol.NetworkConfig) error {
	if err := b.enableForwarding(); err != nil {
		return fmt.Errorf("enable ip forwarding: %w", err)
	}
	for _, r := range egressRules(cfg) {
		exists, err := b.ipt.Exists(r.table, r.chain, r.spec...)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if r.insert {
			err = b.ipt.Insert(r.table, r.chain, 1, r.spec...)
		} else {
			err = b.ipt.Append(r.table, r.chain, r.spec...)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

type rule struct {
	table  string
	chain  string
	insert bool
	spec   []string
}

// egressRules lets the child reach the internet through NAT while refusing
// connections to the host and to private ranges. Reject rules are inserted
// ahead of any accept rule already present.
func egressRules(cfg *protocol.NetworkConfig) []rule {
	child := netip.MustParseAddr(cfg.ChildIPv4).String() + "/32"
	rules := []rule{
		{table: "nat", chain: "POSTROUTING", spec: []string{"-s", child, "-j", "MASQUERADE"}},
		{table: "filter", chain: "INPUT", insert: true, spec: []string{
			"-i", cfg.KernelVethName, "-p", "tcp", "-j", "REJECT", "--reject-with", "tcp-reset",
		}},
		{table: "filter", chain: "INPUT", spec: []string{"-i", cfg.KernelVethName, "-j", "REJECT"}},
	}
	for _, dst := range blockedRanges {
		// Each insert lands on top, so the tcp-reset rule ends up first.
		rules = append(rules,
			rule{table: "filter", chain: "FORWARD", insert: true, spec: []string{
				"-s", child, "-d", dst, "-j", "REJECT",
			}},
			rule{table: "filter", chain: "FORWARD", insert: true, spec: []string{
				"-s", child, "-d", dst, "-p", "tcp", "-j", "REJECT", "--reject-with", "tcp-reset",
			}},
		)
	}
	rules = append(rules,
		rule{table: "filter", chain: "FORWARD", spec: []string{"-i", cfg.KernelVethName, "-j", "ACCEPT"}},
		rule{table: "filter", chain: "FORWARD", spec: []string{"-o", cfg.KernelVethName, "-m", "state", "--state", "RELATED,ESTABLISHED", "-j", "ACCEPT"}},
	)
	return rules
}
