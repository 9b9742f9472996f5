package protocol

import (
	"fmt"
	"net/netip"
	"path/filepath"
)

// Feature names one sandboxing step a child applies to itself.
type Feature string

const (
	FeatureNetwork          Feature = "network"
	FeatureChroot           Feature = "chroot"
	FeatureDropCapabilities Feature = "drop_capabilities"
	FeatureSetuid           Feature = "setuid"
	FeatureNoNewPrivileges  Feature = "no_new_privileges"
	FeatureSeccomp          Feature = "seccomp"
)

// Features lists every known feature in the order a child applies them.
var Features = []Feature{
	FeatureNetwork,
	FeatureChroot,
	FeatureDropCapabilities,
	FeatureSetuid,
	FeatureNoNewPrivileges,
	FeatureSeccomp,
}

// FeatureSet is an allow-list of sandbox features.
type FeatureSet []Feature

// SkipAllExcept returns an allow-list holding exactly features.
func SkipAllExcept(features ...Feature) *FeatureSet {
	set := FeatureSet(append([]Feature{}, features...))
	return &set
}

// SandboxConfig is the per-spawn sandbox description sent by the caller.
type SandboxConfig struct {
	// SkipSandboxExcept disables every feature not listed. Nil enables all.
	SkipSandboxExcept *FeatureSet `cbor:"skip_sandbox_except" json:"skip_sandbox_except,omitempty"`
	// ChrootDir is the new root when chroot is enabled.
	ChrootDir string `cbor:"chroot_dir" json:"chroot_dir"`
	// Network, when set, bridges the child's network namespace to the host.
	Network *NetworkConfig `cbor:"network" json:"network,omitempty"`
}

// Enabled reports whether the child must apply feature.
func (c SandboxConfig) Enabled(feature Feature) bool {
	if c.SkipSandboxExcept == nil {
		return true
	}
	for _, f := range *c.SkipSandboxExcept {
		if f == feature {
			return true
		}
	}
	return false
}

// Validate checks the config before it is sent to the forkserver.
func (c SandboxConfig) Validate() error {
	if c.SkipSandboxExcept != nil {
		for _, f := range *c.SkipSandboxExcept {
			if !knownFeature(f) {
				return fmt.Errorf("unknown sandbox feature %q", f)
			}
		}
	}
	if c.Enabled(FeatureChroot) {
		if c.ChrootDir == "" {
			return fmt.Errorf("chroot enabled without chroot_dir")
		}
		if !filepath.IsAbs(c.ChrootDir) {
			return fmt.Errorf("chroot_dir %q must be absolute", c.ChrootDir)
		}
	}
	if c.Network != nil && c.Enabled(FeatureNetwork) {
		if err := c.Network.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func knownFeature(f Feature) bool {
	for _, k := range Features {
		if k == f {
			return true
		}
	}
	return false
}

// NetworkConfig describes the veth pair joining a child to the host.
type NetworkConfig struct {
	KernelVethName string `cbor:"kernel_veth_name" json:"kernel_veth_name" yaml:"kernelVethName"`
	ChildVethName  string `cbor:"child_veth_name" json:"child_veth_name" yaml:"childVethName"`
	KernelIPv4     string `cbor:"kernel_ipv4" json:"kernel_ipv4" yaml:"kernelIPv4"`
	ChildIPv4      string `cbor:"child_ipv4" json:"child_ipv4" yaml:"childIPv4"`
	PrefixLen      int    `cbor:"prefix_len" json:"prefix_len" yaml:"prefixLen"`
}

// DefaultNetworkConfig returns the addresses used when none are configured.
func DefaultNetworkConfig() *NetworkConfig {
	return &NetworkConfig{
		KernelVethName: "wb-kernel0",
		ChildVethName:  "wb-child0",
		KernelIPv4:     "192.168.123.1",
		ChildIPv4:      "192.168.123.2",
		PrefixLen:      30,
	}
}

// Validate checks interface names and addresses.
func (n *NetworkConfig) Validate() error {
	for _, name := range []string{n.KernelVethName, n.ChildVethName} {
		if name == "" || len(name) > 15 {
			return fmt.Errorf("invalid veth name %q", name)
		}
	}
	if n.KernelVethName == n.ChildVethName {
		return fmt.Errorf("veth names must differ")
	}
	kernel, err := netip.ParseAddr(n.KernelIPv4)
	if err != nil || !kernel.Is4() {
		return fmt.Errorf("invalid kernel_ipv4 %q", n.KernelIPv4)
	}
	child, err := netip.ParseAddr(n.ChildIPv4)
	if err != nil || !child.Is4() {
		return fmt.Errorf("invalid child_ipv4 %q", n.ChildIPv4)
	}
	if n.PrefixLen < 1 || n.PrefixLen > 30 {
		return fmt.Errorf("invalid prefix_len %d", n.PrefixLen)
	}
	prefix := netip.PrefixFrom(kernel, n.PrefixLen).Masked()
	if !prefix.Contains(child) {
		return fmt.Errorf("child_ipv4 %s is outside %s", child, prefix)
	}
	return nil
}
