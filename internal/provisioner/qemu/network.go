package qemu

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"sync"

	"github.com/go-logr/logr"
)

// Bridge networking defaults, adapted from pkg/qemu/network.go's
// NetworkManager (bridge/tap/NAT setup via `ip`+`iptables`, per-VM static IP
// allocation, deterministic QEMU/KVM-range MAC generation) renamed from
// "stargate" to this provisioner's own naming and keyed by machine magic
// instead of a simulator VM name.
const (
	bridgeName    = "cuvette-br0"
	bridgeIP      = "192.168.100.1"
	bridgeCIDR    = "192.168.100.0/24"
	bridgeNetmask = "24"
	vmIPStart     = 11 // 192.168.100.11
)

// network manages the bridge interface, per-VM tap devices, and static IP
// allocation the qemu Provisioner needs to give each VM a reachable
// hostname for the Inspector Pipeline's RemoteExec.
type network struct {
	logger logr.Logger

	mu     sync.Mutex
	leased map[string]string // magic -> IP
	nextIP int
}

func newNetwork(logger logr.Logger) *network {
	return &network{logger: logger, leased: map[string]string{}, nextIP: vmIPStart}
}

// ensureBridge creates cuvette-br0 if it doesn't already exist, enables IP
// forwarding, and sets up NAT masquerade so VMs reach the outside world.
func (n *network) ensureBridge(ctx context.Context) error {
	if n.bridgeExists() {
		return nil
	}
	if err := n.runIP(ctx, "link", "add", bridgeName, "type", "bridge"); err != nil {
		return fmt.Errorf("qemu: create bridge: %w", err)
	}
	if err := n.runIP(ctx, "addr", "add", fmt.Sprintf("%s/%s", bridgeIP, bridgeNetmask), "dev", bridgeName); err != nil {
		return fmt.Errorf("qemu: set bridge address: %w", err)
	}
	if err := n.runIP(ctx, "link", "set", bridgeName, "up"); err != nil {
		return fmt.Errorf("qemu: bring up bridge: %w", err)
	}
	if out, err := exec.CommandContext(ctx, "sysctl", "-w", "net.ipv4.ip_forward=1").CombinedOutput(); err != nil {
		return fmt.Errorf("qemu: enable ip forwarding: %w: %s", err, out)
	}
	n.setupNAT(ctx)
	return nil
}

// createTap creates and bridges a tap device for magic, idempotently.
func (n *network) createTap(ctx context.Context, magic string) (string, error) {
	tap := tapName(magic)
	if n.tapExists(tap) {
		_ = n.runIP(ctx, "link", "set", tap, "master", bridgeName)
		_ = n.runIP(ctx, "link", "set", tap, "up")
		return tap, nil
	}
	if err := n.runIP(ctx, "tuntap", "add", tap, "mode", "tap"); err != nil {
		return "", fmt.Errorf("qemu: create tap: %w", err)
	}
	if err := n.runIP(ctx, "link", "set", tap, "up"); err != nil {
		return "", fmt.Errorf("qemu: bring up tap: %w", err)
	}
	if err := n.runIP(ctx, "link", "set", tap, "master", bridgeName); err != nil {
		return "", fmt.Errorf("qemu: attach tap to bridge: %w", err)
	}
	return tap, nil
}

func (n *network) deleteTap(ctx context.Context, magic string) error {
	tap := tapName(magic)
	if !n.tapExists(tap) {
		return nil
	}
	return n.runIP(ctx, "link", "delete", tap)
}

// allocateIP hands out the next free address in the bridge CIDR, stable for
// the lifetime of the provisioner process: once leased, a magic keeps its
// address even across a VM restart within the same run.
func (n *network) allocateIP(magic string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if ip, ok := n.leased[magic]; ok {
		return ip
	}
	ip := fmt.Sprintf("192.168.100.%d", n.nextIP)
	n.leased[magic] = ip
	n.nextIP++
	return ip
}

func (n *network) releaseIP(magic string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.leased, magic)
}

// generateMAC derives a stable QEMU/KVM-range MAC from magic so the same
// machine always gets the same address across a Resume.
func generateMAC(magic string) string {
	hash := 0
	for _, c := range magic {
		hash = (hash*31 + int(c)) & 0xFFFFFF
	}
	return fmt.Sprintf("52:54:00:%02x:%02x:%02x", (hash>>16)&0xFF, (hash>>8)&0xFF, hash&0xFF)
}

func tapName(magic string) string {
	name := "tap-" + magic
	if len(name) > 15 {
		name = name[:15]
	}
	return name
}

func (n *network) bridgeExists() bool {
	_, err := net.InterfaceByName(bridgeName)
	return err == nil
}

func (n *network) tapExists(tap string) bool {
	_, err := net.InterfaceByName(tap)
	return err == nil
}

func (n *network) runIP(ctx context.Context, args ...string) error {
	out, err := exec.CommandContext(ctx, "ip", args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (n *network) setupNAT(ctx context.Context) {
	iface, err := n.defaultInterface(ctx)
	if err != nil {
		n.logger.Info("could not determine default interface, NAT may not work", "err", err)
		iface = "eth0"
	}
	out, err := exec.CommandContext(ctx, "iptables", "-t", "nat", "-A", "POSTROUTING",
		"-s", bridgeCIDR, "-o", iface, "-j", "MASQUERADE").CombinedOutput()
	if err != nil && !strings.Contains(string(out), "already exists") {
		n.logger.Info("iptables masquerade rule failed", "err", err, "out", string(out))
	}
	_ = exec.CommandContext(ctx, "iptables", "-A", "FORWARD", "-i", bridgeName, "-j", "ACCEPT").Run()
	_ = exec.CommandContext(ctx, "iptables", "-A", "FORWARD", "-o", bridgeName, "-j", "ACCEPT").Run()
}

func (n *network) defaultInterface(ctx context.Context) (string, error) {
	out, err := exec.CommandContext(ctx, "ip", "route", "show", "default").CombinedOutput()
	if err != nil {
		return "", err
	}
	fields := strings.Fields(string(out))
	for i, f := range fields {
		if f == "dev" && i+1 < len(fields) {
			return fields[i+1], nil
		}
	}
	return "", fmt.Errorf("qemu: no default route found")
}
