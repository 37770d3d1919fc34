package qemu

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/go-logr/logr"
)

// cloudInitGenerator builds a NoCloud cloud-init ISO seeding the VM with the
// SSH credential the Inspector Pipeline's RemoteExec will use to reach it,
// plus a static network-config when the VM has a pre-allocated IP. The
// genisoimage / mkisofs / xorrisofs fallback chain covers whichever
// ISO-mastering tool the host distro happens to ship.
type cloudInitGenerator struct {
	workDir string
	logger  logr.Logger
}

func newCloudInitGenerator(workDir string, logger logr.Logger) *cloudInitGenerator {
	return &cloudInitGenerator{workDir: workDir, logger: logger}
}

// generateISO writes meta-data/user-data for instanceID/hostname granting
// sshUser a password login plus a static network-config for ip/gateway (when
// ip is non-empty), then packs them into a cidata-labeled ISO.
func (g *cloudInitGenerator) generateISO(ctx context.Context, instanceID, hostname, sshUser, sshPassword, ip, gateway string) (string, error) {
	tempDir := filepath.Join(g.workDir, instanceID, "cloudinit")
	if err := os.MkdirAll(tempDir, 0755); err != nil {
		return "", fmt.Errorf("qemu: create cloud-init dir: %w", err)
	}

	metaData := fmt.Sprintf("instance-id: %s\nlocal-hostname: %s\n", instanceID, hostname)
	if err := os.WriteFile(filepath.Join(tempDir, "meta-data"), []byte(metaData), 0644); err != nil {
		return "", fmt.Errorf("qemu: write meta-data: %w", err)
	}

	userData := fmt.Sprintf(`#cloud-config
users:
  - name: %s
    lock_passwd: false
    plain_text_passwd: '%s'
    sudo: ALL=(ALL) NOPASSWD:ALL
    shell: /bin/bash
ssh_pwauth: true
`, sshUser, sshPassword)
	if err := os.WriteFile(filepath.Join(tempDir, "user-data"), []byte(userData), 0644); err != nil {
		return "", fmt.Errorf("qemu: write user-data: %w", err)
	}

	if ip != "" {
		networkConfig := fmt.Sprintf(`version: 2
ethernets:
  enp0s2:
    dhcp4: false
    addresses:
      - %s/24
    routes:
      - to: default
        via: %s
    nameservers:
      addresses:
        - 8.8.8.8
        - 8.8.4.4
`, ip, gateway)
		if err := os.WriteFile(filepath.Join(tempDir, "network-config"), []byte(networkConfig), 0644); err != nil {
			return "", fmt.Errorf("qemu: write network-config: %w", err)
		}
	}

	isoPath := filepath.Join(g.workDir, instanceID, "cloudinit.iso")
	if err := g.packISO(ctx, tempDir, isoPath); err != nil {
		return "", err
	}
	g.logger.Info("generated cloud-init seed ISO", "iso", isoPath)
	return isoPath, nil
}

// packISO tries each ISO-mastering tool in turn, since which one is
// installed varies by distro (genisoimage on Debian/Ubuntu, mkisofs on
// RHEL/CentOS, xorrisofs as the modern fallback).
func (g *cloudInitGenerator) packISO(ctx context.Context, sourceDir, isoPath string) error {
	tools := []string{"genisoimage", "mkisofs", "xorrisofs"}
	var lastErr error
	for _, tool := range tools {
		if _, err := exec.LookPath(tool); err != nil {
			continue
		}
		cmd := exec.CommandContext(ctx, tool, "-output", isoPath, "-volid", "cidata", "-joliet", "-rock", sourceDir)
		if out, err := cmd.CombinedOutput(); err != nil {
			lastErr = fmt.Errorf("%s: %w: %s", tool, err, out)
			continue
		}
		return nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no ISO mastering tool found (tried %v)", tools)
	}
	return fmt.Errorf("qemu: generate cloud-init ISO: %w", lastErr)
}
