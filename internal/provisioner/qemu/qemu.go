// Package qemu is a reference Provisioner that provisions and tears down
// local QEMU virtual machines as stand-in physical machines: an
// os/exec-driven qemu-system invocation with logr.Logger threading and
// CPUs/MemoryMB/DiskSizeGB config, used to acquire a host to run inspectors
// against. This is a demo/test fixture, not a production-grade provisioner.
package qemu

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"

	"github.com/ryncsn/cuvette/internal/model"
	"github.com/ryncsn/cuvette/internal/param"
	"github.com/ryncsn/cuvette/internal/query"
)

// defaultBaseImage is used when Config.BaseImage is unset, kept from
// pkg/qemu/image.go's UbuntuCloudImageURL default.
const defaultBaseImage = "https://cloud-images.ubuntu.com/jammy/current/jammy-server-cloudimg-amd64.img"

// Config mirrors pkg/qemu/vm.go's VMConfig defaults.
type Config struct {
	WorkDir     string
	CPUs        int
	MemoryMB    int
	DiskSizeGB  int
	BaseImage   string
	SSHUser     string
	SSHPassword string
}

func DefaultConfig() Config {
	return Config{
		WorkDir: "/var/lib/cuvette/vms", CPUs: 2, MemoryMB: 4096, DiskSizeGB: 20,
		SSHUser: "cuvette", SSHPassword: "cuvette", BaseImage: defaultBaseImage,
	}
}

// Provisioner runs machines as local QEMU VMs.
type Provisioner struct {
	name      string
	cfg       Config
	logger    logr.Logger
	cloudInit *cloudInitGenerator
	net       *network
	images    *imageCache
}

func New(name string, cfg Config, logger logr.Logger) *Provisioner {
	if cfg.BaseImage == "" {
		cfg.BaseImage = defaultBaseImage
	}
	return &Provisioner{
		name: name, cfg: cfg, logger: logger,
		cloudInit: newCloudInitGenerator(cfg.WorkDir, logger),
		net:       newNetwork(logger),
		images:    newImageCache(filepath.Join(cfg.WorkDir, "images"), logger),
	}
}

func (p *Provisioner) Name() string { return p.name }

func (p *Provisioner) Parameters() []param.Declaration {
	return []param.Declaration{
		{Kind: "provisioner", Module: p.name, Name: "cpu-arch", Type: model.KindString, Ops: model.NewOps(model.OpEq, model.OpNone)},
	}
}

func (p *Provisioner) Available(q *query.Query) bool {
	_, err := exec.LookPath("qemu-system-x86_64")
	return err == nil
}

func (p *Provisioner) Cost(q *query.Query) float64 { return 30 } // local VM boot is cheap relative to a lab service

func (p *Provisioner) Provision(ctx context.Context, machines []*model.Machine, q *query.Query) error {
	if err := p.net.ensureBridge(ctx); err != nil {
		return err
	}
	for _, m := range machines {
		tap, err := p.net.createTap(ctx, m.Magic)
		if err != nil {
			return err
		}
		ip := p.net.allocateIP(m.Magic)
		mac := generateMAC(m.Magic)

		isoPath, err := p.cloudInit.generateISO(ctx, m.Magic, m.Magic, p.cfg.SSHUser, p.cfg.SSHPassword, ip, bridgeIP)
		if err != nil {
			return err
		}

		base, err := p.images.ensure(ctx, p.cfg.BaseImage)
		if err != nil {
			return err
		}
		disk, err := p.images.overlay(ctx, m.Magic, base)
		if err != nil {
			return err
		}

		pidFile := filepath.Join(p.cfg.WorkDir, m.Magic+".pid")
		cmd := exec.CommandContext(ctx, "qemu-system-x86_64",
			"-name", m.Magic,
			"-m", fmt.Sprintf("%d", p.cfg.MemoryMB),
			"-smp", fmt.Sprintf("%d", p.cfg.CPUs),
			"-daemonize",
			"-pidfile", pidFile,
			"-drive", "file="+disk+",if=virtio",
			"-cdrom", isoPath,
			"-netdev", "tap,id=net0,ifname="+tap+",script=no,downscript=no",
			"-device", "virtio-net-pci,netdev=net0,mac="+mac,
			"-nographic",
		)
		p.logger.Info("starting vm", "magic", m.Magic, "cmd", cmd.String())
		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("qemu: start vm %s: %w: %s", m.Magic, err, out)
		}
		m.Meta["meta."+p.name+"-pidfile"] = model.String(pidFile)
		m.Hostname = ip
		m.Attrs["cpu-arch"] = model.String("x86_64")
		m.StartTime = time.Now()
	}
	return nil
}

func (p *Provisioner) Resume(ctx context.Context, machines []*model.Machine, q *query.Query) error {
	// The VM process survives a broker restart independently; resuming just
	// re-attaches to its already-leased IP without starting a new qemu-system
	// invocation.
	for _, m := range machines {
		if m.Hostname == "" {
			m.Hostname = p.net.allocateIP(m.Magic)
		}
	}
	return nil
}

func (p *Provisioner) Teardown(ctx context.Context, machines []*model.Machine, q *query.Query) error {
	for _, m := range machines {
		pidFileV, ok := m.Meta["meta."+p.name+"-pidfile"]
		if !ok {
			continue // already torn down or never provisioned by us; idempotent
		}
		cmd := exec.CommandContext(ctx, "pkill", "-F", pidFileV.Str)
		if out, err := cmd.CombinedOutput(); err != nil {
			// pkill exits 1 if the process is already gone, which is success
			// from teardown's point of view.
			p.logger.Info("vm already gone", "magic", m.Magic, "out", string(out))
		}
		if err := p.net.deleteTap(ctx, m.Magic); err != nil {
			p.logger.Info("tap delete failed", "magic", m.Magic, "err", err)
		}
		p.net.releaseIP(m.Magic)
	}
	return nil
}

func (p *Provisioner) IsTornDown(ctx context.Context, machines []*model.Machine, q *query.Query) (bool, error) {
	for _, m := range machines {
		if _, ok := m.Meta["meta."+p.name+"-pidfile"]; ok {
			return false, nil
		}
	}
	return true, nil
}
