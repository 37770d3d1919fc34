package inspector

import (
	"context"
	"strconv"
	"strings"

	"github.com/ryncsn/cuvette/internal/capability"
	"github.com/ryncsn/cuvette/internal/model"
	"github.com/ryncsn/cuvette/internal/param"
	"github.com/ryncsn/cuvette/internal/query"
)

// passthroughFilter implements the common case: hard and provision filters
// are identity transforms, shared by most attribute inspectors.
type passthroughFilter struct{}

func (passthroughFilter) HardFilter(q *query.Query) *query.Query      { return q }
func (passthroughFilter) ProvisionFilter(q *query.Query) *query.Query { return q }

// CPU inspects the CPU over the remote shell. It sets cpu-arch from
// `uname -m` and sets cpu-flags to ["hypervisor"] when the output mentions
// it; cpu-vendor and cpu-model are declared but not populated.
type CPU struct{ passthroughFilter }

func (CPU) Name() string { return "cpu" }

func (CPU) Parameters() []param.Declaration {
	return []param.Declaration{
		{Kind: "inspector", Module: "cpu", Name: "cpu-arch", Type: model.KindString, Ops: model.NewOps(model.OpEq, model.OpIn, model.OpNone)},
		{Kind: "inspector", Module: "cpu", Name: "cpu-vendor", Type: model.KindString, Ops: model.NewOps(model.OpEq, model.OpNone)},
		{Kind: "inspector", Module: "cpu", Name: "cpu-model", Type: model.KindString, Ops: model.NewOps(model.OpEq, model.OpNone)},
		{Kind: "inspector", Module: "cpu", Name: "cpu-flags", Type: model.KindStringList, Ops: model.NewOps(model.OpIn)},
	}
}

func (CPU) Inspect(ctx context.Context, m *model.Machine, exec capability.RemoteExec) error {
	out, _, err := exec.Run(ctx, m.Hostname, "uname -m && lscpu")
	if err != nil {
		return err
	}
	lines := strings.SplitN(out, "\n", 2)
	if len(lines) > 0 && lines[0] != "" {
		m.Attrs["cpu-arch"] = model.String(strings.TrimSpace(lines[0]))
	}
	if strings.Contains(out, "hypervisor") {
		flags := []string{"hypervisor"}
		m.Attrs["cpu-flags"] = model.StringList(flags)
	}
	return nil
}

// Memory inspects total memory size.
type Memory struct{ passthroughFilter }

func (Memory) Name() string { return "memory" }

func (Memory) Parameters() []param.Declaration {
	return []param.Declaration{
		{Kind: "inspector", Module: "memory", Name: "memory-total_size", Type: model.KindInt, Ops: model.NewOps(model.OpEq, model.OpGte, model.OpLte, model.OpGt, model.OpLt)},
	}
}

func (Memory) Inspect(ctx context.Context, m *model.Machine, exec capability.RemoteExec) error {
	out, _, err := exec.Run(ctx, m.Hostname, "grep MemTotal /proc/meminfo")
	if err != nil {
		return err
	}
	fields := strings.Fields(out)
	if len(fields) >= 2 {
		if kb, perr := strconv.ParseInt(fields[1], 10, 64); perr == nil {
			m.Attrs["memory-total_size"] = model.Int(kb)
		}
	}
	return nil
}

// NUMA inspects NUMA node count.
type NUMA struct{ passthroughFilter }

func (NUMA) Name() string { return "numa" }

func (NUMA) Parameters() []param.Declaration {
	return []param.Declaration{
		{Kind: "inspector", Module: "numa", Name: "numa-node_number", Type: model.KindInt, Ops: model.NewOps(model.OpEq, model.OpGte, model.OpLte)},
	}
}

func (NUMA) Inspect(ctx context.Context, m *model.Machine, exec capability.RemoteExec) error {
	out, _, err := exec.Run(ctx, m.Hostname, "ls -d /sys/devices/system/node/node* 2>/dev/null | wc -l")
	if err != nil {
		return err
	}
	if n, perr := strconv.ParseInt(strings.TrimSpace(out), 10, 64); perr == nil {
		m.Attrs["numa-node_number"] = model.Int(n)
	}
	return nil
}

// Devices inspects PCI device listing.
type Devices struct{ passthroughFilter }

func (Devices) Name() string { return "devices" }

func (Devices) Parameters() []param.Declaration {
	return []param.Declaration{
		{Kind: "inspector", Module: "devices", Name: "devices-pci", Type: model.KindStringList, Ops: model.NewOps(model.OpIn)},
	}
}

func (Devices) Inspect(ctx context.Context, m *model.Machine, exec capability.RemoteExec) error {
	out, _, err := exec.Run(ctx, m.Hostname, "lspci")
	if err != nil {
		return err
	}
	var devs []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			devs = append(devs, line)
		}
	}
	if len(devs) > 0 {
		m.Attrs["devices-pci"] = model.StringList(devs)
	}
	return nil
}

// Disk inspects disk size and count. Unlike the other attribute inspectors,
// it fails hard when disk-total_size/disk-number cannot be determined
// rather than silently leaving them unset.
type Disk struct{ passthroughFilter }

func (Disk) Name() string { return "disk" }

func (Disk) Parameters() []param.Declaration {
	return []param.Declaration{
		{Kind: "inspector", Module: "disk", Name: "disk-total_size", Type: model.KindInt, Ops: model.NewOps(model.OpEq, model.OpGte, model.OpLte)},
		{Kind: "inspector", Module: "disk", Name: "disk-number", Type: model.KindInt, Ops: model.NewOps(model.OpEq, model.OpGte)},
	}
}

func (Disk) Inspect(ctx context.Context, m *model.Machine, exec capability.RemoteExec) error {
	out, _, err := exec.Run(ctx, m.Hostname, "lsblk -b -d -n -o SIZE,TYPE")
	if err != nil {
		return err
	}
	var total int64
	var count int64
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 || fields[1] != "disk" {
			continue
		}
		if sz, perr := strconv.ParseInt(fields[0], 10, 64); perr == nil {
			total += sz
			count++
		}
	}
	if count == 0 {
		return errNoDisksFound
	}
	m.Attrs["disk-total_size"] = model.Int(total)
	m.Attrs["disk-number"] = model.Int(count)
	return nil
}

type diskError string

func (e diskError) Error() string { return string(e) }

const errNoDisksFound = diskError("disk inspector: no disks found")

// Meta is the free-form whiteboard inspector. Its HardFilter returns an
// empty query unconditionally and its ProvisionFilter returns the query
// unchanged: free-form text cannot be turned into a structured filter, so
// it adds nothing on either path.
type Meta struct{}

func (Meta) Name() string { return "meta" }

func (Meta) Parameters() []param.Declaration {
	return []param.Declaration{
		{Kind: "inspector", Module: "meta", Name: "meta-note", Type: model.KindString, Ops: model.NewOps(model.OpNone)},
	}
}

func (Meta) HardFilter(q *query.Query) *query.Query      { return &query.Query{} }
func (Meta) ProvisionFilter(q *query.Query) *query.Query { return q }

func (Meta) Inspect(ctx context.Context, m *model.Machine, exec capability.RemoteExec) error {
	return nil
}
