package inspector

import (
	"context"
	"log/slog"
	"time"

	"github.com/ryncsn/cuvette/internal/capability"
	"github.com/ryncsn/cuvette/internal/model"
	"github.com/ryncsn/cuvette/internal/param"
	"github.com/ryncsn/cuvette/internal/query"
)

// maxLifespan is the default lifespan granted when a query omits one.
const maxLifespan = 14 * 24 * 3600

// Core is the built-in core inspector; it must be registered first in the
// Pipeline, since it derives expire_time and validates mandatory fields
// before any attribute inspector runs.
type Core struct{}

func (Core) Name() string { return "core" }

func (Core) Parameters() []param.Declaration {
	maxDefault := model.Int(maxLifespan)
	return []param.Declaration{
		{Kind: "inspector", Module: "core", Name: "system-type", Type: model.KindString, Ops: model.NewOps(model.OpEq, model.OpNone)},
		{Kind: "inspector", Module: "core", Name: "hostname", Type: model.KindString, Ops: model.NewOps(model.OpEq, model.OpNone)},
		{Kind: "inspector", Module: "core", Name: "lifespan", Type: model.KindInt, Ops: model.NewOps(model.OpNone), Default: &maxDefault},
		{Kind: "inspector", Module: "core", Name: "start_time", Type: model.KindTimestamp, Ops: model.NewOps(model.OpGte, model.OpLte)},
		{Kind: "inspector", Module: "core", Name: "expire_time", Type: model.KindTimestamp, Ops: model.NewOps(model.OpGte, model.OpLte)},
	}
}

// HardFilter translates the "lifetime" query key into expire_time >= now+lifetime.
func (Core) HardFilter(q *query.Query) *query.Query {
	out := &query.Query{}
	for _, c := range q.Conds {
		if c.Key == "lifetime" {
			out.Conds = append(out.Conds, query.Cond{
				Key: "expire_time", Op: model.OpGte,
				Value: model.Timestamp(time.Now().Add(time.Duration(c.Value.Int) * time.Second)),
			})
			continue
		}
	}
	return out
}

func (Core) ProvisionFilter(q *query.Query) *query.Query { return q }

// Inspect derives expire_time if absent and validates mandatory fields:
// a missing one turns into an error, which Pipeline.Perform logs as a
// failed inspection rather than silently ignoring it. A hypervisor-flag vs
// system-type="baremetal" mismatch is logged as an error but does not
// fail the machine.
func (Core) Inspect(ctx context.Context, m *model.Machine, exec capability.RemoteExec) error {
	if m.ExpireTime.IsZero() && m.Lifespan > 0 && !m.StartTime.IsZero() {
		m.ExpireTime = m.StartTime.Add(time.Duration(m.Lifespan) * time.Second)
	}

	for _, mandatory := range []string{"magic", "status", "hostname"} {
		if v, ok := m.Get(mandatory); !ok || v.Str == "" {
			return mandatoryFieldError(mandatory)
		}
	}
	if m.Lifespan == 0 {
		return mandatoryFieldError("lifespan")
	}
	if m.StartTime.IsZero() {
		return mandatoryFieldError("start_time")
	}

	if flags, ok := m.Attrs["cpu-flags"]; ok {
		hasHypervisor := containsFlag(flags.Strs, "hypervisor")
		if st, ok := m.Attrs["system-type"]; ok && hasHypervisor && st.Str == "baremetal" {
			// A logged-only mismatch, not a failure: the hypervisor flag can be
			// a false positive under nested virtualization.
			slog.Default().Error("core inspector: hypervisor cpu flag on a baremetal system-type", "magic", m.Magic)
			return nil
		}
	}
	return nil
}

func containsFlag(flags []string, want string) bool {
	for _, f := range flags {
		if f == want {
			return true
		}
	}
	return false
}

type mandatoryFieldError string

func (e mandatoryFieldError) Error() string { return "core inspector: missing mandatory field " + string(e) }
