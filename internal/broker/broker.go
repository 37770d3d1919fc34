// Package broker composes every other component into query, provision,
// reserve, release, teardown, and request operations. Construction wires
// the store, registries, and task engine together once before serving.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ryncsn/cuvette/internal/capability"
	"github.com/ryncsn/cuvette/internal/dedup"
	"github.com/ryncsn/cuvette/internal/model"
	"github.com/ryncsn/cuvette/internal/param"
	"github.com/ryncsn/cuvette/internal/provisioner"
	"github.com/ryncsn/cuvette/internal/query"
	"github.com/ryncsn/cuvette/internal/store"
	"github.com/ryncsn/cuvette/internal/task"
)

// Broker is the composition root; one instance is constructed at process
// start after every inspector/provisioner has registered. The Parameter
// Registry is computed once at construction time and reused for every
// request.
type Broker struct {
	Store        *store.Store
	Params       *param.Registry
	Provisioners *provisioner.Registry
	Engine       *task.Engine
	Pipeline     capability.InspectorPipeline
	Filterers    []query.Filterer
	Dedup        *dedup.Deduplicator
	Logger       *slog.Logger
}

// New wires the components together; callers must have already registered
// every inspector and provisioner into Params/Provisioners/Filterers.
func New(s *store.Store, params *param.Registry, provs *provisioner.Registry, engine *task.Engine, pipeline capability.InspectorPipeline, filterers []query.Filterer, sessions dedup.SessionStore, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		Store: s, Params: params, Provisioners: provs, Engine: engine,
		Pipeline: pipeline, Filterers: filterers, Dedup: dedup.New(sessions), Logger: logger,
	}
}

// compile compiles raw args and composes the store filter, per C2+C4.
func (b *Broker) compile(raw query.Raw) (*query.Query, *query.Query, error) {
	q, err := query.Compile(raw, b.Params)
	if err != nil {
		return nil, nil, err
	}
	filter := query.Compose(q, b.Filterers)
	return q, filter, nil
}

func matches(m *model.Machine, filter *query.Query) bool {
	for _, c := range filter.Conds {
		v, ok := m.Get(c.Key)
		if !ok {
			return false
		}
		if !condMatches(v, c) {
			return false
		}
	}
	return true
}

func condMatches(v model.Value, c query.Cond) bool {
	switch c.Op {
	case model.OpNone, model.OpEq:
		return v.Equal(c.Value)
	case model.OpIn:
		for _, want := range c.Value.Strs {
			if v.Str == want {
				return true
			}
		}
		return false
	case model.OpLt:
		return v.Less(c.Value)
	case model.OpLte:
		return v.Less(c.Value) || v.Equal(c.Value)
	case model.OpGt:
		return c.Value.Less(v)
	case model.OpGte:
		return c.Value.Less(v) || v.Equal(c.Value)
	default:
		return false
	}
}

// Query compiles the raw query, composes the store filter, and returns
// matching machines.
func (b *Broker) Query(raw query.Raw) ([]*model.Machine, error) {
	_, filter, err := b.compile(raw)
	if err != nil {
		return nil, err
	}
	return b.Store.FindAll(func(m *model.Machine) bool { return matches(m, filter) }, 0), nil
}

// Provision checks allow_provision, then consults the deduplicator: a
// session repeating the same request (query hash unchanged, magic isn't
// "new") while its prior machines still exist gets those back rather than
// a fresh batch. Otherwise it selects the cheapest available provisioner,
// creates `count` blank machines, binds magics via the deduplicator,
// spawns a ProvisionTask, awaits up to timeout, and returns the machines
// regardless of completion (the caller polls for status).
func (b *Broker) Provision(ctx context.Context, sessionID string, raw query.Raw, timeout time.Duration) ([]*model.Machine, error) {
	q, _, err := b.compile(raw)
	if err != nil {
		return nil, err
	}
	if !b.Dedup.AllowProvision(q) {
		return nil, errors.New("broker: provisioning disallowed by magic=noprovision")
	}

	if magics, ok := b.Dedup.PreQuery(sessionID, q, b.machineExists); ok {
		return b.refetchMagics(magics), nil
	}

	provisionQuery := query.ComposeProvision(q, b.Filterers)
	prov, err := b.Provisioners.FindAvailable(provisionQuery)
	if err != nil {
		return nil, fmt.Errorf("broker: %w", err)
	}

	count := countFromQuery(q)
	lifespan := lifespanFromQuery(q, b.Params)
	machines := make([]*model.Machine, 0, count)
	blankMagics := make([]string, count)
	for i := 0; i < count; i++ {
		m := model.New("")
		m.Lifespan = lifespan
		machines = append(machines, m)
	}
	assigned := b.Dedup.PreProvision(sessionID, blankMagics)
	for i, m := range machines {
		m.Magic = assigned[i]
		// Insert happens with an empty Tasks map and status=new; a dead-sweep
		// tick landing between here and StartProvision's attach below would
		// see a tasks=={} machine and could reap it as an orphan. The window
		// is microseconds wide and the sweep interval is 60s, so this hasn't
		// needed a fix, but it's the same race class the dead-sweep guards
		// against everywhere else.
		if _, err := b.Store.Insert(m); err != nil {
			return nil, fmt.Errorf("broker: insert blank machine: %w", err)
		}
	}
	b.Dedup.RecordHash(sessionID, q)

	taskUUID, err := b.Engine.StartProvision(ctx, machines, provisionQuery, prov, b.Pipeline)
	if err != nil {
		return nil, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for b.Engine.IsRunning(taskUUID) {
		select {
		case <-waitCtx.Done():
			return b.refetch(machines), nil
		case <-time.After(50 * time.Millisecond):
		}
	}
	return b.refetch(machines), nil
}

func (b *Broker) refetch(machines []*model.Machine) []*model.Machine {
	out := make([]*model.Machine, 0, len(machines))
	for _, m := range machines {
		if got, err := b.Store.Get(store.Ident{Magic: m.Magic}); err == nil {
			out = append(out, got)
		}
	}
	return out
}

// refetchMagics is refetch for the dedup-hit path, where only the magics
// are known (no in-memory Machine values to read Magic back off of).
func (b *Broker) refetchMagics(magics []string) []*model.Machine {
	out := make([]*model.Machine, 0, len(magics))
	for _, magic := range magics {
		if got, err := b.Store.Get(store.Ident{Magic: magic}); err == nil {
			out = append(out, got)
		}
	}
	return out
}

// machineExists adapts the Store to dedup.MachineExists.
func (b *Broker) machineExists(magic string) bool {
	_, err := b.Store.Get(store.Ident{Magic: magic})
	return err == nil
}

func countFromQuery(q *query.Query) int {
	for _, c := range q.Conds {
		if c.Key == "count" {
			if c.Value.Int > 0 {
				return int(c.Value.Int)
			}
		}
	}
	return 1
}

// lifespanFromQuery reads an explicit "lifespan" condition off q, falling
// back to the Parameter Registry's declared default (the core inspector's
// 14-day default) when the query doesn't set one. Without this, every
// provisioned machine keeps Lifespan at its zero value and later fails the
// core inspector's mandatory-field check.
func lifespanFromQuery(q *query.Query, params *param.Registry) int64 {
	for _, c := range q.Conds {
		if c.Key == "lifespan" && c.Value.Int > 0 {
			return c.Value.Int
		}
	}
	if p, ok := params.Get("lifespan"); ok && p.Default != nil {
		return p.Default.Int
	}
	return 0
}

// Reserve queries for matching machines, rejects if any is already under a
// task, spawns a ReserveTask detached, and returns the machines.
func (b *Broker) Reserve(ctx context.Context, raw query.Raw) ([]*model.Machine, error) {
	machines, err := b.Query(raw)
	if err != nil {
		return nil, err
	}
	if _, err := b.Engine.StartReserve(ctx, machines, mustCompile(raw, b.Params), b.Pipeline); err != nil {
		return nil, err
	}
	return b.refetch(machines), nil
}

// Release queries, then for each matching machine finds the attached
// ReserveTask and cancels it.
func (b *Broker) Release(ctx context.Context, raw query.Raw) ([]*model.Machine, error) {
	machines, err := b.Query(raw)
	if err != nil {
		return nil, err
	}
	for _, m := range machines {
		for taskUUID, d := range m.Tasks {
			if d.Type == model.TaskReserve {
				b.Engine.Cancel(taskUUID)
			}
		}
	}
	return machines, nil
}

// Teardown queries, cancels all tasks attached to each matching machine,
// then spawns and awaits a TeardownTask, which groups the machines by
// provisioner internally.
func (b *Broker) Teardown(ctx context.Context, raw query.Raw) ([]*model.Machine, error) {
	machines, err := b.Query(raw)
	if err != nil {
		return nil, err
	}
	for _, m := range machines {
		for taskUUID := range m.Tasks {
			b.Engine.Cancel(taskUUID)
		}
	}
	q, _, err := b.compile(raw)
	if err != nil {
		return nil, err
	}
	taskUUID, err := b.Engine.StartTeardown(ctx, machines, q, b.Provisioners.Lookup)
	if err != nil {
		return nil, err
	}
	for b.Engine.IsRunning(taskUUID) {
		time.Sleep(10 * time.Millisecond)
	}
	return machines, nil
}

// Request queries for ready machines; if none match, it provisions
// blocking without a timeout, then reserves over the result.
func (b *Broker) Request(ctx context.Context, sessionID string, raw query.Raw) ([]*model.Machine, error) {
	readyRaw := cloneRaw(raw)
	readyRaw["status"] = []string{string(model.StatusReady)}
	machines, err := b.Query(readyRaw)
	if err != nil {
		return nil, err
	}
	if len(machines) == 0 {
		machines, err = b.Provision(ctx, sessionID, raw, 0)
		if err != nil {
			return nil, err
		}
	}
	reserveRaw := cloneRaw(raw)
	q, err := query.Compile(reserveRaw, b.Params)
	if err != nil {
		return nil, err
	}
	if _, err := b.Engine.StartReserve(ctx, machines, q, b.Pipeline); err != nil {
		return nil, err
	}
	return b.refetch(machines), nil
}

func cloneRaw(raw query.Raw) query.Raw {
	out := query.Raw{}
	for k, v := range raw {
		out[k] = append([]string{}, v...)
	}
	return out
}

func mustCompile(raw query.Raw, reg *param.Registry) *query.Query {
	q, err := query.Compile(raw, reg)
	if err != nil {
		return &query.Query{}
	}
	return q
}
