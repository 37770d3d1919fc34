package broker

import (
	"context"
	"testing"
	"time"

	"github.com/ryncsn/cuvette/internal/capability"
	"github.com/ryncsn/cuvette/internal/dedup"
	"github.com/ryncsn/cuvette/internal/inspector"
	"github.com/ryncsn/cuvette/internal/model"
	"github.com/ryncsn/cuvette/internal/param"
	"github.com/ryncsn/cuvette/internal/provisioner"
	"github.com/ryncsn/cuvette/internal/query"
	"github.com/ryncsn/cuvette/internal/store"
	"github.com/ryncsn/cuvette/internal/task"
)

type fakeProvisioner struct{ name string }

func (f *fakeProvisioner) Name() string                 { return f.name }
func (f *fakeProvisioner) Available(q *query.Query) bool { return true }
func (f *fakeProvisioner) Cost(q *query.Query) float64   { return 1 }
func (f *fakeProvisioner) Resume(ctx context.Context, ms []*model.Machine, q *query.Query) error {
	return f.Provision(ctx, ms, q)
}
func (f *fakeProvisioner) Provision(ctx context.Context, ms []*model.Machine, q *query.Query) error {
	for _, m := range ms {
		m.Hostname = "h-" + m.Magic
		m.StartTime = time.Now()
	}
	return nil
}
func (f *fakeProvisioner) Teardown(ctx context.Context, ms []*model.Machine, q *query.Query) error {
	return nil
}
func (f *fakeProvisioner) IsTornDown(ctx context.Context, ms []*model.Machine, q *query.Query) (bool, error) {
	return true, nil
}

type fakePipeline struct{}

func (fakePipeline) Perform(ctx context.Context, m *model.Machine) error { return nil }

type fakeExec struct{}

func (fakeExec) Run(ctx context.Context, hostname, command string) (string, string, error) {
	return "", "", nil
}

func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	reg, err := param.Build(nil)
	if err != nil {
		t.Fatalf("param.Build: %v", err)
	}
	s := store.New()
	provs := provisioner.NewRegistry(nil)
	provs.Register(&fakeProvisioner{name: "lab"}, nil)
	e := task.New(s, nil)
	return New(s, reg, provs, e, fakePipeline{}, nil, dedup.NewMemSessionStore(), nil)
}

// newTestBrokerWithRealPipeline wires the actual inspector.Pipeline (core
// inspector only) instead of fakePipeline, so Provision exercises the real
// mandatory-field checks that decide whether a machine reaches status=ready.
func newTestBrokerWithRealPipeline(t *testing.T) *Broker {
	t.Helper()
	core := inspector.Core{}
	reg, err := param.Build(core.Parameters())
	if err != nil {
		t.Fatalf("param.Build: %v", err)
	}
	s := store.New()
	provs := provisioner.NewRegistry(nil)
	provs.Register(&fakeProvisioner{name: "lab"}, nil)
	e := task.New(s, nil)
	pipeline := inspector.NewPipeline(fakeExec{}, nil, core)
	return New(s, reg, provs, e, pipeline, nil, dedup.NewMemSessionStore(), nil)
}

func waitQuiescent(b *Broker) {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if b.Engine.ActiveCount() == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestQueryReturnsMatchingMachines(t *testing.T) {
	b := newTestBroker(t)
	m := model.New("magic-1")
	m.Status = model.StatusReady
	b.Store.Insert(m)

	got, err := b.Query(query.Raw{"status": {"ready"}})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 1 || got[0].Magic != "magic-1" {
		t.Fatalf("expected one match on magic-1, got %+v", got)
	}
}

func TestProvisionCreatesRequestedCountAndAssignsMagics(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	machines, err := b.Provision(ctx, "sess-1", query.Raw{"count": {"2"}}, time.Second)
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if len(machines) != 2 {
		t.Fatalf("expected 2 machines, got %d", len(machines))
	}
	for _, m := range machines {
		if m.Magic == "" {
			t.Fatal("expected every provisioned machine to have a magic assigned")
		}
	}
	waitQuiescent(b)
}

func TestProvisionRejectedByNoProvisionMagic(t *testing.T) {
	b := newTestBroker(t)
	_, err := b.Provision(context.Background(), "sess-2", query.Raw{"magic": {"noprovision"}}, time.Second)
	if err == nil {
		t.Fatal("expected magic=noprovision to reject provisioning")
	}
}

func TestReleaseCancelsAttachedReserveTask(t *testing.T) {
	b := newTestBroker(t)
	m := model.New("magic-rel")
	m.Status = model.StatusReady
	m.Hostname = "h1"
	b.Store.Insert(m)

	if _, err := b.Reserve(context.Background(), query.Raw{"magic": {"magic-rel"}}); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	got, _ := b.Store.Get(store.Ident{Magic: "magic-rel"})
	if !got.HasActiveTasks() {
		t.Fatal("expected reserve task to attach before release")
	}

	if _, err := b.Release(context.Background(), query.Raw{"magic": {"magic-rel"}}); err != nil {
		t.Fatalf("Release: %v", err)
	}
	waitQuiescent(b)
}

func TestCapabilityProvisionerInterfaceSatisfiedByFake(t *testing.T) {
	var _ capability.Provisioner = (*fakeProvisioner)(nil)
}

// TestProvisionReachesReadyWithRealCoreInspector drives Provision through
// the actual inspector.Pipeline (rather than a no-op fake) to confirm a
// provisioned machine can actually clear the core inspector's mandatory
// lifespan check and reach status=ready, instead of being stranded at
// status=preparing forever.
func TestProvisionReachesReadyWithRealCoreInspector(t *testing.T) {
	b := newTestBrokerWithRealPipeline(t)
	ctx := context.Background()

	machines, err := b.Provision(ctx, "sess-ready", query.Raw{"count": {"1"}}, 2*time.Second)
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if len(machines) != 1 {
		t.Fatalf("expected 1 machine, got %d", len(machines))
	}
	waitQuiescent(b)

	got, err := b.Store.Get(store.Ident{Magic: machines[0].Magic})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != model.StatusReady {
		t.Fatalf("expected status=ready, got %q (failure-message=%q)", got.Status, got.FailureMessage)
	}
	if got.Lifespan == 0 {
		t.Fatal("expected Lifespan to be populated from the parameter registry's default")
	}
}

// TestProvisionDedupReturnsSameMachinesForRepeatedSessionQuery exercises the
// request deduplicator end to end: the same session repeating the same
// query before its prior machines are torn down gets the same magics back
// rather than provisioning a second batch.
func TestProvisionDedupReturnsSameMachinesForRepeatedSessionQuery(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()
	raw := query.Raw{"count": {"1"}}

	first, err := b.Provision(ctx, "sess-dedup", raw, time.Second)
	if err != nil {
		t.Fatalf("first Provision: %v", err)
	}
	waitQuiescent(b)

	second, err := b.Provision(ctx, "sess-dedup", raw, time.Second)
	if err != nil {
		t.Fatalf("second Provision: %v", err)
	}
	if len(second) != 1 || second[0].Magic != first[0].Magic {
		t.Fatalf("expected repeated request to return the same machine %q, got %+v", first[0].Magic, second)
	}

	all := b.Store.FindAll(func(*model.Machine) bool { return true }, 0)
	if len(all) != 1 {
		t.Fatalf("expected no new machine to be created on a repeated request, store has %d", len(all))
	}
}

// TestProvisionDedupMagicNewForcesFreshAllocation confirms magic=new bypasses
// the deduplicator's memo even when the rest of the query is identical.
func TestProvisionDedupMagicNewForcesFreshAllocation(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	first, err := b.Provision(ctx, "sess-new", query.Raw{"count": {"1"}}, time.Second)
	if err != nil {
		t.Fatalf("first Provision: %v", err)
	}
	waitQuiescent(b)

	second, err := b.Provision(ctx, "sess-new", query.Raw{"count": {"1"}, "magic": {"new"}}, time.Second)
	if err != nil {
		t.Fatalf("second Provision: %v", err)
	}
	if second[0].Magic == first[0].Magic {
		t.Fatal("expected magic=new to force a fresh machine instead of replaying the dedup memo")
	}
}
