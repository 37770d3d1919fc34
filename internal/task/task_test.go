package task

import (
	"context"
	"testing"
	"time"

	"github.com/ryncsn/cuvette/internal/capability"
	"github.com/ryncsn/cuvette/internal/model"
	"github.com/ryncsn/cuvette/internal/query"
	"github.com/ryncsn/cuvette/internal/store"
)

type fakeProvisioner struct {
	name       string
	failNext   bool
	teardownCh chan struct{}
}

func (f *fakeProvisioner) Name() string                            { return f.name }
func (f *fakeProvisioner) Available(q *query.Query) bool            { return true }
func (f *fakeProvisioner) Cost(q *query.Query) float64              { return 1 }
func (f *fakeProvisioner) Resume(ctx context.Context, ms []*model.Machine, q *query.Query) error {
	return f.Provision(ctx, ms, q)
}
func (f *fakeProvisioner) Provision(ctx context.Context, ms []*model.Machine, q *query.Query) error {
	if f.failNext {
		return errBoom
	}
	for _, m := range ms {
		m.Hostname = "h-" + m.Magic
	}
	return nil
}
func (f *fakeProvisioner) Teardown(ctx context.Context, ms []*model.Machine, q *query.Query) error {
	if f.teardownCh != nil {
		f.teardownCh <- struct{}{}
	}
	return nil
}
func (f *fakeProvisioner) IsTornDown(ctx context.Context, ms []*model.Machine, q *query.Query) (bool, error) {
	return true, nil
}

type errString string

func (e errString) Error() string { return string(e) }

const errBoom = errString("boom")

type fakeInspector struct{}

func (fakeInspector) Perform(ctx context.Context, m *model.Machine) error { return nil }

func waitForTask(t *testing.T, e *Engine, taskUUID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !e.IsRunning(taskUUID) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s did not finish in time", taskUUID)
}

func TestProvisionTaskSucceeds(t *testing.T) {
	s := store.New()
	e := New(s, nil)
	m := model.New("magic-p1")
	m.Lifespan = 3600
	s.Insert(m)

	prov := &fakeProvisioner{name: "lab"}
	taskUUID, err := e.StartProvision(context.Background(), []*model.Machine{m}, &query.Query{}, prov, fakeInspector{})
	if err != nil {
		t.Fatalf("StartProvision: %v", err)
	}
	waitForTask(t, e, taskUUID)

	got, _ := s.Get(store.Ident{Magic: "magic-p1"})
	if got.Status != model.StatusReady {
		t.Fatalf("expected ready, got %s", got.Status)
	}
	if got.Hostname == "" {
		t.Fatal("expected hostname set")
	}
	if got.HasActiveTasks() {
		t.Fatal("expected task descriptor cleared on success")
	}
	if got.ExpireTime.IsZero() {
		t.Fatal("expected expire_time derived from start_time+lifespan")
	}
}

func TestProvisionTaskFailureMarksMachineFailed(t *testing.T) {
	s := store.New()
	e := New(s, nil)
	m := model.New("magic-p2")
	s.Insert(m)

	prov := &fakeProvisioner{name: "lab", failNext: true}
	taskUUID, err := e.StartProvision(context.Background(), []*model.Machine{m}, &query.Query{}, prov, fakeInspector{})
	if err != nil {
		t.Fatalf("StartProvision: %v", err)
	}
	waitForTask(t, e, taskUUID)

	got, _ := s.Get(store.Ident{Magic: "magic-p2"})
	if got.Status != model.StatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if got.FailureMessage == "" {
		t.Fatal("expected failure-message set")
	}
}

func TestReserveThenCancelReturnsToReady(t *testing.T) {
	s := store.New()
	e := New(s, nil)
	m := model.New("magic-r1")
	m.Hostname = "h1"
	m.Status = model.StatusReady
	s.Insert(m)

	q := &query.Query{Conds: []query.Cond{{Key: "reserve-duration", Value: model.Int(3600)}}}
	taskUUID, err := e.StartReserve(context.Background(), []*model.Machine{m}, q, fakeInspector{})
	if err != nil {
		t.Fatalf("StartReserve: %v", err)
	}

	got, _ := s.Get(store.Ident{Magic: "magic-r1"})
	if got.Status != model.StatusReserved {
		t.Fatalf("expected reserved, got %s", got.Status)
	}
	if _, ok := got.Meta["meta.reserve-start_time"]; !ok {
		t.Fatal("expected meta.reserve-start_time to be set, not start_time")
	}

	if err := e.Cancel(taskUUID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	waitForTask(t, e, taskUUID)

	got, _ = s.Get(store.Ident{Magic: "magic-r1"})
	if got.Status != model.StatusReady {
		t.Fatalf("expected ready after release, got %s", got.Status)
	}
}

func TestTeardownGroupsByProvisionerNotByOuterSlice(t *testing.T) {
	s := store.New()
	e := New(s, nil)

	m1 := model.New("magic-t1")
	m1.Provisioner = "lab-a"
	m1.Status = model.StatusReady
	s.Insert(m1)

	m2 := model.New("magic-t2")
	m2.Provisioner = "lab-b"
	m2.Status = model.StatusReady
	s.Insert(m2)

	provA := &fakeProvisioner{name: "lab-a"}
	provB := &fakeProvisioner{name: "lab-b"}

	taskUUID, err := e.StartTeardown(context.Background(), []*model.Machine{m1, m2}, &query.Query{}, func(name string) (capability.Provisioner, bool) {
		switch name {
		case "lab-a":
			return provA, true
		case "lab-b":
			return provB, true
		}
		return nil, false
	})
	if err != nil {
		t.Fatalf("StartTeardown: %v", err)
	}
	waitForTask(t, e, taskUUID)

	if _, err := s.Get(store.Ident{Magic: "magic-t1"}); err == nil {
		t.Fatal("expected magic-t1 deleted after teardown")
	}
	if _, err := s.Get(store.Ident{Magic: "magic-t2"}); err == nil {
		t.Fatal("expected magic-t2 deleted after teardown")
	}
}
