package housekeeper

import (
	"context"
	"testing"
	"time"

	"github.com/ryncsn/cuvette/internal/capability"
	"github.com/ryncsn/cuvette/internal/model"
	"github.com/ryncsn/cuvette/internal/query"
	"github.com/ryncsn/cuvette/internal/store"
	"github.com/ryncsn/cuvette/internal/task"
)

type fakeProv struct{ torndown chan string }

func (f *fakeProv) Name() string                 { return "lab" }
func (f *fakeProv) Available(q *query.Query) bool { return true }
func (f *fakeProv) Cost(q *query.Query) float64   { return 1 }
func (f *fakeProv) Resume(ctx context.Context, ms []*model.Machine, q *query.Query) error {
	return nil
}
func (f *fakeProv) Provision(ctx context.Context, ms []*model.Machine, q *query.Query) error {
	return nil
}
func (f *fakeProv) Teardown(ctx context.Context, ms []*model.Machine, q *query.Query) error {
	for _, m := range ms {
		f.torndown <- m.Magic
	}
	return nil
}
func (f *fakeProv) IsTornDown(ctx context.Context, ms []*model.Machine, q *query.Query) (bool, error) {
	return true, nil
}

func TestDeadSweepReapsOrphans(t *testing.T) {
	s := store.New()
	m := model.New("magic-dead-1")
	m.Status = model.StatusFailed
	s.Insert(m)

	e := task.New(s, nil)
	hk := New(s, e, func(string) (capability.Provisioner, bool) { return nil, false }, nil)
	hk.deadSweep()

	if _, err := s.Get(store.Ident{Magic: "magic-dead-1"}); err == nil {
		t.Fatal("expected dead machine to be reaped")
	}
}

func TestDeadSweepNeverDeletesMachineWithActiveTasks(t *testing.T) {
	s := store.New()
	m := model.New("magic-dead-2")
	m.Status = model.StatusFailed
	s.Insert(m)
	s.SetDescriptor(store.Ident{Magic: "magic-dead-2"}, "t1", model.TaskDescriptor{Type: model.TaskReserve, Status: model.TaskRunning})

	e := task.New(s, nil)
	hk := New(s, e, func(string) (capability.Provisioner, bool) { return nil, false }, nil)
	hk.deadSweep()

	if _, err := s.Get(store.Ident{Magic: "magic-dead-2"}); err != nil {
		t.Fatal("expected machine with an active task to survive the dead sweep")
	}
}

func TestExpirySweepStartsTeardown(t *testing.T) {
	s := store.New()
	m := model.New("magic-exp-1")
	m.Status = model.StatusReady
	m.Provisioner = "lab"
	m.ExpireTime = time.Now().Add(-time.Hour)
	s.Insert(m)

	prov := &fakeProv{torndown: make(chan string, 1)}
	e := task.New(s, nil)
	hk := New(s, e, func(name string) (capability.Provisioner, bool) {
		if name == "lab" {
			return prov, true
		}
		return nil, false
	}, nil)

	hk.expirySweep(context.Background())

	select {
	case magic := <-prov.torndown:
		if magic != "magic-exp-1" {
			t.Fatalf("unexpected magic torn down: %s", magic)
		}
	case <-time.After(time.Second):
		t.Fatal("expected teardown to be invoked for expired machine")
	}
}

func TestExpirySweepSkipsMachinesAlreadyUnderTeardown(t *testing.T) {
	s := store.New()
	m := model.New("magic-exp-2")
	m.Status = model.StatusTeardown
	m.ExpireTime = time.Now().Add(-time.Hour)
	s.Insert(m)
	s.SetDescriptor(store.Ident{Magic: "magic-exp-2"}, "t1", model.TaskDescriptor{Type: model.TaskTeardown, Status: model.TaskRunning})

	e := task.New(s, nil)
	hk := New(s, e, func(string) (capability.Provisioner, bool) { return nil, false }, nil)
	hk.expirySweep(context.Background())

	got, _ := s.Get(store.Ident{Magic: "magic-exp-2"})
	if !got.HasActiveTasks() {
		t.Fatal("expected existing teardown task to remain untouched")
	}
}
