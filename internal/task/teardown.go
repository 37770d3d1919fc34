package task

import (
	"context"

	"github.com/ryncsn/cuvette/internal/capability"
	"github.com/ryncsn/cuvette/internal/model"
	"github.com/ryncsn/cuvette/internal/query"
	"github.com/ryncsn/cuvette/internal/store"
)

// ProvisionerLookup resolves a provisioner by the name recorded on a
// machine, needed because TeardownTask groups owned machines by provisioner
// and must call each group's own provisioner.
type ProvisionerLookup func(name string) (capability.Provisioner, bool)

// StartTeardown spawns a TeardownTask: groups owned machines by provisioner,
// calls each provisioner's Teardown, then deletes them.
//
// Each group is a freshly named slice (byProvisioner[name]); the outer
// "machines" parameter is never reused as a per-group loop variable, which
// would silently narrow it to the last group processed.
func (e *Engine) StartTeardown(parentCtx context.Context, machines []*model.Machine, q *query.Query, lookup ProvisionerLookup) (string, error) {
	taskUUID := genUUID()
	if err := e.attach(machines, taskUUID, model.TaskTeardown, q); err != nil {
		return "", err
	}

	ctx, cancel := context.WithCancel(context.Background())
	_ = parentCtx
	e.register(taskUUID, cancel)
	go e.runTeardown(ctx, taskUUID, machines, q, lookup)
	return taskUUID, nil
}

func (e *Engine) runTeardown(ctx context.Context, taskUUID string, machines []*model.Machine, q *query.Query, lookup ProvisionerLookup) {
	defer e.unregister(taskUUID)
	defer e.detach(machines, taskUUID)

	for _, m := range machines {
		store.NewJournal(store.Ident{Magic: m.Magic}).
			Set("status", model.String(string(model.StatusTeardown))).
			Save(e.store)
	}

	byProvisioner := map[string][]*model.Machine{}
	for _, m := range machines {
		byProvisioner[m.Provisioner] = append(byProvisioner[m.Provisioner], m)
	}

	for name, group := range byProvisioner {
		prov, ok := lookup(name)
		if !ok {
			e.logger.Error("task: teardown has no provisioner registered", "task", taskUUID, "provisioner", name)
			for _, m := range group {
				e.markFailed(m, errUnknownProvisioner(name))
			}
			continue
		}
		e.teardownGroup(ctx, taskUUID, group, q, prov)
	}
}

// teardownGroup retries the provisioner's Teardown with exponential backoff
// up to defaultMaxRetries; on exhaustion it leaves the group's machines in
// status=failed so the dead-sweep reaps them.
func (e *Engine) teardownGroup(ctx context.Context, taskUUID string, group []*model.Machine, q *query.Query, prov capability.Provisioner) {
	var lastErr error
	for attempt := 0; attempt < defaultMaxRetries; attempt++ {
		if err := prov.Teardown(ctx, group, q); err != nil {
			lastErr = err
			e.logger.Error("task: teardown attempt failed", "task", taskUUID, "provisioner", prov.Name(), "attempt", attempt, "err", err)
			if !sleepOrDone(ctx, e.backoff(attempt)) {
				return // cancelled
			}
			continue
		}
		for _, m := range group {
			_ = e.store.Delete(store.Ident{Magic: m.Magic})
		}
		return
	}
	e.logger.Error("task: teardown exhausted retries, leaving machines failed for dead-sweep", "task", taskUUID, "provisioner", prov.Name(), "err", lastErr)
	for _, m := range group {
		e.markFailed(m, lastErr)
	}
}

type unknownProvisionerError string

func (e unknownProvisionerError) Error() string { return "task: unknown provisioner " + string(e) }

func errUnknownProvisioner(name string) error { return unknownProvisionerError(name) }
