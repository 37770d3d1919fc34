package task

import (
	"context"
	"time"

	"github.com/ryncsn/cuvette/internal/capability"
	"github.com/ryncsn/cuvette/internal/model"
	"github.com/ryncsn/cuvette/internal/query"
	"github.com/ryncsn/cuvette/internal/store"
)

// StartProvision spawns a ProvisionTask over machines: sets status
// preparing, waits on the provisioner's Provision, runs the Inspector
// Pipeline on each machine, then sets status ready.
func (e *Engine) StartProvision(parentCtx context.Context, machines []*model.Machine, q *query.Query, prov capability.Provisioner, pipeline capability.InspectorPipeline) (string, error) {
	if err := e.checkNoConflict(machines); err != nil {
		return "", err
	}
	taskUUID := genUUID()
	if err := e.attach(machines, taskUUID, model.TaskProvision, q); err != nil {
		return "", err
	}

	ctx, cancel := context.WithCancel(context.Background())
	_ = parentCtx
	e.register(taskUUID, cancel)
	go e.runProvision(ctx, taskUUID, machines, q, prov, pipeline, false)
	return taskUUID, nil
}

// ResumeProvision reconstructs a ProvisionTask after restart; it calls the
// provisioner's Resume rather than Provision, since the underlying host is
// already being acquired (or already exists) from before the crash.
func (e *Engine) ResumeProvision(taskUUID string, machines []*model.Machine, q *query.Query, prov capability.Provisioner, pipeline capability.InspectorPipeline) {
	ctx, cancel := context.WithCancel(context.Background())
	e.register(taskUUID, cancel)
	go e.runProvision(ctx, taskUUID, machines, q, prov, pipeline, true)
}

func (e *Engine) runProvision(ctx context.Context, taskUUID string, machines []*model.Machine, q *query.Query, prov capability.Provisioner, pipeline capability.InspectorPipeline, resume bool) {
	defer e.unregister(taskUUID)
	defer e.detach(machines, taskUUID)

	e.logger.Info("task: provision start", "task", taskUUID, "provisioner", prov.Name(), "resume", resume)

	for _, m := range machines {
		store.NewJournal(store.Ident{Magic: m.Magic}).
			Set("provisioner", model.String(prov.Name())).
			Set("status", model.String(string(model.StatusPreparing))).
			Save(e.store)
	}

	var err error
	if resume {
		err = prov.Resume(ctx, machines, q)
	} else {
		err = prov.Provision(ctx, machines, q)
	}
	if err != nil {
		e.logger.Error("task: provision failed", "task", taskUUID, "err", err)
		for _, m := range machines {
			e.markFailed(m, err)
		}
		return
	}

	for _, m := range machines {
		if pipeline != nil {
			if err := pipeline.Perform(ctx, m); err != nil {
				// Inspection failures mark the machine failed but do not
				// propagate to the caller; the task itself always reports
				// success once provisioning completed.
				e.logger.Error("task: post-provision inspection failed", "task", taskUUID, "magic", m.Magic, "err", err)
				e.markFailed(m, err)
				continue
			}
		}
		now := time.Now()
		start := m.StartTime
		if start.IsZero() {
			start = now
		}
		j := store.NewJournal(store.Ident{Magic: m.Magic}).
			Set("status", model.String(string(model.StatusReady))).
			Set("hostname", model.String(m.Hostname)).
			Set("start_time", model.Timestamp(start))
		for k, v := range m.Attrs {
			j.Set(k, v)
		}
		for k, v := range m.Meta {
			j.Set(k, v)
		}
		if !m.ExpireTime.IsZero() {
			j.Set("expire_time", model.Timestamp(m.ExpireTime))
		} else if m.Lifespan > 0 {
			j.Set("expire_time", model.Timestamp(start.Add(time.Duration(m.Lifespan)*time.Second)))
		}
		j.Save(e.store)
	}
	e.logger.Info("task: provision success", "task", taskUUID)
}
