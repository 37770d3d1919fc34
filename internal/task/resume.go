package task

import (
	"context"

	"github.com/ryncsn/cuvette/internal/capability"
	"github.com/ryncsn/cuvette/internal/model"
	"github.com/ryncsn/cuvette/internal/query"
	"github.com/ryncsn/cuvette/internal/store"
)

// RestartAll scans the store for attached task descriptors and reconstructs
// one in-memory task per unique uuid — the machine documents are the only
// source of task state, so this is how the engine picks up where a crashed
// process left off.
func (e *Engine) RestartAll(provLookup ProvisionerLookup, pipeline capability.InspectorPipeline) {
	byTask := e.store.AllDescriptors()
	for taskUUID, ids := range byTask {
		var machines []*model.Machine
		var desc model.TaskDescriptor
		for _, id := range ids {
			m, err := e.store.Get(store.Ident{ID: id})
			if err != nil {
				continue
			}
			machines = append(machines, m)
			if d, ok := m.Tasks[taskUUID]; ok {
				desc = d
			}
		}
		if len(machines) == 0 {
			continue
		}
		e.resumeOne(taskUUID, desc, machines, provLookup, pipeline)
	}
}

func (e *Engine) resumeOne(taskUUID string, desc model.TaskDescriptor, machines []*model.Machine, provLookup ProvisionerLookup, pipeline capability.InspectorPipeline) {
	q := valuesToQuery(desc.Query)
	switch desc.Type {
	case model.TaskProvision:
		if len(machines) == 0 {
			return
		}
		prov, ok := provLookup(machines[0].Provisioner)
		if !ok {
			e.logger.Error("task: resume provision has no provisioner", "task", taskUUID, "provisioner", machines[0].Provisioner)
			for _, m := range machines {
				e.markFailed(m, errUnknownProvisioner(machines[0].Provisioner))
			}
			return
		}
		e.ResumeProvision(taskUUID, machines, q, prov, pipeline)
	case model.TaskReserve:
		e.ResumeReserve(taskUUID, machines, pipeline)
	case model.TaskInspect:
		ctx, cancel := context.WithCancel(context.Background())
		e.register(taskUUID, cancel)
		go e.runInspect(ctx, taskUUID, machines, pipeline)
	case model.TaskTeardown:
		ctx, cancel := context.WithCancel(context.Background())
		e.register(taskUUID, cancel)
		go e.runTeardown(ctx, taskUUID, machines, q, provLookup)
	default:
		e.logger.Error("task: resume encountered unknown task type", "task", taskUUID, "type", desc.Type)
	}
}

func valuesToQuery(vals map[string]model.Value) *query.Query {
	if vals == nil {
		return &query.Query{}
	}
	q := &query.Query{}
	for k, v := range vals {
		q.Conds = append(q.Conds, query.Cond{Key: k, Op: model.OpNone, Value: v})
	}
	return q
}
