package task

import (
	"context"

	"github.com/ryncsn/cuvette/internal/capability"
	"github.com/ryncsn/cuvette/internal/model"
	"github.com/ryncsn/cuvette/internal/query"
)

// StartInspect spawns an InspectTask over machines: it runs the Inspector
// Pipeline over the owned machines with no status change other than what
// inspectors and the failure path themselves make.
func (e *Engine) StartInspect(parentCtx context.Context, machines []*model.Machine, q *query.Query, pipeline capability.InspectorPipeline) (string, error) {
	if err := e.checkNoConflict(machines); err != nil {
		return "", err
	}
	taskUUID := genUUID()
	if err := e.attach(machines, taskUUID, model.TaskInspect, q); err != nil {
		return "", err
	}

	ctx, cancel := context.WithCancel(context.Background())
	_ = parentCtx
	e.register(taskUUID, cancel)
	go e.runInspect(ctx, taskUUID, machines, pipeline)
	return taskUUID, nil
}

func (e *Engine) runInspect(ctx context.Context, taskUUID string, machines []*model.Machine, pipeline capability.InspectorPipeline) {
	defer e.unregister(taskUUID)
	defer e.detach(machines, taskUUID)

	for _, m := range machines {
		if err := pipeline.Perform(ctx, m); err != nil {
			e.logger.Error("task: inspect failed", "task", taskUUID, "magic", m.Magic, "err", err)
			e.markFailed(m, err)
		}
	}
}
