package task

import (
	"context"
	"time"

	"github.com/ryncsn/cuvette/internal/capability"
	"github.com/ryncsn/cuvette/internal/model"
	"github.com/ryncsn/cuvette/internal/query"
	"github.com/ryncsn/cuvette/internal/store"
)

const defaultReserveDuration = 24 * time.Hour

// StartReserve spawns a ReserveTask: records reserve-duration, writes
// meta["reserve-start_time"] = now (a dedicated reserve timestamp, kept
// separate from start_time so a later provision on the same machine can
// never clobber resumption's view of when the reservation began), sets
// status reserved, then sleeps cooperatively for the duration.
func (e *Engine) StartReserve(parentCtx context.Context, machines []*model.Machine, q *query.Query, pipeline capability.InspectorPipeline) (string, error) {
	if err := e.checkNoConflict(machines); err != nil {
		return "", err
	}
	taskUUID := genUUID()
	if err := e.attach(machines, taskUUID, model.TaskReserve, q); err != nil {
		return "", err
	}

	duration := reserveDurationFromQuery(q)
	now := time.Now()
	for _, m := range machines {
		store.NewJournal(store.Ident{Magic: m.Magic}).
			Set("status", model.String(string(model.StatusReserved))).
			Set("meta.reserve-start_time", model.Timestamp(now)).
			Set("meta.reserve-duration", model.Int(int64(duration.Seconds()))).
			Save(e.store)
	}

	ctx, cancel := context.WithCancel(context.Background())
	_ = parentCtx
	e.register(taskUUID, cancel)
	go e.runReserve(ctx, taskUUID, machines, duration, pipeline)
	return taskUUID, nil
}

// ResumeReserve reconstructs a ReserveTask after restart, recomputing the
// remaining time from meta.reserve-start_time.
func (e *Engine) ResumeReserve(taskUUID string, machines []*model.Machine, pipeline capability.InspectorPipeline) {
	var remaining time.Duration
	if len(machines) > 0 {
		remaining = remainingReserveTime(machines[0])
	}
	if remaining < 0 {
		remaining = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.register(taskUUID, cancel)
	go e.runReserve(ctx, taskUUID, machines, remaining, pipeline)
}

func remainingReserveTime(m *model.Machine) time.Duration {
	start, ok := m.Meta["meta.reserve-start_time"]
	if !ok {
		return 0
	}
	durV, ok := m.Meta["meta.reserve-duration"]
	dur := int64(defaultReserveDuration.Seconds())
	if ok {
		dur = durV.Int
	}
	elapsed := time.Since(start.Time)
	return time.Duration(dur)*time.Second - elapsed
}

func reserveDurationFromQuery(q *query.Query) time.Duration {
	if q != nil {
		for _, c := range q.Conds {
			if c.Key == "reserve-duration" {
				return time.Duration(c.Value.Int) * time.Second
			}
		}
	}
	return defaultReserveDuration
}

func (e *Engine) runReserve(ctx context.Context, taskUUID string, machines []*model.Machine, duration time.Duration, pipeline capability.InspectorPipeline) {
	defer e.unregister(taskUUID)
	defer e.detach(machines, taskUUID)

	// Reserve cancellation (release) resolves immediately regardless of
	// whether the sleep completed naturally; either way the machine goes
	// back to ready, never failed.
	sleepOrDone(ctx, duration)

	for _, m := range machines {
		if pipeline != nil {
			if err := pipeline.Perform(context.Background(), m); err != nil {
				e.logger.Error("task: post-reserve inspection failed", "task", taskUUID, "magic", m.Magic, "err", err)
			}
		}
		store.NewJournal(store.Ident{Magic: m.Magic}).
			Set("status", model.String(string(model.StatusReady))).
			Unset("meta.reserve-start_time").
			Unset("meta.reserve-duration").
			Save(e.store)
	}
}
