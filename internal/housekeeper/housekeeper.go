// Package housekeeper implements the House-Keeper: two independent
// periodic sweeps, run as separate scheduled jobs rather than one combined
// loop, that tear down expired machines and delete dead orphans.
// k8s.io/apimachinery/pkg/util/wait.JitterUntil supplies the jittered
// periodic loop (default every 60 seconds, jittered).
package housekeeper

import (
	"context"
	"log/slog"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/ryncsn/cuvette/internal/model"
	"github.com/ryncsn/cuvette/internal/query"
	"github.com/ryncsn/cuvette/internal/store"
	"github.com/ryncsn/cuvette/internal/task"
)

const (
	defaultInterval = 60 * time.Second
	defaultJitter   = 0.2
)

// HouseKeeper owns the two sweeps.
type HouseKeeper struct {
	store    *store.Store
	engine   *task.Engine
	lookup   task.ProvisionerLookup
	logger   *slog.Logger
	interval time.Duration
}

func New(s *store.Store, e *task.Engine, lookup task.ProvisionerLookup, logger *slog.Logger) *HouseKeeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &HouseKeeper{store: s, engine: e, lookup: lookup, logger: logger, interval: defaultInterval}
}

// Run starts both sweeps and blocks until ctx is cancelled, matching the
// shape of wait.JitterUntil's own blocking contract.
func (h *HouseKeeper) Run(ctx context.Context) {
	go wait.JitterUntil(func() { h.expirySweep(ctx) }, h.interval, defaultJitter, true, ctx.Done())
	wait.JitterUntil(func() { h.deadSweep() }, h.interval, defaultJitter, true, ctx.Done())
}

// expirySweep finds machines where expire_time<=now and no teardown task is
// already attached, and starts a TeardownTask for each.
func (h *HouseKeeper) expirySweep(ctx context.Context) {
	now := time.Now()
	expired := h.store.FindAll(func(m *model.Machine) bool {
		return !m.ExpireTime.IsZero() && !m.ExpireTime.After(now) && !hasTeardownTask(m)
	}, 0)
	if len(expired) == 0 {
		return
	}
	h.logger.Info("housekeeper: expiry sweep found machines", "count", len(expired))
	for _, m := range expired {
		if _, err := h.engine.StartTeardown(ctx, []*model.Machine{m}, &query.Query{}, h.lookup); err != nil {
			h.logger.Error("housekeeper: failed to start teardown", "magic", m.Magic, "err", err)
		}
	}
}

func hasTeardownTask(m *model.Machine) bool {
	for _, d := range m.Tasks {
		if d.Type == model.TaskTeardown {
			return true
		}
	}
	return false
}

// deadSweep deletes machines with no tasks and a non-ready status: orphans
// whose owning task crashed before cleanup. A machine with a non-empty
// tasks map is never a deadSweep candidate.
func (h *HouseKeeper) deadSweep() {
	dead := h.store.FindAll(func(m *model.Machine) bool {
		return !m.HasActiveTasks() && m.Status != model.StatusReady
	}, 0)
	for _, m := range dead {
		h.logger.Info("housekeeper: reaping dead machine", "magic", m.Magic, "status", m.Status)
		if err := h.store.Delete(store.Ident{Magic: m.Magic}); err != nil {
			h.logger.Error("housekeeper: failed to delete dead machine", "magic", m.Magic, "err", err)
		}
	}
}
