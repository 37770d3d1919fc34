// Package task implements the Task Engine: a registry of in-flight
// tasks, each owning 0..N machines, with a typed routine, cancellation, and
// restart-resumption via descriptors embedded in the machines themselves.
// Every task variety follows the same shape: construct, attach descriptor,
// run routine, mark success or failure, detach descriptor.
package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ryncsn/cuvette/internal/capability"
	"github.com/ryncsn/cuvette/internal/model"
	"github.com/ryncsn/cuvette/internal/query"
	"github.com/ryncsn/cuvette/internal/store"
)

// ErrMachineHasActiveTask is returned when a new task would conflict with an
// already-attached one: at most one task runs concurrently per machine.
var ErrMachineHasActiveTask = errors.New("task: machine already has an active task")

const (
	defaultBaseRetryWait = 2 * time.Second
	defaultMaxRetryWait  = 2 * time.Minute
	defaultMaxRetries    = 10
)

// Engine is the Task Engine. One instance is process-wide, held as a field
// of the Broker rather than package-level state.
type Engine struct {
	store  *store.Store
	logger *slog.Logger

	mu     sync.Mutex
	active map[string]context.CancelFunc // task uuid -> cancel

	baseRetryWait time.Duration
	maxRetryWait  time.Duration
}

// New returns an Engine bound to s.
func New(s *store.Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:         s,
		logger:        logger,
		active:        map[string]context.CancelFunc{},
		baseRetryWait: defaultBaseRetryWait,
		maxRetryWait:  defaultMaxRetryWait,
	}
}

func (e *Engine) register(uuid string, cancel context.CancelFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active[uuid] = cancel
}

func (e *Engine) unregister(uuid string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.active, uuid)
}

// Cancel signals the routine for taskUUID to abort at its next suspension
// point. Idempotent: cancelling an already-finished or unknown task is a
// no-op.
func (e *Engine) Cancel(taskUUID string) error {
	e.mu.Lock()
	cancel, ok := e.active[taskUUID]
	e.mu.Unlock()
	if !ok {
		return nil
	}
	cancel()
	return nil
}

// IsRunning reports whether taskUUID still has a live cancel handle.
func (e *Engine) IsRunning(taskUUID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.active[taskUUID]
	return ok
}

// ActiveCount returns the number of in-flight tasks.
func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// Shutdown cancels every active task's context (used at process shutdown).
func (e *Engine) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, cancel := range e.active {
		cancel()
	}
}

// checkNoConflict rejects a new task if any owned machine already has an
// active descriptor.
func (e *Engine) checkNoConflict(machines []*model.Machine) error {
	for _, m := range machines {
		if m.HasActiveTasks() {
			return fmt.Errorf("%w: machine %s", ErrMachineHasActiveTask, m.Magic)
		}
	}
	return nil
}

// attach persists the task descriptor on every owned machine before the
// routine starts, the durable half of the lifecycle.
func (e *Engine) attach(machines []*model.Machine, taskUUID string, t model.TaskType, q *query.Query) error {
	desc := model.TaskDescriptor{Type: t, Status: model.TaskRunning, Query: queryToValues(q)}
	for _, m := range machines {
		if err := e.store.SetDescriptor(store.Ident{Magic: m.Magic}, taskUUID, desc); err != nil {
			return err
		}
	}
	return nil
}

// detach removes the task descriptor from every owned machine, the final
// step of the lifecycle, run unconditionally regardless of
// success/failure/cancellation.
func (e *Engine) detach(machines []*model.Machine, taskUUID string) {
	for _, m := range machines {
		_ = e.store.ClearDescriptor(store.Ident{Magic: m.Magic}, taskUUID)
	}
}

func queryToValues(q *query.Query) map[string]model.Value {
	if q == nil {
		return nil
	}
	out := make(map[string]model.Value, len(q.Conds))
	for _, c := range q.Conds {
		out[c.Key] = c.Value
	}
	return out
}

// markFailed sets a machine to status=failed with the given message; used
// by every task variety's failure path.
func (e *Engine) markFailed(m *model.Machine, err error) {
	_, updErr := store.NewJournal(store.Ident{Magic: m.Magic}).
		Set("status", model.String(string(model.StatusFailed))).
		Set("failure-message", model.String(err.Error())).
		Save(e.store)
	if updErr != nil && !errors.Is(updErr, store.ErrStoreConflict) {
		e.logger.Error("task: failed to mark machine failed", "magic", m.Magic, "err", updErr)
	}
}

// backoff is exponential, capped at maxRetryWait.
func (e *Engine) backoff(attempt int) time.Duration {
	d := time.Duration(float64(e.baseRetryWait) * math.Pow(2, float64(attempt)))
	if d > e.maxRetryWait {
		return e.maxRetryWait
	}
	return d
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func genUUID() string { return uuid.NewString() }
