// Package inspector implements the Inspector Pipeline: after
// provisioning, opens a remote shell to each machine and fans out to every
// registered inspector to populate hardware attributes.
package inspector

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ryncsn/cuvette/internal/capability"
	"github.com/ryncsn/cuvette/internal/model"
	"github.com/ryncsn/cuvette/internal/param"
	"github.com/ryncsn/cuvette/internal/query"
)

// Inspector declares parameters and filter methods plus Inspect.
type Inspector interface {
	query.Filterer
	Parameters() []param.Declaration
	// Inspect runs against machine over exec, updating attributes directly
	// on m.Attrs.
	Inspect(ctx context.Context, m *model.Machine, exec capability.RemoteExec) error
}

// Pipeline is the built-in implementation of capability.InspectorPipeline.
type Pipeline struct {
	inspectors []Inspector
	exec       capability.RemoteExec
	logger     *slog.Logger
}

// NewPipeline returns a Pipeline running inspectors in registration order.
// The core inspector should always be registered first by the caller (it
// derives expire_time and validates mandatory fields before the rest run).
func NewPipeline(exec capability.RemoteExec, logger *slog.Logger, inspectors ...Inspector) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{inspectors: inspectors, exec: exec, logger: logger}
}

// Inspectors exposes the registered list, e.g. so the Filter Composer
// and Parameter Registry can consult it at wiring time.
func (p *Pipeline) Inspectors() []Inspector { return p.inspectors }

// Perform implements capability.InspectorPipeline: runs every inspector in
// order, each issuing its commands through exec (the sshexec implementation
// dials a fresh connection for every command).
//
// A transport or inspector failure is returned to the caller rather than
// raised as a panic. The caller (the Task Engine) is the one that turns
// this return value into a machine status change.
func (p *Pipeline) Perform(ctx context.Context, m *model.Machine) error {
	if m.Hostname == "" {
		return fmt.Errorf("inspector: machine %s has no hostname", m.Magic)
	}
	for _, insp := range p.inspectors {
		if err := insp.Inspect(ctx, m, p.exec); err != nil {
			p.logger.Error("inspector: inspect failed", "magic", m.Magic, "inspector", insp.Name(), "err", err)
			return fmt.Errorf("inspector %s: %w", insp.Name(), err)
		}
	}
	return nil
}
