// Package provisioner implements the Provisioner Registry: a set of named
// Provisioner capabilities, choosing the cheapest available one for a
// query.
package provisioner

import (
	"log/slog"
	"math"

	"github.com/ryncsn/cuvette/internal/capability"
	"github.com/ryncsn/cuvette/internal/param"
	"github.com/ryncsn/cuvette/internal/query"
)

// ValidateError reports that a provisioner rejected a query field it
// claims to accept.
type ValidateError struct{ Reason string }

func (e *ValidateError) Error() string { return "provisioner: validate error: " + e.Reason }

// NoProvisionerError is returned by FindAvailable when no registered
// provisioner reports Available=true.
type NoProvisionerError struct{}

func (NoProvisionerError) Error() string { return "provisioner: no provisioner available for query" }

// Registry holds every registered Provisioner in registration order.
type Registry struct {
	order   []string
	byName  map[string]capability.Provisioner
	params  map[string][]param.Declaration
	logger  *slog.Logger
}

// NewRegistry returns an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{byName: map[string]capability.Provisioner{}, params: map[string][]param.Declaration{}, logger: logger}
}

// Register adds a provisioner, preserving registration order for
// tie-breaks in FindAvailable.
func (r *Registry) Register(p capability.Provisioner, params []param.Declaration) {
	r.order = append(r.order, p.Name())
	r.byName[p.Name()] = p
	r.params[p.Name()] = params
}

// Lookup resolves a provisioner by name; satisfies task.ProvisionerLookup.
func (r *Registry) Lookup(name string) (capability.Provisioner, bool) {
	p, ok := r.byName[name]
	return p, ok
}

// Names returns every registered provisioner's name in registration order,
// for the GET /provisioners listing.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Declarations returns every registered provisioner's parameter
// declarations, for feeding into the Parameter Registry.
func (r *Registry) Declarations() []param.Declaration {
	var out []param.Declaration
	for _, name := range r.order {
		out = append(out, r.params[name]...)
	}
	return out
}

// FindAvailable filters registered provisioners by Available and returns
// the one with minimum Cost, ties broken by registration order.
func (r *Registry) FindAvailable(q *query.Query) (capability.Provisioner, error) {
	var best capability.Provisioner
	bestCost := math.Inf(1)
	for _, name := range r.order {
		p := r.byName[name]
		if !p.Available(q) {
			continue
		}
		cost := p.Cost(q)
		if cost < bestCost {
			best, bestCost = p, cost
		}
	}
	if best == nil {
		return nil, NoProvisionerError{}
	}
	return best, nil
}

// CheckParameters cross-checks that every parameter a provisioner accepts
// was actually declared by some inspector; logs a warning (not fatal) for
// any that weren't. Called once at registry-construction time.
func (r *Registry) CheckParameters(inspectorParams map[string]bool) {
	for name, decls := range r.params {
		for _, d := range decls {
			if !inspectorParams[d.Name] {
				r.logger.Warn("provisioner: accepts a parameter no inspector populates", "provisioner", name, "parameter", d.Name)
			}
		}
	}
}
