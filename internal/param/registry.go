// Package param implements the Parameter Registry: merging parameter
// declarations from inspectors, provisioners, and tasks into one consistent
// schema, so a single query grammar can validate against every declared
// name regardless of which module contributed it.
package param

import (
	"fmt"

	"github.com/ryncsn/cuvette/internal/model"
)

// Declaration is what one module (inspector/provisioner/task) contributes
// for a single parameter name.
type Declaration struct {
	Kind        string // "inspector" | "provisioner" | "task"
	Module      string
	Name        string
	Type        model.Kind
	Ops         map[model.Op]bool
	Default     *model.Value
	Description string
	Override    bool // explicit override flag, beats first-writer-wins for Default/Description
}

// Registry is the merged, queryable parameter schema.
type Registry struct {
	params map[string]model.Parameter
}

// pipelineIntrinsics are always present regardless of what modules declare.
func pipelineIntrinsics() map[string]model.Parameter {
	magicDefault := model.String("")
	countDefault := model.Int(1)
	reserveDefault := model.Int(86400)
	return map[string]model.Parameter{
		"count": {
			Name: "count", Type: model.KindInt, Ops: model.NewOps(model.OpNone),
			Default: &countDefault, Description: "number of machines to provision",
			Source: []model.Source{{Kind: "pipeline", Name: "core"}},
		},
		"magic": {
			Name: "magic", Type: model.KindString, Ops: model.NewOps(model.OpNone),
			Default: &magicDefault, Description: "reserved values: new, noprovision",
			Source: []model.Source{{Kind: "pipeline", Name: "core"}},
		},
		"reserve-duration": {
			Name: "reserve-duration", Type: model.KindInt, Ops: model.NewOps(model.OpNone),
			Default: &reserveDefault, Description: "reservation duration in seconds",
			Source: []model.Source{{Kind: "pipeline", Name: "core"}},
		},
		"lifetime": {
			Name: "lifetime", Type: model.KindInt, Ops: model.NewOps(model.OpGte, model.OpNone),
			Description: "alias used for expiry computation",
			Source:      []model.Source{{Kind: "pipeline", Name: "core"}},
		},
		"status": {
			Name: "status", Type: model.KindString, Ops: model.NewOps(model.OpEq, model.OpNone, model.OpIn),
			Description: "reserved machine field: new, preparing, ready, reserved, teardown, failed, deleted",
			Source:      []model.Source{{Kind: "pipeline", Name: "core"}},
		},
		"provisioner": {
			Name: "provisioner", Type: model.KindString, Ops: model.NewOps(model.OpEq, model.OpNone),
			Description: "reserved machine field: name of the provisioner that owns the machine",
			Source:      []model.Source{{Kind: "pipeline", Name: "core"}},
		},
		"failure-message": {
			Name: "failure-message", Type: model.KindString, Ops: model.NewOps(model.OpEq, model.OpNone),
			Description: "reserved machine field: the error that last failed this machine",
			Source:      []model.Source{{Kind: "pipeline", Name: "core"}},
		},
	}
}

// Build merges every declaration's type and operator set and returns the
// resulting Registry, or a ConfigurationError if two declarations of the
// same name disagree on type.
func Build(decls []Declaration) (*Registry, error) {
	params := pipelineIntrinsics()

	for _, d := range decls {
		existing, ok := params[d.Name]
		if !ok {
			def := d.Default
			params[d.Name] = model.Parameter{
				Name: d.Name, Type: d.Type, Ops: cloneOps(d.Ops),
				Default: def, Description: d.Description,
				Source: []model.Source{{Kind: d.Kind, Name: d.Module}},
			}
			continue
		}
		merged, err := mergeOne(existing, d)
		if err != nil {
			return nil, err
		}
		params[d.Name] = merged
	}
	return &Registry{params: params}, nil
}

func mergeOne(existing model.Parameter, d Declaration) (model.Parameter, error) {
	if existing.Type != d.Type {
		return model.Parameter{}, &ConfigurationError{
			Parameter: d.Name,
			Reason:    fmt.Sprintf("type mismatch: %s declares %s, existing is %s", d.Module, d.Type, existing.Type),
		}
	}

	ops, err := mergeOps(existing, d)
	if err != nil {
		return model.Parameter{}, err
	}
	existing.Ops = ops

	if d.Override || existing.Default == nil {
		if d.Default != nil {
			existing.Default = d.Default
		}
	}
	if d.Override || existing.Description == "" {
		if d.Description != "" {
			existing.Description = d.Description
		}
	}
	existing.Source = append(existing.Source, model.Source{Kind: d.Kind, Name: d.Module})
	return existing, nil
}

// sourceKind returns the kind recorded for the first contribution; only that
// kind decides whether a later declaration merges as same-kind or cross-kind.
func sourceKind(p model.Parameter) string {
	if len(p.Source) == 0 {
		return ""
	}
	return p.Source[0].Kind
}

func mergeOps(existing model.Parameter, d Declaration) (map[model.Op]bool, error) {
	sameKind := sourceKind(existing) == d.Kind
	if sameKind {
		// same-kind modules: union of declared ops.
		merged := cloneOps(existing.Ops)
		for op := range d.Ops {
			merged[op] = true
		}
		return merged, nil
	}
	// cross-kind: superset wins if one side is a strict subset of the other.
	if isSubset(existing.Ops, d.Ops) {
		return cloneOps(d.Ops), nil
	}
	if isSubset(d.Ops, existing.Ops) {
		return cloneOps(existing.Ops), nil
	}
	if !disjoint(existing.Ops, d.Ops) {
		// neither a subset of the other but they do intersect: union, the
		// weakest rule that still satisfies "ops merge" without being fatal.
		merged := cloneOps(existing.Ops)
		for op := range d.Ops {
			merged[op] = true
		}
		return merged, nil
	}
	return nil, &ConfigurationError{
		Parameter: d.Name,
		Reason:    fmt.Sprintf("disjoint operator sets between %s and prior declarations", d.Module),
	}
}

func isSubset(a, b map[model.Op]bool) bool {
	for op := range a {
		if !b[op] {
			return false
		}
	}
	return true
}

func disjoint(a, b map[model.Op]bool) bool {
	for op := range a {
		if b[op] {
			return false
		}
	}
	return true
}

func cloneOps(ops map[model.Op]bool) map[model.Op]bool {
	c := make(map[model.Op]bool, len(ops))
	for k, v := range ops {
		c[k] = v
	}
	return c
}

// Get returns the merged descriptor for name.
func (r *Registry) Get(name string) (model.Parameter, bool) {
	p, ok := r.params[name]
	return p, ok
}

// All returns every descriptor in the schema, suitable for JSON-encoding as
// the /parameters HTTP response.
func (r *Registry) All() map[string]model.Parameter {
	out := make(map[string]model.Parameter, len(r.params))
	for k, v := range r.params {
		out[k] = v
	}
	return out
}

// ConfigurationError reports a parameter-registry inconsistency; Build
// returning one should abort startup.
type ConfigurationError struct {
	Parameter string
	Reason    string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("param: configuration error for %q: %s", e.Parameter, e.Reason)
}
