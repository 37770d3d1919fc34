package model

// Op is a comparison operator permitted on a parameter. OpNone means a bare
// value with no operator.
type Op string

const (
	OpNone Op = ""
	OpEq   Op = "eq"
	OpLt   Op = "lt"
	OpLte  Op = "lte"
	OpGt   Op = "gt"
	OpGte  Op = "gte"
	OpIn   Op = "in"
)

// Source names which module contributed a parameter, for diagnostics.
type Source struct {
	Kind string // "inspector" | "provisioner" | "task" | "pipeline"
	Name string
}

// Parameter is the registry's descriptor for one query/attribute name.
type Parameter struct {
	Name        string
	Type        Kind
	Ops         map[Op]bool
	Default     *Value
	Description string
	Source      []Source
}

// HasOp reports whether op is permitted for this parameter.
func (p Parameter) HasOp(op Op) bool { return p.Ops[op] }

func NewOps(ops ...Op) map[Op]bool {
	m := make(map[Op]bool, len(ops))
	for _, o := range ops {
		m[o] = true
	}
	return m
}
