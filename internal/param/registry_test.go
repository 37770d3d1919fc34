package param

import (
	"testing"

	"github.com/ryncsn/cuvette/internal/model"
)

func TestBuildMergesSameKindOpsAsUnion(t *testing.T) {
	decls := []Declaration{
		{Kind: "inspector", Module: "cpu", Name: "cpu-arch", Type: model.KindString, Ops: model.NewOps(model.OpEq)},
		{Kind: "inspector", Module: "meta", Name: "cpu-arch", Type: model.KindString, Ops: model.NewOps(model.OpIn)},
	}
	reg, err := Build(decls)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	p, ok := reg.Get("cpu-arch")
	if !ok {
		t.Fatal("cpu-arch missing")
	}
	if !p.HasOp(model.OpEq) || !p.HasOp(model.OpIn) {
		t.Fatalf("expected union of ops, got %v", p.Ops)
	}
}

func TestBuildCrossKindSupersetWins(t *testing.T) {
	decls := []Declaration{
		{Kind: "inspector", Module: "cpu", Name: "lifespan", Type: model.KindInt, Ops: model.NewOps(model.OpEq, model.OpGte, model.OpLte)},
		{Kind: "provisioner", Module: "lab", Name: "lifespan", Type: model.KindInt, Ops: model.NewOps(model.OpEq)},
	}
	reg, err := Build(decls)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	p, _ := reg.Get("lifespan")
	if !p.HasOp(model.OpGte) || !p.HasOp(model.OpLte) {
		t.Fatalf("expected superset to win, got %v", p.Ops)
	}
}

func TestBuildTypeMismatchFails(t *testing.T) {
	decls := []Declaration{
		{Kind: "inspector", Module: "cpu", Name: "x", Type: model.KindInt, Ops: model.NewOps(model.OpEq)},
		{Kind: "inspector", Module: "mem", Name: "x", Type: model.KindString, Ops: model.NewOps(model.OpEq)},
	}
	if _, err := Build(decls); err == nil {
		t.Fatal("expected type mismatch error")
	}
}

func TestBuildDisjointCrossKindOpsFails(t *testing.T) {
	decls := []Declaration{
		{Kind: "inspector", Module: "cpu", Name: "y", Type: model.KindInt, Ops: model.NewOps(model.OpEq)},
		{Kind: "provisioner", Module: "lab", Name: "y", Type: model.KindInt, Ops: model.NewOps(model.OpGte)},
	}
	if _, err := Build(decls); err == nil {
		t.Fatal("expected disjoint cross-kind ops to be a fatal configuration error")
	}
}

func TestPipelineIntrinsicsAlwaysPresent(t *testing.T) {
	reg, err := Build(nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	for _, name := range []string{"count", "magic", "reserve-duration", "lifetime"} {
		if _, ok := reg.Get(name); !ok {
			t.Fatalf("missing intrinsic parameter %q", name)
		}
	}
}
