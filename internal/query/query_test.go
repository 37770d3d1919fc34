package query

import (
	"testing"

	"github.com/ryncsn/cuvette/internal/model"
	"github.com/ryncsn/cuvette/internal/param"
)

func testRegistry(t *testing.T) *param.Registry {
	t.Helper()
	reg, err := param.Build([]param.Declaration{
		{Kind: "inspector", Module: "memory", Name: "memory-total_size", Type: model.KindInt, Ops: model.NewOps(model.OpEq, model.OpGte, model.OpLte, model.OpGt, model.OpLt)},
		{Kind: "inspector", Module: "cpu", Name: "cpu-arch", Type: model.KindString, Ops: model.NewOps(model.OpEq, model.OpIn)},
	})
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	return reg
}

func TestCompileOperatorSuffix(t *testing.T) {
	reg := testRegistry(t)
	q, err := Compile(Raw{"memory-total_size:gte": {"8192"}}, reg)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(q.Conds) != 1 || q.Conds[0].Op != model.OpGte || q.Conds[0].Value.Int != 8192 {
		t.Fatalf("unexpected conds: %+v", q.Conds)
	}
}

func TestCompileBareValueDefaultsToEq(t *testing.T) {
	reg := testRegistry(t)
	q, err := Compile(Raw{"cpu-arch": {"x86_64"}}, reg)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if q.Conds[0].Op != model.OpEq || q.Conds[0].Value.Str != "x86_64" {
		t.Fatalf("unexpected conds: %+v", q.Conds)
	}
}

func TestCompileUnknownOperatorRejected(t *testing.T) {
	reg := testRegistry(t)
	if _, err := Compile(Raw{"cpu-arch:bogus": {"x"}}, reg); err == nil {
		t.Fatal("expected InvalidQuery for unknown operator")
	}
}

func TestCompileDisallowedOperatorRejected(t *testing.T) {
	reg := testRegistry(t)
	if _, err := Compile(Raw{"cpu-arch:gte": {"x"}}, reg); err == nil {
		t.Fatal("expected ValidateError, cpu-arch does not allow gte")
	}
}

func TestCompileConflictingRepeatFails(t *testing.T) {
	reg := testRegistry(t)
	if _, err := Compile(Raw{"cpu-arch": {"x86_64", "arm64"}}, reg); err == nil {
		t.Fatal("expected InvalidQuery for conflicting repeated values")
	}
}

func TestCompileRoundTrip(t *testing.T) {
	reg := testRegistry(t)
	q, err := Compile(Raw{"memory-total_size:gte": {"8192"}, "cpu-arch": {"x86_64"}}, reg)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	rendered := Render(q)
	q2, err := Compile(rendered, reg)
	if err != nil {
		t.Fatalf("re-Compile: %v", err)
	}
	if len(q2.Conds) != len(q.Conds) {
		t.Fatalf("round-trip mismatch: %+v vs %+v", q.Conds, q2.Conds)
	}
	for i := range q.Conds {
		if q.Conds[i].Key != q2.Conds[i].Key || q.Conds[i].Op != q2.Conds[i].Op || !q.Conds[i].Value.Equal(q2.Conds[i].Value) {
			t.Fatalf("round-trip mismatch at %d: %+v vs %+v", i, q.Conds[i], q2.Conds[i])
		}
	}
}

func TestUnknownParameterPassesThroughWithWarning(t *testing.T) {
	reg := testRegistry(t)
	q, err := Compile(Raw{"totally-unknown-field": {"value"}}, reg)
	if err != nil {
		t.Fatalf("unknown parameter should pass through, got error: %v", err)
	}
	if len(q.Conds) != 1 || q.Conds[0].Key != "totally-unknown-field" {
		t.Fatalf("unexpected conds: %+v", q.Conds)
	}
}
