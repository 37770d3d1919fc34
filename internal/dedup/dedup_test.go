package dedup

import (
	"testing"

	"github.com/ryncsn/cuvette/internal/model"
	"github.com/ryncsn/cuvette/internal/query"
)

func sampleQuery(magic string) *query.Query {
	q := &query.Query{Conds: []query.Cond{
		{Key: "cpu-arch", Value: model.String("x86_64")},
	}}
	if magic != "" {
		q.Conds = append(q.Conds, query.Cond{Key: "magic", Value: model.String(magic)})
	}
	return q
}

func TestSameSessionRepeatReturnsSameMagics(t *testing.T) {
	sessions := NewMemSessionStore()
	d := New(sessions)

	q := sampleQuery("")
	d.RecordHash("sess-1", q)
	magics := d.PreProvision("sess-1", []string{""})

	exists := func(m string) bool { return true }
	got, ok := d.PreQuery("sess-1", q, exists)
	if !ok {
		t.Fatal("expected dedup hit on identical repeat")
	}
	if len(got) != 1 || got[0] != magics[0] {
		t.Fatalf("expected same magics %v, got %v", magics, got)
	}
}

func TestFreshSessionsMissDedupMemo(t *testing.T) {
	sessions := NewMemSessionStore()
	d := New(sessions)
	q := sampleQuery("")
	exists := func(m string) bool { return true }

	_, ok := d.PreQuery("sess-a", q, exists)
	if ok {
		t.Fatal("expected miss for fresh session")
	}
	_, ok = d.PreQuery("sess-b", q, exists)
	if ok {
		t.Fatal("expected miss for another fresh session")
	}
}

func TestMagicNewBypassesDedup(t *testing.T) {
	sessions := NewMemSessionStore()
	d := New(sessions)
	base := sampleQuery("")
	d.RecordHash("sess-1", base)
	d.PreProvision("sess-1", []string{"m1"})

	q := sampleQuery("new")
	exists := func(m string) bool { return true }
	_, ok := d.PreQuery("sess-1", q, exists)
	if ok {
		t.Fatal("expected magic=new to force a fresh allocation")
	}
}

func TestAllowProvisionNoprovision(t *testing.T) {
	sessions := NewMemSessionStore()
	d := New(sessions)
	if d.AllowProvision(sampleQuery("noprovision")) {
		t.Fatal("expected magic=noprovision to disallow provisioning")
	}
	if !d.AllowProvision(sampleQuery("")) {
		t.Fatal("expected provisioning allowed by default")
	}
}
