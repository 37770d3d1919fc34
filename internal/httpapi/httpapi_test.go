package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ryncsn/cuvette/internal/broker"
	"github.com/ryncsn/cuvette/internal/dedup"
	"github.com/ryncsn/cuvette/internal/model"
	"github.com/ryncsn/cuvette/internal/param"
	"github.com/ryncsn/cuvette/internal/provisioner"
	"github.com/ryncsn/cuvette/internal/query"
	"github.com/ryncsn/cuvette/internal/store"
	"github.com/ryncsn/cuvette/internal/task"
)

type fakeProv struct{}

func (fakeProv) Name() string                 { return "lab" }
func (fakeProv) Available(q *query.Query) bool { return true }
func (fakeProv) Cost(q *query.Query) float64   { return 1 }
func (fakeProv) Resume(ctx context.Context, ms []*model.Machine, q *query.Query) error {
	return nil
}
func (fakeProv) Provision(ctx context.Context, ms []*model.Machine, q *query.Query) error {
	for _, m := range ms {
		m.Hostname = "h-" + m.Magic
	}
	return nil
}
func (fakeProv) Teardown(ctx context.Context, ms []*model.Machine, q *query.Query) error { return nil }
func (fakeProv) IsTornDown(ctx context.Context, ms []*model.Machine, q *query.Query) (bool, error) {
	return true, nil
}

type fakePipeline struct{}

func (fakePipeline) Perform(ctx context.Context, m *model.Machine) error { return nil }

type fakePeers struct{ hostname string }

func (f fakePeers) ResolvePeer(ctx context.Context, remoteAddr string) (string, bool) {
	if f.hostname == "" {
		return "", false
	}
	return f.hostname, true
}

func newTestServer(t *testing.T, peerHostname string) (*Server, *store.Store) {
	t.Helper()
	reg, err := param.Build(nil)
	if err != nil {
		t.Fatalf("param.Build: %v", err)
	}
	s := store.New()
	provs := provisioner.NewRegistry(nil)
	provs.Register(fakeProv{}, nil)
	e := task.New(s, nil)
	b := broker.New(s, reg, provs, e, fakePipeline{}, nil, dedup.NewMemSessionStore(), nil)
	srv := New(b, reg, provs, fakePeers{hostname: peerHostname}, nil, nil)
	return srv, s
}

func TestRootReturnsMessageAndVersion(t *testing.T) {
	srv, _ := newTestServer(t, "")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["message"] == "" || body["version"] == "" {
		t.Fatalf("expected message and version, got %+v", body)
	}
}

func TestMachinesQueryReturnsMatches(t *testing.T) {
	srv, s := newTestServer(t, "")
	m := model.New("magic-q1")
	m.Status = model.StatusReady
	s.Insert(m)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/machines?status=ready", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var machines []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &machines); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(machines) != 1 || machines[0]["magic"] != "magic-q1" {
		t.Fatalf("expected one match on magic-q1, got %+v", machines)
	}
}

func TestMachinesRequestReturns404WhenNoneAvailableAndProvisionFails(t *testing.T) {
	srv, _ := newTestServer(t, "")
	body := strings.NewReader(`{"magic": "noprovision"}`)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/machines/request", body))
	if rec.Code != http.StatusInternalServerError && rec.Code != http.StatusBadRequest {
		t.Fatalf("expected an error status when provisioning is disallowed and none ready, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestReleaseMeRejectsUnresolvedPeer(t *testing.T) {
	srv, _ := newTestServer(t, "")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/release_me", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 when peer cannot be resolved, got %d", rec.Code)
	}
}

func TestDescribeMeReturnsMatchingMachine(t *testing.T) {
	srv, s := newTestServer(t, "h1.example.com")
	m := model.New("magic-d1")
	m.Hostname = "h1.example.com"
	m.Status = model.StatusReady
	s.Insert(m)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/describ_me", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var got map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["magic"] != "magic-d1" {
		t.Fatalf("expected magic-d1, got %+v", got)
	}
}

func TestParametersListsIntrinsics(t *testing.T) {
	srv, _ := newTestServer(t, "")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/parameters", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := body["count"]; !ok {
		t.Fatalf("expected the 'count' pipeline intrinsic in parameter schema, got %+v", body)
	}
}

func TestProvisionersListsRegistered(t *testing.T) {
	srv, _ := newTestServer(t, "")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/provisioners", nil))
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := body["lab"]; !ok {
		t.Fatalf("expected 'lab' provisioner listed, got %+v", body)
	}
}
