// Package httpapi implements the HTTP surface over the Broker API:
// json.NewDecoder/Encoder handlers with explicit status codes and
// http.Error for failures.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/ryncsn/cuvette/internal/broker"
	"github.com/ryncsn/cuvette/internal/capability"
	"github.com/ryncsn/cuvette/internal/param"
	"github.com/ryncsn/cuvette/internal/provisioner"
	"github.com/ryncsn/cuvette/internal/query"
)

const version = "1.0.0"

// Server holds the Broker and the supporting capabilities the HTTP layer
// itself owns (peer resolution for the self-service endpoints).
type Server struct {
	broker   *broker.Broker
	params   *param.Registry
	provs    *provisioner.Registry
	peers    capability.PeerResolver
	sessions sessionIDer
	logger   *slog.Logger

	router *mux.Router
}

// sessionIDer extracts a stable per-client session id from a request; the
// core consumes whatever the session id happens to be without owning
// cookie semantics itself.
type sessionIDer interface {
	SessionID(r *http.Request) string
}

// CookieSessions is the reference sessionIDer: a long-lived, unsigned
// cookie named "cuvette_session". Good enough for the demo binary; session
// storage itself is left to the caller.
type CookieSessions struct{ CookieName string }

func (c CookieSessions) SessionID(r *http.Request) string {
	name := c.CookieName
	if name == "" {
		name = "cuvette_session"
	}
	if ck, err := r.Cookie(name); err == nil && ck.Value != "" {
		return ck.Value
	}
	return r.RemoteAddr
}

func New(b *broker.Broker, params *param.Registry, provs *provisioner.Registry, peers capability.PeerResolver, sessions sessionIDer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if sessions == nil {
		sessions = CookieSessions{}
	}
	s := &Server{broker: b, params: params, provs: provs, peers: peers, sessions: sessions, logger: logger}
	s.router = mux.NewRouter()
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func (s *Server) routes() {
	s.router.HandleFunc("/", s.handleRoot).Methods(http.MethodGet)
	s.router.HandleFunc("/parameters", s.handleParameters).Methods(http.MethodGet)
	s.router.HandleFunc("/provisioners", s.handleProvisioners).Methods(http.MethodGet)
	s.router.HandleFunc("/machines", s.handleMachinesQuery).Methods(http.MethodGet)
	s.router.HandleFunc("/machines", s.handleMachinesDelete).Methods(http.MethodDelete)
	s.router.HandleFunc("/machines/provision", s.handleProvision).Methods(http.MethodPost)
	s.router.HandleFunc("/machines/teardown", s.handleTeardown).Methods(http.MethodPost)
	s.router.HandleFunc("/machines/release", s.handleRelease).Methods(http.MethodPost)
	s.router.HandleFunc("/machines/request", s.handleRequest).Methods(http.MethodGet, http.MethodPost)
	s.router.HandleFunc("/release_me", s.handleReleaseMe).Methods(http.MethodGet)
	s.router.HandleFunc("/describ_me", s.handleDescribeMe).Methods(http.MethodGet)
	s.router.HandleFunc("/tear_me_down", s.handleTearMeDown).Methods(http.MethodGet)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "cuvette broker", "version": version})
}

func (s *Server) handleParameters(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{}
	for name, p := range s.params.All() {
		ops := make([]string, 0, len(p.Ops))
		for op := range p.Ops {
			ops = append(ops, string(op))
		}
		entry := map[string]any{
			"type": p.Type.String(),
			"ops":  ops,
			"description": p.Description,
		}
		if p.Default != nil {
			entry["default"] = valueToAny(*p.Default)
		}
		srcs := make([]string, 0, len(p.Source))
		for _, src := range p.Source {
			srcs = append(srcs, src.Kind+":"+src.Name)
		}
		entry["source"] = srcs
		out[name] = entry
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleProvisioners(w http.ResponseWriter, r *http.Request) {
	out := map[string]string{}
	for _, name := range s.provs.Names() {
		out[name] = name
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleMachinesQuery(w http.ResponseWriter, r *http.Request) {
	raw := rawFromURL(r)
	machines, err := s.broker.Query(raw)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, encodeMachines(machines))
}

func (s *Server) handleMachinesDelete(w http.ResponseWriter, r *http.Request) {
	raw := rawFromURL(r)
	machines, err := s.broker.Teardown(r.Context(), raw)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, encodeMachines(machines))
}

func (s *Server) handleProvision(w http.ResponseWriter, r *http.Request) {
	raw, err := rawFromJSONBody(r)
	if err != nil {
		writeError(w, err)
		return
	}
	sessionID := s.sessions.SessionID(r)
	machines, err := s.broker.Provision(r.Context(), sessionID, raw, 30*time.Second)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, encodeMachines(machines))
}

func (s *Server) handleTeardown(w http.ResponseWriter, r *http.Request) {
	raw, err := rawFromJSONBody(r)
	if err != nil {
		writeError(w, err)
		return
	}
	machines, err := s.broker.Teardown(r.Context(), raw)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, encodeMachines(machines))
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	raw, err := rawFromJSONBody(r)
	if err != nil {
		writeError(w, err)
		return
	}
	machines, err := s.broker.Release(r.Context(), raw)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, encodeMachines(machines))
}

// handleRequest implements GET/POST /machines/request: 404 with a message
// body when no machine could be obtained.
func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	var raw query.Raw
	var err error
	if r.Method == http.MethodPost {
		raw, err = rawFromJSONBody(r)
	} else {
		raw = rawFromURL(r)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	sessionID := s.sessions.SessionID(r)
	machines, err := s.broker.Request(r.Context(), sessionID, raw)
	if err != nil {
		writeError(w, err)
		return
	}
	if len(machines) == 0 {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "no machine available for this request"})
		return
	}
	writeJSON(w, http.StatusOK, encodeMachines(machines))
}

// resolvePeer finds the single machine whose hostname matches the caller's
// resolved peer address, for the self-service endpoints below.
func (s *Server) resolvePeer(r *http.Request) (string, bool) {
	if s.peers == nil {
		return "", false
	}
	return s.peers.ResolvePeer(r.Context(), r.RemoteAddr)
}

func (s *Server) handleReleaseMe(w http.ResponseWriter, r *http.Request) {
	hostname, ok := s.resolvePeer(r)
	if !ok {
		http.Error(w, "no machine found for peer address", http.StatusBadRequest)
		return
	}
	machines, err := s.broker.Release(r.Context(), query.Raw{"hostname": {hostname}})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, encodeMachines(machines))
}

func (s *Server) handleDescribeMe(w http.ResponseWriter, r *http.Request) {
	hostname, ok := s.resolvePeer(r)
	if !ok {
		http.Error(w, "no machine found for peer address", http.StatusBadRequest)
		return
	}
	machines, err := s.broker.Query(query.Raw{"hostname": {hostname}})
	if err != nil {
		writeError(w, err)
		return
	}
	if len(machines) == 0 {
		http.Error(w, "no machine found for peer address", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, encodeMachine(machines[0]))
}

func (s *Server) handleTearMeDown(w http.ResponseWriter, r *http.Request) {
	hostname, ok := s.resolvePeer(r)
	if !ok {
		http.Error(w, "no machine found for peer address", http.StatusBadRequest)
		return
	}
	machines, err := s.broker.Teardown(r.Context(), query.Raw{"hostname": {hostname}})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, encodeMachines(machines))
}

func rawFromURL(r *http.Request) query.Raw {
	out := query.Raw{}
	for k, v := range r.URL.Query() {
		out[k] = v
	}
	return out
}

func rawFromJSONBody(r *http.Request) (query.Raw, error) {
	if r.Body == nil || r.ContentLength == 0 {
		return query.Raw{}, nil
	}
	var body map[string]any
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&body); err != nil {
		return nil, err
	}
	out := query.Raw{}
	for k, v := range body {
		if ops, ok := v.(map[string]any); ok {
			for op, ov := range ops {
				opKey := k + ":" + strings.TrimPrefix(op, "$")
				out[opKey] = append(out[opKey], flattenJSONValue(ov)...)
			}
			continue
		}
		out[k] = flattenJSONValue(v)
	}
	return out, nil
}

// flattenJSONValue renders a decoded JSON value back into the flat string
// multidict the Query Compiler expects. rawFromJSONBody has already turned
// nested objects like {"$gte": 8192} into the "key:gte" suffixed form at
// the Raw level.
func flattenJSONValue(v any) []string {
	switch t := v.(type) {
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			out = append(out, stringifyJSONScalar(e))
		}
		return out
	default:
		return []string{stringifyJSONScalar(v)}
	}
}

func stringifyJSONScalar(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		if t {
			return "true"
		}
		return "false"
	case float64:
		return trimFloat(t)
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}

func trimFloat(f float64) string {
	b, _ := json.Marshal(f)
	return string(b)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch err.(type) {
	case *query.InvalidQuery, *query.ValidateError:
		status = http.StatusBadRequest
	}
	var noProv provisioner.NoProvisionerError
	if errors.As(err, &noProv) {
		status = http.StatusNotFound
	}
	writeJSON(w, status, map[string]string{"message": err.Error()})
}
