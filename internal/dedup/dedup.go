// Package dedup implements the Request Deduplicator ("magic", C8): a
// per-session memo that returns previously-produced machines instead of
// starting a new task when the same client repeats the same request while
// the machines it produced last time still exist in the store.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/google/uuid"

	"github.com/ryncsn/cuvette/internal/model"
	"github.com/ryncsn/cuvette/internal/query"
)

// Session holds one client's dedup memo: the plain in-memory value a
// SessionStore capability gets and sets. The core consumes session get/set
// as a capability rather than owning session storage itself.
type Session struct {
	LastRequestHash string
	LastMachineMagics []string
}

// SessionStore is the external collaborator that provides per-client
// session get/set.
type SessionStore interface {
	Get(sessionID string) Session
	Set(sessionID string, s Session)
}

// MemSessionStore is an in-memory SessionStore, sufficient for the demo
// binary and tests. internal/httpapi.CookieSessions only derives the session
// id from a cookie; it does not store sessions.
type MemSessionStore struct {
	sessions map[string]Session
}

func NewMemSessionStore() *MemSessionStore { return &MemSessionStore{sessions: map[string]Session{}} }

func (s *MemSessionStore) Get(id string) Session { return s.sessions[id] }
func (s *MemSessionStore) Set(id string, sess Session) {
	if s.sessions == nil {
		s.sessions = map[string]Session{}
	}
	s.sessions[id] = sess
}

// Deduplicator implements the C8 contract.
type Deduplicator struct {
	sessions SessionStore
}

func New(sessions SessionStore) *Deduplicator { return &Deduplicator{sessions: sessions} }

// MachineExists is used to verify last_machine_magics are still present in
// the store before trusting them.
type MachineExists func(magic string) bool

// PreQuery implements the pre_query hook: if magic=="new", force a fresh
// allocation (return ok=false); else compare the stable hash of q with
// the magic key removed against the session's last_request_hash.
func (d *Deduplicator) PreQuery(sessionID string, q *query.Query, exists MachineExists) (magics []string, ok bool) {
	magic := magicValue(q)
	if magic == "new" {
		return nil, false
	}
	hash := hashQuery(stripMagic(q))
	sess := d.sessions.Get(sessionID)
	if sess.LastRequestHash != hash || len(sess.LastMachineMagics) == 0 {
		return nil, false
	}
	for _, m := range sess.LastMachineMagics {
		if !exists(m) {
			return nil, false
		}
	}
	return sess.LastMachineMagics, true
}

// RecordHash records the hash for this request so a subsequent identical
// request can be matched by PreQuery, independent of whether machines have
// been assigned magics yet.
func (d *Deduplicator) RecordHash(sessionID string, q *query.Query) {
	sess := d.sessions.Get(sessionID)
	sess.LastRequestHash = hashQuery(stripMagic(q))
	d.sessions.Set(sessionID, sess)
}

// PreProvision assigns a fresh magic to each machine lacking one and stores
// their magics as last_machine_magics.
func (d *Deduplicator) PreProvision(sessionID string, machineMagics []string) []string {
	out := make([]string, len(machineMagics))
	for i, m := range machineMagics {
		if m == "" {
			m = uuid.NewString()
		}
		out[i] = m
	}
	sess := d.sessions.Get(sessionID)
	sess.LastMachineMagics = out
	d.sessions.Set(sessionID, sess)
	return out
}

// AllowProvision returns false iff query.magic == "noprovision".
func (d *Deduplicator) AllowProvision(q *query.Query) bool {
	return magicValue(q) != "noprovision"
}

func magicValue(q *query.Query) string {
	if q == nil {
		return ""
	}
	for _, c := range q.Conds {
		if c.Key == "magic" {
			return c.Value.Str
		}
	}
	return ""
}

func stripMagic(q *query.Query) *query.Query {
	out := &query.Query{}
	for _, c := range q.Conds {
		if c.Key != "magic" {
			out.Conds = append(out.Conds, c)
		}
	}
	return out
}

// hashQuery produces a stable hash of a query's conditions: sort by key,
// JSON-encode, then sha256, since Go has no built-in stable hash of an
// arbitrary structure.
func hashQuery(q *query.Query) string {
	type kv struct {
		Key   string `json:"key"`
		Op    string `json:"op"`
		Value any    `json:"value"`
	}
	items := make([]kv, 0, len(q.Conds))
	for _, c := range q.Conds {
		items = append(items, kv{Key: c.Key, Op: string(c.Op), Value: valueAsAny(c)})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Key < items[j].Key })
	b, _ := json.Marshal(items)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func valueAsAny(c query.Cond) any {
	if c.Value.Kind == model.KindString {
		return c.Value.Str
	}
	return c.Value
}
