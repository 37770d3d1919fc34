// Package store implements the Machine Store: a persistent keyed collection
// of machine records with atomic field updates, an append-only update
// journal per in-memory instance, and stable unique identifiers. It uses an
// RWMutex-guarded map rather than a pair of linked record types, since here
// a machine embeds its own task descriptors directly.
package store

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/ryncsn/cuvette/internal/model"
)

var (
	// ErrMachineNotFound is returned when an identifier matches no machine.
	ErrMachineNotFound = errors.New("store: machine not found")
	// ErrDuplicateMagic is returned by Insert when magic already exists.
	ErrDuplicateMagic = errors.New("store: duplicate magic")
	// ErrStoreConflict is returned when an atomic update targets a machine
	// that has since been deleted.
	ErrStoreConflict = errors.New("store: conflict, machine was deleted")
)

// Ident selects a machine by one of its unique keys, preferring magic, then
// hostname, then internal ID.
type Ident struct {
	Magic    string
	Hostname string
	ID       string
}

// Update describes one atomic multi-field update: Set overwrites keys
// verbatim, Unset removes them, Inc adds a delta to an existing int field.
type Update struct {
	Set   map[string]model.Value
	Unset []string
	Inc   map[string]int64
}

// Store is the in-memory Machine Store. A single instance is process-wide
// and is the only writer of persistent state.
type Store struct {
	mu       sync.RWMutex
	byID     map[string]*model.Machine
	byMagic  map[string]string // magic -> id
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		byID:    map[string]*model.Machine{},
		byMagic: map[string]string{},
	}
}

// Insert adds a new machine, assigning an internal ID if absent, and
// enforces the magic uniqueness index.
func (s *Store) Insert(m *model.Machine) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.Magic == "" {
		return "", errors.New("store: machine has no magic")
	}
	if _, exists := s.byMagic[m.Magic]; exists {
		return "", ErrDuplicateMagic
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	clone := m.Clone()
	s.byID[clone.ID] = clone
	s.byMagic[clone.Magic] = clone.ID
	return clone.ID, nil
}

// resolve finds the internal id for an Ident, preferring magic, then
// hostname, then ID, without taking the lock (caller must hold it).
func (s *Store) resolve(ident Ident) (string, bool) {
	if ident.Magic != "" {
		if id, ok := s.byMagic[ident.Magic]; ok {
			return id, true
		}
		return "", false
	}
	if ident.Hostname != "" {
		for id, m := range s.byID {
			if m.Hostname == ident.Hostname {
				return id, true
			}
		}
		return "", false
	}
	if ident.ID != "" {
		if _, ok := s.byID[ident.ID]; ok {
			return ident.ID, true
		}
	}
	return "", false
}

// Get returns a defensive clone of the machine identified by ident.
func (s *Store) Get(ident Ident) (*model.Machine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.resolve(ident)
	if !ok {
		return nil, ErrMachineNotFound
	}
	return s.byID[id].Clone(), nil
}

// FindAll returns every machine matching pred, in insertion-arbitrary order,
// truncated to limit if limit > 0.
func (s *Store) FindAll(pred func(*model.Machine) bool, limit int) []*model.Machine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Machine
	for _, m := range s.byID {
		if pred(m) {
			out = append(out, m.Clone())
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out
}

// FindOne returns the first machine matching pred, or nil.
func (s *Store) FindOne(pred func(*model.Machine) bool) *model.Machine {
	all := s.FindAll(pred, 1)
	if len(all) == 0 {
		return nil
	}
	return all[0]
}

// AtomicUpdate applies Update to the machine identified by ident and
// returns the post-image. Direct atomic operations bypass any in-memory
// journal and reflect the post-image immediately.
func (s *Store) AtomicUpdate(ident Ident, u Update) (*model.Machine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.resolve(ident)
	if !ok {
		return nil, ErrStoreConflict
	}
	m := s.byID[id]
	applyUpdate(m, u)
	return m.Clone(), nil
}

func applyUpdate(m *model.Machine, u Update) {
	for k, v := range u.Set {
		setField(m, k, v)
	}
	for _, k := range u.Unset {
		unsetField(m, k)
	}
	for k, delta := range u.Inc {
		cur, _ := m.Get(k)
		setField(m, k, model.Int(cur.Int+delta))
	}
}

func setField(m *model.Machine, key string, v model.Value) {
	switch key {
	case "hostname":
		m.Hostname = v.Str
	case "status":
		m.Status = model.Status(v.Str)
	case "provisioner":
		m.Provisioner = v.Str
	case "start_time":
		m.StartTime = v.Time
	case "lifespan":
		m.Lifespan = v.Int
	case "expire_time":
		m.ExpireTime = v.Time
	case "failure-message":
		m.FailureMessage = v.Str
	default:
		if len(key) > 5 && key[:5] == "meta." {
			m.Meta[key] = v.Clone()
			return
		}
		m.Attrs[key] = v.Clone()
	}
}

func unsetField(m *model.Machine, key string) {
	switch key {
	case "failure-message":
		m.FailureMessage = ""
	default:
		if len(key) > 5 && key[:5] == "meta." {
			delete(m.Meta, key)
			return
		}
		delete(m.Attrs, key)
	}
}

// Delete removes a machine entirely (used by teardown completion and the
// house-keeper's dead-sweep).
func (s *Store) Delete(ident Ident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.resolve(ident)
	if !ok {
		return ErrMachineNotFound
	}
	m := s.byID[id]
	delete(s.byMagic, m.Magic)
	delete(s.byID, id)
	return nil
}

// SetDescriptor attaches or updates a task descriptor on a machine, the
// sole persistence mechanism for tasks.
func (s *Store) SetDescriptor(ident Ident, taskUUID string, d model.TaskDescriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.resolve(ident)
	if !ok {
		return ErrStoreConflict
	}
	s.byID[id].Tasks[taskUUID] = d
	return nil
}

// ClearDescriptor removes a task descriptor from a machine, on task
// completion.
func (s *Store) ClearDescriptor(ident Ident, taskUUID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.resolve(ident)
	if !ok {
		return nil // already gone; idempotent
	}
	delete(s.byID[id].Tasks, taskUUID)
	return nil
}

// AllDescriptors returns, for every attached task, the ids of the machines
// carrying it, keyed by task uuid. Used at Broker startup to
// reconstruct in-flight tasks after a restart.
func (s *Store) AllDescriptors() map[string][]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byTask := map[string][]string{}
	for id, m := range s.byID {
		for taskUUID := range m.Tasks {
			byTask[taskUUID] = append(byTask[taskUUID], id)
		}
	}
	return byTask
}

// Journal is a mutable, drop-at-save update builder collaborating with an
// immutable snapshot. Callers read a Machine snapshot via Get/FindAll,
// accumulate edits with Set/Unset/IncField, then call Save once to flush as
// one atomic multi-field update; the journal is then cleared and must not
// be reused.
type Journal struct {
	ident Ident
	set   map[string]model.Value
	unset []string
	inc   map[string]int64
}

// NewJournal starts a journal against ident.
func NewJournal(ident Ident) *Journal {
	return &Journal{ident: ident, set: map[string]model.Value{}, inc: map[string]int64{}}
}

func (j *Journal) Set(key string, v model.Value) *Journal {
	j.set[key] = v
	return j
}

func (j *Journal) Unset(key string) *Journal {
	j.unset = append(j.unset, key)
	return j
}

func (j *Journal) IncField(key string, delta int64) *Journal {
	j.inc[key] += delta
	return j
}

// Save flushes the journal as one atomic update and returns the post-image.
// The journal must not be reused afterward.
func (j *Journal) Save(s *Store) (*model.Machine, error) {
	m, err := s.AtomicUpdate(j.ident, Update{Set: j.set, Unset: j.unset, Inc: j.inc})
	if err != nil {
		return nil, fmt.Errorf("journal save: %w", err)
	}
	j.set, j.unset, j.inc = nil, nil, nil
	return m, nil
}
