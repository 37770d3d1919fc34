package model

import "time"

// Status is the machine's position in its provisioning/reservation lifecycle.
type Status string

const (
	StatusNew       Status = "new"
	StatusPreparing Status = "preparing"
	StatusReady     Status = "ready"
	StatusReserved  Status = "reserved"
	StatusTeardown  Status = "teardown"
	StatusFailed    Status = "failed"
	StatusDeleted   Status = "deleted"
)

// hostnameRequired is the set of statuses that require a non-empty hostname.
// Only RequiresHostname reads it; status updates do not check it.
var hostnameRequired = map[Status]bool{
	StatusPreparing: true,
	StatusReserved:  true,
	StatusReady:     true,
	StatusTeardown:  true,
}

// RequiresHostname reports whether a transition into s needs machine.hostname set.
func (s Status) RequiresHostname() bool { return hostnameRequired[s] }

// TaskType enumerates the four task varieties a machine can carry.
type TaskType string

const (
	TaskProvision TaskType = "provision"
	TaskInspect   TaskType = "inspect"
	TaskReserve   TaskType = "reserve"
	TaskTeardown  TaskType = "teardown"
)

// TaskStatus is the lifecycle state of an attached task descriptor.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskSuccess   TaskStatus = "success"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// TaskDescriptor is the durable, in-machine-embedded record of a task. It is
// the only source of task state across a restart — there is no separate
// task table.
type TaskDescriptor struct {
	Type   TaskType
	Status TaskStatus
	Query  map[string]Value
}

func (d TaskDescriptor) clone() TaskDescriptor {
	q := make(map[string]Value, len(d.Query))
	for k, v := range d.Query {
		q[k] = v.Clone()
	}
	return TaskDescriptor{Type: d.Type, Status: d.Status, Query: q}
}

// Machine is the central entity: a closed struct of known fields plus one
// map (Attrs) for inspector-populated hardware attributes and one map
// (Meta) for provisioner-/task-private scratch data.
type Machine struct {
	ID         string // store-internal identity; not exposed as the primary handle
	Magic      string // stable opaque identifier, assigned at creation
	Hostname   string
	Status     Status
	Provisioner string
	StartTime  time.Time
	Lifespan   int64 // seconds
	ExpireTime time.Time

	Tasks map[string]TaskDescriptor // task-uuid -> descriptor

	Meta  map[string]Value // provisioner/task-private scratch
	Attrs map[string]Value // inspector-populated hardware attributes

	FailureMessage string
}

// New returns a blank machine in status "new" carrying the given magic,
// which may be empty and assigned later.
func New(magic string) *Machine {
	return &Machine{
		Magic:  magic,
		Status: StatusNew,
		Tasks:  map[string]TaskDescriptor{},
		Meta:   map[string]Value{},
		Attrs:  map[string]Value{},
	}
}

// Clone deep-copies the machine; the store hands out clones on read so
// callers can never mutate the durable post-image in place.
func (m *Machine) Clone() *Machine {
	if m == nil {
		return nil
	}
	c := *m
	c.Tasks = make(map[string]TaskDescriptor, len(m.Tasks))
	for k, v := range m.Tasks {
		c.Tasks[k] = v.clone()
	}
	c.Meta = make(map[string]Value, len(m.Meta))
	for k, v := range m.Meta {
		c.Meta[k] = v.Clone()
	}
	c.Attrs = make(map[string]Value, len(m.Attrs))
	for k, v := range m.Attrs {
		c.Attrs[k] = v.Clone()
	}
	return &c
}

// HasActiveTasks reports whether any task descriptor is still attached.
func (m *Machine) HasActiveTasks() bool { return len(m.Tasks) > 0 }

// Get looks up a field by the reserved key names or, failing that, Attrs/Meta.
func (m *Machine) Get(key string) (Value, bool) {
	switch key {
	case "magic":
		return String(m.Magic), true
	case "hostname":
		return String(m.Hostname), true
	case "status":
		return String(string(m.Status)), true
	case "provisioner":
		return String(m.Provisioner), true
	case "start_time":
		return Timestamp(m.StartTime), true
	case "lifespan":
		return Int(m.Lifespan), true
	case "expire_time":
		return Timestamp(m.ExpireTime), true
	case "failure-message":
		return String(m.FailureMessage), true
	}
	if v, ok := m.Attrs[key]; ok {
		return v, true
	}
	if v, ok := m.Meta["meta."+key]; ok {
		return v, true
	}
	return Value{}, false
}
