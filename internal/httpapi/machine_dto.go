package httpapi

import (
	"time"

	"github.com/ryncsn/cuvette/internal/model"
)

// machineDTO is the JSON wire shape for a Machine, field names matching
// the reserved-field set (magic, hostname, status, provisioner, start_time,
// lifespan, expire_time, tasks, meta, failure-message).
type machineDTO struct {
	Magic          string                    `json:"magic"`
	Hostname       string                    `json:"hostname,omitempty"`
	Status         string                    `json:"status"`
	Provisioner    string                    `json:"provisioner,omitempty"`
	StartTime      *time.Time                `json:"start_time,omitempty"`
	Lifespan       int64                     `json:"lifespan,omitempty"`
	ExpireTime     *time.Time                `json:"expire_time,omitempty"`
	Tasks          map[string]taskDTO        `json:"tasks,omitempty"`
	Meta           map[string]any            `json:"meta,omitempty"`
	FailureMessage string                    `json:"failure-message,omitempty"`
	Attrs          map[string]any            `json:"-"` // flattened into the top level by MarshalJSON-free encodeMachine
}

type taskDTO struct {
	Type   string         `json:"type"`
	Status string         `json:"status"`
	Query  map[string]any `json:"query,omitempty"`
}

func toMachineDTO(m *model.Machine) *machineDTO {
	dto := &machineDTO{
		Magic:          m.Magic,
		Hostname:       m.Hostname,
		Status:         string(m.Status),
		Provisioner:    m.Provisioner,
		Lifespan:       m.Lifespan,
		FailureMessage: m.FailureMessage,
	}
	if !m.StartTime.IsZero() {
		dto.StartTime = &m.StartTime
	}
	if !m.ExpireTime.IsZero() {
		dto.ExpireTime = &m.ExpireTime
	}
	if len(m.Tasks) > 0 {
		dto.Tasks = make(map[string]taskDTO, len(m.Tasks))
		for uuid, d := range m.Tasks {
			q := make(map[string]any, len(d.Query))
			for k, v := range d.Query {
				q[k] = valueToAny(v)
			}
			dto.Tasks[uuid] = taskDTO{Type: string(d.Type), Status: string(d.Status), Query: q}
		}
	}
	if len(m.Meta) > 0 {
		dto.Meta = make(map[string]any, len(m.Meta))
		for k, v := range m.Meta {
			dto.Meta[k] = valueToAny(v)
		}
	}
	if len(m.Attrs) > 0 {
		dto.Attrs = make(map[string]any, len(m.Attrs))
		for k, v := range m.Attrs {
			dto.Attrs[k] = valueToAny(v)
		}
	}
	return dto
}

// encodeMachine flattens hardware attributes to the top level of the
// returned map: attributes live alongside reserved fields, not nested
// under a sub-key.
func encodeMachine(m *model.Machine) map[string]any {
	dto := toMachineDTO(m)
	out := map[string]any{
		"magic":  dto.Magic,
		"status": dto.Status,
	}
	if dto.Hostname != "" {
		out["hostname"] = dto.Hostname
	}
	if dto.Provisioner != "" {
		out["provisioner"] = dto.Provisioner
	}
	if dto.StartTime != nil {
		out["start_time"] = dto.StartTime
	}
	if dto.Lifespan != 0 {
		out["lifespan"] = dto.Lifespan
	}
	if dto.ExpireTime != nil {
		out["expire_time"] = dto.ExpireTime
	}
	if dto.Tasks != nil {
		out["tasks"] = dto.Tasks
	}
	if dto.Meta != nil {
		out["meta"] = dto.Meta
	}
	if dto.FailureMessage != "" {
		out["failure-message"] = dto.FailureMessage
	}
	for k, v := range dto.Attrs {
		out[k] = v
	}
	return out
}

func valueToAny(v model.Value) any {
	switch v.Kind {
	case model.KindString:
		return v.Str
	case model.KindInt:
		return v.Int
	case model.KindFloat:
		return v.Float
	case model.KindBool:
		return v.Bool
	case model.KindTimestamp:
		return v.Time
	case model.KindStringList:
		return v.Strs
	default:
		return nil
	}
}

func encodeMachines(ms []*model.Machine) []map[string]any {
	out := make([]map[string]any, 0, len(ms))
	for _, m := range ms {
		out = append(out, encodeMachine(m))
	}
	return out
}
