// Package model holds the closed data model for the broker: Machine, Task,
// Parameter, and the tagged-union Value used for query leaves and machine
// attributes. Attribute values carry an explicit Kind instead of an open
// string-keyed map, so comparisons and serialization don't need runtime
// type assertions.
package model

import (
	"fmt"
	"time"
)

// Kind identifies which branch of Value is populated.
type Kind int

const (
	KindString Kind = iota
	KindInt
	KindFloat
	KindBool
	KindTimestamp
	KindStringList
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindTimestamp:
		return "timestamp"
	case KindStringList:
		return "list<string>"
	default:
		return "unknown"
	}
}

// Value is a tagged union over the value types a Machine attribute or query
// leaf may hold. Exactly one field is meaningful, selected by Kind.
type Value struct {
	Kind   Kind
	Str    string
	Int    int64
	Float  float64
	Bool   bool
	Time   time.Time
	Strs   []string
}

func String(s string) Value        { return Value{Kind: KindString, Str: s} }
func Int(i int64) Value            { return Value{Kind: KindInt, Int: i} }
func Float(f float64) Value        { return Value{Kind: KindFloat, Float: f} }
func Bool(b bool) Value            { return Value{Kind: KindBool, Bool: b} }
func Timestamp(t time.Time) Value  { return Value{Kind: KindTimestamp, Time: t} }
func StringList(s []string) Value {
	cp := make([]string, len(s))
	copy(cp, s)
	return Value{Kind: KindStringList, Strs: cp}
}

// Equal reports whether two values are the same kind and content.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindString:
		return v.Str == o.Str
	case KindInt:
		return v.Int == o.Int
	case KindFloat:
		return v.Float == o.Float
	case KindBool:
		return v.Bool == o.Bool
	case KindTimestamp:
		return v.Time.Equal(o.Time)
	case KindStringList:
		if len(v.Strs) != len(o.Strs) {
			return false
		}
		for i := range v.Strs {
			if v.Strs[i] != o.Strs[i] {
				return false
			}
		}
		return true
	}
	return false
}

// Less is defined for the ordered kinds (int, float, timestamp) and panics
// for the others; callers (the query comparison operators) must only call
// it for parameters whose declared type supports ordering.
func (v Value) Less(o Value) bool {
	switch v.Kind {
	case KindInt:
		return v.Int < o.Int
	case KindFloat:
		return v.Float < o.Float
	case KindTimestamp:
		return v.Time.Before(o.Time)
	default:
		panic(fmt.Sprintf("model: Value.Less unsupported for kind %s", v.Kind))
	}
}

// Clone returns a deep copy; only KindStringList carries a backing slice.
func (v Value) Clone() Value {
	if v.Kind == KindStringList {
		return StringList(v.Strs)
	}
	return v
}
