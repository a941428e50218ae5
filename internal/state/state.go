// Package state defines the free-form entity snapshots exchanged between the
// simulation and the sync layer, along with the value helpers the diffing code
// relies on.
package state

import (
	"reflect"
	"sort"
	"strconv"
)

// IDField is the identity key every tracked entity carries.
const IDField = "id"

// State is a snapshot of one entity: field name to value. Values are expected
// to stay within the JSON domain (nil, bool, numbers, string, slices and
// nested string-keyed maps).
type State map[string]any

// ID returns the entity identity as a string.
func (s State) ID() (string, bool) {
	if s == nil {
		return "", false
	}
	v, ok := s[IDField]
	if !ok {
		return "", false
	}
	return IDString(v)
}

// IDString renders an identity value as a string. Only strings and numbers are
// usable as identities.
func IDString(v any) (string, bool) {
	switch id := v.(type) {
	case string:
		return id, id != ""
	case nil:
		return "", false
	}
	if n, ok := Number(v); ok {
		return strconv.FormatFloat(n, 'f', -1, 64), true
	}
	return "", false
}

// Keys returns the field names of s in sorted order.
func (s State) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a deep copy of s. The copy shares no maps or slices with s.
func (s State) Clone() State {
	if s == nil {
		return nil
	}
	out := make(State, len(s))
	for k, v := range s {
		out[k] = CloneValue(v)
	}
	return out
}

// Project returns a copy of s holding only the listed fields. Fields missing
// from s are omitted rather than defaulted.
func (s State) Project(keep []string) State {
	out := make(State, len(keep))
	for _, k := range keep {
		if v, ok := s[k]; ok {
			out[k] = CloneValue(v)
		}
	}
	return out
}

// CloneAll deep-copies a collection of states.
func CloneAll(items []State) []State {
	if items == nil {
		return nil
	}
	out := make([]State, len(items))
	for i, it := range items {
		out[i] = it.Clone()
	}
	return out
}

// CloneValue deep-copies maps and slices; scalars are returned as is.
func CloneValue(v any) any {
	switch t := v.(type) {
	case nil, bool, string, float64, float32, int, int64, int32, uint64, uint32:
		return v
	case State:
		return t.Clone()
	case map[string]any:
		return map[string]any(State(t).Clone())
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = CloneValue(e)
		}
		return out
	case []State:
		return CloneAll(t)
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice:
		if rv.IsNil() {
			return v
		}
		out := reflect.MakeSlice(rv.Type(), rv.Len(), rv.Len())
		for i := 0; i < rv.Len(); i++ {
			e := CloneValue(rv.Index(i).Interface())
			if e == nil {
				continue
			}
			out.Index(i).Set(reflect.ValueOf(e))
		}
		return out.Interface()
	case reflect.Map:
		if rv.IsNil() {
			return v
		}
		out := reflect.MakeMapWithSize(rv.Type(), rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			e := CloneValue(iter.Value().Interface())
			if e == nil {
				out.SetMapIndex(iter.Key(), reflect.Zero(rv.Type().Elem()))
				continue
			}
			out.SetMapIndex(iter.Key(), reflect.ValueOf(e))
		}
		return out.Interface()
	}
	return v
}

// AsState views v as a State when it is a string-keyed map.
func AsState(v any) (State, bool) {
	switch t := v.(type) {
	case State:
		return t, t != nil
	case map[string]any:
		return State(t), t != nil
	}
	return nil, false
}
