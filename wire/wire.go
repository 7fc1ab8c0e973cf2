// Package wire defines the tagged value union and envelope types
// exchanged between controller and engine.
package wire

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/zond/marionette"

	goccy "github.com/goccy/go-json"
)

type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindList
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Value is a closed union over the JSON-compatible value kinds. The
// zero Value is null. Values form acyclic trees; producers that hold
// cyclic native references must emit identifier handles instead of
// recursing.
type Value struct {
	kind Kind
	b    bool
	num  float64
	str  string
	list []Value
	m    *Map
}

var Null = Value{}

func Bool(b bool) Value {
	return Value{kind: KindBool, b: b}
}

func Number(f float64) Value {
	return Value{kind: KindNumber, num: f}
}

func Int(i int) Value {
	return Value{kind: KindNumber, num: float64(i)}
}

func String(s string) Value {
	return Value{kind: KindString, str: s}
}

func List(elems ...Value) Value {
	return Value{kind: KindList, list: elems}
}

func MapValue(m *Map) Value {
	if m == nil {
		m = NewMap()
	}
	return Value{kind: KindMap, m: m}
}

func (v Value) Kind() Kind {
	return v.kind
}

func (v Value) IsNull() bool {
	return v.kind == KindNull
}

func (v Value) Bool() (bool, bool) {
	return v.b, v.kind == KindBool
}

func (v Value) Number() (float64, bool) {
	return v.num, v.kind == KindNumber
}

func (v Value) String() (string, bool) {
	return v.str, v.kind == KindString
}

func (v Value) List() ([]Value, bool) {
	return v.list, v.kind == KindList
}

func (v Value) Map() (*Map, bool) {
	return v.m, v.kind == KindMap
}

func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == o.b
	case KindNumber:
		return v.num == o.num
	case KindString:
		return v.str == o.str
	case KindList:
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(o.list[i]) {
				return false
			}
		}
		return true
	case KindMap:
		return v.m.Equal(o.m)
	}
	return false
}

// Map is an ordered string-keyed value map. Iteration follows
// insertion order, matching JSON object member order on the wire.
type Map struct {
	keys   []string
	values map[string]Value
}

func NewMap() *Map {
	return &Map{values: map[string]Value{}}
}

func (m *Map) Len() int {
	if m == nil {
		return 0
	}
	return len(m.keys)
}

func (m *Map) Keys() []string {
	if m == nil {
		return nil
	}
	result := make([]string, len(m.keys))
	copy(result, m.keys)
	return result
}

func (m *Map) Get(key string) (Value, bool) {
	if m == nil {
		return Null, false
	}
	v, found := m.values[key]
	return v, found
}

func (m *Map) Set(key string, value Value) *Map {
	if _, found := m.values[key]; !found {
		m.keys = append(m.keys, key)
	}
	m.values[key] = value
	return m
}

func (m *Map) Del(key string) {
	if m == nil {
		return
	}
	if _, found := m.values[key]; !found {
		return
	}
	delete(m.values, key)
	for i, k := range m.keys {
		if k == key {
			m.keys = append(m.keys[:i], m.keys[i+1:]...)
			break
		}
	}
}

func (m *Map) Each(f func(key string, value Value) bool) {
	if m == nil {
		return
	}
	for _, k := range m.keys {
		if !f(k, m.values[k]) {
			return
		}
	}
}

func (m *Map) Equal(o *Map) bool {
	if m.Len() != o.Len() {
		return false
	}
	if m == nil {
		return true
	}
	for k, v := range m.values {
		ov, found := o.values[k]
		if !found || !v.Equal(ov) {
			return false
		}
	}
	return true
}

func (m *Map) MarshalJSON() ([]byte, error) {
	buf := &strings.Builder{}
	buf.WriteByte('{')
	if m != nil {
		for i, k := range m.keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := goccy.Marshal(k)
			if err != nil {
				return nil, marionette.WithStack(err)
			}
			buf.Write(kb)
			buf.WriteByte(':')
			vb, err := goccy.Marshal(m.values[k])
			if err != nil {
				return nil, marionette.WithStack(err)
			}
			buf.Write(vb)
		}
	}
	buf.WriteByte('}')
	return []byte(buf.String()), nil
}

// UnmarshalJSON decodes member by member off the token stream, so
// iteration order matches the order on the wire.
func (m *Map) UnmarshalJSON(b []byte) error {
	dec := goccy.NewDecoder(bytes.NewReader(b))
	tok, err := dec.Token()
	if err != nil {
		return marionette.WithStack(err)
	}
	if delim, ok := tok.(goccy.Delim); !ok || delim != '{' {
		return errors.Errorf("maps decode from objects, got %v", tok)
	}
	m.keys = nil
	m.values = map[string]Value{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return marionette.WithStack(err)
		}
		key, ok := keyTok.(string)
		if !ok {
			return errors.Errorf("object keys are strings, got %v", keyTok)
		}
		value := Value{}
		if err := dec.Decode(&value); err != nil {
			return marionette.WithStack(err)
		}
		m.Set(key, value)
	}
	if _, err := dec.Token(); err != nil {
		return marionette.WithStack(err)
	}
	return nil
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindBool:
		return goccy.Marshal(v.b)
	case KindNumber:
		return goccy.Marshal(v.num)
	case KindString:
		return goccy.Marshal(v.str)
	case KindList:
		if v.list == nil {
			return []byte("[]"), nil
		}
		return goccy.Marshal(v.list)
	case KindMap:
		return v.m.MarshalJSON()
	}
	return nil, errors.Errorf("unknown value kind %v", v.kind)
}

func (v *Value) UnmarshalJSON(b []byte) error {
	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return errors.New("empty value")
	}
	switch trimmed[0] {
	case 'n':
		*v = Null
		return nil
	case 't', 'f':
		parsed := false
		if err := goccy.Unmarshal(b, &parsed); err != nil {
			return marionette.WithStack(err)
		}
		*v = Bool(parsed)
		return nil
	case '"':
		parsed := ""
		if err := goccy.Unmarshal(b, &parsed); err != nil {
			return marionette.WithStack(err)
		}
		*v = String(parsed)
		return nil
	case '[':
		parsed := []Value{}
		if err := goccy.Unmarshal(b, &parsed); err != nil {
			return marionette.WithStack(err)
		}
		*v = Value{kind: KindList, list: parsed}
		return nil
	case '{':
		parsed := NewMap()
		if err := parsed.UnmarshalJSON(b); err != nil {
			return marionette.WithStack(err)
		}
		*v = MapValue(parsed)
		return nil
	default:
		parsed := float64(0)
		if err := goccy.Unmarshal(b, &parsed); err != nil {
			return marionette.WithStack(err)
		}
		*v = Number(parsed)
		return nil
	}
}

// Render returns a compact JSON rendering, for logs and diagnostics.
func (v Value) Render() string {
	b, err := v.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("<unrenderable: %v>", err)
	}
	return string(b)
}
