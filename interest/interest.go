// Package interest stores per-object, per-event subscriptions: what
// data to gather when an event fires, under which conditions, and how
// often.
package interest

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/zond/marionette"
	"github.com/zond/marionette/wire"
)

// Reserved template keys carrying subscription settings rather than
// output keys.
const (
	KeyConditions = "#conditions"
	KeyThrottle   = "#throttle"
	KeySuppress   = "#suppress"
	KeyPatch      = "#patch"
)

type Op string

const (
	OpEq     Op = "=="
	OpNe     Op = "!="
	OpLt     Op = "<"
	OpLe     Op = "<="
	OpGt     Op = ">"
	OpGe     Op = ">="
	OpExists Op = "exists"
)

// Condition compares a resolved path value against a constant.
type Condition struct {
	Path  string
	Op    Op
	Value wire.Value
}

// Check evaluates the condition against the resolved value. found is
// whether the path resolved at all.
func (c Condition) Check(resolved wire.Value, found bool) bool {
	if c.Op == OpExists {
		return found
	}
	if !found {
		return false
	}
	switch c.Op {
	case OpEq:
		return resolved.Equal(c.Value)
	case OpNe:
		return !resolved.Equal(c.Value)
	case OpLt, OpLe, OpGt, OpGe:
		cmp, ok := compare(resolved, c.Value)
		if !ok {
			return false
		}
		switch c.Op {
		case OpLt:
			return cmp < 0
		case OpLe:
			return cmp <= 0
		case OpGt:
			return cmp > 0
		default:
			return cmp >= 0
		}
	}
	return false
}

func compare(a, b wire.Value) (int, bool) {
	if af, ok := a.Number(); ok {
		bf, ok := b.Number()
		if !ok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	}
	if as, ok := a.String(); ok {
		bs, ok := b.String()
		if !ok {
			return 0, false
		}
		switch {
		case as < bs:
			return -1, true
		case as > bs:
			return 1, true
		default:
			return 0, true
		}
	}
	return 0, false
}

// Template maps output keys to path expressions.
type Template map[string]string

// Interest is one subscription: what one controller wants attached to
// one event on one object.
type Interest struct {
	ObjectID        string
	Event           string
	Template        Template
	Conditions      []Condition
	ThrottleSeconds float64
	Suppress        bool
}

func (i *Interest) clone() *Interest {
	res := &Interest{
		ObjectID:        i.ObjectID,
		Event:           i.Event,
		Template:        Template{},
		Conditions:      append([]Condition{}, i.Conditions...),
		ThrottleSeconds: i.ThrottleSeconds,
		Suppress:        i.Suppress,
	}
	for k, v := range i.Template {
		res.Template[k] = v
	}
	return res
}

// Table is the per-object, per-event subscription index. At most one
// interest exists per (object, event) pair.
type Table struct {
	mutex    sync.RWMutex
	byObject map[string]map[string]*Interest
}

func NewTable() *Table {
	return &Table{
		byObject: map[string]map[string]*Interest{},
	}
}

// Set replaces the interest for (objectID, event).
func (t *Table) Set(i *Interest) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.byObject[i.ObjectID] == nil {
		t.byObject[i.ObjectID] = map[string]*Interest{}
	}
	t.byObject[i.ObjectID][i.Event] = i.clone()
}

// Clear drops the interest for (objectID, event). Clearing an unknown
// pair is a no-op.
func (t *Table) Clear(objectID, event string) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if events := t.byObject[objectID]; events != nil {
		delete(events, event)
		if len(events) == 0 {
			delete(t.byObject, objectID)
		}
	}
}

// Patch merges the partial interest into an existing one key by key,
// or installs it outright if none exists. Settings present in the
// partial override; absent ones survive.
func (t *Table) Patch(partial *Interest) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	events := t.byObject[partial.ObjectID]
	existing := (*Interest)(nil)
	if events != nil {
		existing = events[partial.Event]
	}
	if existing == nil {
		if events == nil {
			events = map[string]*Interest{}
			t.byObject[partial.ObjectID] = events
		}
		events[partial.Event] = partial.clone()
		return
	}
	for k, v := range partial.Template {
		existing.Template[k] = v
	}
	if partial.Conditions != nil {
		existing.Conditions = append([]Condition{}, partial.Conditions...)
	}
	if partial.ThrottleSeconds != 0 {
		existing.ThrottleSeconds = partial.ThrottleSeconds
	}
	existing.Suppress = existing.Suppress || partial.Suppress
}

// Match returns the interest for (objectID, event), if any.
func (t *Table) Match(objectID, event string) (*Interest, bool) {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	if events := t.byObject[objectID]; events != nil {
		if i, found := events[event]; found {
			return i.clone(), true
		}
	}
	return nil, false
}

// DropObject removes every interest keyed by objectID. Called when the
// object is destroyed.
func (t *Table) DropObject(objectID string) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	delete(t.byObject, objectID)
}

func (t *Table) Len() int {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	total := 0
	for _, events := range t.byObject {
		total += len(events)
	}
	return total
}

// Events returns the event names objectID subscribes to.
func (t *Table) Events(objectID string) []string {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	events := t.byObject[objectID]
	result := make([]string, 0, len(events))
	for event := range events {
		result = append(result, event)
	}
	return result
}

// ApplyWire applies one UpdateInterests payload for objectID: a map of
// event name to interest spec, where true means "name-only payload",
// null or false clears, and a map is a template (with reserved #-keys
// for conditions, throttle, suppression and patch semantics).
func (t *Table) ApplyWire(objectID string, data wire.Value) error {
	m, ok := data.Map()
	if !ok {
		return errors.Errorf("interest updates are maps, not %v", data.Kind())
	}
	var applyErr error
	m.Each(func(event string, spec wire.Value) bool {
		applyErr = t.applyOne(objectID, event, spec)
		return applyErr == nil
	})
	return marionette.WithStack(applyErr)
}

func (t *Table) applyOne(objectID, event string, spec wire.Value) error {
	if spec.IsNull() {
		t.Clear(objectID, event)
		return nil
	}
	if b, ok := spec.Bool(); ok {
		if !b {
			t.Clear(objectID, event)
			return nil
		}
		t.Set(&Interest{ObjectID: objectID, Event: event, Template: Template{}})
		return nil
	}
	specMap, ok := spec.Map()
	if !ok {
		return errors.Errorf("interest for %q is %v, want map, bool or null", event, spec.Kind())
	}
	i := &Interest{ObjectID: objectID, Event: event, Template: Template{}}
	patch := false
	var parseErr error
	specMap.Each(func(key string, value wire.Value) bool {
		switch key {
		case KeyConditions:
			i.Conditions, parseErr = parseConditions(value)
		case KeyThrottle:
			secs, ok := value.Number()
			if !ok {
				parseErr = errors.Errorf("%s is %v, want number", KeyThrottle, value.Kind())
			}
			i.ThrottleSeconds = secs
		case KeySuppress:
			b, ok := value.Bool()
			if !ok {
				parseErr = errors.Errorf("%s is %v, want bool", KeySuppress, value.Kind())
			}
			i.Suppress = b
		case KeyPatch:
			b, ok := value.Bool()
			if !ok {
				parseErr = errors.Errorf("%s is %v, want bool", KeyPatch, value.Kind())
			}
			patch = b
		default:
			expr, ok := value.String()
			if !ok {
				parseErr = errors.Errorf("template key %q is %v, want path string", key, value.Kind())
			}
			i.Template[key] = expr
		}
		return parseErr == nil
	})
	if parseErr != nil {
		return marionette.WithStack(parseErr)
	}
	if patch {
		t.Patch(i)
	} else {
		t.Set(i)
	}
	return nil
}

func parseConditions(value wire.Value) ([]Condition, error) {
	list, ok := value.List()
	if !ok {
		return nil, errors.Errorf("%s is %v, want list", KeyConditions, value.Kind())
	}
	result := make([]Condition, 0, len(list))
	for _, elem := range list {
		m, ok := elem.Map()
		if !ok {
			return nil, errors.Errorf("conditions are maps, not %v", elem.Kind())
		}
		cond := Condition{Op: OpExists}
		if pathVal, found := m.Get("path"); found {
			if expr, ok := pathVal.String(); ok {
				cond.Path = expr
			} else {
				return nil, errors.New("condition path must be a string")
			}
		} else {
			return nil, errors.New("conditions need a path")
		}
		if opVal, found := m.Get("op"); found {
			op, ok := opVal.String()
			if !ok {
				return nil, errors.New("condition op must be a string")
			}
			cond.Op = Op(op)
		}
		if val, found := m.Get("value"); found {
			cond.Value = val
		}
		result = append(result, cond)
	}
	return result, nil
}
