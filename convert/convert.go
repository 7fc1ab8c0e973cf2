// Package convert maps native values to and from wire values. Types
// register descriptors up front; unregistered struct types fall back to
// a reflection-built descriptor, cached with a TTL so rarely-touched
// types don't pin memory.
package convert

import (
	"encoding/hex"
	"fmt"
	"math"
	"reflect"
	"sort"
	"sync"
	"time"

	cache "github.com/go-pkgz/expirable-cache/v3"
	"github.com/pkg/errors"
	"github.com/zond/marionette"
	"github.com/zond/marionette/wire"
)

const (
	fallbackDescriptorTTL = time.Hour
	fallbackDescriptorMax = 4096
)

// ConversionError reports a wire value that can't become the target
// type. It never carries a substitute value.
type ConversionError struct {
	Value  wire.Value
	Target reflect.Type
	Reason string
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("can't convert %s to %v: %s", e.Value.Render(), e.Target, e.Reason)
}

func conversionError(v wire.Value, target reflect.Type, reason string) error {
	return marionette.WithStack(&ConversionError{Value: v, Target: target, Reason: reason})
}

type enumSpec struct {
	typ      reflect.Type
	toName   map[uint64]string
	fromName map[string]uint64
	ordered  []uint64
	bitmask  bool
}

type scalarSpec struct {
	toWire   func(val reflect.Value) (wire.Value, error)
	fromWire func(v wire.Value, target reflect.Type) (reflect.Value, error)
}

// Registry holds per-type conversion rules. Safe for concurrent use.
type Registry struct {
	mutex       sync.RWMutex
	descriptors map[reflect.Type]*Descriptor
	enums       map[reflect.Type]*enumSpec
	scalars     map[reflect.Type]*scalarSpec
	fallback    cache.Cache[reflect.Type, *Descriptor]
	handle      func(native any) (string, bool)
}

func NewRegistry() *Registry {
	return &Registry{
		descriptors: map[reflect.Type]*Descriptor{},
		enums:       map[reflect.Type]*enumSpec{},
		scalars:     map[reflect.Type]*scalarSpec{},
		fallback: cache.NewCache[reflect.Type, *Descriptor]().
			WithTTL(fallbackDescriptorTTL).
			WithMaxKeys(fallbackDescriptorMax),
	}
}

// SetHandleFunc installs the function used to replace already-visited
// references with identifier handles when serializing graphs that may
// contain cycles.
func (r *Registry) SetHandleFunc(f func(native any) (string, bool)) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.handle = f
}

// RegisterType builds and stores the descriptor for the type of
// example. Registration is by type identity; re-registering replaces.
func (r *Registry) RegisterType(example any) (*Descriptor, error) {
	typ := reflect.TypeOf(example)
	if typ == nil {
		return nil, errors.New("can't register the type of nil")
	}
	d, err := buildDescriptor(typ)
	if err != nil {
		return nil, marionette.WithStack(err)
	}
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.descriptors[typ] = d
	return d, nil
}

// RegisterScalar installs direct two-way mapping functions for T.
func RegisterScalar[T any](r *Registry, toWire func(T) (wire.Value, error), fromWire func(wire.Value) (T, error)) {
	typ := reflect.TypeOf(*new(T))
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.scalars[typ] = &scalarSpec{
		toWire: func(val reflect.Value) (wire.Value, error) {
			return toWire(val.Interface().(T))
		},
		fromWire: func(v wire.Value, target reflect.Type) (reflect.Value, error) {
			res, err := fromWire(v)
			if err != nil {
				return reflect.Value{}, marionette.WithStack(err)
			}
			return reflect.ValueOf(res), nil
		},
	}
}

// IntLike covers the integer kinds enumeration types are defined over.
type IntLike interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 | ~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64
}

// RegisterEnum maps the values of T to symbolic names on the wire.
func RegisterEnum[T IntLike](r *Registry, names map[string]T) {
	registerEnum(r, names, false)
}

// RegisterBitmask is RegisterEnum for flag sets: composite values
// round-trip as lists of names combined with bitwise OR.
func RegisterBitmask[T IntLike](r *Registry, names map[string]T) {
	registerEnum(r, names, true)
}

func registerEnum[T IntLike](r *Registry, names map[string]T, bitmask bool) {
	spec := &enumSpec{
		typ:      reflect.TypeOf(*new(T)),
		toName:   map[uint64]string{},
		fromName: map[string]uint64{},
		bitmask:  bitmask,
	}
	for name, value := range names {
		num := toUint64(reflect.ValueOf(value))
		spec.toName[num] = name
		spec.fromName[name] = num
		spec.ordered = append(spec.ordered, num)
	}
	sort.Slice(spec.ordered, func(i, j int) bool {
		return spec.ordered[i] < spec.ordered[j]
	})
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.enums[spec.typ] = spec
}

func toUint64(val reflect.Value) uint64 {
	switch val.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return uint64(val.Int())
	default:
		return val.Uint()
	}
}

// Describe returns the descriptor for typ, building and caching one by
// reflection if the type was never registered.
func (r *Registry) Describe(typ reflect.Type) (*Descriptor, error) {
	r.mutex.RLock()
	d, found := r.descriptors[typ]
	r.mutex.RUnlock()
	if found {
		return d, nil
	}
	if d, found := r.fallback.Get(typ); found {
		return d, nil
	}
	d, err := buildDescriptor(typ)
	if err != nil {
		return nil, marionette.WithStack(err)
	}
	r.fallback.Set(typ, d, 0)
	return d, nil
}

func (r *Registry) enumFor(typ reflect.Type) (*enumSpec, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	spec, found := r.enums[typ]
	return spec, found
}

func (r *Registry) scalarFor(typ reflect.Type) (*scalarSpec, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	spec, found := r.scalars[typ]
	return spec, found
}

func (r *Registry) handleFor(native any) (string, bool) {
	r.mutex.RLock()
	handle := r.handle
	r.mutex.RUnlock()
	if handle == nil {
		return "", false
	}
	return handle(native)
}

var (
	wireValueType = reflect.TypeOf(wire.Value{})
	bytesType     = reflect.TypeOf([]byte{})
	anyType       = reflect.TypeOf((*any)(nil)).Elem()
)

// ToWire converts a native value to its wire representation. Reference
// cycles become identifier handles (or null when the value has no
// handle) instead of unbounded recursion.
func (r *Registry) ToWire(native any) (wire.Value, error) {
	if native == nil {
		return wire.Null, nil
	}
	if v, ok := native.(wire.Value); ok {
		return v, nil
	}
	return r.toWire(reflect.ValueOf(native), map[uintptr]bool{})
}

func (r *Registry) toWire(val reflect.Value, visited map[uintptr]bool) (wire.Value, error) {
	typ := val.Type()
	if typ == wireValueType {
		return val.Interface().(wire.Value), nil
	}
	if spec, found := r.enumFor(typ); found {
		return spec.encode(val)
	}
	if spec, found := r.scalarFor(typ); found {
		return spec.toWire(val)
	}
	switch val.Kind() {
	case reflect.Bool:
		return wire.Bool(val.Bool()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return wire.Number(float64(val.Int())), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return wire.Number(float64(val.Uint())), nil
	case reflect.Float32, reflect.Float64:
		return wire.Number(val.Float()), nil
	case reflect.String:
		return wire.String(val.String()), nil
	case reflect.Interface:
		if val.IsNil() {
			return wire.Null, nil
		}
		return r.toWire(val.Elem(), visited)
	case reflect.Pointer:
		if val.IsNil() {
			return wire.Null, nil
		}
		ptr := val.Pointer()
		if visited[ptr] {
			return r.cycleHandle(val.Interface()), nil
		}
		visited[ptr] = true
		defer delete(visited, ptr)
		return r.toWire(val.Elem(), visited)
	case reflect.Slice, reflect.Array:
		if typ.ConvertibleTo(bytesType) && typ.Elem().Kind() == reflect.Uint8 {
			return wire.String(hex.EncodeToString(val.Convert(bytesType).Interface().([]byte))), nil
		}
		if val.Kind() == reflect.Slice {
			if val.IsNil() {
				return wire.Null, nil
			}
			ptr := val.Pointer()
			if visited[ptr] {
				return r.cycleHandle(val.Interface()), nil
			}
			visited[ptr] = true
			defer delete(visited, ptr)
		}
		elems := make([]wire.Value, val.Len())
		for i := 0; i < val.Len(); i++ {
			elem, err := r.toWire(val.Index(i), visited)
			if err != nil {
				return wire.Null, marionette.WithStack(err)
			}
			elems[i] = elem
		}
		return wire.List(elems...), nil
	case reflect.Map:
		if val.IsNil() {
			return wire.Null, nil
		}
		if typ.Key().Kind() != reflect.String {
			return wire.Null, errors.Errorf("can't serialize map with %v keys", typ.Key())
		}
		ptr := val.Pointer()
		if visited[ptr] {
			return r.cycleHandle(val.Interface()), nil
		}
		visited[ptr] = true
		defer delete(visited, ptr)
		keys := make([]string, 0, val.Len())
		for _, key := range val.MapKeys() {
			keys = append(keys, key.String())
		}
		sort.Strings(keys)
		m := wire.NewMap()
		for _, key := range keys {
			elem, err := r.toWire(val.MapIndex(reflect.ValueOf(key).Convert(typ.Key())), visited)
			if err != nil {
				return wire.Null, marionette.WithStack(err)
			}
			m.Set(key, elem)
		}
		return wire.MapValue(m), nil
	case reflect.Struct:
		d, err := r.Describe(typ)
		if err != nil {
			return wire.Null, marionette.WithStack(err)
		}
		m := wire.NewMap()
		names := make([]string, 0, len(d.fields))
		for name := range d.fields {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			field := d.fields[name]
			fieldVal, err := field.Get(val)
			if err != nil {
				return wire.Null, marionette.WithStack(err)
			}
			elem, err := r.toWire(fieldVal, visited)
			if err != nil {
				return wire.Null, marionette.WithStack(err)
			}
			m.Set(name, elem)
		}
		return wire.MapValue(m), nil
	}
	return wire.Null, errors.Errorf("can't serialize a %v", typ)
}

func (r *Registry) cycleHandle(native any) wire.Value {
	if id, found := r.handleFor(native); found {
		return wire.String(id)
	}
	return wire.Null
}

func (spec *enumSpec) encode(val reflect.Value) (wire.Value, error) {
	num := toUint64(val)
	if name, found := spec.toName[num]; found {
		return wire.String(name), nil
	}
	if spec.bitmask {
		names := []wire.Value{}
		remaining := num
		for _, bit := range spec.ordered {
			if bit != 0 && remaining&bit == bit {
				names = append(names, wire.String(spec.toName[bit]))
				remaining &^= bit
			}
		}
		if remaining == 0 {
			return wire.List(names...), nil
		}
	}
	return wire.Null, errors.Errorf("no name registered for %v value %d", spec.typ, num)
}

func (spec *enumSpec) decode(v wire.Value, target reflect.Type) (reflect.Value, error) {
	if name, ok := v.String(); ok {
		num, found := spec.fromName[name]
		if !found {
			return reflect.Value{}, conversionError(v, target, "unknown name")
		}
		return uintToValue(num, target), nil
	}
	if list, ok := v.List(); ok && spec.bitmask {
		combined := uint64(0)
		for _, elem := range list {
			name, ok := elem.String()
			if !ok {
				return reflect.Value{}, conversionError(v, target, "bitmask lists contain names")
			}
			num, found := spec.fromName[name]
			if !found {
				return reflect.Value{}, conversionError(v, target, "unknown name "+name)
			}
			combined |= num
		}
		return uintToValue(combined, target), nil
	}
	return reflect.Value{}, conversionError(v, target, "enumerations are encoded as names")
}

func uintToValue(num uint64, target reflect.Type) reflect.Value {
	res := reflect.New(target).Elem()
	switch target.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		res.SetInt(int64(num))
	default:
		res.SetUint(num)
	}
	return res
}

// FromWire converts a wire value to an instance of the target type. A
// value that doesn't fit yields a ConversionError, never a default.
func (r *Registry) FromWire(v wire.Value, target reflect.Type) (reflect.Value, error) {
	if target == wireValueType {
		return reflect.ValueOf(v), nil
	}
	if spec, found := r.enumFor(target); found {
		return spec.decode(v, target)
	}
	if spec, found := r.scalarFor(target); found {
		return spec.fromWire(v, target)
	}
	switch target.Kind() {
	case reflect.Pointer:
		if v.IsNull() {
			return reflect.Zero(target), nil
		}
		elem, err := r.FromWire(v, target.Elem())
		if err != nil {
			return reflect.Value{}, marionette.WithStack(err)
		}
		res := reflect.New(target.Elem())
		res.Elem().Set(elem)
		return res, nil
	case reflect.Bool:
		if b, ok := v.Bool(); ok {
			return reflect.ValueOf(b).Convert(target), nil
		}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if f, ok := v.Number(); ok {
			if f != math.Trunc(f) {
				return reflect.Value{}, conversionError(v, target, "not an integral number")
			}
			res := reflect.New(target).Elem()
			res.SetInt(int64(f))
			return res, nil
		}
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if f, ok := v.Number(); ok && f >= 0 {
			if f != math.Trunc(f) {
				return reflect.Value{}, conversionError(v, target, "not an integral number")
			}
			res := reflect.New(target).Elem()
			res.SetUint(uint64(f))
			return res, nil
		}
	case reflect.Float32, reflect.Float64:
		if f, ok := v.Number(); ok {
			res := reflect.New(target).Elem()
			res.SetFloat(f)
			return res, nil
		}
	case reflect.String:
		if s, ok := v.String(); ok {
			return reflect.ValueOf(s).Convert(target), nil
		}
	case reflect.Slice:
		if v.IsNull() {
			return reflect.Zero(target), nil
		}
		if target == bytesType || (target.ConvertibleTo(bytesType) && target.Elem().Kind() == reflect.Uint8) {
			if s, ok := v.String(); ok {
				b, err := hex.DecodeString(s)
				if err != nil {
					return reflect.Value{}, conversionError(v, target, "byte slices are encoded as hex strings")
				}
				return reflect.ValueOf(b).Convert(target), nil
			}
		}
		if list, ok := v.List(); ok {
			res := reflect.MakeSlice(target, len(list), len(list))
			for i, elem := range list {
				converted, err := r.FromWire(elem, target.Elem())
				if err != nil {
					return reflect.Value{}, marionette.WithStack(err)
				}
				res.Index(i).Set(converted)
			}
			return res, nil
		}
	case reflect.Map:
		if v.IsNull() {
			return reflect.Zero(target), nil
		}
		if target.Key().Kind() != reflect.String {
			return reflect.Value{}, conversionError(v, target, "only string-keyed maps are supported")
		}
		if m, ok := v.Map(); ok {
			res := reflect.MakeMapWithSize(target, m.Len())
			var convErr error
			m.Each(func(key string, value wire.Value) bool {
				converted, err := r.FromWire(value, target.Elem())
				if err != nil {
					convErr = marionette.WithStack(err)
					return false
				}
				res.SetMapIndex(reflect.ValueOf(key).Convert(target.Key()), converted)
				return true
			})
			if convErr != nil {
				return reflect.Value{}, convErr
			}
			return res, nil
		}
	case reflect.Struct:
		if m, ok := v.Map(); ok {
			d, err := r.Describe(target)
			if err != nil {
				return reflect.Value{}, marionette.WithStack(err)
			}
			res := reflect.New(target).Elem()
			var convErr error
			m.Each(func(key string, value wire.Value) bool {
				field, err := d.FieldNamed(key)
				if err != nil {
					convErr = conversionError(v, target, "no member named "+key)
					return false
				}
				// Accessor-derived members appear in serialized
				// structs but take no assignment.
				if field.ReadOnly {
					return true
				}
				converted, err := r.FromWire(value, field.Type)
				if err != nil {
					convErr = marionette.WithStack(err)
					return false
				}
				if err := field.Set(res, converted); err != nil {
					convErr = marionette.WithStack(err)
					return false
				}
				return true
			})
			if convErr != nil {
				return reflect.Value{}, convErr
			}
			return res, nil
		}
	case reflect.Interface:
		if target == anyType {
			res := r.generic(v)
			if res == nil {
				return reflect.Zero(anyType), nil
			}
			return reflect.ValueOf(res), nil
		}
	}
	return reflect.Value{}, conversionError(v, target, "no conversion for "+v.Kind().String())
}

// generic unpacks a wire value into untyped Go values, for any-typed
// targets.
func (r *Registry) generic(v wire.Value) any {
	switch v.Kind() {
	case wire.KindNull:
		return nil
	case wire.KindBool:
		b, _ := v.Bool()
		return b
	case wire.KindNumber:
		f, _ := v.Number()
		return f
	case wire.KindString:
		s, _ := v.String()
		return s
	case wire.KindList:
		list, _ := v.List()
		res := make([]any, len(list))
		for i, elem := range list {
			res[i] = r.generic(elem)
		}
		return res
	case wire.KindMap:
		m, _ := v.Map()
		res := map[string]any{}
		m.Each(func(key string, value wire.Value) bool {
			res[key] = r.generic(value)
			return true
		})
		return res
	}
	return nil
}
