package convert

import (
	"reflect"
	"strings"

	"github.com/pkg/errors"
	"github.com/zond/marionette"
)

// Field describes one readable (and possibly writable) member of a
// native type, with accessor closures bound at descriptor build time.
// ReadOnly marks derived members (zero-argument accessors) that appear
// in serialized output but take no assignment.
type Field struct {
	Name     string
	Type     reflect.Type
	ReadOnly bool
	Get      func(recv reflect.Value) (reflect.Value, error)
	Set      func(recv reflect.Value, val reflect.Value) error
}

// Method describes one invokable member. Returns is nil for void
// methods. Invoke unwraps a trailing error return.
type Method struct {
	Name    string
	Params  []reflect.Type
	Returns reflect.Type
	Invoke  func(recv reflect.Value, args []reflect.Value) (reflect.Value, error)
}

// Descriptor is the per-type member table the path resolver dispatches
// on. Built once per type, either explicitly at registration or
// lazily by reflection for unregistered types.
type Descriptor struct {
	Type         reflect.Type
	fields       map[string]*Field
	fieldsLower  map[string][]string
	methods      map[string]*Method
	methodsLower map[string][]string
}

// ErrAmbiguousName is returned when a case-insensitive lookup matches
// more than one member.
var ErrAmbiguousName = errors.New("ambiguous member name")

// FieldNamed returns the field with the given name, trying the exact
// name first and falling back to a case-insensitive match. The
// fallback fails with ErrAmbiguousName when several members differ
// only in case.
func (d *Descriptor) FieldNamed(name string) (*Field, error) {
	if f, found := d.fields[name]; found {
		return f, nil
	}
	candidates := d.fieldsLower[strings.ToLower(name)]
	switch len(candidates) {
	case 0:
		return nil, errors.Errorf("%v has no member %q", d.Type, name)
	case 1:
		return d.fields[candidates[0]], nil
	default:
		return nil, marionette.WithStack(ErrAmbiguousName)
	}
}

// MethodNamed returns the method with the given name, with the same
// exact-then-case-insensitive lookup as FieldNamed.
func (d *Descriptor) MethodNamed(name string) (*Method, error) {
	if m, found := d.methods[name]; found {
		return m, nil
	}
	candidates := d.methodsLower[strings.ToLower(name)]
	switch len(candidates) {
	case 0:
		return nil, errors.Errorf("%v has no method %q", d.Type, name)
	case 1:
		return d.methods[candidates[0]], nil
	default:
		return nil, marionette.WithStack(ErrAmbiguousName)
	}
}

func (d *Descriptor) addField(f *Field) {
	d.fields[f.Name] = f
	lower := strings.ToLower(f.Name)
	d.fieldsLower[lower] = append(d.fieldsLower[lower], f.Name)
}

func (d *Descriptor) addMethod(m *Method) {
	d.methods[m.Name] = m
	lower := strings.ToLower(m.Name)
	d.methodsLower[lower] = append(d.methodsLower[lower], m.Name)
}

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// buildDescriptor constructs the member table for typ by reflection:
// exported struct fields become get/set fields, exported methods become
// invokers, and exported zero-argument methods with a single non-error
// return double as read-only fields.
func buildDescriptor(typ reflect.Type) (*Descriptor, error) {
	d := &Descriptor{
		Type:         typ,
		fields:       map[string]*Field{},
		fieldsLower:  map[string][]string{},
		methods:      map[string]*Method{},
		methodsLower: map[string][]string{},
	}
	structType := typ
	for structType.Kind() == reflect.Pointer {
		structType = structType.Elem()
	}
	if structType.Kind() == reflect.Struct {
		for i := 0; i < structType.NumField(); i++ {
			sf := structType.Field(i)
			if !sf.IsExported() {
				continue
			}
			index := sf.Index
			d.addField(&Field{
				Name: sf.Name,
				Type: sf.Type,
				Get: func(recv reflect.Value) (reflect.Value, error) {
					recv, err := deref(recv)
					if err != nil {
						return reflect.Value{}, marionette.WithStack(err)
					}
					return recv.FieldByIndex(index), nil
				},
				Set: func(recv reflect.Value, val reflect.Value) error {
					recv, err := deref(recv)
					if err != nil {
						return marionette.WithStack(err)
					}
					target := recv.FieldByIndex(index)
					if !target.CanSet() {
						return errors.Errorf("field %s of %v isn't settable", sf.Name, typ)
					}
					if !val.Type().AssignableTo(target.Type()) {
						if !val.Type().ConvertibleTo(target.Type()) {
							return errors.Errorf("can't assign %v to field %s of %v", val.Type(), sf.Name, typ)
						}
						val = val.Convert(target.Type())
					}
					target.Set(val)
					return nil
				},
			})
		}
	}
	// Methods are looked up on the pointer type so pointer-receiver
	// methods are included.
	methType := typ
	if methType.Kind() != reflect.Pointer && methType.Kind() == reflect.Struct {
		methType = reflect.PointerTo(typ)
	}
	for i := 0; i < methType.NumMethod(); i++ {
		rm := methType.Method(i)
		if !rm.IsExported() {
			continue
		}
		mt := rm.Func.Type()
		params := make([]reflect.Type, 0, mt.NumIn()-1)
		for in := 1; in < mt.NumIn(); in++ {
			params = append(params, mt.In(in))
		}
		var returns reflect.Type
		for out := 0; out < mt.NumOut(); out++ {
			if mt.Out(out) == errorType {
				continue
			}
			if returns != nil {
				// Multi-value returns can't continue a path walk.
				returns = nil
				break
			}
			returns = mt.Out(out)
		}
		fun := rm.Func
		name := rm.Name
		invoke := func(recv reflect.Value, args []reflect.Value) (reflect.Value, error) {
			if recv.Type() != methType {
				if recv.CanAddr() {
					recv = recv.Addr()
				} else if recv.Type().Kind() != reflect.Pointer && methType.Kind() == reflect.Pointer {
					ptr := reflect.New(recv.Type())
					ptr.Elem().Set(recv)
					recv = ptr
				}
			}
			results := fun.Call(append([]reflect.Value{recv}, args...))
			returned := reflect.Value{}
			for _, res := range results {
				if res.Type() == errorType {
					if !res.IsNil() {
						return reflect.Value{}, marionette.WithStack(res.Interface().(error))
					}
					continue
				}
				returned = res
			}
			return returned, nil
		}
		method := &Method{
			Name:    name,
			Params:  params,
			Returns: returns,
			Invoke:  invoke,
		}
		d.addMethod(method)
		// Zero-argument accessors read like fields.
		if len(params) == 0 && returns != nil {
			if _, taken := d.fields[name]; !taken {
				d.addField(&Field{
					Name:     name,
					Type:     returns,
					ReadOnly: true,
					Get: func(recv reflect.Value) (reflect.Value, error) {
						return invoke(recv, nil)
					},
					Set: func(recv reflect.Value, val reflect.Value) error {
						return errors.Errorf("%s of %v is an accessor, not assignable", name, typ)
					},
				})
			}
		}
	}
	return d, nil
}

func deref(val reflect.Value) (reflect.Value, error) {
	for val.Kind() == reflect.Pointer {
		if val.IsNil() {
			return reflect.Value{}, errors.Errorf("nil %v", val.Type())
		}
		val = val.Elem()
	}
	return val, nil
}
