package path

import (
	"fmt"
	"reflect"

	"github.com/pkg/errors"
	"github.com/zond/marionette"
	"github.com/zond/marionette/convert"
	"github.com/zond/marionette/wire"
)

// Composite is implemented by nodes that expose named sub-objects, so
// component:T segments can select facets.
type Composite interface {
	Facet(tag string) (any, bool)
}

// ResolutionError reports the first segment of a path that failed to
// resolve.
type ResolutionError struct {
	Path    string
	Segment int
	Reason  string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolving %q: segment %d failed: %s", e.Path, e.Segment, e.Reason)
}

// AmbiguousCallError reports a method segment whose name matched more
// than one candidate.
type AmbiguousCallError struct {
	Path    string
	Segment int
	Name    string
}

func (e *AmbiguousCallError) Error() string {
	return fmt.Sprintf("resolving %q: segment %d: %q matches multiple members", e.Path, e.Segment, e.Name)
}

// IsFailure returns whether err is a plain resolution failure, the
// kind a conditional operation silently swallows.
func IsFailure(err error) bool {
	resErr := &ResolutionError{}
	ambErr := &AmbiguousCallError{}
	return errors.As(err, &resErr) || errors.As(err, &ambErr)
}

// Resolver walks paths against native object graphs, using the
// conversion registry for member descriptors and value coercion at
// every step boundary.
type Resolver struct {
	conv *convert.Registry
}

func NewResolver(conv *convert.Registry) *Resolver {
	return &Resolver{conv: conv}
}

// Read resolves expr against root and returns the terminal value. A
// terminal void method segment is invoked as a command and reads as
// null.
func (r *Resolver) Read(root any, expr string) (wire.Value, error) {
	segments, err := Parse(expr)
	if err != nil {
		return wire.Null, r.failure(expr, 0, err)
	}
	current, err := r.walk(root, expr, segments, len(segments))
	if err != nil {
		return wire.Null, marionette.WithStack(err)
	}
	if !current.IsValid() {
		// Void method command.
		return wire.Null, nil
	}
	res, err := r.conv.ToWire(current.Interface())
	if err != nil {
		return wire.Null, r.failure(expr, len(segments)-1, err)
	}
	return res, nil
}

// Write resolves all but the last segment of expr against root, then
// assigns value into the terminal location. Read and Write share the
// same traversal; only the terminal action differs.
func (r *Resolver) Write(root any, expr string, value wire.Value) error {
	segments, err := Parse(expr)
	if err != nil {
		return r.failure(expr, 0, err)
	}
	current, err := r.walk(root, expr, segments, len(segments)-1)
	if err != nil {
		return marionette.WithStack(err)
	}
	last := len(segments) - 1
	terminal := segments[last]
	switch terminal.Kind {
	case SegmentName:
		current = unwrapInterface(current)
		d, err := r.conv.Describe(current.Type())
		if err != nil {
			return r.failure(expr, last, err)
		}
		field, err := d.FieldNamed(terminal.Name)
		if err != nil {
			return r.memberFailure(expr, last, terminal.Name, err)
		}
		converted, err := r.conv.FromWire(value, field.Type)
		if err != nil {
			return r.failure(expr, last, err)
		}
		if err := field.Set(current, converted); err != nil {
			return r.failure(expr, last, err)
		}
		return nil
	case SegmentIndex:
		container, index, err := r.element(current, terminal, expr, last)
		if err != nil {
			return marionette.WithStack(err)
		}
		converted, err := r.conv.FromWire(value, container.Type().Elem())
		if err != nil {
			return r.failure(expr, last, err)
		}
		elem := container.Index(index)
		if !elem.CanSet() {
			return r.failure(expr, last, errors.Errorf("element %d of %v isn't settable", index, container.Type()))
		}
		elem.Set(converted)
		return nil
	case SegmentKey:
		container, key, err := r.keyed(current, terminal, expr, last)
		if err != nil {
			return marionette.WithStack(err)
		}
		converted, err := r.conv.FromWire(value, container.Type().Elem())
		if err != nil {
			return r.failure(expr, last, err)
		}
		// Missing keys are inserted on write.
		container.SetMapIndex(key, converted)
		return nil
	default:
		return r.failure(expr, last, errors.Errorf("%v segments aren't assignable", terminal.Kind))
	}
}

// walk resolves segments[0:upto] and returns the resulting node.
func (r *Resolver) walk(root any, expr string, segments []Segment, upto int) (reflect.Value, error) {
	if root == nil {
		return reflect.Value{}, r.failure(expr, 0, errors.New("nil root"))
	}
	current := reflect.ValueOf(root)
	for i := 0; i < upto; i++ {
		next, err := r.step(current, segments[i], i == len(segments)-1, expr, i)
		if err != nil {
			return reflect.Value{}, marionette.WithStack(err)
		}
		if !next.IsValid() {
			if i != len(segments)-1 {
				return reflect.Value{}, r.failure(expr, i, errors.New("void method mid-path"))
			}
			return reflect.Value{}, nil
		}
		current = next
	}
	return current, nil
}

func (r *Resolver) step(current reflect.Value, segment Segment, isLast bool, expr string, index int) (reflect.Value, error) {
	switch segment.Kind {
	case SegmentName:
		current = unwrapInterface(current)
		if !current.IsValid() {
			return reflect.Value{}, r.failure(expr, index, errors.New("nil node"))
		}
		d, err := r.conv.Describe(current.Type())
		if err != nil {
			return reflect.Value{}, r.failure(expr, index, err)
		}
		field, err := d.FieldNamed(segment.Name)
		if err != nil {
			return reflect.Value{}, r.memberFailure(expr, index, segment.Name, err)
		}
		res, err := field.Get(current)
		if err != nil {
			return reflect.Value{}, r.failure(expr, index, err)
		}
		return res, nil
	case SegmentIndex:
		container, at, err := r.element(current, segment, expr, index)
		if err != nil {
			return reflect.Value{}, marionette.WithStack(err)
		}
		return container.Index(at), nil
	case SegmentKey:
		container, key, err := r.keyed(current, segment, expr, index)
		if err != nil {
			return reflect.Value{}, marionette.WithStack(err)
		}
		res := container.MapIndex(key)
		if !res.IsValid() {
			return reflect.Value{}, r.failure(expr, index, errors.Errorf("no key %q", segment.Name))
		}
		return res, nil
	case SegmentComponent:
		current = unwrapInterface(current)
		if !current.IsValid() || !current.CanInterface() {
			return reflect.Value{}, r.failure(expr, index, errors.New("nil node"))
		}
		composite, ok := current.Interface().(Composite)
		if !ok {
			return reflect.Value{}, r.failure(expr, index, errors.Errorf("%v doesn't expose components", current.Type()))
		}
		facet, found := composite.Facet(segment.Name)
		if !found {
			return reflect.Value{}, r.failure(expr, index, errors.Errorf("no component %q", segment.Name))
		}
		return reflect.ValueOf(facet), nil
	case SegmentMethod:
		current = unwrapInterface(current)
		if !current.IsValid() {
			return reflect.Value{}, r.failure(expr, index, errors.New("nil node"))
		}
		d, err := r.conv.Describe(current.Type())
		if err != nil {
			return reflect.Value{}, r.failure(expr, index, err)
		}
		method, err := d.MethodNamed(segment.Name)
		if err != nil {
			return reflect.Value{}, r.memberFailure(expr, index, segment.Name, err)
		}
		if len(method.Params) != len(segment.Args) {
			return reflect.Value{}, r.failure(expr, index, errors.Errorf("%s takes %d arguments, got %d", segment.Name, len(method.Params), len(segment.Args)))
		}
		args := make([]reflect.Value, len(segment.Args))
		for i, arg := range segment.Args {
			converted, err := r.conv.FromWire(arg, method.Params[i])
			if err != nil {
				return reflect.Value{}, r.failure(expr, index, err)
			}
			args[i] = converted
		}
		if method.Returns == nil && !isLast {
			return reflect.Value{}, r.failure(expr, index, errors.Errorf("void method %s must be the last segment", segment.Name))
		}
		res, err := method.Invoke(current, args)
		if err != nil {
			return reflect.Value{}, r.failure(expr, index, err)
		}
		return res, nil
	}
	return reflect.Value{}, r.failure(expr, index, errors.Errorf("unknown segment kind %v", segment.Kind))
}

// element locates the ordered container and the effective index for an
// index segment, bounds-checked, with negative indices counting from
// the end.
func (r *Resolver) element(current reflect.Value, segment Segment, expr string, index int) (reflect.Value, int, error) {
	container := concrete(current)
	if !container.IsValid() {
		return reflect.Value{}, 0, r.failure(expr, index, errors.New("nil node"))
	}
	if container.Kind() != reflect.Slice && container.Kind() != reflect.Array {
		return reflect.Value{}, 0, r.failure(expr, index, errors.Errorf("%v isn't an ordered collection", container.Type()))
	}
	at := segment.Index
	if at < 0 {
		at += container.Len()
	}
	if at < 0 || at >= container.Len() {
		return reflect.Value{}, 0, r.failure(expr, index, errors.Errorf("index %d out of range (%d elements)", segment.Index, container.Len()))
	}
	return container, at, nil
}

// keyed locates the keyed container and the key value for a key
// segment.
func (r *Resolver) keyed(current reflect.Value, segment Segment, expr string, index int) (reflect.Value, reflect.Value, error) {
	container := concrete(current)
	if !container.IsValid() {
		return reflect.Value{}, reflect.Value{}, r.failure(expr, index, errors.New("nil node"))
	}
	if container.Kind() != reflect.Map || container.Type().Key().Kind() != reflect.String {
		return reflect.Value{}, reflect.Value{}, r.failure(expr, index, errors.Errorf("%v isn't a keyed collection", container.Type()))
	}
	key := reflect.ValueOf(segment.Name).Convert(container.Type().Key())
	return container, key, nil
}

func (r *Resolver) failure(expr string, segment int, err error) error {
	return marionette.WithStack(&ResolutionError{
		Path:    expr,
		Segment: segment,
		Reason:  err.Error(),
	})
}

func (r *Resolver) memberFailure(expr string, segment int, name string, err error) error {
	if errors.Is(err, convert.ErrAmbiguousName) {
		return marionette.WithStack(&AmbiguousCallError{
			Path:    expr,
			Segment: segment,
			Name:    name,
		})
	}
	return r.failure(expr, segment, err)
}

func unwrapInterface(val reflect.Value) reflect.Value {
	for val.IsValid() && val.Kind() == reflect.Interface {
		if val.IsNil() {
			return reflect.Value{}
		}
		val = val.Elem()
	}
	return val
}

// concrete unwraps interfaces and pointers down to the underlying
// collection value.
func concrete(val reflect.Value) reflect.Value {
	for val.IsValid() && (val.Kind() == reflect.Interface || val.Kind() == reflect.Pointer) {
		if val.IsNil() {
			return reflect.Value{}
		}
		val = val.Elem()
	}
	return val
}
