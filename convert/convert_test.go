package convert

import (
	"log"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/bxcodec/faker/v4"
	"github.com/bxcodec/faker/v4/pkg/options"
	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/zond/marionette/wire"
)

type fakePosition struct {
	X float64
	Y float64
}

type fakeActor struct {
	Name     string
	Health   int32
	Ratio    float64
	Alive    bool
	Tags     []string
	Skills   map[string]float64
	Position fakePosition
	Home     *fakePosition
}

var fakeActors []fakeActor

func init() {
	for i := 0; i < 4; i++ {
		actor := fakeActor{}
		if err := faker.FakeData(&actor, options.WithRandomMapAndSliceMaxSize(6)); err != nil {
			log.Panic(err)
		}
		fakeActors = append(fakeActors, actor)
	}
}

func TestStructRoundTrip(t *testing.T) {
	r := NewRegistry()
	for _, actor := range fakeActors {
		v, err := r.ToWire(actor)
		if err != nil {
			t.Fatal(err)
		}
		back, err := r.FromWire(v, reflect.TypeOf(fakeActor{}))
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(actor, back.Interface().(fakeActor)); diff != "" {
			t.Errorf("round trip mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestFromWireNeverSubstitutes(t *testing.T) {
	r := NewRegistry()
	for _, tc := range []struct {
		name   string
		val    wire.Value
		target reflect.Type
	}{
		{"stringToInt", wire.String("5"), reflect.TypeOf(int(0))},
		{"numberToBool", wire.Number(1), reflect.TypeOf(false)},
		{"negativeToUint", wire.Number(-1), reflect.TypeOf(uint(0))},
		{"fractionToInt", wire.Number(2.5), reflect.TypeOf(int(0))},
		{"fractionToUint", wire.Number(2.5), reflect.TypeOf(uint(0))},
		{"listToStruct", wire.List(), reflect.TypeOf(fakeActor{})},
		{"unknownField", wire.MapValue(wire.NewMap().Set("Bogus", wire.Int(1))), reflect.TypeOf(fakeActor{})},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := r.FromWire(tc.val, tc.target); err == nil {
				t.Errorf("converting %s to %v succeeded, wanted a ConversionError", tc.val.Render(), tc.target)
			} else {
				convErr := &ConversionError{}
				if !errors.As(err, &convErr) {
					t.Errorf("got %v, wanted a ConversionError", err)
				}
			}
		})
	}
}

type odometer struct {
	Count int
}

func (o *odometer) Doubled() int {
	return o.Count * 2
}

func TestAccessorRoundTrip(t *testing.T) {
	r := NewRegistry()
	v, err := r.ToWire(odometer{Count: 21})
	if err != nil {
		t.Fatal(err)
	}
	m, ok := v.Map()
	if !ok {
		t.Fatalf("serialized as %s", v.Render())
	}
	if doubled, _ := m.Get("Doubled"); !doubled.Equal(wire.Number(42)) {
		t.Errorf("Doubled = %s", doubled.Render())
	}
	back, err := r.FromWire(v, reflect.TypeOf(odometer{}))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(odometer{Count: 21}, back.Interface().(odometer)); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
	// Explicitly assigning an accessor member still fails.
	d, err := r.Describe(reflect.TypeOf(&odometer{}))
	if err != nil {
		t.Fatal(err)
	}
	field, err := d.FieldNamed("Doubled")
	if err != nil {
		t.Fatal(err)
	}
	if !field.ReadOnly {
		t.Error("accessor member isn't marked read-only")
	}
	if err := field.Set(reflect.ValueOf(&odometer{}), reflect.ValueOf(1)); err == nil {
		t.Error("assigning an accessor succeeded")
	}
}

func TestScalarRegistration(t *testing.T) {
	r := NewRegistry()
	RegisterScalar(r, func(at time.Time) (wire.Value, error) {
		return wire.String(at.UTC().Format(time.RFC3339Nano)), nil
	}, func(v wire.Value) (time.Time, error) {
		s, ok := v.String()
		if !ok {
			return time.Time{}, errors.Errorf("timestamps are strings, got %s", v.Render())
		}
		return time.Parse(time.RFC3339Nano, s)
	})
	at := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)
	v, err := r.ToWire(at)
	if err != nil {
		t.Fatal(err)
	}
	if s, _ := v.String(); s != "2024-03-01T12:30:00Z" {
		t.Errorf("got %q", s)
	}
	back, err := r.FromWire(v, reflect.TypeOf(time.Time{}))
	if err != nil {
		t.Fatal(err)
	}
	if !back.Interface().(time.Time).Equal(at) {
		t.Errorf("got %v, want %v", back.Interface(), at)
	}
}

type direction uint8

const (
	north direction = iota
	south
	east
	west
)

func TestEnumRoundTrip(t *testing.T) {
	r := NewRegistry()
	RegisterEnum(r, map[string]direction{
		"north": north,
		"south": south,
		"east":  east,
		"west":  west,
	})
	v, err := r.ToWire(east)
	if err != nil {
		t.Fatal(err)
	}
	if !v.Equal(wire.String("east")) {
		t.Errorf("got %s, want east", v.Render())
	}
	back, err := r.FromWire(wire.String("west"), reflect.TypeOf(north))
	if err != nil {
		t.Fatal(err)
	}
	if back.Interface().(direction) != west {
		t.Errorf("got %v, want %v", back.Interface(), west)
	}
	if _, err := r.FromWire(wire.String("up"), reflect.TypeOf(north)); err == nil {
		t.Error("unknown name converted, wanted an error")
	}
	if _, err := r.FromWire(wire.Number(2), reflect.TypeOf(north)); err == nil {
		t.Error("raw number converted, wanted an error")
	}
}

type ability uint32

const (
	flying ability = 1 << iota
	swimming
	digging
)

func TestBitmaskRoundTrip(t *testing.T) {
	r := NewRegistry()
	RegisterBitmask(r, map[string]ability{
		"flying":   flying,
		"swimming": swimming,
		"digging":  digging,
	})
	v, err := r.ToWire(flying | digging)
	if err != nil {
		t.Fatal(err)
	}
	list, ok := v.List()
	if !ok || len(list) != 2 {
		t.Fatalf("got %s, want a two-element list", v.Render())
	}
	back, err := r.FromWire(v, reflect.TypeOf(flying))
	if err != nil {
		t.Fatal(err)
	}
	if back.Interface().(ability) != flying|digging {
		t.Errorf("got %v, want %v", back.Interface(), flying|digging)
	}
	// Single flags read back from their plain name.
	back, err = r.FromWire(wire.String("swimming"), reflect.TypeOf(flying))
	if err != nil {
		t.Fatal(err)
	}
	if back.Interface().(ability) != swimming {
		t.Errorf("got %v, want %v", back.Interface(), swimming)
	}
}

type linked struct {
	Name string
	Next *linked
}

func TestCycleBecomesHandle(t *testing.T) {
	r := NewRegistry()
	r.SetHandleFunc(func(native any) (string, bool) {
		if l, ok := native.(*linked); ok && l.Name == "a" {
			return "obj-a", true
		}
		return "", false
	})
	a := &linked{Name: "a"}
	b := &linked{Name: "b", Next: a}
	a.Next = b
	v, err := r.ToWire(a)
	if err != nil {
		t.Fatal(err)
	}
	m, _ := v.Map()
	next, _ := m.Get("Next")
	nextMap, ok := next.Map()
	if !ok {
		t.Fatalf("Next = %s", next.Render())
	}
	handle, _ := nextMap.Get("Next")
	if !handle.Equal(wire.String("obj-a")) {
		t.Errorf("cycle serialized as %s, want the handle", handle.Render())
	}
}

func TestCycleWithoutHandleIsNull(t *testing.T) {
	r := NewRegistry()
	a := &linked{Name: "a"}
	a.Next = a
	v, err := r.ToWire(a)
	if err != nil {
		t.Fatal(err)
	}
	m, _ := v.Map()
	next, _ := m.Get("Next")
	if !next.IsNull() {
		t.Errorf("cycle without a handle serialized as %s, want null", next.Render())
	}
}

func TestBytesAsHex(t *testing.T) {
	r := NewRegistry()
	v, err := r.ToWire([]byte{0xde, 0xad})
	if err != nil {
		t.Fatal(err)
	}
	if !v.Equal(wire.String("dead")) {
		t.Errorf("got %s", v.Render())
	}
	back, err := r.FromWire(v, reflect.TypeOf([]byte{}))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]byte{0xde, 0xad}, back.Interface().([]byte)); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

type casedMembers struct {
	Value  int
	VALUE  int
	Single string
}

func TestCaseInsensitiveLookup(t *testing.T) {
	d, err := buildDescriptor(reflect.TypeOf(casedMembers{}))
	if err != nil {
		t.Fatal(err)
	}
	if f, err := d.FieldNamed("Single"); err != nil || f.Name != "Single" {
		t.Errorf("exact lookup gave %v, %v", f, err)
	}
	if f, err := d.FieldNamed("single"); err != nil || f.Name != "Single" {
		t.Errorf("case-insensitive lookup gave %v, %v", f, err)
	}
	if f, err := d.FieldNamed("Value"); err != nil || f.Name != "Value" {
		t.Errorf("exact lookup among clashing names gave %v, %v", f, err)
	}
	if _, err := d.FieldNamed("value"); !errors.Is(err, ErrAmbiguousName) {
		t.Errorf("got %v, want ErrAmbiguousName", err)
	}
	if _, err := d.FieldNamed("missing"); err == nil || errors.Is(err, ErrAmbiguousName) {
		t.Errorf("got %v, want a plain lookup error", err)
	}
}

type accessorHost struct {
	Stored int
}

func (h *accessorHost) Doubled() int {
	return h.Stored * 2
}

func (h *accessorHost) Fail() (int, error) {
	return 0, errors.New("boom")
}

func (h *accessorHost) Add(a, b int) int {
	return a + b
}

func TestDescriptorMethods(t *testing.T) {
	d, err := buildDescriptor(reflect.TypeOf(&accessorHost{}))
	if err != nil {
		t.Fatal(err)
	}
	host := &accessorHost{Stored: 21}
	recv := reflect.ValueOf(host)

	m, err := d.MethodNamed("Add")
	if err != nil {
		t.Fatal(err)
	}
	if len(m.Params) != 2 {
		t.Fatalf("Add has %d params", len(m.Params))
	}
	res, err := m.Invoke(recv, []reflect.Value{reflect.ValueOf(1), reflect.ValueOf(2)})
	if err != nil {
		t.Fatal(err)
	}
	if res.Int() != 3 {
		t.Errorf("Add(1, 2) = %d", res.Int())
	}

	// Zero-argument accessors read like fields.
	f, err := d.FieldNamed("Doubled")
	if err != nil {
		t.Fatal(err)
	}
	got, err := f.Get(recv)
	if err != nil {
		t.Fatal(err)
	}
	if got.Int() != 42 {
		t.Errorf("Doubled = %d", got.Int())
	}
	if err := f.Set(recv, reflect.ValueOf(1)); err == nil {
		t.Error("assigning an accessor succeeded")
	}

	fail, err := d.MethodNamed("Fail")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fail.Invoke(recv, nil); err == nil || !strings.Contains(err.Error(), "boom") {
		t.Errorf("got %v, want the method error", err)
	}
}

func TestGenericTarget(t *testing.T) {
	r := NewRegistry()
	v := wire.MapValue(wire.NewMap().
		Set("n", wire.Number(1.5)).
		Set("s", wire.String("x")).
		Set("l", wire.List(wire.Bool(true), wire.Null)))
	anyTarget := reflect.TypeOf((*any)(nil)).Elem()
	res, err := r.FromWire(v, anyTarget)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]any{
		"n": 1.5,
		"s": "x",
		"l": []any{true, nil},
	}
	if diff := cmp.Diff(want, res.Interface()); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
	null, err := r.FromWire(wire.Null, anyTarget)
	if err != nil {
		t.Fatal(err)
	}
	if null.Interface() != nil {
		t.Errorf("null became %v", null.Interface())
	}
}
