package registry

import (
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
)

type thing struct {
	Name string
}

func TestRegisterLookupUnregister(t *testing.T) {
	r := New()
	a := &thing{Name: "a"}
	if err := r.Register("a", a); err != nil {
		t.Fatal(err)
	}
	got, err := r.Lookup("a")
	if err != nil {
		t.Fatal(err)
	}
	if got != any(a) {
		t.Errorf("Lookup returned %v, want %v", got, a)
	}
	if !r.Has("a") || r.Len() != 1 {
		t.Errorf("Has/Len = %v/%v", r.Has("a"), r.Len())
	}
	r.Unregister("a")
	if _, err := r.Lookup("a"); err == nil {
		t.Error("Lookup succeeded after Unregister")
	} else {
		notFound := &NotFoundError{}
		if !errors.As(err, &notFound) || notFound.ID != "a" {
			t.Errorf("got %v, want NotFoundError for a", err)
		}
	}
	// Unregistering again is a no-op.
	r.Unregister("a")
}

func TestDuplicateRegistration(t *testing.T) {
	r := New()
	if err := r.Register("a", &thing{Name: "first"}); err != nil {
		t.Fatal(err)
	}
	err := r.Register("a", &thing{Name: "second"})
	if err == nil {
		t.Fatal("rebinding a live id succeeded")
	}
	dup := &DuplicateIDError{}
	if !errors.As(err, &dup) || dup.ID != "a" {
		t.Errorf("got %v, want DuplicateIDError for a", err)
	}
	// The original binding survives.
	got, err := r.Lookup("a")
	if err != nil {
		t.Fatal(err)
	}
	if got.(*thing).Name != "first" {
		t.Errorf("binding was replaced with %v", got)
	}
}

func TestObservers(t *testing.T) {
	r := New()
	created := []string{}
	destroyed := []string{}
	r.OnCreated(func(id string) {
		created = append(created, id)
	})
	r.OnDestroyed(func(id string) {
		destroyed = append(destroyed, id)
	})
	if err := r.Register("a", &thing{}); err != nil {
		t.Fatal(err)
	}
	if err := r.Register("b", &thing{}); err != nil {
		t.Fatal(err)
	}
	r.Unregister("a")
	// Failed registrations and no-op unregistrations stay silent.
	if err := r.Register("b", &thing{}); err == nil {
		t.Fatal("duplicate registration succeeded")
	}
	r.Unregister("missing")
	if diff := cmp.Diff([]string{"a", "b"}, created); diff != "" {
		t.Errorf("created mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"a"}, destroyed); diff != "" {
		t.Errorf("destroyed mismatch (-want +got):\n%s", diff)
	}
}

func TestIDOf(t *testing.T) {
	r := New()
	a := &thing{Name: "a"}
	b := &thing{Name: "b"}
	if err := r.Register("a", a); err != nil {
		t.Fatal(err)
	}
	if id, found := r.IDOf(a); !found || id != "a" {
		t.Errorf("IDOf(a) = %q, %v", id, found)
	}
	if _, found := r.IDOf(b); found {
		t.Error("IDOf found an unregistered object")
	}
	// Uncomparable values don't panic the scan.
	if err := r.Register("f", map[string]int{}); err != nil {
		t.Fatal(err)
	}
	if _, found := r.IDOf(a); !found {
		t.Error("IDOf lost a after an uncomparable registration")
	}
}

func TestIDs(t *testing.T) {
	r := New()
	for _, id := range []string{"c", "a", "b"} {
		if err := r.Register(id, &thing{Name: id}); err != nil {
			t.Fatal(err)
		}
	}
	got := r.IDs()
	sort.Strings(got)
	if diff := cmp.Diff([]string{"a", "b", "c"}, got); diff != "" {
		t.Errorf("IDs mismatch (-want +got):\n%s", diff)
	}
}

func TestNextObjectID(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 1000; i++ {
		id, err := NextObjectID()
		if err != nil {
			t.Fatal(err)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestObserverOrderUnderContention(t *testing.T) {
	r := New()
	mutex := &sync.Mutex{}
	events := []string{}
	r.OnCreated(func(id string) {
		mutex.Lock()
		defer mutex.Unlock()
		events = append(events, "created")
	})
	r.OnDestroyed(func(id string) {
		mutex.Lock()
		defer mutex.Unlock()
		events = append(events, "destroyed")
	})
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
				r.Unregister("contended")
			}
		}
	}()
	for i := 0; i < 100; i++ {
		for r.Register("contended", &thing{}) != nil {
		}
	}
	close(stop)
	<-done
	r.Unregister("contended")
	// Same-id operations hold the per-id lock through their observer
	// callbacks, so the event log strictly alternates.
	for i, event := range events {
		want := "created"
		if i%2 == 1 {
			want = "destroyed"
		}
		if event != want {
			t.Fatalf("event %d = %q, want %q (log %v)", i, event, want, events)
		}
	}
	if len(events) != 200 {
		t.Errorf("logged %d events, want 200", len(events))
	}
}

func TestConcurrentUse(t *testing.T) {
	r := New()
	wg := &sync.WaitGroup{}
	for worker := 0; worker < 8; worker++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				id := fmt.Sprintf("%d-%d", worker, i)
				if err := r.Register(id, &thing{Name: id}); err != nil {
					t.Error(err)
					return
				}
				if _, err := r.Lookup(id); err != nil {
					t.Error(err)
					return
				}
				r.Unregister(id)
			}
		}(worker)
	}
	wg.Wait()
	if r.Len() != 0 {
		t.Errorf("Len = %d after all workers unregistered", r.Len())
	}
}
