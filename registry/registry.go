// Package registry maps opaque identifier strings to live engine
// objects. It owns the mapping, not the objects.
package registry

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"reflect"
	"sync"

	"github.com/zond/marionette"
)

var (
	lastObjectCounter uint64 = 0
	encoding                 = base64.StdEncoding.WithPadding(base64.NoPadding)
)

const (
	objectIDLen = 16
)

// NextObjectID returns a fresh session-unique identifier: a
// monotonically increasing counter prefix with a random suffix,
// base64-encoded.
func NextObjectID() (string, error) {
	objectCounter := marionette.Increment(&lastObjectCounter)
	counterSize := binary.Size(objectCounter)
	result := make([]byte, objectIDLen)
	binary.BigEndian.PutUint64(result, objectCounter)
	if _, err := rand.Read(result[counterSize:]); err != nil {
		return "", marionette.WithStack(err)
	}
	return encoding.EncodeToString(result), nil
}

// DuplicateIDError is returned when registering an identifier that is
// already bound. Callers unregister explicitly before rebinding.
type DuplicateIDError struct {
	ID string
}

func (e *DuplicateIDError) Error() string {
	return fmt.Sprintf("identifier %q is already registered", e.ID)
}

// NotFoundError is returned when looking up an identifier with no
// binding.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no object registered as %q", e.ID)
}

// Registry is the identifier-to-object table. Register/Unregister may
// be driven by engine lifecycle code concurrently with lookups from
// dispatch; all operations are safe to interleave. Operations on the
// same identifier are serialized by a per-identifier lock that stays
// held through the observer callbacks, so a Created observer always
// finishes before a Destroyed observer for the same identifier starts.
type Registry struct {
	objects *marionette.SyncMap[string, any]

	mutex     sync.RWMutex
	created   []func(id string)
	destroyed []func(id string)
}

func New() *Registry {
	return &Registry{
		objects: marionette.NewSyncMap[string, any](),
	}
}

// OnCreated adds an observer called after each successful Register.
func (r *Registry) OnCreated(f func(id string)) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.created = append(r.created, f)
}

// OnDestroyed adds an observer called after each Unregister that
// removed a binding. Interest cleanup hangs off this.
func (r *Registry) OnDestroyed(f func(id string)) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.destroyed = append(r.destroyed, f)
}

func (r *Registry) createdObservers() []func(id string) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return append([]func(id string){}, r.created...)
}

func (r *Registry) destroyedObservers() []func(id string) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return append([]func(id string){}, r.destroyed...)
}

// Register binds id to object. Rebinding a live id fails with
// DuplicateIDError. Observers must not register or unregister id
// themselves; they run under its lock.
func (r *Registry) Register(id string, object any) error {
	var err error
	r.objects.WithLock(id, func() {
		if !r.objects.SetIfMissing(id, object) {
			err = marionette.WithStack(&DuplicateIDError{ID: id})
			return
		}
		for _, f := range r.createdObservers() {
			f(id)
		}
	})
	return err
}

// Unregister removes the binding for id. Unregistering an unknown id
// is a no-op.
func (r *Registry) Unregister(id string) {
	r.objects.WithLock(id, func() {
		if !r.objects.DelHas(id) {
			return
		}
		for _, f := range r.destroyedObservers() {
			f(id)
		}
	})
}

// Lookup returns the object bound to id, or NotFoundError.
func (r *Registry) Lookup(id string) (any, error) {
	object, found := r.objects.GetHas(id)
	if !found {
		return nil, marionette.WithStack(&NotFoundError{ID: id})
	}
	return object, nil
}

func (r *Registry) Has(id string) bool {
	return r.objects.Has(id)
}

func (r *Registry) Len() int {
	return r.objects.Len()
}

// IDs returns a snapshot of the registered identifiers.
func (r *Registry) IDs() []string {
	result := make([]string, 0, r.objects.Len())
	for id := range r.objects.Keys() {
		result = append(result, id)
	}
	return result
}

// IDOf returns the identifier an object is registered under, if any.
// Used to break reference cycles during serialization.
func (r *Registry) IDOf(object any) (string, bool) {
	val := reflect.ValueOf(object)
	if val.Kind() != reflect.Pointer {
		return "", false
	}
	foundID := ""
	found := false
	for id, candidate := range r.objects.Each() {
		if cval := reflect.ValueOf(candidate); cval.Kind() == reflect.Pointer && cval.Pointer() == val.Pointer() {
			foundID, found = id, true
			break
		}
	}
	return foundID, found
}
