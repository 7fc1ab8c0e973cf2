// Package dispatch is the central message loop: it applies inbound
// controller batches to the object graph, matches ambient engine
// events against the interest table, and collects outbound envelopes
// into ordered batches.
package dispatch

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	cache "github.com/go-pkgz/expirable-cache/v3"
	"github.com/pkg/errors"
	"github.com/zond/marionette/convert"
	"github.com/zond/marionette/interest"
	"github.com/zond/marionette/path"
	"github.com/zond/marionette/registry"
	"github.com/zond/marionette/wire"
)

const (
	// conditionalPrefix marks an update path whose failure is a
	// designed no-op rather than a diagnostic.
	conditionalPrefix = "?"
	// throttleStateTTL evicts idle throttle bookkeeping.
	throttleStateTTL = time.Hour
	throttleStateMax = 65536
)

type state int

const (
	stateIdle state = iota
	stateApplying
	stateCollecting
	stateFlushing
)

// Journal records traffic for post-hoc inspection. Implementations
// must tolerate being called from the dispatch goroutine.
type Journal interface {
	RecordBatch(ctx context.Context, direction string, batch wire.Batch) error
	RecordDiagnostic(ctx context.Context, envelope wire.Envelope) error
}

// Dispatcher owns the interest table and the outbound queue. One
// inbound batch is processed to completion before the next begins;
// ambient notifications may arrive concurrently and only touch the
// outbound queue.
type Dispatcher struct {
	objects   *registry.Registry
	conv      *convert.Registry
	resolver  *path.Resolver
	interests *interest.Table
	stats     *Stats
	journal   Journal

	// now must be monotonic; overridden in tests.
	now func() time.Time

	batchMutex sync.Mutex
	state      state

	queueMutex   sync.Mutex
	pending      wire.Batch
	lastDelivery cache.Cache[string, time.Time]
}

// New wires a dispatcher to the object registry: object creation and
// destruction produce mandatory lifecycle envelopes, and destruction
// drops the object's interests.
func New(objects *registry.Registry, conv *convert.Registry) *Dispatcher {
	d := &Dispatcher{
		objects:   objects,
		conv:      conv,
		resolver:  path.NewResolver(conv),
		interests: interest.NewTable(),
		stats:     NewStats(),
		now:       time.Now,
		lastDelivery: cache.NewCache[string, time.Time]().
			WithTTL(throttleStateTTL).
			WithMaxKeys(throttleStateMax),
	}
	objects.OnCreated(func(id string) {
		d.Notify(wire.EventCreated, id)
	})
	objects.OnDestroyed(func(id string) {
		d.Notify(wire.EventDestroyed, id)
		d.interests.DropObject(id)
	})
	return d
}

// SetJournal installs an optional traffic journal.
func (d *Dispatcher) SetJournal(j Journal) {
	d.journal = j
}

// Interests exposes the interest table, e.g. for engine-side setup.
func (d *Dispatcher) Interests() *interest.Table {
	return d.interests
}

// Stats returns the dispatcher's statistics collector.
func (d *Dispatcher) Stats() *Stats {
	return d.stats
}

// HandleBatch applies every message of the inbound batch in arrival
// order, then flushes the outbound queue (including any ambient
// envelopes queued since the previous flush) as a single batch.
// Per-message failures become Diagnostic envelopes; a returned error
// means an internal invariant broke and batch processing halted.
func (d *Dispatcher) HandleBatch(ctx context.Context, batch wire.Batch) (wire.Batch, error) {
	d.batchMutex.Lock()
	defer d.batchMutex.Unlock()

	if d.state != stateIdle {
		return nil, errors.Errorf("dispatcher re-entered in state %d", d.state)
	}
	if d.journal != nil {
		if err := d.journal.RecordBatch(ctx, "in", batch); err != nil {
			log.Printf("journaling inbound batch: %v", err)
		}
	}
	d.state = stateApplying
	for i := range batch {
		d.apply(ctx, &batch[i])
	}
	d.state = stateCollecting
	d.state = stateFlushing
	out := d.flush()
	if d.journal != nil && len(out) > 0 {
		if err := d.journal.RecordBatch(ctx, "out", out); err != nil {
			log.Printf("journaling outbound batch: %v", err)
		}
	}
	d.state = stateIdle
	return out, nil
}

// Flush drains the outbound queue without applying anything. Polling
// transports call this when the controller has no messages to send.
func (d *Dispatcher) Flush() wire.Batch {
	d.batchMutex.Lock()
	defer d.batchMutex.Unlock()
	return d.flush()
}

func (d *Dispatcher) flush() wire.Batch {
	d.queueMutex.Lock()
	defer d.queueMutex.Unlock()
	out := d.pending
	d.pending = nil
	return out
}

func (d *Dispatcher) enqueue(envelope wire.Envelope) {
	d.queueMutex.Lock()
	defer d.queueMutex.Unlock()
	d.pending = append(d.pending, envelope)
}

func (d *Dispatcher) apply(ctx context.Context, envelope *wire.Envelope) {
	switch envelope.Event {
	case wire.EventQuery:
		d.applyQuery(envelope)
	case wire.EventUpdate:
		d.applyUpdate(envelope)
	case wire.EventUpdateInterests:
		d.applyInterests(envelope)
	default:
		// Engine-origin notifications relayed through the inbound
		// channel.
		d.Notify(envelope.Event, envelope.ID)
	}
}

func (d *Dispatcher) applyUpdate(envelope *wire.Envelope) {
	object, err := d.objects.Lookup(envelope.ID)
	if err != nil {
		d.diagnose(envelope.ID, err, "")
		d.stats.Record(envelope.ID, false)
		return
	}
	applied := 0
	failures := []wire.Value{}
	envelope.DataMap().Each(func(expr string, value wire.Value) bool {
		conditional := strings.HasPrefix(expr, conditionalPrefix)
		target := strings.TrimPrefix(expr, conditionalPrefix)
		if err := d.resolver.Write(object, target, value); err != nil {
			if conditional && path.IsFailure(err) {
				return true
			}
			failures = append(failures, diagnosticValue(err, target))
			return true
		}
		applied++
		return true
	})
	d.stats.Record(envelope.ID, len(failures) == 0)
	if len(failures) > 0 {
		d.enqueueDiagnostics(envelope.ID, failures)
		return
	}
	d.enqueue(wire.Envelope{
		Event: wire.EventAck,
		ID:    envelope.ID,
		Data:  wire.MapValue(wire.NewMap().Set("applied", wire.Int(applied))),
	})
}

func (d *Dispatcher) applyQuery(envelope *wire.Envelope) {
	data := envelope.DataMap()
	callbackID := wire.Null
	if v, found := data.Get(wire.KeyCallbackID); found {
		callbackID = v
	}
	result := wire.NewMap().Set(wire.KeyCallbackID, callbackID)
	queryVal, _ := data.Get(wire.KeyQuery)
	query, ok := queryVal.Map()
	if !ok {
		d.diagnose(envelope.ID, errors.Errorf("query data is %v, want map", queryVal.Kind()), "")
		d.stats.Record(envelope.ID, false)
		return
	}
	object, err := d.objects.Lookup(envelope.ID)
	if err != nil {
		d.diagnose(envelope.ID, err, "")
		d.stats.Record(envelope.ID, false)
		return
	}
	// Only keys whose paths resolve are present in the callback.
	query.Each(func(key string, exprVal wire.Value) bool {
		expr, ok := exprVal.String()
		if !ok {
			return true
		}
		if value, err := d.resolver.Read(object, expr); err == nil {
			result.Set(key, value)
		}
		return true
	})
	d.stats.Record(envelope.ID, true)
	d.enqueue(wire.Envelope{
		Event: wire.EventCallback,
		ID:    envelope.ID,
		Data:  wire.MapValue(result),
	})
}

func (d *Dispatcher) applyInterests(envelope *wire.Envelope) {
	if err := d.interests.ApplyWire(envelope.ID, envelope.Data); err != nil {
		d.diagnose(envelope.ID, err, "")
		d.stats.Record(envelope.ID, false)
		return
	}
	d.stats.Record(envelope.ID, true)
	d.enqueue(wire.Envelope{
		Event: wire.EventAck,
		ID:    envelope.ID,
		Data:  wire.MapValue(wire.NewMap().Set("interests", wire.Int(d.interests.Len()))),
	})
}

// Notify matches an ambient engine event against the interest table
// and, if it passes conditions and the throttle window, enqueues the
// enriched envelope. Created and Destroyed are delivered even without
// a registered interest, unless an interest suppresses them.
func (d *Dispatcher) Notify(event, objectID string) {
	lifecycle := event == wire.EventCreated || event == wire.EventDestroyed
	matched, found := d.interests.Match(objectID, event)
	if !found && !lifecycle {
		return
	}
	if found && matched.Suppress {
		return
	}

	data := wire.NewMap()
	delivers := true
	if found {
		object, err := d.objects.Lookup(objectID)
		if err != nil {
			// Destroyed objects can't be enriched; the envelope
			// still carries the identifier.
			object = nil
		}
		if object != nil {
			for _, cond := range matched.Conditions {
				resolved, err := d.resolver.Read(object, cond.Path)
				if !cond.Check(resolved, err == nil) {
					return
				}
			}
		} else if len(matched.Conditions) > 0 && !lifecycle {
			return
		}
		// Template and condition evaluation run even when the
		// throttle window will suppress delivery; callers are warned
		// off side-effecting paths in throttled interests.
		if object != nil {
			for key, expr := range matched.Template {
				if value, err := d.resolver.Read(object, expr); err == nil {
					data.Set(key, value)
				}
			}
		}
		if matched.ThrottleSeconds > 0 {
			delivers = d.throttleAllows(objectID, event, matched.ThrottleSeconds)
		}
	}
	if !delivers {
		return
	}
	envelope := wire.Envelope{Event: event, ID: objectID}
	if data.Len() > 0 {
		envelope.Data = wire.MapValue(data)
	}
	d.enqueue(envelope)
}

func (d *Dispatcher) throttleAllows(objectID, event string, throttleSeconds float64) bool {
	key := objectID + "\x00" + event
	now := d.now()
	d.queueMutex.Lock()
	defer d.queueMutex.Unlock()
	if last, found := d.lastDelivery.Get(key); found {
		if now.Sub(last) < time.Duration(throttleSeconds*float64(time.Second)) {
			return false
		}
	}
	d.lastDelivery.Set(key, now, 0)
	return true
}

func (d *Dispatcher) diagnose(objectID string, err error, expr string) {
	d.enqueueDiagnostics(objectID, []wire.Value{diagnosticValue(err, expr)})
}

func (d *Dispatcher) enqueueDiagnostics(objectID string, failures []wire.Value) {
	envelope := wire.Envelope{
		Event: wire.EventDiagnostic,
		ID:    objectID,
		Data:  wire.MapValue(wire.NewMap().Set(wire.KeyError, wire.List(failures...))),
	}
	if d.journal != nil {
		if err := d.journal.RecordDiagnostic(context.Background(), envelope); err != nil {
			log.Printf("journaling diagnostic: %v", err)
		}
	}
	d.enqueue(envelope)
}

func diagnosticValue(err error, expr string) wire.Value {
	m := wire.NewMap().Set(wire.KeyError, wire.String(err.Error()))
	resErr := &path.ResolutionError{}
	if errors.As(err, &resErr) {
		m.Set(wire.KeyPath, wire.String(resErr.Path))
		m.Set(wire.KeySegment, wire.Int(resErr.Segment))
	} else if expr != "" {
		m.Set(wire.KeyPath, wire.String(expr))
	}
	return wire.MapValue(m)
}
