package wire

import (
	"github.com/zond/marionette"

	goccy "github.com/goccy/go-json"
)

// Event names consumed and produced by the dispatcher. Anything else
// is treated as an ambient engine event looked up in the interest
// table.
const (
	EventQuery           = "Query"
	EventUpdate          = "Update"
	EventUpdateInterests = "UpdateInterests"
	EventCallback        = "Callback"
	EventAck             = "Ack"
	EventDiagnostic      = "Diagnostic"
	EventCreated         = "Created"
	EventDestroyed       = "Destroyed"
)

// Keys used inside envelope data.
const (
	KeyCallbackID = "callbackID"
	KeyQuery      = "query"
	KeyError      = "error"
	KeyPath       = "path"
	KeySegment    = "segment"
)

// Envelope is the unit exchanged in both directions: an event name, an
// optional object identifier, and an optional data payload.
type Envelope struct {
	Event string `json:"event"`
	ID    string `json:"id,omitempty"`
	Data  Value  `json:"data,omitempty"`
}

// DataMap returns the envelope payload as a map, or an empty map if
// the payload is null or not a map.
func (e *Envelope) DataMap() *Map {
	if m, ok := e.Data.Map(); ok {
		return m
	}
	return NewMap()
}

// Batch is an ordered list of envelopes delivered as a unit.
type Batch []Envelope

func MarshalBatch(b Batch) ([]byte, error) {
	if b == nil {
		b = Batch{}
	}
	res, err := goccy.Marshal(b)
	return res, marionette.WithStack(err)
}

func UnmarshalBatch(data []byte) (Batch, error) {
	b := Batch{}
	if err := goccy.Unmarshal(data, &b); err != nil {
		return nil, marionette.WithStack(err)
	}
	return b, nil
}
