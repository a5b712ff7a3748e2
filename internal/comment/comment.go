// Package comment tracks the positional annotations overlaid on a
// document. The overlay is versioned independently of the structural step
// history: both counters are monotonic, but they advance separately.
package comment

import (
	"encoding/json"
	"fmt"

	"github.com/yk9331/bear-plus/internal/step"
)

// Anchor is one annotation pinned to a document range.
type Anchor struct {
	ID   string `json:"id"`
	From int    `json:"from"`
	To   int    `json:"to"`
	Text string `json:"text"`
}

const (
	EventCreate = "create"
	EventDelete = "delete"
)

// Event is one entry in the annotation change log.
type Event struct {
	Type   string  `json:"type"`
	ID     string  `json:"id"`
	Anchor *Anchor `json:"comment,omitempty"`
}

// Validate rejects malformed events before the session mutates any state.
func (e Event) Validate() error {
	switch e.Type {
	case EventCreate:
		if e.Anchor == nil {
			return fmt.Errorf("create event without comment payload")
		}
		if e.Anchor.ID == "" {
			return fmt.Errorf("create event without comment id")
		}
		if e.Anchor.From >= e.Anchor.To {
			return fmt.Errorf("comment range [%d,%d) is empty", e.Anchor.From, e.Anchor.To)
		}
		return nil
	case EventDelete:
		if e.ID == "" {
			return fmt.Errorf("delete event without comment id")
		}
		return nil
	default:
		return fmt.Errorf("unknown comment event type %q", e.Type)
	}
}

// Overlay owns the live anchor set and the capped event log. Not safe for
// concurrent use; the session actor serializes access.
type Overlay struct {
	anchors   []Anchor
	events    []Event
	version   int
	maxEvents int
}

// NewOverlay builds an overlay from persisted anchors. maxEvents caps the
// retained event log; older entries fall off the head while the version
// counter keeps counting.
func NewOverlay(anchors []Anchor, maxEvents int) *Overlay {
	return &Overlay{
		anchors:   append([]Anchor(nil), anchors...),
		maxEvents: maxEvents,
	}
}

func (o *Overlay) Version() int {
	return o.version
}

// Anchors returns a copy of the live anchor set.
func (o *Overlay) Anchors() []Anchor {
	return append([]Anchor(nil), o.anchors...)
}

func (o *Overlay) index(id string) int {
	for i := range o.anchors {
		if o.anchors[i].ID == id {
			return i
		}
	}
	return -1
}

// Create adds (or, for a known id, replaces) an anchor and logs a create
// event.
func (o *Overlay) Create(a Anchor) {
	if i := o.index(a.ID); i >= 0 {
		o.anchors[i] = a
	} else {
		o.anchors = append(o.anchors, a)
	}
	o.log(Event{Type: EventCreate, ID: a.ID})
}

// Delete removes the anchor with the given id and logs a delete event.
// Deleting an unknown id is a no-op: the second of two identical deletes
// emits nothing.
func (o *Overlay) Delete(id string) {
	i := o.index(id)
	if i < 0 {
		return
	}
	o.anchors = append(o.anchors[:i], o.anchors[i+1:]...)
	o.log(Event{Type: EventDelete, ID: id})
}

func (o *Overlay) log(e Event) {
	o.events = append(o.events, e)
	o.version++
	if o.maxEvents > 0 && len(o.events) > o.maxEvents {
		o.events = append([]Event(nil), o.events[len(o.events)-o.maxEvents:]...)
	}
}

// MapThrough remaps every anchor through the composed position maps of a
// batch of applied steps. An anchor whose range collapses is dropped
// without logging an event: deletions caused by structural edits are
// silent, unlike explicit deletes.
func (o *Overlay) MapThrough(m *step.Mapping) {
	kept := o.anchors[:0]
	for _, a := range o.anchors {
		from := m.Map(a.From, 1)
		to := m.Map(a.To, -1)
		if from >= to {
			continue
		}
		a.From, a.To = from, to
		kept = append(kept, a)
	}
	o.anchors = kept
}

// EventsAfter replays the event log from the given version. Creates whose
// anchor survived are resolved to the anchor's current position and text;
// creates for anchors since dropped are skipped; deletes pass through.
// The second return value is false when the requested range has fallen
// off the retained log.
func (o *Overlay) EventsAfter(sinceVersion int) ([]Event, bool) {
	start := len(o.events) - (o.version - sinceVersion)
	if start < 0 {
		return nil, false
	}
	out := make([]Event, 0, len(o.events)-start)
	for _, e := range o.events[start:] {
		if e.Type == EventDelete {
			out = append(out, e)
			continue
		}
		if i := o.index(e.ID); i >= 0 {
			current := o.anchors[i]
			out = append(out, Event{Type: EventCreate, ID: e.ID, Anchor: &current})
		}
	}
	return out, true
}

// persisted is the snapshot shape written to durable storage, matching
// the note record's comment column.
type persisted struct {
	Data []Anchor `json:"data"`
}

// MarshalAnchors serializes the live anchor set for the note snapshot.
func (o *Overlay) MarshalAnchors() json.RawMessage {
	raw, _ := json.Marshal(persisted{Data: o.anchors})
	return raw
}

// AnchorsFromJSON decodes a persisted anchor set. Empty input yields nil.
func AnchorsFromJSON(raw []byte) ([]Anchor, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var p persisted
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode comments: %w", err)
	}
	return p.Data, nil
}
