package models

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

// PendingSyncMarker is the annotation value that flags a message as
// created locally and not yet acknowledged by the server. It appears
// either as a bare JSON string or as {"type":"pending-sync"}.
const PendingSyncMarker = "pending-sync"

var pendingAnnotation = json.RawMessage(`{"type":"` + PendingSyncMarker + `"}`)

func isPendingAnnotation(raw json.RawMessage) bool {
	res := gjson.ParseBytes(raw)

	switch res.Type {
	case gjson.String:
		return res.Str == PendingSyncMarker
	case gjson.JSON:
		return res.IsObject() && res.Get("type").Str == PendingSyncMarker
	}

	return false
}

// HasPendingMarker reports whether msg carries the pending annotation.
func HasPendingMarker(msg Message) bool {
	for _, a := range msg.Annotations {
		if isPendingAnnotation(a) {
			return true
		}
	}

	return false
}

// WithPendingMarker returns a copy of msg with the pending annotation
// attached. Messages that already carry it are returned unchanged.
func WithPendingMarker(msg Message) Message {
	c := msg.Clone()
	if HasPendingMarker(c) {
		return c
	}

	c.Annotations = append(c.Annotations, pendingAnnotation)

	return c
}

// WithoutPendingMarker returns a copy of msg with every pending
// annotation removed. Other annotations keep their order.
func WithoutPendingMarker(msg Message) Message {
	c := msg.Clone()
	if len(c.Annotations) == 0 {
		return c
	}

	kept := c.Annotations[:0]
	for _, a := range c.Annotations {
		if !isPendingAnnotation(a) {
			kept = append(kept, a)
		}
	}

	if len(kept) == 0 {
		kept = nil
	}

	c.Annotations = kept

	return c
}
