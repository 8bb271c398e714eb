package backend

import "encoding/json"

// The backend wraps status notifications in one of a few envelope shapes
// depending on gateway version. DecodeEvent tries each known shape in a
// fixed order and returns a tagged Unrecognized result when none matches,
// instead of probing properties speculatively.

type dataEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// DecodeEvent decodes one raw frame into a tagged Event. A payload is
// recognized once it yields both a task id and a status string.
func DecodeEvent(raw []byte) Event {
	// Shape 1: flat event.
	if ev, ok := tryStatusEvent(raw); ok {
		return Event{Kind: EventStatus, Status: ev, Raw: raw}
	}

	// Shape 2: {code, message, data: {...}} or bare {data: {...}}.
	var outer dataEnvelope
	if err := json.Unmarshal(raw, &outer); err == nil && len(outer.Data) > 0 {
		if ev, ok := tryStatusEvent(outer.Data); ok {
			return Event{Kind: EventStatus, Status: ev, Raw: raw}
		}

		// Shape 3: one level deeper, {data: {data: {...}}}.
		var inner dataEnvelope
		if err := json.Unmarshal(outer.Data, &inner); err == nil && len(inner.Data) > 0 {
			if ev, ok := tryStatusEvent(inner.Data); ok {
				return Event{Kind: EventStatus, Status: ev, Raw: raw}
			}
		}
	}

	return Event{Kind: EventUnrecognized, Raw: raw}
}

func tryStatusEvent(raw []byte) (*StatusEvent, bool) {
	var ev StatusEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, false
	}
	if ev.TaskID == "" || ev.Status == "" {
		return nil, false
	}
	return &ev, true
}
