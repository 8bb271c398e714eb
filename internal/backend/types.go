package backend

import "encoding/json"

// SubmitRequest carries one device-action submission.
type SubmitRequest struct {
	LabID      string          `json:"labId"`
	DeviceID   string          `json:"deviceId"`
	ActionName string          `json:"actionName"`
	ActionType string          `json:"actionType,omitempty"`
	Param      json.RawMessage `json:"param,omitempty"`
}

// StatusEvent is the payload of one status notification, after envelope
// unwrapping. PollResult returns the same shape for terminal states.
type StatusEvent struct {
	JobID        string          `json:"jobId"`
	TaskID       string          `json:"taskId"`
	DeviceID     string          `json:"deviceId,omitempty"`
	ActionName   string          `json:"actionName,omitempty"`
	Status       string          `json:"status"`
	FeedbackData json.RawMessage `json:"feedbackData,omitempty"`
	ReturnInfo   json.RawMessage `json:"returnInfo,omitempty"`
}

// EventKind tags the result of decoding one stream frame.
type EventKind int

const (
	// EventStatus is a recognized status notification.
	EventStatus EventKind = iota
	// EventUnrecognized means no known envelope shape matched. The raw
	// frame is kept for logging; consumers treat it as a no-op.
	EventUnrecognized
)

// Event is the tagged decode result of one stream frame.
type Event struct {
	Kind   EventKind
	Status *StatusEvent // set when Kind == EventStatus
	Raw    []byte
}
