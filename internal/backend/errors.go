package backend

import "fmt"

// SubmissionError means the backend rejected the run (or the transport
// failed) before a task id existed. No log record is created for these;
// they always surface to the initiating caller.
type SubmissionError struct {
	StatusCode int    // HTTP status, when the response arrived
	Code       int    // backend envelope code, when non-zero
	Message    string
	Err        error
}

func (e *SubmissionError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("submission failed: %v", e.Err)
	case e.Code != 0:
		return fmt.Sprintf("submission rejected (code %d): %s", e.Code, e.Message)
	default:
		return fmt.Sprintf("submission failed (HTTP %d): %s", e.StatusCode, e.Message)
	}
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// StreamError means the status subscription failed or closed before a
// terminal event. Non-fatal: the record keeps its last-known status and a
// later poll can reconcile it.
type StreamError struct {
	TaskID  string
	Message string
	Err     error
}

func (e *StreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("status stream for task %s: %v", e.TaskID, e.Err)
	}
	return fmt.Sprintf("status stream for task %s: %s", e.TaskID, e.Message)
}

func (e *StreamError) Unwrap() error { return e.Err }

// ParseError means a response body could not be decoded into any known
// shape. Logged and dropped; never fatal to a run's state machine.
type ParseError struct {
	Raw []byte
	Err error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parsing backend payload: %v", e.Err)
	}
	return "unrecognized backend payload shape"
}

func (e *ParseError) Unwrap() error { return e.Err }
