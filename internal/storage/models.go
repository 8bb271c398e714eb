package storage

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// StorageError wraps a failed durable read or write. The in-memory cache is
// never refreshed when one of these is returned, so callers can trust that
// cached state matches what actually landed on disk.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Status is the normalized lifecycle state of an action run.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// NormalizeStatus maps a backend-reported status string onto the normalized
// set. Comparison is exact except for the one known alias "fail" -> failed.
// ok is false for any spelling outside the known set; callers must not guess
// at those (see runner: unrecognized statuses end tracking as ambiguous).
func NormalizeStatus(raw string) (Status, bool) {
	switch raw {
	case "pending":
		return StatusPending, true
	case "running":
		return StatusRunning, true
	case "success":
		return StatusSuccess, true
	case "failed", "fail":
		return StatusFailed, true
	}
	return "", false
}

// Terminal reports whether s ends a run's live tracking.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// StatusEntry is one row of a record's append-only status history.
type StatusEntry struct {
	Status       Status    `json:"status"`
	Timestamp    time.Time `json:"timestamp"`
	FeedbackData string    `json:"feedbackData,omitempty"`
	ReturnInfo   string    `json:"returnInfo,omitempty"`
}

// FinalResult captures the terminal payload of a run. Set exactly once.
type FinalResult struct {
	JobID        string `json:"jobId"`
	FeedbackData string `json:"feedbackData,omitempty"`
	ReturnInfo   string `json:"returnInfo,omitempty"`
}

// ActionLog is one durable record per action-run attempt. Multiple records
// may share a TaskID (backend retries); the timeline package merges them.
type ActionLog struct {
	ID          string        `json:"id"`
	TaskID      string        `json:"taskId"`
	LabID       string        `json:"labId"`
	DeviceID    string        `json:"deviceId"`
	DeviceName  string        `json:"deviceName,omitempty"`
	ActionName  string        `json:"actionName"`
	Status      Status        `json:"status"`
	RawStatus   string        `json:"rawStatus,omitempty"` // backend spelling, preserved for display
	StartTime   time.Time     `json:"startTime"`
	EndTime     *time.Time    `json:"endTime,omitempty"`
	DurationMS  *int64        `json:"durationMs,omitempty"`
	History     []StatusEntry `json:"statusHistory"`
	FinalResult *FinalResult  `json:"finalResult,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// CreateParams carries the caller-supplied fields for a new record. The ID
// and the seed history entry are generated by the store.
type CreateParams struct {
	TaskID     string
	LabID      string
	DeviceID   string
	DeviceName string
	ActionName string
	Status     Status
	RawStatus  string
	StartTime  time.Time
}

// LogPatch is a partial update applied by task id. Nil fields are left
// untouched. Append adds a history row; existing history is never rewritten.
type LogPatch struct {
	Status      *Status
	RawStatus   *string
	EndTime     *time.Time
	DurationMS  *int64
	FinalResult *FinalResult
	Error       *string
	Append      *StatusEntry
}

// Filter narrows ListLogs results. Zero values match everything.
type Filter struct {
	TaskID    string
	LabID     string
	DeviceID  string
	Status    Status
	StartDate *time.Time
	EndDate   *time.Time
}
