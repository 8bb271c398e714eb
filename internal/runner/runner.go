package runner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kovachev/labtrack/internal/backend"
	"github.com/kovachev/labtrack/internal/storage"
)

// LogStore abstracts the durable log store operations the correlator needs.
type LogStore interface {
	CreateLog(p storage.CreateParams) (storage.ActionLog, error)
	UpdateLog(taskID string, patch storage.LogPatch) error
	GetLog(taskID string) (storage.ActionLog, error)
	ListLogs(f storage.Filter) []storage.ActionLog
}

// Backend abstracts the remote gateway.
type Backend interface {
	Submit(ctx context.Context, req backend.SubmitRequest) (string, error)
	Subscribe(ctx context.Context, taskID string) (<-chan backend.Event, func() error, error)
	PollResult(ctx context.Context, taskID string) (*backend.StatusEvent, error)
}

// Request carries one user-initiated action run.
type Request struct {
	LabID      string
	DeviceID   string
	DeviceName string
	ActionName string
	ActionType string
	Param      []byte
}

// TransitionFunc is invoked after each recorded status change with the
// record's fresh state. Callbacks stop firing once the caller's context is
// cancelled; store writes still complete.
type TransitionFunc func(storage.ActionLog)

// Result is the outcome of tracking one run.
type Result struct {
	TaskID string
	Log    storage.ActionLog
	// Ambiguous means tracking ended without observing a terminal status
	// (stream dropped, caller cancelled, or the backend reported a status
	// spelling outside the known set). The record keeps its last-known
	// status; a later poll can reconcile it.
	Ambiguous bool
	// Warning holds the non-fatal *backend.StreamError explaining an
	// ambiguous end. Nil on clean terminal outcomes.
	Warning error
}

// Runner drives action runs from submission to terminal outcome, keeping
// the log store in sync with exactly the transitions actually observed.
// One Runner serves any number of concurrent runs; they are independent
// state machines sharing one store.
type Runner struct {
	store   LogStore
	backend Backend
	logger  *slog.Logger

	now func() time.Time // overridable in tests
}

// New creates a Runner recording to store and talking to b.
func New(store LogStore, b Backend) *Runner {
	return &Runner{
		store:   store,
		backend: b,
		logger:  slog.Default(),
		now:     time.Now,
	}
}

// Start submits the action and, on success, creates a pending log record
// and begins tracking status events in the background. The returned channel
// delivers exactly one Result when tracking ends.
//
// A submission failure returns a *backend.SubmissionError and creates no
// record: there is no task id to correlate with.
func (r *Runner) Start(ctx context.Context, req Request, onTransition TransitionFunc) (string, <-chan Result, error) {
	taskID, err := r.backend.Submit(ctx, backend.SubmitRequest{
		LabID:      req.LabID,
		DeviceID:   req.DeviceID,
		ActionName: req.ActionName,
		ActionType: req.ActionType,
		Param:      req.Param,
	})
	if err != nil {
		return "", nil, fmt.Errorf("submitting %s to %s: %w", req.ActionName, req.DeviceID, err)
	}

	rec, err := r.store.CreateLog(storage.CreateParams{
		TaskID:     taskID,
		LabID:      req.LabID,
		DeviceID:   req.DeviceID,
		DeviceName: req.DeviceName,
		ActionName: req.ActionName,
		Status:     storage.StatusPending,
		StartTime:  r.now().UTC(),
	})
	if err != nil {
		// The action is already submitted; surface the storage failure but
		// include the task id so the caller can still poll.
		return taskID, nil, err
	}

	results := make(chan Result, 1)
	go r.track(ctx, taskID, rec, onTransition, results)
	return taskID, results, nil
}

// Run is Start plus waiting for the result.
func (r *Runner) Run(ctx context.Context, req Request, onTransition TransitionFunc) (Result, error) {
	taskID, results, err := r.Start(ctx, req, onTransition)
	if err != nil {
		return Result{TaskID: taskID}, err
	}
	return <-results, nil
}

func (r *Runner) track(ctx context.Context, taskID string, rec storage.ActionLog, onTransition TransitionFunc, results chan<- Result) {
	events, closeSub, err := r.backend.Subscribe(ctx, taskID)
	if err != nil {
		r.logger.Warn("status subscription unavailable", "task_id", taskID, "error", err)
		results <- Result{TaskID: taskID, Log: rec, Ambiguous: true, Warning: err}
		return
	}
	defer closeSub()

	last := rec.Status
	for {
		select {
		case <-ctx.Done():
			// Caller teardown. The run stays in its last durably-known
			// status; the backend remains the source of truth.
			results <- Result{
				TaskID:    taskID,
				Log:       rec,
				Ambiguous: true,
				Warning:   &backend.StreamError{TaskID: taskID, Err: ctx.Err()},
			}
			return

		case ev, ok := <-events:
			if !ok {
				// Connection dropped without a terminal event.
				r.logger.Warn("status stream closed before terminal status", "task_id", taskID, "last_status", last)
				results <- Result{
					TaskID:    taskID,
					Log:       rec,
					Ambiguous: true,
					Warning:   &backend.StreamError{TaskID: taskID, Message: "stream closed before terminal status"},
				}
				return
			}

			if ev.Kind != backend.EventStatus {
				r.logger.Warn("unrecognized status payload", "task_id", taskID, "raw", string(ev.Raw))
				continue
			}

			st, known := storage.NormalizeStatus(ev.Status.Status)
			if !known {
				// An unknown spelling might be a terminal state we cannot
				// classify. Stop tracking as ambiguous rather than guess.
				r.logger.Warn("unrecognized status value", "task_id", taskID, "status", ev.Status.Status)
				results <- Result{
					TaskID:    taskID,
					Log:       rec,
					Ambiguous: true,
					Warning:   &backend.StreamError{TaskID: taskID, Message: fmt.Sprintf("unrecognized status %q", ev.Status.Status)},
				}
				return
			}

			// History appends are change-gated: repeated deliveries of the
			// same status never touch the store.
			if st == last {
				continue
			}

			rec = r.applyTransition(taskID, rec, st, ev.Status)
			last = st
			if onTransition != nil && ctx.Err() == nil {
				onTransition(rec)
			}

			if st.Terminal() {
				results <- Result{TaskID: taskID, Log: rec}
				return
			}
		}
	}
}

// applyTransition records one observed status change: appends a history
// entry and, on terminality, sets endTime, duration and finalResult exactly
// once. Returns the record's refreshed state.
func (r *Runner) applyTransition(taskID string, rec storage.ActionLog, st storage.Status, ev *backend.StatusEvent) storage.ActionLog {
	ts := r.now().UTC()
	raw := ev.Status
	patch := storage.LogPatch{
		Status:    &st,
		RawStatus: &raw,
		Append: &storage.StatusEntry{
			Status:       st,
			Timestamp:    ts,
			FeedbackData: string(ev.FeedbackData),
			ReturnInfo:   string(ev.ReturnInfo),
		},
	}

	if st.Terminal() {
		end := ts
		dur := end.Sub(rec.StartTime).Milliseconds()
		patch.EndTime = &end
		patch.DurationMS = &dur
		patch.FinalResult = &storage.FinalResult{
			JobID:        ev.JobID,
			FeedbackData: string(ev.FeedbackData),
			ReturnInfo:   string(ev.ReturnInfo),
		}
		if st == storage.StatusFailed {
			msg := failureMessage(ev)
			patch.Error = &msg
		}
	}

	if err := r.store.UpdateLog(taskID, patch); err != nil {
		r.logger.Error("recording status transition", "task_id", taskID, "status", st, "error", err)
		return rec
	}

	updated, err := r.store.GetLog(taskID)
	if err != nil {
		return rec
	}
	return updated
}

func failureMessage(ev *backend.StatusEvent) string {
	if len(ev.ReturnInfo) > 0 {
		return fmt.Sprintf("action reported %s: %s", ev.Status, ev.ReturnInfo)
	}
	return fmt.Sprintf("action reported %s", ev.Status)
}
