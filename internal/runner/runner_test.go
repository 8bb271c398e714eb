package runner

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/kovachev/labtrack/internal/backend"
	"github.com/kovachev/labtrack/internal/storage"
)

var ctx = context.Background()

type fakeBackend struct {
	submitFn    func(ctx context.Context, req backend.SubmitRequest) (string, error)
	subscribeFn func(ctx context.Context, taskID string) (<-chan backend.Event, func() error, error)
	pollFn      func(ctx context.Context, taskID string) (*backend.StatusEvent, error)
}

func (f *fakeBackend) Submit(ctx context.Context, req backend.SubmitRequest) (string, error) {
	if f.submitFn != nil {
		return f.submitFn(ctx, req)
	}
	return "task-1", nil
}

func (f *fakeBackend) Subscribe(ctx context.Context, taskID string) (<-chan backend.Event, func() error, error) {
	if f.subscribeFn != nil {
		return f.subscribeFn(ctx, taskID)
	}
	ch := make(chan backend.Event)
	close(ch)
	return ch, func() error { return nil }, nil
}

func (f *fakeBackend) PollResult(ctx context.Context, taskID string) (*backend.StatusEvent, error) {
	if f.pollFn != nil {
		return f.pollFn(ctx, taskID)
	}
	return nil, fmt.Errorf("no poll configured")
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// streamOf builds a closed-when-drained event channel from raw frames.
func streamOf(frames ...string) func(context.Context, string) (<-chan backend.Event, func() error, error) {
	return func(_ context.Context, _ string) (<-chan backend.Event, func() error, error) {
		ch := make(chan backend.Event, len(frames))
		for _, f := range frames {
			ch <- backend.DecodeEvent([]byte(f))
		}
		close(ch)
		return ch, func() error { return nil }, nil
	}
}

func statusFrame(taskID, status string) string {
	return fmt.Sprintf(`{"jobId":"job-1","taskId":%q,"status":%q}`, taskID, status)
}

func testRequest() Request {
	return Request{
		LabID:      "lab-1",
		DeviceID:   "dev-1",
		DeviceName: "Thermocycler A",
		ActionName: "heat",
		ActionType: "command",
	}
}

func TestRunRecordsTransitions(t *testing.T) {
	store := openTestStore(t)
	fb := &fakeBackend{
		subscribeFn: streamOf(
			statusFrame("task-1", "pending"), // same as initial: gated
			statusFrame("task-1", "running"),
			statusFrame("task-1", "success"),
		),
	}
	r := New(store, fb)

	res, err := r.Run(ctx, testRequest(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Ambiguous {
		t.Errorf("result ambiguous, want clean terminal: warning=%v", res.Warning)
	}
	if res.Log.Status != storage.StatusSuccess {
		t.Errorf("Status = %q, want success", res.Log.Status)
	}

	rec, err := store.GetLog("task-1")
	if err != nil {
		t.Fatalf("GetLog: %v", err)
	}
	// Seed pending + running + success. The redundant pending event must
	// not have appended.
	if len(rec.History) != 3 {
		t.Fatalf("history = %d entries, want 3: %+v", len(rec.History), rec.History)
	}
	if rec.EndTime == nil {
		t.Error("EndTime not set on terminal status")
	}
	if rec.FinalResult == nil || rec.FinalResult.JobID != "job-1" {
		t.Errorf("FinalResult = %+v", rec.FinalResult)
	}
	if rec.DurationMS == nil {
		t.Error("DurationMS not set")
	}
}

func TestHistoryAppendIsChangeGated(t *testing.T) {
	store := openTestStore(t)
	frames := make([]string, 0, 6)
	for i := 0; i < 6; i++ {
		frames = append(frames, statusFrame("task-1", "running"))
	}
	fb := &fakeBackend{subscribeFn: streamOf(frames...)}
	r := New(store, fb)

	res, err := r.Run(ctx, testRequest(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// Stream closed without terminal: ambiguous, last-known status kept.
	if !res.Ambiguous {
		t.Error("result not ambiguous after close without terminal")
	}
	var streamErr *backend.StreamError
	if !errors.As(res.Warning, &streamErr) {
		t.Errorf("Warning = %v, want *StreamError", res.Warning)
	}

	rec, err := store.GetLog("task-1")
	if err != nil {
		t.Fatalf("GetLog: %v", err)
	}
	if rec.Status != storage.StatusRunning {
		t.Errorf("Status = %q, want running (not forced terminal)", rec.Status)
	}
	if rec.EndTime != nil {
		t.Errorf("EndTime = %v, want unset", rec.EndTime)
	}
	// Six identical events, exactly one append.
	if len(rec.History) != 2 {
		t.Fatalf("history = %d entries, want 2 (seed + one running): %+v", len(rec.History), rec.History)
	}
}

func TestTerminalHandlingIsIdempotent(t *testing.T) {
	store := openTestStore(t)
	polls := 0
	fb := &fakeBackend{
		subscribeFn: streamOf(
			statusFrame("task-1", "running"),
			statusFrame("task-1", "success"),
			statusFrame("task-1", "success"), // redelivery, after terminal
		),
		pollFn: func(_ context.Context, _ string) (*backend.StatusEvent, error) {
			polls++
			return &backend.StatusEvent{JobID: "job-1", TaskID: "task-1", Status: "success"}, nil
		},
	}
	r := New(store, fb)

	if _, err := r.Run(ctx, testRequest(), nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	first, err := store.GetLog("task-1")
	if err != nil {
		t.Fatalf("GetLog: %v", err)
	}

	// A reconcile pass over a terminal record must not poll or rewrite it.
	updated, err := r.Reconcile(ctx, "lab-1")
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(updated) != 0 {
		t.Errorf("Reconcile updated %v, want none", updated)
	}
	if polls != 0 {
		t.Errorf("Reconcile polled %d times for terminal record", polls)
	}

	// Explicit refresh of a terminal task is a no-op too.
	rec, changed, err := r.RefreshTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("RefreshTask: %v", err)
	}
	if changed {
		t.Error("RefreshTask changed a terminal record")
	}
	if !rec.EndTime.Equal(*first.EndTime) {
		t.Errorf("EndTime changed: %v -> %v", first.EndTime, rec.EndTime)
	}
	if len(rec.History) != len(first.History) {
		t.Errorf("history grew: %d -> %d", len(first.History), len(rec.History))
	}
}

func TestSubmissionFailureCreatesNoRecord(t *testing.T) {
	store := openTestStore(t)
	fb := &fakeBackend{
		submitFn: func(_ context.Context, _ backend.SubmitRequest) (string, error) {
			return "", &backend.SubmissionError{Code: 1003, Message: "device busy"}
		},
	}
	r := New(store, fb)

	_, err := r.Run(ctx, testRequest(), nil)
	var subErr *backend.SubmissionError
	if !errors.As(err, &subErr) {
		t.Fatalf("err = %v, want *SubmissionError", err)
	}
	if logs := store.ListLogs(storage.Filter{}); len(logs) != 0 {
		t.Errorf("submission failure created %d records, want 0", len(logs))
	}
}

func TestSubscribeFailureIsAmbiguous(t *testing.T) {
	store := openTestStore(t)
	fb := &fakeBackend{
		subscribeFn: func(_ context.Context, taskID string) (<-chan backend.Event, func() error, error) {
			return nil, nil, &backend.StreamError{TaskID: taskID, Message: "gateway unreachable"}
		},
	}
	r := New(store, fb)

	res, err := r.Run(ctx, testRequest(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Ambiguous || res.Warning == nil {
		t.Errorf("result = %+v, want ambiguous with warning", res)
	}

	// The pending record exists and can be reconciled later.
	rec, err := store.GetLog("task-1")
	if err != nil {
		t.Fatalf("GetLog: %v", err)
	}
	if rec.Status != storage.StatusPending {
		t.Errorf("Status = %q, want pending", rec.Status)
	}
}

func TestUnrecognizedStatusEndsAmbiguous(t *testing.T) {
	store := openTestStore(t)
	fb := &fakeBackend{
		subscribeFn: streamOf(
			statusFrame("task-1", "running"),
			statusFrame("task-1", "paused"), // unknown spelling
			statusFrame("task-1", "success"),
		),
	}
	r := New(store, fb)

	res, err := r.Run(ctx, testRequest(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Ambiguous {
		t.Error("unknown status spelling must end tracking as ambiguous")
	}

	rec, err := store.GetLog("task-1")
	if err != nil {
		t.Fatalf("GetLog: %v", err)
	}
	if rec.Status != storage.StatusRunning {
		t.Errorf("Status = %q, want last-known running", rec.Status)
	}
	if rec.EndTime != nil {
		t.Error("EndTime set for unrecognized status")
	}
}

func TestUnrecognizedEnvelopeIsSkipped(t *testing.T) {
	store := openTestStore(t)
	fb := &fakeBackend{
		subscribeFn: streamOf(
			`{"ping":true}`,
			statusFrame("task-1", "success"),
		),
	}
	r := New(store, fb)

	res, err := r.Run(ctx, testRequest(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Ambiguous {
		t.Errorf("ambiguous = true, want clean success past junk frame")
	}
	if res.Log.Status != storage.StatusSuccess {
		t.Errorf("Status = %q, want success", res.Log.Status)
	}
}

func TestFailAliasNormalized(t *testing.T) {
	store := openTestStore(t)
	fb := &fakeBackend{
		subscribeFn: streamOf(
			`{"jobId":"job-1","taskId":"task-1","status":"fail","returnInfo":{"reason":"overheated"}}`,
		),
	}
	r := New(store, fb)

	res, err := r.Run(ctx, testRequest(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Ambiguous {
		t.Error("fail alias should terminate cleanly")
	}

	rec, err := store.GetLog("task-1")
	if err != nil {
		t.Fatalf("GetLog: %v", err)
	}
	if rec.Status != storage.StatusFailed {
		t.Errorf("Status = %q, want failed", rec.Status)
	}
	if rec.RawStatus != "fail" {
		t.Errorf("RawStatus = %q, want original spelling preserved", rec.RawStatus)
	}
	if rec.Error == "" {
		t.Error("Error not set on failure")
	}
	if rec.EndTime == nil || rec.FinalResult == nil {
		t.Error("terminal fields not set on failure")
	}
}

func TestTransitionCallback(t *testing.T) {
	store := openTestStore(t)
	fb := &fakeBackend{
		subscribeFn: streamOf(
			statusFrame("task-1", "running"),
			statusFrame("task-1", "running"),
			statusFrame("task-1", "success"),
		),
	}
	r := New(store, fb)

	var seen []storage.Status
	_, err := r.Run(ctx, testRequest(), func(rec storage.ActionLog) {
		seen = append(seen, rec.Status)
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// One callback per recorded change, none for the gated duplicate.
	if len(seen) != 2 || seen[0] != storage.StatusRunning || seen[1] != storage.StatusSuccess {
		t.Errorf("callbacks = %v, want [running success]", seen)
	}
}

func TestCancelledTrackingKeepsLastStatus(t *testing.T) {
	store := openTestStore(t)
	events := make(chan backend.Event, 1)
	events <- backend.DecodeEvent([]byte(statusFrame("task-1", "running")))
	fb := &fakeBackend{
		subscribeFn: func(_ context.Context, _ string) (<-chan backend.Event, func() error, error) {
			return events, func() error { return nil }, nil
		},
	}
	r := New(store, fb)

	runCtx, cancel := context.WithCancel(ctx)
	taskID, results, err := r.Start(runCtx, testRequest(), nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Wait for the running transition to land, then tear down.
	deadline := time.After(5 * time.Second)
	for {
		rec, err := store.GetLog(taskID)
		if err == nil && rec.Status == storage.StatusRunning {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for running status")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()

	res := <-results
	if !res.Ambiguous {
		t.Error("cancelled run should resolve ambiguous")
	}
	rec, err := store.GetLog(taskID)
	if err != nil {
		t.Fatalf("GetLog: %v", err)
	}
	if rec.Status != storage.StatusRunning {
		t.Errorf("Status = %q, want running (cancellation must not force terminal)", rec.Status)
	}
}

func TestReconcileAppliesPolledResults(t *testing.T) {
	store := openTestStore(t)

	start := time.Now().UTC().Add(-time.Minute)
	mk := func(taskID string, st storage.Status) {
		t.Helper()
		if _, err := store.CreateLog(storage.CreateParams{
			TaskID: taskID, LabID: "lab-1", DeviceID: "dev-1", ActionName: "heat",
			Status: st, StartTime: start,
		}); err != nil {
			t.Fatalf("CreateLog(%s): %v", taskID, err)
		}
	}
	mk("task-a", storage.StatusRunning)
	mk("task-b", storage.StatusPending)
	mk("task-c", storage.StatusRunning)

	fb := &fakeBackend{
		pollFn: func(_ context.Context, taskID string) (*backend.StatusEvent, error) {
			switch taskID {
			case "task-a":
				return &backend.StatusEvent{JobID: "j-a", TaskID: taskID, Status: "success"}, nil
			case "task-b":
				return nil, fmt.Errorf("gateway timeout")
			default:
				// Still running: same status, change gate applies.
				return &backend.StatusEvent{JobID: "j-c", TaskID: taskID, Status: "running"}, nil
			}
		},
	}
	r := New(store, fb)

	updated, err := r.Reconcile(ctx, "lab-1")
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(updated) != 1 || updated[0] != "task-a" {
		t.Errorf("updated = %v, want [task-a]", updated)
	}

	recA, _ := store.GetLog("task-a")
	if recA.Status != storage.StatusSuccess || recA.EndTime == nil {
		t.Errorf("task-a = %q endTime=%v, want terminal success", recA.Status, recA.EndTime)
	}
	recB, _ := store.GetLog("task-b")
	if recB.Status != storage.StatusPending {
		t.Errorf("task-b = %q, want pending after poll failure", recB.Status)
	}
	recC, _ := store.GetLog("task-c")
	if len(recC.History) != 1 {
		t.Errorf("task-c history = %d entries, want 1 (no append for same status)", len(recC.History))
	}
}
