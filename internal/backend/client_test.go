package backend

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/net/websocket"
)

var ctx = context.Background()

func TestSubmitSuccess(t *testing.T) {
	var gotAuth, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/action/execute" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		buf := make([]byte, r.ContentLength)
		r.Body.Read(buf)
		gotBody = string(buf)
		w.Write([]byte(`{"code":0,"message":"ok","data":{"taskId":"task-42"}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "secret")
	taskID, err := c.Submit(ctx, SubmitRequest{LabID: "lab-1", DeviceID: "dev-1", ActionName: "heat"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if taskID != "task-42" {
		t.Errorf("taskID = %q, want task-42", taskID)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("auth = %q, want Bearer secret", gotAuth)
	}
	if !strings.Contains(gotBody, `"labId":"lab-1"`) {
		t.Errorf("body = %s", gotBody)
	}
}

func TestSubmitBackendRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":1003,"message":"device busy"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "")
	_, err := c.Submit(ctx, SubmitRequest{LabID: "lab-1", DeviceID: "dev-1", ActionName: "heat"})

	var subErr *SubmissionError
	if !errors.As(err, &subErr) {
		t.Fatalf("err = %v, want *SubmissionError", err)
	}
	if subErr.Code != 1003 || subErr.Message != "device busy" {
		t.Errorf("SubmissionError = %+v", subErr)
	}
}

func TestSubmitHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "")
	_, err := c.Submit(ctx, SubmitRequest{})

	var subErr *SubmissionError
	if !errors.As(err, &subErr) {
		t.Fatalf("err = %v, want *SubmissionError", err)
	}
	if subErr.StatusCode != http.StatusBadGateway {
		t.Errorf("StatusCode = %d, want 502", subErr.StatusCode)
	}
}

func TestSubmitTransportError(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", "", "")
	_, err := c.Submit(ctx, SubmitRequest{})

	var subErr *SubmissionError
	if !errors.As(err, &subErr) {
		t.Fatalf("err = %v, want *SubmissionError", err)
	}
}

func TestPollResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("taskId") != "task-1" {
			t.Errorf("taskId = %q", r.URL.Query().Get("taskId"))
		}
		w.Write([]byte(`{"code":0,"data":{"jobId":"j1","taskId":"task-1","status":"success"}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "")
	ev, err := c.PollResult(ctx, "task-1")
	if err != nil {
		t.Fatalf("PollResult: %v", err)
	}
	if ev.Status != "success" || ev.JobID != "j1" {
		t.Errorf("event = %+v", ev)
	}
}

func TestPollResultUnrecognized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"weird":true}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "")
	_, err := c.PollResult(ctx, "task-1")

	var parseErr *ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("err = %v, want *ParseError", err)
	}
}

func TestSubscribeReceivesAndCloses(t *testing.T) {
	frames := []string{
		`{"taskId":"task-1","status":"running"}`,
		`not-a-json-frame`,
		`{"data":{"taskId":"task-1","status":"success"}}`,
	}
	srv := httptest.NewServer(websocket.Handler(func(ws *websocket.Conn) {
		if auth := ws.Request().Header.Get("Authorization"); auth != "Bearer secret" {
			t.Errorf("ws auth = %q", auth)
		}
		if got := ws.Request().URL.Query().Get("taskId"); got != "task-1" {
			t.Errorf("ws taskId = %q", got)
		}
		for _, f := range frames {
			websocket.Message.Send(ws, f)
		}
		// Handler returns; connection closes; client channel must close.
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	c := NewClient(srv.URL, wsURL, "secret")

	events, closeSub, err := c.Subscribe(ctx, "task-1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer closeSub()

	var got []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				if len(got) != 3 {
					t.Fatalf("received %d events, want 3", len(got))
				}
				if got[0].Kind != EventStatus || got[0].Status.Status != "running" {
					t.Errorf("event 0 = %+v", got[0])
				}
				if got[1].Kind != EventUnrecognized {
					t.Errorf("event 1 kind = %v, want unrecognized", got[1].Kind)
				}
				if got[2].Kind != EventStatus || got[2].Status.Status != "success" {
					t.Errorf("event 2 = %+v", got[2])
				}
				if err := closeSub(); err != nil {
					// Close after remote hangup is allowed to error; it must
					// just not panic or double-close.
					t.Logf("closeSub after hangup: %v", err)
				}
				return
			}
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("timed out after %d events", len(got))
		}
	}
}

func TestSubscribeDialFailure(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", "ws://127.0.0.1:1/sub", "")
	_, _, err := c.Subscribe(ctx, "task-1")

	var streamErr *StreamError
	if !errors.As(err, &streamErr) {
		t.Fatalf("err = %v, want *StreamError", err)
	}
	if streamErr.TaskID != "task-1" {
		t.Errorf("TaskID = %q", streamErr.TaskID)
	}
}
