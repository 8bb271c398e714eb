package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kovachev/labtrack/internal/backend"
	"github.com/kovachev/labtrack/internal/runner"
	"github.com/kovachev/labtrack/internal/storage"
	"github.com/kovachev/labtrack/internal/timeline"
)

const maxRequestBodySize = 1 << 20 // 1MB

// ActionRunner abstracts the execution correlator for the API layer.
type ActionRunner interface {
	Start(ctx context.Context, req runner.Request, onTransition runner.TransitionFunc) (string, <-chan runner.Result, error)
	Reconcile(ctx context.Context, labID string) ([]string, error)
	RefreshTask(ctx context.Context, taskID string) (storage.ActionLog, bool, error)
}

// Deps holds dependencies for the management API.
type Deps struct {
	Store  *storage.Store
	Runner ActionRunner
	Token  string
	Now    func() time.Time // optional; time.Now when nil
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// SubmitActionRequest is the body of POST /actions.
type SubmitActionRequest struct {
	LabID      string          `json:"labId"`
	DeviceID   string          `json:"deviceId"`
	DeviceName string          `json:"deviceName"`
	ActionName string          `json:"actionName"`
	ActionType string          `json:"actionType"`
	Param      json.RawMessage `json:"param,omitempty"`
}

// NewHandler returns the management API router. Everything except /health
// requires the bearer token.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(g chi.Router) {
		g.Use(BearerAuth(deps.Token))

		g.Post("/actions", handleSubmitAction(deps))
		g.Get("/logs", handleListLogs(deps))
		g.Get("/logs/{taskID}", handleGetLog(deps))
		g.Get("/logs/{taskID}/timeline", handleTaskTimeline(deps))
		g.Delete("/logs/{taskID}", handleDeleteLog(deps))
		g.Post("/logs/clear", handleClearLogs(deps))
		g.Get("/timelines", handleTimelines(deps))
		g.Get("/counts", handleCounts(deps))
		g.Get("/export", handleExport(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func handleSubmitAction(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req SubmitActionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		if req.LabID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "labId is required")
			return
		}
		if req.DeviceID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "deviceId is required")
			return
		}
		if req.ActionName == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "actionName is required")
			return
		}

		// Tracking must outlive this request; only daemon shutdown stops it.
		taskID, _, err := deps.Runner.Start(context.WithoutCancel(r.Context()), runner.Request{
			LabID:      req.LabID,
			DeviceID:   req.DeviceID,
			DeviceName: req.DeviceName,
			ActionName: req.ActionName,
			ActionType: req.ActionType,
			Param:      req.Param,
		}, nil)
		if err != nil {
			var subErr *backend.SubmissionError
			if errors.As(err, &subErr) {
				httpError(w, http.StatusBadGateway, "submission_error", "submission rejected: %v", subErr)
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "failed to start action: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{
			"taskId": taskID,
			"status": string(storage.StatusPending),
		})
	}
}

func handleListLogs(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := filterFromQuery(r)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		logs := deps.Store.ListLogs(f)
		if logs == nil {
			logs = []storage.ActionLog{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(logs)
	}
}

func handleGetLog(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID := chi.URLParam(r, "taskID")

		rec, err := deps.Store.GetLog(taskID)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "no log for task %s", taskID)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get log: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(rec)
	}
}

func handleTaskTimeline(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID := chi.URLParam(r, "taskID")

		logs := deps.Store.ListLogs(storage.Filter{TaskID: taskID})
		tl, ok := timeline.ForTask(logs, taskID, deps.now())
		if !ok {
			httpError(w, http.StatusNotFound, "not_found", "no log for task %s", taskID)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(tl)
	}
}

func handleDeleteLog(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID := chi.URLParam(r, "taskID")

		if err := deps.Store.DeleteLog(taskID); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete log: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "deleted"})
	}
}

func handleClearLogs(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Store.ClearLogs(); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to clear logs: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "cleared"})
	}
}

func handleTimelines(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cat, ok := timeline.ParseCategory(r.URL.Query().Get("category"))
		if !ok {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown category %q", r.URL.Query().Get("category"))
			return
		}

		logs := deps.Store.ListLogs(storage.Filter{LabID: r.URL.Query().Get("labId")})
		timelines := timeline.Aggregate(timeline.FilterCategory(logs, cat), deps.now())
		if timelines == nil {
			timelines = []timeline.TaskTimeline{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(timelines)
	}
}

func handleCounts(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logs := deps.Store.ListLogs(storage.Filter{LabID: r.URL.Query().Get("labId")})

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(timeline.Count(logs))
	}
}

func handleExport(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logs := deps.Store.ListLogs(storage.Filter{LabID: r.URL.Query().Get("labId")})

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q",
			"labtrack-export-"+deps.now().UTC().Format("20060102-150405")+".json"))
		if err := timeline.Export(w, logs, deps.now()); err != nil {
			// Headers are already out; nothing sensible left to send.
			return
		}
	}
}

func filterFromQuery(r *http.Request) (storage.Filter, error) {
	q := r.URL.Query()
	f := storage.Filter{
		TaskID:   q.Get("taskId"),
		LabID:    q.Get("labId"),
		DeviceID: q.Get("deviceId"),
	}

	if raw := q.Get("status"); raw != "" {
		st, ok := storage.NormalizeStatus(raw)
		if !ok {
			return f, fmt.Errorf("unknown status %q", raw)
		}
		f.Status = st
	}
	if raw := q.Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return f, fmt.Errorf("invalid from timestamp: %v", err)
		}
		f.StartDate = &t
	}
	if raw := q.Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return f, fmt.Errorf("invalid to timestamp: %v", err)
		}
		f.EndDate = &t
	}
	return f, nil
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
