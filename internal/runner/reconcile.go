package runner

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kovachev/labtrack/internal/storage"
)

// maxConcurrentPolls bounds parallel result polling during reconciliation.
const maxConcurrentPolls = 4

// Reconcile polls the result endpoint for every non-terminal record
// (optionally scoped to one lab) and applies any transitions the stream
// missed. Poll failures are logged and skipped; the backend stays the
// source of truth and the record keeps its last-known status. Returns the
// task ids that changed.
func (r *Runner) Reconcile(ctx context.Context, labID string) ([]string, error) {
	logs := r.store.ListLogs(storage.Filter{LabID: labID})

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentPolls)

	var mu sync.Mutex
	var updated []string

	for _, rec := range logs {
		if rec.Status.Terminal() {
			continue
		}
		rec := rec
		g.Go(func() error {
			changed, err := r.refresh(gctx, rec)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				r.logger.Warn("result poll failed", "task_id", rec.TaskID, "error", err)
				return nil
			}
			if changed {
				mu.Lock()
				updated = append(updated, rec.TaskID)
				mu.Unlock()
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return updated, err
	}
	return updated, nil
}

// RefreshTask polls one task and applies the result if it moves the record.
// Returns the refreshed record and whether anything changed.
func (r *Runner) RefreshTask(ctx context.Context, taskID string) (storage.ActionLog, bool, error) {
	rec, err := r.store.GetLog(taskID)
	if err != nil {
		return storage.ActionLog{}, false, err
	}
	if rec.Status.Terminal() {
		return rec, false, nil
	}

	changed, err := r.refresh(ctx, rec)
	if err != nil {
		return rec, false, err
	}
	updated, err := r.store.GetLog(taskID)
	if err != nil {
		return rec, changed, nil
	}
	return updated, changed, nil
}

func (r *Runner) refresh(ctx context.Context, rec storage.ActionLog) (bool, error) {
	ev, err := r.backend.PollResult(ctx, rec.TaskID)
	if err != nil {
		return false, err
	}

	st, known := storage.NormalizeStatus(ev.Status)
	if !known {
		r.logger.Warn("unrecognized status value in poll result", "task_id", rec.TaskID, "status", ev.Status)
		return false, nil
	}
	// Same change gate as the live stream: re-delivering the last-known
	// status must not append history or re-set terminal fields.
	if st == rec.Status {
		return false, nil
	}

	r.applyTransition(rec.TaskID, rec, st, ev)
	return true, nil
}
