// Package timeline is the read side of the action log: it merges physical
// records into per-task views and computes status intervals for display.
// Pure functions over storage snapshots; nothing here mutates the store.
package timeline

import (
	"sort"
	"time"

	"github.com/kovachev/labtrack/internal/storage"
)

// Interval is one contiguous stretch of a single status.
type Interval struct {
	Status     storage.Status `json:"status"`
	Start      time.Time      `json:"start"`
	End        time.Time      `json:"end"`
	DurationMS int64          `json:"durationMs"`
}

// TaskTimeline is the merged view of every record sharing one task id.
type TaskTimeline struct {
	TaskID      string                `json:"taskId"`
	LabID       string                `json:"labId"`
	DeviceID    string                `json:"deviceId"`
	DeviceName  string                `json:"deviceName,omitempty"`
	ActionName  string                `json:"actionName"`
	Status      storage.Status        `json:"status"`
	StartTime   time.Time             `json:"startTime"`
	EndTime     *time.Time            `json:"endTime,omitempty"`
	FinalResult *storage.FinalResult  `json:"finalResult,omitempty"`
	Error       string                `json:"error,omitempty"`
	History     []storage.StatusEntry `json:"statusHistory"`
	Intervals   []Interval            `json:"intervals"`
	ElapsedMS   int64                 `json:"elapsedMs"`
	// Attempts is how many physical records were merged into this view.
	Attempts int `json:"attempts"`
}

// Category selects a slice of records by outcome.
type Category string

const (
	CategoryAll     Category = "all"
	CategorySuccess Category = "success"
	CategoryFailure Category = "failure"
	// CategoryRunning covers every non-terminal record, pending included:
	// from the operator's side both mean "still in flight".
	CategoryRunning Category = "running"
)

// ParseCategory maps a user-supplied filter value onto a Category.
func ParseCategory(raw string) (Category, bool) {
	switch Category(raw) {
	case CategoryAll, CategorySuccess, CategoryFailure, CategoryRunning:
		return Category(raw), true
	case "":
		return CategoryAll, true
	}
	return "", false
}

func (c Category) matches(st storage.Status) bool {
	switch c {
	case CategorySuccess:
		return st == storage.StatusSuccess
	case CategoryFailure:
		return st == storage.StatusFailed
	case CategoryRunning:
		return !st.Terminal()
	}
	return true
}

// FilterCategory keeps the records whose status falls in c. Applied to the
// physical set, before any merging.
func FilterCategory(logs []storage.ActionLog, c Category) []storage.ActionLog {
	if c == CategoryAll || c == "" {
		return logs
	}
	var out []storage.ActionLog
	for _, rec := range logs {
		if c.matches(rec.Status) {
			out = append(out, rec)
		}
	}
	return out
}

// Counts are per-category totals over the physical record set. All counts
// run attempts, not merged tasks, so records sharing a task id each count.
type Counts struct {
	All     int `json:"all"`
	Success int `json:"success"`
	Failure int `json:"failure"`
	Running int `json:"running"`
}

// Count tallies logs by category.
func Count(logs []storage.ActionLog) Counts {
	var c Counts
	for _, rec := range logs {
		c.All++
		switch {
		case rec.Status == storage.StatusSuccess:
			c.Success++
		case rec.Status == storage.StatusFailed:
			c.Failure++
		default:
			c.Running++
		}
	}
	return c
}

// Aggregate merges records by task id and computes intervals against now.
// Within a task the union of histories is de-duplicated on (status,
// timestamp) and sorted chronologically; the most recent record's non-empty
// status, endTime, finalResult and error win. Output keeps the input's
// relative task order (newest first when fed from the store).
func Aggregate(logs []storage.ActionLog, now time.Time) []TaskTimeline {
	groups := make(map[string][]storage.ActionLog)
	var taskIDs []string
	for _, rec := range logs {
		if _, ok := groups[rec.TaskID]; !ok {
			taskIDs = append(taskIDs, rec.TaskID)
		}
		groups[rec.TaskID] = append(groups[rec.TaskID], rec)
	}

	out := make([]TaskTimeline, 0, len(taskIDs))
	for _, taskID := range taskIDs {
		out = append(out, merge(taskID, groups[taskID], now))
	}
	return out
}

// ForTask aggregates just the records matching taskID. ok is false when none
// match.
func ForTask(logs []storage.ActionLog, taskID string, now time.Time) (TaskTimeline, bool) {
	var recs []storage.ActionLog
	for _, rec := range logs {
		if rec.TaskID == taskID {
			recs = append(recs, rec)
		}
	}
	if len(recs) == 0 {
		return TaskTimeline{}, false
	}
	return merge(taskID, recs, now), true
}

func merge(taskID string, recs []storage.ActionLog, now time.Time) TaskTimeline {
	// Oldest attempt first: later records override earlier ones.
	sorted := make([]storage.ActionLog, len(recs))
	copy(sorted, recs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].StartTime.Before(sorted[j].StartTime)
	})

	first := sorted[0]
	tl := TaskTimeline{
		TaskID:     taskID,
		LabID:      first.LabID,
		DeviceID:   first.DeviceID,
		DeviceName: first.DeviceName,
		ActionName: first.ActionName,
		StartTime:  first.StartTime,
		Attempts:   len(sorted),
	}

	type historyKey struct {
		status storage.Status
		ts     int64
	}
	seen := make(map[historyKey]bool)
	for _, rec := range sorted {
		if rec.Status != "" {
			tl.Status = rec.Status
		}
		if rec.EndTime != nil {
			t := *rec.EndTime
			tl.EndTime = &t
		}
		if rec.FinalResult != nil {
			fr := *rec.FinalResult
			tl.FinalResult = &fr
		}
		if rec.Error != "" {
			tl.Error = rec.Error
		}
		for _, e := range rec.History {
			k := historyKey{e.Status, e.Timestamp.UnixNano()}
			if seen[k] {
				continue
			}
			seen[k] = true
			tl.History = append(tl.History, e)
		}
	}

	sort.SliceStable(tl.History, func(i, j int) bool {
		return tl.History[i].Timestamp.Before(tl.History[j].Timestamp)
	})

	tl.Intervals = Intervals(tl.History, tl.EndTime, now)
	if n := len(tl.Intervals); n > 0 {
		tl.ElapsedMS = tl.Intervals[n-1].End.Sub(tl.Intervals[0].Start).Milliseconds()
	}
	return tl
}

// Intervals turns a chronologically sorted history into contiguous status
// intervals. The end of interval i is the timestamp of entry i+1; the last
// interval ends at endTime when set, otherwise at now. Adjacent intervals
// with the same status collapse into one.
func Intervals(history []storage.StatusEntry, endTime *time.Time, now time.Time) []Interval {
	if len(history) == 0 {
		return nil
	}

	var out []Interval
	for i, e := range history {
		var end time.Time
		switch {
		case i+1 < len(history):
			end = history[i+1].Timestamp
		case endTime != nil:
			end = *endTime
		default:
			end = now
		}
		if end.Before(e.Timestamp) {
			end = e.Timestamp
		}

		if n := len(out); n > 0 && out[n-1].Status == e.Status {
			out[n-1].End = end
			out[n-1].DurationMS = end.Sub(out[n-1].Start).Milliseconds()
			continue
		}
		out = append(out, Interval{
			Status:     e.Status,
			Start:      e.Timestamp,
			End:        end,
			DurationMS: end.Sub(e.Timestamp).Milliseconds(),
		})
	}
	return out
}
