package timeline

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/kovachev/labtrack/internal/storage"
)

// Export writes the aggregated timelines for logs as an indented JSON array.
// The output round-trips through Import without losing status, endTime or
// finalResult.
func Export(w io.Writer, logs []storage.ActionLog, now time.Time) error {
	timelines := Aggregate(logs, now)
	if timelines == nil {
		timelines = []TaskTimeline{}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(timelines); err != nil {
		return fmt.Errorf("encoding timelines: %w", err)
	}
	return nil
}

// Import reads a previously exported timeline array.
func Import(r io.Reader) ([]TaskTimeline, error) {
	var timelines []TaskTimeline
	if err := json.NewDecoder(r).Decode(&timelines); err != nil {
		return nil, fmt.Errorf("decoding timelines: %w", err)
	}
	return timelines, nil
}
