package main

import (
	"fmt"
	"os"
	"time"

	"github.com/kovachev/labtrack/internal/storage"
	"github.com/kovachev/labtrack/internal/timeline"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printSuccess(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorGreen, "✓ "+msg))
}

func printError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorRed, "✗ "+msg))
}

func printWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorYellow, "⚠ "+msg))
}

func printStatus(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	l := colorize(colorBold, label+":")
	fmt.Fprintf(os.Stderr, "  %s %s\n", l, val)
}

func printStep(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorCyan, "→ "+msg))
}

func statusColor(st storage.Status) string {
	switch st {
	case storage.StatusSuccess:
		return colorGreen
	case storage.StatusFailed:
		return colorRed
	case storage.StatusRunning:
		return colorCyan
	default:
		return colorYellow
	}
}

func renderLogLine(rec storage.ActionLog) string {
	dur := ""
	if rec.DurationMS != nil {
		dur = fmt.Sprintf("  %s", (time.Duration(*rec.DurationMS) * time.Millisecond).String())
	}
	return fmt.Sprintf("%s  %-8s  %s  %s%s",
		colorize(colorCyan, rec.TaskID),
		colorize(statusColor(rec.Status), string(rec.Status)),
		rec.StartTime.Local().Format("2006-01-02 15:04:05"),
		rec.ActionName,
		dur,
	)
}

func renderTimeline(tl timeline.TaskTimeline) {
	fmt.Printf("%s  %s\n", colorize(colorBold, tl.TaskID), tl.ActionName)
	if tl.DeviceName != "" {
		fmt.Printf("  device: %s (%s)\n", tl.DeviceName, tl.DeviceID)
	}
	if tl.Attempts > 1 {
		fmt.Printf("  attempts: %d\n", tl.Attempts)
	}
	for _, iv := range tl.Intervals {
		fmt.Printf("  %s  %s → %s  (%dms)\n",
			colorize(statusColor(iv.Status), fmt.Sprintf("%-8s", iv.Status)),
			iv.Start.Local().Format("15:04:05.000"),
			iv.End.Local().Format("15:04:05.000"),
			iv.DurationMS,
		)
	}
	fmt.Printf("  elapsed: %dms\n", tl.ElapsedMS)
	if tl.Error != "" {
		fmt.Printf("  %s %s\n", colorize(colorRed, "error:"), tl.Error)
	}
}
