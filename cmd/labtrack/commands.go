package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kovachev/labtrack/internal/backend"
	"github.com/kovachev/labtrack/internal/config"
	"github.com/kovachev/labtrack/internal/runner"
	"github.com/kovachev/labtrack/internal/storage"
	"github.com/kovachev/labtrack/internal/timeline"
)

func openStore(cfg config.Config) (*storage.Store, error) {
	store, err := storage.OpenWithMaxLogs(cfg.Storage.DataDir, cfg.Storage.MaxLogs)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	return store, nil
}

func newBackendClient(cfg config.Config) *backend.Client {
	return backend.NewClient(cfg.Backend.BaseURL, cfg.Backend.WSURL, cfg.Backend.APIToken)
}

// --- run ---

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Submit a device action and track it to a terminal status",
	Long: `Submit a device action and track it to a terminal status.

Examples:
  labtrack run --lab lab-1 --device thermo-01 --action heat --param '{"temp":95}'
  labtrack run --lab lab-1 --device spinner-02 --device-name "Centrifuge B" --action spin`,
	RunE: func(cmd *cobra.Command, args []string) error {
		labID, _ := cmd.Flags().GetString("lab")
		deviceID, _ := cmd.Flags().GetString("device")
		deviceName, _ := cmd.Flags().GetString("device-name")
		actionName, _ := cmd.Flags().GetString("action")
		actionType, _ := cmd.Flags().GetString("type")
		param, _ := cmd.Flags().GetString("param")
		timeout, _ := cmd.Flags().GetDuration("timeout")

		if labID == "" || deviceID == "" || actionName == "" {
			return fmt.Errorf("--lab, --device and --action are required")
		}
		if param != "" && !json.Valid([]byte(param)) {
			return fmt.Errorf("--param must be valid JSON")
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		r := runner.New(store, newBackendClient(cfg))
		printStep("Submitting %s to %s...", actionName, deviceID)

		res, err := r.Run(ctx, runner.Request{
			LabID:      labID,
			DeviceID:   deviceID,
			DeviceName: deviceName,
			ActionName: actionName,
			ActionType: actionType,
			Param:      []byte(param),
		}, func(rec storage.ActionLog) {
			printStep("%s is %s", rec.TaskID, colorize(statusColor(rec.Status), string(rec.Status)))
		})
		if err != nil {
			return err
		}

		switch {
		case res.Ambiguous:
			printWarning("Tracking for %s ended without a terminal status: %v", res.TaskID, res.Warning)
			printWarning("Run 'labtrack poll %s' later to resolve it", res.TaskID)
		case res.Log.Status == storage.StatusFailed:
			printError("Action %s failed: %s", res.TaskID, res.Log.Error)
		default:
			dur := ""
			if res.Log.DurationMS != nil {
				dur = fmt.Sprintf(" in %dms", *res.Log.DurationMS)
			}
			printSuccess("Action %s completed%s", res.TaskID, dur)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().String("lab", "", "lab id")
	runCmd.Flags().String("device", "", "device id")
	runCmd.Flags().String("device-name", "", "human-readable device name")
	runCmd.Flags().String("action", "", "action name to execute")
	runCmd.Flags().String("type", "", "action type")
	runCmd.Flags().String("param", "", "action parameters as JSON")
	runCmd.Flags().Duration("timeout", 0, "give up tracking after this long (0 = no limit)")
}

// --- logs ---

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "List and inspect recorded action runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		labID, _ := cmd.Flags().GetString("lab")
		deviceID, _ := cmd.Flags().GetString("device")
		statusStr, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		f := storage.Filter{LabID: labID, DeviceID: deviceID}
		if statusStr != "" {
			st, ok := storage.NormalizeStatus(statusStr)
			if !ok {
				return fmt.Errorf("unknown status %q", statusStr)
			}
			f.Status = st
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		logs := store.ListLogs(f)
		if limit > 0 && len(logs) > limit {
			logs = logs[:limit]
		}
		if len(logs) == 0 {
			fmt.Println("No action logs found.")
			return nil
		}
		for _, rec := range logs {
			fmt.Println(renderLogLine(rec))
		}
		return nil
	},
}

var logsTimelineCmd = &cobra.Command{
	Use:   "timeline <taskID>",
	Short: "Show the merged status timeline for one task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		taskID := args[0]

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		logs := store.ListLogs(storage.Filter{TaskID: taskID})
		tl, ok := timeline.ForTask(logs, taskID, time.Now())
		if !ok {
			return fmt.Errorf("no log for task %s", taskID)
		}

		renderTimeline(tl)
		return nil
	},
}

var logsDeleteCmd = &cobra.Command{
	Use:   "delete <taskID>",
	Short: "Delete all records for one task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.DeleteLog(args[0]); err != nil {
			return err
		}
		printSuccess("Deleted logs for task %s", args[0])
		return nil
	},
}

var logsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every recorded action run",
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This will delete ALL action logs. Use --confirm to proceed.")
			return nil
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.ClearLogs(); err != nil {
			return err
		}
		printSuccess("All action logs cleared")
		return nil
	},
}

func init() {
	logsCmd.Flags().String("lab", "", "filter by lab id")
	logsCmd.Flags().String("device", "", "filter by device id")
	logsCmd.Flags().String("status", "", "filter by status (pending, running, success, failed)")
	logsCmd.Flags().Int("limit", 0, "maximum number of logs to list (0 = all)")
	logsClearCmd.Flags().Bool("confirm", false, "confirm deletion")

	logsCmd.AddCommand(logsTimelineCmd)
	logsCmd.AddCommand(logsDeleteCmd)
	logsCmd.AddCommand(logsClearCmd)
}

// --- export ---

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export aggregated timelines as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		labID, _ := cmd.Flags().GetString("lab")
		output, _ := cmd.Flags().GetString("output")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		var writer *os.File
		if output != "" {
			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("creating output file: %w", err)
			}
			defer f.Close()
			writer = f
		} else {
			writer = os.Stdout
		}

		logs := store.ListLogs(storage.Filter{LabID: labID})
		if err := timeline.Export(writer, logs, time.Now()); err != nil {
			return err
		}

		if output != "" {
			printSuccess("Timelines exported to %s", output)
		}
		return nil
	},
}

func init() {
	exportCmd.Flags().String("lab", "", "scope export to one lab")
	exportCmd.Flags().String("output", "", "output file path (default: stdout)")
}

// --- poll ---

var pollCmd = &cobra.Command{
	Use:   "poll [taskID]",
	Short: "Resolve unfinished runs by polling the backend's result endpoint",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		labID, _ := cmd.Flags().GetString("lab")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		r := runner.New(store, newBackendClient(cfg))

		if len(args) == 1 {
			rec, changed, err := r.RefreshTask(ctx, args[0])
			if err != nil {
				return err
			}
			if !changed {
				printStatus("Task", "%s unchanged (%s)", rec.TaskID, rec.Status)
				return nil
			}
			printSuccess("Task %s is now %s", rec.TaskID, rec.Status)
			return nil
		}

		updated, err := r.Reconcile(ctx, labID)
		if err != nil {
			return err
		}
		if len(updated) == 0 {
			fmt.Println("Nothing to resolve.")
			return nil
		}
		for _, taskID := range updated {
			if rec, err := store.GetLog(taskID); err == nil {
				printSuccess("Task %s is now %s", taskID, rec.Status)
			}
		}
		return nil
	},
}

func init() {
	pollCmd.Flags().String("lab", "", "scope reconciliation to one lab")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
