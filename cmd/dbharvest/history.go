package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	historyLimit   int
	historyTargets bool
	historyRunID   int64
)

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded backup runs",
		Long: `List past runs recorded in the history database (storage.history_db),
newest first. Use --targets to include per-target results, or --run to
show a single run in detail.`,
		Example: `  dbharvest history
  dbharvest history --limit 5 --targets
  dbharvest history --run 42`,
		RunE: historyRun,
	}

	cmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum number of runs to show")
	cmd.Flags().BoolVar(&historyTargets, "targets", false, "show per-target results")
	cmd.Flags().Int64Var(&historyRunID, "run", 0, "show one run with its per-target results")

	return cmd
}

func historyRun(cmd *cobra.Command, args []string) error {
	if globalStore == nil {
		return fmt.Errorf("history is disabled; set storage.history_db in the config")
	}

	if historyRunID > 0 {
		return showRun(historyRunID)
	}

	runs, err := globalStore.ListRuns(historyLimit)
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTARTED\tSTATUS\tOK\tFAILED\tPULLED\tPRUNED\tDURATION")
	for _, r := range runs {
		duration := "-"
		if !r.EndTime.IsZero() {
			duration = r.EndTime.Sub(r.StartTime).String()
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d\t%s\t%d\t%s\n",
			r.ID,
			humanize.Time(r.StartTime),
			r.Status,
			r.Succeeded,
			r.Failed,
			humanize.Bytes(uint64(r.BytesPulled)),
			r.DirsDeleted,
			duration,
		)

		if !historyTargets {
			continue
		}
		results, err := globalStore.ListTargetResults(r.ID)
		if err != nil {
			return fmt.Errorf("failed to list results for run %d: %w", r.ID, err)
		}
		for _, res := range results {
			detail := humanize.Bytes(uint64(res.Size))
			if res.ErrorMessage != "" {
				detail = res.ErrorKind + ": " + res.ErrorMessage
			}
			fmt.Fprintf(w, "\t  %s/%s\t%s\t\t\t%s\t\t\n", res.Host, res.DBName, res.Status, detail)
		}
	}
	return w.Flush()
}

func showRun(id int64) error {
	run, err := globalStore.GetRun(id)
	if err != nil {
		return err
	}
	results, err := globalStore.ListTargetResults(id)
	if err != nil {
		return fmt.Errorf("failed to list results for run %d: %w", id, err)
	}

	fmt.Printf("Run %d\n", run.ID)
	fmt.Printf("  Started:      %s (%s)\n", run.StartTime.Format("2006-01-02 15:04:05 MST"), humanize.Time(run.StartTime))
	if !run.EndTime.IsZero() {
		fmt.Printf("  Duration:     %s\n", run.EndTime.Sub(run.StartTime))
	}
	fmt.Printf("  Status:       %s\n", run.Status)
	fmt.Printf("  Skip restore: %t\n", run.SkipRestore)
	fmt.Printf("  Targets:      %d ok, %d failed\n", run.Succeeded, run.Failed)
	fmt.Printf("  Pulled:       %s\n", humanize.Bytes(uint64(run.BytesPulled)))
	fmt.Printf("  Dirs pruned:  %d\n", run.DirsDeleted)
	if run.ErrorMessage != "" {
		fmt.Printf("  Error:        %s\n", run.ErrorMessage)
	}

	for _, res := range results {
		fmt.Printf("\n  %s/%s: %s at %s\n", res.Host, res.DBName, res.Status, res.Stage)
		if res.ArtifactPath != "" {
			fmt.Printf("    Artifact: %s (%s)\n", res.ArtifactPath, humanize.Bytes(uint64(res.Size)))
		}
		if res.ErrorMessage != "" {
			fmt.Printf("    Error:    %s: %s\n", res.ErrorKind, res.ErrorMessage)
		}
		if res.CleanupError != "" {
			fmt.Printf("    Cleanup:  %s\n", res.CleanupError)
		}
	}
	return nil
}
