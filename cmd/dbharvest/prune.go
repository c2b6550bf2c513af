package main

import (
	"fmt"

	"github.com/BadgerOps/dbharvest/internal/engine"
	"github.com/spf13/cobra"
)

func newPruneCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete backup month directories past the retention window",
		Long: `Run only the retention sweep. For every configured database, month
directories under {base_dir}/backups/{db}/{YYYY}/{MM} whose first day is
older than retention.days are deleted. Anything not following that layout is
left alone. A retention of 0 disables pruning.`,
		Example: `  dbharvest prune
  dbharvest prune --config /etc/dbharvest/dbharvest.yaml`,
		RunE: pruneRun,
	}

	return cmd
}

func pruneRun(cmd *cobra.Command, args []string) error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}
	if err := globalCfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	ctx, stop := signalContext(cmd)
	defer stop()

	orch := engine.NewOrchestrator(nil, nil, nil, globalCfg.Storage.BaseDir, logger)
	report := orch.Sweep(ctx, globalCfg.Targets, globalCfg.Retention.Days)

	if globalCfg.Retention.Days <= 0 {
		fmt.Println("Retention disabled, nothing pruned.")
		return nil
	}

	fmt.Printf("Cutoff: %s\n", report.Cutoff.Format("2006-01-02 15:04 MST"))
	for _, dir := range report.Deleted {
		fmt.Printf("  deleted %s\n", dir)
	}
	for _, err := range report.Errors {
		fmt.Printf("  ERROR: %v\n", err)
	}
	fmt.Printf("Deleted: %d, skipped: %d, errors: %d\n", len(report.Deleted), len(report.Skipped), len(report.Errors))
	return nil
}
