package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/BadgerOps/dbharvest/internal/config"
	"github.com/BadgerOps/dbharvest/internal/engine"
	"github.com/BadgerOps/dbharvest/internal/localdb"
	"github.com/BadgerOps/dbharvest/internal/remote"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var runNoRestore bool

// newSessionOpener builds the SSH side of the pipeline; tests swap it out.
var newSessionOpener = func(cfg *config.Config) (engine.SessionOpener, error) {
	knownHosts := cfg.SSH.KnownHosts
	if knownHosts == "" {
		if home, err := os.UserHomeDir(); err == nil {
			knownHosts = filepath.Join(home, ".ssh", "known_hosts")
		}
	}
	hostKeys, err := remote.NewHostKeyStore(knownHosts, logger)
	if err != nil {
		return nil, err
	}
	dialer := remote.NewDialer(remote.Options{
		KeyPath:        cfg.SSH.KeyPath,
		Passphrase:     cfg.SSH.Passphrase,
		ConnectTimeout: cfg.SSH.ConnectTimeout,
		UseAgent:       true,
	}, hostKeys, logger)
	return engine.DialerOpener(dialer), nil
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Back up every configured target",
		Long: `Back up every configured target, one after another unless
runner.parallelism is above 1.

For each target the run will:
  1. Open an SSH session to the host
  2. Run mysqldump piped through gzip into a file on the host
  3. Pull the file into {base_dir}/backups/{db}/{YYYY}/{MM}/
  4. Remove the remote copy
  5. Create the local database if needed and load the dump

A failing target is logged and skipped. After all targets, month
directories older than retention.days are deleted. The command exits 0
once the run completed, even when targets failed.`,
		Example: `  dbharvest run
  dbharvest run --no-restore
  dbharvest run --config ./dbharvest.yaml --log-level debug`,
		RunE: runRun,
	}

	cmd.Flags().BoolVar(&runNoRestore, "no-restore", false, "skip loading dumps into the local database")

	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}
	if err := globalCfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	opener, err := newSessionOpener(globalCfg)
	if err != nil {
		return fmt.Errorf("failed to set up ssh: %w", err)
	}

	var history engine.History
	if globalStore != nil {
		history = globalStore
	}

	orch := engine.NewOrchestrator(
		opener,
		localdb.New(globalCfg.LocalDB, logger),
		history,
		globalCfg.Storage.BaseDir,
		logger,
	)

	ctx, stop := signalContext(cmd)
	defer stop()

	report := orch.Run(ctx, globalCfg.Targets, engine.RunOptions{
		SkipLocalRestore: runNoRestore,
		RetentionDays:    globalCfg.Retention.Days,
		Parallelism:      globalCfg.Runner.Parallelism,
	})

	printRunReport(os.Stdout, report)
	return nil
}

// signalContext cancels on SIGINT or SIGTERM so in-flight remote commands
// are interrupted.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := context.Background()
	if cmd != nil && cmd.Context() != nil {
		parent = cmd.Context()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func printRunReport(w io.Writer, report *engine.RunReport) {
	for _, t := range report.Targets {
		fmt.Fprintf(w, "\n%s/%s:\n", t.Host, t.DBName)
		if t.Err != nil {
			fmt.Fprintf(w, "  FAILED at %s (%s): %v\n", t.Stage, engine.KindName(t.Err), t.Err)
			continue
		}
		fmt.Fprintf(w, "  Artifact: %s (%s)\n", t.Artifact.LocalPath, humanize.Bytes(uint64(t.Artifact.Size)))
		if t.CleanupErr != nil {
			fmt.Fprintf(w, "  Remote copy NOT removed: %v\n", t.CleanupErr)
		}
		if t.Loaded {
			fmt.Fprintf(w, "  Loaded:   yes\n")
		} else {
			fmt.Fprintf(w, "  Loaded:   skipped\n")
		}
	}

	fmt.Fprintln(w, "\n=== RUN SUMMARY ===")
	fmt.Fprintf(w, "Status:       %s\n", report.Status())
	fmt.Fprintf(w, "Succeeded:    %d\n", report.Succeeded())
	fmt.Fprintf(w, "Failed:       %d\n", report.Failed())
	fmt.Fprintf(w, "Pulled:       %s\n", humanize.Bytes(uint64(report.BytesPulled())))
	fmt.Fprintf(w, "Dirs pruned:  %d\n", len(report.Sweep.Deleted))
	fmt.Fprintf(w, "Duration:     %s\n", report.Duration().Round(time.Second))
}
