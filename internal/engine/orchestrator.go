package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/BadgerOps/dbharvest/internal/config"
	"github.com/BadgerOps/dbharvest/internal/store"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
)

// RunOptions are fixed for the duration of a run.
type RunOptions struct {
	SkipLocalRestore bool
	RetentionDays    int
	// Parallelism bounds how many targets run at once. Values below 2 run
	// targets strictly one after another.
	Parallelism int
}

// History persists run reports. *store.Store implements it.
type History interface {
	CreateRun(run *store.Run) error
	UpdateRun(run *store.Run) error
	AddTargetResult(res *store.TargetResult) error
}

// Orchestrator sequences dump, transfer and load per target and sweeps
// expired artifacts once all targets were attempted.
type Orchestrator struct {
	opener  SessionOpener
	restore Restorer
	history History
	baseDir string
	logger  *slog.Logger
	now     func() time.Time

	dbLocks *keyedMutex
}

// NewOrchestrator creates an Orchestrator writing artifacts below baseDir.
// restore and history may be nil: without a Restorer every load fails, and
// without History runs are not recorded.
func NewOrchestrator(opener SessionOpener, restore Restorer, history History, baseDir string, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		opener:  opener,
		restore: restore,
		history: history,
		baseDir: baseDir,
		logger:  logger,
		now:     time.Now,
		dbLocks: newKeyedMutex(),
	}
}

// SetClock replaces the time source used for artifact names, partitions and
// the retention cutoff.
func (o *Orchestrator) SetClock(now func() time.Time) {
	o.now = now
}

// Run attempts every target and then sweeps retention. Per-target failures
// are logged and recorded in the report; they never stop other targets.
func (o *Orchestrator) Run(ctx context.Context, targets []config.Target, opts RunOptions) *RunReport {
	report := &RunReport{
		StartTime:   o.now(),
		SkipRestore: opts.SkipLocalRestore,
		Targets:     make([]TargetOutcome, len(targets)),
	}
	o.logger.Info("backup run started",
		"targets", len(targets),
		"skip_restore", opts.SkipLocalRestore,
		"parallelism", max(opts.Parallelism, 1),
	)

	histRun := o.beginHistory(report)

	dumper := NewDumpExecutor(o.now, o.logger)
	transfer := NewArtifactTransfer(o.baseDir, o.now, o.logger)
	loader := NewLocalLoader(o.restore, o.logger)

	if opts.Parallelism > 1 {
		var g errgroup.Group
		g.SetLimit(opts.Parallelism)
		for i, t := range targets {
			g.Go(func() error {
				report.Targets[i] = o.runTarget(ctx, t, opts, dumper, transfer, loader)
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for i, t := range targets {
			report.Targets[i] = o.runTarget(ctx, t, opts, dumper, transfer, loader)
		}
	}

	report.Sweep = o.Sweep(ctx, targets, opts.RetentionDays)
	report.EndTime = o.now()

	o.logger.Info("backup run finished",
		"status", report.Status(),
		"succeeded", report.Succeeded(),
		"failed", report.Failed(),
		"pulled", humanize.Bytes(uint64(report.BytesPulled())),
		"dirs_deleted", len(report.Sweep.Deleted),
		"duration", report.Duration().Round(time.Millisecond),
	)

	o.finishHistory(histRun, report)
	return report
}

// Sweep runs only the retention pass over the targets' databases.
func (o *Orchestrator) Sweep(ctx context.Context, targets []config.Target, retentionDays int) SweepReport {
	names := make([]string, 0, len(targets))
	for _, t := range targets {
		names = append(names, t.DBName)
	}
	return NewRetentionSweeper(o.baseDir, o.now, o.logger).Sweep(ctx, names, retentionDays)
}

func (o *Orchestrator) runTarget(
	ctx context.Context,
	t config.Target,
	opts RunOptions,
	dumper *DumpExecutor,
	transfer *ArtifactTransfer,
	loader *LocalLoader,
) (out TargetOutcome) {
	unlock := o.dbLocks.Lock(t.DBName)
	defer unlock()

	out = TargetOutcome{Host: t.Host, DBName: t.DBName, StartTime: o.now()}
	defer func() { out.EndTime = o.now() }()

	log := o.logger.With("host", t.Host, "db", t.DBName)
	fail := func(stage Stage, err error) TargetOutcome {
		var se *StageError
		if !errors.As(err, &se) {
			err = stageErr(stage, t.Host, t.DBName, err)
		}
		out.Stage = stage
		out.Err = err
		log.Error("target failed", "stage", stage, "kind", KindName(err), "error", err)
		return out
	}

	if err := ctx.Err(); err != nil {
		return fail(StageConnect, err)
	}

	out.Stage = StageConnect
	log.Info("connecting", "addr", t.Address(), "user", t.SSHUser)
	sess, err := o.opener.Open(ctx, t)
	if err != nil {
		return fail(StageConnect, err)
	}
	defer func() {
		if err := sess.Close(); err != nil {
			log.Debug("closing session", "error", err)
		}
	}()
	log.Info("connected")

	out.Stage = StageDump
	h, err := dumper.Dump(ctx, sess, t)
	if err != nil {
		return fail(StageDump, err)
	}

	out.Stage = StageTransfer
	h, cleanup, err := transfer.Pull(ctx, sess, h)
	if err != nil {
		return fail(StageTransfer, err)
	}
	out.Artifact = h
	if cleanup.OK() {
		log.Info("remote remove finished", "path", cleanup.RemotePath)
	} else {
		out.CleanupErr = cleanup.Err
		log.Warn("remote remove failed", "path", cleanup.RemotePath, "error", cleanup.Err)
	}

	if opts.SkipLocalRestore {
		log.Info("local restore skipped")
		out.Stage = StageDone
		return out
	}

	out.Stage = StageLoad
	if err := loader.Load(ctx, h, opts); err != nil {
		return fail(StageLoad, err)
	}
	out.Loaded = true
	out.Stage = StageDone
	return out
}

func (o *Orchestrator) beginHistory(report *RunReport) *store.Run {
	if o.history == nil {
		return nil
	}
	run := &store.Run{
		StartTime:   report.StartTime.UTC(),
		Targets:     len(report.Targets),
		SkipRestore: report.SkipRestore,
		Status:      "running",
	}
	if err := o.history.CreateRun(run); err != nil {
		o.logger.Warn("failed to record run start", "error", err)
		return nil
	}
	return run
}

func (o *Orchestrator) finishHistory(run *store.Run, report *RunReport) {
	if run == nil {
		return
	}

	for _, t := range report.Targets {
		res := &store.TargetResult{
			RunID:        run.ID,
			Host:         t.Host,
			DBName:       t.DBName,
			Stage:        string(t.Stage),
			Status:       string(StatusSuccess),
			ArtifactPath: t.Artifact.LocalPath,
			Size:         t.Artifact.Size,
			Loaded:       t.Loaded,
			StartTime:    t.StartTime.UTC(),
			EndTime:      t.EndTime.UTC(),
		}
		if t.Err != nil {
			res.Status = string(StatusFailed)
			res.ErrorKind = KindName(t.Err)
			res.ErrorMessage = t.Err.Error()
		}
		if t.CleanupErr != nil {
			res.CleanupError = t.CleanupErr.Error()
		}
		if err := o.history.AddTargetResult(res); err != nil {
			o.logger.Warn("failed to record target result", "host", t.Host, "db", t.DBName, "error", err)
		}
	}

	run.EndTime = report.EndTime.UTC()
	run.Succeeded = report.Succeeded()
	run.Failed = report.Failed()
	run.DirsDeleted = len(report.Sweep.Deleted)
	run.BytesPulled = report.BytesPulled()
	run.Status = string(report.Status())
	if n := len(report.Sweep.Errors); n > 0 {
		run.ErrorMessage = errors.Join(report.Sweep.Errors...).Error()
	}
	if err := o.history.UpdateRun(run); err != nil {
		o.logger.Warn("failed to record run end", "error", err)
	}
}
