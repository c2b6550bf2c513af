package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Restorer creates and fills a local database. localdb.Loader is the
// production implementation.
type Restorer interface {
	EnsureDatabase(ctx context.Context, name string) error
	Import(ctx context.Context, name, artifactPath string) error
}

// LocalLoader loads transferred artifacts into the local server. Callers
// must not load two artifacts into the same database concurrently; the
// Orchestrator serializes pipelines per database name.
type LocalLoader struct {
	restorer Restorer
	logger   *slog.Logger
}

// NewLocalLoader creates a LocalLoader.
func NewLocalLoader(r Restorer, logger *slog.Logger) *LocalLoader {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalLoader{restorer: r, logger: logger}
}

// Load creates the database if needed and imports the artifact into it.
// It does nothing when opts.SkipLocalRestore is set.
func (l *LocalLoader) Load(ctx context.Context, h ArtifactHandle, opts RunOptions) error {
	if opts.SkipLocalRestore {
		return nil
	}
	if !h.Transferred() {
		return stageErr(StageLoad, h.Host, h.DBName, errors.New("artifact has no local copy"))
	}
	if l.restorer == nil {
		return stageErr(StageLoad, h.Host, h.DBName, errors.New("no local database configured"))
	}

	log := l.logger.With("host", h.Host, "db", h.DBName, "file", h.Filename)

	if err := l.restorer.EnsureDatabase(ctx, h.DBName); err != nil {
		return stageErr(StageLoad, h.Host, h.DBName, err)
	}
	log.Info("database created (if not existed)")

	log.Info("restore started", "path", h.LocalPath)
	start := time.Now()
	if err := l.restorer.Import(ctx, h.DBName, h.LocalPath); err != nil {
		return stageErr(StageLoad, h.Host, h.DBName, err)
	}
	log.Info("restore finished", "duration", time.Since(start).Round(time.Millisecond))
	return nil
}
