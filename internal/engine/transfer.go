package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/BadgerOps/dbharvest/internal/remote"
	"github.com/dustin/go-humanize"
)

// CleanupResult is the outcome of removing the remote copy after a
// transfer. A failure here never fails the target; callers log it.
type CleanupResult struct {
	RemotePath string
	Err        error
}

// OK reports whether the remote copy was removed.
func (c CleanupResult) OK() bool {
	return c.Err == nil
}

// ArtifactTransfer pulls artifacts into the date-partitioned local tree.
type ArtifactTransfer struct {
	baseDir string
	now     func() time.Time
	logger  *slog.Logger
}

// NewArtifactTransfer creates an ArtifactTransfer rooted at baseDir.
func NewArtifactTransfer(baseDir string, now func() time.Time, logger *slog.Logger) *ArtifactTransfer {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ArtifactTransfer{baseDir: baseDir, now: now, logger: logger}
}

// Pull copies the remote artifact to {base}/backups/{db}/{YYYY}/{MM}/ using
// the UTC month at transfer time, then removes the remote copy. The data is
// written to a ".part" file and renamed into place, so the final path only
// ever holds a complete artifact.
func (x *ArtifactTransfer) Pull(ctx context.Context, sess RemoteSession, h ArtifactHandle) (ArtifactHandle, CleanupResult, error) {
	log := x.logger.With("host", h.Host, "db", h.DBName, "file", h.Filename)
	fail := func(err error) (ArtifactHandle, CleanupResult, error) {
		return h, CleanupResult{RemotePath: h.RemotePath}, stageErr(StageTransfer, h.Host, h.DBName, err)
	}

	dir, err := ArtifactDir(x.baseDir, h.DBName, x.now())
	if err != nil {
		return fail(err)
	}
	// MkdirAll is a no-op for an existing tree and tolerates concurrent creation.
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fail(fmt.Errorf("create %s: %w", dir, err))
	}

	ch, err := sess.OpenTransferChannel()
	if err != nil {
		return fail(err)
	}

	dest := filepath.Join(dir, h.Filename)
	log.Info("download started", "dest", dest)
	start := time.Now()

	n, err := x.fetch(ctx, ch, h.RemotePath, dest)
	if err != nil {
		return fail(err)
	}

	h.LocalPath = dest
	h.Size = n
	log.Info("download finished",
		"dest", dest,
		"size", humanize.Bytes(uint64(n)),
		"duration", time.Since(start).Round(time.Millisecond),
	)

	log.Info("remote remove started", "path", h.RemotePath)
	return h, x.removeRemote(ctx, sess, h.RemotePath), nil
}

func (x *ArtifactTransfer) fetch(ctx context.Context, ch remote.TransferChannel, remotePath, dest string) (n int64, err error) {
	part := dest + ".part"
	f, err := os.OpenFile(part, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0640)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", part, err)
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(part)
		}
	}()

	n, err = ch.Fetch(ctx, remotePath, f)
	if err != nil {
		return n, err
	}
	if err = f.Sync(); err != nil {
		return n, fmt.Errorf("sync %s: %w", part, err)
	}
	if err = f.Close(); err != nil {
		return n, fmt.Errorf("close %s: %w", part, err)
	}
	if err = os.Rename(part, dest); err != nil {
		return n, fmt.Errorf("rename %s: %w", part, err)
	}
	return n, nil
}

func (x *ArtifactTransfer) removeRemote(ctx context.Context, sess RemoteSession, remotePath string) CleanupResult {
	res, err := sess.Execute(ctx, RemoveCommand(remotePath))
	if err == nil && !res.Success() {
		err = fmt.Errorf("rm exit status %d: %s", res.ExitStatus, res.StderrTail(256))
	}
	if err != nil {
		return CleanupResult{RemotePath: remotePath, Err: fmt.Errorf("remove remote %s: %w", remotePath, err)}
	}
	return CleanupResult{RemotePath: remotePath}
}
