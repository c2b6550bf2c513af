package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BadgerOps/dbharvest/internal/config"
	"github.com/BadgerOps/dbharvest/internal/remote"
)

// DumpExecutor runs mysqldump on the target host and leaves a compressed
// artifact there.
type DumpExecutor struct {
	now    func() time.Time
	logger *slog.Logger
}

// NewDumpExecutor creates a DumpExecutor.
func NewDumpExecutor(now func() time.Time, logger *slog.Logger) *DumpExecutor {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DumpExecutor{now: now, logger: logger}
}

// Dump blocks until the remote dump finished. A non-zero exit status is a
// dump error; in that case the partial remote file is removed best-effort.
func (d *DumpExecutor) Dump(ctx context.Context, sess RemoteSession, t config.Target) (ArtifactHandle, error) {
	ts := d.now().UTC()
	filename := ArtifactFilename(t.DBName, ts)
	h := ArtifactHandle{
		Host:       t.Host,
		DBName:     t.DBName,
		Timestamp:  ts,
		Filename:   filename,
		RemotePath: RemoteArtifactPath(t.RemoteDir, filename),
	}

	log := d.logger.With("host", t.Host, "db", t.DBName, "file", filename)
	log.Info("dump started")
	start := time.Now()

	res, err := sess.Execute(ctx, DumpCommand(t, h.RemotePath))
	if err != nil {
		return h, stageErr(StageDump, t.Host, t.DBName, err)
	}
	if !res.Success() {
		d.discardPartial(ctx, sess, h, log)
		return h, stageErr(StageDump, t.Host, t.DBName,
			fmt.Errorf("remote exit status %d: %s", res.ExitStatus, res.StderrTail(512)))
	}

	log.Info("dump finished", "duration", time.Since(start).Round(time.Millisecond))
	return h, nil
}

func (d *DumpExecutor) discardPartial(ctx context.Context, sess RemoteSession, h ArtifactHandle, log *slog.Logger) {
	res, err := sess.Execute(ctx, RemoveCommand(h.RemotePath))
	if err != nil || !res.Success() {
		log.Warn("could not remove partial dump", "path", h.RemotePath, "error", err, "exit_status", res.ExitStatus)
	}
}

// DumpCommand builds the remote pipeline
//
//	set -o pipefail; mysqldump --defaults-extra-file=/dev/stdin ... <db> | gzip -c > <path>
//
// Credentials go through stdin as an option file.
func DumpCommand(t config.Target, remotePath string) remote.Command {
	return remote.Exec(
		"mysqldump",
		"--defaults-extra-file=/dev/stdin",
		"--single-transaction",
		"--routines",
		"--triggers",
		"--",
		t.DBName,
	).
		Pipe("gzip", "-c").
		RedirectTo(remotePath).
		WithStdin(clientOptionFile(t.DBUser, t.DBPassword))
}

// RemoveCommand builds the remote rm for an artifact.
func RemoveCommand(remotePath string) remote.Command {
	return remote.Exec("rm", "-f", "--", remotePath)
}

// clientOptionFile renders a [client] group for MySQL option files.
func clientOptionFile(user, password string) []byte {
	var b strings.Builder
	b.WriteString("[client]\n")
	b.WriteString("user=" + optionValue(user) + "\n")
	if password != "" {
		b.WriteString("password=" + optionValue(password) + "\n")
	}
	return []byte(b.String())
}

// optionValue quotes v for an option file, where an unquoted '#' would
// start a comment and surrounding whitespace would be trimmed.
func optionValue(v string) string {
	v = strings.NewReplacer(`\`, `\\`, "\n", `\n`, "\t", `\t`, "\r", `\r`).Replace(v)
	if !strings.Contains(v, `"`) {
		return `"` + v + `"`
	}
	if !strings.Contains(v, "'") {
		return "'" + v + "'"
	}
	return `"` + v + `"`
}
