package engine

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// SweepReport summarizes one retention pass.
type SweepReport struct {
	Cutoff  time.Time
	Deleted []string
	Skipped []string
	Errors  []error
}

// RetentionSweeper removes month directories that fell out of the retention
// window. Deletion failures are collected and logged; a sweep never fails.
type RetentionSweeper struct {
	baseDir string
	now     func() time.Time
	logger  *slog.Logger
}

// NewRetentionSweeper creates a sweeper over {baseDir}/backups.
func NewRetentionSweeper(baseDir string, now func() time.Time, logger *slog.Logger) *RetentionSweeper {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RetentionSweeper{baseDir: baseDir, now: now, logger: logger}
}

// Sweep deletes every {dbName}/{YYYY}/{MM} directory whose month, taken as
// its first day at 00:00 UTC, is strictly before now minus retentionDays.
// Entries that do not follow that layout are left alone. A non-positive
// retentionDays disables the sweep.
func (r *RetentionSweeper) Sweep(ctx context.Context, dbNames []string, retentionDays int) SweepReport {
	var report SweepReport
	if retentionDays <= 0 {
		r.logger.Info("retention disabled", "retention_days", retentionDays)
		return report
	}

	report.Cutoff = r.now().UTC().Add(-time.Duration(retentionDays) * 24 * time.Hour)
	r.logger.Info("retention sweep started", "cutoff", report.Cutoff.Format(time.RFC3339), "retention_days", retentionDays)

	seen := make(map[string]bool, len(dbNames))
	for _, name := range dbNames {
		if seen[name] {
			continue
		}
		seen[name] = true

		if err := ctx.Err(); err != nil {
			report.Errors = append(report.Errors, stageErr(StageRetention, "", name, err))
			r.logger.Warn("retention sweep interrupted", "error", err)
			break
		}
		r.sweepDatabase(name, report.Cutoff, &report)
	}

	r.logger.Info("retention sweep finished",
		"deleted", len(report.Deleted),
		"skipped", len(report.Skipped),
		"errors", len(report.Errors),
	)
	return report
}

func (r *RetentionSweeper) sweepDatabase(dbName string, cutoff time.Time, report *SweepReport) {
	log := r.logger.With("db", dbName)
	fail := func(err error) {
		se := stageErr(StageRetention, "", dbName, err)
		report.Errors = append(report.Errors, se)
		log.Error("retention entry failed", "kind", KindName(se), "error", err)
	}

	root, err := DatabaseDir(r.baseDir, dbName)
	if err != nil {
		fail(err)
		return
	}
	if _, err := os.Stat(root); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			log.Debug("no backups yet", "dir", root)
			return
		}
		fail(err)
		return
	}

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			fail(err)
			return nil
		}
		if path == root || !d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			fail(err)
			return fs.SkipDir
		}
		rel = filepath.ToSlash(rel)

		switch strings.Count(rel, "/") {
		case 0:
			if _, ok := parseYear(rel); ok {
				return nil
			}
		case 1:
			month, ok := parseMonthDir(rel)
			if !ok {
				break
			}
			if !month.Before(cutoff) {
				return fs.SkipDir
			}
			log.Info("deleting old backup directory", "dir", path, "month", rel)
			if err := os.RemoveAll(path); err != nil {
				fail(err)
				return fs.SkipDir
			}
			report.Deleted = append(report.Deleted, path)
			return fs.SkipDir
		}

		log.Debug("skipping unexpected entry", "dir", path)
		report.Skipped = append(report.Skipped, path)
		return fs.SkipDir
	})
	if err != nil {
		fail(err)
	}
}

// parseMonthDir parses a "YYYY/MM" relative path. ok is false for anything
// else, which callers treat as "not a backup month, skip".
func parseMonthDir(rel string) (month time.Time, ok bool) {
	yearPart, monthPart, found := strings.Cut(rel, "/")
	if !found {
		return time.Time{}, false
	}
	year, ok := parseYear(yearPart)
	if !ok {
		return time.Time{}, false
	}
	if len(monthPart) != 2 || !allDigits(monthPart) {
		return time.Time{}, false
	}
	m, err := strconv.Atoi(monthPart)
	if err != nil || m < 1 || m > 12 {
		return time.Time{}, false
	}
	return time.Date(year, time.Month(m), 1, 0, 0, 0, 0, time.UTC), true
}

func parseYear(s string) (int, bool) {
	if len(s) != 4 || !allDigits(s) {
		return 0, false
	}
	y, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return y, true
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
