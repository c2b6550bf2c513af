package engine

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseMonthDir(t *testing.T) {
	tests := []struct {
		rel    string
		want   time.Time
		wantOK bool
	}{
		{"2024/01", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), true},
		{"2023/12", time.Date(2023, 12, 1, 0, 0, 0, 0, time.UTC), true},
		{"2024/13", time.Time{}, false},
		{"2024/00", time.Time{}, false},
		{"2024/1", time.Time{}, false},
		{"24/01", time.Time{}, false},
		{"2024/notes", time.Time{}, false},
		{"abcd/01", time.Time{}, false},
		{"2024", time.Time{}, false},
		{"2024/01/extra", time.Time{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.rel, func(t *testing.T) {
			got, ok := parseMonthDir(tt.rel)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !got.Equal(tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func mkdirs(t *testing.T, base string, rels ...string) {
	t.Helper()
	for _, rel := range rels {
		if err := os.MkdirAll(filepath.Join(base, filepath.FromSlash(rel)), 0755); err != nil {
			t.Fatalf("mkdir %s: %v", rel, err)
		}
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestSweep_DeletesExpiredMonths(t *testing.T) {
	base := t.TempDir()
	mkdirs(t, base,
		"backups/app/2023/11",
		"backups/app/2024/01",
		"backups/app/2024/02",
		"backups/app/2024/03",
		"backups/app/notes",
		"backups/app/2024/tmp",
	)
	if err := os.WriteFile(filepath.Join(base, "backups/app/2024/01/app_20240101_020000.sql.gz"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(base, "backups/app/README"), []byte("keep"), 0644); err != nil {
		t.Fatal(err)
	}

	logger, _ := newTestLogger()
	report := NewRetentionSweeper(base, fixedClock, logger).Sweep(context.Background(), []string{"app"}, 30)

	// cutoff is 2024-02-14 02:00 UTC; 2024-02-01 is before it
	for _, rel := range []string{"2023/11", "2024/01", "2024/02"} {
		if exists(filepath.Join(base, "backups/app", rel)) {
			t.Errorf("%s should be deleted", rel)
		}
	}
	for _, rel := range []string{"2024/03", "notes", "2024/tmp", "README"} {
		if !exists(filepath.Join(base, "backups/app", rel)) {
			t.Errorf("%s should be kept", rel)
		}
	}

	if len(report.Deleted) != 3 {
		t.Errorf("Deleted = %v, want 3 entries", report.Deleted)
	}
	if len(report.Errors) != 0 {
		t.Errorf("Errors = %v", report.Errors)
	}
	wantCutoff := time.Date(2024, 2, 14, 2, 0, 0, 0, time.UTC)
	if !report.Cutoff.Equal(wantCutoff) {
		t.Errorf("Cutoff = %v, want %v", report.Cutoff, wantCutoff)
	}
}

func TestSweep_DisabledForNonPositiveDays(t *testing.T) {
	for _, days := range []int{0, -5} {
		base := t.TempDir()
		mkdirs(t, base, "backups/app/2000/01")

		report := NewRetentionSweeper(base, fixedClock, nil).Sweep(context.Background(), []string{"app"}, days)

		if !exists(filepath.Join(base, "backups/app/2000/01")) {
			t.Errorf("days=%d: nothing should be deleted", days)
		}
		if len(report.Deleted) != 0 {
			t.Errorf("days=%d: Deleted = %v", days, report.Deleted)
		}
	}
}

func TestSweep_MissingDatabaseDir(t *testing.T) {
	base := t.TempDir()
	report := NewRetentionSweeper(base, fixedClock, nil).Sweep(context.Background(), []string{"never_backed_up"}, 30)
	if len(report.Errors) != 0 || len(report.Deleted) != 0 {
		t.Errorf("report = %+v, want empty", report)
	}
}

func TestSweep_OnlyConfiguredDatabases(t *testing.T) {
	base := t.TempDir()
	mkdirs(t, base, "backups/app/2020/01", "backups/other/2020/01")

	NewRetentionSweeper(base, fixedClock, nil).Sweep(context.Background(), []string{"app", "app"}, 30)

	if exists(filepath.Join(base, "backups/app/2020/01")) {
		t.Error("app/2020/01 should be deleted")
	}
	if !exists(filepath.Join(base, "backups/other/2020/01")) {
		t.Error("directories of unconfigured databases must be left alone")
	}
}

func TestSweep_RejectsUnsafeName(t *testing.T) {
	base := t.TempDir()
	report := NewRetentionSweeper(base, fixedClock, nil).Sweep(context.Background(), []string{"../escape"}, 30)
	if len(report.Errors) != 1 {
		t.Fatalf("Errors = %v, want 1", report.Errors)
	}
	if KindName(report.Errors[0]) != "retention" {
		t.Errorf("kind = %q, want retention", KindName(report.Errors[0]))
	}
}

func TestSweep_StopsOnCancelledContext(t *testing.T) {
	base := t.TempDir()
	mkdirs(t, base, "backups/app/2020/01")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report := NewRetentionSweeper(base, fixedClock, nil).Sweep(ctx, []string{"app"}, 30)

	if !exists(filepath.Join(base, "backups/app/2020/01")) {
		t.Error("cancelled sweep must not delete")
	}
	if len(report.Errors) != 1 {
		t.Errorf("Errors = %v, want 1", report.Errors)
	}
}

func TestSweep_CutoffBoundaryKeepsCutoffMonth(t *testing.T) {
	base := t.TempDir()
	mkdirs(t, base, "backups/app/2024/02", "backups/app/2024/03")

	now := func() time.Time { return time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC) }
	report := NewRetentionSweeper(base, now, nil).Sweep(context.Background(), []string{"app"}, 30)

	wantCutoff := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	if !report.Cutoff.Equal(wantCutoff) {
		t.Fatalf("Cutoff = %v, want %v", report.Cutoff, wantCutoff)
	}
	// 2024-03-01 equals the cutoff, so it is not strictly before it
	if !exists(filepath.Join(base, "backups/app/2024/03")) {
		t.Error("2024/03 should be kept")
	}
	if exists(filepath.Join(base, "backups/app/2024/02")) {
		t.Error("2024/02 should be deleted")
	}
	if len(report.Deleted) != 1 {
		t.Errorf("Deleted = %v, want 1 entry", report.Deleted)
	}
}

func TestSweep_ContinuesPastFailedEntries(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission checks do not apply to root")
	}

	base := t.TempDir()
	mkdirs(t, base,
		"backups/app/2019/01",
		"backups/app/2020/01",
		"backups/app/2021/01",
		"backups/shop/2020/01",
	)
	unreadable := filepath.Join(base, "backups/app/2019")
	readOnly := filepath.Join(base, "backups/app/2020")
	if err := os.Chmod(unreadable, 0); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(readOnly, 0555); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = os.Chmod(unreadable, 0755)
		_ = os.Chmod(readOnly, 0755)
	})

	logger, logs := newTestLogger()
	report := NewRetentionSweeper(base, fixedClock, logger).Sweep(context.Background(), []string{"app", "shop"}, 30)

	if len(report.Errors) != 2 {
		t.Fatalf("Errors = %v, want 2 (unreadable year, undeletable month)", report.Errors)
	}
	for _, err := range report.Errors {
		if KindName(err) != "retention" {
			t.Errorf("kind = %q, want retention", KindName(err))
		}
	}
	if !strings.Contains(logs.String(), "retention entry failed") {
		t.Errorf("failures were not logged:\n%s", logs.String())
	}

	if !exists(filepath.Join(readOnly, "01")) {
		t.Error("app/2020/01 could not be removed and should still exist")
	}
	for _, rel := range []string{"app/2021/01", "shop/2020/01"} {
		if exists(filepath.Join(base, "backups", rel)) {
			t.Errorf("%s should be deleted after earlier failures", rel)
		}
	}
	if len(report.Deleted) != 2 {
		t.Errorf("Deleted = %v, want 2 entries", report.Deleted)
	}
}
