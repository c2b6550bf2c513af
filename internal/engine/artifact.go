package engine

import (
	"fmt"
	"path"
	"time"

	"github.com/BadgerOps/dbharvest/internal/safety"
)

const (
	// ArtifactExt is the extension of every dump file.
	ArtifactExt = "sql.gz"

	timestampLayout = "20060102_150405"
	backupsDir      = "backups"
)

// ArtifactHandle follows one dump from the remote host to local storage.
// LocalPath and Size are set only after a transfer completed without error.
type ArtifactHandle struct {
	Host       string
	DBName     string
	Timestamp  time.Time
	Filename   string
	RemotePath string
	LocalPath  string
	Size       int64
}

// Transferred reports whether the artifact reached local storage.
func (h ArtifactHandle) Transferred() bool {
	return h.LocalPath != ""
}

// ArtifactFilename returns "{dbName}_{YYYYMMDD_HHMMSS}.sql.gz" for ts in UTC.
// Two dumps of one database within the same second share a name.
func ArtifactFilename(dbName string, ts time.Time) string {
	return fmt.Sprintf("%s_%s.%s", dbName, ts.UTC().Format(timestampLayout), ArtifactExt)
}

// RemoteArtifactPath places filename in remoteDir on the remote host, or in
// the login directory when remoteDir is empty. Remote paths are always
// slash-separated.
func RemoteArtifactPath(remoteDir, filename string) string {
	if remoteDir == "" {
		return filename
	}
	return path.Join(remoteDir, filename)
}

// ArtifactDir returns {baseDir}/backups/{dbName}/{YYYY}/{MM} for ts in UTC.
func ArtifactDir(baseDir, dbName string, ts time.Time) (string, error) {
	ts = ts.UTC()
	return safety.JoinUnder(baseDir, backupsDir, dbName, ts.Format("2006"), ts.Format("01"))
}

// DatabaseDir returns {baseDir}/backups/{dbName}.
func DatabaseDir(baseDir, dbName string) (string, error) {
	return safety.JoinUnder(baseDir, backupsDir, dbName)
}
