package store

import "time"

// Run records one backup run across all targets
type Run struct {
	ID           int64
	StartTime    time.Time
	EndTime      time.Time
	Targets      int
	Succeeded    int
	Failed       int
	DirsDeleted  int
	BytesPulled  int64
	SkipRestore  bool
	Status       string // "running", "success", "partial", "failed"
	ErrorMessage string
}

// TargetResult records how far one target got within a run
type TargetResult struct {
	ID           int64
	RunID        int64
	Host         string
	DBName       string
	Stage        string // last stage reached: "connect", "dump", "transfer", "load", "done"
	Status       string // "success", "failed"
	ErrorKind    string // "connection", "dump", "transfer", "load"; empty on success
	ErrorMessage string
	ArtifactPath string
	Size         int64
	CleanupError string
	Loaded       bool
	StartTime    time.Time
	EndTime      time.Time
}
