package engine

import (
	"time"
)

// RunStatus summarizes a run for humans and the history store.
type RunStatus string

const (
	StatusSuccess RunStatus = "success"
	StatusPartial RunStatus = "partial"
	StatusFailed  RunStatus = "failed"
)

// TargetOutcome records how far one target got.
type TargetOutcome struct {
	Host   string
	DBName string
	// Stage is the last stage attempted; StageDone when the pipeline finished.
	Stage      Stage
	Err        error
	Artifact   ArtifactHandle
	CleanupErr error
	Loaded     bool
	StartTime  time.Time
	EndTime    time.Time
}

// Succeeded reports whether every attempted stage succeeded.
func (o TargetOutcome) Succeeded() bool {
	return o.Err == nil
}

// RunReport is the result of one Orchestrator.Run. Targets keeps the order
// of the configured targets.
type RunReport struct {
	StartTime   time.Time
	EndTime     time.Time
	SkipRestore bool
	Targets     []TargetOutcome
	Sweep       SweepReport
}

// Succeeded counts targets whose pipeline completed.
func (r *RunReport) Succeeded() int {
	n := 0
	for _, t := range r.Targets {
		if t.Succeeded() {
			n++
		}
	}
	return n
}

// Failed counts targets that stopped at some stage.
func (r *RunReport) Failed() int {
	return len(r.Targets) - r.Succeeded()
}

// BytesPulled sums the size of all transferred artifacts.
func (r *RunReport) BytesPulled() int64 {
	var total int64
	for _, t := range r.Targets {
		total += t.Artifact.Size
	}
	return total
}

// Status is success when every target succeeded, failed when none did and
// partial otherwise. A run with no targets is a success.
func (r *RunReport) Status() RunStatus {
	switch failed := r.Failed(); {
	case failed == 0:
		return StatusSuccess
	case failed == len(r.Targets):
		return StatusFailed
	default:
		return StatusPartial
	}
}

// Duration returns the wall time of the run.
func (r *RunReport) Duration() time.Duration {
	return r.EndTime.Sub(r.StartTime)
}
