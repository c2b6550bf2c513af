package engine

import (
	"errors"
	"fmt"
)

// Error kinds. Every stage failure wraps exactly one of these, so callers
// can classify with errors.Is.
var (
	ErrConnection = errors.New("connection error")
	ErrDump       = errors.New("dump error")
	ErrTransfer   = errors.New("transfer error")
	ErrLoad       = errors.New("load error")
	ErrRetention  = errors.New("retention error")
)

// Stage names a step of the per-target pipeline.
type Stage string

const (
	StageConnect   Stage = "connect"
	StageDump      Stage = "dump"
	StageTransfer  Stage = "transfer"
	StageLoad      Stage = "load"
	StageRetention Stage = "retention"
	StageDone      Stage = "done"
)

// StageError is a failure of one pipeline stage for one target.
type StageError struct {
	Stage  Stage
	Host   string
	DBName string
	Err    error
}

func stageErr(stage Stage, host, dbName string, err error) *StageError {
	return &StageError{Stage: stage, Host: host, DBName: dbName, Err: err}
}

// Kind returns the sentinel error for the stage.
func (e *StageError) Kind() error {
	switch e.Stage {
	case StageConnect:
		return ErrConnection
	case StageDump:
		return ErrDump
	case StageTransfer:
		return ErrTransfer
	case StageLoad:
		return ErrLoad
	case StageRetention:
		return ErrRetention
	}
	return nil
}

func (e *StageError) Error() string {
	who := e.DBName
	if e.Host != "" {
		who = e.Host + "/" + e.DBName
	}
	return fmt.Sprintf("%v (%s): %v", e.Kind(), who, e.Err)
}

func (e *StageError) Unwrap() []error {
	if k := e.Kind(); k != nil {
		return []error{k, e.Err}
	}
	return []error{e.Err}
}

// KindName returns a short label for the error kind in err, suitable as a
// structured log value. It returns "" for errors outside the taxonomy.
func KindName(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConnection):
		return "connection"
	case errors.Is(err, ErrDump):
		return "dump"
	case errors.Is(err, ErrTransfer):
		return "transfer"
	case errors.Is(err, ErrLoad):
		return "load"
	case errors.Is(err, ErrRetention):
		return "retention"
	}
	return "unknown"
}
