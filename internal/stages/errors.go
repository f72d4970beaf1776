package stages

import (
	"errors"
	"fmt"
	"io/fs"
)

// Kind classifies a stage failure.
type Kind string

const (
	KindNotFound   Kind = "NotFoundError"
	KindValidation Kind = "ValidationError"
	KindIO         Kind = "IOError"
	KindPermission Kind = "PermissionError"
	KindStage      Kind = "StageError"
)

// Sentinels matching each Kind through errors.Is.
var (
	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("validation failed")
	ErrIO         = errors.New("i/o failure")
	ErrPermission = errors.New("permission denied")
	ErrStage      = errors.New("stage failed")
)

// Error is returned by every stage. It records which stage failed and how
// the failure is classified, and wraps the cause.
type Error struct {
	Stage string
	Kind  Kind
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Stage, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrValidation:
		return e.Kind == KindValidation
	case ErrIO:
		return e.Kind == KindIO
	case ErrPermission:
		return e.Kind == KindPermission
	case ErrStage:
		return e.Kind == KindStage
	}
	return false
}

func newError(stage string, kind Kind, err error) *Error {
	return &Error{Stage: stage, Kind: kind, Err: err}
}

// fsError classifies a filesystem error, using fallback when it is neither a
// missing path nor a permission problem.
func fsError(stage string, err error, fallback Kind) *Error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return newError(stage, KindNotFound, err)
	case errors.Is(err, fs.ErrPermission):
		return newError(stage, KindPermission, err)
	default:
		return newError(stage, fallback, err)
	}
}

// KindOf returns the classification of err. Errors that did not come from a
// stage are StageError.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindStage
}

// StageOf returns the stage that produced err, or "" when unknown.
func StageOf(err error) string {
	var se *Error
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}
