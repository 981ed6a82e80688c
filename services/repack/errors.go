package repack

import (
	"errors"
	"fmt"
)

// Kind classifies a build failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindDependencyMissing
	KindInputNotFound
	KindTransformFailure
	KindPatchFailure
	KindArchiveMalformed
	KindManifestWriteFailure
	KindOutputFailure
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindDependencyMissing:
		return "dependency missing"
	case KindInputNotFound:
		return "input not found"
	case KindTransformFailure:
		return "transform failure"
	case KindPatchFailure:
		return "patch failure"
	case KindArchiveMalformed:
		return "archive malformed"
	case KindManifestWriteFailure:
		return "manifest write failure"
	case KindOutputFailure:
		return "output failure"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Sentinels matched by errors.Is against any *Error of the same kind.
var (
	ErrDependencyMissing    = &Error{Kind: KindDependencyMissing}
	ErrInputNotFound        = &Error{Kind: KindInputNotFound}
	ErrTransformFailure     = &Error{Kind: KindTransformFailure}
	ErrPatchFailure         = &Error{Kind: KindPatchFailure}
	ErrArchiveMalformed     = &Error{Kind: KindArchiveMalformed}
	ErrManifestWriteFailure = &Error{Kind: KindManifestWriteFailure}
	ErrOutputFailure        = &Error{Kind: KindOutputFailure}
	ErrCanceled             = &Error{Kind: KindCanceled}
)

// Error is a failed build. Stage is empty for failures detected before the
// first stage runs.
type Error struct {
	Kind  Kind
	Stage Stage
	Err   error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Stage != StageNone {
		msg = e.Stage.String() + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches errors of the same kind, so errors.Is(err, ErrPatchFailure)
// holds for every patch failure.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func fail(kind Kind, stage Stage, format string, args ...any) *Error {
	return &Error{Kind: kind, Stage: stage, Err: fmt.Errorf(format, args...)}
}

// ExitCode maps err to the process exit status reported by the CLI.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var e *Error
	if !errors.As(err, &e) {
		return 1
	}
	switch e.Kind {
	case KindDependencyMissing, KindInputNotFound:
		return 2
	case KindTransformFailure:
		return 3
	case KindPatchFailure:
		return 4
	case KindArchiveMalformed:
		return 5
	case KindManifestWriteFailure:
		return 6
	default:
		return 1
	}
}
