package ops

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/MegaGrindStone/fsgate/guard"
)

// Kind classifies an operation failure.
type Kind int

// Failure kinds returned by the operation set. Containment rejections are
// produced before any filesystem access, Forbidden covers the root-deletion
// guard, and IO wraps everything the underlying storage reports.
const (
	KindContainment Kind = iota
	KindNotFound
	KindWrongType
	KindIO
	KindForbidden
)

func (k Kind) String() string {
	switch k {
	case KindContainment:
		return "containment violation"
	case KindNotFound:
		return "not found"
	case KindWrongType:
		return "wrong type"
	case KindIO:
		return "io failure"
	case KindForbidden:
		return "forbidden target"
	default:
		return "unknown"
	}
}

// Error is the typed failure every operation returns instead of a raw error.
// Kind drives the caller-facing classification, Path names the target, and
// Err holds the underlying cause when there is one.
type Error struct {
	Kind Kind
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Path, e.Err.Error())
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Path)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// containmentError converts a guard rejection into a typed failure. The guard
// message already carries both the offending path and the root, and is passed
// through verbatim.
func containmentError(err error) *Error {
	var cErr *guard.ContainmentError
	if errors.As(err, &cErr) {
		return &Error{Kind: KindContainment, Path: cErr.Path, Err: err}
	}
	return &Error{Kind: KindContainment, Err: err}
}

// statError classifies a stat failure for the given path.
func statError(path string, err error) *Error {
	if errors.Is(err, fs.ErrNotExist) {
		return &Error{Kind: KindNotFound, Path: path, Err: err}
	}
	return &Error{Kind: KindIO, Path: path, Err: err}
}

func ioError(path string, err error) *Error {
	return &Error{Kind: KindIO, Path: path, Err: err}
}
