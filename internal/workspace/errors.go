package workspace

import (
	"errors"
	"fmt"
)

// Standard errors returned by the workspace package.
var (
	// ErrRemoteUnavailable indicates the host could not be reached or failed a read.
	ErrRemoteUnavailable = errors.New("remote unavailable")

	// ErrRepoNotFound indicates the repository or ref does not exist on the host.
	ErrRepoNotFound = errors.New("repository not found")

	// ErrNotLoaded indicates a directory must be opened before the operation.
	ErrNotLoaded = errors.New("directory not loaded")

	// ErrNameConflict indicates a sibling with the same name already exists.
	ErrNameConflict = errors.New("name already exists")

	// ErrInvalidName indicates a name that cannot be used for a tree entry.
	ErrInvalidName = errors.New("invalid name")

	// ErrCommitFailed indicates a blob, tree or commit write failed.
	ErrCommitFailed = errors.New("commit failed")

	// ErrBusy indicates the same load or commit is already in flight.
	ErrBusy = errors.New("operation already in progress")

	// ErrNotFound indicates no node or buffer matches.
	ErrNotFound = errors.New("not found")

	// ErrDirty indicates the operation would discard unsynced edits.
	ErrDirty = errors.New("unsynced changes")

	// ErrClosed indicates the repository session has been torn down.
	ErrClosed = errors.New("repository closed")
)

// PathError records the node operation and path that failed.
type PathError struct {
	Op   string
	Path string
	Err  error
}

func (e *PathError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PathError) Unwrap() error {
	return e.Err
}

func pathError(op, path string, err error) *PathError {
	return &PathError{Op: op, Path: path, Err: err}
}

// unavailable tags a backend read failure so callers can match ErrRemoteUnavailable
// while the backend error stays reachable through errors.Is.
func unavailable(err error) error {
	if errors.Is(err, ErrRemoteUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrRemoteUnavailable, err)
}
