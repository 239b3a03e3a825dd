// Package remote describes the capability a code-hosting service must provide
// for a repository to be browsed and committed to as a virtual filesystem.
package remote

import (
	"context"
	"errors"
)

var (
	// ErrUnavailable indicates a network, auth or server failure talking to the host.
	ErrUnavailable = errors.New("remote unavailable")

	// ErrRejected indicates the host refused a write (stale ref, validation).
	ErrRejected = errors.New("remote rejected")

	// ErrNotFound indicates the repository, ref or object does not exist.
	ErrNotFound = errors.New("remote object not found")
)

type (
	BlobRef   string
	TreeRef   string
	CommitRef string
)

// EntryKind is the object type a tree entry points at.
type EntryKind int

const (
	KindBlob EntryKind = iota
	KindTree
	// KindCommit is a submodule pointer.
	KindCommit
)

func (k EntryKind) String() string {
	switch k {
	case KindBlob:
		return "blob"
	case KindTree:
		return "tree"
	case KindCommit:
		return "commit"
	}
	return "unknown"
}

// Git file modes used in tree entries.
const (
	ModeFile       = "100644"
	ModeExecutable = "100755"
	ModeSymlink    = "120000"
	ModeTree       = "040000"
	ModeSubmodule  = "160000"
)

// TreeEntry is one named entry of a remote tree listing.
type TreeEntry struct {
	Name string
	Kind EntryKind
	Mode string
	Ref  string
	Size int64
}

// TreeDescriptor is a remote tree snapshot. Entries keep the host's listing order.
type TreeDescriptor struct {
	Ref     TreeRef
	Entries []TreeEntry
}

// Head is a resolved branch.
type Head struct {
	Branch string
	Commit CommitRef
	Tree   TreeRef
}

// TreeWrite describes a tree to be written by Commit. A TreeWrite with a Ref and
// no Entries stands for an existing, unchanged tree.
type TreeWrite struct {
	Ref     TreeRef
	Entries []WriteEntry
}

// Unchanged reports whether the tree can be referenced as is.
func (t *TreeWrite) Unchanged() bool {
	return t.Ref != "" && t.Entries == nil
}

// WriteEntry is one entry of a TreeWrite. Subtrees that need writing carry Tree;
// everything else references an existing object through Ref.
type WriteEntry struct {
	Name string
	Kind EntryKind
	Mode string
	Ref  string
	Tree *TreeWrite
}

// Backend is the remote host capability consumed by the workspace. Every call
// blocks until the host answers and is not cancellable once issued.
type Backend interface {
	// Resolve returns the head of ref; an empty ref means the default branch.
	Resolve(ctx context.Context, ref string) (Head, error)
	FetchTree(ctx context.Context, ref TreeRef) (*TreeDescriptor, error)
	FetchBlob(ctx context.Context, ref BlobRef) ([]byte, error)
	CreateBlob(ctx context.Context, content []byte) (BlobRef, error)
	// CreateFile returns the blob a newly created, empty file at path starts from.
	CreateFile(ctx context.Context, path string) (BlobRef, error)
	// Commit writes tree and a commit on top of base's branch. With amend the
	// new commit replaces base (same parents) instead of becoming its child.
	// Every TreeWrite that gets written has its Ref set to the new tree.
	Commit(ctx context.Context, base CommitRef, tree *TreeWrite, message string, amend bool) (CommitRef, error)
}
