package workspace

import (
	"bytes"
	"context"

	"go.uber.org/zap"

	"github.com/shaun/octophus/internal/remote"
)

// File is a remote blob that can be bound to one editable buffer at a time.
//
// A file is dirty when its staged content differs from the content last known
// to be on the host. Staged content survives closing the buffer and is only
// dropped once a commit containing it succeeds.
type File struct {
	nodeBase

	ref  remote.BlobRef
	mode string
	size int64

	// synced is the last content known to match ref; nil until fetched.
	synced []byte
	// pending is the last saved buffer content; hasPending separates an empty
	// save from no save.
	pending    []byte
	hasPending bool
	dirty      bool
	// gen increments on every save so a commit can tell whether the content it
	// wrote is still the latest.
	gen uint64

	// created marks a file made locally and not yet part of a commit.
	created bool

	handle  string
	opening bool
}

func newFile(repo *Repository, parent *Directory, name string, ref remote.BlobRef, mode string, size int64) *File {
	if mode == "" {
		mode = remote.ModeFile
	}
	return &File{
		nodeBase: nodeBase{repo: repo, parent: parent, name: name},
		ref:      ref,
		mode:     mode,
		size:     size,
	}
}

// Ref returns the blob the file was last synced to.
func (f *File) Ref() remote.BlobRef {
	f.repo.mu.Lock()
	defer f.repo.mu.Unlock()
	return f.ref
}

// Mode returns the git file mode.
func (f *File) Mode() string {
	return f.mode
}

func (f *File) Dirty() bool {
	f.repo.mu.Lock()
	defer f.repo.mu.Unlock()
	return f.dirty
}

// Pending returns the staged content, if any.
func (f *File) Pending() ([]byte, bool) {
	f.repo.mu.Lock()
	defer f.repo.mu.Unlock()
	if !f.hasPending {
		return nil, false
	}
	return bytes.Clone(f.pending), true
}

// Handle returns the bound buffer handle, or "" when no buffer is bound.
func (f *File) Handle() string {
	f.repo.mu.Lock()
	defer f.repo.mu.Unlock()
	return f.handle
}

// Bound reports whether a buffer is bound.
func (f *File) Bound() bool {
	return f.Handle() != ""
}

// Created reports whether the file was made locally and has not been committed.
func (f *File) Created() bool {
	f.repo.mu.Lock()
	defer f.repo.mu.Unlock()
	return f.created
}

// Open binds an editable buffer holding the file's content and returns its
// handle. A file that is already bound returns the existing handle. Staged
// content takes precedence over the remote blob, so reopening a closed dirty
// file shows the edits.
func (f *File) Open(ctx context.Context) (string, error) {
	r := f.repo
	path := f.Path()
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", pathError("open", path, ErrClosed)
	}
	if f.handle != "" {
		h := f.handle
		r.mu.Unlock()
		return h, nil
	}
	if f.opening {
		r.mu.Unlock()
		return "", pathError("open", path, ErrBusy)
	}
	f.opening = true
	content, need := f.contentLocked()
	ref := f.ref
	r.mu.Unlock()

	if need {
		var err error
		content, err = r.backend.FetchBlob(ctx, ref)
		if err != nil {
			r.mu.Lock()
			f.opening = false
			r.mu.Unlock()
			r.logger.Warn("blob fetch failed", zap.String("path", path), zap.Error(err))
			return "", pathError("open", path, unavailable(err))
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	f.opening = false
	if !r.attachedLocked(f) {
		return "", pathError("open", path, ErrClosed)
	}
	if need && f.ref == ref {
		f.synced = content
	}
	if f.hasPending {
		// Saved while the blob was in flight.
		content = f.pending
	}
	h, err := r.host.Bind(path, bytes.Clone(content))
	if err != nil {
		return "", pathError("open", path, err)
	}
	f.handle = h
	r.openFiles[h] = f
	r.logger.Debug("file opened", zap.String("path", path), zap.String("buffer", h))
	return h, nil
}

// contentLocked returns the content to show in a new buffer, or need=true when
// the blob must be fetched first.
func (f *File) contentLocked() (content []byte, need bool) {
	if f.hasPending {
		return f.pending, false
	}
	if f.synced != nil {
		return f.synced, false
	}
	return nil, true
}

// Save stages content. It never calls the host.
func (f *File) Save(content []byte) {
	f.repo.mu.Lock()
	defer f.repo.mu.Unlock()
	f.saveLocked(content)
}

func (f *File) saveLocked(content []byte) {
	f.pending = bytes.Clone(content)
	if f.pending == nil {
		f.pending = []byte{}
	}
	f.hasPending = true
	f.gen++
	f.dirty = f.differsLocked(f.pending)
}

func (f *File) differsLocked(content []byte) bool {
	if f.synced != nil {
		return !bytes.Equal(content, f.synced)
	}
	return remote.BlobSum(content) != f.ref
}

// Close unbinds the buffer. Staged content and the dirty flag are kept.
func (f *File) Close() {
	f.repo.mu.Lock()
	defer f.repo.mu.Unlock()
	f.closeLocked()
}

func (f *File) closeLocked() {
	if f.handle == "" {
		return
	}
	delete(f.repo.openFiles, f.handle)
	f.handle = ""
}

// MarkSynced records that the staged content now lives on the host as ref.
func (f *File) MarkSynced(ref remote.BlobRef) {
	f.repo.mu.Lock()
	defer f.repo.mu.Unlock()
	f.syncedLocked(ref, f.pending, f.hasPending)
}

func (f *File) syncedLocked(ref remote.BlobRef, content []byte, known bool) {
	f.ref = ref
	if known {
		f.synced = bytes.Clone(content)
		if f.synced == nil {
			f.synced = []byte{}
		}
	} else {
		f.synced = nil
	}
	f.pending = nil
	f.hasPending = false
	f.dirty = false
	f.created = false
}
