package workspace

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/shaun/octophus/internal/remote"
)

// BufferHost creates and reads the editable buffers files are bound to. The
// repository calls it with its lock held, so implementations must not call
// back into the repository from these methods.
type BufferHost interface {
	Bind(path string, content []byte) (string, error)
	// Contents returns the current, possibly unsaved, content of a buffer.
	Contents(handle string) ([]byte, bool)
}

// Option configures a Repository.
type Option func(*Repository)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(r *Repository) {
		r.logger = l
	}
}

// WithRepaint registers the view hook called after a directory changes shape.
func WithRepaint(fn func(*Directory)) Option {
	return func(r *Repository) {
		r.repaint = fn
	}
}

// Repository is one editing session on a remote repository. It owns the node
// tree, the set of files bound to buffers and the commit the next write
// builds on.
type Repository struct {
	id      Identity
	backend remote.Backend
	host    BufferHost
	logger  *zap.Logger
	repaint func(*Directory)

	mu         sync.Mutex
	branch     string
	root       *Directory
	openFiles  map[string]*File
	lastCommit remote.CommitRef
	resolving  bool
	committing bool
	closed     bool
}

func New(id Identity, backend remote.Backend, host BufferHost, opts ...Option) *Repository {
	r := &Repository{
		id:        id,
		backend:   backend,
		host:      host,
		logger:    zap.NewNop(),
		openFiles: make(map[string]*File),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(zap.String("repo", id.String()))
	return r
}

func (r *Repository) Identity() Identity {
	return r.id
}

// Branch returns the resolved branch, empty until GetDirectory succeeds.
func (r *Repository) Branch() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.branch
}

// LastCommit returns the commit the next write builds on or amends.
func (r *Repository) LastCommit() remote.CommitRef {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastCommit
}

// Root returns the current root directory, or nil before GetDirectory.
func (r *Repository) Root() *Directory {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.root
}

// GetDirectory resolves the ref, loads the root listing and installs it as the
// root. On failure the previous root, if any, is left in place. Replacing a
// root that holds unsynced edits fails with ErrDirty.
func (r *Repository) GetDirectory(ctx context.Context) (*Directory, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	if r.resolving {
		r.mu.Unlock()
		return nil, ErrBusy
	}
	if r.root != nil && (r.root.changedLocked() || len(r.openFiles) > 0) {
		r.mu.Unlock()
		return nil, fmt.Errorf("replace root: %w", ErrDirty)
	}
	r.resolving = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.resolving = false
		r.mu.Unlock()
	}()

	head, err := r.backend.Resolve(ctx, r.id.Ref)
	if err != nil {
		r.logger.Warn("resolve failed", zap.Error(err))
		if errors.Is(err, remote.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w: %w", r.id, ErrRepoNotFound, err)
		}
		return nil, fmt.Errorf("%s: %w", r.id, unavailable(err))
	}
	desc, err := r.backend.FetchTree(ctx, head.Tree)
	if err != nil {
		r.logger.Warn("root listing failed", zap.Error(err))
		if errors.Is(err, remote.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w: %w", r.id, ErrRepoNotFound, err)
		}
		return nil, fmt.Errorf("%s: %w", r.id, unavailable(err))
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	root := newDirectory(r, nil, "", head.Tree)
	root.populateLocked(desc)
	r.root = root
	r.branch = head.Branch
	r.lastCommit = head.Commit
	n := len(root.children)
	r.mu.Unlock()

	r.logger.Info("repository opened",
		zap.String("branch", head.Branch),
		zap.String("commit", string(head.Commit)),
		zap.Int("entries", n))
	root.Repaint()
	return root, nil
}

// Lookup returns the node at path; "" and "/" name the root. Every directory on
// the way must be loaded.
func (r *Repository) Lookup(path string) (Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.root == nil {
		return nil, pathError("lookup", path, ErrNotLoaded)
	}
	path = strings.Trim(path, "/")
	if path == "" {
		return r.root, nil
	}
	var cur Node = r.root
	for _, part := range strings.Split(path, "/") {
		dir, ok := cur.(*Directory)
		if !ok {
			return nil, pathError("lookup", path, ErrNotFound)
		}
		if !dir.loaded {
			return nil, pathError("lookup", path, ErrNotLoaded)
		}
		next := dir.childLocked(part)
		if next == nil {
			return nil, pathError("lookup", path, ErrNotFound)
		}
		cur = next
	}
	return cur, nil
}

// OpenFiles returns every file bound to a buffer, sorted by path.
func (r *Repository) OpenFiles() []*File {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*File, 0, len(r.openFiles))
	for _, f := range r.openFiles {
		out = append(out, f)
	}
	sortFiles(out)
	return out
}

// DirtyFiles returns every file in the loaded tree holding unsynced content,
// sorted by path.
func (r *Repository) DirtyFiles() []*File {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*File
	if r.root != nil {
		r.root.walkFilesLocked(func(f *File) {
			if f.dirty {
				out = append(out, f)
			}
		})
	}
	sortFiles(out)
	return out
}

func sortFiles(files []*File) {
	sort.Slice(files, func(i, j int) bool { return files[i].Path() < files[j].Path() })
}

// HandleSave stages the content of a saved buffer into its file.
func (r *Repository) HandleSave(handle string, content []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.openFiles[handle]
	if !ok {
		return fmt.Errorf("buffer %s: %w", handle, ErrNotFound)
	}
	f.saveLocked(content)
	r.logger.Debug("buffer saved", zap.String("path", f.Path()), zap.Bool("dirty", f.dirty))
	return nil
}

// HandleClose flushes every bound buffer, then unbinds the closing one.
func (r *Repository) HandleClose(handle string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.openFiles[handle]
	if !ok {
		return fmt.Errorf("buffer %s: %w", handle, ErrNotFound)
	}
	err := r.saveAllLocked()
	f.closeLocked()
	r.logger.Debug("buffer closed", zap.String("path", f.Path()), zap.Bool("dirty", f.dirty))
	return err
}

// SaveAll stages the current content of every bound buffer whose content
// differs from what its file already holds. It is the drain point before
// the session goes away.
func (r *Repository) SaveAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saveAllLocked()
}

func (r *Repository) saveAllLocked() error {
	var errs *multierror.Error
	for handle, f := range r.openFiles {
		content, ok := r.host.Contents(handle)
		if !ok {
			errs = multierror.Append(errs, pathError("save", f.Path(), fmt.Errorf("buffer %s: %w", handle, ErrNotFound)))
			continue
		}
		if f.hasPending && bytes.Equal(content, f.pending) {
			continue
		}
		if !f.hasPending && !f.differsLocked(content) {
			continue
		}
		f.saveLocked(content)
	}
	return errs.ErrorOrNil()
}

// Close flushes bound buffers and ends the session. Files keep whatever state
// they are in; unsynced edits are reported by DirtyFiles but not written.
func (r *Repository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	err := r.saveAllLocked()
	for _, f := range r.openFiles {
		f.handle = ""
	}
	r.openFiles = make(map[string]*File)
	r.closed = true
	r.logger.Info("repository closed")
	return err
}
