package workspace

import (
	"context"

	"go.uber.org/zap"

	"github.com/shaun/octophus/internal/remote"
)

// Directory is a remote tree whose children are fetched on first Open.
type Directory struct {
	nodeBase

	ref      remote.TreeRef
	children []Node
	// passthrough holds entries the node tree does not model (submodules);
	// they are written back unchanged.
	passthrough []remote.TreeEntry
	loaded      bool
	loading     bool
	creating    map[string]struct{}
}

func newDirectory(repo *Repository, parent *Directory, name string, ref remote.TreeRef) *Directory {
	return &Directory{
		nodeBase: nodeBase{repo: repo, parent: parent, name: name},
		ref:      ref,
		creating: make(map[string]struct{}),
	}
}

// Ref returns the tree the directory was last loaded from or written as.
func (d *Directory) Ref() remote.TreeRef {
	d.repo.mu.Lock()
	defer d.repo.mu.Unlock()
	return d.ref
}

// Loaded reports whether Children reflects the remote listing.
func (d *Directory) Loaded() bool {
	d.repo.mu.Lock()
	defer d.repo.mu.Unlock()
	return d.loaded
}

// Children returns the children in remote listing order, or nil before Open.
func (d *Directory) Children() []Node {
	d.repo.mu.Lock()
	defer d.repo.mu.Unlock()
	if !d.loaded {
		return nil
	}
	out := make([]Node, len(d.children))
	copy(out, d.children)
	return out
}

// Child returns the direct child called name.
func (d *Directory) Child(name string) (Node, error) {
	d.repo.mu.Lock()
	defer d.repo.mu.Unlock()
	if !d.loaded {
		return nil, pathError("lookup", d.Path(), ErrNotLoaded)
	}
	if c := d.childLocked(name); c != nil {
		return c, nil
	}
	return nil, pathError("lookup", childPath(d, name), ErrNotFound)
}

// Dirty reports whether any file below the directory holds unsynced content
// or was created since the last commit.
func (d *Directory) Dirty() bool {
	d.repo.mu.Lock()
	defer d.repo.mu.Unlock()
	return d.changedLocked()
}

// Open fetches the listing on first call. Later calls return immediately.
// On failure the directory stays unloaded so the next Open retries.
func (d *Directory) Open(ctx context.Context) (*Directory, error) {
	r := d.repo
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, pathError("open", d.Path(), ErrClosed)
	}
	if d.loaded {
		r.mu.Unlock()
		return d, nil
	}
	if d.loading {
		r.mu.Unlock()
		return nil, pathError("open", d.Path(), ErrBusy)
	}
	d.loading = true
	ref := d.ref
	r.mu.Unlock()

	desc, err := r.backend.FetchTree(ctx, ref)

	r.mu.Lock()
	d.loading = false
	if err != nil {
		r.mu.Unlock()
		r.logger.Warn("directory load failed", zap.String("path", d.Path()), zap.Error(err))
		return nil, pathError("open", d.Path(), unavailable(err))
	}
	if !r.attachedLocked(d) {
		r.mu.Unlock()
		r.logger.Debug("discarding listing for detached directory", zap.String("path", d.Path()))
		return nil, pathError("open", d.Path(), ErrClosed)
	}
	d.populateLocked(desc)
	n := len(d.children)
	r.mu.Unlock()

	r.logger.Debug("directory loaded", zap.String("path", d.Path()), zap.Int("entries", n))
	d.Repaint()
	return d, nil
}

// Reload fetches the listing again, replacing every child. It refuses while a
// file below holds unsynced content or an open buffer.
func (d *Directory) Reload(ctx context.Context) (*Directory, error) {
	r := d.repo
	r.mu.Lock()
	if !d.loaded {
		r.mu.Unlock()
		return d.Open(ctx)
	}
	if d.loading || len(d.creating) > 0 {
		r.mu.Unlock()
		return nil, pathError("reload", d.Path(), ErrBusy)
	}
	if d.changedLocked() || d.boundBelowLocked() {
		r.mu.Unlock()
		return nil, pathError("reload", d.Path(), ErrDirty)
	}
	d.loading = true
	ref := d.ref
	r.mu.Unlock()

	desc, err := r.backend.FetchTree(ctx, ref)

	r.mu.Lock()
	d.loading = false
	if err != nil {
		r.mu.Unlock()
		return nil, pathError("reload", d.Path(), unavailable(err))
	}
	if !r.attachedLocked(d) {
		r.mu.Unlock()
		return nil, pathError("reload", d.Path(), ErrClosed)
	}
	if d.changedLocked() || d.boundBelowLocked() {
		// Edited while the listing was in flight; keep the edits.
		r.mu.Unlock()
		return nil, pathError("reload", d.Path(), ErrDirty)
	}
	d.populateLocked(desc)
	r.mu.Unlock()

	d.Repaint()
	return d, nil
}

// CreateFile adds an empty file called name. The file is not opened; bind a
// buffer with File.Open.
func (d *Directory) CreateFile(ctx context.Context, name string) (*File, error) {
	r := d.repo
	path := childPath(d, name)
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, pathError("create", path, ErrClosed)
	}
	if !d.loaded {
		r.mu.Unlock()
		return nil, pathError("create", path, ErrNotLoaded)
	}
	if !validName(name) {
		r.mu.Unlock()
		return nil, pathError("create", path, ErrInvalidName)
	}
	if _, pending := d.creating[name]; pending || d.nameTakenLocked(name) {
		r.mu.Unlock()
		return nil, pathError("create", path, ErrNameConflict)
	}
	d.creating[name] = struct{}{}
	r.mu.Unlock()

	ref, err := r.backend.CreateFile(ctx, path)

	r.mu.Lock()
	delete(d.creating, name)
	if err != nil {
		r.mu.Unlock()
		r.logger.Warn("create file failed", zap.String("path", path), zap.Error(err))
		return nil, pathError("create", path, unavailable(err))
	}
	if !r.attachedLocked(d) {
		r.mu.Unlock()
		return nil, pathError("create", path, ErrClosed)
	}
	f := newFile(r, d, name, ref, remote.ModeFile, 0)
	f.created = true
	d.children = append(d.children, f)
	r.mu.Unlock()

	r.logger.Info("file created", zap.String("path", path), zap.String("blob", string(ref)))
	d.Repaint()
	return f, nil
}

// Repaint notifies the view layer that the directory changed shape.
func (d *Directory) Repaint() {
	if fn := d.repo.repaint; fn != nil {
		fn(d)
	}
}

func (d *Directory) populateLocked(desc *remote.TreeDescriptor) {
	children := make([]Node, 0, len(desc.Entries))
	var passthrough []remote.TreeEntry
	for _, e := range desc.Entries {
		switch e.Kind {
		case remote.KindTree:
			children = append(children, newDirectory(d.repo, d, e.Name, remote.TreeRef(e.Ref)))
		case remote.KindBlob:
			children = append(children, newFile(d.repo, d, e.Name, remote.BlobRef(e.Ref), e.Mode, e.Size))
		default:
			passthrough = append(passthrough, e)
		}
	}
	d.children = children
	d.passthrough = passthrough
	if desc.Ref != "" {
		d.ref = desc.Ref
	}
	d.loaded = true
}

func (d *Directory) childLocked(name string) Node {
	for _, c := range d.children {
		if c.Name() == name {
			return c
		}
	}
	return nil
}

func (d *Directory) nameTakenLocked(name string) bool {
	if d.childLocked(name) != nil {
		return true
	}
	for _, e := range d.passthrough {
		if e.Name == name {
			return true
		}
	}
	return false
}

// changedLocked reports whether the directory must be rewritten on commit.
func (d *Directory) changedLocked() bool {
	if !d.loaded {
		return false
	}
	for _, c := range d.children {
		switch c := c.(type) {
		case *File:
			if c.dirty || c.created {
				return true
			}
		case *Directory:
			if c.changedLocked() {
				return true
			}
		}
	}
	return false
}

func (d *Directory) boundBelowLocked() bool {
	for _, c := range d.children {
		switch c := c.(type) {
		case *File:
			if c.handle != "" || c.opening {
				return true
			}
		case *Directory:
			if c.boundBelowLocked() {
				return true
			}
		}
	}
	return false
}

// walkFilesLocked calls fn for every file below d in loaded directories.
func (d *Directory) walkFilesLocked(fn func(*File)) {
	for _, c := range d.children {
		switch c := c.(type) {
		case *File:
			fn(c)
		case *Directory:
			c.walkFilesLocked(fn)
		}
	}
}
