package workspace

import (
	"bytes"
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/shaun/octophus/internal/remote"
)

// staged is a dirty file captured at the start of a commit.
type staged struct {
	file    *File
	content []byte
	gen     uint64
	entry   *remote.WriteEntry
	ref     remote.BlobRef
}

// snapshot is everything a commit writes, captured under the lock.
type snapshot struct {
	staged []*staged
	// created lists files made locally that are written with their current blob.
	created []*File
	dirs    map[*Directory]*remote.TreeWrite
}

// CommitResult summarizes a successful commit.
type CommitResult struct {
	Commit  remote.CommitRef
	Amended bool
	// Files lists the paths whose content went into the commit.
	Files []string
}

// AmendCommitMessage writes every dirty file and rewrites the last commit with
// message instead of adding a new one.
func (r *Repository) AmendCommitMessage(ctx context.Context, message string) (*CommitResult, error) {
	return r.Commit(ctx, message, true)
}

// Commit uploads the staged content of every dirty file, writes the changed
// directories and creates a commit on top of the last one, or in its place
// when amend is set. File state only changes after the host accepts the
// commit; on any failure every file keeps its staged content. Blobs uploaded
// before a failure stay on the host unreferenced.
func (r *Repository) Commit(ctx context.Context, message string, amend bool) (*CommitResult, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	if r.root == nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("commit: %w", ErrNotLoaded)
	}
	if r.committing {
		r.mu.Unlock()
		return nil, fmt.Errorf("commit: %w", ErrBusy)
	}
	r.committing = true
	base := r.lastCommit
	snap := &snapshot{dirs: make(map[*Directory]*remote.TreeWrite)}
	tree := r.root.treeLocked(snap)
	r.mu.Unlock()

	fail := func(err error) (*CommitResult, error) {
		r.mu.Lock()
		r.committing = false
		r.mu.Unlock()
		return nil, err
	}

	log := r.logger.With(zap.Bool("amend", amend), zap.Int("files", len(snap.staged)))
	log.Info("commit started", zap.String("base", string(base)))

	for _, s := range snap.staged {
		ref, err := r.backend.CreateBlob(ctx, s.content)
		if err != nil {
			log.Warn("blob upload failed", zap.String("path", s.file.Path()), zap.Error(err))
			return fail(fmt.Errorf("%w: upload %s: %w", ErrCommitFailed, s.file.Path(), err))
		}
		s.ref = ref
		s.entry.Ref = string(ref)
	}

	id, err := r.backend.Commit(ctx, base, tree, message, amend)
	if err != nil {
		log.Warn("commit rejected", zap.Error(err))
		return fail(fmt.Errorf("%w: %w", ErrCommitFailed, err))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.committing = false
	r.lastCommit = id
	result := &CommitResult{Commit: id, Amended: amend}
	for _, s := range snap.staged {
		f := s.file
		result.Files = append(result.Files, f.Path())
		if f.gen == s.gen {
			f.syncedLocked(s.ref, s.content, true)
			continue
		}
		// Saved again while the commit was in flight: the host now has the
		// snapshot and the newer content stays staged against it.
		f.ref = s.ref
		f.synced = s.content
		f.created = false
		f.dirty = !bytes.Equal(f.pending, s.content)
	}
	for _, f := range snap.created {
		f.created = false
	}
	for d, t := range snap.dirs {
		if t.Ref != "" {
			d.ref = t.Ref
		}
	}
	log.Info("commit done", zap.String("commit", string(id)))
	return result, nil
}

// treeLocked describes d for writing. Unloaded or unchanged directories are
// referenced by their existing tree; changed ones list every child, with
// placeholders for dirty files that are filled once their blobs exist.
func (d *Directory) treeLocked(snap *snapshot) *remote.TreeWrite {
	if !d.changedLocked() {
		return &remote.TreeWrite{Ref: d.ref}
	}
	entries := make([]remote.WriteEntry, 0, len(d.children)+len(d.passthrough))
	dirty := make(map[int]*File)
	for _, c := range d.children {
		switch c := c.(type) {
		case *File:
			if c.dirty {
				dirty[len(entries)] = c
			} else if c.created {
				snap.created = append(snap.created, c)
			}
			entries = append(entries, remote.WriteEntry{Name: c.name, Kind: remote.KindBlob, Mode: c.mode, Ref: string(c.ref)})
		case *Directory:
			sub := c.treeLocked(snap)
			e := remote.WriteEntry{Name: c.name, Kind: remote.KindTree, Mode: remote.ModeTree, Ref: string(c.ref)}
			if !sub.Unchanged() {
				e.Tree = sub
			}
			entries = append(entries, e)
		}
	}
	for _, e := range d.passthrough {
		entries = append(entries, remote.WriteEntry{Name: e.Name, Kind: e.Kind, Mode: e.Mode, Ref: e.Ref})
	}
	tree := &remote.TreeWrite{Entries: entries}
	// entries is complete, so element pointers stay valid.
	for i := range tree.Entries {
		if f, ok := dirty[i]; ok {
			snap.staged = append(snap.staged, &staged{
				file:    f,
				content: bytes.Clone(f.pending),
				gen:     f.gen,
				entry:   &tree.Entries[i],
			})
		}
	}
	snap.dirs[d] = tree
	return tree
}
