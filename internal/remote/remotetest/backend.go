// Package remotetest provides an in-memory remote.Backend for tests.
package remotetest

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/shaun/octophus/internal/remote"
)

// Operation names accepted by Fail and Calls.
const (
	OpResolve    = "resolve"
	OpFetchTree  = "fetchTree"
	OpFetchBlob  = "fetchBlob"
	OpCreateBlob = "createBlob"
	OpCreateFile = "createFile"
	OpCommit     = "commit"
)

type commit struct {
	tree    remote.TreeRef
	parents []remote.CommitRef
	message string
}

// Backend is a content-addressed object store with named branches. It is safe
// for concurrent use.
type Backend struct {
	// Before, when set, runs at the start of every call outside the lock.
	// Tests use it to hold a call in flight.
	Before func(op string)

	mu            sync.Mutex
	defaultBranch string
	blobs         map[remote.BlobRef][]byte
	trees         map[remote.TreeRef]*remote.TreeDescriptor
	commits       map[remote.CommitRef]*commit
	branches      map[string]remote.CommitRef
	failures      map[string]error
	calls         map[string]int
}

func NewBackend() *Backend {
	return &Backend{
		defaultBranch: "main",
		blobs:         make(map[remote.BlobRef][]byte),
		trees:         make(map[remote.TreeRef]*remote.TreeDescriptor),
		commits:       make(map[remote.CommitRef]*commit),
		branches:      make(map[string]remote.CommitRef),
		failures:      make(map[string]error),
		calls:         make(map[string]int),
	}
}

// Seed writes files (path to content) as a new root commit on branch.
func (b *Backend) Seed(branch string, files map[string]string) remote.Head {
	b.mu.Lock()
	defer b.mu.Unlock()
	root := b.buildLocked(files)
	c := b.putCommitLocked(&commit{tree: root, message: "initial"})
	b.branches[branch] = c
	return remote.Head{Branch: branch, Commit: c, Tree: root}
}

// Fail makes every later call of op return err; a nil err clears it.
func (b *Backend) Fail(op string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.failures, op)
		return
	}
	b.failures[op] = err
}

// Calls returns how many times op was invoked, failed calls included.
func (b *Backend) Calls(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

// ReadFile returns the content of path in branch's head tree.
func (b *Backend) ReadFile(branch, path string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.commits[b.branches[branch]]
	if !ok {
		return nil, fmt.Errorf("branch %s: %w", branch, remote.ErrNotFound)
	}
	tree := b.trees[c.tree]
	parts := strings.Split(path, "/")
	for i, part := range parts {
		var found *remote.TreeEntry
		for j := range tree.Entries {
			if tree.Entries[j].Name == part {
				found = &tree.Entries[j]
				break
			}
		}
		if found == nil {
			return nil, fmt.Errorf("%s: %w", path, remote.ErrNotFound)
		}
		if i == len(parts)-1 {
			return b.blobs[remote.BlobRef(found.Ref)], nil
		}
		tree = b.trees[remote.TreeRef(found.Ref)]
		if tree == nil {
			return nil, fmt.Errorf("%s: %w", path, remote.ErrNotFound)
		}
	}
	return nil, fmt.Errorf("%s: %w", path, remote.ErrNotFound)
}

// HeadCommit returns message and parents of branch's head.
func (b *Backend) HeadCommit(branch string) (string, []remote.CommitRef) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.commits[b.branches[branch]]
	if !ok {
		return "", nil
	}
	return c.message, c.parents
}

// Branch returns branch's head commit.
func (b *Backend) Branch(branch string) remote.CommitRef {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.branches[branch]
}

func (b *Backend) enter(op string) error {
	if b.Before != nil {
		b.Before(op)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls[op]++
	return b.failures[op]
}

func (b *Backend) Resolve(_ context.Context, ref string) (remote.Head, error) {
	if err := b.enter(OpResolve); err != nil {
		return remote.Head{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if ref == "" {
		ref = b.defaultBranch
	}
	id, ok := b.branches[ref]
	if !ok {
		return remote.Head{}, fmt.Errorf("branch %s: %w", ref, remote.ErrNotFound)
	}
	return remote.Head{Branch: ref, Commit: id, Tree: b.commits[id].tree}, nil
}

func (b *Backend) FetchTree(_ context.Context, ref remote.TreeRef) (*remote.TreeDescriptor, error) {
	if err := b.enter(OpFetchTree); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.trees[ref]
	if !ok {
		return nil, fmt.Errorf("tree %s: %w", ref, remote.ErrNotFound)
	}
	out := &remote.TreeDescriptor{Ref: t.Ref, Entries: make([]remote.TreeEntry, len(t.Entries))}
	copy(out.Entries, t.Entries)
	return out, nil
}

func (b *Backend) FetchBlob(_ context.Context, ref remote.BlobRef) ([]byte, error) {
	if err := b.enter(OpFetchBlob); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	content, ok := b.blobs[ref]
	if !ok {
		return nil, fmt.Errorf("blob %s: %w", ref, remote.ErrNotFound)
	}
	return append([]byte(nil), content...), nil
}

func (b *Backend) CreateBlob(_ context.Context, content []byte) (remote.BlobRef, error) {
	if err := b.enter(OpCreateBlob); err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.putBlobLocked(content), nil
}

func (b *Backend) CreateFile(_ context.Context, path string) (remote.BlobRef, error) {
	if err := b.enter(OpCreateFile); err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.putBlobLocked(nil), nil
}

func (b *Backend) Commit(_ context.Context, base remote.CommitRef, tree *remote.TreeWrite, message string, amend bool) (remote.CommitRef, error) {
	if err := b.enter(OpCommit); err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	baseCommit, ok := b.commits[base]
	if !ok {
		return "", fmt.Errorf("commit %s: %w", base, remote.ErrRejected)
	}
	var branch string
	for name, head := range b.branches {
		if head == base {
			branch = name
			break
		}
	}
	if branch == "" {
		return "", fmt.Errorf("commit %s is not a branch head: %w", base, remote.ErrRejected)
	}
	root, err := b.writeTreeLocked(tree)
	if err != nil {
		return "", err
	}
	parents := []remote.CommitRef{base}
	if amend {
		parents = baseCommit.parents
	}
	id := b.putCommitLocked(&commit{tree: root, parents: parents, message: message})
	b.branches[branch] = id
	return id, nil
}

func (b *Backend) writeTreeLocked(t *remote.TreeWrite) (remote.TreeRef, error) {
	if t.Unchanged() {
		if _, ok := b.trees[t.Ref]; !ok {
			return "", fmt.Errorf("tree %s: %w", t.Ref, remote.ErrRejected)
		}
		return t.Ref, nil
	}
	entries := make([]remote.TreeEntry, 0, len(t.Entries))
	for _, e := range t.Entries {
		ref := e.Ref
		if e.Tree != nil {
			sub, err := b.writeTreeLocked(e.Tree)
			if err != nil {
				return "", err
			}
			ref = string(sub)
		}
		if e.Kind == remote.KindBlob {
			if _, ok := b.blobs[remote.BlobRef(ref)]; !ok {
				return "", fmt.Errorf("blob %s: %w", ref, remote.ErrRejected)
			}
		}
		entries = append(entries, remote.TreeEntry{Name: e.Name, Kind: e.Kind, Mode: e.Mode, Ref: ref})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	ref := b.putTreeLocked(entries)
	t.Ref = ref
	return ref, nil
}

func (b *Backend) buildLocked(files map[string]string) remote.TreeRef {
	direct := make(map[string]string)
	nested := make(map[string]map[string]string)
	for p, content := range files {
		dir, rest, ok := strings.Cut(p, "/")
		if !ok {
			direct[p] = content
			continue
		}
		if nested[dir] == nil {
			nested[dir] = make(map[string]string)
		}
		nested[dir][rest] = content
	}
	var entries []remote.TreeEntry
	for name, content := range direct {
		ref := b.putBlobLocked([]byte(content))
		entries = append(entries, remote.TreeEntry{Name: name, Kind: remote.KindBlob, Mode: remote.ModeFile, Ref: string(ref), Size: int64(len(content))})
	}
	for name, sub := range nested {
		ref := b.buildLocked(sub)
		entries = append(entries, remote.TreeEntry{Name: name, Kind: remote.KindTree, Mode: remote.ModeTree, Ref: string(ref)})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return b.putTreeLocked(entries)
}

func (b *Backend) putBlobLocked(content []byte) remote.BlobRef {
	ref := remote.BlobSum(content)
	b.blobs[ref] = append([]byte(nil), content...)
	return ref
}

func (b *Backend) putTreeLocked(entries []remote.TreeEntry) remote.TreeRef {
	h := sha1.New()
	for _, e := range entries {
		fmt.Fprintf(h, "%s %s %s\x00", e.Mode, e.Name, e.Ref)
	}
	ref := remote.TreeRef(hex.EncodeToString(h.Sum(nil)))
	b.trees[ref] = &remote.TreeDescriptor{Ref: ref, Entries: entries}
	return ref
}

func (b *Backend) putCommitLocked(c *commit) remote.CommitRef {
	h := sha1.New()
	fmt.Fprintf(h, "tree %s\n", c.tree)
	for _, p := range c.parents {
		fmt.Fprintf(h, "parent %s\n", p)
	}
	fmt.Fprintf(h, "\n%s\n%d", c.message, len(b.commits))
	ref := remote.CommitRef(hex.EncodeToString(h.Sum(nil)))
	b.commits[ref] = c
	return ref
}
