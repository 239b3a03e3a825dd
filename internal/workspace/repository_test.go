package workspace

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/shaun/octophus/internal/remote"
	"github.com/shaun/octophus/internal/remote/remotetest"
)

type fakeHost struct {
	mu      sync.Mutex
	next    int
	binds   int
	buffers map[string][]byte
}

func newFakeHost() *fakeHost {
	return &fakeHost{buffers: make(map[string][]byte)}
}

func (h *fakeHost) Bind(path string, content []byte) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	h.binds++
	id := fmt.Sprintf("buf-%d", h.next)
	h.buffers[id] = content
	return id, nil
}

func (h *fakeHost) Contents(handle string) ([]byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.buffers[handle]
	return c, ok
}

func (h *fakeHost) edit(handle, content string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buffers[handle] = []byte(content)
}

func (h *fakeHost) content(handle string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return string(h.buffers[handle])
}

var sampleFiles = map[string]string{
	"dirA/a.txt":   "a",
	"dirA/b/c.txt": "c",
	"file1.txt":    "hello",
}

func newTestRepo(t *testing.T, files map[string]string) (*Repository, *remotetest.Backend, *fakeHost) {
	t.Helper()
	backend := remotetest.NewBackend()
	backend.Seed("main", files)
	host := newFakeHost()
	repo := New(Identity{Owner: "o", Name: "r"}, backend, host, WithLogger(zaptest.NewLogger(t)))
	_, err := repo.GetDirectory(context.Background())
	require.NoError(t, err)
	return repo, backend, host
}

func lookupFile(t *testing.T, repo *Repository, path string) *File {
	t.Helper()
	n, err := repo.Lookup(path)
	require.NoError(t, err)
	f, ok := n.(*File)
	require.True(t, ok, "%s is not a file", path)
	return f
}

func lookupDir(t *testing.T, repo *Repository, path string) *Directory {
	t.Helper()
	n, err := repo.Lookup(path)
	require.NoError(t, err)
	d, ok := n.(*Directory)
	require.True(t, ok, "%s is not a directory", path)
	return d
}

func names(nodes []Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.Name()
	}
	return out
}

func TestRepository_openEditCommit(t *testing.T) {
	ctx := context.Background()
	backend := remotetest.NewBackend()
	backend.Seed("main", map[string]string{"dirA/x.txt": "x", "file1.txt": "hello"})
	host := newFakeHost()
	repo := New(Identity{Owner: "o", Name: "r"}, backend, host)

	root, err := repo.GetDirectory(ctx)
	require.NoError(t, err)
	root, err = root.Open(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"dirA", "file1.txt"}, names(root.Children()))
	assert.Equal(t, "main", repo.Branch())

	f := lookupFile(t, repo, "file1.txt")
	before := f.Ref()
	h, err := f.Open(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hello", host.content(h))

	require.NoError(t, repo.HandleSave(h, []byte("hello world")))
	assert.True(t, f.Dirty())

	res, err := repo.AmendCommitMessage(ctx, "fix")
	require.NoError(t, err)
	assert.True(t, res.Amended)
	assert.Equal(t, []string{"file1.txt"}, res.Files)
	assert.False(t, f.Dirty())
	assert.NotEqual(t, before, f.Ref())
	assert.Equal(t, res.Commit, repo.LastCommit())

	got, err := backend.ReadFile("main", "file1.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(got))
	msg, parents := backend.HeadCommit("main")
	assert.Equal(t, "fix", msg)
	assert.Empty(t, parents, "amending the root commit keeps it parentless")
}

func TestRepository_GetDirectory_notFound(t *testing.T) {
	backend := remotetest.NewBackend()
	backend.Seed("main", sampleFiles)
	repo := New(Identity{Owner: "o", Name: "r", Ref: "missing"}, backend, newFakeHost())

	_, err := repo.GetDirectory(context.Background())
	require.ErrorIs(t, err, ErrRepoNotFound)
	assert.Nil(t, repo.Root())
}

func TestRepository_GetDirectory_failureKeepsRoot(t *testing.T) {
	repo, backend, _ := newTestRepo(t, sampleFiles)
	root := repo.Root()

	backend.Fail(remotetest.OpResolve, remote.ErrUnavailable)
	_, err := repo.GetDirectory(context.Background())
	require.ErrorIs(t, err, ErrRemoteUnavailable)
	assert.Same(t, root, repo.Root())

	backend.Fail(remotetest.OpResolve, nil)
	backend.Fail(remotetest.OpFetchTree, remote.ErrUnavailable)
	_, err = repo.GetDirectory(context.Background())
	require.ErrorIs(t, err, ErrRemoteUnavailable)
	assert.Same(t, root, repo.Root())
}

func TestRepository_GetDirectory_refusesDirtyReplace(t *testing.T) {
	repo, _, _ := newTestRepo(t, sampleFiles)
	f := lookupFile(t, repo, "file1.txt")
	f.Save([]byte("changed"))

	_, err := repo.GetDirectory(context.Background())
	require.ErrorIs(t, err, ErrDirty)
}

func TestRepository_Lookup(t *testing.T) {
	ctx := context.Background()
	repo, _, _ := newTestRepo(t, sampleFiles)

	n, err := repo.Lookup("/")
	require.NoError(t, err)
	assert.Same(t, repo.Root(), n)

	_, err = repo.Lookup("dirA/a.txt")
	require.ErrorIs(t, err, ErrNotLoaded)

	_, err = lookupDir(t, repo, "dirA").Open(ctx)
	require.NoError(t, err)
	f := lookupFile(t, repo, "dirA/a.txt")
	assert.Equal(t, "dirA/a.txt", f.Path())
	assert.Equal(t, "dirA", f.Parent().Name())

	_, err = repo.Lookup("dirA/nope")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = repo.Lookup("file1.txt/x")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRepository_HandleSaveAndClose(t *testing.T) {
	ctx := context.Background()
	repo, _, host := newTestRepo(t, sampleFiles)
	f := lookupFile(t, repo, "file1.txt")
	h, err := f.Open(ctx)
	require.NoError(t, err)
	require.Len(t, repo.OpenFiles(), 1)

	require.ErrorIs(t, repo.HandleSave("unknown", []byte("x")), ErrNotFound)

	// Unsaved keystrokes are flushed when the buffer goes away.
	host.edit(h, "typed but not saved")
	require.NoError(t, repo.HandleClose(h))
	assert.False(t, f.Bound())
	assert.Empty(t, repo.OpenFiles())
	assert.True(t, f.Dirty())
	pending, ok := f.Pending()
	require.True(t, ok)
	assert.Equal(t, "typed but not saved", string(pending))
}

func TestRepository_SaveAll(t *testing.T) {
	ctx := context.Background()
	repo, _, host := newTestRepo(t, sampleFiles)
	f := lookupFile(t, repo, "file1.txt")
	h, err := f.Open(ctx)
	require.NoError(t, err)

	require.NoError(t, repo.SaveAll())
	assert.False(t, f.Dirty(), "unchanged buffer is not staged")
	_, ok := f.Pending()
	assert.False(t, ok)

	host.edit(h, "edited")
	require.NoError(t, repo.SaveAll())
	assert.True(t, f.Dirty())
	assert.Equal(t, []*File{f}, repo.DirtyFiles())

	// A buffer that vanished from the host is reported, not dropped silently.
	host.mu.Lock()
	delete(host.buffers, h)
	host.mu.Unlock()
	require.ErrorIs(t, repo.SaveAll(), ErrNotFound)
	assert.True(t, f.Dirty())
}

func TestRepository_Close(t *testing.T) {
	ctx := context.Background()
	repo, _, host := newTestRepo(t, sampleFiles)
	f := lookupFile(t, repo, "file1.txt")
	h, err := f.Open(ctx)
	require.NoError(t, err)
	host.edit(h, "last words")

	require.NoError(t, repo.Close())
	assert.True(t, f.Dirty())
	assert.False(t, f.Bound())
	assert.Len(t, repo.DirtyFiles(), 1)

	_, err = repo.Commit(ctx, "m", true)
	require.ErrorIs(t, err, ErrClosed)
	_, err = lookupDir(t, repo, "dirA").Open(ctx)
	require.ErrorIs(t, err, ErrClosed)
	require.NoError(t, repo.Close())
}

func TestParseIdentity(t *testing.T) {
	tests := []struct {
		in      string
		want    Identity
		wantErr bool
	}{
		{in: "octo/cat", want: Identity{Owner: "octo", Name: "cat"}},
		{in: "octo/cat.go:dev-1", want: Identity{Owner: "octo", Name: "cat.go", Ref: "dev-1"}},
		{in: "octo", wantErr: true},
		{in: "octo/cat:", wantErr: true},
		{in: "a/b/c", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseIdentity(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.in, got.String())
		})
	}
}

func TestRepository_WithRepaint(t *testing.T) {
	backend := remotetest.NewBackend()
	backend.Seed("main", sampleFiles)
	var repainted []string
	repo := New(Identity{Owner: "o", Name: "r"}, backend, newFakeHost(),
		WithLogger(zaptest.NewLogger(t)),
		WithRepaint(func(d *Directory) { repainted = append(repainted, d.Path()) }))

	_, err := repo.GetDirectory(context.Background())
	require.NoError(t, err)
	_, err = lookupDir(t, repo, "dirA").Open(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"", "dirA"}, repainted)
}
