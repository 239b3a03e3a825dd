package workspace

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaun/octophus/internal/remote"
	"github.com/shaun/octophus/internal/remote/remotetest"
)

func TestFile_Open_idempotent(t *testing.T) {
	ctx := context.Background()
	repo, backend, host := newTestRepo(t, sampleFiles)
	f := lookupFile(t, repo, "file1.txt")

	h1, err := f.Open(ctx)
	require.NoError(t, err)
	h2, err := f.Open(ctx)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Equal(t, 1, host.binds)
	assert.Equal(t, 1, backend.Calls(remotetest.OpFetchBlob))
	assert.Equal(t, []*File{f}, repo.OpenFiles())
}

func TestFile_Open_fetchFailure(t *testing.T) {
	ctx := context.Background()
	repo, backend, host := newTestRepo(t, sampleFiles)
	f := lookupFile(t, repo, "file1.txt")

	backend.Fail(remotetest.OpFetchBlob, remote.ErrUnavailable)
	_, err := f.Open(ctx)
	require.ErrorIs(t, err, ErrRemoteUnavailable)
	assert.False(t, f.Bound())
	assert.Empty(t, repo.OpenFiles())
	assert.Zero(t, host.binds)

	backend.Fail(remotetest.OpFetchBlob, nil)
	_, err = f.Open(ctx)
	require.NoError(t, err)
}

func TestFile_Save(t *testing.T) {
	ctx := context.Background()
	repo, backend, _ := newTestRepo(t, sampleFiles)
	f := lookupFile(t, repo, "file1.txt")
	_, err := f.Open(ctx)
	require.NoError(t, err)

	f.Save([]byte("hello"))
	assert.False(t, f.Dirty(), "same content as synced")

	f.Save([]byte("hello world"))
	assert.True(t, f.Dirty())

	f.Save([]byte("hello"))
	assert.False(t, f.Dirty(), "reverted content is clean again")

	assert.Zero(t, backend.Calls(remotetest.OpCreateBlob), "save never writes to the host")
}

func TestFile_Save_withoutFetch(t *testing.T) {
	repo, backend, _ := newTestRepo(t, sampleFiles)
	f := lookupFile(t, repo, "file1.txt")

	// The blob sum stands in for content that was never fetched.
	f.Save([]byte("hello"))
	assert.False(t, f.Dirty())
	f.Save([]byte("other"))
	assert.True(t, f.Dirty())
	assert.Zero(t, backend.Calls(remotetest.OpFetchBlob))
}

func TestFile_Close_keepsDirty(t *testing.T) {
	ctx := context.Background()
	repo, backend, host := newTestRepo(t, sampleFiles)
	f := lookupFile(t, repo, "file1.txt")
	h, err := f.Open(ctx)
	require.NoError(t, err)

	f.Save([]byte("edited"))
	f.Close()
	assert.False(t, f.Bound())
	assert.True(t, f.Dirty())
	pending, ok := f.Pending()
	require.True(t, ok)
	assert.Equal(t, "edited", string(pending))
	assert.Empty(t, repo.OpenFiles())

	// Reopening shows the staged edits, not the remote blob.
	h2, err := f.Open(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, h, h2)
	assert.Equal(t, "edited", host.content(h2))
	assert.True(t, f.Dirty())
	assert.Equal(t, 1, backend.Calls(remotetest.OpFetchBlob))
}

func TestFile_Close_clean(t *testing.T) {
	ctx := context.Background()
	repo, _, _ := newTestRepo(t, sampleFiles)
	f := lookupFile(t, repo, "file1.txt")
	_, err := f.Open(ctx)
	require.NoError(t, err)

	f.Close()
	f.Close()
	assert.False(t, f.Dirty())
	_, ok := f.Pending()
	assert.False(t, ok)
}

func TestFile_MarkSynced(t *testing.T) {
	repo, _, _ := newTestRepo(t, sampleFiles)
	f := lookupFile(t, repo, "file1.txt")
	f.Save([]byte("new content"))
	require.True(t, f.Dirty())

	ref := remote.BlobSum([]byte("new content"))
	f.MarkSynced(ref)
	assert.False(t, f.Dirty())
	assert.Equal(t, ref, f.Ref())
	_, ok := f.Pending()
	assert.False(t, ok)

	f.Save([]byte("new content"))
	assert.False(t, f.Dirty())
}
