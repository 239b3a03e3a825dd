package github

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaun/octophus/internal/remote"
)

// fakeGitHub serves the Git Data endpoints the backend uses for repo o/r.
type fakeGitHub struct {
	mu         sync.Mutex
	blobGets   int
	blobs      []string
	trees      []map[string]any
	commit     map[string]any
	ref        map[string]any
	failCommit bool
}

func (f *fakeGitHub) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/o/r", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"name":"r","default_branch":"main"}`))
	})
	mux.HandleFunc("GET /repos/o/missing", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"message":"Not Found"}`))
	})
	mux.HandleFunc("GET /repos/o/r/branches/main", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"name":"main","commit":{"sha":"c1","commit":{"tree":{"sha":"t1"}}}}`))
	})
	mux.HandleFunc("GET /repos/o/r/git/trees/t1", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"sha":"t1","tree":[
			{"path":"dirA","mode":"040000","type":"tree","sha":"t2"},
			{"path":"file1.txt","mode":"100644","type":"blob","sha":"b1","size":5},
			{"path":"vendor","mode":"160000","type":"commit","sha":"s1"}
		]}`))
	})
	mux.HandleFunc("GET /repos/o/r/git/blobs/b1", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.blobGets++
		f.mu.Unlock()
		w.Write([]byte("hello"))
	})
	mux.HandleFunc("POST /repos/o/r/git/blobs", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Content  string `json:"content"`
			Encoding string `json:"encoding"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		raw, _ := base64.StdEncoding.DecodeString(body.Content)
		f.mu.Lock()
		f.blobs = append(f.blobs, string(raw))
		f.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"sha":"nb1"}`))
	})
	mux.HandleFunc("POST /repos/o/r/git/trees", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.trees = append(f.trees, body)
		n := len(f.trees)
		f.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{"sha": "nt" + string(rune('0'+n))})
	})
	mux.HandleFunc("GET /repos/o/r/git/commits/c1", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"sha":"c1","parents":[{"sha":"c0"}]}`))
	})
	mux.HandleFunc("POST /repos/o/r/git/commits", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.failCommit {
			w.WriteHeader(http.StatusUnprocessableEntity)
			w.Write([]byte(`{"message":"Validation Failed"}`))
			return
		}
		json.NewDecoder(r.Body).Decode(&f.commit)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"sha":"c2"}`))
	})
	mux.HandleFunc("PATCH /repos/o/r/git/refs/heads/main", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		json.NewDecoder(r.Body).Decode(&f.ref)
		f.mu.Unlock()
		w.Write([]byte(`{"ref":"refs/heads/main","object":{"sha":"c2"}}`))
	})
	return mux
}

// rewriteTransport sends requests to baseURL instead of the original host (for fake GitHub API).
type rewriteTransport struct {
	baseURL string
	base    http.RoundTripper
}

func (t *rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.base == nil {
		t.base = http.DefaultTransport
	}
	u, err := url.Parse(t.baseURL)
	if err != nil {
		return nil, err
	}
	req = req.Clone(req.Context())
	req.URL.Scheme = u.Scheme
	req.URL.Host = u.Host
	return t.base.RoundTrip(req)
}

func newTestClient(t *testing.T, repo string) (*Client, *fakeGitHub) {
	t.Helper()
	fake := &fakeGitHub{}
	server := httptest.NewServer(fake.handler())
	t.Cleanup(server.Close)
	hc := &http.Client{Transport: &rewriteTransport{baseURL: server.URL}}
	c, err := NewClient("o", repo, Config{HTTPClient: hc, BlobCacheSize: 4})
	require.NoError(t, err)
	return c, fake
}

func TestClient_Resolve(t *testing.T) {
	c, _ := newTestClient(t, "r")
	head, err := c.Resolve(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, remote.Head{Branch: "main", Commit: "c1", Tree: "t1"}, head)
}

func TestClient_Resolve_notFound(t *testing.T) {
	c, _ := newTestClient(t, "missing")
	_, err := c.Resolve(context.Background(), "")
	require.ErrorIs(t, err, remote.ErrNotFound)
}

func TestClient_FetchTree(t *testing.T) {
	c, _ := newTestClient(t, "r")
	tree, err := c.FetchTree(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, remote.TreeRef("t1"), tree.Ref)
	assert.Equal(t, []remote.TreeEntry{
		{Name: "dirA", Kind: remote.KindTree, Mode: "040000", Ref: "t2"},
		{Name: "file1.txt", Kind: remote.KindBlob, Mode: "100644", Ref: "b1", Size: 5},
		{Name: "vendor", Kind: remote.KindCommit, Mode: "160000", Ref: "s1"},
	}, tree.Entries)
}

func TestClient_FetchBlob_cached(t *testing.T) {
	c, fake := newTestClient(t, "r")
	for i := 0; i < 2; i++ {
		content, err := c.FetchBlob(context.Background(), "b1")
		require.NoError(t, err)
		assert.Equal(t, "hello", string(content))
	}
	assert.Equal(t, 1, fake.blobGets)

	_, err := c.FetchBlob(context.Background(), "unknown")
	require.ErrorIs(t, err, remote.ErrNotFound)
}

func TestClient_CreateFile(t *testing.T) {
	c, fake := newTestClient(t, "r")
	ref, err := c.CreateFile(context.Background(), "dirA/new.txt")
	require.NoError(t, err)
	assert.Equal(t, remote.BlobRef("nb1"), ref)
	assert.Equal(t, []string{""}, fake.blobs)

	// Created blobs are served from the cache.
	content, err := c.FetchBlob(context.Background(), ref)
	require.NoError(t, err)
	assert.Empty(t, content)
}

func TestClient_Commit_amend(t *testing.T) {
	ctx := context.Background()
	c, fake := newTestClient(t, "r")
	_, err := c.Resolve(ctx, "")
	require.NoError(t, err)

	ref, err := c.CreateBlob(ctx, []byte("hello world"))
	require.NoError(t, err)
	sub := &remote.TreeWrite{Entries: []remote.WriteEntry{
		{Name: "a.txt", Kind: remote.KindBlob, Mode: remote.ModeFile, Ref: string(ref)},
	}}
	tree := &remote.TreeWrite{Entries: []remote.WriteEntry{
		{Name: "dirA", Kind: remote.KindTree, Mode: remote.ModeTree, Ref: "t2", Tree: sub},
		{Name: "file1.txt", Kind: remote.KindBlob, Mode: remote.ModeFile, Ref: "b1"},
		{Name: "vendor", Kind: remote.KindCommit, Mode: remote.ModeSubmodule, Ref: "s1"},
	}}

	id, err := c.Commit(ctx, "c1", tree, "fix", true)
	require.NoError(t, err)
	assert.Equal(t, remote.CommitRef("c2"), id)
	assert.Equal(t, remote.TreeRef("nt1"), sub.Ref)
	assert.Equal(t, remote.TreeRef("nt2"), tree.Ref)

	require.Len(t, fake.trees, 2)
	rootEntries := fake.trees[1]["tree"].([]any)
	require.Len(t, rootEntries, 3)
	assert.Equal(t, "nt1", rootEntries[0].(map[string]any)["sha"])
	assert.Equal(t, "commit", rootEntries[2].(map[string]any)["type"])

	assert.Equal(t, "fix", fake.commit["message"])
	assert.Equal(t, "nt2", fake.commit["tree"])
	assert.Equal(t, []any{"c0"}, fake.commit["parents"], "amend reuses the parents of the replaced commit")
	assert.Equal(t, "c2", fake.ref["sha"])
	assert.Equal(t, true, fake.ref["force"])
}

func TestClient_Commit_append(t *testing.T) {
	ctx := context.Background()
	c, fake := newTestClient(t, "r")
	_, err := c.Resolve(ctx, "main")
	require.NoError(t, err)

	_, err = c.Commit(ctx, "c1", &remote.TreeWrite{Ref: "t1"}, "msg", false)
	require.NoError(t, err)
	assert.Empty(t, fake.trees, "unchanged root is not rewritten")
	assert.Equal(t, "t1", fake.commit["tree"])
	assert.Equal(t, []any{"c1"}, fake.commit["parents"])
	assert.Equal(t, false, fake.ref["force"])
}

func TestClient_Commit_rejected(t *testing.T) {
	ctx := context.Background()
	c, fake := newTestClient(t, "r")
	_, err := c.Resolve(ctx, "")
	require.NoError(t, err)
	fake.mu.Lock()
	fake.failCommit = true
	fake.mu.Unlock()

	_, err = c.Commit(ctx, "c1", &remote.TreeWrite{Ref: "t1"}, "msg", false)
	require.ErrorIs(t, err, remote.ErrRejected)
	assert.Nil(t, fake.ref)
}

func TestClient_Commit_unresolved(t *testing.T) {
	c, _ := newTestClient(t, "r")
	_, err := c.Commit(context.Background(), "c1", &remote.TreeWrite{Ref: "t1"}, "msg", false)
	require.ErrorIs(t, err, remote.ErrRejected)
}
