// Package github implements remote.Backend on top of the GitHub Git Data API.
package github

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/go-github/v68/github"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/shaun/octophus/internal/remote"
)

const defaultBlobCacheSize = 256

// Config configures a Client.
type Config struct {
	Token string
	// BaseURL points at a GitHub Enterprise API; empty means github.com.
	BaseURL string
	// BlobCacheSize bounds the number of fetched blobs kept in memory.
	BlobCacheSize int
	// HTTPClient replaces the token transport (e.g. in tests).
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client is the remote backend for one repository.
type Client struct {
	gh     *github.Client
	owner  string
	repo   string
	blobs  *lru.Cache[remote.BlobRef, []byte]
	logger *zap.Logger

	mu     sync.Mutex
	branch string
}

var _ remote.Backend = (*Client)(nil)

func NewClient(owner, repo string, cfg Config) (*Client, error) {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token})
		httpClient = oauth2.NewClient(context.Background(), ts)
	}
	gh := github.NewClient(httpClient)
	if cfg.BaseURL != "" {
		var err error
		gh, err = gh.WithEnterpriseURLs(cfg.BaseURL, cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("github base url: %w", err)
		}
	}
	size := cfg.BlobCacheSize
	if size <= 0 {
		size = defaultBlobCacheSize
	}
	blobs, err := lru.New[remote.BlobRef, []byte](size)
	if err != nil {
		return nil, fmt.Errorf("blob cache: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		gh:     gh,
		owner:  owner,
		repo:   repo,
		blobs:  blobs,
		logger: logger.With(zap.String("github", owner+"/"+repo)),
	}, nil
}

// classify maps a go-github error onto the remote error taxonomy.
func classify(op string, err error) error {
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		switch ghErr.Response.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("%s: %w: %w", op, remote.ErrNotFound, err)
		case http.StatusConflict, http.StatusUnprocessableEntity:
			return fmt.Errorf("%s: %w: %w", op, remote.ErrRejected, err)
		}
	}
	return fmt.Errorf("%s: %w: %w", op, remote.ErrUnavailable, err)
}

func (c *Client) Resolve(ctx context.Context, ref string) (remote.Head, error) {
	if ref == "" {
		repo, _, err := c.gh.Repositories.Get(ctx, c.owner, c.repo)
		if err != nil {
			return remote.Head{}, classify("get repository", err)
		}
		ref = repo.GetDefaultBranch()
	}
	branch, _, err := c.gh.Repositories.GetBranch(ctx, c.owner, c.repo, ref, 1)
	if err != nil {
		return remote.Head{}, classify("get branch "+ref, err)
	}
	head := remote.Head{
		Branch: ref,
		Commit: remote.CommitRef(branch.GetCommit().GetSHA()),
		Tree:   remote.TreeRef(branch.GetCommit().GetCommit().GetTree().GetSHA()),
	}
	c.mu.Lock()
	c.branch = ref
	c.mu.Unlock()
	c.logger.Debug("resolved branch", zap.String("branch", ref), zap.String("commit", string(head.Commit)))
	return head, nil
}

func (c *Client) FetchTree(ctx context.Context, ref remote.TreeRef) (*remote.TreeDescriptor, error) {
	tree, _, err := c.gh.Git.GetTree(ctx, c.owner, c.repo, string(ref), false)
	if err != nil {
		return nil, classify("get tree", err)
	}
	out := &remote.TreeDescriptor{Ref: remote.TreeRef(tree.GetSHA())}
	for _, e := range tree.Entries {
		entry := remote.TreeEntry{
			Name: e.GetPath(),
			Mode: e.GetMode(),
			Ref:  e.GetSHA(),
			Size: int64(e.GetSize()),
		}
		switch e.GetType() {
		case "blob":
			entry.Kind = remote.KindBlob
		case "tree":
			entry.Kind = remote.KindTree
		case "commit":
			entry.Kind = remote.KindCommit
		default:
			c.logger.Warn("skipping tree entry", zap.String("path", e.GetPath()), zap.String("type", e.GetType()))
			continue
		}
		out.Entries = append(out.Entries, entry)
	}
	return out, nil
}

func (c *Client) FetchBlob(ctx context.Context, ref remote.BlobRef) ([]byte, error) {
	if content, ok := c.blobs.Get(ref); ok {
		return append([]byte(nil), content...), nil
	}
	content, _, err := c.gh.Git.GetBlobRaw(ctx, c.owner, c.repo, string(ref))
	if err != nil {
		return nil, classify("get blob", err)
	}
	c.blobs.Add(ref, content)
	return append([]byte(nil), content...), nil
}

func (c *Client) CreateBlob(ctx context.Context, content []byte) (remote.BlobRef, error) {
	blob, _, err := c.gh.Git.CreateBlob(ctx, c.owner, c.repo, &github.Blob{
		Content:  github.Ptr(base64.StdEncoding.EncodeToString(content)),
		Encoding: github.Ptr("base64"),
	})
	if err != nil {
		return "", classify("create blob", err)
	}
	ref := remote.BlobRef(blob.GetSHA())
	c.blobs.Add(ref, append([]byte(nil), content...))
	return ref, nil
}

// CreateFile uploads the empty blob a new file starts from. The file only
// appears in the repository with the next commit.
func (c *Client) CreateFile(ctx context.Context, path string) (remote.BlobRef, error) {
	ref, err := c.CreateBlob(ctx, nil)
	if err != nil {
		return "", err
	}
	c.logger.Debug("created file blob", zap.String("path", path), zap.String("blob", string(ref)))
	return ref, nil
}

func (c *Client) Commit(ctx context.Context, base remote.CommitRef, tree *remote.TreeWrite, message string, amend bool) (remote.CommitRef, error) {
	c.mu.Lock()
	branch := c.branch
	c.mu.Unlock()
	if branch == "" {
		return "", fmt.Errorf("commit: branch not resolved: %w", remote.ErrRejected)
	}

	root, err := c.writeTree(ctx, tree)
	if err != nil {
		return "", err
	}

	parents := []*github.Commit{{SHA: github.Ptr(string(base))}}
	if amend {
		prev, _, err := c.gh.Git.GetCommit(ctx, c.owner, c.repo, string(base))
		if err != nil {
			return "", classify("get commit", err)
		}
		parents = parents[:0]
		for _, p := range prev.Parents {
			parents = append(parents, &github.Commit{SHA: github.Ptr(p.GetSHA())})
		}
	}

	commit, _, err := c.gh.Git.CreateCommit(ctx, c.owner, c.repo, &github.Commit{
		Message: github.Ptr(message),
		Tree:    &github.Tree{SHA: github.Ptr(string(root))},
		Parents: parents,
	}, nil)
	if err != nil {
		return "", classify("create commit", err)
	}

	_, _, err = c.gh.Git.UpdateRef(ctx, c.owner, c.repo, &github.Reference{
		Ref:    github.Ptr("refs/heads/" + branch),
		Object: &github.GitObject{SHA: commit.SHA},
	}, amend)
	if err != nil {
		return "", classify("update ref", err)
	}
	c.logger.Info("branch updated",
		zap.String("branch", branch),
		zap.String("commit", commit.GetSHA()),
		zap.Bool("amend", amend))
	return remote.CommitRef(commit.GetSHA()), nil
}

// writeTree writes changed subtrees bottom-up and returns the root tree sha.
func (c *Client) writeTree(ctx context.Context, t *remote.TreeWrite) (remote.TreeRef, error) {
	if t.Unchanged() {
		return t.Ref, nil
	}
	entries := make([]*github.TreeEntry, 0, len(t.Entries))
	for _, e := range t.Entries {
		sha := e.Ref
		if e.Tree != nil {
			sub, err := c.writeTree(ctx, e.Tree)
			if err != nil {
				return "", err
			}
			sha = string(sub)
		}
		entries = append(entries, &github.TreeEntry{
			Path: github.Ptr(e.Name),
			Mode: github.Ptr(e.Mode),
			Type: github.Ptr(e.Kind.String()),
			SHA:  github.Ptr(sha),
		})
	}
	tree, _, err := c.gh.Git.CreateTree(ctx, c.owner, c.repo, "", entries)
	if err != nil {
		return "", classify("create tree", err)
	}
	t.Ref = remote.TreeRef(tree.GetSHA())
	return t.Ref, nil
}
