package metrics

import (
	"context"
	"time"

	"github.com/shaun/octophus/internal/remote"
)

// Backend wraps a remote.Backend and records every call.
type Backend struct {
	next remote.Backend
}

var _ remote.Backend = (*Backend)(nil)

func InstrumentBackend(next remote.Backend) *Backend {
	return &Backend{next: next}
}

func (b *Backend) Resolve(ctx context.Context, ref string) (remote.Head, error) {
	start := time.Now()
	head, err := b.next.Resolve(ctx, ref)
	ObserveRemoteCall("resolve", start, err)
	return head, err
}

func (b *Backend) FetchTree(ctx context.Context, ref remote.TreeRef) (*remote.TreeDescriptor, error) {
	start := time.Now()
	tree, err := b.next.FetchTree(ctx, ref)
	ObserveRemoteCall("fetch_tree", start, err)
	return tree, err
}

func (b *Backend) FetchBlob(ctx context.Context, ref remote.BlobRef) ([]byte, error) {
	start := time.Now()
	content, err := b.next.FetchBlob(ctx, ref)
	ObserveRemoteCall("fetch_blob", start, err)
	return content, err
}

func (b *Backend) CreateBlob(ctx context.Context, content []byte) (remote.BlobRef, error) {
	start := time.Now()
	ref, err := b.next.CreateBlob(ctx, content)
	ObserveRemoteCall("create_blob", start, err)
	return ref, err
}

func (b *Backend) CreateFile(ctx context.Context, path string) (remote.BlobRef, error) {
	start := time.Now()
	ref, err := b.next.CreateFile(ctx, path)
	ObserveRemoteCall("create_file", start, err)
	return ref, err
}

func (b *Backend) Commit(ctx context.Context, base remote.CommitRef, tree *remote.TreeWrite, message string, amend bool) (remote.CommitRef, error) {
	start := time.Now()
	id, err := b.next.Commit(ctx, base, tree, message, amend)
	ObserveRemoteCall("commit", start, err)
	return id, err
}
