package storagenode

import (
	"context"
	"errors"
	"log/slog"

	"github.com/roach88/blobcore/internal/capability"
	"github.com/roach88/blobcore/internal/server"
	"github.com/roach88/blobcore/internal/store"
	"github.com/roach88/blobcore/internal/ucan"
)

// Allocate handles blob/allocate. A blob the space already holds, or
// whose bytes the node already has, needs no upload and yields size 0.
func (n *Node) Allocate(ctx context.Context, inv *ucan.Invocation) (server.Result, error) {
	nb, err := capability.Decode[capability.AllocateCaveats](inv.Capability())
	if err != nil {
		return server.Result{}, err
	}
	ok, err := n.allocate(ctx, nb)
	if err != nil {
		return server.Result{}, err
	}
	return server.Ok(ok), nil
}

func (n *Node) allocate(ctx context.Context, nb capability.AllocateCaveats) (capability.AllocateOk, error) {
	_, err := n.registry.Find(ctx, nb.Space, nb.Blob.Digest)
	if err == nil {
		slog.Debug("blob already registered", "space", nb.Space, "digest", nb.Blob.Digest.B58String())
		return capability.AllocateOk{Size: 0}, nil
	}
	if !errors.Is(err, store.ErrEntryNotFound) {
		return capability.AllocateOk{}, err
	}

	held, err := n.blobs.Has(ctx, nb.Blob.Digest)
	if err != nil {
		return capability.AllocateOk{}, err
	}
	if held {
		return capability.AllocateOk{Size: 0}, nil
	}

	if nb.Blob.Size > n.maxUploadSize {
		return capability.AllocateOk{}, NewBlobSizeLimitExceeded(nb.Blob.Size, n.maxUploadSize)
	}

	addr, err := n.blobs.UploadURL(nb.Blob.Digest, nb.Blob.Size, AllocationTTL)
	if err != nil {
		return capability.AllocateOk{}, err
	}
	slog.Debug("blob allocated", "space", nb.Space, "digest", nb.Blob.Digest.B58String(), "size", nb.Blob.Size)
	return capability.AllocateOk{Size: nb.Blob.Size, Address: &addr}, nil
}
