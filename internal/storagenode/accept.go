package storagenode

import (
	"context"
	"errors"
	"log/slog"

	"github.com/roach88/blobcore/internal/capability"
	"github.com/roach88/blobcore/internal/principal"
	"github.com/roach88/blobcore/internal/server"
	"github.com/roach88/blobcore/internal/store"
	"github.com/roach88/blobcore/internal/transport"
	"github.com/roach88/blobcore/internal/ucan"
)

// Accept handles blob/accept: once the bytes are in place the node signs
// a location commitment to the space, publishes it and registers the
// blob. The result links the commitment and forks it.
func (n *Node) Accept(ctx context.Context, inv *ucan.Invocation) (server.Result, error) {
	nb, err := capability.Decode[capability.AcceptCaveats](inv.Capability())
	if err != nil {
		return server.Result{}, err
	}
	commitment, err := n.accept(ctx, nb.Space, nb.Blob, n.acceptCause(ctx, inv, nb))
	if err != nil {
		return server.Result{}, err
	}
	return server.Ok(capability.AcceptOk{Site: commitment.Link()}).WithFork(commitment), nil
}

func (n *Node) accept(ctx context.Context, space principal.DID, blob capability.Blob, cause ucan.Link) (*ucan.Delegation, error) {
	held, err := n.blobs.Has(ctx, blob.Digest)
	if err != nil {
		return nil, err
	}
	if !held {
		return nil, ucan.NewFailure(NameAllocatedMemoryNotWritten, "Blob not found").
			With("digest", blob.Digest.B58String())
	}

	commitment, err := n.commit(space, blob)
	if err != nil {
		return nil, err
	}
	if err := n.publish(ctx, commitment); err != nil {
		return nil, err
	}

	err = n.registry.Register(ctx, store.Entry{
		Space:  space,
		Digest: blob.Digest,
		Size:   blob.Size,
		Cause:  cause,
	})
	if err != nil && !errors.Is(err, store.ErrEntryExists) {
		return nil, err
	}
	slog.Debug("blob accepted", "space", space, "digest", blob.Digest.B58String(), "site", commitment.Link().String())
	return commitment, nil
}

// acceptCause is what a blob registered by inv is attributed to. An
// upload accepted after its http/put resolves back through the put to the
// allocation: its nb.cause if given, else the allocation itself. Anything
// that cannot be resolved is attributed to the accept task.
func (n *Node) acceptCause(ctx context.Context, inv *ucan.Invocation, nb capability.AcceptCaveats) ucan.Link {
	if n.ledger == nil || nb.Put == nil {
		return inv.Link()
	}
	put, err := n.ledger.GetInvocation(ctx, nb.Put.Task)
	if err != nil {
		slog.Debug("put task not in ledger", "task", nb.Put.Task.String(), "error", err)
		return inv.Link()
	}
	putNb, err := capability.Decode[capability.HTTPPutCaveats](put.Capability())
	if err != nil {
		return inv.Link()
	}
	alloc, err := n.ledger.GetInvocation(ctx, putNb.URL.Task)
	if err != nil {
		slog.Debug("allocation not in ledger", "task", putNb.URL.Task.String(), "error", err)
		return inv.Link()
	}
	allocNb, err := capability.Decode[capability.AllocateCaveats](alloc.Capability())
	if err != nil {
		return inv.Link()
	}
	if allocNb.Cause != nil {
		return *allocNb.Cause
	}
	return alloc.Link()
}

// commit signs an assert/location claim that the node serves blob. The
// claim never expires and carries no nonce, so committing twice to the
// same blob yields the same claim.
func (n *Node) commit(space principal.DID, blob capability.Blob) (*ucan.Delegation, error) {
	c, err := ucan.NewCapability(capability.AssertLocation, n.signer.DID().String(), capability.LocationCaveats{
		Space:    space,
		Content:  capability.ContentDigest{Digest: blob.Digest},
		Location: []string{n.blobs.DownloadURL(blob.Digest)},
	})
	if err != nil {
		return nil, err
	}
	return ucan.Delegate(n.signer, space, []ucan.Capability{c})
}

// publish asks the indexing service to cache a claim.
func (n *Node) publish(ctx context.Context, claim *ucan.Delegation) error {
	if n.indexer == "" {
		return nil
	}
	loc, err := capability.Decode[capability.LocationCaveats](claim.Capability())
	if err != nil {
		return err
	}
	c, err := ucan.NewCapability(capability.ClaimCache, n.signer.DID().String(), capability.CacheCaveats{
		Claim:    claim.Link(),
		Provider: capability.ProviderAddresses{Addresses: loc.Location},
	})
	if err != nil {
		return err
	}

	inv, conn, err := n.dispatcher.ConfigureInvocation(ctx, n.indexer, c, ucan.WithBlocks(claim.Blocks().All()...))
	if err != nil {
		return err
	}
	rcpt, err := transport.Receipt(ctx, conn, inv)
	if err != nil {
		return ucan.NewFailure(NamePublishFailure, "failed to publish claim %s to %s", claim.Link(), n.indexer).WithCause(err)
	}
	if !rcpt.IsOk() {
		return rcpt.Out().Error
	}
	return nil
}
