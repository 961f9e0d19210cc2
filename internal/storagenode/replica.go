package storagenode

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/blobcore/internal/blobstore"
	"github.com/roach88/blobcore/internal/capability"
	"github.com/roach88/blobcore/internal/principal"
	"github.com/roach88/blobcore/internal/server"
	"github.com/roach88/blobcore/internal/transport"
	"github.com/roach88/blobcore/internal/ucan"
)

// ReplicaAllocate handles blob/replica/allocate. The node delegates a
// blob/replica/transfer task to itself and answers with an await on that
// task's site.
//
// When the node already holds the bytes the transfer runs inline and its
// receipt is forked as a conclude. Otherwise the download runs in the
// background and the receipt is concluded to the upload service when it
// finishes.
func (n *Node) ReplicaAllocate(ctx context.Context, inv *ucan.Invocation) (server.Result, error) {
	nb, err := capability.Decode[capability.ReplicaAllocateCaveats](inv.Capability())
	if err != nil {
		return server.Result{}, err
	}

	var siteBlocks []ucan.Block
	site, siteErr := ucan.View(nb.Site, inv.Blocks())
	if siteErr == nil {
		siteBlocks = site.Blocks().All()
	}

	c, err := ucan.NewCapability(capability.BlobReplicaTransfer, n.signer.DID().String(), capability.ReplicaTransferCaveats{
		Space: nb.Space,
		Blob:  nb.Blob,
		Site:  nb.Site,
		Cause: inv.Link(),
	})
	if err != nil {
		return server.Result{}, err
	}
	transfer, err := ucan.Invoke(n.signer, n.signer.DID(), c, ucan.WithBlocks(siteBlocks...))
	if err != nil {
		return server.Result{}, err
	}

	held, err := n.blobs.Has(ctx, nb.Blob.Digest)
	if err != nil {
		return server.Result{}, err
	}
	if held {
		rcpt, err := n.runTransfer(ctx, transfer)
		if err != nil {
			return server.Result{}, err
		}
		conclude, err := capability.ConcludeInvocation(n.signer, n.concludeAudience(), rcpt)
		if err != nil {
			return server.Result{}, err
		}
		ok := capability.ReplicaAllocateOk{Size: 0, Site: capability.AwaitSite(transfer.Link())}
		return server.Ok(ok).WithFork(transfer, conclude), nil
	}

	if siteErr != nil {
		return server.Result{}, ucan.NewFailure(NameMissingLocationCommitment, "location commitment %s is not attached", nb.Site)
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		// The request context ends with the response; the download must not.
		ctx := context.WithoutCancel(ctx)
		rcpt, err := n.runTransfer(ctx, transfer)
		if err != nil {
			slog.Error("replica transfer failed", "task", transfer.Link().String(), "error", err)
			return
		}
		if err := n.conclude(ctx, rcpt); err != nil {
			slog.Error("conclude replica transfer failed", "task", transfer.Link().String(), "error", err)
		}
	}()

	ok := capability.ReplicaAllocateOk{Size: nb.Blob.Size, Site: capability.AwaitSite(transfer.Link())}
	return server.Ok(ok).WithFork(transfer), nil
}

// Transfer handles blob/replica/transfer: copy the blob if needed and
// commit to serving it.
func (n *Node) Transfer(ctx context.Context, inv *ucan.Invocation) (server.Result, error) {
	commitment, err := n.transfer(ctx, inv)
	if err != nil {
		return server.Result{}, err
	}
	return server.Ok(capability.ReplicaTransferOk{Site: commitment.Link()}).WithFork(commitment), nil
}

func (n *Node) transfer(ctx context.Context, task *ucan.Invocation) (*ucan.Delegation, error) {
	nb, err := capability.Decode[capability.ReplicaTransferCaveats](task.Capability())
	if err != nil {
		return nil, err
	}

	held, err := n.blobs.Has(ctx, nb.Blob.Digest)
	if err != nil {
		return nil, err
	}
	if !held {
		site, err := ucan.View(nb.Site, task.Blocks())
		if err != nil {
			return nil, ucan.NewFailure(NameMissingLocationCommitment, "location commitment %s is not attached", nb.Site)
		}
		loc, err := capability.Decode[capability.LocationCaveats](site.Capability())
		if err != nil || len(loc.Location) == 0 {
			return nil, ucan.NewFailure(NameMissingLocationCommitment, "location commitment %s names no location", nb.Site)
		}

		data, err := blobstore.Fetch(ctx, n.client, loc.Location[0], nb.Blob.Digest, nb.Blob.Size)
		if err != nil {
			return nil, ucan.NewFailure(NameTransferFailure, "failed to fetch %s", nb.Blob.Digest.B58String()).WithCause(err)
		}
		if uint64(len(data)) != nb.Blob.Size {
			return nil, ucan.NewFailure(NameTransferFailure, "fetched %d bytes, expected %d", len(data), nb.Blob.Size)
		}
		if err := n.blobs.Put(ctx, nb.Blob.Digest, data); err != nil {
			return nil, fmt.Errorf("store replica: %w", err)
		}
		slog.Info("replica fetched", "digest", nb.Blob.Digest.B58String(), "from", loc.Location[0])
	}

	return n.accept(ctx, nb.Space, nb.Blob, task.Link())
}

// runTransfer executes the node's own transfer task and signs its
// receipt. Transfer failures end up in the receipt, not in the error.
func (n *Node) runTransfer(ctx context.Context, task *ucan.Invocation) (*ucan.Receipt, error) {
	var (
		out ucan.Outcome
		fx  ucan.Effects
	)
	commitment, err := n.transfer(ctx, task)
	if err != nil {
		out = ucan.ErrorOutcome(ucan.AsFailure(err))
	} else {
		out, err = ucan.OkOutcome(capability.ReplicaTransferOk{Site: commitment.Link()})
		if err != nil {
			return nil, err
		}
		fx.Fork = []*ucan.Invocation{commitment}
	}

	rcpt, err := ucan.Issue(n.signer, task, out, fx)
	if err != nil {
		return nil, err
	}
	if n.ledger != nil {
		msg, err := ucan.NewMessage([]*ucan.Invocation{task}, []*ucan.Receipt{rcpt})
		if err != nil {
			return nil, err
		}
		if err := n.ledger.WriteMessage(ctx, msg); err != nil {
			slog.Error("record transfer receipt failed", "task", task.Link().String(), "error", err)
		}
	}
	return rcpt, nil
}

// conclude delivers a transfer receipt to the upload service.
func (n *Node) conclude(ctx context.Context, rcpt *ucan.Receipt) error {
	if n.service == "" {
		slog.Debug("no upload service configured, transfer receipt kept locally", "task", rcpt.Ran().String())
		return nil
	}
	c, opts, err := capability.Conclude(n.signer.DID(), rcpt)
	if err != nil {
		return err
	}
	inv, conn, err := n.dispatcher.ConfigureInvocation(ctx, n.service, c, opts...)
	if err != nil {
		return err
	}
	res, err := transport.Receipt(ctx, conn, inv)
	if err != nil {
		return err
	}
	if !res.IsOk() {
		return res.Out().Error
	}
	slog.Debug("replica transfer concluded", "task", rcpt.Ran().String(), "service", n.service)
	return nil
}

func (n *Node) concludeAudience() principal.DID {
	if n.service != "" {
		return n.service
	}
	return n.signer.DID()
}
