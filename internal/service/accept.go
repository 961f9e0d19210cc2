package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/roach88/blobcore/internal/capability"
	"github.com/roach88/blobcore/internal/server"
	"github.com/roach88/blobcore/internal/store"
	"github.com/roach88/blobcore/internal/transport"
	"github.com/roach88/blobcore/internal/ucan"
)

// legacyAccept serves web3.storage/blob/accept.
func (s *Service) legacyAccept(ctx context.Context, inv *ucan.Invocation) (server.Result, error) {
	if err := s.checkLegacy(inv); err != nil {
		return server.Result{}, err
	}
	return s.node.Accept(ctx, inv)
}

// pollAccept resumes an upload once the client concludes its http/put
// task: it finds the allocation the put awaited, invokes blob/accept on
// the provider that made it and registers the blob in the space.
func (s *Service) pollAccept(ctx context.Context, rcpt *ucan.Receipt, task *ucan.Invocation) error {
	if task.Capability().Can != capability.HTTPPut {
		return nil
	}
	if !rcpt.IsOk() {
		slog.Debug("upload failed, nothing to accept", "task", task.Link().String())
		return nil
	}
	put, err := capability.Decode[capability.HTTPPutCaveats](task.Capability())
	if err != nil {
		return err
	}

	alloc, err := s.store.GetInvocation(ctx, put.URL.Task)
	if err != nil {
		return err
	}
	allocCap := alloc.Capability()
	allocNb, err := capability.Decode[capability.AllocateCaveats](allocCap)
	if err != nil {
		return err
	}

	ability := capability.BlobAccept
	if allocCap.Can == capability.LegacyBlobAllocate {
		ability = capability.LegacyBlobAccept
	}
	await := ucan.AwaitOk(rcpt.Ran())
	c, err := ucan.NewCapability(ability, allocCap.With, capability.AcceptCaveats{
		Space: allocNb.Space,
		Blob:  allocNb.Blob,
		Put:   &await,
	})
	if err != nil {
		return err
	}

	// The accept task must be the same whenever the put is concluded, so
	// it inherits the allocation's expiry instead of computing one.
	var opts []ucan.Option
	if exp := alloc.Expiration(); exp != nil {
		opts = append(opts, ucan.WithExpirationUnix(*exp))
	}
	acceptInv, conn, err := s.router.ConfigureInvocation(ctx, alloc.Audience(), c, opts...)
	if err != nil {
		return err
	}
	acceptRcpt, err := transport.Receipt(ctx, conn, acceptInv)
	if err != nil {
		return err
	}

	msg, err := ucan.NewMessage([]*ucan.Invocation{acceptInv}, []*ucan.Receipt{acceptRcpt})
	if err != nil {
		return err
	}
	if err := s.store.WriteMessage(ctx, msg); err != nil {
		return err
	}
	if !acceptRcpt.IsOk() {
		return acceptRcpt.Out().Error
	}

	cause := alloc.Link()
	if allocNb.Cause != nil {
		cause = *allocNb.Cause
	}
	err = s.store.Register(ctx, store.Entry{
		Space:  allocNb.Space,
		Digest: allocNb.Blob.Digest,
		Size:   allocNb.Blob.Size,
		Cause:  cause,
	})
	if err != nil && !errors.Is(err, store.ErrEntryExists) {
		return err
	}
	slog.Info("blob accepted", "space", allocNb.Space, "digest", allocNb.Blob.Digest.B58String(), "provider", alloc.Audience())
	return nil
}
