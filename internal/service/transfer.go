package service

import (
	"bytes"
	"context"
	"errors"
	"log/slog"

	"github.com/roach88/blobcore/internal/capability"
	"github.com/roach88/blobcore/internal/store"
	"github.com/roach88/blobcore/internal/ucan"
	"github.com/roach88/blobcore/internal/validator"
)

// pollTransfer applies a blob/replica/transfer receipt to the replica it
// belongs to.
//
// The receipt may arrive before replicate has recorded the allocation or
// the replica row. In that case the receipt is only recorded, and
// replicate applies it once the row exists.
func (s *Service) pollTransfer(ctx context.Context, rcpt *ucan.Receipt, task *ucan.Invocation) error {
	if task.Capability().Can != capability.BlobReplicaTransfer {
		return nil
	}
	nb, err := capability.Decode[capability.ReplicaTransferCaveats](task.Capability())
	if err != nil {
		return err
	}

	alloc, err := s.store.GetInvocation(ctx, nb.Cause)
	if errors.Is(err, store.ErrRecordNotFound) {
		slog.Debug("transfer concluded before its allocation was recorded", "task", task.Link().String())
		return nil
	}
	if err != nil {
		return err
	}

	err = s.applyTransfer(ctx, rcpt, task, alloc)
	if errors.Is(err, store.ErrReplicaNotFound) {
		slog.Debug("transfer concluded before its replica was recorded", "task", task.Link().String())
		return nil
	}
	return err
}

// applyTransfer checks that a transfer receipt really settles an
// allocation this service made and moves the replica to transferred or
// failed.
func (s *Service) applyTransfer(ctx context.Context, rcpt *ucan.Receipt, task, alloc *ucan.Invocation) error {
	if alloc.Capability().Can != capability.BlobReplicaAllocate {
		return ucan.NewFailure(NameInvalidReplicaTransferCause,
			"Transfer receipt is for a task with a cause that is not an allocation task")
	}
	if alloc.Issuer() != s.signer.DID() {
		return ucan.NewFailure(NameUnknownReplicaAllocation, "Allocation task was not issued by this service")
	}

	who := executor(rcpt, task)
	if err := rcpt.VerifySignature(ctx, s.validator.Resolver(), who); err != nil {
		return ucan.NewFailure(validator.ErrNameInvalidSignature, "Receipt %s does not verify as issued by %s", rcpt.Link(), who).
			WithCause(err)
	}
	if err := s.validator.Claim(ctx, task); err != nil {
		return err
	}
	if task.Capability().With != who.String() {
		return ucan.NewFailure(validator.ErrNameUnauthorized, "%s is not authorized to report %s on %s",
			who, capability.BlobReplicaTransfer, task.Capability().With)
	}
	if alloc.Audience() != who {
		return ucan.NewFailure(NameUnknownReplicaAllocation, "Transfer ran on %s but the allocation was made on %s",
			who, alloc.Audience())
	}

	tnb, err := capability.Decode[capability.ReplicaTransferCaveats](task.Capability())
	if err != nil {
		return err
	}
	anb, err := capability.Decode[capability.ReplicaAllocateCaveats](alloc.Capability())
	if err != nil {
		return err
	}
	if !bytes.Equal(tnb.Blob.Digest, anb.Blob.Digest) ||
		tnb.Blob.Size != anb.Blob.Size ||
		tnb.Space != anb.Space {
		return ucan.NewFailure(NameReplicaTransferParameterMismatch, "Transfer parameters do not match allocation parameters")
	}

	status := store.ReplicaTransferred
	if !rcpt.IsOk() {
		status = store.ReplicaFailed
	}
	if err := s.store.SetReplicaStatus(ctx, tnb.Space, tnb.Blob.Digest, alloc.Audience(), status); err != nil {
		return err
	}
	slog.Info("replica transfer settled",
		"space", tnb.Space,
		"digest", tnb.Blob.Digest.B58String(),
		"provider", alloc.Audience(),
		"status", status,
	)
	return nil
}
