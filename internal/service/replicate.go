package service

import (
	"bytes"
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/blobcore/internal/capability"
	"github.com/roach88/blobcore/internal/principal"
	"github.com/roach88/blobcore/internal/server"
	"github.com/roach88/blobcore/internal/store"
	"github.com/roach88/blobcore/internal/transport"
	"github.com/roach88/blobcore/internal/ucan"
)

// replica is what replicate knows about one copy of a blob: the
// allocation task sent to the provider, its receipt, the transfer task
// the provider forked and, once concluded, the transfer receipt.
type replica struct {
	provider     principal.DID
	alloc        *ucan.Invocation
	allocRcpt    *ucan.Receipt
	deliveryErr  error
	transfer     *ucan.Invocation
	transferRcpt *ucan.Receipt
}

// replicate handles space/blob/replicate. It brings the number of copies
// of a registered blob up to the requested count, counting the source
// copy named by the location commitment, and answers with one site await
// per replica.
//
// Replicas that already exist are reported again, so repeating a request
// yields the same tasks. Lowering the count is not supported.
func (s *Service) replicate(ctx context.Context, inv *ucan.Invocation) (server.Result, error) {
	nb, err := capability.Decode[capability.ReplicateCaveats](inv.Capability())
	if err != nil {
		return server.Result{}, err
	}
	space := principal.DID(inv.Capability().With)

	if nb.Replicas > s.maxReplicas {
		return server.Result{}, ucan.NewFailure(NameReplicationCountRangeError,
			"requested number of replicas is greater than maximum: %d", s.maxReplicas)
	}

	if s.locks != nil {
		unlock := s.locks.lock(space.String() + "/" + nb.Blob.Digest.B58String())
		defer unlock()
	}

	if _, err := s.store.Find(ctx, space, nb.Blob.Digest); err != nil {
		if errors.Is(err, store.ErrEntryNotFound) {
			return server.Result{}, ucan.NewFailure(NameReplicationSourceNotFound,
				"blob not found: %s in space: %s", nb.Blob.Digest.B58String(), space)
		}
		return server.Result{}, err
	}

	claim, err := s.verifySite(ctx, inv, nb)
	if err != nil {
		return server.Result{}, err
	}

	rows, err := s.store.ListReplicas(ctx, space, nb.Blob.Digest)
	if err != nil {
		return server.Result{}, err
	}
	var active, failed []store.Replica
	for _, r := range rows {
		if r.Status.Active() {
			active = append(active, r)
		} else {
			failed = append(failed, r)
		}
	}

	// The source copy counts towards the total.
	need := int(nb.Replicas) - (len(active) + 1)
	if need < 0 {
		return server.Result{}, ucan.NewFailure(NameReplicationCountRangeError, "reducing replica count not implemented")
	}

	replicas := make([]*replica, 0, len(active)+need)
	for _, r := range active {
		rep, err := s.describe(ctx, r)
		if err != nil {
			return server.Result{}, err
		}
		replicas = append(replicas, rep)
	}

	if need > 0 {
		exclude := make([]principal.DID, 0, len(rows))
		for _, r := range active {
			exclude = append(exclude, r.Provider)
		}
		if !s.retryFailed {
			for _, r := range failed {
				exclude = append(exclude, r.Provider)
			}
		}
		candidates, err := s.router.SelectProviders(ctx, claim.Issuer(), need, nb.Blob.Digest, nb.Blob.Size, exclude)
		if err != nil {
			return server.Result{}, err
		}
		allocated, err := s.allocateReplicas(ctx, inv, space, nb, claim, candidates)
		if err != nil {
			return server.Result{}, err
		}
		replicas = append(replicas, allocated...)
	}

	return s.replicated(replicas)
}

// verifySite checks that the location commitment attached to a replicate
// request is a valid assert/location claim for the blob.
func (s *Service) verifySite(ctx context.Context, inv *ucan.Invocation, nb capability.ReplicateCaveats) (*ucan.Delegation, error) {
	claim, err := ucan.View(nb.Site, inv.Blocks())
	if err != nil {
		return nil, invalidSite("location commitment %s is not attached", nb.Site).WithCause(err)
	}
	if can := claim.Capability().Can; can != capability.AssertLocation {
		return nil, invalidSite("expected %s delegation, got %s", capability.AssertLocation, can)
	}
	loc, err := capability.Decode[capability.LocationCaveats](claim.Capability())
	if err != nil {
		return nil, invalidSite("malformed location commitment").WithCause(err)
	}
	if err := s.validator.Claim(ctx, claim); err != nil {
		return nil, invalidSite("location commitment validation error: %s", err).WithCause(err)
	}
	if !bytes.Equal(loc.Content.Digest, nb.Blob.Digest) {
		return nil, invalidSite("location commitment is for %s, not %s",
			loc.Content.Digest.B58String(), nb.Blob.Digest.B58String())
	}
	return claim, nil
}

// describe rebuilds an existing replica from the ledger and settles its
// transfer if the receipt came in while nobody could apply it.
func (s *Service) describe(ctx context.Context, r store.Replica) (*replica, error) {
	alloc, err := s.store.GetInvocation(ctx, r.Cause)
	if err != nil {
		return nil, err
	}
	allocRcpt, err := s.store.GetReceipt(ctx, r.Cause)
	if err != nil {
		return nil, err
	}
	rep := &replica{provider: r.Provider, alloc: alloc, allocRcpt: allocRcpt}

	rep.transfer, err = s.transferTask(ctx, allocRcpt)
	if err != nil {
		return nil, err
	}
	if rep.transfer == nil {
		return rep, nil
	}
	rep.transferRcpt, err = s.transferReceipt(ctx, allocRcpt, rep.transfer)
	if err != nil {
		return nil, err
	}
	if r.Status == store.ReplicaAllocated {
		s.reconcile(ctx, rep)
	}
	return rep, nil
}

// allocateReplicas asks each candidate for a replica concurrently. One
// failed delivery does not stop the others; their outcomes are judged
// together afterwards.
func (s *Service) allocateReplicas(ctx context.Context, inv *ucan.Invocation, space principal.DID, nb capability.ReplicateCaveats, claim *ucan.Delegation, candidates []principal.DID) ([]*replica, error) {
	out := make([]*replica, len(candidates))
	var g errgroup.Group
	for i, candidate := range candidates {
		g.Go(func() error {
			rep, err := s.allocateReplica(ctx, inv, space, nb, claim, candidate)
			if err != nil {
				return err
			}
			out[i] = rep
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) allocateReplica(ctx context.Context, inv *ucan.Invocation, space principal.DID, nb capability.ReplicateCaveats, claim *ucan.Delegation, candidate principal.DID) (*replica, error) {
	c, err := ucan.NewCapability(capability.BlobReplicaAllocate, candidate.String(), capability.ReplicaAllocateCaveats{
		Space: space,
		Blob:  nb.Blob,
		Site:  nb.Site,
		Cause: inv.Link(),
	})
	if err != nil {
		return nil, err
	}
	alloc, conn, err := s.router.ConfigureInvocation(ctx, candidate, c,
		ucan.WithExpiration(s.now().Add(AllocationTimeout)),
		ucan.WithBlocks(claim.Blocks().All()...),
	)
	if err != nil {
		return nil, err
	}
	rep := &replica{provider: candidate, alloc: alloc}

	var rcpts []*ucan.Receipt
	rcpt, err := transport.Receipt(ctx, conn, alloc)
	if err != nil {
		slog.Error("replica allocation not delivered", "provider", candidate, "task", alloc.Link().String(), "error", err)
		rep.deliveryErr = err
	} else {
		rep.allocRcpt = rcpt
		rcpts = append(rcpts, rcpt)
	}

	msg, err := ucan.NewMessage([]*ucan.Invocation{alloc}, rcpts)
	if err != nil {
		return nil, err
	}
	if err := s.store.WriteMessage(ctx, msg); err != nil {
		return nil, err
	}

	status := store.ReplicaAllocated
	if rcpt == nil || !rcpt.IsOk() {
		status = store.ReplicaFailed
	}
	if err := s.track(ctx, space, nb.Blob, candidate, status, alloc.Link()); err != nil {
		return nil, err
	}
	if status == store.ReplicaFailed {
		return rep, nil
	}

	rep.transfer, err = s.transferTask(ctx, rcpt)
	if err != nil {
		return nil, err
	}
	if rep.transfer == nil {
		return rep, nil
	}
	rep.transferRcpt, err = s.transferReceipt(ctx, rcpt, rep.transfer)
	if err != nil {
		return nil, err
	}
	s.reconcile(ctx, rep)
	return rep, nil
}

// track records a new replica row. A row left by an earlier failed
// allocation is reused when retries are enabled.
func (s *Service) track(ctx context.Context, space principal.DID, blob capability.Blob, provider principal.DID, status store.ReplicaStatus, cause ucan.Link) error {
	err := s.store.AddReplica(ctx, store.Replica{
		Space:    space,
		Digest:   blob.Digest,
		Provider: provider,
		Status:   status,
		Cause:    cause,
	})
	if !errors.Is(err, store.ErrReplicaExists) {
		return err
	}
	if !s.retryFailed {
		slog.Warn("replica already tracked", "space", space, "digest", blob.Digest.B58String(), "provider", provider)
		return nil
	}

	err = s.store.RetryReplica(ctx, space, blob.Digest, provider, cause)
	if errors.Is(err, store.ErrReplicaNotFound) {
		slog.Warn("replica no longer failed, not retried", "space", space, "digest", blob.Digest.B58String(), "provider", provider)
		return nil
	}
	if err != nil {
		return err
	}
	if status == store.ReplicaFailed {
		return s.store.SetReplicaStatus(ctx, space, blob.Digest, provider, status)
	}
	return nil
}

// transferTask finds the blob/replica/transfer task an allocation receipt
// forked. Receipts that carry only the site await are resolved through
// the ledger. It returns nil when the receipt names no transfer.
func (s *Service) transferTask(ctx context.Context, allocRcpt *ucan.Receipt) (*ucan.Invocation, error) {
	if !allocRcpt.IsOk() {
		return nil, nil
	}
	for _, fx := range allocRcpt.ForkInvocations() {
		if fx.Capability().Can == capability.BlobReplicaTransfer {
			return fx, nil
		}
	}

	var ok capability.ReplicaAllocateOk
	if err := allocRcpt.DecodeOk(&ok); err != nil || ok.Site.Task.IsZero() {
		return nil, nil
	}
	task, err := s.store.GetInvocation(ctx, ok.Site.Task)
	if errors.Is(err, store.ErrRecordNotFound) {
		return nil, nil
	}
	return task, err
}

// transferReceipt finds the receipt of transfer: inline as a conclude
// effect of the allocation receipt, or in the ledger if the provider has
// concluded it since. It returns nil while the transfer is still running.
func (s *Service) transferReceipt(ctx context.Context, allocRcpt *ucan.Receipt, transfer *ucan.Invocation) (*ucan.Receipt, error) {
	for _, fx := range allocRcpt.ForkInvocations() {
		if fx.Capability().Can != capability.UCANConclude {
			continue
		}
		rcpt, err := capability.ConcludedReceipt(fx)
		if err != nil {
			slog.Warn("unreadable conclude effect", "task", fx.Link().String(), "error", err)
			continue
		}
		if rcpt.Ran().Equals(transfer.Link()) {
			return rcpt, nil
		}
	}

	rcpt, err := s.store.GetReceipt(ctx, transfer.Link())
	if errors.Is(err, store.ErrRecordNotFound) {
		return nil, nil
	}
	return rcpt, err
}

// reconcile applies a known transfer receipt to the replica. Failures
// are logged: the replica stays allocated and the next replicate call
// tries again.
func (s *Service) reconcile(ctx context.Context, rep *replica) {
	if rep.transferRcpt == nil {
		return
	}
	if err := s.applyTransfer(ctx, rep.transferRcpt, rep.transfer, rep.alloc); err != nil {
		slog.Error("replica transfer not applied",
			"provider", rep.provider,
			"task", rep.transfer.Link().String(),
			"error", err,
		)
	}
}

// replicated turns the replicas into the replicate result. Every replica
// must have an ok allocation receipt that forked a transfer.
func (s *Service) replicated(replicas []*replica) (server.Result, error) {
	for _, rep := range replicas {
		if rep.allocRcpt == nil {
			return server.Result{}, ucan.NewFailure(NameAllocationExecutionFailure,
				"failed allocation invocation execution to %s: %v", rep.provider, rep.deliveryErr).
				WithCause(rep.deliveryErr)
		}
	}
	for _, rep := range replicas {
		if !rep.allocRcpt.IsOk() {
			return server.Result{}, ucan.NewFailure(NameAllocationFailure, "failed to allocate replica on %s", rep.provider).
				WithCause(rep.allocRcpt.Out().Error)
		}
	}
	for _, rep := range replicas {
		if rep.transfer == nil {
			return server.Result{}, ucan.NewFailure(NameMissingEffect,
				"allocation receipt from %s has no %s effect", rep.provider, capability.BlobReplicaTransfer)
		}
	}

	ok := capability.ReplicateOk{Site: make([]ucan.Await, 0, len(replicas))}
	var allocs, transfers, concludes []*ucan.Invocation
	for _, rep := range replicas {
		ok.Site = append(ok.Site, capability.AwaitSite(rep.transfer.Link()))
		allocs = append(allocs, rep.alloc)
		transfers = append(transfers, rep.transfer)
	}
	for _, rep := range replicas {
		inv, err := capability.ConcludeInvocation(s.signer, s.signer.DID(), rep.allocRcpt)
		if err != nil {
			return server.Result{}, err
		}
		concludes = append(concludes, inv)
	}
	for _, rep := range replicas {
		if rep.transferRcpt == nil {
			continue
		}
		inv, err := capability.ConcludeInvocation(s.signer, s.signer.DID(), rep.transferRcpt)
		if err != nil {
			return server.Result{}, err
		}
		concludes = append(concludes, inv)
	}

	fork := make([]*ucan.Invocation, 0, len(allocs)+len(transfers)+len(concludes))
	fork = append(fork, allocs...)
	fork = append(fork, transfers...)
	fork = append(fork, concludes...)
	return server.Ok(ok).WithFork(fork...), nil
}
