package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/roach88/blobcore/internal/capability"
	"github.com/roach88/blobcore/internal/principal"
	"github.com/roach88/blobcore/internal/server"
	"github.com/roach88/blobcore/internal/store"
	"github.com/roach88/blobcore/internal/ucan"
	"github.com/roach88/blobcore/internal/validator"
)

// conclude handles ucan/conclude. It accepts a receipt for any task; if
// the task is unknown there is nothing to resume and the call succeeds.
// Otherwise the receipt is recorded and the work waiting on it is polled.
func (s *Service) conclude(ctx context.Context, inv *ucan.Invocation) (server.Result, error) {
	nb, err := capability.Decode[capability.ConcludeCaveats](inv.Capability())
	if err != nil {
		return server.Result{}, err
	}
	rcpt, err := ucan.ViewReceipt(nb.Receipt, inv.Blocks())
	if err != nil {
		return server.Result{}, ucan.NewFailure(NameReceiptNotFound, "receipt %s is not attached", nb.Receipt).
			WithCause(err)
	}

	task, err := s.ranTask(ctx, rcpt)
	if errors.Is(err, store.ErrRecordNotFound) {
		slog.Debug("concluded unknown task", "task", rcpt.Ran().String())
		return s.concluded(), nil
	}
	if err != nil {
		return server.Result{}, err
	}

	if err := s.verifyReceipt(ctx, rcpt, task); err != nil {
		return server.Result{}, err
	}
	if err := s.record(ctx, rcpt, task); err != nil {
		return server.Result{}, err
	}

	if err := s.pollAccept(ctx, rcpt, task); err != nil {
		return server.Result{}, err
	}
	if err := s.pollTransfer(ctx, rcpt, task); err != nil {
		return server.Result{}, err
	}
	return s.concluded(), nil
}

func (s *Service) concluded() server.Result {
	return server.Ok(capability.ConcludeOk{Time: s.now().UnixMilli()})
}

// ranTask returns the task a receipt is for: from the receipt's own
// blocks when it carries them, else from the ledger.
func (s *Service) ranTask(ctx context.Context, rcpt *ucan.Receipt) (*ucan.Invocation, error) {
	if task, ok := rcpt.Task(); ok {
		return task, nil
	}
	return s.store.GetInvocation(ctx, rcpt.Ran())
}

// executor is the principal that ran task: the receipt's issuer, falling
// back to the task's audience.
func executor(rcpt *ucan.Receipt, task *ucan.Invocation) principal.DID {
	if iss := rcpt.Issuer(); iss != "" {
		return iss
	}
	return task.Audience()
}

func (s *Service) verifyReceipt(ctx context.Context, rcpt *ucan.Receipt, task *ucan.Invocation) error {
	who := executor(rcpt, task)
	if err := rcpt.VerifySignature(ctx, s.validator.Resolver(), who); err != nil {
		return ucan.NewFailure(validator.ErrNameInvalidSignature, "Receipt %s does not verify as issued by %s", rcpt.Link(), who).
			WithCause(err)
	}
	return nil
}

// record folds the receipt and its task into the ledger so both can be
// found by task later, before anything polls on them.
func (s *Service) record(ctx context.Context, rcpt *ucan.Receipt, task *ucan.Invocation) error {
	msg, err := ucan.NewMessage([]*ucan.Invocation{task}, []*ucan.Receipt{rcpt})
	if err != nil {
		return err
	}
	return s.store.WriteMessage(ctx, msg)
}
