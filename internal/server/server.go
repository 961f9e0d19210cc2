// Package server is the invocation execution engine. It authorizes a
// signed invocation, checks its caveats, dispatches it to the handler
// registered for its ability and issues a signed receipt carrying the
// handler's result and effects.
//
// Execution never fails structurally: every problem with an invocation,
// including a panicking handler, becomes a named failure inside the
// receipt.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/blobcore/internal/capability"
	"github.com/roach88/blobcore/internal/principal"
	"github.com/roach88/blobcore/internal/ucan"
	"github.com/roach88/blobcore/internal/validator"
)

// Handler runs one invocation. Returning an error produces an error
// receipt; effects in the Result are attached either way.
type Handler func(ctx context.Context, inv *ucan.Invocation) (Result, error)

// ErrorSink receives errors that do not fail the invocation itself, such
// as handler panics and ledger write failures.
type ErrorSink func(ctx context.Context, err error)

// Ledger persists request and response messages.
type Ledger interface {
	WriteMessage(ctx context.Context, msg *ucan.Message) error
}

// Server executes invocations addressed to its signer.
type Server struct {
	signer    *principal.Signer
	handlers  map[string]Handler
	audiences map[principal.DID]bool
	validator *validator.Validator
	schemas   *capability.Schemas
	sink      ErrorSink
	ledger    Ledger
	tracer    trace.Tracer
}

// Option configures a Server.
type Option func(*Server)

// WithHandler registers the handler for an ability.
func WithHandler(ability string, h Handler) Option {
	return func(s *Server) { s.handlers[ability] = h }
}

// WithHandlers registers several handlers at once.
func WithHandlers(handlers map[string]Handler) Option {
	return func(s *Server) {
		for ability, h := range handlers {
			s.handlers[ability] = h
		}
	}
}

// WithAudience accepts invocations addressed to extra DIDs, for example
// the did:key behind a did:web identity.
func WithAudience(dids ...principal.DID) Option {
	return func(s *Server) {
		for _, d := range dids {
			s.audiences[d] = true
		}
	}
}

// WithValidator sets the authorization policy.
func WithValidator(v *validator.Validator) Option {
	return func(s *Server) { s.validator = v }
}

// WithSchemas sets the caveat schemas.
func WithSchemas(schemas *capability.Schemas) Option {
	return func(s *Server) { s.schemas = schemas }
}

// WithErrorSink sets where handler panics and persistence errors go.
func WithErrorSink(sink ErrorSink) Option {
	return func(s *Server) { s.sink = sink }
}

// WithLedger persists every handled request and response.
func WithLedger(l Ledger) Option {
	return func(s *Server) { s.ledger = l }
}

// WithTracer sets the tracer used for execution spans.
func WithTracer(t trace.Tracer) Option {
	return func(s *Server) { s.tracer = t }
}

// New creates a server that signs receipts with signer.
func New(signer *principal.Signer, opts ...Option) *Server {
	s := &Server{
		signer:    signer,
		handlers:  make(map[string]Handler),
		audiences: map[principal.DID]bool{signer.DID(): true},
		validator: validator.New(),
		sink:      logSink,
		tracer:    otel.Tracer("github.com/roach88/blobcore/internal/server"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.schemas == nil {
		s.schemas = capability.MustLoadSchemas()
	}
	return s
}

func logSink(_ context.Context, err error) {
	slog.Error("execution error", "error", err)
}

// ID returns the server's DID.
func (s *Server) ID() principal.DID { return s.signer.DID() }

// Signer returns the key receipts are signed with.
func (s *Server) Signer() *principal.Signer { return s.signer }

// Validator returns the authorization policy.
func (s *Server) Validator() *validator.Validator { return s.validator }

// Execute runs one invocation and returns its receipt. The returned error
// is non-nil only when a receipt cannot be encoded at all.
func (s *Server) Execute(ctx context.Context, inv *ucan.Invocation) (*ucan.Receipt, error) {
	c := inv.Capability()
	ctx, span := s.tracer.Start(ctx, "ucan.invoke", trace.WithAttributes(
		attribute.String("ucan.can", c.Can),
		attribute.String("ucan.with", c.With),
		attribute.String("ucan.task", inv.Link().String()),
	))
	defer span.End()

	res, err := s.run(ctx, inv)
	out := ucan.Outcome{}
	if err != nil {
		f := ucan.AsFailure(err)
		out = ucan.ErrorOutcome(f)
		span.SetStatus(codes.Error, f.Name)
		slog.Debug("invocation failed",
			"task", inv.Link().String(),
			"can", c.Can,
			"error", f.Name,
			"message", f.Message,
		)
	} else {
		out, err = ucan.OkOutcome(res.Ok)
		if err != nil {
			out = ucan.ErrorOutcome(ucan.AsFailure(err))
		}
		slog.Debug("invocation succeeded",
			"task", inv.Link().String(),
			"can", c.Can,
			"fork", len(res.Fork),
		)
	}

	rcpt, err := ucan.Issue(s.signer, inv, out, ucan.Effects{Fork: res.Fork, Join: res.Join})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("issue receipt for %s: %w", inv.Link(), err)
	}
	return rcpt, nil
}

// run performs the checks in order and then dispatches.
func (s *Server) run(ctx context.Context, inv *ucan.Invocation) (Result, error) {
	if n := len(inv.Capabilities()); n != 1 {
		return Result{}, NewInvocationCapabilityError(n)
	}
	if !s.audiences[inv.Audience()] {
		return Result{}, NewInvalidAudience(s.ID(), inv.Audience())
	}

	c := inv.Capability()
	if err := s.validator.Access(ctx, inv, c); err != nil {
		return Result{}, err
	}

	h, ok := s.handlers[c.Can]
	if !ok {
		return Result{}, NewHandlerNotFound(c)
	}
	if err := s.schemas.Validate(c); err != nil {
		return Result{}, err
	}

	return s.dispatch(ctx, h, inv)
}

func (s *Server) dispatch(ctx context.Context, h Handler, inv *ucan.Invocation) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			f := NewHandlerExecutionError(inv.Capability(), fmt.Errorf("%v", r))
			slog.Error("handler panicked",
				"task", inv.Link().String(),
				"can", inv.Capability().Can,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			s.sink(ctx, f)
			res, err = Result{}, f
		}
	}()
	return h(ctx, inv)
}

// Handle executes every invocation in msg concurrently and returns a
// message reporting a receipt per task. Request and response are written
// to the ledger when one is configured; write failures go to the error
// sink.
func (s *Server) Handle(ctx context.Context, msg *ucan.Message) (*ucan.Message, error) {
	invs, err := msg.Invocations()
	if err != nil {
		return nil, fmt.Errorf("decode invocations: %w", err)
	}

	receipts := make([]*ucan.Receipt, len(invs))
	g, gctx := errgroup.WithContext(ctx)
	for i, inv := range invs {
		g.Go(func() error {
			r, err := s.Execute(gctx, inv)
			if err != nil {
				return err
			}
			receipts[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out, err := ucan.NewMessage(nil, receipts)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}

	if s.ledger != nil {
		for _, m := range []*ucan.Message{msg, out} {
			if err := s.ledger.WriteMessage(ctx, m); err != nil {
				s.sink(ctx, fmt.Errorf("persist message %s: %w", m.Link(), err))
			}
		}
	}
	return out, nil
}
