package server

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/blobcore/internal/principal"
	"github.com/roach88/blobcore/internal/store"
	"github.com/roach88/blobcore/internal/ucan"
)

func signer(t *testing.T, b byte) *principal.Signer {
	t.Helper()
	s, err := principal.FromSeed(bytes.Repeat([]byte{b}, 32))
	require.NoError(t, err)
	return s
}

func invoke(t *testing.T, issuer *principal.Signer, audience principal.DID, can, with string, nb any) *ucan.Invocation {
	t.Helper()
	c, err := ucan.NewCapability(can, with, nb)
	require.NoError(t, err)
	inv, err := ucan.Invoke(issuer, audience, c)
	require.NoError(t, err)
	return inv
}

func echo(_ context.Context, inv *ucan.Invocation) (Result, error) {
	return Ok(map[string]string{"with": inv.Capability().With}), nil
}

func errorName(t *testing.T, r *ucan.Receipt) string {
	t.Helper()
	require.False(t, r.IsOk(), "expected an error receipt")
	return r.Out().Error.Name
}

func TestExecute_Success(t *testing.T) {
	ctx := context.Background()
	service := signer(t, 1)
	agent := signer(t, 2)
	srv := New(service, WithHandler("test/echo", echo))

	inv := invoke(t, agent, service.DID(), "test/echo", agent.DID().String(), nil)
	r, err := srv.Execute(ctx, inv)
	require.NoError(t, err)
	require.True(t, r.IsOk())
	assert.True(t, r.Ran().Equals(inv.Link()))

	var ok map[string]string
	require.NoError(t, r.DecodeOk(&ok))
	assert.Equal(t, agent.DID().String(), ok["with"])

	require.NoError(t, r.VerifySignature(ctx, nil, service.DID()))
}

func TestExecute_CheckOrder(t *testing.T) {
	ctx := context.Background()
	service := signer(t, 1)
	agent := signer(t, 2)
	other := signer(t, 3)
	srv := New(service, WithHandler("test/echo", echo))

	t.Run("capability count", func(t *testing.T) {
		a, err := ucan.NewCapability("test/echo", agent.DID().String(), nil)
		require.NoError(t, err)
		b, err := ucan.NewCapability("test/other", agent.DID().String(), nil)
		require.NoError(t, err)
		inv, err := ucan.Delegate(agent, service.DID(), []ucan.Capability{a, b})
		require.NoError(t, err)

		r, err := srv.Execute(ctx, inv)
		require.NoError(t, err)
		assert.Equal(t, NameInvocationCapabilityError, errorName(t, r))
	})

	t.Run("audience", func(t *testing.T) {
		inv := invoke(t, agent, other.DID(), "unknown/ability", agent.DID().String(), nil)
		r, err := srv.Execute(ctx, inv)
		require.NoError(t, err)
		assert.Equal(t, NameInvalidAudience, errorName(t, r))
	})

	t.Run("authorization before handler lookup", func(t *testing.T) {
		inv := invoke(t, agent, service.DID(), "unknown/ability", other.DID().String(), nil)
		r, err := srv.Execute(ctx, inv)
		require.NoError(t, err)
		assert.Equal(t, "Unauthorized", errorName(t, r))
	})

	t.Run("handler not found", func(t *testing.T) {
		inv := invoke(t, agent, service.DID(), "unknown/ability", agent.DID().String(), nil)
		r, err := srv.Execute(ctx, inv)
		require.NoError(t, err)
		assert.Equal(t, NameHandlerNotFound, errorName(t, r))
	})
}

func TestExecute_ExtraAudience(t *testing.T) {
	service, err := principal.FromSeed(bytes.Repeat([]byte{1}, 32), principal.WithDID("did:web:upload.example"))
	require.NoError(t, err)
	agent := signer(t, 2)
	srv := New(service, WithHandler("test/echo", echo), WithAudience(service.DIDKey()))

	inv := invoke(t, agent, service.DIDKey(), "test/echo", agent.DID().String(), nil)
	r, err := srv.Execute(context.Background(), inv)
	require.NoError(t, err)
	assert.True(t, r.IsOk())
	assert.Equal(t, principal.DID("did:web:upload.example"), r.Issuer())
}

func TestExecute_MalformedCaveats(t *testing.T) {
	service := signer(t, 1)
	space := signer(t, 2)
	called := false
	srv := New(service, WithHandler("space/blob/replicate", func(context.Context, *ucan.Invocation) (Result, error) {
		called = true
		return Ok(nil), nil
	}))

	inv := invoke(t, space, service.DID(), "space/blob/replicate", space.DID().String(), map[string]int{"replicas": 2})
	r, err := srv.Execute(context.Background(), inv)
	require.NoError(t, err)
	assert.Equal(t, "MalformedCapability", errorName(t, r))
	assert.False(t, called)
}

func TestExecute_HandlerPanic(t *testing.T) {
	service := signer(t, 1)
	agent := signer(t, 2)

	var mu sync.Mutex
	var reported []error
	srv := New(service,
		WithHandler("test/boom", func(context.Context, *ucan.Invocation) (Result, error) {
			panic("kaboom")
		}),
		WithErrorSink(func(_ context.Context, err error) {
			mu.Lock()
			defer mu.Unlock()
			reported = append(reported, err)
		}),
	)

	inv := invoke(t, agent, service.DID(), "test/boom", agent.DID().String(), nil)
	r, err := srv.Execute(context.Background(), inv)
	require.NoError(t, err)
	assert.Equal(t, NameHandlerExecutionError, errorName(t, r))
	assert.Contains(t, r.Out().Error.Message, "kaboom")
	require.NotNil(t, r.Out().Error.Cause)

	require.Len(t, reported, 1)
	assert.True(t, errors.Is(reported[0], ErrHandlerExecution))
}

func TestExecute_HandlerErrors(t *testing.T) {
	service := signer(t, 1)
	agent := signer(t, 2)
	srv := New(service,
		WithHandler("test/plain", func(context.Context, *ucan.Invocation) (Result, error) {
			return Result{}, errors.New("disk on fire")
		}),
		WithHandler("test/named", func(context.Context, *ucan.Invocation) (Result, error) {
			return Result{}, ucan.NewFailure("EntryNotFound", "nothing here")
		}),
	)

	r, err := srv.Execute(context.Background(), invoke(t, agent, service.DID(), "test/plain", agent.DID().String(), nil))
	require.NoError(t, err)
	assert.Equal(t, "Error", errorName(t, r))
	assert.Equal(t, "disk on fire", r.Out().Error.Message)

	r, err = srv.Execute(context.Background(), invoke(t, agent, service.DID(), "test/named", agent.DID().String(), nil))
	require.NoError(t, err)
	assert.Equal(t, "EntryNotFound", errorName(t, r))
}

func TestExecute_Effects(t *testing.T) {
	service := signer(t, 1)
	agent := signer(t, 2)
	follow := invoke(t, service, service.DID(), "test/next", service.DID().String(), nil)

	srv := New(service, WithHandler("test/fork", func(context.Context, *ucan.Invocation) (Result, error) {
		return Ok(nil).WithFork(follow).WithJoin(follow), nil
	}))

	r, err := srv.Execute(context.Background(), invoke(t, agent, service.DID(), "test/fork", agent.DID().String(), nil))
	require.NoError(t, err)
	require.Len(t, r.Fork(), 1)
	assert.True(t, r.Fork()[0].Equals(follow.Link()))
	require.NotNil(t, r.Join())
	assert.True(t, r.Join().Equals(follow.Link()))

	forks := r.ForkInvocations()
	require.Len(t, forks, 1)
	assert.Equal(t, "test/next", forks[0].Capability().Can)
}

func TestHandle_BatchPersisted(t *testing.T) {
	ctx := context.Background()
	service := signer(t, 1)
	agent := signer(t, 2)

	db, err := store.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	srv := New(service, WithHandler("test/echo", echo), WithLedger(db))

	a := invoke(t, agent, service.DID(), "test/echo", agent.DID().String(), nil)
	b := invoke(t, agent, service.DID(), "test/missing", agent.DID().String(), nil)
	req, err := ucan.NewMessage([]*ucan.Invocation{a, b}, nil)
	require.NoError(t, err)

	res, err := srv.Handle(ctx, req)
	require.NoError(t, err)

	ra, ok, err := res.Receipt(a.Link())
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, ra.IsOk())

	rb, ok, err := res.Receipt(b.Link())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, NameHandlerNotFound, errorName(t, rb))

	stored, err := db.GetInvocation(ctx, a.Link())
	require.NoError(t, err)
	assert.True(t, stored.Link().Equals(a.Link()))

	rcpt, err := db.GetReceipt(ctx, b.Link())
	require.NoError(t, err)
	assert.True(t, rcpt.Link().Equals(rb.Link()))
}

type failingLedger struct{}

func (failingLedger) WriteMessage(context.Context, *ucan.Message) error {
	return errors.New("ledger offline")
}

func TestHandle_LedgerFailureDoesNotFailResponse(t *testing.T) {
	service := signer(t, 1)
	agent := signer(t, 2)

	var reported []error
	srv := New(service,
		WithHandler("test/echo", echo),
		WithLedger(failingLedger{}),
		WithErrorSink(func(_ context.Context, err error) { reported = append(reported, err) }),
	)

	req, err := ucan.NewMessage([]*ucan.Invocation{invoke(t, agent, service.DID(), "test/echo", agent.DID().String(), nil)}, nil)
	require.NoError(t, err)

	res, err := srv.Handle(context.Background(), req)
	require.NoError(t, err)
	receipts, err := res.Receipts()
	require.NoError(t, err)
	assert.Len(t, receipts, 1)
	assert.Len(t, reported, 2)
}
