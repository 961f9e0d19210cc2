package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/blobcore/internal/ucan"
)

func TestLedger_WriteAndGet(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	agent := testSigner(t, 1)

	inv := createTestInvocation(t, agent, "blob/allocate", "a")
	rcpt := createTestReceipt(t, agent, inv, map[string]int{"size": 5})
	msg, err := ucan.NewMessage([]*ucan.Invocation{inv}, []*ucan.Receipt{rcpt})
	require.NoError(t, err)

	require.NoError(t, s.WriteMessage(ctx, msg))

	got, err := s.GetInvocation(ctx, inv.Link())
	require.NoError(t, err)
	assert.True(t, got.Link().Equals(inv.Link()))
	assert.Equal(t, "blob/allocate", got.Capability().Can)

	r, err := s.GetReceipt(ctx, inv.Link())
	require.NoError(t, err)
	assert.True(t, r.Link().Equals(rcpt.Link()))

	stored, err := s.GetMessage(ctx, msg.Link())
	require.NoError(t, err)
	assert.True(t, stored.Link().Equals(msg.Link()))
}

func TestLedger_NotFound(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	task := ucan.LinkFor([]byte("unknown"))

	_, err := s.GetInvocation(ctx, task)
	assert.True(t, errors.Is(err, ErrRecordNotFound))

	_, err = s.GetReceipt(ctx, task)
	assert.True(t, errors.Is(err, ErrRecordNotFound))
}

func TestLedger_ReceiptWithoutInvocation(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	agent := testSigner(t, 1)

	inv := createTestInvocation(t, agent, "blob/replica/transfer", "t")
	rcpt := createTestReceipt(t, agent, inv, nil)
	msg, err := ucan.NewMessage(nil, []*ucan.Receipt{rcpt})
	require.NoError(t, err)
	require.NoError(t, s.WriteMessage(ctx, msg))

	_, err = s.GetInvocation(ctx, inv.Link())
	assert.True(t, errors.Is(err, ErrRecordNotFound))

	r, err := s.GetReceipt(ctx, inv.Link())
	require.NoError(t, err)
	assert.True(t, r.IsOk())
}

func TestLedger_FirstReceiptWins(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	agent := testSigner(t, 1)
	inv := createTestInvocation(t, agent, "blob/accept", "x")

	first := createTestReceipt(t, agent, inv, map[string]int{"n": 1})
	second := createTestReceipt(t, agent, inv, map[string]int{"n": 2})

	for _, r := range []*ucan.Receipt{first, second} {
		msg, err := ucan.NewMessage(nil, []*ucan.Receipt{r})
		require.NoError(t, err)
		require.NoError(t, s.WriteMessage(ctx, msg))
	}

	got, err := s.GetReceipt(ctx, inv.Link())
	require.NoError(t, err)
	assert.True(t, got.Link().Equals(first.Link()))
}

func TestLedger_EventsInMessageOrder(t *testing.T) {
	ctx := context.Background()
	var seen []Event
	s := createTestStore(t, WithEventSink(func(ev Event) { seen = append(seen, ev) }))
	agent := testSigner(t, 1)

	a := createTestInvocation(t, agent, "blob/allocate", "a")
	b := createTestInvocation(t, agent, "blob/accept", "b")
	rcpt := createTestReceipt(t, agent, a, nil)
	msg, err := ucan.NewMessage([]*ucan.Invocation{a, b}, []*ucan.Receipt{rcpt})
	require.NoError(t, err)

	require.NoError(t, s.WriteMessage(ctx, msg))
	// A second write of the same message emits nothing.
	require.NoError(t, s.WriteMessage(ctx, msg))

	events, err := s.Events(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, seen, events)

	assert.Equal(t, EventWorkflow, events[0].Type)
	assert.Equal(t, a.Link().String(), events[0].Task)
	assert.Equal(t, "blob/allocate", events[0].Can)
	assert.Equal(t, EventWorkflow, events[1].Type)
	assert.Equal(t, b.Link().String(), events[1].Task)
	assert.Equal(t, EventReceipt, events[2].Type)
	assert.Equal(t, a.Link().String(), events[2].Task)
	assert.Equal(t, rcpt.Link().String(), events[2].Link)
	assert.Equal(t, "blob/allocate", events[2].Can)
	assert.Less(t, events[0].Seq, events[1].Seq)

	later, err := s.Events(ctx, events[1].Seq, 10)
	require.NoError(t, err)
	require.Len(t, later, 1)
	assert.Equal(t, events[2].Seq, later[0].Seq)
}
