package ucan

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/blobcore/internal/principal"
)

func signer(t *testing.T, b byte) *principal.Signer {
	t.Helper()
	s, err := principal.FromSeed(bytes.Repeat([]byte{b}, 32))
	require.NoError(t, err)
	return s
}

type testCaveats struct {
	Size  uint64 `cbor:"size"`
	Cause *Link  `cbor:"cause,omitempty"`
}

func mustCapability(t *testing.T, can, with string, nb any) Capability {
	t.Helper()
	c, err := NewCapability(can, with, nb)
	require.NoError(t, err)
	return c
}

func TestTaskIdentifierStable(t *testing.T) {
	alice := signer(t, 1)
	service := signer(t, 2)
	exp := time.Unix(1_900_000_000, 0)

	build := func(size uint64) *Invocation {
		c := mustCapability(t, "blob/allocate", alice.DID().String(), testCaveats{Size: size})
		inv, err := Invoke(alice, service.DID(), c, WithExpiration(exp))
		require.NoError(t, err)
		return inv
	}

	a := build(100)
	b := build(100)
	assert.True(t, a.Link().Equals(b.Link()), "identical invocations must share a task identifier")

	c := build(101)
	assert.False(t, a.Link().Equals(c.Link()), "changing a caveat must change the task identifier")
}

func TestAbilityNormalized(t *testing.T) {
	alice := signer(t, 1)
	composed := mustCapability(t, "café/put", alice.DID().String(), nil)
	decomposed := mustCapability(t, "cafe\u0301/put", alice.DID().String(), nil)

	a, err := Invoke(alice, alice.DID(), composed)
	require.NoError(t, err)
	b, err := Invoke(alice, alice.DID(), decomposed)
	require.NoError(t, err)
	assert.True(t, a.Link().Equals(b.Link()))
}

func TestDelegationView(t *testing.T) {
	ctx := context.Background()
	alice := signer(t, 1)
	bob := signer(t, 2)

	proof, err := Delegate(alice, bob.DID(), []Capability{mustCapability(t, "blob/*", alice.DID().String(), nil)})
	require.NoError(t, err)

	inv, err := Invoke(bob, alice.DID(), mustCapability(t, "blob/allocate", alice.DID().String(), testCaveats{Size: 7}),
		WithProofs(proof), WithNonce("n-1"), WithFacts(map[string]string{"k": "v"}))
	require.NoError(t, err)

	viewed, err := View(inv.Link(), inv.Blocks())
	require.NoError(t, err)
	assert.Equal(t, bob.DID(), viewed.Issuer())
	assert.Equal(t, alice.DID(), viewed.Audience())
	assert.Equal(t, "n-1", viewed.Nonce())
	assert.Nil(t, viewed.Expiration())
	require.Len(t, viewed.Facts(), 1)
	require.NoError(t, viewed.VerifySignature(ctx, nil))

	var nb testCaveats
	require.NoError(t, viewed.Capability().DecodeNb(&nb))
	assert.Equal(t, uint64(7), nb.Size)

	proofs, err := viewed.Proofs()
	require.NoError(t, err)
	require.Len(t, proofs, 1)
	assert.True(t, proofs[0].Link().Equals(proof.Link()))
	require.NoError(t, proofs[0].VerifySignature(ctx, nil))
}

func TestExpiry(t *testing.T) {
	alice := signer(t, 1)
	now := time.Unix(1_800_000_000, 0)
	inv, err := Invoke(alice, alice.DID(), mustCapability(t, "x/y", alice.DID().String(), nil),
		WithExpiration(now.Add(-time.Second)), WithNotBefore(now.Add(-time.Hour)))
	require.NoError(t, err)
	assert.True(t, inv.IsExpired(now))
	assert.False(t, inv.IsTooEarly(now))

	later, err := Invoke(alice, alice.DID(), mustCapability(t, "x/y", alice.DID().String(), nil),
		WithNotBefore(now.Add(time.Hour)))
	require.NoError(t, err)
	assert.False(t, later.IsExpired(now))
	assert.True(t, later.IsTooEarly(now))
}

func TestReceiptSignatureRoundTrip(t *testing.T) {
	ctx := context.Background()
	alice := signer(t, 1)
	service := signer(t, 2)

	inv, err := Invoke(alice, service.DID(), mustCapability(t, "blob/allocate", alice.DID().String(), testCaveats{Size: 1}))
	require.NoError(t, err)
	fork, err := Invoke(service, service.DID(), mustCapability(t, "blob/accept", service.DID().String(), testCaveats{Size: 1}))
	require.NoError(t, err)

	out, err := OkOutcome(map[string]uint64{"size": 1})
	require.NoError(t, err)
	rcpt, err := Issue(service, inv, out, Effects{Fork: []*Invocation{fork}, Join: fork})
	require.NoError(t, err)

	viewed, err := ViewReceipt(rcpt.Link(), rcpt.Blocks())
	require.NoError(t, err)
	require.NoError(t, viewed.VerifySignature(ctx, nil, service.DID()))
	assert.True(t, viewed.Ran().Equals(inv.Link()))
	require.Len(t, viewed.Fork(), 1)
	require.NotNil(t, viewed.Join())
	assert.True(t, viewed.Join().Equals(fork.Link()))

	task, ok := viewed.Task()
	require.True(t, ok)
	assert.True(t, task.Link().Equals(inv.Link()))
	require.Len(t, viewed.ForkInvocations(), 1)

	var ok2 map[string]uint64
	require.NoError(t, viewed.DecodeOk(&ok2))
	assert.Equal(t, uint64(1), ok2["size"])

	// Any mutation of the signed payload must be detected.
	payload, err := viewed.SigningPayload()
	require.NoError(t, err)
	for i := range payload {
		mutated := append([]byte{}, payload...)
		mutated[i] ^= 0x01
		assert.Error(t, principal.Verify(ctx, nil, service.DID(), mutated, viewed.Signature()))
	}

	assert.Error(t, viewed.VerifySignature(ctx, nil, alice.DID()))
}

func TestReceiptWithoutIssuerVerifiesAgainstExecutor(t *testing.T) {
	ctx := context.Background()
	alice := signer(t, 1)
	service := signer(t, 2)

	inv, err := Invoke(alice, service.DID(), mustCapability(t, "blob/allocate", alice.DID().String(), testCaveats{Size: 1}))
	require.NoError(t, err)
	out, err := OkOutcome(map[string]uint64{"size": 1})
	require.NoError(t, err)
	rcpt, err := Issue(service, inv, out, Effects{}, WithImpliedIssuer())
	require.NoError(t, err)

	implied, err := ViewReceipt(rcpt.Link(), rcpt.Blocks())
	require.NoError(t, err)
	assert.Empty(t, implied.Issuer())
	require.NoError(t, implied.VerifySignature(ctx, nil, service.DID()))
	assert.ErrorIs(t, implied.VerifySignature(ctx, nil, alice.DID()), principal.ErrInvalidSignature)

	forged, err := Issue(alice, inv, out, Effects{}, WithImpliedIssuer())
	require.NoError(t, err)
	assert.ErrorIs(t, forged.VerifySignature(ctx, nil, service.DID()), principal.ErrInvalidSignature)
}

func TestReceiptFailureOutcome(t *testing.T) {
	alice := signer(t, 1)
	inv, err := Invoke(alice, alice.DID(), mustCapability(t, "x/y", alice.DID().String(), nil))
	require.NoError(t, err)

	f := NewFailure("EntryNotFound", "Entry not found").With("size", uint64(3))
	rcpt, err := Issue(alice, inv, ErrorOutcome(f), Effects{})
	require.NoError(t, err)

	viewed, err := ViewReceipt(rcpt.Link(), rcpt.Blocks())
	require.NoError(t, err)
	assert.False(t, viewed.IsOk())
	require.NotNil(t, viewed.Out().Error)
	assert.Equal(t, "EntryNotFound", viewed.Out().Error.Name)
	assert.Equal(t, uint64(3), viewed.Out().Error.Fields["size"])
	require.NoError(t, viewed.VerifySignature(context.Background(), nil, alice.DID()))

	_, err = Issue(alice, inv, Outcome{}, Effects{})
	assert.Error(t, err)
}

func TestAwaitEncoding(t *testing.T) {
	task := LinkFor([]byte("task"))
	a := Await{Selector: ".out.ok.site", Task: task}

	data, err := Marshal(a)
	require.NoError(t, err)

	var decoded Await
	require.NoError(t, Unmarshal(data, &decoded))
	assert.Equal(t, ".out.ok.site", decoded.Selector)
	assert.True(t, decoded.Task.Equals(task))

	var generic map[string][]RawMessage
	require.NoError(t, Unmarshal(data, &generic))
	assert.Contains(t, generic, AwaitKey)
}

func TestMessageCARRoundTrip(t *testing.T) {
	alice := signer(t, 1)
	service := signer(t, 2)

	inv1, err := Invoke(alice, service.DID(), mustCapability(t, "a/b", alice.DID().String(), testCaveats{Size: 1}))
	require.NoError(t, err)
	inv2, err := Invoke(alice, service.DID(), mustCapability(t, "a/b", alice.DID().String(), testCaveats{Size: 2}))
	require.NoError(t, err)
	out, err := OkOutcome(nil)
	require.NoError(t, err)
	rcpt, err := Issue(service, inv1, out, Effects{})
	require.NoError(t, err)

	msg, err := NewMessage([]*Invocation{inv1, inv2}, []*Receipt{rcpt})
	require.NoError(t, err)

	data, err := EncodeMessage(msg)
	require.NoError(t, err)
	again, err := EncodeMessage(msg)
	require.NoError(t, err)
	assert.Equal(t, data, again, "CAR encoding must be deterministic")

	decoded, err := DecodeMessage(data)
	require.NoError(t, err)
	assert.True(t, decoded.Link().Equals(msg.Link()))

	invs, err := decoded.Invocations()
	require.NoError(t, err)
	require.Len(t, invs, 2)
	assert.True(t, invs[0].Link().Equals(inv1.Link()))
	assert.True(t, invs[1].Link().Equals(inv2.Link()))

	got, ok, err := decoded.Receipt(inv1.Link())
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Link().Equals(rcpt.Link()))

	_, ok, err = decoded.Receipt(inv2.Link())
	require.NoError(t, err)
	assert.False(t, ok)

	index, err := decoded.Index()
	require.NoError(t, err)
	require.Len(t, index, 3)
	assert.Equal(t, IndexInvocation, index[0].Kind)
	assert.Equal(t, IndexInvocation, index[1].Kind)
	assert.Equal(t, IndexReceipt, index[2].Kind)
	assert.True(t, index[2].Task.Equals(inv1.Link()))
	assert.True(t, index[2].Link.Equals(rcpt.Link()))
	assert.True(t, index[2].Message.Equals(msg.Link()))
}

func TestDecodeMessageRejectsGarbage(t *testing.T) {
	_, err := DecodeMessage([]byte("not a car"))
	assert.Error(t, err)
}

func TestFailureMatching(t *testing.T) {
	sentinel := &Failure{Name: "EntryExists"}
	f := NewFailure("EntryExists", "Entry already exists")

	assert.True(t, errors.Is(f, sentinel))
	assert.False(t, errors.Is(NewFailure("EntryNotFound", "nope"), sentinel))

	wrapped := NewFailure("AllocationFailure", "failed").WithCause(f)
	assert.True(t, errors.Is(wrapped, sentinel))

	generic := AsFailure(errors.New("disk full"))
	assert.Equal(t, "Error", generic.Name)
	assert.Equal(t, "disk full", generic.Message)
	assert.Same(t, f, AsFailure(f))
	assert.Nil(t, AsFailure(nil))
}

func TestFailureCBORRoundTrip(t *testing.T) {
	f := NewFailure("BlobSizeOutsideOfSupportedRange", "too big").
		With("size", uint64(10)).
		With("max", uint64(5)).
		WithCause(NewFailure("Inner", "inner"))

	data, err := Marshal(f)
	require.NoError(t, err)

	var decoded Failure
	require.NoError(t, Unmarshal(data, &decoded))
	assert.Equal(t, f.Name, decoded.Name)
	assert.Equal(t, f.Message, decoded.Message)
	assert.Equal(t, []string{"max", "size"}, decoded.FieldNames())
	require.NotNil(t, decoded.Cause)
	assert.Equal(t, "Inner", decoded.Cause.Name)
}

func TestFailureJSONGolden(t *testing.T) {
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)

	f := NewFailure("AllocationFailure", "allocation failed").
		WithCause(NewFailure("Unauthorized", "denied"))
	g.AssertJson(t, "failure_with_cause", f)

	sized := NewFailure("BlobSizeOutsideOfSupportedRange", "Blob of 200 bytes, exceeds size limit of 100 bytes").
		With("size", 200).
		With("max", 100)
	g.AssertJson(t, "failure_with_fields", sized)
}

func TestDelegationArchive(t *testing.T) {
	alice := signer(t, 1)
	bob := signer(t, 2)
	carol := signer(t, 3)

	root, err := Delegate(alice, bob.DID(), []Capability{mustCapability(t, "*", alice.DID().String(), nil)})
	require.NoError(t, err)
	d, err := Delegate(bob, carol.DID(), []Capability{mustCapability(t, "blob/*", alice.DID().String(), nil)}, WithProofs(root))
	require.NoError(t, err)

	data, err := ArchiveDelegation(d)
	require.NoError(t, err)

	got, err := ExtractDelegation(data)
	require.NoError(t, err)
	assert.True(t, got.Link().Equals(d.Link()))
	proofs, err := got.Proofs()
	require.NoError(t, err)
	require.Len(t, proofs, 1)
	assert.True(t, proofs[0].Link().Equals(root.Link()))
}
