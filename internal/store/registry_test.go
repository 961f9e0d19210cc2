package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/blobcore/internal/ucan"
)

func TestRegistry_FindAndRegister(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	space := testSigner(t, 1).DID()
	digest := testDigest(t, "blob")
	cause := ucan.LinkFor([]byte("accept"))

	_, err := s.Find(ctx, space, digest)
	assert.True(t, errors.Is(err, ErrEntryNotFound))

	require.NoError(t, s.Register(ctx, Entry{Space: space, Digest: digest, Size: 4, Cause: cause}))

	e, err := s.Find(ctx, space, digest)
	require.NoError(t, err)
	assert.Equal(t, space, e.Space)
	assert.Equal(t, digest, e.Digest)
	assert.Equal(t, uint64(4), e.Size)
	assert.True(t, e.Cause.Equals(cause))
	assert.Equal(t, fixedNow.Unix(), e.InsertedAt.Unix())
}

func TestRegistry_DuplicateIsEntryExists(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	space := testSigner(t, 1).DID()
	digest := testDigest(t, "blob")
	first := ucan.LinkFor([]byte("first"))

	require.NoError(t, s.Register(ctx, Entry{Space: space, Digest: digest, Size: 4, Cause: first}))
	err := s.Register(ctx, Entry{Space: space, Digest: digest, Size: 4, Cause: ucan.LinkFor([]byte("second"))})
	assert.True(t, errors.Is(err, ErrEntryExists))

	e, err := s.Find(ctx, space, digest)
	require.NoError(t, err)
	assert.True(t, e.Cause.Equals(first))
}

func TestRegistry_ScopedBySpace(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	digest := testDigest(t, "blob")
	a := testSigner(t, 1).DID()
	b := testSigner(t, 2).DID()

	require.NoError(t, s.Register(ctx, Entry{Space: a, Digest: digest, Size: 4, Cause: ucan.LinkFor([]byte("c"))}))

	_, err := s.Find(ctx, b, digest)
	assert.True(t, errors.Is(err, ErrEntryNotFound))

	entries, err := s.Entries(ctx, a)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
