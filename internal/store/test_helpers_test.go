package store

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/require"

	"github.com/roach88/blobcore/internal/principal"
	"github.com/roach88/blobcore/internal/ucan"
)

var fixedNow = time.Unix(1_800_000_000, 0)

// createTestStore creates a new store in a temporary directory.
func createTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	s, err := Open(path, opts...)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testSigner(t *testing.T, b byte) *principal.Signer {
	t.Helper()
	s, err := principal.FromSeed(bytes.Repeat([]byte{b}, 32))
	require.NoError(t, err)
	return s
}

func testDigest(t *testing.T, data string) multihash.Multihash {
	t.Helper()
	mh, err := multihash.Sum([]byte(data), multihash.SHA2_256, -1)
	require.NoError(t, err)
	return mh
}

// createTestInvocation issues a self-addressed invocation with a nonce so
// each call yields a distinct task.
func createTestInvocation(t *testing.T, issuer *principal.Signer, can, nonce string) *ucan.Invocation {
	t.Helper()
	c, err := ucan.NewCapability(can, issuer.DID().String(), map[string]string{"n": nonce})
	require.NoError(t, err)
	inv, err := ucan.Invoke(issuer, issuer.DID(), c, ucan.WithNonce(nonce))
	require.NoError(t, err)
	return inv
}

// createTestReceipt issues an ok receipt for inv.
func createTestReceipt(t *testing.T, issuer *principal.Signer, inv *ucan.Invocation, ok any) *ucan.Receipt {
	t.Helper()
	out, err := ucan.OkOutcome(ok)
	require.NoError(t, err)
	r, err := ucan.Issue(issuer, inv, out, ucan.Effects{})
	require.NoError(t, err)
	return r
}
