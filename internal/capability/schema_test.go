package capability

import (
	"bytes"
	"errors"
	"testing"

	"github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/blobcore/internal/principal"
	"github.com/roach88/blobcore/internal/ucan"
)

func testDID(t *testing.T, b byte) principal.DID {
	t.Helper()
	s, err := principal.FromSeed(bytes.Repeat([]byte{b}, 32))
	require.NoError(t, err)
	return s.DID()
}

func digest(t *testing.T, data string) multihash.Multihash {
	t.Helper()
	mh, err := multihash.Sum([]byte(data), multihash.SHA2_256, -1)
	require.NoError(t, err)
	return mh
}

func isMalformed(err error) bool {
	return errors.Is(err, &ucan.Failure{Name: ErrNameMalformed})
}

func TestSchemasCompile(t *testing.T) {
	s, err := LoadSchemas()
	require.NoError(t, err)
	assert.True(t, s.Known(BlobAllocate))
	assert.False(t, s.Known("made/up"))
}

func TestValidateAllocate(t *testing.T) {
	s := MustLoadSchemas()
	provider := testDID(t, 1)
	space := testDID(t, 2)

	ok, err := ucan.NewCapability(BlobAllocate, provider.String(), AllocateCaveats{
		Space: space,
		Blob:  Blob{Digest: digest(t, "hello"), Size: 5},
	})
	require.NoError(t, err)
	require.NoError(t, s.Validate(ok))

	legacy := ok
	legacy.Can = LegacyBlobAllocate
	require.NoError(t, s.Validate(legacy))

	badSpace, err := ucan.NewCapability(BlobAllocate, provider.String(), AllocateCaveats{
		Space: "not-a-did",
		Blob:  Blob{Digest: digest(t, "hello"), Size: 5},
	})
	require.NoError(t, err)
	assert.True(t, isMalformed(s.Validate(badSpace)))

	noDigest, err := ucan.NewCapability(BlobAllocate, provider.String(), AllocateCaveats{
		Space: space,
		Blob:  Blob{Size: 5},
	})
	require.NoError(t, err)
	assert.True(t, isMalformed(s.Validate(noDigest)))
}

func TestValidateReplicate(t *testing.T) {
	s := MustLoadSchemas()
	space := testDID(t, 2)
	site := ucan.LinkFor([]byte("site"))

	valid, err := ucan.NewCapability(SpaceBlobReplicate, space.String(), ReplicateCaveats{
		Blob:     Blob{Digest: digest(t, "data"), Size: 4},
		Replicas: 2,
		Site:     site,
	})
	require.NoError(t, err)
	require.NoError(t, s.Validate(valid))

	zero, err := ucan.NewCapability(SpaceBlobReplicate, space.String(), ReplicateCaveats{
		Blob:     Blob{Digest: digest(t, "data"), Size: 4},
		Replicas: 0,
		Site:     site,
	})
	require.NoError(t, err)
	assert.True(t, isMalformed(s.Validate(zero)))
}

func TestValidateAcceptWithPut(t *testing.T) {
	s := MustLoadSchemas()
	space := testDID(t, 2)
	put := ucan.AwaitOk(ucan.LinkFor([]byte("put")))

	c, err := ucan.NewCapability(BlobAccept, testDID(t, 1).String(), AcceptCaveats{
		Space: space,
		Blob:  Blob{Digest: digest(t, "x"), Size: 1},
		Put:   &put,
	})
	require.NoError(t, err)
	require.NoError(t, s.Validate(c))

	wrongSelector := ucan.Await{Selector: ".in.url", Task: put.Task}
	c, err = ucan.NewCapability(BlobAccept, testDID(t, 1).String(), AcceptCaveats{
		Space: space,
		Blob:  Blob{Digest: digest(t, "x"), Size: 1},
		Put:   &wrongSelector,
	})
	require.NoError(t, err)
	assert.True(t, isMalformed(s.Validate(c)))
}

func TestValidateUndecodable(t *testing.T) {
	s := MustLoadSchemas()
	c, err := ucan.NewCapability(UCANConclude, testDID(t, 1).String(), map[string]string{"receipt": "not a link"})
	require.NoError(t, err)
	assert.True(t, isMalformed(s.Validate(c)))
}

func TestValidateUnknownAbility(t *testing.T) {
	s := MustLoadSchemas()
	c, err := ucan.NewCapability("made/up", "did:web:x", map[string]int{"n": 1})
	require.NoError(t, err)
	require.NoError(t, s.Validate(c))
}

func TestDecode(t *testing.T) {
	receipt := ucan.LinkFor([]byte("r"))
	c, err := ucan.NewCapability(UCANConclude, testDID(t, 1).String(), ConcludeCaveats{Receipt: receipt})
	require.NoError(t, err)

	nb, err := Decode[ConcludeCaveats](c)
	require.NoError(t, err)
	assert.True(t, nb.Receipt.Equals(receipt))

	_, err = Decode[ConcludeCaveats](ucan.Capability{Can: UCANConclude, With: "did:web:x"})
	assert.True(t, isMalformed(err))
}
