package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/blobcore/internal/principal"
)

func testSigner(t *testing.T) *principal.Signer {
	t.Helper()
	s, err := principal.FromSeed(bytes.Repeat([]byte{7}, 32))
	require.NoError(t, err)
	return s
}

func validConfig(t *testing.T) *Config {
	cfg := Default()
	cfg.Identity.Key = testSigner(t).Format()
	cfg.URLSecret = "0123456789abcdef"
	return cfg
}

func TestLoadFile(t *testing.T) {
	cfg, err := LoadFile(filepath.Join("testdata", "service.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "did:web:upload.example.com", cfg.Identity.DID)
	assert.Equal(t, "0.0.0.0:8080", cfg.Listen)
	assert.Equal(t, uint64(4), cfg.MaxReplicas)
	assert.Equal(t, DefaultMaxUploadSize, cfg.MaxUploadSize, "unset keys keep their default")
	require.NotNil(t, cfg.Indexer)
	assert.Equal(t, "https://indexer.example.com", cfg.Indexer.Endpoint)
	assert.Nil(t, cfg.UploadService)
	require.Len(t, cfg.Providers, 2)
	assert.Equal(t, 100, cfg.Providers[0].Weight)
	assert.Equal(t, "node-1.car", cfg.Providers[0].Proof)
	assert.Equal(t, "did:key:z6MkrZ1r5XBFZjBU34qyD8fueMbMRkKw17BZaq2ivKFjnz2z", cfg.DIDWeb["did:web:indexer.example.com"])
	assert.True(t, cfg.Tracing)
}

func TestLoadFile_UnknownKey(t *testing.T) {
	_, err := LoadFile(filepath.Join("testdata", "unknown_key.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_replica")
}

func TestLoadFile_Missing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoad_NoPath(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestValidate_LoadedFile(t *testing.T) {
	cfg, err := LoadFile(filepath.Join("testdata", "service.yaml"))
	require.NoError(t, err)
	cfg.Identity.Key = testSigner(t).Format()

	assert.NoError(t, cfg.Validate())
}

func TestValidate_Defaults(t *testing.T) {
	assert.NoError(t, validConfig(t).Validate())
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg := validConfig(t)
	cfg.Listen = "nowhere"
	cfg.PublicURL = "ftp://example.com"
	cfg.URLSecret = "short"
	cfg.MaxReplicas = 0

	err := cfg.Validate()
	require.Error(t, err)

	var merr *multierror.Error
	require.ErrorAs(t, err, &merr)
	assert.GreaterOrEqual(t, len(merr.Errors), 4)
	for _, field := range []string{"listen", "public_url", "url_secret", "max_replicas"} {
		assert.Contains(t, err.Error(), field)
	}
}

func TestValidate_Identity(t *testing.T) {
	t.Run("missing key", func(t *testing.T) {
		cfg := validConfig(t)
		cfg.Identity.Key = ""
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "identity.key")
	})

	t.Run("garbage key", func(t *testing.T) {
		cfg := validConfig(t)
		cfg.Identity.Key = "not-a-key"
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "identity.key")
	})

	t.Run("did must be did:web", func(t *testing.T) {
		cfg := validConfig(t)
		cfg.Identity.DID = testSigner(t).DID().String()
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "identity.did")
	})
}

func TestValidate_Providers(t *testing.T) {
	did := testSigner(t).DID().String()

	t.Run("duplicate", func(t *testing.T) {
		cfg := validConfig(t)
		cfg.Providers = []Provider{
			{DID: did, Endpoint: "http://a", Proof: "a.car", Weight: 1},
			{DID: did, Endpoint: "http://b", Proof: "b.car", Weight: 1},
		}
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "duplicate provider")
	})

	t.Run("weighted without proof", func(t *testing.T) {
		cfg := validConfig(t)
		cfg.Providers = []Provider{{DID: did, Endpoint: "http://a", Weight: 1}}
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "has no proof")
	})

	t.Run("negative weight", func(t *testing.T) {
		cfg := validConfig(t)
		cfg.Providers = []Provider{{DID: did, Endpoint: "http://a", Weight: -1}}
		assert.Error(t, cfg.Validate())
	})

	t.Run("bad did", func(t *testing.T) {
		cfg := validConfig(t)
		cfg.Providers = []Provider{{DID: "did:plc:abc", Endpoint: "http://a"}}
		assert.Error(t, cfg.Validate())
	})
}

func TestSigner(t *testing.T) {
	cfg := validConfig(t)
	s, err := cfg.Signer()
	require.NoError(t, err)
	assert.Equal(t, testSigner(t).DID(), s.DID())

	cfg.Identity.DID = "did:web:upload.example.com"
	s, err = cfg.Signer()
	require.NoError(t, err)
	assert.Equal(t, principal.DID("did:web:upload.example.com"), s.DID())
	assert.Equal(t, testSigner(t).DID(), s.DIDKey())
}

func TestResolver(t *testing.T) {
	cfg := validConfig(t)
	cfg.Identity.DID = "did:web:upload.example.com"
	cfg.DIDWeb = map[string]string{"did:web:indexer.example.com": "did:key:z6MkrZ1r5XBFZjBU34qyD8fueMbMRkKw17BZaq2ivKFjnz2z"}
	self, err := cfg.Signer()
	require.NoError(t, err)

	r := cfg.Resolver(self)
	assert.Len(t, r, 2)
	assert.Equal(t, self.DIDKey(), r[self.DID()])
	assert.Equal(t, principal.DID("did:key:z6MkrZ1r5XBFZjBU34qyD8fueMbMRkKw17BZaq2ivKFjnz2z"), r["did:web:indexer.example.com"])
}
