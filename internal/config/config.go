// Package config loads the blobcore configuration file.
//
// Configuration comes from a single YAML file named by the --config flag.
// Flags given on the command line override values from the file; there are
// no environment variables and no per-environment sections. The effective
// configuration is validated against an embedded CUE schema before use,
// and every violation is reported at once.
package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/roach88/blobcore/internal/principal"
)

//go:embed schema.cue
var schemaSource string

// DefaultMaxUploadSize matches the largest shard the storage node accepts.
const DefaultMaxUploadSize uint64 = 127 << 25

// Config is the blobcore configuration.
type Config struct {
	// Identity is the signing key of this process and the DID it presents.
	Identity Identity `yaml:"identity" json:"identity"`

	// Listen is the host:port the HTTP server binds.
	Listen string `yaml:"listen" json:"listen"`

	// Database is the SQLite file holding the ledger, registry, replicas
	// and provider table.
	Database string `yaml:"database" json:"database"`

	// PublicURL is the externally reachable base URL of the blob endpoints.
	// Upload and download URLs are built from it.
	PublicURL string `yaml:"public_url" json:"public_url"`

	// URLSecret keys the HMAC that signs upload URLs.
	URLSecret string `yaml:"url_secret" json:"url_secret"`

	MaxUploadSize uint64 `yaml:"max_upload_size" json:"max_upload_size"`
	MaxReplicas   uint64 `yaml:"max_replicas" json:"max_replicas"`

	// Indexer receives location and index claims.
	Indexer *Service `yaml:"indexer,omitempty" json:"indexer,omitempty"`

	// Claims receives index claims for spaces provisioned with a legacy
	// provider.
	Claims *Service `yaml:"claims,omitempty" json:"claims,omitempty"`

	// UploadService is where a storage node concludes transfer receipts.
	// Only the node role reads it.
	UploadService *Service `yaml:"upload_service,omitempty" json:"upload_service,omitempty"`

	// Providers are seeded into the provider table at startup.
	Providers []Provider `yaml:"providers,omitempty" json:"providers,omitempty"`

	// DIDWeb maps did:web identities to the did:key that signs for them.
	DIDWeb map[string]string `yaml:"did_web,omitempty" json:"did_web,omitempty"`

	// Tracing enables the stdout span exporter.
	Tracing bool `yaml:"tracing" json:"tracing"`
}

// Identity is a signer in its text form and an optional did:web it
// presents instead of its did:key.
type Identity struct {
	Key string `yaml:"key" json:"key"`
	DID string `yaml:"did,omitempty" json:"did,omitempty"`
}

// Service names a peer service by DID and endpoint.
type Service struct {
	DID      string `yaml:"did" json:"did"`
	Endpoint string `yaml:"endpoint" json:"endpoint"`
}

// Provider is a storage provider record. Proof is the path of a CAR file
// holding the provider's delegation to this service.
type Provider struct {
	DID      string `yaml:"did" json:"did"`
	Endpoint string `yaml:"endpoint" json:"endpoint"`
	Proof    string `yaml:"proof,omitempty" json:"proof,omitempty"`
	Weight   int    `yaml:"weight" json:"weight"`
}

// Default returns the configuration used before the file and flags are
// applied. Identity and URLSecret have no default.
func Default() *Config {
	return &Config{
		Listen:        "127.0.0.1:3000",
		Database:      "blobcore.db",
		PublicURL:     "http://127.0.0.1:3000",
		MaxUploadSize: DefaultMaxUploadSize,
		MaxReplicas:   3,
	}
}

// LoadFile reads path over the defaults. Unknown keys are rejected so a
// misspelt option does not silently fall back to its default.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Load is LoadFile when path is set and Default otherwise.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	return LoadFile(path)
}

var (
	schemaOnce sync.Once
	schemaCtx  *cue.Context
	schemaVal  cue.Value
	schemaErr  error
	schemaMu   sync.Mutex
)

func schema() (*cue.Context, cue.Value, error) {
	schemaOnce.Do(func() {
		schemaCtx = cuecontext.New()
		schemaVal = schemaCtx.CompileString(schemaSource, cue.Filename("schema.cue"))
		schemaErr = schemaVal.Err()
	})
	return schemaCtx, schemaVal, schemaErr
}

// Validate checks the configuration against the schema and the
// cross-field rules the schema cannot express. The returned error is a
// *multierror.Error listing every problem.
func (c *Config) Validate() error {
	var result *multierror.Error

	doc, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	schemaMu.Lock()
	ctx, root, err := schema()
	if err != nil {
		schemaMu.Unlock()
		return fmt.Errorf("compile config schema: %w", err)
	}
	verr := root.Unify(ctx.CompileBytes(doc)).Validate(cue.Concrete(true))
	schemaMu.Unlock()

	for _, e := range cueerrors.Errors(verr) {
		result = multierror.Append(result, fmt.Errorf("%s", e.Error()))
	}

	if c.Identity.Key != "" {
		if _, err := principal.ParseSigner(c.Identity.Key); err != nil {
			result = multierror.Append(result, fmt.Errorf("identity.key: %w", err))
		}
	}

	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if seen[p.DID] {
			result = multierror.Append(result, fmt.Errorf("providers.%d: duplicate provider %s", i, p.DID))
		}
		seen[p.DID] = true
		if p.Weight > 0 && p.Proof == "" {
			result = multierror.Append(result, fmt.Errorf("providers.%d: provider %s takes replicas but has no proof", i, p.DID))
		}
	}

	return result.ErrorOrNil()
}

// Signer parses the identity key. When a did:web is configured the signer
// presents it instead of its did:key.
func (c *Config) Signer() (*principal.Signer, error) {
	var opts []principal.SignerOption
	if c.Identity.DID != "" {
		did, err := principal.Parse(c.Identity.DID)
		if err != nil {
			return nil, fmt.Errorf("identity.did: %w", err)
		}
		opts = append(opts, principal.WithDID(did))
	}
	s, err := principal.ParseSigner(c.Identity.Key, opts...)
	if err != nil {
		return nil, fmt.Errorf("identity.key: %w", err)
	}
	return s, nil
}

// Resolver returns the did:web table, including this process's own
// did:web if it has one.
func (c *Config) Resolver(self *principal.Signer) principal.StaticResolver {
	r := make(principal.StaticResolver, len(c.DIDWeb)+1)
	for web, key := range c.DIDWeb {
		r[principal.DID(web)] = principal.DID(key)
	}
	if self != nil && self.DID().IsWeb() {
		r[self.DID()] = self.DIDKey()
	}
	return r
}
