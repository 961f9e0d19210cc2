// Package router picks storage providers and prepares invocations
// addressed to them.
//
// An invocation built by the router is issued by the service, addressed to
// the provider and proven by the delegation the provider granted the
// service when it registered. No nonce is added, so the same capability
// and options always yield the same task and retries are recognised as
// the same work.
package router

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/multiformats/go-multihash"

	"github.com/roach88/blobcore/internal/principal"
	"github.com/roach88/blobcore/internal/store"
	"github.com/roach88/blobcore/internal/transport"
	"github.com/roach88/blobcore/internal/ucan"
)

const (
	NameCandidateUnavailable = "CandidateUnavailable"
	NameProofUnavailable     = "ProofUnavailable"
)

var (
	ErrCandidateUnavailable = &ucan.Failure{Name: NameCandidateUnavailable}
	ErrProofUnavailable     = &ucan.Failure{Name: NameProofUnavailable}
)

// Providers is the provider table the router reads.
type Providers interface {
	Providers(ctx context.Context) ([]store.ProviderRecord, error)
	Provider(ctx context.Context, did principal.DID) (store.ProviderRecord, error)
}

// Connector opens a connection to a provider endpoint.
type Connector func(endpoint string) transport.Connection

// Router selects providers and configures invocations to them.
type Router struct {
	signer    *principal.Signer
	providers Providers
	self      transport.Connection
	connect   Connector

	mu    sync.Mutex
	rng   *rand.Rand
	conns map[principal.DID]transport.Connection
}

// Option configures a Router.
type Option func(*Router)

// WithConnector sets how endpoints are dialled. The default posts CARs
// over HTTP.
func WithConnector(c Connector) Option {
	return func(r *Router) { r.connect = c }
}

// WithConnection pins the connection used for a provider, bypassing its
// endpoint. The multi-node test harness wires nodes this way.
func WithConnection(did principal.DID, conn transport.Connection) Option {
	return func(r *Router) { r.conns[did] = conn }
}

// WithSeed makes provider selection reproducible.
func WithSeed(seed uint64) Option {
	return func(r *Router) { r.rng = rand.New(rand.NewPCG(seed, seed)) }
}

// New creates a router. Invocations addressed to the signer itself are
// delivered over self.
func New(signer *principal.Signer, providers Providers, self transport.Connection, opts ...Option) *Router {
	r := &Router{
		signer:    signer,
		providers: providers,
		self:      self,
		connect: func(endpoint string) transport.Connection {
			return transport.NewHTTPConnection(endpoint)
		},
		rng:   rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		conns: make(map[principal.DID]transport.Connection),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetSelf sets the in-process connection to the service itself. It exists
// because the service's server and the router refer to each other.
func (r *Router) SetSelf(conn transport.Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.self = conn
}

// SelectProviders picks count distinct providers by weighted random
// choice. Providers with no weight, the origin and anything in exclude
// are never picked.
func (r *Router) SelectProviders(ctx context.Context, origin principal.DID, count int, digest multihash.Multihash, size uint64, exclude []principal.DID) ([]principal.DID, error) {
	all, err := r.providers.Providers(ctx)
	if err != nil {
		return nil, err
	}

	skip := make(map[principal.DID]bool, len(exclude)+1)
	skip[origin] = true
	for _, d := range exclude {
		skip[d] = true
	}

	var pool []store.ProviderRecord
	for _, p := range all {
		if p.Weight > 0 && !skip[p.DID] {
			pool = append(pool, p)
		}
	}
	if len(pool) < count {
		return nil, ucan.NewFailure(NameCandidateUnavailable, "Wanted %d but only %d are available", count, len(pool)).
			With("digest", digest.B58String()).
			With("size", size)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	selected := make([]principal.DID, 0, count)
	for len(selected) < count {
		total := 0
		for _, p := range pool {
			total += p.Weight
		}
		pick := r.rng.IntN(total)
		for i, p := range pool {
			if pick < p.Weight {
				selected = append(selected, p.DID)
				pool = append(pool[:i], pool[i+1:]...)
				break
			}
			pick -= p.Weight
		}
	}
	return selected, nil
}

// ConfigureInvocation builds an invocation of c addressed to provider and
// returns it with a connection to deliver it on.
func (r *Router) ConfigureInvocation(ctx context.Context, provider principal.DID, c ucan.Capability, opts ...ucan.Option) (*ucan.Invocation, transport.Connection, error) {
	if provider == r.signer.DID() {
		inv, err := ucan.Invoke(r.signer, provider, c, opts...)
		if err != nil {
			return nil, nil, err
		}
		r.mu.Lock()
		self := r.self
		r.mu.Unlock()
		if self == nil {
			return nil, nil, fmt.Errorf("no connection to self")
		}
		return inv, self, nil
	}

	rec, err := r.providers.Provider(ctx, provider)
	if errors.Is(err, store.ErrProviderNotFound) {
		return nil, nil, ucan.NewFailure(NameProofUnavailable, "provider not found: %s", provider)
	}
	if err != nil {
		return nil, nil, err
	}
	// Records without a proof are parties the service only addresses
	// with capabilities on its own resource.
	if len(rec.Proof) > 0 {
		proof, err := ucan.ExtractDelegation(rec.Proof)
		if err != nil {
			return nil, nil, ucan.NewFailure(NameProofUnavailable, "failed to extract proof for provider %s: %v", provider, err)
		}
		opts = append(opts, ucan.WithProofs(proof))
	}

	inv, err := ucan.Invoke(r.signer, provider, c, opts...)
	if err != nil {
		return nil, nil, err
	}
	return inv, r.connection(rec), nil
}

func (r *Router) connection(rec store.ProviderRecord) transport.Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conn, ok := r.conns[rec.DID]; ok {
		return conn
	}
	conn := r.connect(rec.Endpoint)
	r.conns[rec.DID] = conn
	return conn
}
