// Package service implements the upload service: the party spaces talk to
// when they store, replicate and index blobs.
//
// The service is its own storage provider for uploads, so it serves the
// storage node abilities through an embedded storagenode.Node. On top of
// those it serves:
//
//	space/blob/replicate        fan a blob out to other providers
//	ucan/conclude               resume work waiting on a receipt
//	space/index/add             publish a sharded DAG index
//	web3.storage/blob/allocate  legacy alias of blob/allocate
//	web3.storage/blob/accept    legacy alias of blob/accept
//
// All state shared between invocations lives in the Store; handlers keep
// nothing in memory across calls apart from the replication lock.
package service

import (
	"context"
	"time"

	"github.com/multiformats/go-multihash"

	"github.com/roach88/blobcore/internal/capability"
	"github.com/roach88/blobcore/internal/principal"
	"github.com/roach88/blobcore/internal/server"
	"github.com/roach88/blobcore/internal/storagenode"
	"github.com/roach88/blobcore/internal/store"
	"github.com/roach88/blobcore/internal/transport"
	"github.com/roach88/blobcore/internal/ucan"
	"github.com/roach88/blobcore/internal/validator"
)

// DefaultMaxReplicas bounds space/blob/replicate unless configured.
const DefaultMaxReplicas = 3

// AllocationTimeout is how long a replica allocation invocation is valid.
// It is fixed when the invocation is built so retries reproduce the task.
const AllocationTimeout = 30 * time.Second

// Store is the persistent state the service reads and writes.
type Store interface {
	WriteMessage(ctx context.Context, msg *ucan.Message) error
	GetInvocation(ctx context.Context, task ucan.Link) (*ucan.Invocation, error)
	GetReceipt(ctx context.Context, task ucan.Link) (*ucan.Receipt, error)

	Find(ctx context.Context, space principal.DID, digest multihash.Multihash) (store.Entry, error)
	Register(ctx context.Context, e store.Entry) error

	AddReplica(ctx context.Context, r store.Replica) error
	SetReplicaStatus(ctx context.Context, space principal.DID, digest multihash.Multihash, provider principal.DID, status store.ReplicaStatus) error
	RetryReplica(ctx context.Context, space principal.DID, digest multihash.Multihash, provider principal.DID, cause ucan.Link) error
	ListReplicas(ctx context.Context, space principal.DID, digest multihash.Multihash) ([]store.Replica, error)

	SpaceProviders(ctx context.Context, space principal.DID) ([]principal.DID, error)
}

// Router selects providers and prepares invocations to them.
type Router interface {
	SelectProviders(ctx context.Context, origin principal.DID, count int, digest multihash.Multihash, size uint64, exclude []principal.DID) ([]principal.DID, error)
	ConfigureInvocation(ctx context.Context, provider principal.DID, c ucan.Capability, opts ...ucan.Option) (*ucan.Invocation, transport.Connection, error)
}

// Blobs reads uploaded bytes.
type Blobs interface {
	Get(ctx context.Context, digest multihash.Multihash) ([]byte, error)
}

// Service is the upload service.
type Service struct {
	signer    *principal.Signer
	store     Store
	router    Router
	blobs     Blobs
	node      *storagenode.Node
	validator *validator.Validator

	maxReplicas uint64
	indexer     principal.DID
	claims      principal.DID
	locks       *keyedMutex
	retryFailed bool
	now         func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithValidator sets the validator used for claims received as data:
// location commitments and transfer tasks. It should be the one the
// server authorizes invocations with.
func WithValidator(v *validator.Validator) Option {
	return func(s *Service) { s.validator = v }
}

// WithMaxReplicas sets the largest replica count space/blob/replicate
// accepts.
func WithMaxReplicas(n uint64) Option {
	return func(s *Service) { s.maxReplicas = n }
}

// WithIndexingService sets where index claims are published.
func WithIndexingService(did principal.DID) Option {
	return func(s *Service) { s.indexer = did }
}

// WithClaimsService sets where index claims are published for spaces
// provisioned with a legacy provider.
func WithClaimsService(did principal.DID) Option {
	return func(s *Service) { s.claims = did }
}

// WithReplicationLock serialises space/blob/replicate per blob within
// this process. It is on by default.
func WithReplicationLock(on bool) Option {
	return func(s *Service) {
		if on {
			s.locks = newKeyedMutex()
		} else {
			s.locks = nil
		}
	}
}

// WithFailedReplicaRetry lets replication pick providers whose earlier
// allocation failed, reusing their replica rows.
func WithFailedReplicaRetry() Option {
	return func(s *Service) { s.retryFailed = true }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates the upload service. node must sign as the same principal.
func New(signer *principal.Signer, st Store, r Router, blobs Blobs, node *storagenode.Node, opts ...Option) *Service {
	s := &Service{
		signer:      signer,
		store:       st,
		router:      r,
		blobs:       blobs,
		node:        node,
		validator:   validator.New(),
		maxReplicas: DefaultMaxReplicas,
		locks:       newKeyedMutex(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ID returns the service DID.
func (s *Service) ID() principal.DID { return s.signer.DID() }

// Handlers returns the service's handler table, including the storage
// abilities of its embedded node.
func (s *Service) Handlers() map[string]server.Handler {
	h := s.node.Handlers()
	h[capability.LegacyBlobAllocate] = s.legacyAllocate
	h[capability.LegacyBlobAccept] = s.legacyAccept
	h[capability.SpaceBlobReplicate] = s.replicate
	h[capability.UCANConclude] = s.conclude
	h[capability.SpaceIndexAdd] = s.indexAdd
	return h
}
