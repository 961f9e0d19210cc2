// Package storagenode implements the storage provider role: it reserves
// space for blobs, accepts uploads by issuing location commitments, and
// takes part in replication by copying blobs from another provider.
//
// A node serves four abilities:
//
//	blob/allocate          reserve space and hand out an upload address
//	blob/accept            commit to serving an uploaded blob
//	blob/replica/allocate  agree to hold a copy of a blob held elsewhere
//	blob/replica/transfer  copy the blob and commit to serving it
//
// Replica transfers that need a download run in the background; their
// receipts are delivered to the upload service as ucan/conclude
// invocations.
package storagenode

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/multiformats/go-multihash"

	"github.com/roach88/blobcore/internal/capability"
	"github.com/roach88/blobcore/internal/principal"
	"github.com/roach88/blobcore/internal/server"
	"github.com/roach88/blobcore/internal/store"
	"github.com/roach88/blobcore/internal/transport"
	"github.com/roach88/blobcore/internal/ucan"
)

// MaxUploadSize is the largest blob a node allocates by default.
const MaxUploadSize uint64 = 127 << 25

// AllocationTTL is how long an upload address stays valid.
const AllocationTTL = 24 * time.Hour

// Registry records which blobs a node holds on behalf of which space.
type Registry interface {
	Find(ctx context.Context, space principal.DID, digest multihash.Multihash) (store.Entry, error)
	Register(ctx context.Context, e store.Entry) error
}

// Blobs is the node's byte storage.
type Blobs interface {
	Has(ctx context.Context, digest multihash.Multihash) (bool, error)
	Put(ctx context.Context, digest multihash.Multihash, data []byte) error
	UploadURL(digest multihash.Multihash, size uint64, ttl time.Duration) (capability.Address, error)
	DownloadURL(digest multihash.Multihash) string
}

// Dispatcher prepares invocations to other parties.
type Dispatcher interface {
	ConfigureInvocation(ctx context.Context, provider principal.DID, c ucan.Capability, opts ...ucan.Option) (*ucan.Invocation, transport.Connection, error)
}

// Node is a storage provider.
type Node struct {
	signer     *principal.Signer
	registry   Registry
	blobs      Blobs
	dispatcher Dispatcher
	ledger     Ledger

	indexer       principal.DID
	service       principal.DID
	maxUploadSize uint64
	client        *http.Client

	wg sync.WaitGroup
}

// Option configures a Node.
type Option func(*Node)

// WithMaxUploadSize overrides MaxUploadSize.
func WithMaxUploadSize(n uint64) Option {
	return func(node *Node) { node.maxUploadSize = n }
}

// WithIndexer sets the indexing service that location commitments are
// published to. Without one, commitments are only returned to callers.
func WithIndexer(did principal.DID) Option {
	return func(node *Node) { node.indexer = did }
}

// WithUploadService sets where receipts of background transfers are
// concluded.
func WithUploadService(did principal.DID) Option {
	return func(node *Node) { node.service = did }
}

// WithHTTPClient sets the client used to download replicas.
func WithHTTPClient(c *http.Client) Option {
	return func(node *Node) { node.client = c }
}

// Ledger stores the messages a node sends and looks up tasks by link.
type Ledger interface {
	server.Ledger
	GetInvocation(ctx context.Context, task ucan.Link) (*ucan.Invocation, error)
}

// WithLedger records receipts of background transfers. Accepted blobs
// are attributed to the cause of the allocation their upload awaited
// when the ledger knows it.
func WithLedger(l Ledger) Option {
	return func(node *Node) { node.ledger = l }
}

// New creates a node signing as signer.
func New(signer *principal.Signer, registry Registry, blobs Blobs, dispatcher Dispatcher, opts ...Option) *Node {
	n := &Node{
		signer:        signer,
		registry:      registry,
		blobs:         blobs,
		dispatcher:    dispatcher,
		maxUploadSize: MaxUploadSize,
		client:        &http.Client{Timeout: transport.DefaultTimeout},
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// ID returns the node's DID.
func (n *Node) ID() principal.DID { return n.signer.DID() }

// Handlers returns the node's handler table.
func (n *Node) Handlers() map[string]server.Handler {
	return map[string]server.Handler{
		capability.BlobAllocate:        n.Allocate,
		capability.BlobAccept:          n.Accept,
		capability.BlobReplicaAllocate: n.ReplicaAllocate,
		capability.BlobReplicaTransfer: n.Transfer,
	}
}

// Wait blocks until background transfers have finished.
func (n *Node) Wait() { n.wg.Wait() }
