// Package testutil provides the deterministic pieces the tests share: a
// settable clock, seeded principals and an in-process network of an
// upload service, storage nodes and recording claim services.
package testutil

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/require"

	"github.com/roach88/blobcore/internal/blobstore"
	"github.com/roach88/blobcore/internal/capability"
	"github.com/roach88/blobcore/internal/principal"
	"github.com/roach88/blobcore/internal/router"
	"github.com/roach88/blobcore/internal/server"
	"github.com/roach88/blobcore/internal/service"
	"github.com/roach88/blobcore/internal/storagenode"
	"github.com/roach88/blobcore/internal/store"
	"github.com/roach88/blobcore/internal/transport"
	"github.com/roach88/blobcore/internal/ucan"
	"github.com/roach88/blobcore/internal/validator"
)

// Seeds of the fixed network principals. Nodes use NodeSeed+i.
const (
	ServiceSeed byte = 1
	IndexerSeed byte = 2
	ClaimsSeed  byte = 3
	NodeSeed    byte = 10
	AgentSeed   byte = 100
)

// Signer returns the ed25519 signer whose seed is 32 copies of b.
func Signer(t testing.TB, b byte) *principal.Signer {
	t.Helper()
	s, err := principal.FromSeed(bytes.Repeat([]byte{b}, 32))
	require.NoError(t, err)
	return s
}

// Party is one participant with its own store, blob store and server.
type Party struct {
	Signer *principal.Signer
	Store  *store.Store
	Blobs  *blobstore.Store
	Router *router.Router
	Node   *storagenode.Node
	Server *server.Server
	Conn   transport.Connection
	HTTP   *httptest.Server
}

// DID returns the party's DID.
func (p *Party) DID() principal.DID { return p.Signer.DID() }

// Recorder is a claim service that accepts and remembers every claim/cache
// and assert/index invocation sent to it.
type Recorder struct {
	Signer *principal.Signer
	Server *server.Server
	Conn   transport.Connection

	mu   sync.Mutex
	seen []*ucan.Invocation
}

// DID returns the recorder's DID.
func (r *Recorder) DID() principal.DID { return r.Signer.DID() }

// Invocations returns what the recorder has received with ability can.
func (r *Recorder) Invocations(can string) []*ucan.Invocation {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*ucan.Invocation
	for _, inv := range r.seen {
		if inv.Capability().Can == can {
			out = append(out, inv)
		}
	}
	return out
}

func (r *Recorder) record(_ context.Context, inv *ucan.Invocation) (server.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, inv)
	return server.Ok(struct{}{}), nil
}

// Network is an upload service with storage nodes, wired together over
// in-process channels. Blob bytes move over real HTTP.
type Network struct {
	Clock         *Clock
	Service       *Party
	UploadService *service.Service
	Nodes         []*Party
	Indexer       *Recorder
	Claims        *Recorder
}

type networkConfig struct {
	nodes       int
	serviceOpts []service.Option
	wrap        func(i int, node *Party, conn transport.Connection) transport.Connection
}

// NetworkOption configures NewNetwork.
type NetworkOption func(*networkConfig)

// WithNodes sets the number of storage nodes. The default is 3.
func WithNodes(n int) NetworkOption {
	return func(c *networkConfig) { c.nodes = n }
}

// WithServiceOptions passes options to service.New.
func WithServiceOptions(opts ...service.Option) NetworkOption {
	return func(c *networkConfig) { c.serviceOpts = append(c.serviceOpts, opts...) }
}

// WithNodeConnection wraps the connection the service uses to reach each
// node, to observe or reorder traffic.
func WithNodeConnection(wrap func(i int, node *Party, conn transport.Connection) transport.Connection) NetworkOption {
	return func(c *networkConfig) { c.wrap = wrap }
}

// Settled is a WithNodeConnection wrapper that returns from each delivery
// only after the node has concluded every transfer it started. Transfer
// receipts then reach the service before the allocation receipts do, which
// makes replication outcomes reproducible.
func Settled(_ int, node *Party, conn transport.Connection) transport.Connection {
	return settledConn{inner: conn, node: node.Node}
}

type settledConn struct {
	inner transport.Connection
	node  *storagenode.Node
}

func (c settledConn) Execute(ctx context.Context, invs ...*ucan.Invocation) (*ucan.Message, error) {
	res, err := c.inner.Execute(ctx, invs...)
	c.node.Wait()
	return res, err
}

// handlerRef lets parties that refer to each other be built in any order.
type handlerRef struct {
	h transport.Handler
}

func (r *handlerRef) Handle(ctx context.Context, msg *ucan.Message) (*ucan.Message, error) {
	if r.h == nil {
		return nil, fmt.Errorf("party not started")
	}
	return r.h.Handle(ctx, msg)
}

// NewNetwork starts a network. Everything is torn down when the test ends,
// after background transfers have finished.
func NewNetwork(t *testing.T, opts ...NetworkOption) *Network {
	t.Helper()
	ctx := context.Background()
	cfg := &networkConfig{nodes: 3}
	for _, opt := range opts {
		opt(cfg)
	}

	n := &Network{Clock: NewClock(Epoch)}
	n.Indexer = n.newRecorder(t, IndexerSeed)
	n.Claims = n.newRecorder(t, ClaimsSeed)

	serviceSigner := Signer(t, ServiceSeed)
	serviceRef := &handlerRef{}
	serviceConn := transport.NewChannel(serviceRef)

	for i := range cfg.nodes {
		node := n.newNode(t, Signer(t, NodeSeed+byte(i)), serviceSigner.DID(), serviceConn)
		if cfg.wrap != nil {
			node.Conn = cfg.wrap(i, node, node.Conn)
		}
		n.Nodes = append(n.Nodes, node)
	}

	svc := n.newParty(t, serviceSigner, "service")
	routerOpts := []router.Option{
		router.WithSeed(1),
		router.WithConnection(n.Indexer.DID(), n.Indexer.Conn),
		router.WithConnection(n.Claims.DID(), n.Claims.Conn),
	}
	for _, node := range n.Nodes {
		routerOpts = append(routerOpts, router.WithConnection(node.DID(), node.Conn))
		require.NoError(t, svc.Store.PutProvider(ctx, store.ProviderRecord{
			DID:      node.DID(),
			Endpoint: node.HTTP.URL,
			Proof:    grant(t, node.Signer, serviceSigner.DID()),
			Weight:   1,
		}))
	}
	for _, r := range []*Recorder{n.Indexer, n.Claims} {
		require.NoError(t, svc.Store.PutProvider(ctx, store.ProviderRecord{DID: r.DID(), Weight: 0}))
	}
	svc.Router = router.New(serviceSigner, svc.Store, nil, routerOpts...)
	svc.Node = storagenode.New(serviceSigner, svc.Store, svc.Blobs, svc.Router,
		storagenode.WithIndexer(n.Indexer.DID()),
		storagenode.WithUploadService(serviceSigner.DID()),
		storagenode.WithLedger(svc.Store),
	)

	v := n.validator(svc.Store)
	serviceOpts := append([]service.Option{
		service.WithValidator(v),
		service.WithIndexingService(n.Indexer.DID()),
		service.WithClaimsService(n.Claims.DID()),
		service.WithClock(n.Clock.Now),
	}, cfg.serviceOpts...)
	n.UploadService = service.New(serviceSigner, svc.Store, svc.Router, svc.Blobs, svc.Node, serviceOpts...)
	svc.Server = server.New(serviceSigner,
		server.WithHandlers(n.UploadService.Handlers()),
		server.WithValidator(v),
		server.WithLedger(svc.Store),
	)
	svc.Conn = transport.NewChannel(svc.Server)
	svc.Router.SetSelf(svc.Conn)
	serviceRef.h = svc.Server
	n.Service = svc

	t.Cleanup(n.Wait)
	return n
}

// Wait blocks until every node has finished its background transfers.
func (n *Network) Wait() {
	for _, node := range n.Nodes {
		node.Node.Wait()
	}
	n.Service.Node.Wait()
}

func (n *Network) newParty(t *testing.T, signer *principal.Signer, name string) *Party {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), name+".db"), store.WithClock(n.Clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	blobs := blobstore.New(srv.URL, []byte(name+"-secret"), blobstore.WithClock(n.Clock.Now))
	mux.Handle("/", blobs.Handler())

	return &Party{Signer: signer, Store: st, Blobs: blobs, HTTP: srv}
}

func (n *Network) newNode(t *testing.T, signer *principal.Signer, serviceDID principal.DID, serviceConn transport.Connection) *Party {
	t.Helper()
	ctx := context.Background()
	p := n.newParty(t, signer, fmt.Sprintf("node-%s", signer.DID()[len(signer.DID())-8:]))

	for _, did := range []principal.DID{serviceDID, n.Indexer.DID()} {
		require.NoError(t, p.Store.PutProvider(ctx, store.ProviderRecord{DID: did, Weight: 0}))
	}
	p.Router = router.New(signer, p.Store, nil,
		router.WithConnection(serviceDID, serviceConn),
		router.WithConnection(n.Indexer.DID(), n.Indexer.Conn),
	)
	p.Node = storagenode.New(signer, p.Store, p.Blobs, p.Router,
		storagenode.WithIndexer(n.Indexer.DID()),
		storagenode.WithUploadService(serviceDID),
		storagenode.WithLedger(p.Store),
	)
	p.Server = server.New(signer,
		server.WithHandlers(p.Node.Handlers()),
		server.WithValidator(n.validator(p.Store)),
		server.WithLedger(p.Store),
	)
	p.Conn = transport.NewChannel(p.Server)
	return p
}

func (n *Network) newRecorder(t *testing.T, seed byte) *Recorder {
	t.Helper()
	r := &Recorder{Signer: Signer(t, seed)}
	r.Server = server.New(r.Signer,
		server.WithHandler(capability.ClaimCache, r.record),
		server.WithHandler(capability.AssertIndex, r.record),
		server.WithValidator(validator.New(validator.WithClock(n.Clock.Now))),
	)
	r.Conn = transport.NewChannel(r.Server)
	return r
}

func (n *Network) validator(st *store.Store) *validator.Validator {
	return validator.New(
		validator.WithClock(n.Clock.Now),
		validator.WithRevocations(st),
	)
}

// grant is the delegation a node gives the service when it registers:
// every blob ability on the node's own resource.
func grant(t *testing.T, node *principal.Signer, audience principal.DID) []byte {
	t.Helper()
	c, err := ucan.NewCapability("blob/*", node.DID().String(), nil)
	require.NoError(t, err)
	d, err := ucan.Delegate(node, audience, []ucan.Capability{c})
	require.NoError(t, err)
	data, err := ucan.ArchiveDelegation(d)
	require.NoError(t, err)
	return data
}

// Execute sends inv over conn and returns its receipt.
func Execute(t *testing.T, conn transport.Connection, inv *ucan.Invocation) *ucan.Receipt {
	t.Helper()
	rcpt, err := transport.Receipt(context.Background(), conn, inv)
	require.NoError(t, err)
	return rcpt
}

// Invoke issues a single-capability invocation.
func Invoke(t *testing.T, issuer *principal.Signer, audience principal.DID, can, with string, nb any, opts ...ucan.Option) *ucan.Invocation {
	t.Helper()
	c, err := ucan.NewCapability(can, with, nb)
	require.NoError(t, err)
	inv, err := ucan.Invoke(issuer, audience, c, opts...)
	require.NoError(t, err)
	return inv
}

// Blob returns the blob descriptor of data.
func Blob(t testing.TB, data []byte) capability.Blob {
	t.Helper()
	digest, err := multihash.Sum(data, multihash.SHA2_256, -1)
	require.NoError(t, err)
	return capability.Blob{Digest: digest, Size: uint64(len(data))}
}

// Allocate invokes blob/allocate on the service for space.
func (n *Network) Allocate(t *testing.T, space principal.DID, blob capability.Blob) (*ucan.Invocation, capability.AllocateOk) {
	t.Helper()
	svc := n.Service.Signer
	inv := Invoke(t, svc, svc.DID(), capability.BlobAllocate, svc.DID().String(), capability.AllocateCaveats{
		Space: space,
		Blob:  blob,
	})
	rcpt := Execute(t, n.Service.Conn, inv)
	require.True(t, rcpt.IsOk(), "allocate failed: %v", rcpt.Out().Error)
	var ok capability.AllocateOk
	require.NoError(t, rcpt.DecodeOk(&ok))
	return inv, ok
}

// Put uploads data to an allocated address.
func Put(t *testing.T, addr *capability.Address, data []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPut, addr.URL, bytes.NewReader(data))
	require.NoError(t, err)
	for k, v := range addr.Headers {
		req.Header.Set(k, v)
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
}

// PutReceipt is the receipt agent issues for a successful http/put of
// blob to the address allocated by alloc.
func PutReceipt(t *testing.T, agent *principal.Signer, alloc *ucan.Invocation, blob capability.Blob) *ucan.Receipt {
	t.Helper()
	put := Invoke(t, agent, agent.DID(), capability.HTTPPut, agent.DID().String(), capability.HTTPPutCaveats{
		Body:    blob,
		URL:     ucan.Await{Selector: ".out.ok.address.url", Task: alloc.Link()},
		Headers: ucan.Await{Selector: ".out.ok.address.headers", Task: alloc.Link()},
	})
	out, err := ucan.OkOutcome(struct{}{})
	require.NoError(t, err)
	rcpt, err := ucan.Issue(agent, put, out, ucan.Effects{})
	require.NoError(t, err)
	return rcpt
}

// Conclude delivers rcpt to the service as issuer.
func (n *Network) Conclude(t *testing.T, issuer *principal.Signer, rcpt *ucan.Receipt) *ucan.Receipt {
	t.Helper()
	inv, err := capability.ConcludeInvocation(issuer, n.Service.DID(), rcpt)
	require.NoError(t, err)
	return Execute(t, n.Service.Conn, inv)
}

// Accept invokes blob/accept on the service and returns the location
// commitment it forks.
func (n *Network) Accept(t *testing.T, space principal.DID, blob capability.Blob) *ucan.Delegation {
	t.Helper()
	svc := n.Service.Signer
	inv := Invoke(t, svc, svc.DID(), capability.BlobAccept, svc.DID().String(), capability.AcceptCaveats{
		Space: space,
		Blob:  blob,
	})
	rcpt := Execute(t, n.Service.Conn, inv)
	require.True(t, rcpt.IsOk(), "accept failed: %v", rcpt.Out().Error)
	var ok capability.AcceptOk
	require.NoError(t, rcpt.DecodeOk(&ok))
	site, err := ucan.View(ok.Site, rcpt.Blocks())
	require.NoError(t, err)
	return site
}

// Upload stores data in space through the full allocate, put and conclude
// flow and returns the blob with the service's location commitment.
func (n *Network) Upload(t *testing.T, space *principal.Signer, data []byte) (capability.Blob, *ucan.Delegation) {
	t.Helper()
	blob := Blob(t, data)
	alloc, ok := n.Allocate(t, space.DID(), blob)
	if ok.Address != nil {
		Put(t, ok.Address, data)
	}
	rcpt := n.Conclude(t, space, PutReceipt(t, space, alloc, blob))
	require.True(t, rcpt.IsOk(), "conclude failed: %v", rcpt.Out().Error)
	return blob, n.Accept(t, space.DID(), blob)
}

// Replicate invokes space/blob/replicate as space.
func (n *Network) Replicate(t *testing.T, space *principal.Signer, blob capability.Blob, site *ucan.Delegation, replicas uint64) *ucan.Receipt {
	t.Helper()
	inv := Invoke(t, space, n.Service.DID(), capability.SpaceBlobReplicate, space.DID().String(), capability.ReplicateCaveats{
		Blob:     blob,
		Replicas: replicas,
		Site:     site.Link(),
	}, ucan.WithBlocks(site.Blocks().All()...))
	return Execute(t, n.Service.Conn, inv)
}

// Replicas lists the service's replica rows for blob in space.
func (n *Network) Replicas(t *testing.T, space principal.DID, blob capability.Blob) []store.Replica {
	t.Helper()
	rs, err := n.Service.Store.ListReplicas(context.Background(), space, blob.Digest)
	require.NoError(t, err)
	return rs
}

// Node returns the node with did.
func (n *Network) Node(did principal.DID) *Party {
	for _, node := range n.Nodes {
		if node.DID() == did {
			return node
		}
	}
	return nil
}
