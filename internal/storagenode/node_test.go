package storagenode_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/blobcore/internal/capability"
	"github.com/roach88/blobcore/internal/storagenode"
	"github.com/roach88/blobcore/internal/testutil"
	"github.com/roach88/blobcore/internal/transport"
	"github.com/roach88/blobcore/internal/ucan"
)

func errorName(t *testing.T, r *ucan.Receipt) string {
	t.Helper()
	require.False(t, r.IsOk(), "expected an error receipt")
	return r.Out().Error.Name
}

// replicaAllocate sends blob/replica/allocate from the service to node
// the way replication does, proven by the node's registration grant.
func replicaAllocate(t *testing.T, n *testutil.Network, node *testutil.Party, nb capability.ReplicaAllocateCaveats, opts ...ucan.Option) (*ucan.Invocation, *ucan.Receipt) {
	t.Helper()
	c, err := ucan.NewCapability(capability.BlobReplicaAllocate, node.DID().String(), nb)
	require.NoError(t, err)
	inv, conn, err := n.Service.Router.ConfigureInvocation(context.Background(), node.DID(), c, opts...)
	require.NoError(t, err)
	rcpt, err := transport.Receipt(context.Background(), conn, inv)
	require.NoError(t, err)
	return inv, rcpt
}

func TestAllocate_AlreadyRegistered(t *testing.T) {
	n := testutil.NewNetwork(t, testutil.WithNodes(0))
	space := testutil.Signer(t, testutil.AgentSeed)

	blob, _ := n.Upload(t, space, []byte("registered"))
	_, ok := n.Allocate(t, space.DID(), blob)

	assert.Zero(t, ok.Size)
	assert.Nil(t, ok.Address)
}

func TestAllocate_HeldForAnotherSpace(t *testing.T) {
	n := testutil.NewNetwork(t, testutil.WithNodes(0))
	space := testutil.Signer(t, testutil.AgentSeed)
	other := testutil.Signer(t, testutil.AgentSeed+1)

	blob, _ := n.Upload(t, space, []byte("shared bytes"))
	_, ok := n.Allocate(t, other.DID(), blob)

	assert.Zero(t, ok.Size, "bytes already held need no upload")
}

func TestAllocate_Address(t *testing.T) {
	n := testutil.NewNetwork(t, testutil.WithNodes(0))
	space := testutil.Signer(t, testutil.AgentSeed)
	blob := testutil.Blob(t, []byte("fresh"))

	_, ok := n.Allocate(t, space.DID(), blob)

	require.NotNil(t, ok.Address)
	assert.Equal(t, blob.Size, ok.Size)
	assert.Contains(t, ok.Address.URL, n.Service.HTTP.URL)
	assert.Equal(t, testutil.Epoch.Add(storagenode.AllocationTTL).Format(time.RFC3339), ok.Address.ExpiresAt)
}

func TestAccept_PublishesLocationClaim(t *testing.T) {
	n := testutil.NewNetwork(t, testutil.WithNodes(0))
	space := testutil.Signer(t, testutil.AgentSeed)

	_, site := n.Upload(t, space, []byte("publish me"))

	var found bool
	for _, inv := range n.Indexer.Invocations(capability.ClaimCache) {
		nb, err := capability.Decode[capability.CacheCaveats](inv.Capability())
		require.NoError(t, err)
		if nb.Claim.Equals(site.Link()) {
			found = true
			assert.Equal(t, n.Service.DID().String(), inv.Capability().With)
			_, ok := inv.Blocks().Get(site.Link())
			assert.True(t, ok, "claim blocks travel with the invocation")
		}
	}
	assert.True(t, found, "indexer did not receive the location claim")
}

func TestReplicaAllocate_Held(t *testing.T) {
	ctx := context.Background()
	n := testutil.NewNetwork(t, testutil.WithNodes(1))
	node := n.Nodes[0]
	space := testutil.Signer(t, testutil.AgentSeed)
	data := []byte("already here")

	blob, site := n.Upload(t, space, data)
	require.NoError(t, node.Blobs.Put(ctx, blob.Digest, data))

	alloc, rcpt := replicaAllocate(t, n, node, capability.ReplicaAllocateCaveats{
		Space: space.DID(),
		Blob:  blob,
		Site:  site.Link(),
		Cause: ucan.LinkFor([]byte("replicate task")),
	}, ucan.WithBlocks(site.Blocks().All()...))
	require.True(t, rcpt.IsOk(), "allocate failed: %v", rcpt.Out().Error)

	var ok capability.ReplicaAllocateOk
	require.NoError(t, rcpt.DecodeOk(&ok))
	assert.Zero(t, ok.Size)
	assert.Equal(t, capability.SiteSelector, ok.Site.Selector)

	forks := rcpt.ForkInvocations()
	require.Len(t, forks, 2)
	transfer, conclude := forks[0], forks[1]
	assert.Equal(t, capability.BlobReplicaTransfer, transfer.Capability().Can)
	assert.True(t, ok.Site.Task.Equals(transfer.Link()))
	assert.Equal(t, capability.UCANConclude, conclude.Capability().Can)
	assert.Equal(t, n.Service.DID(), conclude.Audience())

	tnb, err := capability.Decode[capability.ReplicaTransferCaveats](transfer.Capability())
	require.NoError(t, err)
	assert.True(t, tnb.Cause.Equals(alloc.Link()))
	assert.Equal(t, node.DID().String(), transfer.Capability().With)

	transferRcpt, err := capability.ConcludedReceipt(conclude)
	require.NoError(t, err)
	assert.True(t, transferRcpt.IsOk())
	assert.True(t, transferRcpt.Ran().Equals(transfer.Link()))
	assert.Equal(t, node.DID(), transferRcpt.Issuer())

	_, err = node.Store.Find(ctx, space.DID(), blob.Digest)
	assert.NoError(t, err)
}

func TestReplicaAllocate_Background(t *testing.T) {
	ctx := context.Background()
	n := testutil.NewNetwork(t, testutil.WithNodes(1))
	node := n.Nodes[0]
	space := testutil.Signer(t, testutil.AgentSeed)
	data := []byte("fetch me later")

	blob, site := n.Upload(t, space, data)
	_, rcpt := replicaAllocate(t, n, node, capability.ReplicaAllocateCaveats{
		Space: space.DID(),
		Blob:  blob,
		Site:  site.Link(),
		Cause: ucan.LinkFor([]byte("replicate task")),
	}, ucan.WithBlocks(site.Blocks().All()...))
	require.True(t, rcpt.IsOk(), "allocate failed: %v", rcpt.Out().Error)

	var ok capability.ReplicaAllocateOk
	require.NoError(t, rcpt.DecodeOk(&ok))
	assert.Equal(t, blob.Size, ok.Size)
	require.Len(t, rcpt.ForkInvocations(), 1)

	node.Node.Wait()

	got, err := node.Blobs.Get(ctx, blob.Digest)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	// The node recorded its own receipt and concluded it to the service.
	nodeRcpt, err := node.Store.GetReceipt(ctx, ok.Site.Task)
	require.NoError(t, err)
	assert.True(t, nodeRcpt.IsOk())
	serviceRcpt, err := n.Service.Store.GetReceipt(ctx, ok.Site.Task)
	require.NoError(t, err)
	assert.True(t, serviceRcpt.Link().Equals(nodeRcpt.Link()))
}

func TestReplicaAllocate_MissingSite(t *testing.T) {
	n := testutil.NewNetwork(t, testutil.WithNodes(1))
	node := n.Nodes[0]
	space := testutil.Signer(t, testutil.AgentSeed)

	blob, site := n.Upload(t, space, []byte("no site attached"))
	_, rcpt := replicaAllocate(t, n, node, capability.ReplicaAllocateCaveats{
		Space: space.DID(),
		Blob:  blob,
		Site:  site.Link(),
		Cause: ucan.LinkFor([]byte("replicate task")),
	})

	assert.Equal(t, storagenode.NameMissingLocationCommitment, errorName(t, rcpt))
}

func TestReplicaAllocate_FetchFailure(t *testing.T) {
	ctx := context.Background()
	n := testutil.NewNetwork(t, testutil.WithNodes(1))
	node := n.Nodes[0]
	space := testutil.Signer(t, testutil.AgentSeed)
	blob := testutil.Blob(t, []byte("nobody has this"))

	c, err := ucan.NewCapability(capability.AssertLocation, n.Service.DID().String(), capability.LocationCaveats{
		Space:    space.DID(),
		Content:  capability.ContentDigest{Digest: blob.Digest},
		Location: []string{n.Service.Blobs.DownloadURL(blob.Digest)},
	})
	require.NoError(t, err)
	site, err := ucan.Delegate(n.Service.Signer, space.DID(), []ucan.Capability{c})
	require.NoError(t, err)

	_, rcpt := replicaAllocate(t, n, node, capability.ReplicaAllocateCaveats{
		Space: space.DID(),
		Blob:  blob,
		Site:  site.Link(),
		Cause: ucan.LinkFor([]byte("replicate task")),
	}, ucan.WithBlocks(site.Blocks().All()...))
	require.True(t, rcpt.IsOk())
	var ok capability.ReplicaAllocateOk
	require.NoError(t, rcpt.DecodeOk(&ok))

	node.Node.Wait()

	failed, err := node.Store.GetReceipt(ctx, ok.Site.Task)
	require.NoError(t, err)
	require.False(t, failed.IsOk())
	assert.Equal(t, storagenode.NameTransferFailure, failed.Out().Error.Name)
}

func TestTransfer_Held(t *testing.T) {
	ctx := context.Background()
	n := testutil.NewNetwork(t, testutil.WithNodes(1))
	node := n.Nodes[0]
	space := testutil.Signer(t, testutil.AgentSeed)
	data := []byte("transfer in place")
	blob := testutil.Blob(t, data)
	require.NoError(t, node.Blobs.Put(ctx, blob.Digest, data))

	inv := testutil.Invoke(t, node.Signer, node.DID(), capability.BlobReplicaTransfer, node.DID().String(), capability.ReplicaTransferCaveats{
		Space: space.DID(),
		Blob:  blob,
		Site:  ucan.LinkFor([]byte("site")),
		Cause: ucan.LinkFor([]byte("allocation")),
	})
	rcpt := testutil.Execute(t, node.Conn, inv)
	require.True(t, rcpt.IsOk(), "transfer failed: %v", rcpt.Out().Error)

	var ok capability.ReplicaTransferOk
	require.NoError(t, rcpt.DecodeOk(&ok))
	forks := rcpt.ForkInvocations()
	require.Len(t, forks, 1)
	assert.True(t, forks[0].Link().Equals(ok.Site))
	assert.Equal(t, capability.AssertLocation, forks[0].Capability().Can)
}

func TestNewBlobSizeLimitExceeded(t *testing.T) {
	f := storagenode.NewBlobSizeLimitExceeded(10, 5)

	assert.ErrorIs(t, f, storagenode.ErrBlobSizeOutsideOfSupportedRange)
	assert.Equal(t, "Blob of 10 bytes, exceeds size limit of 5 bytes", f.Message)
	assert.Equal(t, uint64(10), f.Fields["size"])
	assert.Equal(t, uint64(5), f.Fields["max"])
}
