// Package capability defines the abilities the blob service understands:
// their names, the typed caveats each one carries, and the shapes of their
// successful results. Caveat shapes are additionally constrained by CUE
// schemas (see schema.cue) which the execution engine checks before a
// handler runs.
package capability

import (
	"github.com/multiformats/go-multihash"

	"github.com/roach88/blobcore/internal/principal"
	"github.com/roach88/blobcore/internal/ucan"
)

// Abilities.
const (
	BlobAllocate        = "blob/allocate"
	BlobAccept          = "blob/accept"
	BlobReplicaAllocate = "blob/replica/allocate"
	BlobReplicaTransfer = "blob/replica/transfer"
	SpaceBlobReplicate  = "space/blob/replicate"
	SpaceIndexAdd       = "space/index/add"
	UCANConclude        = "ucan/conclude"
	HTTPPut             = "http/put"
	AssertLocation      = "assert/location"
	AssertIndex         = "assert/index"
	ClaimCache          = "claim/cache"
	LegacyBlobAllocate  = "web3.storage/blob/allocate"
	LegacyBlobAccept    = "web3.storage/blob/accept"
)

// Blob identifies content by multihash digest and byte size.
type Blob struct {
	Digest multihash.Multihash `cbor:"digest" json:"digest"`
	Size   uint64              `cbor:"size" json:"size"`
}

// AllocateCaveats are the caveats of blob/allocate and its legacy alias.
type AllocateCaveats struct {
	Space principal.DID `cbor:"space" json:"space"`
	Blob  Blob          `cbor:"blob" json:"blob"`
	Cause *ucan.Link    `cbor:"cause,omitempty" json:"cause,omitempty"`
}

// Address is where an allocated blob should be uploaded.
type Address struct {
	URL       string            `cbor:"url" json:"url"`
	Headers   map[string]string `cbor:"headers" json:"headers"`
	ExpiresAt string            `cbor:"expiresAt" json:"expiresAt"`
}

// AllocateOk is the result of blob/allocate. Size is zero when no upload
// is needed, in which case Address is absent.
type AllocateOk struct {
	Size    uint64   `cbor:"size" json:"size"`
	Address *Address `cbor:"address,omitempty" json:"address,omitempty"`
}

// AcceptCaveats are the caveats of blob/accept and its legacy alias.
type AcceptCaveats struct {
	Space principal.DID `cbor:"space" json:"space"`
	Blob  Blob          `cbor:"blob" json:"blob"`
	Put   *ucan.Await   `cbor:"_put,omitempty" json:"_put,omitempty"`
}

// AcceptOk is the result of blob/accept: a link to the location
// commitment.
type AcceptOk struct {
	Site ucan.Link `cbor:"site" json:"site"`
}

// ReplicaAllocateCaveats are the caveats of blob/replica/allocate. Site is
// the location commitment of the source copy and Cause the replicate task
// that asked for the replica.
type ReplicaAllocateCaveats struct {
	Space principal.DID `cbor:"space" json:"space"`
	Blob  Blob          `cbor:"blob" json:"blob"`
	Site  ucan.Link     `cbor:"site" json:"site"`
	Cause ucan.Link     `cbor:"cause" json:"cause"`
}

// ReplicaAllocateOk is the result of blob/replica/allocate. Site awaits the
// transfer task's result.
type ReplicaAllocateOk struct {
	Size uint64     `cbor:"size" json:"size"`
	Site ucan.Await `cbor:"site" json:"site"`
}

// ReplicaTransferCaveats are the caveats of blob/replica/transfer. Cause is
// the blob/replica/allocate task the transfer belongs to.
type ReplicaTransferCaveats struct {
	Space principal.DID `cbor:"space" json:"space"`
	Blob  Blob          `cbor:"blob" json:"blob"`
	Site  ucan.Link     `cbor:"site" json:"site"`
	Cause ucan.Link     `cbor:"cause" json:"cause"`
}

// ReplicaTransferOk is the result of blob/replica/transfer: the location
// commitment of the new copy.
type ReplicaTransferOk struct {
	Site ucan.Link `cbor:"site" json:"site"`
}

// ReplicateCaveats are the caveats of space/blob/replicate.
type ReplicateCaveats struct {
	Blob     Blob      `cbor:"blob" json:"blob"`
	Replicas uint64    `cbor:"replicas" json:"replicas"`
	Site     ucan.Link `cbor:"site" json:"site"`
}

// ReplicateOk is the result of space/blob/replicate: one await per
// replica transfer.
type ReplicateOk struct {
	Site []ucan.Await `cbor:"site" json:"site"`
}

// ConcludeCaveats are the caveats of ucan/conclude.
type ConcludeCaveats struct {
	Receipt ucan.Link `cbor:"receipt" json:"receipt"`
}

// ConcludeOk is the result of ucan/conclude.
type ConcludeOk struct {
	Time int64 `cbor:"time" json:"time"`
}

// IndexAddCaveats are the caveats of space/index/add.
type IndexAddCaveats struct {
	Index ucan.Link `cbor:"index" json:"index"`
}

// HTTPPutCaveats are the caveats of http/put: the body to upload and
// awaits on the allocation's address.
type HTTPPutCaveats struct {
	Body    Blob       `cbor:"body" json:"body"`
	URL     ucan.Await `cbor:"url" json:"url"`
	Headers ucan.Await `cbor:"headers" json:"headers"`
}

// ContentDigest names content by digest only.
type ContentDigest struct {
	Digest multihash.Multihash `cbor:"digest" json:"digest"`
}

// Range is a byte range within a blob.
type Range struct {
	Offset uint64 `cbor:"offset" json:"offset"`
	Length uint64 `cbor:"length" json:"length"`
}

// LocationCaveats are the caveats of an assert/location claim.
type LocationCaveats struct {
	Space    principal.DID `cbor:"space" json:"space"`
	Content  ContentDigest `cbor:"content" json:"content"`
	Location []string      `cbor:"location" json:"location"`
	Range    *Range        `cbor:"range,omitempty" json:"range,omitempty"`
}

// IndexClaimCaveats are the caveats of an assert/index claim.
type IndexClaimCaveats struct {
	Content ucan.Link `cbor:"content" json:"content"`
	Index   ucan.Link `cbor:"index" json:"index"`
}

// ProviderAddresses lists where a provider serves content.
type ProviderAddresses struct {
	Addresses []string `cbor:"addresses" json:"addresses"`
}

// CacheCaveats are the caveats of claim/cache: a claim to cache and the
// provider serving the content.
type CacheCaveats struct {
	Claim    ucan.Link         `cbor:"claim" json:"claim"`
	Provider ProviderAddresses `cbor:"provider" json:"provider"`
}
