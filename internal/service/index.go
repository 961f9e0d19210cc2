package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/roach88/blobcore/internal/blobindex"
	"github.com/roach88/blobcore/internal/blobstore"
	"github.com/roach88/blobcore/internal/capability"
	"github.com/roach88/blobcore/internal/principal"
	"github.com/roach88/blobcore/internal/server"
	"github.com/roach88/blobcore/internal/storagenode"
	"github.com/roach88/blobcore/internal/store"
	"github.com/roach88/blobcore/internal/transport"
	"github.com/roach88/blobcore/internal/ucan"
)

// legacyProviderSuffix marks storage providers whose spaces still publish
// index claims to the claims service.
const legacyProviderSuffix = "web3.storage"

// indexAdd handles space/index/add. The index and every shard it names
// must already be stored in the space; only then is the index claim
// published.
func (s *Service) indexAdd(ctx context.Context, inv *ucan.Invocation) (server.Result, error) {
	nb, err := capability.Decode[capability.IndexAddCaveats](inv.Capability())
	if err != nil {
		return server.Result{}, err
	}
	space := principal.DID(inv.Capability().With)
	digest := nb.Index.Cid.Hash()

	if _, err := s.store.Find(ctx, space, digest); err != nil {
		if errors.Is(err, store.ErrEntryNotFound) {
			return server.Result{}, ucan.NewFailure(NameIndexNotFound, "Index %s not found in %s", nb.Index, space).
				With("digest", digest.B58String())
		}
		return server.Result{}, err
	}

	data, err := s.blobs.Get(ctx, digest)
	if errors.Is(err, blobstore.ErrNotFound) {
		return server.Result{}, ucan.NewFailure(NameIndexNotFound, "Index %s bytes are not stored", nb.Index).
			With("digest", digest.B58String())
	}
	if err != nil {
		return server.Result{}, err
	}

	idx, err := blobindex.Extract(data)
	if err != nil {
		return server.Result{}, err
	}
	if err := s.checkShards(ctx, space, idx); err != nil {
		return server.Result{}, err
	}

	if err := s.publishIndex(ctx, space, idx.Content, nb.Index); err != nil {
		return server.Result{}, err
	}
	slog.Info("index published", "space", space, "content", idx.Content.String(), "index", nb.Index.String(), "shards", len(idx.Shards))
	return server.Ok(struct{}{}), nil
}

// checkShards verifies every shard is stored in the space and every slice
// lies within its shard.
func (s *Service) checkShards(ctx context.Context, space principal.DID, idx blobindex.ShardedIndex) error {
	for _, shard := range idx.Shards {
		entry, err := s.store.Find(ctx, space, shard.Digest)
		if errors.Is(err, store.ErrEntryNotFound) {
			return ucan.NewFailure(NameShardNotFound, "Shard %s not found in %s", shard.Digest.B58String(), space).
				With("digest", shard.Digest.B58String())
		}
		if err != nil {
			return err
		}
		for _, sl := range shard.Slices {
			if sl.Length > entry.Size || sl.Offset > entry.Size-sl.Length {
				return ucan.NewFailure(NameSliceNotFound, "Slice %s not found in shard %s",
					sl.Digest.B58String(), shard.Digest.B58String()).
					With("digest", sl.Digest.B58String()).
					With("offset", sl.Offset).
					With("length", sl.Length)
			}
		}
	}
	return nil
}

// publishIndex sends an assert/index claim to whoever serves the space's
// content queries.
func (s *Service) publishIndex(ctx context.Context, space principal.DID, content, index ucan.Link) error {
	target, err := s.indexTarget(ctx, space)
	if err != nil {
		return err
	}
	if target == "" {
		return ucan.NewFailure(storagenode.NamePublishFailure, "no indexing service configured")
	}

	c, err := ucan.NewCapability(capability.AssertIndex, s.signer.DID().String(), capability.IndexClaimCaveats{
		Content: content,
		Index:   index,
	})
	if err != nil {
		return err
	}
	claim, conn, err := s.router.ConfigureInvocation(ctx, target, c)
	if err != nil {
		return err
	}
	rcpt, err := transport.Receipt(ctx, conn, claim)
	if err != nil {
		return ucan.NewFailure(storagenode.NamePublishFailure, "failed to publish index claim to %s", target).WithCause(err)
	}
	if !rcpt.IsOk() {
		return rcpt.Out().Error
	}
	return nil
}

func (s *Service) indexTarget(ctx context.Context, space principal.DID) (principal.DID, error) {
	providers, err := s.store.SpaceProviders(ctx, space)
	if err != nil {
		return "", err
	}
	for _, p := range providers {
		if strings.HasSuffix(p.String(), legacyProviderSuffix) {
			return s.claims, nil
		}
	}
	return s.indexer, nil
}
