package service

import (
	"context"

	"github.com/roach88/blobcore/internal/server"
	"github.com/roach88/blobcore/internal/ucan"
)

// legacyAllocate serves web3.storage/blob/allocate. The old clients
// invoke it on the service itself; the result has the blob/allocate shape.
func (s *Service) legacyAllocate(ctx context.Context, inv *ucan.Invocation) (server.Result, error) {
	if err := s.checkLegacy(inv); err != nil {
		return server.Result{}, err
	}
	return s.node.Allocate(ctx, inv)
}

func (s *Service) checkLegacy(inv *ucan.Invocation) error {
	c := inv.Capability()
	if c.With != s.signer.DID().String() {
		return ucan.NewFailure(NameUnsupported, "%s is only supported on %s", c.Can, s.signer.DID()).
			With("with", c.With)
	}
	return nil
}
