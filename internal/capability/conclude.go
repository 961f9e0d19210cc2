package capability

import (
	"fmt"
	"strconv"

	"github.com/roach88/blobcore/internal/principal"
	"github.com/roach88/blobcore/internal/ucan"
)

// SiteSelector selects the location commitment from a transfer result.
const SiteSelector = ".out.ok.site"

// AwaitSite refers to the site produced by a transfer or accept task.
func AwaitSite(task ucan.Link) ucan.Await {
	return ucan.Await{Selector: SiteSelector, Task: task}
}

// Conclude returns the ucan/conclude capability on resource with that
// delivers rcpt, together with the invocation options carrying it: every
// block of the receipt is attached and listed in a fact so the receiver
// can view the receipt without another round trip.
func Conclude(with principal.DID, rcpt *ucan.Receipt) (ucan.Capability, []ucan.Option, error) {
	c, err := ucan.NewCapability(UCANConclude, with.String(), ConcludeCaveats{Receipt: rcpt.Link()})
	if err != nil {
		return ucan.Capability{}, nil, err
	}
	blocks := rcpt.Blocks().All()
	fact := make(map[string]ucan.Link, len(blocks))
	for i, b := range blocks {
		fact[strconv.Itoa(i)] = b.Link
	}
	return c, []ucan.Option{ucan.WithFacts(fact), ucan.WithBlocks(blocks...)}, nil
}

// ConcludeInvocation builds a ucan/conclude invocation from issuer to
// audience. It never expires, so concluding the same receipt twice is the
// same task.
func ConcludeInvocation(issuer *principal.Signer, audience principal.DID, rcpt *ucan.Receipt) (*ucan.Invocation, error) {
	c, opts, err := Conclude(issuer.DID(), rcpt)
	if err != nil {
		return nil, err
	}
	inv, err := ucan.Invoke(issuer, audience, c, opts...)
	if err != nil {
		return nil, fmt.Errorf("conclude %s: %w", rcpt.Link(), err)
	}
	return inv, nil
}

// ConcludedReceipt views the receipt a ucan/conclude invocation carries.
func ConcludedReceipt(inv *ucan.Invocation) (*ucan.Receipt, error) {
	nb, err := Decode[ConcludeCaveats](inv.Capability())
	if err != nil {
		return nil, err
	}
	return ucan.ViewReceipt(nb.Receipt, inv.Blocks())
}
