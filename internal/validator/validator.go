// Package validator decides whether an invocation's issuer is entitled to
// exercise the capability it invokes.
//
// Authority flows from the resource owner: a capability on resource R is
// valid when R itself issued it, or when the issuer holds a proof
// delegation covering the capability whose own issuer is (recursively)
// authorized. Every delegation in the chain must be in its validity window,
// correctly signed and not revoked.
package validator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/blobcore/internal/principal"
	"github.com/roach88/blobcore/internal/ucan"
)

// maxChainDepth bounds how far proof chains are followed.
const maxChainDepth = 16

// Failure names produced by the validator.
const (
	ErrNameExpired          = "Expired"
	ErrNameNotValidBefore   = "NotValidBefore"
	ErrNameInvalidSignature = "InvalidSignature"
	ErrNameRevoked          = "Revoked"
	ErrNameUnavailableProof = "UnavailableProof"
	ErrNameUnauthorized     = "Unauthorized"
	ErrNameUnresolvedDID    = "DIDKeyResolutionError"
)

// Revocations reports whether a delegation has been revoked.
type Revocations interface {
	Revoked(ctx context.Context, delegation ucan.Link) (bool, error)
}

// Validator checks proof chains.
type Validator struct {
	resolver    principal.Resolver
	revocations Revocations
	now         func() time.Time
}

// Option configures a Validator.
type Option func(*Validator)

// WithResolver sets the resolver used for non did:key principals.
func WithResolver(r principal.Resolver) Option {
	return func(v *Validator) { v.resolver = r }
}

// WithRevocations enables revocation checks.
func WithRevocations(r Revocations) Option {
	return func(v *Validator) { v.revocations = r }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(v *Validator) { v.now = now }
}

// New creates a validator.
func New(opts ...Option) *Validator {
	v := &Validator{now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Resolver returns the configured principal resolver (may be nil).
func (v *Validator) Resolver() principal.Resolver { return v.resolver }

// Access authorizes the invocation's issuer to exercise c.
func (v *Validator) Access(ctx context.Context, inv *ucan.Invocation, c ucan.Capability) error {
	if f := v.authorize(ctx, inv, c, 0); f != nil {
		return f
	}
	return nil
}

// Claim validates a stand-alone delegation: every capability it carries
// must be authorized for its issuer. It is used for claims received as
// data (location commitments, tasks a remote node delegated to itself).
func (v *Validator) Claim(ctx context.Context, d *ucan.Delegation) error {
	if len(d.Capabilities()) == 0 {
		return ucan.NewFailure(ErrNameUnauthorized, "delegation %s carries no capabilities", d.Link())
	}
	for _, c := range d.Capabilities() {
		if f := v.authorize(ctx, d, c, 0); f != nil {
			return f
		}
	}
	return nil
}

func (v *Validator) check(ctx context.Context, d *ucan.Delegation) *ucan.Failure {
	now := v.now()
	if d.IsExpired(now) {
		return ucan.NewFailure(ErrNameExpired, "Delegation %s has expired at %s", d.Link(), time.Unix(*d.Expiration(), 0).UTC().Format(time.RFC3339))
	}
	if d.IsTooEarly(now) {
		return ucan.NewFailure(ErrNameNotValidBefore, "Delegation %s is not valid before %s", d.Link(), time.Unix(d.NotBefore(), 0).UTC().Format(time.RFC3339))
	}
	if err := d.VerifySignature(ctx, v.resolver); err != nil {
		var resErr *principal.ResolutionError
		if errors.As(err, &resErr) {
			return ucan.NewFailure(ErrNameUnresolvedDID, "%s", err.Error()).With("did", resErr.DID.String())
		}
		return ucan.NewFailure(ErrNameInvalidSignature, "Signature of %s does not verify as issued by %s", d.Link(), d.Issuer())
	}
	return nil
}

func (v *Validator) revoked(ctx context.Context, d *ucan.Delegation) *ucan.Failure {
	if v.revocations == nil {
		return nil
	}
	revoked, err := v.revocations.Revoked(ctx, d.Link())
	if err != nil {
		return ucan.AsFailure(fmt.Errorf("check revocation of %s: %w", d.Link(), err))
	}
	if revoked {
		return ucan.NewFailure(ErrNameRevoked, "Proof %s has been revoked", d.Link())
	}
	return nil
}

func (v *Validator) authorize(ctx context.Context, d *ucan.Delegation, c ucan.Capability, depth int) *ucan.Failure {
	if f := v.check(ctx, d); f != nil {
		return f
	}
	if c.With == d.Issuer().String() {
		return nil
	}
	if depth >= maxChainDepth {
		return ucan.NewFailure(ErrNameUnauthorized, "Proof chain for %s exceeds %d delegations", c.Can, maxChainDepth)
	}

	var causes []*ucan.Failure
	for _, l := range d.ProofLinks() {
		if _, ok := d.Blocks().Get(l); !ok {
			causes = append(causes, ucan.NewFailure(ErrNameUnavailableProof, "Linked proof %s is not included", l))
			continue
		}
		p, err := ucan.View(l, d.Blocks())
		if err != nil {
			causes = append(causes, ucan.NewFailure(ErrNameUnavailableProof, "Proof %s could not be decoded: %v", l, err))
			continue
		}
		if p.Audience() != d.Issuer() {
			causes = append(causes, ucan.NewFailure(ErrNameUnauthorized, "Proof %s is addressed to %s, not %s", l, p.Audience(), d.Issuer()))
			continue
		}
		if !coversAny(p.Capabilities(), c) {
			continue
		}
		if f := v.revoked(ctx, p); f != nil {
			causes = append(causes, f)
			continue
		}
		f := v.authorize(ctx, p, c, depth+1)
		if f == nil {
			return nil
		}
		causes = append(causes, f)
	}

	unauthorized := ucan.NewFailure(ErrNameUnauthorized, "%s is not authorized to %s with %s", d.Issuer(), c.Can, c.With)
	if len(causes) > 0 {
		// Surface the most specific reason; the last cause comes from the
		// deepest proof that was tried.
		last := causes[len(causes)-1]
		if len(causes) == 1 && last.Name != ErrNameUnauthorized {
			return last
		}
		unauthorized.Cause = last
	}
	return unauthorized
}

func coversAny(granted []ucan.Capability, requested ucan.Capability) bool {
	for _, g := range granted {
		if Covers(g, requested) {
			return true
		}
	}
	return false
}

// Covers reports whether granted entitles its holder to requested: the
// ability must match exactly or through a wildcard, the resource must match
// or be ucan:*, and every caveat the grant imposes must hold with the same
// value in the request.
func Covers(granted, requested ucan.Capability) bool {
	if !abilityMatches(granted.Can, requested.Can) {
		return false
	}
	if granted.With != requested.With && granted.With != "ucan:*" {
		return false
	}
	gf, err := granted.NbFields()
	if err != nil {
		return false
	}
	rf, err := requested.NbFields()
	if err != nil {
		return false
	}
	for k, gv := range gf {
		rv, ok := rf[k]
		if !ok || !bytes.Equal(gv, rv) {
			return false
		}
	}
	return true
}

func abilityMatches(granted, requested string) bool {
	switch {
	case granted == "*" || granted == requested:
		return true
	case strings.HasSuffix(granted, "/*"):
		return strings.HasPrefix(requested, strings.TrimSuffix(granted, "*"))
	default:
		return false
	}
}
