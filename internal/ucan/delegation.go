package ucan

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/blobcore/internal/principal"
)

// Version is the token version written into every delegation.
const Version = "0.9.1"

type delegationModel struct {
	Version   string       `cbor:"v"`
	Issuer    string       `cbor:"iss"`
	Audience  string       `cbor:"aud"`
	Att       []Capability `cbor:"att"`
	Exp       *int64       `cbor:"exp"`
	Nbf       int64        `cbor:"nbf,omitempty"`
	Nonce     string       `cbor:"nnc,omitempty"`
	Facts     []RawMessage `cbor:"fct,omitempty"`
	Proofs    []Link       `cbor:"prf,omitempty"`
	Signature []byte       `cbor:"s,omitempty"`
}

// Delegation is a signed grant of capabilities from an issuer to an
// audience. It owns the blocks of its proofs and of anything attached to it.
type Delegation struct {
	root   Block
	model  delegationModel
	blocks Blocks
}

// Invocation is a delegation that exercises exactly one capability. The
// link of its root block is the task identifier.
type Invocation = Delegation

type options struct {
	exp    *int64
	nbf    int64
	nonce  string
	facts  []any
	proofs []*Delegation
	blocks []Block
}

// Option configures Delegate and Invoke.
type Option func(*options)

// WithExpiration sets the expiry time. Without it a delegation never
// expires.
func WithExpiration(t time.Time) Option {
	return func(o *options) {
		exp := t.Unix()
		o.exp = &exp
	}
}

// WithExpirationUnix sets the expiry time in Unix seconds.
func WithExpirationUnix(exp int64) Option {
	return func(o *options) { o.exp = &exp }
}

// WithNotBefore sets the time before which the delegation is not valid.
func WithNotBefore(t time.Time) Option {
	return func(o *options) { o.nbf = t.Unix() }
}

// WithNonce sets a nonce, making otherwise identical invocations distinct.
func WithNonce(nonce string) Option {
	return func(o *options) { o.nonce = nonce }
}

// WithFacts attaches facts. Each fact is encoded canonically.
func WithFacts(facts ...any) Option {
	return func(o *options) { o.facts = append(o.facts, facts...) }
}

// WithProofs links proof delegations and carries their blocks along.
func WithProofs(proofs ...*Delegation) Option {
	return func(o *options) { o.proofs = append(o.proofs, proofs...) }
}

// WithBlocks attaches extra blocks that the capability refers to.
func WithBlocks(blocks ...Block) Option {
	return func(o *options) { o.blocks = append(o.blocks, blocks...) }
}

// Delegate issues a signed delegation of caps to audience.
func Delegate(issuer *principal.Signer, audience principal.DID, caps []Capability, opts ...Option) (*Delegation, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	model := delegationModel{
		Version:  Version,
		Issuer:   issuer.DID().String(),
		Audience: audience.String(),
		Att:      caps,
		Exp:      o.exp,
		Nbf:      o.nbf,
		Nonce:    o.nonce,
	}
	for _, fact := range o.facts {
		raw, err := Marshal(fact)
		if err != nil {
			return nil, fmt.Errorf("encode fact: %w", err)
		}
		model.Facts = append(model.Facts, raw)
	}

	blocks := Blocks{}
	for _, p := range o.proofs {
		model.Proofs = append(model.Proofs, p.Link())
		blocks.Merge(p.blocks)
	}
	blocks.Put(o.blocks...)

	payload, err := Marshal(model)
	if err != nil {
		return nil, fmt.Errorf("encode delegation payload: %w", err)
	}
	model.Signature = issuer.Sign(payload)

	root, err := Encode(model)
	if err != nil {
		return nil, fmt.Errorf("encode delegation: %w", err)
	}
	blocks.Put(root)

	return &Delegation{root: root, model: model, blocks: blocks}, nil
}

// Invoke issues an invocation of a single capability.
func Invoke(issuer *principal.Signer, audience principal.DID, c Capability, opts ...Option) (*Invocation, error) {
	return Delegate(issuer, audience, []Capability{c}, opts...)
}

// View decodes the delegation rooted at root from blocks.
func View(root Link, blocks Blocks) (*Delegation, error) {
	blk, ok := blocks.Get(root)
	if !ok {
		return nil, fmt.Errorf("delegation block %s not found", root)
	}
	var model delegationModel
	if err := Unmarshal(blk.Bytes, &model); err != nil {
		return nil, fmt.Errorf("decode delegation %s: %w", root, err)
	}
	if model.Issuer == "" || model.Audience == "" {
		return nil, fmt.Errorf("decode delegation %s: missing issuer or audience", root)
	}
	return &Delegation{root: blk, model: model, blocks: blocks}, nil
}

// Link returns the content address of the delegation. For invocations
// this is the task identifier.
func (d *Delegation) Link() Link { return d.root.Link }

// Root returns the root block.
func (d *Delegation) Root() Block { return d.root }

// Issuer returns the DID that signed the delegation.
func (d *Delegation) Issuer() principal.DID { return principal.DID(d.model.Issuer) }

// Audience returns the DID the delegation is addressed to.
func (d *Delegation) Audience() principal.DID { return principal.DID(d.model.Audience) }

// Capabilities returns the delegated capabilities.
func (d *Delegation) Capabilities() []Capability { return d.model.Att }

// Capability returns the first capability. Callers that rely on there being
// exactly one should check len(Capabilities()) first.
func (d *Delegation) Capability() Capability {
	if len(d.model.Att) == 0 {
		return Capability{}
	}
	return d.model.Att[0]
}

// Expiration returns the expiry in Unix seconds, or nil for never.
func (d *Delegation) Expiration() *int64 {
	if d.model.Exp == nil {
		return nil
	}
	exp := *d.model.Exp
	return &exp
}

// NotBefore returns the not-before time in Unix seconds (0 when unset).
func (d *Delegation) NotBefore() int64 { return d.model.Nbf }

// Nonce returns the nonce.
func (d *Delegation) Nonce() string { return d.model.Nonce }

// Facts returns the encoded facts.
func (d *Delegation) Facts() []RawMessage { return d.model.Facts }

// Signature returns the issuer's signature.
func (d *Delegation) Signature() []byte { return d.model.Signature }

// ProofLinks returns the links of the proofs.
func (d *Delegation) ProofLinks() []Link { return d.model.Proofs }

// Proofs resolves every proof from the delegation's blocks.
func (d *Delegation) Proofs() ([]*Delegation, error) {
	proofs := make([]*Delegation, 0, len(d.model.Proofs))
	for _, l := range d.model.Proofs {
		p, err := View(l, d.blocks)
		if err != nil {
			return nil, err
		}
		proofs = append(proofs, p)
	}
	return proofs, nil
}

// Blocks returns every block the delegation owns, including its root.
func (d *Delegation) Blocks() Blocks { return d.blocks }

// Attach adds blocks to the delegation. It does not change its link.
func (d *Delegation) Attach(blocks ...Block) { d.blocks.Put(blocks...) }

// SigningPayload returns the bytes the signature covers.
func (d *Delegation) SigningPayload() ([]byte, error) {
	model := d.model
	model.Signature = nil
	return Marshal(model)
}

// VerifySignature checks the issuer's signature.
func (d *Delegation) VerifySignature(ctx context.Context, resolver principal.Resolver) error {
	payload, err := d.SigningPayload()
	if err != nil {
		return err
	}
	return principal.Verify(ctx, resolver, d.Issuer(), payload, d.model.Signature)
}

// IsExpired reports whether the delegation has expired at now.
func (d *Delegation) IsExpired(now time.Time) bool {
	return d.model.Exp != nil && *d.model.Exp < now.Unix()
}

// IsTooEarly reports whether the delegation is not yet valid at now.
func (d *Delegation) IsTooEarly(now time.Time) bool {
	return d.model.Nbf != 0 && d.model.Nbf > now.Unix()
}
