package ucan

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/roach88/blobcore/internal/principal"
)

// AwaitKey is the map key that marks an await reference.
const AwaitKey = "ucan/await"

// Await refers to a field of another task's output that is not yet known.
// It encodes as {"ucan/await": [selector, task]}.
type Await struct {
	Selector string
	Task     Link
}

// AwaitOk refers to the whole ok branch of task's result.
func AwaitOk(task Link) Await { return Await{Selector: ".out.ok", Task: task} }

// MarshalCBOR implements cbor.Marshaler.
func (a Await) MarshalCBOR() ([]byte, error) {
	return encMode.Marshal(map[string][]any{AwaitKey: {a.Selector, a.Task}})
}

// UnmarshalCBOR implements cbor.Unmarshaler.
func (a *Await) UnmarshalCBOR(data []byte) error {
	var m map[string][]RawMessage
	if err := decMode.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("decode await: %w", err)
	}
	pair, ok := m[AwaitKey]
	if !ok || len(pair) != 2 {
		return fmt.Errorf("decode await: expected %q with selector and task", AwaitKey)
	}
	if err := decMode.Unmarshal(pair[0], &a.Selector); err != nil {
		return fmt.Errorf("decode await selector: %w", err)
	}
	if err := a.Task.UnmarshalCBOR(pair[1]); err != nil {
		return err
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (a Await) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string][]any{AwaitKey: {a.Selector, a.Task}})
}

// Effects are the follow-up invocations attached to a receipt. Fork tasks
// run independently; Join is the task whose outcome the result awaits.
type Effects struct {
	Fork []*Invocation
	Join *Invocation
}

// Outcome is the result of running a task: exactly one of Ok or Error is
// set.
type Outcome struct {
	Ok    RawMessage
	Error *Failure
}

// OkOutcome encodes v as a successful outcome. A nil value becomes the
// empty map.
func OkOutcome(v any) (Outcome, error) {
	if v == nil {
		v = struct{}{}
	}
	raw, err := Marshal(v)
	if err != nil {
		return Outcome{}, fmt.Errorf("encode result: %w", err)
	}
	return Outcome{Ok: raw}, nil
}

// ErrorOutcome wraps a failure as an outcome.
func ErrorOutcome(f *Failure) Outcome { return Outcome{Error: f} }

type outModel struct {
	Ok    RawMessage `cbor:"ok,omitempty"`
	Error *Failure   `cbor:"error,omitempty"`
}

type fxModel struct {
	Fork []Link `cbor:"fork"`
	Join *Link  `cbor:"join,omitempty"`
}

type receiptModel struct {
	Ran       Link     `cbor:"ran"`
	Out       outModel `cbor:"out"`
	Fx        fxModel  `cbor:"fx"`
	Issuer    string   `cbor:"iss,omitempty"`
	Proofs    []Link   `cbor:"prf,omitempty"`
	Signature []byte   `cbor:"s,omitempty"`
}

// Receipt is a signed statement of a task's outcome. It references the task
// by link and carries the blocks of the task and of every effect, so it can
// be stored and transported on its own.
type Receipt struct {
	root   Block
	model  receiptModel
	blocks Blocks
}

// ReceiptOption configures Issue.
type ReceiptOption func(*receiptOptions)

type receiptOptions struct {
	proofs  []*Delegation
	implied bool
}

// WithImpliedIssuer leaves the issuer out of the receipt. Verifiers then
// take the signer to be whoever executed the task.
func WithImpliedIssuer() ReceiptOption {
	return func(o *receiptOptions) { o.implied = true }
}

// WithReceiptProofs attaches delegations proving the issuer's authority to
// speak for the executor.
func WithReceiptProofs(proofs ...*Delegation) ReceiptOption {
	return func(o *receiptOptions) { o.proofs = append(o.proofs, proofs...) }
}

// Issue signs a receipt for ran.
func Issue(issuer *principal.Signer, ran *Invocation, out Outcome, fx Effects, opts ...ReceiptOption) (*Receipt, error) {
	o := &receiptOptions{}
	for _, opt := range opts {
		opt(o)
	}
	if (out.Ok == nil) == (out.Error == nil) {
		return nil, fmt.Errorf("issue receipt for %s: outcome must be either ok or error", ran.Link())
	}

	blocks := Blocks{}
	blocks.Merge(ran.Blocks())

	model := receiptModel{
		Ran:    ran.Link(),
		Out:    outModel{Ok: out.Ok, Error: out.Error},
		Fx:     fxModel{Fork: []Link{}},
		Issuer: issuer.DID().String(),
	}
	if o.implied {
		model.Issuer = ""
	}
	for _, f := range fx.Fork {
		model.Fx.Fork = append(model.Fx.Fork, f.Link())
		blocks.Merge(f.Blocks())
	}
	if fx.Join != nil {
		join := fx.Join.Link()
		model.Fx.Join = &join
		blocks.Merge(fx.Join.Blocks())
	}
	for _, p := range o.proofs {
		model.Proofs = append(model.Proofs, p.Link())
		blocks.Merge(p.Blocks())
	}

	payload, err := Marshal(model)
	if err != nil {
		return nil, fmt.Errorf("encode receipt payload: %w", err)
	}
	model.Signature = issuer.Sign(payload)

	root, err := Encode(model)
	if err != nil {
		return nil, fmt.Errorf("encode receipt: %w", err)
	}
	blocks.Put(root)
	return &Receipt{root: root, model: model, blocks: blocks}, nil
}

// ViewReceipt decodes the receipt rooted at root from blocks.
func ViewReceipt(root Link, blocks Blocks) (*Receipt, error) {
	blk, ok := blocks.Get(root)
	if !ok {
		return nil, fmt.Errorf("receipt block %s not found", root)
	}
	var model receiptModel
	if err := Unmarshal(blk.Bytes, &model); err != nil {
		return nil, fmt.Errorf("decode receipt %s: %w", root, err)
	}
	if (model.Out.Ok == nil) == (model.Out.Error == nil) {
		return nil, fmt.Errorf("decode receipt %s: outcome must be either ok or error", root)
	}
	return &Receipt{root: blk, model: model, blocks: blocks}, nil
}

// Link returns the content address of the receipt.
func (r *Receipt) Link() Link { return r.root.Link }

// Root returns the root block.
func (r *Receipt) Root() Block { return r.root }

// Ran returns the task identifier the receipt is for.
func (r *Receipt) Ran() Link { return r.model.Ran }

// Task returns the invocation the receipt is for when its blocks are
// carried by the receipt.
func (r *Receipt) Task() (*Invocation, bool) {
	if _, ok := r.blocks.Get(r.model.Ran); !ok {
		return nil, false
	}
	inv, err := View(r.model.Ran, r.blocks)
	if err != nil {
		return nil, false
	}
	return inv, true
}

// Out returns the outcome.
func (r *Receipt) Out() Outcome {
	return Outcome{Ok: r.model.Out.Ok, Error: r.model.Out.Error}
}

// IsOk reports whether the task succeeded.
func (r *Receipt) IsOk() bool { return r.model.Out.Error == nil }

// DecodeOk decodes the ok branch into v. It fails if the task failed.
func (r *Receipt) DecodeOk(v any) error {
	if r.model.Out.Error != nil {
		return fmt.Errorf("receipt %s: task failed: %w", r.Link(), r.model.Out.Error)
	}
	return Unmarshal(r.model.Out.Ok, v)
}

// Fork returns the links of forked tasks.
func (r *Receipt) Fork() []Link { return r.model.Fx.Fork }

// Join returns the link of the joined task, if any.
func (r *Receipt) Join() *Link { return r.model.Fx.Join }

// ForkInvocations resolves the forked tasks whose blocks the receipt
// carries. Forks that are not delegations (or are missing) are skipped.
func (r *Receipt) ForkInvocations() []*Invocation {
	var out []*Invocation
	for _, l := range r.model.Fx.Fork {
		if _, ok := r.blocks.Get(l); !ok {
			continue
		}
		inv, err := View(l, r.blocks)
		if err != nil {
			continue
		}
		out = append(out, inv)
	}
	return out
}

// Issuer returns the DID that signed the receipt. It is empty when the
// receipt leaves the signer implied by the task's audience.
func (r *Receipt) Issuer() principal.DID { return principal.DID(r.model.Issuer) }

// Signature returns the issuer's signature.
func (r *Receipt) Signature() []byte { return r.model.Signature }

// Blocks returns every block the receipt owns, including its root.
func (r *Receipt) Blocks() Blocks { return r.blocks }

// SigningPayload returns the bytes the signature covers.
func (r *Receipt) SigningPayload() ([]byte, error) {
	model := r.model
	model.Signature = nil
	if model.Fx.Fork == nil {
		model.Fx.Fork = []Link{}
	}
	return Marshal(model)
}

// VerifySignature checks that the receipt was signed by signer. A receipt
// naming an issuer must name signer.
func (r *Receipt) VerifySignature(ctx context.Context, resolver principal.Resolver, signer principal.DID) error {
	if iss := r.Issuer(); iss != "" && iss != signer {
		return fmt.Errorf("receipt issued by %s, expected %s: %w", r.Issuer(), signer, principal.ErrInvalidSignature)
	}
	payload, err := r.SigningPayload()
	if err != nil {
		return err
	}
	return principal.Verify(ctx, resolver, signer, payload, r.model.Signature)
}
