// Package principal implements the identities that sign and verify
// invocations, delegations and receipts.
//
// A principal is named by a DID. Two forms are understood:
//   - did:key:z... carries an ed25519 public key directly
//   - did:web:host names a service whose key is resolved through a Resolver
//
// Signatures are plain ed25519 over the canonical payload bytes. The rest of
// the system treats signing as a pluggable capability and only ever talks to
// the Signer and Verify entry points defined here.
package principal

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"

	"github.com/multiformats/go-multibase"
	"github.com/multiformats/go-varint"
)

// Multicodec codes used in key encodings.
const (
	ed25519PubCode  = 0xed
	ed25519PrivCode = 0x1300
)

const (
	keyPrefix = "did:key:"
	webPrefix = "did:web:"
)

// DID is a decentralized identifier string.
type DID string

// String returns the DID text.
func (d DID) String() string { return string(d) }

// IsKey reports whether the DID is a did:key.
func (d DID) IsKey() bool { return strings.HasPrefix(string(d), keyPrefix) }

// IsWeb reports whether the DID is a did:web.
func (d DID) IsWeb() bool { return strings.HasPrefix(string(d), webPrefix) }

// Parse validates the textual form of a DID.
func Parse(s string) (DID, error) {
	if !strings.HasPrefix(s, "did:") {
		return "", fmt.Errorf("invalid DID %q: missing did: prefix", s)
	}
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 || parts[1] == "" || parts[2] == "" {
		return "", fmt.Errorf("invalid DID %q: expected did:<method>:<id>", s)
	}
	d := DID(s)
	if d.IsKey() {
		if _, err := ParseDIDKey(d); err != nil {
			return "", err
		}
	}
	return d, nil
}

// FormatDIDKey returns the did:key for an ed25519 public key.
func FormatDIDKey(pub ed25519.PublicKey) DID {
	tagged := append(varint.ToUvarint(ed25519PubCode), pub...)
	s, err := multibase.Encode(multibase.Base58BTC, tagged)
	if err != nil {
		// Base58BTC is always a supported encoding.
		panic(err)
	}
	return DID(keyPrefix + s)
}

// ParseDIDKey extracts the ed25519 public key from a did:key.
func ParseDIDKey(d DID) (ed25519.PublicKey, error) {
	if !d.IsKey() {
		return nil, fmt.Errorf("not a did:key: %s", d)
	}
	enc, data, err := multibase.Decode(strings.TrimPrefix(string(d), keyPrefix))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", d, err)
	}
	if enc != multibase.Base58BTC {
		return nil, fmt.Errorf("decode %s: unexpected multibase encoding", d)
	}
	code, n, err := varint.FromUvarint(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", d, err)
	}
	if code != ed25519PubCode {
		return nil, fmt.Errorf("decode %s: unsupported key type 0x%x", d, code)
	}
	key := data[n:]
	if len(key) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("decode %s: invalid key length %d", d, len(key))
	}
	return ed25519.PublicKey(key), nil
}

// Signer signs payloads on behalf of a DID.
type Signer struct {
	key ed25519.PrivateKey
	did DID
}

// SignerOption configures a Signer.
type SignerOption func(*Signer)

// WithDID makes the signer present itself under a different DID (typically
// a did:web) while still signing with its ed25519 key.
func WithDID(d DID) SignerOption {
	return func(s *Signer) { s.did = d }
}

// Generate creates a signer with a fresh random key.
func Generate(opts ...SignerOption) (*Signer, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return FromSeed(seed, opts...)
}

// FromSeed creates a signer from a 32 byte ed25519 seed.
func FromSeed(seed []byte, opts ...SignerOption) (*Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid seed length %d", len(seed))
	}
	key := ed25519.NewKeyFromSeed(seed)
	s := &Signer{key: key, did: FormatDIDKey(key.Public().(ed25519.PublicKey))}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// ParseSigner decodes a signer from its text form (see Signer.Format).
func ParseSigner(text string, opts ...SignerOption) (*Signer, error) {
	_, data, err := multibase.Decode(text)
	if err != nil {
		return nil, fmt.Errorf("decode signer: %w", err)
	}
	code, n, err := varint.FromUvarint(data)
	if err != nil {
		return nil, fmt.Errorf("decode signer: %w", err)
	}
	if code != ed25519PrivCode {
		return nil, fmt.Errorf("decode signer: unsupported key type 0x%x", code)
	}
	return FromSeed(data[n:], opts...)
}

// Format encodes the signer's private key as multibase base64pad text.
func (s *Signer) Format() string {
	tagged := append(varint.ToUvarint(ed25519PrivCode), s.key.Seed()...)
	text, err := multibase.Encode(multibase.Base64pad, tagged)
	if err != nil {
		panic(err)
	}
	return text
}

// DID returns the identity the signer presents.
func (s *Signer) DID() DID { return s.did }

// DIDKey returns the did:key of the underlying key, regardless of WithDID.
func (s *Signer) DIDKey() DID {
	return FormatDIDKey(s.key.Public().(ed25519.PublicKey))
}

// Sign signs payload. ed25519 signatures are deterministic, so the same
// payload always yields the same signature.
func (s *Signer) Sign(payload []byte) []byte {
	return ed25519.Sign(s.key, payload)
}

// Resolver maps DIDs that do not embed a key to the did:key that signs for
// them.
type Resolver interface {
	ResolveDIDKey(ctx context.Context, d DID) (DID, error)
}

// StaticResolver resolves from a fixed table.
type StaticResolver map[DID]DID

// ResolveDIDKey implements Resolver.
func (r StaticResolver) ResolveDIDKey(_ context.Context, d DID) (DID, error) {
	if key, ok := r[d]; ok {
		return key, nil
	}
	return "", &ResolutionError{DID: d}
}

// ResolutionError reports a DID that could not be mapped to a key.
type ResolutionError struct {
	DID DID
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("unable to resolve %s to a did:key", e.DID)
}

// ErrInvalidSignature is returned by Verify when the signature does not
// match the payload.
var ErrInvalidSignature = errors.New("invalid signature")

// Verify checks that sig is a valid signature over payload by the key
// behind d. A nil resolver only admits did:key principals.
func Verify(ctx context.Context, resolver Resolver, d DID, payload, sig []byte) error {
	keyDID := d
	if !d.IsKey() {
		if resolver == nil {
			return &ResolutionError{DID: d}
		}
		resolved, err := resolver.ResolveDIDKey(ctx, d)
		if err != nil {
			return err
		}
		keyDID = resolved
	}
	pub, err := ParseDIDKey(keyDID)
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, payload, sig) {
		return ErrInvalidSignature
	}
	return nil
}
