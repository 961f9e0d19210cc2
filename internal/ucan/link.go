package ucan

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// linkTag is the CBOR tag DAG-CBOR uses for content links.
const linkTag = 42

// Link is a content address. It wraps a CID so that it encodes as a
// DAG-CBOR link inside blocks.
type Link struct {
	cid.Cid
}

// NewLink wraps an existing CID.
func NewLink(c cid.Cid) Link { return Link{Cid: c} }

// ParseLink parses the string form of a CID.
func ParseLink(s string) (Link, error) {
	c, err := cid.Decode(s)
	if err != nil {
		return Link{}, fmt.Errorf("parse link %q: %w", s, err)
	}
	return Link{Cid: c}, nil
}

// LinkFor returns the dag-cbor sha2-256 link for block bytes.
func LinkFor(data []byte) Link {
	return linkWithCodec(cid.DagCBOR, data)
}

// RawLinkFor returns the raw-codec link for arbitrary bytes, which is how
// blobs are addressed.
func RawLinkFor(data []byte) Link {
	return linkWithCodec(cid.Raw, data)
}

func linkWithCodec(codec uint64, data []byte) Link {
	mh, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		// sha2-256 is always registered.
		panic(err)
	}
	return Link{Cid: cid.NewCidV1(codec, mh)}
}

// Equals reports whether two links address the same content.
func (l Link) Equals(o Link) bool { return l.Cid.Equals(o.Cid) }

// IsZero reports whether the link is unset.
func (l Link) IsZero() bool { return !l.Cid.Defined() }

// MarshalCBOR encodes the link as tag 42 over the identity-multibase
// prefixed CID bytes.
func (l Link) MarshalCBOR() ([]byte, error) {
	if !l.Cid.Defined() {
		return nil, fmt.Errorf("cannot encode undefined link")
	}
	content := append([]byte{0}, l.Cid.Bytes()...)
	return encMode.Marshal(cbor.Tag{Number: linkTag, Content: content})
}

// UnmarshalCBOR decodes a tag 42 link.
func (l *Link) UnmarshalCBOR(data []byte) error {
	var tag cbor.RawTag
	if err := decMode.Unmarshal(data, &tag); err != nil {
		return fmt.Errorf("decode link: %w", err)
	}
	if tag.Number != linkTag {
		return fmt.Errorf("decode link: unexpected tag %d", tag.Number)
	}
	var content []byte
	if err := decMode.Unmarshal(tag.Content, &content); err != nil {
		return fmt.Errorf("decode link: %w", err)
	}
	if len(content) < 1 || content[0] != 0 {
		return fmt.Errorf("decode link: missing multibase prefix")
	}
	c, err := cid.Cast(content[1:])
	if err != nil {
		return fmt.Errorf("decode link: %w", err)
	}
	l.Cid = c
	return nil
}

// MarshalJSON renders the link in the DAG-JSON form {"/": "bafy..."}.
func (l Link) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{"/": l.Cid.String()})
}

// UnmarshalJSON parses the DAG-JSON form.
func (l *Link) UnmarshalJSON(data []byte) error {
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	parsed, err := ParseLink(m["/"])
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// Block is an encoded record together with its link.
type Block struct {
	Link  Link
	Bytes []byte
}

// Encode encodes v canonically and returns the resulting block.
func Encode(v any) (Block, error) {
	data, err := Marshal(v)
	if err != nil {
		return Block{}, err
	}
	return Block{Link: LinkFor(data), Bytes: data}, nil
}

// Blocks is a set of blocks keyed by link.
type Blocks map[string]Block

// Put adds blocks to the set.
func (b Blocks) Put(blocks ...Block) {
	for _, blk := range blocks {
		b[blk.Link.KeyString()] = blk
	}
}

// Get looks up a block by link.
func (b Blocks) Get(l Link) (Block, bool) {
	blk, ok := b[l.KeyString()]
	return blk, ok
}

// Merge copies every block of o into b.
func (b Blocks) Merge(o Blocks) {
	for k, blk := range o {
		b[k] = blk
	}
}

// All returns the blocks ordered by key.
func (b Blocks) All() []Block {
	keys := make([]string, 0, len(b))
	for k := range b {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Block, 0, len(keys))
	for _, k := range keys {
		out = append(out, b[k])
	}
	return out
}
