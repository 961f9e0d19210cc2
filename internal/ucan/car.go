package ucan

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	car "github.com/ipld/go-car"
	carutil "github.com/ipld/go-car/util"
)

// ContentType is the media type of CAR encoded messages.
const ContentType = "application/vnd.ipld.car"

// WriteCAR writes blocks as a CARv1 with a single root. The root block is
// written first and the rest follow in link order, so equal inputs produce
// equal bytes.
func WriteCAR(w io.Writer, root Link, set Blocks) error {
	h := &car.CarHeader{Roots: []cid.Cid{root.Cid}, Version: 1}
	if err := car.WriteHeader(h, w); err != nil {
		return fmt.Errorf("write car header: %w", err)
	}
	if blk, ok := set.Get(root); ok {
		if err := carutil.LdWrite(w, blk.Link.Bytes(), blk.Bytes); err != nil {
			return fmt.Errorf("write car block: %w", err)
		}
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		if k != root.KeyString() {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		blk := set[k]
		if err := carutil.LdWrite(w, blk.Link.Bytes(), blk.Bytes); err != nil {
			return fmt.Errorf("write car block: %w", err)
		}
	}
	return nil
}

// ReadCAR reads a single-root CARv1. Block hashes are verified by the
// reader.
func ReadCAR(r io.Reader) (Link, Blocks, error) {
	cr, err := car.NewCarReader(r)
	if err != nil {
		return Link{}, nil, fmt.Errorf("read car header: %w", err)
	}
	if len(cr.Header.Roots) != 1 {
		return Link{}, nil, fmt.Errorf("read car: expected 1 root, got %d", len(cr.Header.Roots))
	}
	set := Blocks{}
	for {
		blk, err := cr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Link{}, nil, fmt.Errorf("read car block: %w", err)
		}
		set.Put(fromBlock(blk))
	}
	return NewLink(cr.Header.Roots[0]), set, nil
}

func fromBlock(b blocks.Block) Block {
	return Block{Link: NewLink(b.Cid()), Bytes: b.RawData()}
}

// EncodeMessage encodes a message as a CAR.
func EncodeMessage(m *Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteCAR(&buf, m.Link(), m.Blocks()); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeMessage decodes a CAR encoded message.
func DecodeMessage(data []byte) (*Message, error) {
	root, set, err := ReadCAR(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return ViewMessage(root, set)
}

// ArchiveDelegation encodes a delegation and its proofs as a CAR rooted
// at the delegation.
func ArchiveDelegation(d *Delegation) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteCAR(&buf, d.Link(), d.Blocks()); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ExtractDelegation decodes a CAR produced by ArchiveDelegation.
func ExtractDelegation(data []byte) (*Delegation, error) {
	root, set, err := ReadCAR(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return View(root, set)
}
