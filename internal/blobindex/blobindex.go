// Package blobindex reads and writes sharded DAG indexes: CAR files that
// map the slices of a DAG's shards to byte ranges within each shard.
package blobindex

import (
	"bytes"
	"fmt"

	"github.com/multiformats/go-multihash"

	"github.com/roach88/blobcore/internal/ucan"
)

// Version tags the index root block.
const Version = "index/sharded/dag@0.1"

// Slice is a byte range of a shard holding one block.
type Slice struct {
	Digest multihash.Multihash
	Offset uint64
	Length uint64
}

// Shard lists the slices found in one shard blob.
type Shard struct {
	Digest multihash.Multihash
	Slices []Slice
}

// ShardedIndex describes where the blocks of a content DAG live.
type ShardedIndex struct {
	Content ucan.Link
	Shards  []Shard
}

type rootModel struct {
	Content ucan.Link   `cbor:"content"`
	Shards  []ucan.Link `cbor:"shards"`
}

type positionModel struct {
	_      struct{} `cbor:",toarray"`
	Offset uint64
	Length uint64
}

type sliceModel struct {
	_        struct{} `cbor:",toarray"`
	Digest   []byte
	Position positionModel
}

type shardModel struct {
	_      struct{} `cbor:",toarray"`
	Digest []byte
	Slices []sliceModel
}

// Encode writes the index as a CAR.
func Encode(idx ShardedIndex) ([]byte, error) {
	blocks := ucan.Blocks{}
	root := rootModel{Content: idx.Content, Shards: make([]ucan.Link, 0, len(idx.Shards))}
	for _, s := range idx.Shards {
		m := shardModel{Digest: s.Digest, Slices: make([]sliceModel, 0, len(s.Slices))}
		for _, sl := range s.Slices {
			m.Slices = append(m.Slices, sliceModel{
				Digest:   sl.Digest,
				Position: positionModel{Offset: sl.Offset, Length: sl.Length},
			})
		}
		blk, err := ucan.Encode(m)
		if err != nil {
			return nil, fmt.Errorf("encode shard: %w", err)
		}
		blocks.Put(blk)
		root.Shards = append(root.Shards, blk.Link)
	}

	rootBlock, err := ucan.Encode(map[string]rootModel{Version: root})
	if err != nil {
		return nil, fmt.Errorf("encode index: %w", err)
	}
	blocks.Put(rootBlock)

	var buf bytes.Buffer
	if err := ucan.WriteCAR(&buf, rootBlock.Link, blocks); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Extract parses an index CAR.
func Extract(data []byte) (ShardedIndex, error) {
	rootLink, blocks, err := ucan.ReadCAR(bytes.NewReader(data))
	if err != nil {
		return ShardedIndex{}, err
	}
	rootBlock, ok := blocks.Get(rootLink)
	if !ok {
		return ShardedIndex{}, fmt.Errorf("missing root block %s", rootLink)
	}

	var wrapper map[string]rootModel
	if err := ucan.Unmarshal(rootBlock.Bytes, &wrapper); err != nil {
		return ShardedIndex{}, fmt.Errorf("decode index root: %w", err)
	}
	root, ok := wrapper[Version]
	if !ok || len(wrapper) != 1 {
		return ShardedIndex{}, fmt.Errorf("unknown index version, expected %s", Version)
	}

	idx := ShardedIndex{Content: root.Content}
	for _, l := range root.Shards {
		blk, ok := blocks.Get(l)
		if !ok {
			return ShardedIndex{}, fmt.Errorf("missing shard block %s", l)
		}
		var m shardModel
		if err := ucan.Unmarshal(blk.Bytes, &m); err != nil {
			return ShardedIndex{}, fmt.Errorf("decode shard %s: %w", l, err)
		}
		shard, err := shardFromModel(m)
		if err != nil {
			return ShardedIndex{}, fmt.Errorf("decode shard %s: %w", l, err)
		}
		idx.Shards = append(idx.Shards, shard)
	}
	return idx, nil
}

func shardFromModel(m shardModel) (Shard, error) {
	digest, err := multihash.Cast(m.Digest)
	if err != nil {
		return Shard{}, fmt.Errorf("shard digest: %w", err)
	}
	s := Shard{Digest: digest}
	for _, sl := range m.Slices {
		d, err := multihash.Cast(sl.Digest)
		if err != nil {
			return Shard{}, fmt.Errorf("slice digest: %w", err)
		}
		s.Slices = append(s.Slices, Slice{Digest: d, Offset: sl.Position.Offset, Length: sl.Position.Length})
	}
	return s, nil
}
