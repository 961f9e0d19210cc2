// Package blobstore keeps blob bytes keyed by multihash and serves them
// over HTTP. Uploads go through presigned PUT URLs that pin the digest,
// size and expiry; downloads are plain GETs so location commitments stay
// valid.
package blobstore

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	"github.com/multiformats/go-multihash"

	"github.com/roach88/blobcore/internal/capability"
)

// ErrNotFound is returned when no bytes are stored for a digest.
var ErrNotFound = errors.New("blob not found")

// ErrDigestMismatch is returned by Put when bytes do not hash to the
// digest they are stored under.
var ErrDigestMismatch = errors.New("blob bytes do not match digest")

// ErrTooLarge is returned by Fetch when the source sends more bytes than
// the blob has.
var ErrTooLarge = errors.New("blob larger than expected")

const (
	ChecksumHeader = "x-amz-checksum-sha256"
	blobPrefix     = "/blob/"
)

// Store holds blob bytes in a datastore.
type Store struct {
	ds      datastore.Datastore
	baseURL string
	secret  []byte
	now     func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithDatastore replaces the in-memory datastore.
func WithDatastore(ds datastore.Datastore) Option {
	return func(s *Store) { s.ds = ds }
}

// WithClock sets the time source used for URL expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a store whose URLs are rooted at baseURL and signed with
// secret.
func New(baseURL string, secret []byte, opts ...Option) *Store {
	s := &Store{
		ds:      dssync.MutexWrap(datastore.NewMapDatastore()),
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func key(digest multihash.Multihash) datastore.Key {
	return datastore.NewKey(digest.B58String())
}

// Has reports whether bytes are stored for digest.
func (s *Store) Has(ctx context.Context, digest multihash.Multihash) (bool, error) {
	ok, err := s.ds.Has(ctx, key(digest))
	if err != nil {
		return false, fmt.Errorf("has blob %s: %w", digest.B58String(), err)
	}
	return ok, nil
}

// Get returns the bytes stored for digest.
func (s *Store) Get(ctx context.Context, digest multihash.Multihash) ([]byte, error) {
	data, err := s.ds.Get(ctx, key(digest))
	if errors.Is(err, datastore.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get blob %s: %w", digest.B58String(), err)
	}
	return data, nil
}

// Size returns the byte size of a stored blob.
func (s *Store) Size(ctx context.Context, digest multihash.Multihash) (int, error) {
	n, err := s.ds.GetSize(ctx, key(digest))
	if errors.Is(err, datastore.ErrNotFound) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("size of blob %s: %w", digest.B58String(), err)
	}
	return n, nil
}

// Put stores data under digest after checking that it hashes to it.
func (s *Store) Put(ctx context.Context, digest multihash.Multihash, data []byte) error {
	if err := Verify(digest, data); err != nil {
		return err
	}
	if err := s.ds.Put(ctx, key(digest), data); err != nil {
		return fmt.Errorf("put blob %s: %w", digest.B58String(), err)
	}
	return nil
}

// Verify checks that data hashes to digest.
func Verify(digest multihash.Multihash, data []byte) error {
	decoded, err := multihash.Decode(digest)
	if err != nil {
		return fmt.Errorf("decode digest: %w", err)
	}
	sum, err := multihash.Sum(data, decoded.Code, decoded.Length)
	if err != nil {
		return fmt.Errorf("hash blob: %w", err)
	}
	if !bytes.Equal(sum, digest) {
		return ErrDigestMismatch
	}
	return nil
}

// UploadURL returns a presigned address for uploading size bytes of
// digest, valid for ttl.
func (s *Store) UploadURL(digest multihash.Multihash, size uint64, ttl time.Duration) (capability.Address, error) {
	decoded, err := multihash.Decode(digest)
	if err != nil {
		return capability.Address{}, fmt.Errorf("decode digest: %w", err)
	}

	expires := s.now().Add(ttl)
	id := digest.B58String()
	q := url.Values{}
	q.Set("size", strconv.FormatUint(size, 10))
	q.Set("expires", strconv.FormatInt(expires.Unix(), 10))
	q.Set("sig", s.sign(id, size, expires.Unix()))

	headers := map[string]string{
		"content-length": strconv.FormatUint(size, 10),
	}
	if decoded.Code == multihash.SHA2_256 {
		headers[ChecksumHeader] = base64.StdEncoding.EncodeToString(decoded.Digest)
	}

	return capability.Address{
		URL:       s.baseURL + blobPrefix + id + "?" + q.Encode(),
		Headers:   headers,
		ExpiresAt: expires.UTC().Format(time.RFC3339),
	}, nil
}

// DownloadURL returns where the blob is served.
func (s *Store) DownloadURL(digest multihash.Multihash) string {
	return s.baseURL + blobPrefix + digest.B58String()
}

func (s *Store) sign(id string, size uint64, expires int64) string {
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "PUT\n%s\n%d\n%d", id, size, expires)
	return hex.EncodeToString(mac.Sum(nil))
}

// checkSignature validates the query of a presigned upload URL.
func (s *Store) checkSignature(id string, q url.Values) (uint64, error) {
	size, err := strconv.ParseUint(q.Get("size"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size: %w", err)
	}
	expires, err := strconv.ParseInt(q.Get("expires"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid expiry: %w", err)
	}
	want := s.sign(id, size, expires)
	if !hmac.Equal([]byte(want), []byte(q.Get("sig"))) {
		return 0, errors.New("invalid signature")
	}
	if s.now().Unix() > expires {
		return 0, errors.New("upload URL expired")
	}
	return size, nil
}
