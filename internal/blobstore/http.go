package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/multiformats/go-multihash"
)

// Handler serves presigned uploads and downloads:
//
//	PUT /blob/{digest}?size=&expires=&sig=
//	GET /blob/{digest}
func (s *Store) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("PUT "+blobPrefix+"{digest}", s.servePut)
	mux.HandleFunc("GET "+blobPrefix+"{digest}", s.serveGet)
	return mux
}

func (s *Store) servePut(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("digest")
	digest, err := multihash.FromB58String(id)
	if err != nil {
		http.Error(w, "invalid digest", http.StatusBadRequest)
		return
	}
	size, err := s.checkSignature(id, r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	if r.ContentLength >= 0 && uint64(r.ContentLength) != size {
		http.Error(w, "content-length does not match allocation", http.StatusBadRequest)
		return
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, int64(size)+1))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	if uint64(len(data)) != size {
		http.Error(w, "body does not match allocation size", http.StatusBadRequest)
		return
	}
	if sum := r.Header.Get(ChecksumHeader); sum != "" {
		h := sha256.Sum256(data)
		if sum != base64.StdEncoding.EncodeToString(h[:]) {
			http.Error(w, "checksum mismatch", http.StatusBadRequest)
			return
		}
	}

	if err := s.Put(r.Context(), digest, data); err != nil {
		if errors.Is(err, ErrDigestMismatch) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		slog.Error("store blob failed", "digest", id, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	slog.Debug("blob stored", "digest", id, "size", size)
	w.WriteHeader(http.StatusOK)
}

func (s *Store) serveGet(w http.ResponseWriter, r *http.Request) {
	digest, err := multihash.FromB58String(r.PathValue("digest"))
	if err != nil {
		http.Error(w, "invalid digest", http.StatusBadRequest)
		return
	}
	data, err := s.Get(r.Context(), digest)
	if errors.Is(err, ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	_, _ = w.Write(data)
}

// Fetch downloads a blob of size bytes from url and checks it against
// digest. Reading stops one byte past size.
func Fetch(ctx context.Context, client *http.Client, url string, digest multihash.Multihash, size uint64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: %s", url, resp.Status)
	}
	if resp.ContentLength > 0 && uint64(resp.ContentLength) > size {
		return nil, fmt.Errorf("fetch %s: %d bytes, expected %d: %w", url, resp.ContentLength, size, ErrTooLarge)
	}
	limit := int64(math.MaxInt64)
	if size < math.MaxInt64 {
		limit = int64(size) + 1
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", url, err)
	}
	if uint64(len(data)) > size {
		return nil, fmt.Errorf("fetch %s: more than %d bytes: %w", url, size, ErrTooLarge)
	}
	if err := Verify(digest, data); err != nil {
		return nil, err
	}
	return data, nil
}
