package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/multiformats/go-multihash"

	"github.com/roach88/blobcore/internal/principal"
	"github.com/roach88/blobcore/internal/ucan"
)

// Entry records that a blob is stored in a space, and which task caused
// it.
type Entry struct {
	Space      principal.DID
	Digest     multihash.Multihash
	Size       uint64
	Cause      ucan.Link
	InsertedAt time.Time
}

// Find returns the registry entry for (space, digest).
func (s *Store) Find(ctx context.Context, space principal.DID, digest multihash.Multihash) (Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT space, digest, size, cause, inserted_at
		FROM registry
		WHERE space = ? AND digest = ?
	`, space.String(), digest.B58String())

	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ucan.NewFailure(NameEntryNotFound, "Blob %s not found in %s", digest.B58String(), space).
			With("space", space.String())
	}
	if err != nil {
		return Entry{}, storageFailed("find registry entry", err)
	}
	return e, nil
}

// Register inserts an entry. It returns EntryExists when (space, digest)
// is already registered; the stored entry is left unchanged.
func (s *Store) Register(ctx context.Context, e Entry) error {
	insertedAt := e.InsertedAt
	if insertedAt.IsZero() {
		insertedAt = s.now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO registry (space, digest, size, cause, inserted_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(space, digest) DO NOTHING
	`, e.Space.String(), e.Digest.B58String(), e.Size, e.Cause.String(), insertedAt.Unix())
	if err != nil {
		return storageFailed("register", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageFailed("register", err)
	}
	if n == 0 {
		return ucan.NewFailure(NameEntryExists, "Blob %s already registered in %s", e.Digest.B58String(), e.Space)
	}
	return nil
}

// Entries lists the blobs registered in a space, oldest first.
func (s *Store) Entries(ctx context.Context, space principal.DID) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT space, digest, size, cause, inserted_at
		FROM registry
		WHERE space = ?
		ORDER BY inserted_at ASC, digest ASC
	`, space.String())
	if err != nil {
		return nil, storageFailed("list registry", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, storageFailed("list registry", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageFailed("list registry", err)
	}
	return entries, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (Entry, error) {
	var (
		space, digest, cause string
		size                 uint64
		insertedAt           int64
	)
	if err := row.Scan(&space, &digest, &size, &cause, &insertedAt); err != nil {
		return Entry{}, err
	}
	mh, err := multihash.FromB58String(digest)
	if err != nil {
		return Entry{}, fmt.Errorf("decode digest %q: %w", digest, err)
	}
	link, err := ucan.ParseLink(cause)
	if err != nil {
		return Entry{}, err
	}
	return Entry{
		Space:      principal.DID(space),
		Digest:     mh,
		Size:       size,
		Cause:      link,
		InsertedAt: time.Unix(insertedAt, 0),
	}, nil
}
