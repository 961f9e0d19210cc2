package store

import (
	"context"
	"time"

	"github.com/multiformats/go-multihash"

	"github.com/roach88/blobcore/internal/principal"
	"github.com/roach88/blobcore/internal/ucan"
)

// ReplicaStatus is the state of a replica on one provider.
type ReplicaStatus string

const (
	ReplicaAllocated   ReplicaStatus = "allocated"
	ReplicaTransferred ReplicaStatus = "transferred"
	ReplicaFailed      ReplicaStatus = "failed"
)

// Active reports whether the replica counts towards the replica total.
func (s ReplicaStatus) Active() bool { return s != ReplicaFailed }

// Replica is a tracked copy of a blob on a provider. Cause is the
// blob/replica/allocate task that created it.
type Replica struct {
	Space     principal.DID
	Digest    multihash.Multihash
	Provider  principal.DID
	Status    ReplicaStatus
	Cause     ucan.Link
	UpdatedAt time.Time
}

// AddReplica inserts a replica row. It returns ReplicaExists when the
// provider already has a row for (space, digest).
func (s *Store) AddReplica(ctx context.Context, r Replica) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO replicas (space, digest, provider, status, cause, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(space, digest, provider) DO NOTHING
	`, r.Space.String(), r.Digest.B58String(), r.Provider.String(), string(r.Status), r.Cause.String(), s.now().Unix())
	if err != nil {
		return storageFailed("add replica", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageFailed("add replica", err)
	}
	if n == 0 {
		return ucan.NewFailure(NameReplicaExists, "Replica of %s in %s already exists on %s",
			r.Digest.B58String(), r.Space, r.Provider)
	}
	return nil
}

// SetReplicaStatus updates the status of an existing replica. Setting the
// status it already has succeeds.
func (s *Store) SetReplicaStatus(ctx context.Context, space principal.DID, digest multihash.Multihash, provider principal.DID, status ReplicaStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE replicas
		SET status = ?, updated_at = ?
		WHERE space = ? AND digest = ? AND provider = ?
	`, string(status), s.now().Unix(), space.String(), digest.B58String(), provider.String())
	if err != nil {
		return storageFailed("set replica status", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageFailed("set replica status", err)
	}
	if n == 0 {
		return replicaNotFound(space, digest, provider)
	}
	return nil
}

// RetryReplica moves a failed replica back to allocated under a new
// cause. Replicas that are not failed are left alone and reported as not
// found.
func (s *Store) RetryReplica(ctx context.Context, space principal.DID, digest multihash.Multihash, provider principal.DID, cause ucan.Link) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE replicas
		SET status = ?, cause = ?, updated_at = ?
		WHERE space = ? AND digest = ? AND provider = ? AND status = ?
	`, string(ReplicaAllocated), cause.String(), s.now().Unix(),
		space.String(), digest.B58String(), provider.String(), string(ReplicaFailed))
	if err != nil {
		return storageFailed("retry replica", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageFailed("retry replica", err)
	}
	if n == 0 {
		return replicaNotFound(space, digest, provider)
	}
	return nil
}

// ListReplicas returns every replica of (space, digest) in insertion order.
func (s *Store) ListReplicas(ctx context.Context, space principal.DID, digest multihash.Multihash) ([]Replica, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT provider, status, cause, updated_at
		FROM replicas
		WHERE space = ? AND digest = ?
		ORDER BY id ASC
	`, space.String(), digest.B58String())
	if err != nil {
		return nil, storageFailed("list replicas", err)
	}
	defer rows.Close()

	var replicas []Replica
	for rows.Next() {
		var (
			provider, status, cause string
			updatedAt               int64
		)
		if err := rows.Scan(&provider, &status, &cause, &updatedAt); err != nil {
			return nil, storageFailed("list replicas", err)
		}
		link, err := ucan.ParseLink(cause)
		if err != nil {
			return nil, storageFailed("list replicas", err)
		}
		replicas = append(replicas, Replica{
			Space:     space,
			Digest:    digest,
			Provider:  principal.DID(provider),
			Status:    ReplicaStatus(status),
			Cause:     link,
			UpdatedAt: time.Unix(updatedAt, 0),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, storageFailed("list replicas", err)
	}
	return replicas, nil
}

func replicaNotFound(space principal.DID, digest multihash.Multihash, provider principal.DID) *ucan.Failure {
	return ucan.NewFailure(NameReplicaNotFound, "Replica of %s in %s not found on %s", digest.B58String(), space, provider)
}
