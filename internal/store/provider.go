package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/roach88/blobcore/internal/principal"
	"github.com/roach88/blobcore/internal/ucan"
)

// NameProviderNotFound is returned by Provider for unknown DIDs.
const NameProviderNotFound = "ProviderNotFound"

// ErrProviderNotFound matches NameProviderNotFound failures.
var ErrProviderNotFound = &ucan.Failure{Name: NameProviderNotFound}

// ProviderRecord is a storage provider the router may select. Proof is the
// CAR encoded delegation from the provider to the service.
type ProviderRecord struct {
	DID      principal.DID
	Endpoint string
	Proof    []byte
	Weight   int
}

// PutProvider inserts or replaces a provider record.
func (s *Store) PutProvider(ctx context.Context, p ProviderRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO providers (did, endpoint, proof, weight)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(did) DO UPDATE SET
			endpoint = excluded.endpoint,
			proof = excluded.proof,
			weight = excluded.weight
	`, p.DID.String(), p.Endpoint, p.Proof, p.Weight)
	if err != nil {
		return storageFailed("put provider", err)
	}
	return nil
}

// Provider returns the record for did.
func (s *Store) Provider(ctx context.Context, did principal.DID) (ProviderRecord, error) {
	var p ProviderRecord
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT did, endpoint, proof, weight FROM providers WHERE did = ?
	`, did.String()).Scan(&id, &p.Endpoint, &p.Proof, &p.Weight)
	if errors.Is(err, sql.ErrNoRows) {
		return ProviderRecord{}, ucan.NewFailure(NameProviderNotFound, "provider %s not found", did)
	}
	if err != nil {
		return ProviderRecord{}, storageFailed("get provider", err)
	}
	p.DID = principal.DID(id)
	return p, nil
}

// Providers lists every provider ordered by DID.
func (s *Store) Providers(ctx context.Context) ([]ProviderRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT did, endpoint, proof, weight FROM providers ORDER BY did ASC
	`)
	if err != nil {
		return nil, storageFailed("list providers", err)
	}
	defer rows.Close()

	var out []ProviderRecord
	for rows.Next() {
		var p ProviderRecord
		var id string
		if err := rows.Scan(&id, &p.Endpoint, &p.Proof, &p.Weight); err != nil {
			return nil, storageFailed("list providers", err)
		}
		p.DID = principal.DID(id)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storageFailed("list providers", err)
	}
	return out, nil
}
