package store

import (
	"context"

	"github.com/roach88/blobcore/internal/principal"
)

// AddProvision records that space is provisioned with a storage provider.
func (s *Store) AddProvision(ctx context.Context, space, provider principal.DID) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO provisions (space, provider)
		VALUES (?, ?)
		ON CONFLICT(space, provider) DO NOTHING
	`, space.String(), provider.String())
	if err != nil {
		return storageFailed("add provision", err)
	}
	return nil
}

// SpaceProviders lists the storage providers of a space.
func (s *Store) SpaceProviders(ctx context.Context, space principal.DID) ([]principal.DID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT provider FROM provisions WHERE space = ? ORDER BY provider ASC
	`, space.String())
	if err != nil {
		return nil, storageFailed("list provisions", err)
	}
	defer rows.Close()

	var out []principal.DID
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, storageFailed("list provisions", err)
		}
		out = append(out, principal.DID(p))
	}
	if err := rows.Err(); err != nil {
		return nil, storageFailed("list provisions", err)
	}
	return out, nil
}
