package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/roach88/blobcore/internal/ucan"
)

// Revoke records a delegation as revoked. Revoking twice keeps the first
// record.
func (s *Store) Revoke(ctx context.Context, delegation ucan.Link, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revocations (delegation, reason, revoked_at)
		VALUES (?, ?, ?)
		ON CONFLICT(delegation) DO NOTHING
	`, delegation.String(), reason, s.now().Unix())
	if err != nil {
		return storageFailed("revoke", err)
	}
	return nil
}

// Revoked reports whether a delegation has been revoked.
func (s *Store) Revoked(ctx context.Context, delegation ucan.Link) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM revocations WHERE delegation = ?`, delegation.String()).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, storageFailed("check revocation", err)
	}
	return true, nil
}
