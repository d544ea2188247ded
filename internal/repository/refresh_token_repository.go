package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/iliyamo/genchat/internal/retry"
)

// RefreshTokenRepo persists/validates refresh tokens (single 'token_hash' column).
type RefreshTokenRepo struct {
	DB    *sql.DB
	Retry retry.Policy
}

func NewRefreshTokenRepo(db *sql.DB, p retry.Policy) *RefreshTokenRepo {
	return &RefreshTokenRepo{DB: db, Retry: p}
}

// StoreRefresh inserts a refresh token hash row.
func (r *RefreshTokenRepo) StoreRefresh(ctx context.Context, username, tokenHash string, exp time.Time) error {
	return run(ctx, r.Retry, func(ctx context.Context) error {
		_, err := r.DB.ExecContext(ctx,
			"INSERT INTO refresh_tokens (username, token_hash, expires_at) VALUES (?,?,?)",
			username, tokenHash, exp)
		return err
	})
}

// ValidateRefresh returns the owner if a non-revoked, non-expired token exists.
func (r *RefreshTokenRepo) ValidateRefresh(ctx context.Context, tokenHash string) (string, error) {
	var (
		username  string
		expiresAt time.Time
		revokedAt sql.NullTime
	)
	err := run(ctx, r.Retry, func(ctx context.Context) error {
		return notFound(r.DB.QueryRowContext(ctx,
			"SELECT username, expires_at, revoked_at FROM refresh_tokens WHERE token_hash=? LIMIT 1",
			tokenHash).Scan(&username, &expiresAt, &revokedAt))
	})
	if err != nil {
		return "", err
	}
	if revokedAt.Valid || time.Now().UTC().After(expiresAt) {
		return "", ErrNotFound
	}
	return username, nil
}

// RevokeByHash marks a token as revoked.
func (r *RefreshTokenRepo) RevokeByHash(ctx context.Context, tokenHash string) error {
	return run(ctx, r.Retry, func(ctx context.Context) error {
		_, err := r.DB.ExecContext(ctx,
			"UPDATE refresh_tokens SET revoked_at=? WHERE token_hash=? AND revoked_at IS NULL",
			time.Now().UTC(), tokenHash)
		return err
	})
}

// RevokeAllForUser revokes all user's active tokens.
func (r *RefreshTokenRepo) RevokeAllForUser(ctx context.Context, username string) error {
	return run(ctx, r.Retry, func(ctx context.Context) error {
		_, err := r.DB.ExecContext(ctx,
			"UPDATE refresh_tokens SET revoked_at=? WHERE username=? AND revoked_at IS NULL",
			time.Now().UTC(), username)
		return err
	})
}
