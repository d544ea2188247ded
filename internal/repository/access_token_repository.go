package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/iliyamo/genchat/internal/model"
	"github.com/iliyamo/genchat/internal/retry"
)

const accessTokenColumns = "token,total_generations,remaining_generations,used,has_time_limit,expires_at,created_at,created_by,activated_at,activated_by"

// existsBatch bounds the IN list of Existing.
const existsBatch = 500

// AccessTokenRepo persists generation-budget tokens ('access_tokens').
// Counter changes are conditional UPDATEs so concurrent callers never
// need an application lock.
type AccessTokenRepo struct {
	DB    *sql.DB
	Retry retry.Policy
}

func NewAccessTokenRepo(db *sql.DB, p retry.Policy) *AccessTokenRepo {
	return &AccessTokenRepo{DB: db, Retry: p}
}

func scanAccessToken(s rowScanner) (model.AccessToken, error) {
	var (
		t           model.AccessToken
		expires     sql.NullTime
		activated   sql.NullTime
		activatedBy sql.NullString
	)
	err := s.Scan(&t.Token, &t.TotalGenerations, &t.RemainingGenerations, &t.Used, &t.HasTimeLimit,
		&expires, &t.CreatedAt, &t.CreatedBy, &activated, &activatedBy)
	if err != nil {
		return model.AccessToken{}, err
	}
	if expires.Valid {
		v := expires.Time
		t.ExpiresAt = &v
	}
	if activated.Valid {
		v := activated.Time
		t.ActivatedAt = &v
	}
	t.ActivatedBy = activatedBy.String
	return t, nil
}

// Create inserts a new token.
func (r *AccessTokenRepo) Create(ctx context.Context, t model.AccessToken) error {
	var expires sql.NullTime
	if t.ExpiresAt != nil {
		expires = sql.NullTime{Time: *t.ExpiresAt, Valid: true}
	}
	return run(ctx, r.Retry, func(ctx context.Context) error {
		_, err := r.DB.ExecContext(ctx,
			`INSERT INTO access_tokens (token, total_generations, remaining_generations, used, has_time_limit, expires_at, created_at, created_by)
			 VALUES (?,?,?,?,?,?,?,?)`,
			t.Token, t.TotalGenerations, t.RemainingGenerations, t.Used, t.HasTimeLimit, expires, t.CreatedAt, t.CreatedBy)
		if isDuplicate(err) {
			return ErrTokenExists
		}
		return err
	})
}

// Get fetches a token by value.
func (r *AccessTokenRepo) Get(ctx context.Context, token string) (model.AccessToken, error) {
	var t model.AccessToken
	err := run(ctx, r.Retry, func(ctx context.Context) error {
		var err error
		t, err = scanAccessToken(r.DB.QueryRowContext(ctx,
			"SELECT "+accessTokenColumns+" FROM access_tokens WHERE token=? LIMIT 1", token))
		return notFound(err)
	})
	return t, err
}

// List returns every token, newest first.
func (r *AccessTokenRepo) List(ctx context.Context) ([]model.AccessToken, error) {
	var out []model.AccessToken
	err := run(ctx, r.Retry, func(ctx context.Context) error {
		out = out[:0]
		rows, err := r.DB.QueryContext(ctx, "SELECT "+accessTokenColumns+" FROM access_tokens ORDER BY created_at DESC, token")
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			t, err := scanAccessToken(rows)
			if err != nil {
				return err
			}
			out = append(out, t)
		}
		return rows.Err()
	})
	return out, err
}

// MarkUsed sets the used flag only if it is still clear.  ok is false when
// another caller got there first or the token is gone.
func (r *AccessTokenRepo) MarkUsed(ctx context.Context, token, username string, at time.Time) (ok bool, err error) {
	err = run(ctx, r.Retry, func(ctx context.Context) error {
		res, err := r.DB.ExecContext(ctx,
			"UPDATE access_tokens SET used=TRUE, activated_at=?, activated_by=? WHERE token=? AND used=FALSE",
			at, username, token)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		ok = n > 0
		return err
	})
	return ok, err
}

// Decrement subtracts amount from the remaining budget, clamped at zero, only
// while the budget is positive.  applied is false when the budget was
// already zero; remaining is the value after the update.
func (r *AccessTokenRepo) Decrement(ctx context.Context, token string, amount int) (remaining int, applied bool, err error) {
	err = inTx(ctx, r.DB, r.Retry, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"UPDATE access_tokens SET remaining_generations=GREATEST(remaining_generations-?,0) WHERE token=? AND remaining_generations>0",
			amount, token)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		applied = n > 0
		return notFound(tx.QueryRowContext(ctx,
			"SELECT remaining_generations FROM access_tokens WHERE token=?", token).Scan(&remaining))
	})
	return remaining, applied, err
}

// Delete removes a token.  deleted is false when it did not exist.
func (r *AccessTokenRepo) Delete(ctx context.Context, token string) (deleted bool, err error) {
	err = run(ctx, r.Retry, func(ctx context.Context) error {
		res, err := r.DB.ExecContext(ctx, "DELETE FROM access_tokens WHERE token=?", token)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		deleted = n > 0
		return err
	})
	return deleted, err
}

// DeleteDead removes exhausted tokens and time-limited tokens past expiry at
// now, returning the values deleted for each reason.
func (r *AccessTokenRepo) DeleteDead(ctx context.Context, now time.Time) (exhausted, expired []string, err error) {
	err = inTx(ctx, r.DB, r.Retry, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		exhausted, err = queryStrings(ctx, tx,
			"SELECT token FROM access_tokens WHERE remaining_generations<=0 FOR UPDATE")
		if err != nil {
			return err
		}
		expired, err = queryStrings(ctx, tx,
			"SELECT token FROM access_tokens WHERE remaining_generations>0 AND has_time_limit=TRUE AND expires_at IS NOT NULL AND expires_at<? FOR UPDATE",
			now)
		if err != nil {
			return err
		}
		dead := append(append([]string(nil), exhausted...), expired...)
		if len(dead) == 0 {
			return nil
		}
		args := make([]any, len(dead))
		for i, t := range dead {
			args[i] = t
		}
		_, err = tx.ExecContext(ctx, "DELETE FROM access_tokens WHERE token IN ("+placeholders(len(dead))+")", args...)
		return err
	})
	return exhausted, expired, err
}

// Existing reports which of the given tokens are still stored.
func (r *AccessTokenRepo) Existing(ctx context.Context, tokens []string) (map[string]bool, error) {
	found := make(map[string]bool, len(tokens))
	for start := 0; start < len(tokens); start += existsBatch {
		chunk := tokens[start:min(start+existsBatch, len(tokens))]
		args := make([]any, len(chunk))
		for i, t := range chunk {
			args[i] = t
		}
		err := run(ctx, r.Retry, func(ctx context.Context) error {
			got, err := queryStrings(ctx, r.DB,
				"SELECT token FROM access_tokens WHERE token IN ("+placeholders(len(chunk))+")", args...)
			for _, t := range got {
				found[t] = true
			}
			return err
		})
		if err != nil {
			return nil, err
		}
	}
	return found, nil
}
