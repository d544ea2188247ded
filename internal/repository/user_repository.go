package repository

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/iliyamo/genchat/internal/model"
	"github.com/iliyamo/genchat/internal/retry"
)

const userColumns = "username,email,password_hash,active_token,remaining_generations,is_admin,token_activated_at,token_deactivated_at,created_at,updated_at"

// UserRepo persists the 'users' table.
type UserRepo struct {
	DB    *sql.DB
	Retry retry.Policy
}

func NewUserRepo(db *sql.DB, p retry.Policy) *UserRepo { return &UserRepo{DB: db, Retry: p} }

// UserUpdate lists the profile fields to change; nil fields are left alone.
type UserUpdate struct {
	Username     *string
	Email        *string
	PasswordHash *string
}

type rowScanner interface{ Scan(dest ...any) error }

func scanUser(s rowScanner) (model.User, error) {
	var (
		u           model.User
		active      sql.NullString
		activated   sql.NullTime
		deactivated sql.NullTime
	)
	err := s.Scan(&u.Username, &u.Email, &u.PasswordHash, &active, &u.RemainingGenerations, &u.IsAdmin,
		&activated, &deactivated, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return model.User{}, err
	}
	u.ActiveToken = active.String
	if activated.Valid {
		t := activated.Time
		u.TokenActivatedAt = &t
	}
	if deactivated.Valid {
		t := deactivated.Time
		u.TokenDeactivatedAt = &t
	}
	return u, nil
}

// Create inserts a user.  Email is normalized to lower case.
func (r *UserRepo) Create(ctx context.Context, u model.User) error {
	email := strings.ToLower(strings.TrimSpace(u.Email))
	return run(ctx, r.Retry, func(ctx context.Context) error {
		_, err := r.DB.ExecContext(ctx,
			"INSERT INTO users (username, email, password_hash, is_admin) VALUES (?,?,?,?)",
			u.Username, email, u.PasswordHash, u.IsAdmin)
		return userConflict(err)
	})
}

// userConflict maps a duplicate key on users to the matching sentinel.
func userConflict(err error) error {
	if err == nil || !isDuplicate(err) {
		return err
	}
	if strings.Contains(duplicateKey(err), "email") {
		return ErrEmailExists
	}
	return ErrUsernameExists
}

// GetByUsername fetches a user by primary key.
func (r *UserRepo) GetByUsername(ctx context.Context, username string) (model.User, error) {
	var u model.User
	err := run(ctx, r.Retry, func(ctx context.Context) error {
		var err error
		u, err = scanUser(r.DB.QueryRowContext(ctx,
			"SELECT "+userColumns+" FROM users WHERE username=? LIMIT 1", username))
		return notFound(err)
	})
	return u, err
}

// GetByEmail fetches a user by normalized email.
func (r *UserRepo) GetByEmail(ctx context.Context, email string) (model.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	var u model.User
	err := run(ctx, r.Retry, func(ctx context.Context) error {
		var err error
		u, err = scanUser(r.DB.QueryRowContext(ctx,
			"SELECT "+userColumns+" FROM users WHERE email=? LIMIT 1", email))
		return notFound(err)
	})
	return u, err
}

// List returns every user, oldest first.
func (r *UserRepo) List(ctx context.Context) ([]model.User, error) {
	var out []model.User
	err := run(ctx, r.Retry, func(ctx context.Context) error {
		out = out[:0]
		rows, err := r.DB.QueryContext(ctx, "SELECT "+userColumns+" FROM users ORDER BY created_at, username")
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			u, err := scanUser(rows)
			if err != nil {
				return err
			}
			out = append(out, u)
		}
		return rows.Err()
	})
	return out, err
}

// Update applies a profile change.  A rename moves the user's chat rows to
// the new name and revokes every refresh token issued under the old one.
func (r *UserRepo) Update(ctx context.Context, username string, upd UserUpdate) error {
	var (
		sets []string
		args []any
	)
	if upd.Username != nil {
		sets, args = append(sets, "username=?"), append(args, *upd.Username)
	}
	if upd.Email != nil {
		sets, args = append(sets, "email=?"), append(args, strings.ToLower(strings.TrimSpace(*upd.Email)))
	}
	if upd.PasswordHash != nil {
		sets, args = append(sets, "password_hash=?"), append(args, *upd.PasswordHash)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, username)
	renamed := upd.Username != nil && *upd.Username != username

	return inTx(ctx, r.DB, r.Retry, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "UPDATE users SET "+strings.Join(sets, ",")+" WHERE username=?", args...)
		if err != nil {
			return userConflict(err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		if !renamed {
			return nil
		}
		for _, q := range []string{
			"UPDATE chat_sessions SET username=? WHERE username=?",
			"UPDATE chat_history SET username=? WHERE username=?",
		} {
			if _, err := tx.ExecContext(ctx, q, *upd.Username, username); err != nil {
				return err
			}
		}
		_, err = tx.ExecContext(ctx,
			"UPDATE refresh_tokens SET revoked_at=? WHERE username=? AND revoked_at IS NULL",
			time.Now().UTC(), username)
		return err
	})
}

// SetAdmin grants admin rights and resets the password hash.
func (r *UserRepo) SetAdmin(ctx context.Context, username, passwordHash string) error {
	return run(ctx, r.Retry, func(ctx context.Context) error {
		res, err := r.DB.ExecContext(ctx,
			"UPDATE users SET is_admin=TRUE, password_hash=? WHERE username=?", passwordHash, username)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// BindToken makes token the user's active token and copies its budget.
func (r *UserRepo) BindToken(ctx context.Context, username, token string, remaining int, at time.Time) error {
	return run(ctx, r.Retry, func(ctx context.Context) error {
		res, err := r.DB.ExecContext(ctx,
			"UPDATE users SET active_token=?, remaining_generations=?, token_activated_at=? WHERE username=?",
			token, remaining, at, username)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// HoldersOf returns the users whose active token is token.
func (r *UserRepo) HoldersOf(ctx context.Context, token string) ([]string, error) {
	var out []string
	err := run(ctx, r.Retry, func(ctx context.Context) error {
		var err error
		out, err = queryStrings(ctx, r.DB, "SELECT username FROM users WHERE active_token=?", token)
		return err
	})
	return out, err
}

// SyncRemaining copies a token's remaining budget onto its holders and
// returns their names.
func (r *UserRepo) SyncRemaining(ctx context.Context, token string, remaining int) ([]string, error) {
	var holders []string
	err := inTx(ctx, r.DB, r.Retry, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		holders, err = queryStrings(ctx, tx, "SELECT username FROM users WHERE active_token=? FOR UPDATE", token)
		if err != nil || len(holders) == 0 {
			return err
		}
		_, err = tx.ExecContext(ctx,
			"UPDATE users SET remaining_generations=? WHERE active_token=?", remaining, token)
		return err
	})
	return holders, err
}

// ReleaseToken clears token from every user holding it and returns their
// names.
func (r *UserRepo) ReleaseToken(ctx context.Context, token string, at time.Time) ([]string, error) {
	var holders []string
	err := inTx(ctx, r.DB, r.Retry, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		holders, err = queryStrings(ctx, tx, "SELECT username FROM users WHERE active_token=? FOR UPDATE", token)
		if err != nil || len(holders) == 0 {
			return err
		}
		_, err = tx.ExecContext(ctx,
			"UPDATE users SET active_token=NULL, remaining_generations=0, token_deactivated_at=? WHERE active_token=?",
			at, token)
		return err
	})
	return holders, err
}

// ReleaseDangling clears active tokens that no longer exist and returns the
// names of the released users.
func (r *UserRepo) ReleaseDangling(ctx context.Context, at time.Time) ([]string, error) {
	var released []string
	err := inTx(ctx, r.DB, r.Retry, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		released, err = queryStrings(ctx, tx,
			`SELECT u.username FROM users u
			 LEFT JOIN access_tokens t ON t.token = u.active_token
			 WHERE u.active_token IS NOT NULL AND t.token IS NULL FOR UPDATE`)
		if err != nil || len(released) == 0 {
			return err
		}
		args := make([]any, 0, len(released)+1)
		args = append(args, at)
		for _, u := range released {
			args = append(args, u)
		}
		_, err = tx.ExecContext(ctx,
			"UPDATE users SET active_token=NULL, remaining_generations=0, token_deactivated_at=? WHERE username IN ("+placeholders(len(released))+")",
			args...)
		return err
	})
	return released, err
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// queryStrings collects a single string column.
func queryStrings(ctx context.Context, q queryer, query string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
