package model

import "time"

// User represents an account as stored in the `users` table and mirrored
// under the `user:{username}` cache key.  Each field corresponds to a
// column in the database.
//
// Fields:
//
//	Username             – primary key, unique.
//	Email                – unique email address (stored lower case).
//	PasswordHash         – bcrypt hashed password.
//	ActiveToken          – access token currently bound to the user ("" when none).
//	RemainingGenerations – copy of the bound token's remaining budget.
//	IsAdmin              – grants the ADMIN role.
//	TokenActivatedAt     – when ActiveToken was bound.
//	TokenDeactivatedAt   – when the last token was released.
//	CreatedAt            – timestamp of creation.
//	UpdatedAt            – timestamp of last update.
type User struct {
	Username             string     `json:"username"`
	Email                string     `json:"email"`
	PasswordHash         string     `json:"password_hash"`
	ActiveToken          string     `json:"active_token,omitempty"`
	RemainingGenerations int        `json:"remaining_generations"`
	IsAdmin              bool       `json:"is_admin"`
	TokenActivatedAt     *time.Time `json:"token_activated_at,omitempty"`
	TokenDeactivatedAt   *time.Time `json:"token_deactivated_at,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// Role names carried in the JWT "role" claim.
const (
	RoleAdmin = "ADMIN"
	RoleUser  = "USER"
)

// Role returns the role name used for authorization.
func (u User) Role() string {
	if u.IsAdmin {
		return RoleAdmin
	}
	return RoleUser
}

// RefreshToken models an entry in the `refresh_tokens` table.  Each
// refresh token belongs to a user and contains metadata for expiry
// and revocation.  The plain token is not stored; only its
// SHA‑256 hash.
//
// Fields:
//
//	ID        – primary key identifier.
//	Username  – owner of the token.
//	TokenHash – SHA‑256 hex digest of the token value.
//	ExpiresAt – expiration timestamp of the token.
//	RevokedAt – when the token was revoked (null if still active).
//	CreatedAt – timestamp of creation.
type RefreshToken struct {
	ID        uint64     // refresh_tokens.id
	Username  string     // refresh_tokens.username
	TokenHash string     // refresh_tokens.token_hash
	ExpiresAt time.Time  // refresh_tokens.expires_at
	RevokedAt *time.Time // refresh_tokens.revoked_at (nullable)
	CreatedAt time.Time  // refresh_tokens.created_at
}
