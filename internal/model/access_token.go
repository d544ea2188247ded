package model

import "time"

// AccessToken is a row of the `access_tokens` table: a credential carrying a
// budget of generations and an optional expiry.  The JSON form is the value
// mirrored under `token:{token}`.
type AccessToken struct {
	Token                string     `json:"token"`
	TotalGenerations     int        `json:"total_generations"`
	RemainingGenerations int        `json:"remaining_generations"`
	Used                 bool       `json:"used"`
	HasTimeLimit         bool       `json:"has_time_limit"`
	ExpiresAt            *time.Time `json:"expires_at,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	CreatedBy            string     `json:"created_by"`
	ActivatedAt          *time.Time `json:"activated_at,omitempty"`
	ActivatedBy          string     `json:"activated_by,omitempty"`
}

// Exhausted reports whether the token has no generations left.
func (t AccessToken) Exhausted() bool { return t.RemainingGenerations <= 0 }

// Expired reports whether a time-limited token is past its expiry at now.
func (t AccessToken) Expired(now time.Time) bool {
	return t.HasTimeLimit && t.ExpiresAt != nil && now.After(*t.ExpiresAt)
}

// Dead reports whether the token must be purged.
func (t AccessToken) Dead(now time.Time) bool { return t.Exhausted() || t.Expired(now) }
