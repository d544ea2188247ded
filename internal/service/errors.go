package service

import (
	"errors"

	"github.com/iliyamo/genchat/internal/repository"
)

// Lookup failures.
var (
	ErrUserNotFound    = errors.New("user not found")
	ErrTokenNotFound   = errors.New("token not found")
	ErrSessionNotFound = errors.New("chat session not found")
	ErrMessageNotFound = errors.New("chat message not found")
	ErrFlowNotFound    = errors.New("chat flow not found")
)

// Validation failures.
var (
	ErrMalformedToken = errors.New("malformed token")
	ErrWeakPassword   = errors.New("password must be at least 8 characters with upper case, lower case and a digit")
	ErrInvalidInput   = errors.New("invalid input")
	ErrInvalidAmount  = errors.New("amount must be at least 1")
)

// Conflicts.
var (
	ErrUsernameTaken    = errors.New("username already taken")
	ErrEmailTaken       = errors.New("email already taken")
	ErrDuplicateToken   = errors.New("duplicate token")
	ErrAlreadyUsed      = errors.New("token already used")
	ErrBoundToOtherUser = errors.New("token is bound to another user")
)

// Terminal token states returned by Activate.
var (
	ErrTokenExhausted = errors.New("token has no generations left")
	ErrTokenExpired   = errors.New("token expired")
	ErrNoActiveToken  = errors.New("no active token")
)

// Authentication.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrTooManyAttempts    = errors.New("too many failed login attempts")
)

// ErrStoreUnavailable is the durable store giving up after retries.
var ErrStoreUnavailable = repository.ErrStoreUnavailable

// translate maps repository.ErrNotFound to the caller's lookup error and
// leaves every other error untouched.
func translate(err, notFound error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return notFound
	}
	return err
}
