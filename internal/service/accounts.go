package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/iliyamo/genchat/internal/cache"
	"github.com/iliyamo/genchat/internal/model"
	"github.com/iliyamo/genchat/internal/repository"
	"github.com/iliyamo/genchat/internal/utils"
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{3,32}$`)

// AccountsConfig tunes password hashing, caching and the login limiter.
type AccountsConfig struct {
	BcryptCost  int
	UserTTL     time.Duration
	MaxAttempts int           // failed logins allowed per window
	Lockout     time.Duration // window length, starting at the first failure
}

// RegisterInput is a new account request.
type RegisterInput struct {
	Username string
	Email    string
	Password string
}

// ProfileUpdate lists the fields to change; nil fields are kept.
type ProfileUpdate struct {
	Username *string
	Email    *string
	Password *string
}

// Accounts owns user records: registration, login, profile changes and the
// user:{username} cache entry.
type Accounts struct {
	users    UserStore
	m        mirror
	cfg      AccountsConfig
	validate *validator.Validate
	log      *slog.Logger
}

func NewAccounts(users UserStore, c Cache, cfg AccountsConfig, log *slog.Logger) *Accounts {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "accounts")
	return &Accounts{
		users:    users,
		m:        newMirror(c, log),
		cfg:      cfg,
		validate: validator.New(),
		log:      log,
	}
}

// GetUser is a cache-aside read of user:{username}.
func (s *Accounts) GetUser(ctx context.Context, username string) (model.User, error) {
	u, err := readThrough(ctx, s.m, cache.UserKey(username), s.cfg.UserTTL, func(ctx context.Context) (model.User, error) {
		return s.users.GetByUsername(ctx, username)
	})
	return u, translate(err, ErrUserNotFound)
}

// ListUsers returns every account from the durable store.
func (s *Accounts) ListUsers(ctx context.Context) ([]model.User, error) {
	return s.users.List(ctx)
}

func (s *Accounts) checkUsername(name string) error {
	if !usernamePattern.MatchString(name) {
		return fmt.Errorf("%w: username must be 3-32 letters, digits, '.', '_' or '-'", ErrInvalidInput)
	}
	return nil
}

func (s *Accounts) checkEmail(email string) error {
	if err := s.validate.Var(email, "required,email,max=255"); err != nil {
		return fmt.Errorf("%w: invalid email", ErrInvalidInput)
	}
	return nil
}

// Register creates an account after the username, email and password checks.
func (s *Accounts) Register(ctx context.Context, in RegisterInput) (model.User, error) {
	username := strings.TrimSpace(in.Username)
	email := strings.ToLower(strings.TrimSpace(in.Email))
	if err := s.checkUsername(username); err != nil {
		return model.User{}, err
	}
	if err := s.checkEmail(email); err != nil {
		return model.User{}, err
	}
	if !utils.PasswordStrong(in.Password) {
		return model.User{}, ErrWeakPassword
	}
	if err := s.ensureFree(ctx, username, email, ""); err != nil {
		return model.User{}, err
	}

	hash, err := utils.HashPassword(in.Password, s.cfg.BcryptCost)
	if err != nil {
		return model.User{}, err
	}
	if err := s.users.Create(ctx, model.User{Username: username, Email: email, PasswordHash: hash}); err != nil {
		return model.User{}, conflict(err)
	}
	s.log.Info("user registered", "user", username)
	return s.GetUser(ctx, username)
}

// ensureFree checks that username and email are not held by anyone other
// than self.  Empty values are skipped.
func (s *Accounts) ensureFree(ctx context.Context, username, email, self string) error {
	if username != "" && username != self {
		_, err := s.users.GetByUsername(ctx, username)
		if err == nil {
			return ErrUsernameTaken
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return err
		}
	}
	if email != "" {
		u, err := s.users.GetByEmail(ctx, email)
		if err == nil && u.Username != self {
			return ErrEmailTaken
		}
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return err
		}
	}
	return nil
}

// conflict maps unique key violations that slipped past ensureFree.
func conflict(err error) error {
	switch {
	case errors.Is(err, repository.ErrUsernameExists):
		return ErrUsernameTaken
	case errors.Is(err, repository.ErrEmailExists):
		return ErrEmailTaken
	}
	return translate(err, ErrUserNotFound)
}

// Login verifies credentials against the durable record.  identifier may be
// a username or an email.  Failures are counted in login_attempts:{username}
// of the resolved account, so both identifiers share one counter; unknown
// identifiers are counted under their lower-cased form.  The account is
// locked for the rest of the window once MaxAttempts is reached.  Without a
// cache the limiter is off.
func (s *Accounts) Login(ctx context.Context, identifier, password string) (model.User, error) {
	identifier = strings.TrimSpace(identifier)

	var (
		u   model.User
		err error
	)
	if strings.Contains(identifier, "@") {
		u, err = s.users.GetByEmail(ctx, identifier)
	} else {
		u, err = s.users.GetByUsername(ctx, identifier)
	}
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return model.User{}, err
	}
	known := err == nil
	key := cache.LoginAttemptsKey(strings.ToLower(identifier))
	if known {
		key = cache.LoginAttemptsKey(u.Username)
	}

	if s.cfg.MaxAttempts > 0 {
		n, err := s.m.cache.Counter(ctx, key)
		if err != nil {
			s.m.warn("login attempts read failed", key, err)
		} else if n >= int64(s.cfg.MaxAttempts) {
			return model.User{}, ErrTooManyAttempts
		}
	}

	if !known || !utils.VerifyPassword(u.PasswordHash, password) {
		s.recordFailure(ctx, key)
		return model.User{}, ErrInvalidCredentials
	}
	s.m.invalidate(ctx, key)
	return u, nil
}

func (s *Accounts) recordFailure(ctx context.Context, key string) {
	if s.cfg.MaxAttempts <= 0 {
		return
	}
	if _, err := s.m.cache.Incr(ctx, key, s.cfg.Lockout); err != nil {
		s.m.warn("login attempts write failed", key, err)
	}
}

// UpdateProfile changes username, email or password.  A rename drops the
// old name's cached chat data along with both user keys.
func (s *Accounts) UpdateProfile(ctx context.Context, username string, p ProfileUpdate) (model.User, error) {
	var upd repository.UserUpdate
	newName := username
	if p.Username != nil {
		n := strings.TrimSpace(*p.Username)
		if err := s.checkUsername(n); err != nil {
			return model.User{}, err
		}
		if n != username {
			upd.Username, newName = &n, n
		}
	}
	var email string
	if p.Email != nil {
		email = strings.ToLower(strings.TrimSpace(*p.Email))
		if err := s.checkEmail(email); err != nil {
			return model.User{}, err
		}
		upd.Email = &email
	}
	if p.Password != nil {
		if !utils.PasswordStrong(*p.Password) {
			return model.User{}, ErrWeakPassword
		}
		hash, err := utils.HashPassword(*p.Password, s.cfg.BcryptCost)
		if err != nil {
			return model.User{}, err
		}
		upd.PasswordHash = &hash
	}
	if upd.Username == nil && upd.Email == nil && upd.PasswordHash == nil {
		return s.GetUser(ctx, username)
	}

	if err := s.ensureFree(ctx, derefOr(upd.Username, ""), email, username); err != nil {
		return model.User{}, err
	}
	if err := s.users.Update(ctx, username, upd); err != nil {
		return model.User{}, conflict(err)
	}

	s.m.invalidate(ctx, cache.UserKey(username), cache.UserKey(newName))
	if newName != username {
		s.m.invalidatePattern(ctx, cache.HistoryPattern(username))
		s.m.invalidatePattern(ctx, cache.SessionsPattern(username))
		s.log.Info("user renamed", "from", username, "to", newName)
	}
	return s.GetUser(ctx, newName)
}

// EnsureAdmin creates the configured admin account, or grants admin rights
// and resets the password if the username already exists.
func (s *Accounts) EnsureAdmin(ctx context.Context, username, email, password string) error {
	hash, err := utils.HashPassword(password, s.cfg.BcryptCost)
	if err != nil {
		return err
	}
	_, err = s.users.GetByUsername(ctx, username)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		err = s.users.Create(ctx, model.User{Username: username, Email: email, PasswordHash: hash, IsAdmin: true})
	case err == nil:
		err = s.users.SetAdmin(ctx, username, hash)
	}
	if err != nil {
		return fmt.Errorf("ensure admin %q: %w", username, err)
	}
	s.m.invalidate(ctx, cache.UserKey(username))
	return nil
}

// ClearUserCache drops the user key and every cached chat entry of the user.
func (s *Accounts) ClearUserCache(ctx context.Context, username string) {
	s.m.invalidate(ctx, cache.UserKey(username))
	s.m.invalidatePattern(ctx, cache.HistoryPattern(username))
	s.m.invalidatePattern(ctx, cache.SessionsPattern(username))
}

func derefOr(p *string, def string) string {
	if p == nil {
		return def
	}
	return *p
}
