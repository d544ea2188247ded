package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/iliyamo/genchat/internal/cache"
	"github.com/iliyamo/genchat/internal/model"
	"github.com/iliyamo/genchat/internal/queue"
	"github.com/iliyamo/genchat/internal/repository"
	"github.com/iliyamo/genchat/internal/utils"
)

// Issue limits.
const (
	MinGenerations = 10
	MaxGenerations = 1000
	MaxExpiryDays  = 365
	MaxBatch       = 10

	tokenBytes = 32
	tokenLen   = tokenBytes * 2
)

// Status is the outcome of inspecting a token.  Terminal states are values,
// not errors.
type Status string

const (
	StatusValid     Status = "valid"
	StatusMalformed Status = "malformed"
	StatusNotFound  Status = "not_found"
	StatusExhausted Status = "exhausted"
	StatusExpired   Status = "expired"
)

// IssueRequest describes a token to create.  ExpiryDays of zero issues a
// token without a time limit.
type IssueRequest struct {
	Generations int
	ExpiryDays  int
	CreatedBy   string
}

// ConsumeResult reports a Consume call.  Retired is set when the token was
// removed from both stores; Status says why.
type ConsumeResult struct {
	Consumed  bool   `json:"consumed"`
	Remaining int    `json:"remaining"`
	Retired   bool   `json:"retired"`
	Status    Status `json:"status"`
}

// TokenStatus is a user's view of their active token.
type TokenStatus struct {
	Active    bool       `json:"active"`
	Remaining int        `json:"remaining_generations"`
	Total     int        `json:"total_generations,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Reason    Status     `json:"reason"`
}

// SweepReport counts what a Sweep removed.
type SweepReport struct {
	Exhausted     int `json:"exhausted"`
	Expired       int `json:"expired"`
	UsersReleased int `json:"users_released"`
	CacheEvicted  int `json:"cache_evicted"`
}

// Tokens manages the access token lifecycle.  Decisions always read the
// durable store; the token:{token} cache entry is only ever written.
type Tokens struct {
	tokens TokenStore
	users  UserStore
	m      mirror
	events queue.Publisher
	ttl    time.Duration
	log    *slog.Logger
	now    func() time.Time
}

// NewTokens wires the manager.  tokenTTL is the lifetime of the cache mirror.
func NewTokens(tokens TokenStore, users UserStore, c Cache, events queue.Publisher, tokenTTL time.Duration, log *slog.Logger) *Tokens {
	if log == nil {
		log = slog.Default()
	}
	if events == nil {
		events = queue.NopPublisher{}
	}
	log = log.With("component", "tokens")
	return &Tokens{
		tokens: tokens,
		users:  users,
		m:      newMirror(c, log),
		events: events,
		ttl:    tokenTTL,
		log:    log,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// ValidFormat reports whether s looks like an issued token: 64 lower case
// hex characters.
func ValidFormat(s string) bool {
	if len(s) != tokenLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Issue creates a token, persists it and mirrors it into the cache.
func (s *Tokens) Issue(ctx context.Context, req IssueRequest) (model.AccessToken, error) {
	if req.Generations < MinGenerations || req.Generations > MaxGenerations {
		return model.AccessToken{}, fmt.Errorf("%w: generations must be %d-%d", ErrInvalidInput, MinGenerations, MaxGenerations)
	}
	if req.ExpiryDays < 0 || req.ExpiryDays > MaxExpiryDays {
		return model.AccessToken{}, fmt.Errorf("%w: expiry days must be 0-%d", ErrInvalidInput, MaxExpiryDays)
	}
	if req.CreatedBy == "" {
		return model.AccessToken{}, fmt.Errorf("%w: creator required", ErrInvalidInput)
	}
	value, err := utils.RandomHex(tokenBytes)
	if err != nil {
		return model.AccessToken{}, err
	}

	// DATETIME columns keep whole seconds; match them so the mirror equals the row.
	now := s.now().Truncate(time.Second)
	t := model.AccessToken{
		Token:                value,
		TotalGenerations:     req.Generations,
		RemainingGenerations: req.Generations,
		CreatedAt:            now,
		CreatedBy:            req.CreatedBy,
	}
	if req.ExpiryDays > 0 {
		exp := now.Add(time.Duration(req.ExpiryDays) * 24 * time.Hour)
		t.HasTimeLimit = true
		t.ExpiresAt = &exp
	}

	if err := s.tokens.Create(ctx, t); err != nil {
		if errors.Is(err, repository.ErrTokenExists) {
			return model.AccessToken{}, ErrDuplicateToken
		}
		return model.AccessToken{}, err
	}
	s.m.set(ctx, cache.TokenKey(t.Token), t, s.ttl)

	ev := queue.NewTokenEvent(queue.EventIssued)
	ev.Token, ev.Actor, ev.Total, ev.Remaining = t.Token, t.CreatedBy, t.TotalGenerations, t.RemainingGenerations
	s.emit(ctx, ev)
	return t, nil
}

// IssueBatch issues n tokens with the same parameters.  On failure the
// tokens issued so far are returned with the error.
func (s *Tokens) IssueBatch(ctx context.Context, n int, req IssueRequest) ([]model.AccessToken, error) {
	if n < 1 || n > MaxBatch {
		return nil, fmt.Errorf("%w: batch size must be 1-%d", ErrInvalidInput, MaxBatch)
	}
	out := make([]model.AccessToken, 0, n)
	for i := 0; i < n; i++ {
		t, err := s.Issue(ctx, req)
		if err != nil {
			return out, err
		}
		out = append(out, t)
	}
	return out, nil
}

// Validate reports whether token can be used right now.  Exhausted and
// expired tokens are purged as a side effect.
func (s *Tokens) Validate(ctx context.Context, token string) (bool, error) {
	st, err := s.Inspect(ctx, token)
	return st == StatusValid, err
}

// Inspect checks format, existence, budget and expiry in that order.
func (s *Tokens) Inspect(ctx context.Context, token string) (Status, error) {
	_, st, err := s.inspect(ctx, token)
	return st, err
}

func (s *Tokens) inspect(ctx context.Context, token string) (model.AccessToken, Status, error) {
	if !ValidFormat(token) {
		return model.AccessToken{}, StatusMalformed, nil
	}
	t, err := s.tokens.Get(ctx, token)
	if errors.Is(err, repository.ErrNotFound) {
		return model.AccessToken{}, StatusNotFound, nil
	}
	if err != nil {
		return model.AccessToken{}, "", err
	}
	if st := s.deadStatus(t); st != StatusValid {
		return t, st, s.retire(ctx, t.Token, st, "")
	}
	return t, StatusValid, nil
}

func (s *Tokens) deadStatus(t model.AccessToken) Status {
	switch {
	case t.Exhausted():
		return StatusExhausted
	case t.Expired(s.now()):
		return StatusExpired
	}
	return StatusValid
}

// Activate binds token to username and copies its remaining budget onto the
// user record.
func (s *Tokens) Activate(ctx context.Context, token, username string) (model.AccessToken, error) {
	if !ValidFormat(token) {
		return model.AccessToken{}, ErrMalformedToken
	}
	t, err := s.tokens.Get(ctx, token)
	if err != nil {
		return model.AccessToken{}, translate(err, ErrTokenNotFound)
	}
	if _, err := s.users.GetByUsername(ctx, username); err != nil {
		return model.AccessToken{}, translate(err, ErrUserNotFound)
	}
	if st := s.deadStatus(t); st != StatusValid {
		if err := s.retire(ctx, t.Token, st, username); err != nil {
			return model.AccessToken{}, err
		}
		if st == StatusExpired {
			return model.AccessToken{}, ErrTokenExpired
		}
		return model.AccessToken{}, ErrTokenExhausted
	}

	holders, err := s.users.HoldersOf(ctx, token)
	if err != nil {
		return model.AccessToken{}, err
	}
	for _, h := range holders {
		if h != username {
			return model.AccessToken{}, ErrBoundToOtherUser
		}
	}
	if t.Used {
		return model.AccessToken{}, ErrAlreadyUsed
	}

	now := s.now().Truncate(time.Second)
	won, err := s.tokens.MarkUsed(ctx, token, username, now)
	if err != nil {
		return model.AccessToken{}, err
	}
	if !won {
		return model.AccessToken{}, ErrAlreadyUsed
	}
	if err := s.users.BindToken(ctx, username, token, t.RemainingGenerations, now); err != nil {
		return model.AccessToken{}, translate(err, ErrUserNotFound)
	}

	t.Used, t.ActivatedAt, t.ActivatedBy = true, &now, username
	s.m.invalidate(ctx, cache.UserKey(username))
	s.m.set(ctx, cache.TokenKey(token), t, s.ttl)

	ev := queue.NewTokenEvent(queue.EventActivated)
	ev.Token, ev.Username, ev.Actor, ev.Total, ev.Remaining = token, username, username, t.TotalGenerations, t.RemainingGenerations
	s.emit(ctx, ev)
	s.log.Info("token activated", "user", username, "remaining", t.RemainingGenerations)
	return t, nil
}

// Consume takes amount generations from token with one conditional update.
// Running out retires the token and is reported in the result, not as an
// error.
func (s *Tokens) Consume(ctx context.Context, token string, amount int) (ConsumeResult, error) {
	if amount < 1 {
		return ConsumeResult{}, ErrInvalidAmount
	}
	if !ValidFormat(token) {
		return ConsumeResult{}, ErrMalformedToken
	}
	t, err := s.tokens.Get(ctx, token)
	if err != nil {
		return ConsumeResult{}, translate(err, ErrTokenNotFound)
	}
	if t.Expired(s.now()) {
		if err := s.retire(ctx, token, StatusExpired, ""); err != nil {
			return ConsumeResult{}, err
		}
		return ConsumeResult{Retired: true, Status: StatusExpired}, nil
	}

	remaining, applied, err := s.tokens.Decrement(ctx, token, amount)
	if err != nil {
		return ConsumeResult{}, translate(err, ErrTokenNotFound)
	}
	res := ConsumeResult{Consumed: applied, Remaining: max(remaining, 0), Status: StatusValid}
	if remaining <= 0 {
		if err := s.retire(ctx, token, StatusExhausted, ""); err != nil {
			return res, err
		}
		res.Retired, res.Status = true, StatusExhausted
		return res, nil
	}

	holders, err := s.users.SyncRemaining(ctx, token, remaining)
	if err != nil {
		return res, err
	}
	s.m.invalidate(ctx, userKeys(holders)...)
	t.RemainingGenerations = remaining
	s.m.refresh(ctx, cache.TokenKey(token), t, s.ttl)
	return res, nil
}

// ConsumeForUser consumes from the user's active token.
func (s *Tokens) ConsumeForUser(ctx context.Context, username string, amount int) (ConsumeResult, error) {
	u, err := s.users.GetByUsername(ctx, username)
	if err != nil {
		return ConsumeResult{}, translate(err, ErrUserNotFound)
	}
	if u.ActiveToken == "" {
		return ConsumeResult{}, ErrNoActiveToken
	}
	res, err := s.Consume(ctx, u.ActiveToken, amount)
	if errors.Is(err, ErrTokenNotFound) || errors.Is(err, ErrMalformedToken) {
		s.release(ctx, u.ActiveToken)
		return ConsumeResult{}, ErrNoActiveToken
	}
	return res, err
}

// Status reports the user's active token.  A reference to a token that is
// gone or dead is cleared on the way.
func (s *Tokens) Status(ctx context.Context, username string) (TokenStatus, error) {
	u, err := s.users.GetByUsername(ctx, username)
	if err != nil {
		return TokenStatus{}, translate(err, ErrUserNotFound)
	}
	if u.ActiveToken == "" {
		return TokenStatus{Reason: StatusNotFound}, nil
	}
	t, st, err := s.inspect(ctx, u.ActiveToken)
	if err != nil {
		return TokenStatus{}, err
	}
	switch st {
	case StatusValid:
		return TokenStatus{
			Active:    true,
			Remaining: t.RemainingGenerations,
			Total:     t.TotalGenerations,
			ExpiresAt: t.ExpiresAt,
			Reason:    st,
		}, nil
	case StatusNotFound, StatusMalformed:
		s.release(ctx, u.ActiveToken)
	}
	return TokenStatus{Reason: st}, nil
}

// Sweep deletes dead tokens, releases users left pointing at missing tokens
// and drops token mirrors whose token is no longer stored.
func (s *Tokens) Sweep(ctx context.Context, actor string) (SweepReport, error) {
	now := s.now()
	exhausted, expired, err := s.tokens.DeleteDead(ctx, now)
	if err != nil {
		return SweepReport{}, err
	}
	rep := SweepReport{Exhausted: len(exhausted), Expired: len(expired)}

	released, err := s.users.ReleaseDangling(ctx, now)
	if err != nil {
		return rep, err
	}
	rep.UsersReleased = len(released)
	s.m.invalidate(ctx, userKeys(released)...)

	dead := append(append([]string(nil), exhausted...), expired...)
	keys := make([]string, len(dead))
	for i, tok := range dead {
		keys[i] = cache.TokenKey(tok)
	}
	s.m.invalidate(ctx, keys...)

	rep.CacheEvicted, err = s.reconcileCache(ctx)
	if err != nil {
		return rep, err
	}

	for _, tok := range exhausted {
		s.emitRetired(ctx, queue.EventExhausted, tok, "", actor)
	}
	for _, tok := range expired {
		s.emitRetired(ctx, queue.EventExpired, tok, "", actor)
	}
	ev := queue.NewTokenEvent(queue.EventSwept)
	ev.Actor, ev.Count = actor, len(dead)
	s.emit(ctx, ev)

	s.log.Info("token sweep finished", "exhausted", rep.Exhausted, "expired", rep.Expired,
		"users_released", rep.UsersReleased, "cache_evicted", rep.CacheEvicted)
	return rep, nil
}

// reconcileCache deletes token mirrors the durable store no longer knows.
// Cache failures end the pass quietly; store failures are returned.
func (s *Tokens) reconcileCache(ctx context.Context) (int, error) {
	keys, err := s.m.cache.Scan(ctx, cache.TokenPattern)
	if err != nil {
		s.m.warn("token cache scan failed", cache.TokenPattern, err)
		return 0, nil
	}
	if len(keys) == 0 {
		return 0, nil
	}
	toks := make([]string, 0, len(keys))
	for _, k := range keys {
		if tok, ok := cache.TokenFromKey(k); ok {
			toks = append(toks, tok)
		}
	}
	found, err := s.tokens.Existing(ctx, toks)
	if err != nil {
		return 0, err
	}
	var stale []string
	for _, tok := range toks {
		if !found[tok] {
			stale = append(stale, cache.TokenKey(tok))
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}
	if err := s.m.cache.Delete(ctx, stale...); err != nil {
		s.m.warn("token cache reconcile failed", stale[0], err)
		return 0, nil
	}
	return len(stale), nil
}

// Revoke deletes a token from both stores and releases its holder.
func (s *Tokens) Revoke(ctx context.Context, token, actor string) error {
	if !ValidFormat(token) {
		return ErrMalformedToken
	}
	deleted, err := s.tokens.Delete(ctx, token)
	if err != nil {
		return err
	}
	holders, err := s.users.ReleaseToken(ctx, token, s.now())
	if err != nil {
		return err
	}
	s.m.invalidate(ctx, append(userKeys(holders), cache.TokenKey(token))...)
	if !deleted {
		return ErrTokenNotFound
	}
	s.emitRetired(ctx, queue.EventRevoked, token, first(holders), actor)
	return nil
}

// List returns every token, newest first.
func (s *Tokens) List(ctx context.Context) ([]model.AccessToken, error) {
	return s.tokens.List(ctx)
}

// retire removes a dead token from both stores and releases its holders.
func (s *Tokens) retire(ctx context.Context, token string, why Status, actor string) error {
	deleted, err := s.tokens.Delete(ctx, token)
	if err != nil {
		return err
	}
	holders, err := s.users.ReleaseToken(ctx, token, s.now())
	if err != nil {
		return err
	}
	s.m.invalidate(ctx, append(userKeys(holders), cache.TokenKey(token))...)
	if !deleted {
		// a concurrent caller retired it first
		return nil
	}

	typ := queue.EventExhausted
	if why == StatusExpired {
		typ = queue.EventExpired
	}
	s.emitRetired(ctx, typ, token, first(holders), actor)
	s.log.Info("token retired", "reason", why, "holders", len(holders))
	return nil
}

// release clears a dangling token reference; failures are only logged since
// the caller already has its answer.
func (s *Tokens) release(ctx context.Context, token string) {
	holders, err := s.users.ReleaseToken(ctx, token, s.now())
	if err != nil {
		s.log.Warn("release dangling token failed", "error", err)
		return
	}
	s.m.invalidate(ctx, userKeys(holders)...)
}

func (s *Tokens) emitRetired(ctx context.Context, typ, token, username, actor string) {
	ev := queue.NewTokenEvent(typ)
	ev.Token, ev.Username, ev.Actor = token, username, actor
	s.emit(ctx, ev)
}

// emit publishes ev on a best-effort basis.
func (s *Tokens) emit(ctx context.Context, ev queue.TokenEvent) {
	if err := s.events.Publish(ctx, ev); err != nil {
		s.log.Warn("token event not published", "type", ev.Type, "error", err)
	}
}

func userKeys(usernames []string) []string {
	keys := make([]string, len(usernames))
	for i, u := range usernames {
		keys[i] = cache.UserKey(u)
	}
	return keys
}

func first(s []string) string {
	if len(s) == 0 {
		return ""
	}
	return s[0]
}
