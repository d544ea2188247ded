package service

import (
	"context"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/genchat/internal/cache"
	"github.com/iliyamo/genchat/internal/logger"
	"github.com/iliyamo/genchat/internal/model"
	"github.com/iliyamo/genchat/internal/queue"
	"github.com/iliyamo/genchat/internal/repository"
	"github.com/iliyamo/genchat/internal/retry"
)

// In-memory stand-ins for the MySQL repositories.  They follow the same
// contracts: sentinel errors, conditional updates under one lock.

type fakeTokens struct {
	mu   sync.Mutex
	rows map[string]model.AccessToken
	err  error // returned by every call when set
}

func newFakeTokens() *fakeTokens { return &fakeTokens{rows: map[string]model.AccessToken{}} }

func (f *fakeTokens) put(t model.AccessToken) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[t.Token] = t
}

func (f *fakeTokens) has(token string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.rows[token]
	return ok
}

func (f *fakeTokens) Create(_ context.Context, t model.AccessToken) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if _, ok := f.rows[t.Token]; ok {
		return repository.ErrTokenExists
	}
	f.rows[t.Token] = t
	return nil
}

func (f *fakeTokens) Get(_ context.Context, token string) (model.AccessToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return model.AccessToken{}, f.err
	}
	t, ok := f.rows[token]
	if !ok {
		return model.AccessToken{}, repository.ErrNotFound
	}
	return t, nil
}

func (f *fakeTokens) List(context.Context) ([]model.AccessToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.AccessToken, 0, len(f.rows))
	for _, t := range f.rows {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, f.err
}

func (f *fakeTokens) MarkUsed(_ context.Context, token, username string, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	t, ok := f.rows[token]
	if !ok || t.Used {
		return false, nil
	}
	t.Used, t.ActivatedAt, t.ActivatedBy = true, &at, username
	f.rows[token] = t
	return true, nil
}

func (f *fakeTokens) Decrement(_ context.Context, token string, amount int) (int, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, false, f.err
	}
	t, ok := f.rows[token]
	if !ok {
		return 0, false, repository.ErrNotFound
	}
	if t.RemainingGenerations <= 0 {
		return t.RemainingGenerations, false, nil
	}
	t.RemainingGenerations = max(t.RemainingGenerations-amount, 0)
	f.rows[token] = t
	return t.RemainingGenerations, true, nil
}

func (f *fakeTokens) Delete(_ context.Context, token string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	_, ok := f.rows[token]
	delete(f.rows, token)
	return ok, nil
}

func (f *fakeTokens) DeleteDead(_ context.Context, now time.Time) (exhausted, expired []string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, nil, f.err
	}
	for tok, t := range f.rows {
		switch {
		case t.Exhausted():
			exhausted = append(exhausted, tok)
		case t.Expired(now):
			expired = append(expired, tok)
		default:
			continue
		}
		delete(f.rows, tok)
	}
	return exhausted, expired, nil
}

func (f *fakeTokens) Existing(_ context.Context, tokens []string) (map[string]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	found := map[string]bool{}
	for _, t := range tokens {
		if _, ok := f.rows[t]; ok {
			found[t] = true
		}
	}
	return found, f.err
}

type fakeUsers struct {
	mu     sync.Mutex
	rows   map[string]model.User
	tokens *fakeTokens
}

func newFakeUsers(tokens *fakeTokens) *fakeUsers {
	return &fakeUsers{rows: map[string]model.User{}, tokens: tokens}
}

func (f *fakeUsers) put(u model.User) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[u.Username] = u
}

func (f *fakeUsers) get(username string) model.User {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[username]
}

func (f *fakeUsers) Create(_ context.Context, u model.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rows[u.Username]; ok {
		return repository.ErrUsernameExists
	}
	for _, o := range f.rows {
		if o.Email == u.Email {
			return repository.ErrEmailExists
		}
	}
	u.CreatedAt, u.UpdatedAt = time.Now().UTC(), time.Now().UTC()
	f.rows[u.Username] = u
	return nil
}

func (f *fakeUsers) GetByUsername(_ context.Context, username string) (model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.rows[username]
	if !ok {
		return model.User{}, repository.ErrNotFound
	}
	return u, nil
}

func (f *fakeUsers) GetByEmail(_ context.Context, email string) (model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	email = strings.ToLower(email)
	for _, u := range f.rows {
		if u.Email == email {
			return u, nil
		}
	}
	return model.User{}, repository.ErrNotFound
}

func (f *fakeUsers) List(context.Context) ([]model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.User, 0, len(f.rows))
	for _, u := range f.rows {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (f *fakeUsers) Update(_ context.Context, username string, upd repository.UserUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.rows[username]
	if !ok {
		return repository.ErrNotFound
	}
	if upd.Email != nil {
		u.Email = *upd.Email
	}
	if upd.PasswordHash != nil {
		u.PasswordHash = *upd.PasswordHash
	}
	if upd.Username != nil && *upd.Username != username {
		if _, taken := f.rows[*upd.Username]; taken {
			return repository.ErrUsernameExists
		}
		delete(f.rows, username)
		u.Username = *upd.Username
	}
	f.rows[u.Username] = u
	return nil
}

func (f *fakeUsers) SetAdmin(_ context.Context, username, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.rows[username]
	if !ok {
		return repository.ErrNotFound
	}
	u.IsAdmin, u.PasswordHash = true, hash
	f.rows[username] = u
	return nil
}

func (f *fakeUsers) BindToken(_ context.Context, username, token string, remaining int, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.rows[username]
	if !ok {
		return repository.ErrNotFound
	}
	u.ActiveToken, u.RemainingGenerations, u.TokenActivatedAt = token, remaining, &at
	f.rows[username] = u
	return nil
}

func (f *fakeUsers) HoldersOf(_ context.Context, token string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, u := range f.rows {
		if u.ActiveToken == token {
			out = append(out, u.Username)
		}
	}
	return out, nil
}

func (f *fakeUsers) SyncRemaining(_ context.Context, token string, remaining int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for name, u := range f.rows {
		if u.ActiveToken == token {
			u.RemainingGenerations = remaining
			f.rows[name] = u
			out = append(out, name)
		}
	}
	return out, nil
}

func (f *fakeUsers) ReleaseToken(_ context.Context, token string, at time.Time) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for name, u := range f.rows {
		if u.ActiveToken == token {
			u.ActiveToken, u.RemainingGenerations, u.TokenDeactivatedAt = "", 0, &at
			f.rows[name] = u
			out = append(out, name)
		}
	}
	return out, nil
}

func (f *fakeUsers) ReleaseDangling(_ context.Context, at time.Time) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for name, u := range f.rows {
		if u.ActiveToken != "" && !f.tokens.has(u.ActiveToken) {
			u.ActiveToken, u.RemainingGenerations, u.TokenDeactivatedAt = "", 0, &at
			f.rows[name] = u
			out = append(out, name)
		}
	}
	return out, nil
}

type fakeChats struct {
	mu       sync.Mutex
	sessions []model.ChatSession
	history  map[string]model.ChatHistory
}

func newFakeChats() *fakeChats { return &fakeChats{history: map[string]model.ChatHistory{}} }

func chatKey(u, f, s string) string { return u + "|" + f + "|" + s }

func (f *fakeChats) ListSessions(_ context.Context, username, flowID string) ([]model.ChatSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.ChatSession
	for _, s := range f.sessions {
		if s.Username == username && s.FlowID == flowID {
			s.Primary = false
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeChats) CreateSession(_ context.Context, s model.ChatSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range f.sessions {
		if chatKey(o.Username, o.FlowID, o.SessionID) == chatKey(s.Username, s.FlowID, s.SessionID) {
			return repository.ErrSessionExists
		}
	}
	f.sessions = append(f.sessions, s)
	return nil
}

func (f *fakeChats) RenameSession(_ context.Context, username, flowID, sessionID, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, s := range f.sessions {
		if s.Username == username && s.FlowID == flowID && s.SessionID == sessionID {
			f.sessions[i].Name = name
			return nil
		}
	}
	return repository.ErrNotFound
}

func (f *fakeChats) DeleteSession(_ context.Context, username, flowID, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.history, chatKey(username, flowID, sessionID))
	for i, s := range f.sessions {
		if s.Username == username && s.FlowID == flowID && s.SessionID == sessionID {
			f.sessions = append(f.sessions[:i], f.sessions[i+1:]...)
			return nil
		}
	}
	return repository.ErrNotFound
}

func (f *fakeChats) GetHistory(_ context.Context, username, flowID, sessionID string) (model.ChatHistory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.history[chatKey(username, flowID, sessionID)]
	if !ok {
		return model.ChatHistory{}, repository.ErrNotFound
	}
	return h, nil
}

func (f *fakeChats) SaveHistory(_ context.Context, h model.ChatHistory) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history[chatKey(h.Username, h.FlowID, h.SessionID)] = h
	return nil
}

func (f *fakeChats) AppendMessages(_ context.Context, username, flowID, sessionID string, msgs []model.Message, at time.Time) (model.ChatHistory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := chatKey(username, flowID, sessionID)
	h := f.history[k]
	h.Username, h.FlowID, h.SessionID, h.UpdatedAt = username, flowID, sessionID, at
	h.Messages = append(append([]model.Message{}, h.Messages...), msgs...)
	f.history[k] = h
	return h, nil
}

func (f *fakeChats) DeleteMessage(_ context.Context, username, flowID, sessionID string, index int, at time.Time) (model.ChatHistory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := chatKey(username, flowID, sessionID)
	h, ok := f.history[k]
	if !ok || index < 0 || index >= len(h.Messages) {
		return model.ChatHistory{}, repository.ErrNotFound
	}
	msgs := append([]model.Message{}, h.Messages[:index]...)
	h.Messages = append(msgs, h.Messages[index+1:]...)
	h.UpdatedAt = at
	f.history[k] = h
	return h, nil
}

func (f *fakeChats) ListFlows(_ context.Context, username string) ([]model.ChatFlow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.ChatFlow
	idx := map[string]int{}
	for _, s := range f.sessions {
		if s.Username != username {
			continue
		}
		i, ok := idx[s.FlowID]
		if !ok {
			i = len(out)
			idx[s.FlowID] = i
			out = append(out, model.ChatFlow{FlowID: s.FlowID})
		}
		out[i].Sessions++
		if s.UpdatedAt.After(out[i].UpdatedAt) {
			out[i].UpdatedAt = s.UpdatedAt
		}
	}
	return out, nil
}

func (f *fakeChats) DeleteFlow(_ context.Context, username, flowID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.sessions[:0]
	n := 0
	for _, s := range f.sessions {
		if s.Username == username && s.FlowID == flowID {
			delete(f.history, chatKey(username, flowID, s.SessionID))
			n++
			continue
		}
		kept = append(kept, s)
	}
	f.sessions = kept
	if n == 0 {
		return 0, repository.ErrNotFound
	}
	return n, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []queue.TokenEvent
}

func (p *recordingPublisher) Publish(_ context.Context, ev queue.TokenEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Type
	}
	return out
}

var fastRetry = retry.Policy{Attempts: 2, Base: time.Millisecond, Max: 2 * time.Millisecond}

type harness struct {
	tokens *fakeTokens
	users  *fakeUsers
	chats  *fakeChats
	cache  *cache.Store
	mr     *miniredis.Miniredis
	events *recordingPublisher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	tokens := newFakeTokens()
	return &harness{
		tokens: tokens,
		users:  newFakeUsers(tokens),
		chats:  newFakeChats(),
		cache:  cache.New(rdb, fastRetry, logger.Discard()),
		mr:     mr,
		events: &recordingPublisher{},
	}
}

func (h *harness) tokenSvc() *Tokens {
	return NewTokens(h.tokens, h.users, h.cache, h.events, 24*time.Hour, logger.Discard())
}

// unreachableCache points at a port nothing listens on.
func unreachableCache(t *testing.T) *cache.Store {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	return cache.New(rdb, fastRetry, logger.Discard())
}
