package service

import (
	"context"
	"time"

	"github.com/iliyamo/genchat/internal/model"
	"github.com/iliyamo/genchat/internal/repository"
)

// UserStore is the durable user table.  *repository.UserRepo implements it.
type UserStore interface {
	Create(ctx context.Context, u model.User) error
	GetByUsername(ctx context.Context, username string) (model.User, error)
	GetByEmail(ctx context.Context, email string) (model.User, error)
	List(ctx context.Context) ([]model.User, error)
	Update(ctx context.Context, username string, upd repository.UserUpdate) error
	SetAdmin(ctx context.Context, username, passwordHash string) error
	BindToken(ctx context.Context, username, token string, remaining int, at time.Time) error
	HoldersOf(ctx context.Context, token string) ([]string, error)
	SyncRemaining(ctx context.Context, token string, remaining int) ([]string, error)
	ReleaseToken(ctx context.Context, token string, at time.Time) ([]string, error)
	ReleaseDangling(ctx context.Context, at time.Time) ([]string, error)
}

// TokenStore is the durable access token table.  *repository.AccessTokenRepo
// implements it.
type TokenStore interface {
	Create(ctx context.Context, t model.AccessToken) error
	Get(ctx context.Context, token string) (model.AccessToken, error)
	List(ctx context.Context) ([]model.AccessToken, error)
	MarkUsed(ctx context.Context, token, username string, at time.Time) (bool, error)
	Decrement(ctx context.Context, token string, amount int) (remaining int, applied bool, err error)
	Delete(ctx context.Context, token string) (bool, error)
	DeleteDead(ctx context.Context, now time.Time) (exhausted, expired []string, err error)
	Existing(ctx context.Context, tokens []string) (map[string]bool, error)
}

// ChatStore is the durable chat session and history storage.
// *repository.ChatRepo implements it.
type ChatStore interface {
	ListSessions(ctx context.Context, username, flowID string) ([]model.ChatSession, error)
	CreateSession(ctx context.Context, s model.ChatSession) error
	RenameSession(ctx context.Context, username, flowID, sessionID, name string) error
	DeleteSession(ctx context.Context, username, flowID, sessionID string) error
	GetHistory(ctx context.Context, username, flowID, sessionID string) (model.ChatHistory, error)
	SaveHistory(ctx context.Context, h model.ChatHistory) error
	AppendMessages(ctx context.Context, username, flowID, sessionID string, msgs []model.Message, at time.Time) (model.ChatHistory, error)
	DeleteMessage(ctx context.Context, username, flowID, sessionID string, index int, at time.Time) (model.ChatHistory, error)
	ListFlows(ctx context.Context, username string) ([]model.ChatFlow, error)
	DeleteFlow(ctx context.Context, username, flowID string) (int, error)
}

// Cache is the fast store behind the cache-aside reads.  *cache.Store
// implements it, including the disabled (nil client) case.
type Cache interface {
	GetJSON(ctx context.Context, key string, dst any) (bool, error)
	SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error
	Refresh(ctx context.Context, key string, v any, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error
	Scan(ctx context.Context, pattern string) ([]string, error)
	DeletePattern(ctx context.Context, pattern string) (int, error)
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Counter(ctx context.Context, key string) (int64, error)
}
