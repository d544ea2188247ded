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
	"github.com/google/uuid"

	"github.com/iliyamo/genchat/internal/cache"
	"github.com/iliyamo/genchat/internal/model"
	"github.com/iliyamo/genchat/internal/repository"
)

// MainSessionName is the display name of a flow's first session.
const MainSessionName = "Main session"

const maxNameLen = 128

var messageRoles = map[string]bool{"user": true, "assistant": true, "system": true}

// chatIDPattern bounds flow and session ids.  ':' is excluded because ids
// are joined with it in cache keys.
var chatIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

func newChatValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("chatid", func(fl validator.FieldLevel) bool {
		return chatIDPattern.MatchString(fl.Field().String())
	})
	return v
}

// Chats owns chat sessions and histories.  Session lists are invalidated on
// write; histories are overwritten with the new value.
type Chats struct {
	chats       ChatStore
	m           mirror
	historyTTL  time.Duration
	sessionsTTL time.Duration
	validate    *validator.Validate
	log         *slog.Logger
	now         func() time.Time
	newID       func() string
}

func NewChats(chats ChatStore, c Cache, historyTTL, sessionsTTL time.Duration, log *slog.Logger) *Chats {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "chats")
	return &Chats{
		chats:       chats,
		m:           newMirror(c, log),
		historyTTL:  historyTTL,
		sessionsTTL: sessionsTTL,
		validate:    newChatValidator(),
		log:         log,
		now:         func() time.Time { return time.Now().UTC() },
		newID:       uuid.NewString,
	}
}

// ListSessions returns the flow's sessions in creation order.  The first one
// is the primary session.
func (s *Chats) ListSessions(ctx context.Context, username, flowID string) ([]model.ChatSession, error) {
	if err := s.checkIDs(flowID); err != nil {
		return nil, err
	}
	return readThrough(ctx, s.m, cache.SessionsKey(username, flowID), s.sessionsTTL,
		func(ctx context.Context) ([]model.ChatSession, error) {
			list, err := s.chats.ListSessions(ctx, username, flowID)
			if err != nil {
				return nil, err
			}
			if list == nil {
				list = []model.ChatSession{}
			}
			if len(list) > 0 {
				list[0].Primary = true
			}
			return list, nil
		})
}

// CreateSession starts a new session.  An empty name becomes "Main session"
// for the first session of a flow and "Session N" afterwards.
func (s *Chats) CreateSession(ctx context.Context, username, flowID, name string) (model.ChatSession, error) {
	if err := s.checkIDs(flowID); err != nil {
		return model.ChatSession{}, err
	}
	name = strings.TrimSpace(name)
	if len(name) > maxNameLen {
		return model.ChatSession{}, fmt.Errorf("%w: name too long", ErrInvalidInput)
	}
	return s.create(ctx, username, flowID, s.newID(), name)
}

func (s *Chats) create(ctx context.Context, username, flowID, sessionID, name string) (model.ChatSession, error) {
	existing, err := s.chats.ListSessions(ctx, username, flowID)
	if err != nil {
		return model.ChatSession{}, err
	}
	if name == "" {
		name = defaultSessionName(len(existing))
	}
	now := s.now()
	sess := model.ChatSession{
		Username:  username,
		FlowID:    flowID,
		SessionID: sessionID,
		Name:      name,
		Primary:   len(existing) == 0,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.chats.CreateSession(ctx, sess); err != nil {
		return model.ChatSession{}, err
	}
	s.m.invalidate(ctx, cache.SessionsKey(username, flowID))
	return sess, nil
}

func defaultSessionName(existing int) string {
	if existing == 0 {
		return MainSessionName
	}
	return fmt.Sprintf("Session %d", existing+1)
}

// RenameSession changes a session's display name.
func (s *Chats) RenameSession(ctx context.Context, username, flowID, sessionID, name string) error {
	if err := s.checkIDs(flowID, sessionID); err != nil {
		return err
	}
	name = strings.TrimSpace(name)
	if name == "" || len(name) > maxNameLen {
		return fmt.Errorf("%w: name must be 1-%d characters", ErrInvalidInput, maxNameLen)
	}
	if err := s.chats.RenameSession(ctx, username, flowID, sessionID, name); err != nil {
		return translate(err, ErrSessionNotFound)
	}
	s.m.invalidate(ctx, cache.SessionsKey(username, flowID))
	return nil
}

// DeleteSession removes a session and its history.
func (s *Chats) DeleteSession(ctx context.Context, username, flowID, sessionID string) error {
	if err := s.checkIDs(flowID, sessionID); err != nil {
		return err
	}
	if err := s.chats.DeleteSession(ctx, username, flowID, sessionID); err != nil {
		return translate(err, ErrSessionNotFound)
	}
	s.m.invalidate(ctx, cache.SessionsKey(username, flowID), cache.HistoryKey(username, flowID, sessionID))
	return nil
}

// History is a cache-aside read of a session's messages.  A session without
// history reads as an empty list.
func (s *Chats) History(ctx context.Context, username, flowID, sessionID string) ([]model.Message, error) {
	if err := s.checkIDs(flowID, sessionID); err != nil {
		return nil, err
	}
	msgs, err := readThrough(ctx, s.m, cache.HistoryKey(username, flowID, sessionID), s.historyTTL,
		func(ctx context.Context) ([]model.Message, error) {
			h, err := s.chats.GetHistory(ctx, username, flowID, sessionID)
			if err != nil {
				return nil, err
			}
			return h.Messages, nil
		})
	if errors.Is(err, repository.ErrNotFound) {
		return []model.Message{}, nil
	}
	return msgs, err
}

// SaveHistory replaces a session's messages, creating the session when
// needed, and overwrites the cached copy.
func (s *Chats) SaveHistory(ctx context.Context, username, flowID, sessionID string, msgs []model.Message) error {
	if err := s.checkIDs(flowID, sessionID); err != nil {
		return err
	}
	if err := checkMessages(msgs); err != nil {
		return err
	}
	if err := s.ensureSession(ctx, username, flowID, sessionID); err != nil {
		return err
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	h := model.ChatHistory{Username: username, FlowID: flowID, SessionID: sessionID, Messages: msgs, UpdatedAt: s.now()}
	if err := s.chats.SaveHistory(ctx, h); err != nil {
		return err
	}
	s.m.set(ctx, cache.HistoryKey(username, flowID, sessionID), msgs, s.historyTTL)
	return nil
}

// AppendMessages adds messages to a session and returns the full history.
func (s *Chats) AppendMessages(ctx context.Context, username, flowID, sessionID string, msgs []model.Message) ([]model.Message, error) {
	if err := s.checkIDs(flowID, sessionID); err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("%w: no messages", ErrInvalidInput)
	}
	if err := checkMessages(msgs); err != nil {
		return nil, err
	}
	if err := s.ensureSession(ctx, username, flowID, sessionID); err != nil {
		return nil, err
	}
	h, err := s.chats.AppendMessages(ctx, username, flowID, sessionID, msgs, s.now())
	if err != nil {
		return nil, err
	}
	s.m.set(ctx, cache.HistoryKey(username, flowID, sessionID), h.Messages, s.historyTTL)
	return h.Messages, nil
}

// ClearHistory empties a session without deleting it.
func (s *Chats) ClearHistory(ctx context.Context, username, flowID, sessionID string) error {
	return s.SaveHistory(ctx, username, flowID, sessionID, []model.Message{})
}

// DeleteMessage removes the message at index from a session's history and
// overwrites the cached copy with what is left.
func (s *Chats) DeleteMessage(ctx context.Context, username, flowID, sessionID string, index int) ([]model.Message, error) {
	if err := s.checkIDs(flowID, sessionID); err != nil {
		return nil, err
	}
	if index < 0 {
		return nil, ErrMessageNotFound
	}
	h, err := s.chats.DeleteMessage(ctx, username, flowID, sessionID, index, s.now())
	if err != nil {
		return nil, translate(err, ErrMessageNotFound)
	}
	s.m.set(ctx, cache.HistoryKey(username, flowID, sessionID), h.Messages, s.historyTTL)
	return h.Messages, nil
}

// ListFlows summarises the flows a user has sessions in, oldest first.
func (s *Chats) ListFlows(ctx context.Context, username string) ([]model.ChatFlow, error) {
	flows, err := s.chats.ListFlows(ctx, username)
	if err != nil {
		return nil, err
	}
	if flows == nil {
		flows = []model.ChatFlow{}
	}
	return flows, nil
}

// DeleteFlow removes every session and history of one flow and returns how
// many sessions went away.
func (s *Chats) DeleteFlow(ctx context.Context, username, flowID string) (int, error) {
	if err := s.checkIDs(flowID); err != nil {
		return 0, err
	}
	n, err := s.chats.DeleteFlow(ctx, username, flowID)
	if err != nil {
		return 0, translate(err, ErrFlowNotFound)
	}
	s.m.invalidate(ctx, cache.SessionsKey(username, flowID))
	s.m.invalidatePattern(ctx, cache.HistoryFlowPattern(username, flowID))
	return n, nil
}

func (s *Chats) checkIDs(ids ...string) error {
	for _, id := range ids {
		if err := s.validate.Var(id, "chatid"); err != nil {
			return fmt.Errorf("%w: ids must be 1-64 letters, digits, '-' or '_'", ErrInvalidInput)
		}
	}
	return nil
}

// ensureSession creates the session row on first write.
func (s *Chats) ensureSession(ctx context.Context, username, flowID, sessionID string) error {
	list, err := s.chats.ListSessions(ctx, username, flowID)
	if err != nil {
		return err
	}
	for _, sess := range list {
		if sess.SessionID == sessionID {
			return nil
		}
	}
	_, err = s.create(ctx, username, flowID, sessionID, "")
	if errors.Is(err, repository.ErrSessionExists) {
		return nil
	}
	return err
}

func checkMessages(msgs []model.Message) error {
	for i, m := range msgs {
		if !messageRoles[m.Role] {
			return fmt.Errorf("%w: message %d has unknown role %q", ErrInvalidInput, i, m.Role)
		}
		if strings.TrimSpace(m.Content) == "" {
			return fmt.Errorf("%w: message %d is empty", ErrInvalidInput, i)
		}
	}
	return nil
}
