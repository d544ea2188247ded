package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/iliyamo/genchat/internal/model"
	"github.com/iliyamo/genchat/internal/retry"
)

// ChatRepo persists chat sessions and their message history.  History is
// one row per session holding the messages as a JSON array.
type ChatRepo struct {
	DB    *sql.DB
	Retry retry.Policy
}

func NewChatRepo(db *sql.DB, p retry.Policy) *ChatRepo { return &ChatRepo{DB: db, Retry: p} }

// ListSessions returns the sessions of one flow in creation order.
func (r *ChatRepo) ListSessions(ctx context.Context, username, flowID string) ([]model.ChatSession, error) {
	var out []model.ChatSession
	err := run(ctx, r.Retry, func(ctx context.Context) error {
		out = out[:0]
		rows, err := r.DB.QueryContext(ctx,
			`SELECT username, flow_id, session_id, name, created_at, updated_at
			 FROM chat_sessions WHERE username=? AND flow_id=? ORDER BY created_at, id`,
			username, flowID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var s model.ChatSession
			if err := rows.Scan(&s.Username, &s.FlowID, &s.SessionID, &s.Name, &s.CreatedAt, &s.UpdatedAt); err != nil {
				return err
			}
			out = append(out, s)
		}
		return rows.Err()
	})
	return out, err
}

// CreateSession inserts a session row.
func (r *ChatRepo) CreateSession(ctx context.Context, s model.ChatSession) error {
	return run(ctx, r.Retry, func(ctx context.Context) error {
		_, err := r.DB.ExecContext(ctx,
			"INSERT INTO chat_sessions (username, flow_id, session_id, name, created_at, updated_at) VALUES (?,?,?,?,?,?)",
			s.Username, s.FlowID, s.SessionID, s.Name, s.CreatedAt, s.UpdatedAt)
		if isDuplicate(err) {
			return ErrSessionExists
		}
		return err
	})
}

// RenameSession changes the display name of a session.
func (r *ChatRepo) RenameSession(ctx context.Context, username, flowID, sessionID, name string) error {
	return run(ctx, r.Retry, func(ctx context.Context) error {
		res, err := r.DB.ExecContext(ctx,
			"UPDATE chat_sessions SET name=? WHERE username=? AND flow_id=? AND session_id=?",
			name, username, flowID, sessionID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// DeleteSession removes a session together with its history.
func (r *ChatRepo) DeleteSession(ctx context.Context, username, flowID, sessionID string) error {
	return inTx(ctx, r.DB, r.Retry, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM chat_history WHERE username=? AND flow_id=? AND session_id=?",
			username, flowID, sessionID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			"DELETE FROM chat_sessions WHERE username=? AND flow_id=? AND session_id=?",
			username, flowID, sessionID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// GetHistory fetches the message history of one session.
func (r *ChatRepo) GetHistory(ctx context.Context, username, flowID, sessionID string) (model.ChatHistory, error) {
	h := model.ChatHistory{Username: username, FlowID: flowID, SessionID: sessionID}
	err := run(ctx, r.Retry, func(ctx context.Context) error {
		var raw string
		err := r.DB.QueryRowContext(ctx,
			"SELECT messages, updated_at FROM chat_history WHERE username=? AND flow_id=? AND session_id=? LIMIT 1",
			username, flowID, sessionID).Scan(&raw, &h.UpdatedAt)
		if err != nil {
			return notFound(err)
		}
		h.Messages, err = decodeMessages(raw)
		return err
	})
	return h, err
}

// SaveHistory replaces the message history of a session, creating the row
// when needed.
func (r *ChatRepo) SaveHistory(ctx context.Context, h model.ChatHistory) error {
	raw, err := encodeMessages(h.Messages)
	if err != nil {
		return err
	}
	return run(ctx, r.Retry, func(ctx context.Context) error {
		_, err := r.DB.ExecContext(ctx,
			`INSERT INTO chat_history (username, flow_id, session_id, messages, updated_at) VALUES (?,?,?,?,?)
			 ON DUPLICATE KEY UPDATE messages=VALUES(messages), updated_at=VALUES(updated_at)`,
			h.Username, h.FlowID, h.SessionID, raw, h.UpdatedAt)
		return err
	})
}

// AppendMessages adds msgs to the end of a session's history under a row
// lock and returns the full history.
func (r *ChatRepo) AppendMessages(ctx context.Context, username, flowID, sessionID string, msgs []model.Message, at time.Time) (model.ChatHistory, error) {
	h := model.ChatHistory{Username: username, FlowID: flowID, SessionID: sessionID, UpdatedAt: at}
	err := inTx(ctx, r.DB, r.Retry, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"INSERT IGNORE INTO chat_history (username, flow_id, session_id, messages, updated_at) VALUES (?,?,?,'[]',?)",
			username, flowID, sessionID, at); err != nil {
			return err
		}
		var raw string
		if err := tx.QueryRowContext(ctx,
			"SELECT messages FROM chat_history WHERE username=? AND flow_id=? AND session_id=? FOR UPDATE",
			username, flowID, sessionID).Scan(&raw); err != nil {
			return err
		}
		existing, err := decodeMessages(raw)
		if err != nil {
			return err
		}
		h.Messages = append(existing, msgs...)
		out, err := encodeMessages(h.Messages)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			"UPDATE chat_history SET messages=?, updated_at=? WHERE username=? AND flow_id=? AND session_id=?",
			out, at, username, flowID, sessionID)
		return err
	})
	if err != nil {
		return model.ChatHistory{}, err
	}
	return h, nil
}

// DeleteMessage removes the message at index from a session's history under
// a row lock.  A missing history row or an index past the end is ErrNotFound.
func (r *ChatRepo) DeleteMessage(ctx context.Context, username, flowID, sessionID string, index int, at time.Time) (model.ChatHistory, error) {
	h := model.ChatHistory{Username: username, FlowID: flowID, SessionID: sessionID, UpdatedAt: at}
	err := inTx(ctx, r.DB, r.Retry, func(ctx context.Context, tx *sql.Tx) error {
		var raw string
		if err := tx.QueryRowContext(ctx,
			"SELECT messages FROM chat_history WHERE username=? AND flow_id=? AND session_id=? FOR UPDATE",
			username, flowID, sessionID).Scan(&raw); err != nil {
			return notFound(err)
		}
		existing, err := decodeMessages(raw)
		if err != nil {
			return err
		}
		if index < 0 || index >= len(existing) {
			return ErrNotFound
		}
		h.Messages = append(existing[:index:index], existing[index+1:]...)
		out, err := encodeMessages(h.Messages)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			"UPDATE chat_history SET messages=?, updated_at=? WHERE username=? AND flow_id=? AND session_id=?",
			out, at, username, flowID, sessionID)
		return err
	})
	if err != nil {
		return model.ChatHistory{}, err
	}
	return h, nil
}

// ListFlows groups a user's sessions by flow, oldest flow first.
func (r *ChatRepo) ListFlows(ctx context.Context, username string) ([]model.ChatFlow, error) {
	var out []model.ChatFlow
	err := run(ctx, r.Retry, func(ctx context.Context) error {
		out = out[:0]
		rows, err := r.DB.QueryContext(ctx,
			`SELECT flow_id, COUNT(*), MAX(updated_at)
			 FROM chat_sessions WHERE username=? GROUP BY flow_id ORDER BY MIN(created_at), flow_id`,
			username)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var f model.ChatFlow
			if err := rows.Scan(&f.FlowID, &f.Sessions, &f.UpdatedAt); err != nil {
				return err
			}
			out = append(out, f)
		}
		return rows.Err()
	})
	return out, err
}

// DeleteFlow removes every session of a flow together with their history
// and returns the number of sessions deleted.
func (r *ChatRepo) DeleteFlow(ctx context.Context, username, flowID string) (int, error) {
	var n int64
	err := inTx(ctx, r.DB, r.Retry, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM chat_history WHERE username=? AND flow_id=?", username, flowID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			"DELETE FROM chat_sessions WHERE username=? AND flow_id=?", username, flowID)
		if err != nil {
			return err
		}
		if n, _ = res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
	return int(n), err
}

func decodeMessages(raw string) ([]model.Message, error) {
	msgs := []model.Message{}
	if raw == "" {
		return msgs, nil
	}
	if err := json.Unmarshal([]byte(raw), &msgs); err != nil {
		return nil, fmt.Errorf("decode chat history: %w", err)
	}
	return msgs, nil
}

func encodeMessages(msgs []model.Message) (string, error) {
	if msgs == nil {
		msgs = []model.Message{}
	}
	b, err := json.Marshal(msgs)
	if err != nil {
		return "", fmt.Errorf("encode chat history: %w", err)
	}
	return string(b), nil
}
