package model

import "time"

// Message is one role-tagged entry of a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatSession is a row of `chat_sessions`, unique per
// (username, flow_id, session_id).  Lists of sessions are mirrored under
// `sessions:{username}:{flow}`.
type ChatSession struct {
	Username  string    `json:"username"`
	FlowID    string    `json:"flow_id"`
	SessionID string    `json:"session_id"`
	Name      string    `json:"name"`
	Primary   bool      `json:"primary"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ChatHistory is the ordered message list of one session.  Messages are
// mirrored under `chat_history:{username}:{flow}:{session}`.
type ChatHistory struct {
	Username  string    `json:"username"`
	FlowID    string    `json:"flow_id"`
	SessionID string    `json:"session_id"`
	Messages  []Message `json:"messages"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ChatFlow summarises one flow of a user: how many sessions it holds and
// when any of them last changed.
type ChatFlow struct {
	FlowID    string    `json:"flow_id"`
	Sessions  int       `json:"sessions"`
	UpdatedAt time.Time `json:"updated_at"`
}
