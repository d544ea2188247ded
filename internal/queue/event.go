// Package queue defines message payloads exchanged over the message broker.
package queue

import "time"

// TokenQueueName is the durable queue carrying TokenEvent messages.
const TokenQueueName = "token.events"

// Token lifecycle event types.
const (
	EventIssued    = "issued"
	EventActivated = "activated"
	EventExhausted = "exhausted"
	EventExpired   = "expired"
	EventRevoked   = "revoked"
	EventSwept     = "swept"
)

// TokenEvent is published on every token lifecycle transition.  It carries
// enough information for downstream consumers to log, notify, or trigger
// analytics without querying the primary database.
type TokenEvent struct {
	Type       string `json:"type"`
	Token      string `json:"token,omitempty"`
	Username   string `json:"username,omitempty"`
	Actor      string `json:"actor,omitempty"`
	Total      int    `json:"total_generations,omitempty"`
	Remaining  int    `json:"remaining_generations"`
	Count      int    `json:"count,omitempty"` // swept: number of tokens removed
	OccurredAt string `json:"occurred_at"`
}

// NewTokenEvent stamps an event of the given type with the current UTC time.
func NewTokenEvent(typ string) TokenEvent {
	return TokenEvent{Type: typ, OccurredAt: time.Now().UTC().Format(time.RFC3339)}
}
