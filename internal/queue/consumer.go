package queue

// This file contains the background consumer that listens to the
// token.events queue and appends one line per event to a log file.

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/iliyamo/genchat/internal/retry"
)

// DefaultLogPath is where Consumer writes when LogPath is empty.
const DefaultLogPath = "logs/token_events.log"

// Consumer drains the token events queue into a log file.
type Consumer struct {
	URL         string
	Queue       string
	LogPath     string
	DialTimeout time.Duration
	Reconnect   retry.Policy // delays between failed dials; Attempts is unused
	Log         *slog.Logger

	connect func(ctx context.Context) (*amqp.Connection, error)
}

// DefaultReconnect waits 1s after the first failed dial, doubling up to 30s.
var DefaultReconnect = retry.Policy{Base: time.Second, Max: 30 * time.Second}

func NewConsumer(url, logPath string, log *slog.Logger) *Consumer {
	if logPath == "" {
		logPath = DefaultLogPath
	}
	if log == nil {
		log = slog.Default()
	}
	c := &Consumer{
		URL:         url,
		Queue:       TokenQueueName,
		LogPath:     logPath,
		DialTimeout: DefaultDialTimeout,
		Reconnect:   DefaultReconnect,
		Log:         log.With("component", "token-consumer"),
	}
	c.connect = func(ctx context.Context) (*amqp.Connection, error) {
		return dial(ctx, c.URL, c.DialTimeout)
	}
	return c
}

// Run connects to RabbitMQ, declares the queue (durable), and consumes
// messages until ctx is cancelled.  Dials are retried with the Reconnect
// backoff, which starts over after every successful connect.  Messages that
// cannot be handled are rejected without requeue so one bad payload cannot
// loop.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		var conn *amqp.Connection
		err := c.Reconnect.Forever(ctx, func(ctx context.Context) error {
			var err error
			conn, err = c.connect(ctx)
			if err != nil {
				c.Log.Warn("failed to dial broker", "error", err)
			}
			return err
		})
		if err != nil {
			return err
		}

		err = c.consumeLoop(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.Log.Warn("consume loop ended; reconnecting", "error", err)
	}
}

func (c *Consumer) consumeLoop(ctx context.Context, conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(50, 0, false); err != nil {
		c.Log.Warn("set QoS failed", "error", err)
	}

	if _, err := ch.QueueDeclare(c.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}

	msgs, err := ch.Consume(c.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			if err := c.HandleMessage(d.Body); err != nil {
				c.Log.Error("handle message failed", "error", err)
				_ = d.Nack(false, false)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

// HandleMessage decodes one delivery and appends its log line.
func (c *Consumer) HandleMessage(body []byte) error {
	var ev TokenEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	if ev.Type == "" {
		return errors.New("event without type")
	}
	if err := os.MkdirAll(filepath.Dir(c.LogPath), 0o755); err != nil {
		return fmt.Errorf("mkdir logs: %w", err)
	}
	f, err := os.OpenFile(c.LogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(FormatLine(ev)); err != nil {
		return fmt.Errorf("write log: %w", err)
	}
	return nil
}

// FormatLine renders an event as a single human-friendly line.  Token values
// are shortened so the log never holds a usable credential.
func FormatLine(ev TokenEvent) string {
	parts := []string{fmt.Sprintf("[%s] Token %s", ev.OccurredAt, ev.Type)}
	if ev.Token != "" {
		parts = append(parts, "token="+MaskToken(ev.Token))
	}
	if ev.Username != "" {
		parts = append(parts, "user="+ev.Username)
	}
	if ev.Actor != "" {
		parts = append(parts, "actor="+ev.Actor)
	}
	if ev.Type == EventSwept {
		parts = append(parts, fmt.Sprintf("count=%d", ev.Count))
	} else if ev.Total > 0 {
		parts = append(parts, fmt.Sprintf("remaining=%d/%d", ev.Remaining, ev.Total))
	} else {
		parts = append(parts, fmt.Sprintf("remaining=%d", ev.Remaining))
	}
	return strings.Join(parts, " | ") + "\n"
}

// MaskToken keeps the first eight characters of a token.
func MaskToken(tok string) string {
	if len(tok) <= 8 {
		return tok
	}
	return tok[:8] + "..."
}
