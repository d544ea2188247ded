package queue

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultDialTimeout bounds the TCP connect plus the AMQP handshake.
const DefaultDialTimeout = 2 * time.Second

// dialBudget is the time a dial may take: timeout, shortened to what is
// left of ctx.
func dialBudget(ctx context.Context, timeout time.Duration) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < timeout {
			timeout = left
		}
	}
	if timeout <= 0 {
		return 0, context.DeadlineExceeded
	}
	return timeout, nil
}

func dial(ctx context.Context, url string, timeout time.Duration) (*amqp.Connection, error) {
	budget, err := dialBudget(ctx, timeout)
	if err != nil {
		return nil, err
	}
	return amqp.DialConfig(url, amqp.Config{
		Locale: "en_US",
		Dial:   amqp.DefaultDial(budget),
	})
}
