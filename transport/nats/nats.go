// Package nats adapts a NATS connection to the core.Transport interface. The
// public event log is a subject; every participant publishes to and
// subscribes on the same subject, which gives the append-ordered broadcast
// semantics the engine expects.
package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/convoke-ai/convoke/logging"
)

// DefaultSubject is the event log subject when none is configured.
const DefaultSubject = "convoke.events"

// Options configures the transport.
type Options struct {
	Subject string
	Logger  logging.Logger
}

// Transport implements core.Transport over a NATS subject. It does not own
// the connection: the embedding process connects, drains and closes.
type Transport struct {
	conn    *nats.Conn
	subject string
	logger  logging.Logger
}

// Connect dials a NATS server with the retry settings the daemon uses and
// returns the raw connection for lifecycle management by the caller.
func Connect(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return nc, nil
}

// New creates a Transport over an existing connection.
func New(conn *nats.Conn, optFns ...func(o *Options)) *Transport {
	opts := Options{
		Subject: DefaultSubject,
		Logger:  logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Transport{conn: conn, subject: opts.Subject, logger: opts.Logger}
}

// Publish sends one raw message to the event log subject.
func (t *Transport) Publish(ctx context.Context, raw []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := t.conn.Publish(t.subject, raw); err != nil {
		return fmt.Errorf("publish %s: %w", t.subject, err)
	}
	return nil
}

// Subscribe registers handler for every raw message on the event log subject
// and returns an unsubscribe function. Handler invocations are delivered in
// subject order by the NATS client on a single goroutine per subscription.
func (t *Transport) Subscribe(ctx context.Context, handler func(raw []byte)) (func() error, error) {
	sub, err := t.conn.Subscribe(t.subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", t.subject, err)
	}

	t.logger.Info("transport.nats.subscribed", "subject", t.subject)

	stop := context.AfterFunc(ctx, func() {
		if err := sub.Unsubscribe(); err != nil {
			t.logger.Warn("transport.nats.unsubscribe_failed", "error", err.Error())
		}
	})

	return func() error {
		if stop() {
			return sub.Unsubscribe()
		}
		return nil
	}, nil
}
