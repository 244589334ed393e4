// Package queue connects runners to the work queue: queue items arrive on a
// NATS subject, runner events leave on a per item subject.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/subscout/internal/config"
)

// ErrClosed is returned when operating on a closed bus.
var ErrClosed = errors.New("queue bus closed")

// Bus is the transport the consumer and the publisher need. Implementations
// must be safe for concurrent use.
type Bus interface {
	Publish(ctx context.Context, subject string, data []byte) error
	// QueueSubscribe load balances subject across every subscriber in group.
	QueueSubscribe(ctx context.Context, subject, group string, handler Handler) (Subscription, error)
	Close() error
}

// Handler processes one message. A non nil return is sent to the message's
// reply subject, when it has one.
type Handler func(msg *Message) []byte

type Message struct {
	Subject string
	Data    []byte
	ReplyTo string
}

type Subscription interface {
	Unsubscribe() error
}

// NATSBus implements Bus on a plain NATS connection.
type NATSBus struct {
	conn   *nats.Conn
	closed atomic.Bool
}

var _ Bus = (*NATSBus)(nil)

// Connect dials cfg.URL and keeps reconnecting for the life of the process.
func Connect(cfg config.QueueConfig, logger *zap.Logger) (*NATSBus, error) {
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	logger = logger.Named("nats")
	conn, err := nats.Connect(url,
		nats.Name(cfg.Name),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("Disconnected from NATS.", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("Reconnected to NATS.", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", url, err)
	}
	return &NATSBus{conn: conn}, nil
}

func (b *NATSBus) Publish(ctx context.Context, subject string, data []byte) error {
	if b.closed.Load() {
		return ErrClosed
	}
	return b.conn.Publish(subject, data)
}

func (b *NATSBus) QueueSubscribe(ctx context.Context, subject, group string, handler Handler) (Subscription, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	sub, err := b.conn.QueueSubscribe(subject, group, func(msg *nats.Msg) {
		reply := handler(&Message{Subject: msg.Subject, Data: msg.Data, ReplyTo: msg.Reply})
		if reply != nil && msg.Reply != "" {
			_ = msg.Respond(reply)
		}
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Close drains pending messages before closing the connection.
func (b *NATSBus) Close() error {
	if b.closed.Swap(true) {
		return ErrClosed
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return err
	}
	return nil
}
