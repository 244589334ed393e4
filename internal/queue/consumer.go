package queue

import (
	"context"
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/subscout/api/schemas"
	"github.com/xkilldash9x/subscout/internal/config"
	"github.com/xkilldash9x/subscout/internal/observability"
	"github.com/xkilldash9x/subscout/internal/runner"
	"github.com/xkilldash9x/subscout/internal/service"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// Runners is the part of runner.Manager the consumer drives.
type Runners interface {
	Start(id string, job runner.Job) (*runner.Runner, error)
	Answer(id string, value *string) error
	Cancel(id string) error
}

// Actions builds the job a pending item runs.
type Actions interface {
	Job(provider string, action schemas.ActionName, creds *schemas.Credentials, opts ...service.Option) runner.Job
}

// Reply acknowledges a queue item on its reply subject.
type Reply struct {
	QueueID  string             `json:"queueId,omitempty"`
	Accepted bool               `json:"accepted"`
	Error    *schemas.ErrorBody `json:"error,omitempty"`
}

// Publisher publishes runner events on {subject}.{queueId}.
type Publisher struct {
	bus     Bus
	subject string
}

var _ runner.Publisher = (*Publisher)(nil)

func NewPublisher(bus Bus, subject string) *Publisher {
	return &Publisher{bus: bus, subject: subject}
}

func (p *Publisher) Publish(ctx context.Context, ev schemas.QueueEvent) error {
	data, err := codec.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", ev.Type, err)
	}
	return p.bus.Publish(ctx, p.subject+"."+ev.QueueID, data)
}

// Consumer turns queue items into runner operations.
type Consumer struct {
	bus     Bus
	runners Runners
	actions Actions
	cfg     config.QueueConfig
	logger  *zap.Logger
}

func NewConsumer(bus Bus, runners Runners, actions Actions, cfg config.QueueConfig, logger *zap.Logger) *Consumer {
	return &Consumer{
		bus:     bus,
		runners: runners,
		actions: actions,
		cfg:     cfg,
		logger:  logger.Named("queue_consumer"),
	}
}

// Run subscribes and blocks until ctx is done.
func (c *Consumer) Run(ctx context.Context) error {
	sub, err := c.bus.QueueSubscribe(ctx, c.cfg.Subject, c.cfg.QueueGroup, c.Handle)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", c.cfg.Subject, err)
	}
	c.logger.Info("Consuming queue items.", zap.String("subject", c.cfg.Subject), zap.String("group", c.cfg.QueueGroup))
	<-ctx.Done()
	if err := sub.Unsubscribe(); err != nil {
		c.logger.Warn("Failed to unsubscribe.", zap.Error(err))
	}
	return nil
}

// Handle processes one raw queue item and returns the encoded Reply.
func (c *Consumer) Handle(msg *Message) []byte {
	reply := c.handle(msg.Data)
	data, err := codec.Marshal(reply)
	if err != nil {
		c.logger.Error("Failed to encode reply.", zap.Error(err))
		return nil
	}
	return data
}

func (c *Consumer) handle(data []byte) Reply {
	item, err := schemas.DecodeQueueItem(data)
	if err != nil {
		// Invalid items are never retried; the sender gets the reason.
		observability.LogActionError(c.logger, err, zap.String("queue_id", item.QueueID))
		return rejected(item.QueueID, err)
	}
	logger := c.logger.With(
		zap.String("queue_id", item.QueueID),
		zap.String("user", item.User),
		zap.String("provider", item.Service),
		zap.String("action", string(item.Type)),
	)

	switch item.Status {
	case schemas.QueuePending:
		job := c.actions.Job(item.Service, item.Type, item.Login, service.WithLogger(logger))
		_, err = c.runners.Start(item.QueueID, job)
	case schemas.QueueAnswer:
		err = c.runners.Answer(item.QueueID, item.Answer)
	case schemas.QueueCanceled:
		err = c.runners.Cancel(item.QueueID)
	}
	if err != nil {
		observability.LogActionError(logger, err, zap.String("status", string(item.Status)))
		return rejected(item.QueueID, err)
	}
	logger.Debug("Queue item accepted.", zap.String("status", string(item.Status)))
	return Reply{QueueID: item.QueueID, Accepted: true}
}

func rejected(id string, err error) Reply {
	ae, ok := schemas.AsActionError(err)
	if !ok {
		ae = schemas.NewServerError(schemas.CodeInvalidQueueItem, err.Error())
	}
	body := ae.Body()
	return Reply{QueueID: id, Error: &body}
}
