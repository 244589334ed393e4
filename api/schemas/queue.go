package schemas

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// QueueStatus drives what the consumer does with an item.
type QueueStatus string

const (
	QueuePending  QueueStatus = "pending"
	QueueAnswer   QueueStatus = "answer"
	QueueCanceled QueueStatus = "canceled"
)

// QueueItem is one unit of work delivered by the queue.
type QueueItem struct {
	Type    ActionName      `json:"type"`
	User    string          `json:"user"`
	Service string          `json:"service"`
	QueueID string          `json:"queueId"`
	Status  QueueStatus     `json:"status"`
	Answer  *string         `json:"answer,omitempty"`
	Login   *Credentials    `json:"login,omitempty"`
	Meta    json.RawMessage `json:"meta,omitempty"`
}

// Validate rejects items the consumer cannot act on. Any error is a fatal,
// non retryable server error.
func (q QueueItem) Validate() error {
	var errs []error
	if _, err := ParseActionName(string(q.Type)); err != nil {
		errs = append(errs, err)
	}
	if strings.TrimSpace(q.User) == "" {
		errs = append(errs, errors.New("user is required"))
	}
	if strings.TrimSpace(q.Service) == "" {
		errs = append(errs, errors.New("service is required"))
	}
	if strings.TrimSpace(q.QueueID) == "" {
		errs = append(errs, errors.New("queueId is required"))
	}
	switch q.Status {
	case QueuePending, QueueCanceled:
	case QueueAnswer:
		// a nil answer on an answer item is the user dismissing the prompt
	default:
		errs = append(errs, fmt.Errorf("unknown status %q", q.Status))
	}
	if len(errs) > 0 {
		return &ActionError{
			Kind:    KindServer,
			Code:    CodeInvalidQueueItem,
			Message: "invalid queue item",
			Cause:   errors.Join(errs...),
		}
	}
	return nil
}

// DecodeQueueItem parses and validates a raw queue payload.
func DecodeQueueItem(data []byte) (QueueItem, error) {
	var q QueueItem
	if err := json.Unmarshal(data, &q); err != nil {
		return q, &ActionError{Kind: KindServer, Code: CodeInvalidQueueItem, Message: "invalid queue item", Cause: err}
	}
	return q, q.Validate()
}

// QueueEventType is the kind of a runner event published back to the queue.
type QueueEventType string

const (
	EventAsk      QueueEventType = "ask"
	EventDone     QueueEventType = "done"
	EventError    QueueEventType = "error"
	EventCanceled QueueEventType = "canceled"
	EventState    QueueEventType = "state"
)

// QueueEvent is published for every observable runner transition.
type QueueEvent struct {
	QueueID string         `json:"queueId"`
	Type    QueueEventType `json:"type"`
	State   string         `json:"state,omitempty"`
	Key     string         `json:"key,omitempty"`
	Prompt  *PromptRequest `json:"prompt,omitempty"`
	Data    Subscriptions  `json:"data,omitempty"`
	Error   *ErrorBody     `json:"error,omitempty"`
}

// PromptRequest asks the user for a value, e.g. a one time password.
type PromptRequest struct {
	Title        string `json:"title"`
	Text         string `json:"text"`
	DefaultValue string `json:"defaultValue,omitempty"`
}
