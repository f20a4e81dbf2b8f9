package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"runbox/internal/common/mq"
	"runbox/internal/exec/model"
	appErr "runbox/pkg/errors"
)

// EventPublisher publishes terminal execution events.
type EventPublisher interface {
	PublishFinal(ctx context.Context, event model.ExecutionEvent) error
}

// MQEventPublisher publishes execution events to a message queue.
type MQEventPublisher struct {
	queue mq.MessageQueue
	topic string
}

// NewMQEventPublisher creates a new MQ event publisher.
func NewMQEventPublisher(queue mq.MessageQueue, topic string) *MQEventPublisher {
	return &MQEventPublisher{queue: queue, topic: topic}
}

// PublishFinal publishes a terminal execution event.
func (p *MQEventPublisher) PublishFinal(ctx context.Context, event model.ExecutionEvent) error {
	if p == nil || p.queue == nil {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("event publisher is not configured")
	}
	if p.topic == "" {
		return appErr.New(appErr.InvalidParams).WithMessage("event topic is required")
	}
	if event.ExecutionID == "" {
		return appErr.ValidationError("execution_id", "required")
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal execution event failed: %w", err)
	}
	message := mq.NewMessage(payload)
	message.ID = event.ExecutionID
	if err := p.queue.Publish(ctx, p.topic, message); err != nil {
		return appErr.Wrapf(err, appErr.ServiceUnavailable, "publish execution event failed")
	}
	return nil
}
