package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"runbox/internal/common/mq"
	"runbox/internal/exec/model"
	appErr "runbox/pkg/errors"
)

// TaskPublisher enqueues executions for asynchronous processing.
type TaskPublisher interface {
	PublishTask(ctx context.Context, task model.ExecutionTask) error
}

// MQTaskPublisher publishes execution tasks to a message queue.
type MQTaskPublisher struct {
	queue mq.MessageQueue
	topic string
}

// NewMQTaskPublisher creates a new MQ task publisher.
func NewMQTaskPublisher(queue mq.MessageQueue, topic string) *MQTaskPublisher {
	return &MQTaskPublisher{queue: queue, topic: topic}
}

// PublishTask publishes one execution task keyed by execution id.
func (p *MQTaskPublisher) PublishTask(ctx context.Context, task model.ExecutionTask) error {
	if p == nil || p.queue == nil {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("task publisher is not configured")
	}
	if p.topic == "" {
		return appErr.New(appErr.InvalidParams).WithMessage("task topic is required")
	}
	if task.ExecutionID == "" {
		return appErr.ValidationError("execution_id", "required")
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal execution task failed: %w", err)
	}
	message := mq.NewMessage(payload)
	message.ID = task.ExecutionID
	if err := p.queue.Publish(ctx, p.topic, message); err != nil {
		return appErr.Wrapf(err, appErr.SubmitFailed, "publish execution task failed")
	}
	return nil
}
