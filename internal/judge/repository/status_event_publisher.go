package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"judgeflow/internal/common/mq"
	"judgeflow/internal/judge/model"
	appErr "judgeflow/pkg/errors"
)

// StatusEventPublisher publishes terminal status events for operators.
type StatusEventPublisher interface {
	PublishFinalStatus(ctx context.Context, result model.TaskResult) error
	PublishDeadLetter(ctx context.Context, job *mq.Job, reason string) error
}

// MQStatusEventPublisher publishes status events to a message queue.
type MQStatusEventPublisher struct {
	producer        mq.Producer
	statusTopic     string
	deadLetterTopic string
}

// NewMQStatusEventPublisher creates a new MQ status event publisher.
func NewMQStatusEventPublisher(producer mq.Producer, statusTopic, deadLetterTopic string) *MQStatusEventPublisher {
	return &MQStatusEventPublisher{producer: producer, statusTopic: statusTopic, deadLetterTopic: deadLetterTopic}
}

// PublishFinalStatus publishes a final status event keyed by judge record.
func (p *MQStatusEventPublisher) PublishFinalStatus(ctx context.Context, result model.TaskResult) error {
	if p == nil || p.producer == nil {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("status publisher is not configured")
	}
	if p.statusTopic == "" {
		return nil
	}
	if result.JudgeRecordID <= 0 {
		return appErr.ValidationError("judgeRecordId", "required")
	}
	payload, err := json.Marshal(model.NewFinalStatusEvent(result))
	if err != nil {
		return fmt.Errorf("marshal status event failed: %w", err)
	}
	message := mq.NewMessage(payload)
	message.ID = strconv.FormatInt(result.JudgeRecordID, 10)
	message.SetHeader("x-status", string(result.Status))
	if err := p.producer.Publish(ctx, p.statusTopic, message); err != nil {
		return appErr.Wrapf(err, appErr.ServiceUnavailable, "publish status event failed")
	}
	return nil
}

// PublishDeadLetter forwards the payload of a terminally failed job to the
// dead-letter topic.
func (p *MQStatusEventPublisher) PublishDeadLetter(ctx context.Context, job *mq.Job, reason string) error {
	if p == nil || p.producer == nil {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("status publisher is not configured")
	}
	if p.deadLetterTopic == "" || job == nil {
		return nil
	}
	message := mq.NewMessage(job.Payload)
	message.ID = job.ID
	message.SetHeader("x-topic", job.Topic)
	message.SetHeader("x-attempts", strconv.Itoa(job.AttemptsMade))
	message.SetHeader("x-reason", reason)
	if err := p.producer.Publish(ctx, p.deadLetterTopic, message); err != nil {
		return appErr.Wrapf(err, appErr.ServiceUnavailable, "publish dead letter failed")
	}
	return nil
}
