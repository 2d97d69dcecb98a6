package model

import "time"

// Local event names emitted on the process event bus.
const (
	EventTaskCompleted = "TASK_COMPLETED"
	EventTaskFailed    = "TASK_FAILED"
	EventTaskError     = "TASK_ERROR"
	EventNotification  = "NOTIFICATION"
)

// TaskEvent is the payload of the TASK_* events.
type TaskEvent struct {
	JobID         string      `json:"jobId"`
	JudgeRecordID int64       `json:"judgeRecordId"`
	UserID        string      `json:"userId"`
	Attempt       int         `json:"attempt"`
	Error         string      `json:"error,omitempty"`
	Result        *TaskResult `json:"result,omitempty"`
}

// NotificationEvent targets a set of users. Only live connections whose user
// is in TargetUserIDs get a push.
type NotificationEvent struct {
	TargetUserIDs map[string]struct{}
	Payload       any
}

// NewNotification builds a NotificationEvent for the given users.
func NewNotification(payload any, userIDs ...string) NotificationEvent {
	targets := make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		if id != "" {
			targets[id] = struct{}{}
		}
	}
	return NotificationEvent{TargetUserIDs: targets, Payload: payload}
}

// Targets reports whether userID should receive the event.
func (e NotificationEvent) Targets(userID string) bool {
	_, ok := e.TargetUserIDs[userID]
	return ok
}

// StatusEventType is the kind of a status event published to Kafka.
type StatusEventType string

const StatusEventFinal StatusEventType = "final"

// StatusEvent is published for operators and downstream consumers once a
// judge record reaches a terminal state.
type StatusEvent struct {
	Type      StatusEventType `json:"type"`
	Result    TaskResult      `json:"result"`
	CreatedAt int64           `json:"createdAt"`
}

// NewFinalStatusEvent wraps a result in a final status event.
func NewFinalStatusEvent(result TaskResult) StatusEvent {
	return StatusEvent{Type: StatusEventFinal, Result: result, CreatedAt: time.Now().Unix()}
}
