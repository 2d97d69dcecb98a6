package model

import "time"

// WebhookToken is the one-time credential that authorizes the completion
// callback for one judge record.
type WebhookToken struct {
	JudgeRecordID int64  `json:"judgeRecordId"`
	Token         string `json:"token"`
	UserID        string `json:"userId"`
	ProblemID     int64  `json:"problemId"`
	JobID         string `json:"jobId"`
	// QueueTimestamp identifies the queued task the token was issued for,
	// since a judge record may be queued again under the same job id.
	QueueTimestamp int64     `json:"queueTimestamp,omitempty"`
	ExpiresAt      time.Time `json:"expiresAt"`
}
