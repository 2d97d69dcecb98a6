package mq

import (
	"context"
	"time"
)

// Producer defines the interface for publishing messages
type Producer interface {
	// Publish publishes a message to the specified topic
	Publish(ctx context.Context, topic string, message *Message) error

	// PublishBatch publishes multiple messages in a batch
	PublishBatch(ctx context.Context, topic string, messages []*Message) error

	// Close flushes pending writes and releases the connection
	Close() error
}

// JobQueue is the producer side of the durable job queue.
type JobQueue interface {
	// Enqueue stores payload as a new waiting job and returns its id.
	// A JobID already held by an unfinished job is rejected with TaskAlreadyQueued.
	Enqueue(ctx context.Context, topic string, payload []byte, opts JobOptions) (string, error)

	// Get loads a job snapshot
	Get(ctx context.Context, topic, jobID string) (*Job, error)

	// Counts returns the number of jobs per state
	Counts(ctx context.Context, topic string) (JobCounts, error)
}

// WorkSource is the consumer side of the durable job queue. Every method is a
// single atomic transition on the backing store.
type WorkSource interface {
	// Claim moves the oldest waiting job to active and leases it to owner.
	// It returns (nil, nil) when nothing is waiting.
	Claim(ctx context.Context, topic, owner string, lease time.Duration) (*Job, error)

	// ExtendLease refreshes the lease. It returns false once owner lost the job.
	ExtendLease(ctx context.Context, job *Job, owner string, lease time.Duration) (bool, error)

	// Complete marks an active job completed
	Complete(ctx context.Context, job *Job, owner string) error

	// Fail records a failed attempt and either reschedules the job after delay
	// or marks it terminally failed.
	Fail(ctx context.Context, job *Job, owner string, step RetryStep, reason string) error

	// Reclaim returns active jobs with an expired lease to the waiting list.
	// Jobs without attempts left are failed and returned.
	Reclaim(ctx context.Context, topic string) ([]*Job, error)
}

// JobState is the lifecycle state of a queued job.
type JobState string

const (
	JobWaiting   JobState = "waiting"
	JobDelayed   JobState = "delayed"
	JobActive    JobState = "active"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

// Finished reports whether the state is terminal.
func (s JobState) Finished() bool {
	return s == JobCompleted || s == JobFailed
}

// JobOptions controls retry and retention of a single job.
type JobOptions struct {
	// JobID overrides the generated id. Used to dedupe in-flight work.
	JobID string

	// Attempts is the maximum number of attempts. Default: 3
	Attempts int

	// Backoff schedules retries. Default: exponential, 1s
	Backoff BackoffPolicy

	// KeepCompleted and KeepFailed bound the finished sets; 0 keeps everything
	KeepCompleted int
	KeepFailed    int
}

// DefaultJobOptions returns the options used when a caller passes none.
func DefaultJobOptions() JobOptions {
	return JobOptions{
		Attempts: 3,
		Backoff:  BackoffPolicy{Type: BackoffExponential, Delay: time.Second},
	}
}

func (o *JobOptions) setDefaults() {
	def := DefaultJobOptions()
	if o.Attempts <= 0 {
		o.Attempts = def.Attempts
	}
	if o.Backoff.Type == "" {
		o.Backoff.Type = def.Backoff.Type
	}
	if o.Backoff.Delay <= 0 {
		o.Backoff.Delay = def.Backoff.Delay
	}
}

// Job is a snapshot of one queued job.
type Job struct {
	ID           string
	Topic        string
	Payload      []byte
	State        JobState
	AttemptsMade int
	MaxAttempts  int
	Backoff      BackoffPolicy
	CreatedAt    time.Time
	ProcessedAt  time.Time
	FinishedAt   time.Time
	FailedReason string
}

// JobCounts holds the number of jobs in each state.
type JobCounts struct {
	Waiting   int64 `json:"waiting"`
	Delayed   int64 `json:"delayed"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Message represents a message published to a Producer
type Message struct {
	// ID is the unique identifier for the message
	ID string `json:"id"`

	// Body is the message payload
	Body []byte `json:"body"`

	// Headers contains metadata about the message
	Headers map[string]string `json:"headers"`

	// Timestamp is when the message was created
	Timestamp time.Time `json:"timestamp"`
}

// NewMessage creates a new message with the given body
func NewMessage(body []byte) *Message {
	return &Message{
		Body:      body,
		Headers:   make(map[string]string),
		Timestamp: time.Now(),
	}
}

// SetHeader sets a header value
func (m *Message) SetHeader(key, value string) {
	if m.Headers == nil {
		m.Headers = make(map[string]string)
	}
	m.Headers[key] = value
}

// GetHeader retrieves a header value
func (m *Message) GetHeader(key string) (string, bool) {
	if m.Headers == nil {
		return "", false
	}
	val, ok := m.Headers[key]
	return val, ok
}
