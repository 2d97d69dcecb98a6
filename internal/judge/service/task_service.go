package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"judgeflow/internal/common/mq"
	"judgeflow/internal/judge/model"
	appErr "judgeflow/pkg/errors"
	"judgeflow/pkg/utils/logger"

	"go.uber.org/zap"
)

// ResultReader loads persisted results.
type ResultReader interface {
	Get(ctx context.Context, judgeRecordID int64) (*model.TaskResult, error)
}

// TaskStatus is the public view of a queued job. It never carries the
// payload, which holds the webhook token.
type TaskStatus struct {
	JobID        string      `json:"jobId"`
	State        mq.JobState `json:"state"`
	AttemptsMade int         `json:"attemptsMade"`
	MaxAttempts  int         `json:"maxAttempts"`
	FailedReason string      `json:"failedReason,omitempty"`
	CreatedAt    time.Time   `json:"createdAt"`
	ProcessedAt  *time.Time  `json:"processedAt,omitempty"`
	FinishedAt   *time.Time  `json:"finishedAt,omitempty"`
}

// TaskService accepts judge tasks and answers status queries.
type TaskService struct {
	queue        mq.JobQueue
	results      ResultReader
	topic        string
	jobOptions   mq.JobOptions
	queueTimeout time.Duration
	now          func() time.Time
}

// TaskServiceConfig holds task service dependencies and settings.
type TaskServiceConfig struct {
	Queue        mq.JobQueue
	Results      ResultReader
	Topic        string
	JobOptions   mq.JobOptions
	QueueTimeout time.Duration
}

// NewTaskService creates a task service.
func NewTaskService(cfg TaskServiceConfig) (*TaskService, error) {
	if cfg.Queue == nil {
		return nil, fmt.Errorf("job queue is required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("queue topic is required")
	}
	opts := cfg.JobOptions
	if opts.Attempts <= 0 {
		opts.Attempts = mq.DefaultJobOptions().Attempts
	}
	if opts.Backoff.Delay <= 0 {
		opts.Backoff = mq.DefaultJobOptions().Backoff
	}
	return &TaskService{
		queue:        cfg.Queue,
		results:      cfg.Results,
		topic:        cfg.Topic,
		jobOptions:   opts,
		queueTimeout: cfg.QueueTimeout,
		now:          time.Now,
	}, nil
}

// Create validates the request, stamps the queue timestamp and enqueues the
// task under the job id of its judge record.
func (s *TaskService) Create(ctx context.Context, req model.CreateTaskRequest) (string, error) {
	task, err := req.ToTask(s.now().UnixMilli())
	if err != nil {
		tasksCreated.WithLabelValues("invalid").Inc()
		return "", err
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return "", appErr.Wrapf(err, appErr.TaskCreateFailed, "encode task failed")
	}

	opts := s.jobOptions
	opts.JobID = task.JobID()

	ctxQueue := ctx
	if s.queueTimeout > 0 {
		var cancel context.CancelFunc
		ctxQueue, cancel = context.WithTimeout(ctx, s.queueTimeout)
		defer cancel()
	}
	jobID, err := s.queue.Enqueue(ctxQueue, s.topic, payload, opts)
	if err != nil {
		if appErr.Is(err, appErr.TaskAlreadyQueued) {
			tasksCreated.WithLabelValues("duplicate").Inc()
			return "", err
		}
		tasksCreated.WithLabelValues("error").Inc()
		return "", appErr.Wrapf(err, appErr.TaskCreateFailed, "enqueue task failed")
	}
	tasksCreated.WithLabelValues("created").Inc()
	logger.Info(ctx, "judge task queued",
		zap.String("job_id", jobID),
		zap.Int64("judge_record_id", task.JudgeRecordID),
		zap.String("mode", string(task.Mode)),
		zap.Int("files", len(task.FsSnapshot)),
	)
	return jobID, nil
}

// Status returns the queue state of a job.
func (s *TaskService) Status(ctx context.Context, jobID string) (TaskStatus, error) {
	if strings.TrimSpace(jobID) == "" {
		return TaskStatus{}, appErr.ValidationError("jobId", "required")
	}
	job, err := s.queue.Get(ctx, s.topic, jobID)
	if err != nil {
		return TaskStatus{}, err
	}
	status := TaskStatus{
		JobID:        job.ID,
		State:        job.State,
		AttemptsMade: job.AttemptsMade,
		MaxAttempts:  job.MaxAttempts,
		FailedReason: job.FailedReason,
		CreatedAt:    job.CreatedAt,
	}
	if !job.ProcessedAt.IsZero() {
		t := job.ProcessedAt
		status.ProcessedAt = &t
	}
	if !job.FinishedAt.IsZero() {
		t := job.FinishedAt
		status.FinishedAt = &t
	}
	return status, nil
}

// Counts returns the number of jobs per state on the task topic.
func (s *TaskService) Counts(ctx context.Context) (mq.JobCounts, error) {
	return s.queue.Counts(ctx, s.topic)
}

// Result returns the persisted result of a judge record.
func (s *TaskService) Result(ctx context.Context, judgeRecordID int64) (*model.TaskResult, error) {
	if s.results == nil {
		return nil, appErr.New(appErr.ServiceUnavailable).WithMessage("result store is not configured")
	}
	return s.results.Get(ctx, judgeRecordID)
}
