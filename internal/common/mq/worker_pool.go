package mq

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	appErr "judgeflow/pkg/errors"
	"judgeflow/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrLeaseExpired is reported to OnFailed for jobs failed by the reclaim loop.
var ErrLeaseExpired = errors.New("job lease expired")

// JobHandler processes one claimed job. Returning an error fails the attempt;
// wrap it with Unrecoverable to skip the remaining attempts.
type JobHandler func(ctx context.Context, job *Job) error

// WorkerOptions configures a WorkerPool.
type WorkerOptions struct {
	// Concurrency is the number of jobs processed in parallel. Default: 1
	Concurrency int

	// LockDuration is the lease granted on claim. Default: 30s
	LockDuration time.Duration

	// LockRenewInterval is how often the lease is refreshed. Default: LockDuration/2
	LockRenewInterval time.Duration

	// PollInterval is the idle wait when the queue is empty. Default: 200ms
	PollInterval time.Duration

	// ReclaimInterval is how often expired leases are swept. Default: LockDuration
	ReclaimInterval time.Duration

	// OnCompleted runs after a job reached completed
	OnCompleted func(ctx context.Context, job *Job)

	// OnFailed runs after every failed attempt; terminal is true when the job
	// will not be retried.
	OnFailed func(ctx context.Context, job *Job, err error, terminal bool)
}

func (o *WorkerOptions) setDefaults() {
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.LockDuration <= 0 {
		o.LockDuration = 30 * time.Second
	}
	if o.LockRenewInterval <= 0 || o.LockRenewInterval >= o.LockDuration {
		o.LockRenewInterval = o.LockDuration / 2
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 200 * time.Millisecond
	}
	if o.ReclaimInterval <= 0 {
		o.ReclaimInterval = o.LockDuration
	}
}

// WorkerPool runs Concurrency workers that each claim and process one job at
// a time from a topic.
type WorkerPool struct {
	source  WorkSource
	topic   string
	handler JobHandler
	opts    WorkerOptions

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// InitWorkers starts the workers and the reclaim loop. They run until ctx is
// canceled or Stop is called.
func InitWorkers(ctx context.Context, source WorkSource, topic string, handler JobHandler, opts WorkerOptions) (*WorkerPool, error) {
	if source == nil {
		return nil, fmt.Errorf("work source cannot be nil")
	}
	if topic == "" {
		return nil, fmt.Errorf("topic cannot be empty")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}
	opts.setDefaults()

	runCtx, cancel := context.WithCancel(ctx)
	p := &WorkerPool{
		source:  source,
		topic:   topic,
		handler: handler,
		opts:    opts,
		cancel:  cancel,
	}

	for i := 0; i < opts.Concurrency; i++ {
		owner := fmt.Sprintf("%s:%d", uuid.NewString(), i)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.runWorker(runCtx, owner)
		}()
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runReclaimer(runCtx)
	}()

	logger.Info(ctx, "worker pool started",
		zap.String("topic", topic),
		zap.Int("concurrency", opts.Concurrency),
		zap.Duration("lock_duration", opts.LockDuration),
	)
	return p, nil
}

// Stop stops claiming new jobs and waits for in-flight jobs to finish.
func (p *WorkerPool) Stop() {
	p.once.Do(func() {
		p.cancel()
		p.wg.Wait()
		logger.Info(context.Background(), "worker pool stopped", zap.String("topic", p.topic))
	})
}

func (p *WorkerPool) runWorker(ctx context.Context, owner string) {
	failures := 0
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := p.source.Claim(ctx, p.topic, owner, p.opts.LockDuration)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			delay := ComputeBackoff(failures-1, p.opts.PollInterval, 5*time.Second)
			logger.Warn(ctx, "claim job failed", zap.String("topic", p.topic), zap.Error(err), zap.Duration("retry_in", delay))
			sleep(ctx, delay)
			continue
		}
		failures = 0
		if job == nil {
			sleep(ctx, p.opts.PollInterval)
			continue
		}
		// In-flight jobs outlive Stop so that their outcome is recorded.
		p.process(context.WithoutCancel(ctx), owner, job)
	}
}

func (p *WorkerPool) process(ctx context.Context, owner string, job *Job) {
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	renewDone := make(chan struct{})
	go func() {
		defer close(renewDone)
		p.renewLease(jobCtx, cancel, owner, job)
	}()

	err := p.invoke(jobCtx, job)
	cancel()
	<-renewDone

	if err == nil {
		if err := p.source.Complete(ctx, job, owner); err != nil {
			logger.Warn(ctx, "complete job failed", zap.String("job_id", job.ID), zap.Error(err))
			return
		}
		job.State = JobCompleted
		if p.opts.OnCompleted != nil {
			p.opts.OnCompleted(ctx, job)
		}
		return
	}

	step := NextStep(job.AttemptsMade, job.MaxAttempts, job.Backoff, err)
	if ferr := p.source.Fail(ctx, job, owner, step, err.Error()); ferr != nil {
		logger.Warn(ctx, "fail job failed", zap.String("job_id", job.ID), zap.Error(ferr))
		return
	}
	job.FailedReason = err.Error()
	fields := []zap.Field{
		zap.String("job_id", job.ID),
		zap.Int("attempt", job.AttemptsMade),
		zap.Int("max_attempts", job.MaxAttempts),
		zap.Error(err),
	}
	if step.Retry {
		job.State = JobDelayed
		logger.Warn(ctx, "job attempt failed, retrying", append(fields, zap.Duration("delay", step.Delay))...)
	} else {
		job.State = JobFailed
		logger.Error(ctx, "job failed terminally", fields...)
	}
	if p.opts.OnFailed != nil {
		p.opts.OnFailed(ctx, job, err, !step.Retry)
	}
}

func (p *WorkerPool) invoke(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, "job handler panic", zap.String("job_id", job.ID), zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			err = appErr.Newf(appErr.JudgeSystemError, "handler panic: %v", r)
		}
	}()
	return p.handler(ctx, job)
}

// renewLease refreshes the job lease until ctx ends. Losing the lease cancels
// the handler since another worker may already own the job.
func (p *WorkerPool) renewLease(ctx context.Context, cancel context.CancelFunc, owner string, job *Job) {
	ticker := time.NewTicker(p.opts.LockRenewInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := p.source.ExtendLease(ctx, job, owner, p.opts.LockDuration)
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn(ctx, "extend lease failed", zap.String("job_id", job.ID), zap.Error(err))
				}
				continue
			}
			if !ok {
				logger.Warn(ctx, "job lease lost", zap.String("job_id", job.ID))
				cancel()
				return
			}
		}
	}
}

func (p *WorkerPool) runReclaimer(ctx context.Context) {
	ticker := time.NewTicker(p.opts.ReclaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.reclaim(ctx)
		}
	}
}

func (p *WorkerPool) reclaim(ctx context.Context) {
	failed, err := p.source.Reclaim(ctx, p.topic)
	if err != nil {
		logger.Warn(ctx, "reclaim stalled jobs failed", zap.String("topic", p.topic), zap.Error(err))
		return
	}
	for _, job := range failed {
		logger.Error(ctx, "stalled job failed terminally", zap.String("job_id", job.ID), zap.Int("attempts", job.AttemptsMade))
		if p.opts.OnFailed != nil {
			p.opts.OnFailed(ctx, job, ErrLeaseExpired, true)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
