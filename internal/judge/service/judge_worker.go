package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"judgeflow/internal/common/eventbus"
	"judgeflow/internal/common/mq"
	"judgeflow/internal/judge/model"
	"judgeflow/internal/judge/repository"
	"judgeflow/internal/judge/sandbox"
	appErr "judgeflow/pkg/errors"
	"judgeflow/pkg/utils/contextkey"
	"judgeflow/pkg/utils/logger"

	"go.uber.org/zap"
)

// Executor runs one judge attempt in the sandbox.
type Executor interface {
	Execute(ctx context.Context, req sandbox.ExecutionRequest) (model.ExecutionOutcome, error)
}

// JudgeWorker is the job handler of the judge topic.
type JudgeWorker struct {
	executor           Executor
	compiler           sandbox.Compiler
	tokens             TokenStore
	results            ResultStore
	completer          CompletionClient
	failureCompleter   CompletionClient
	externalCompletion bool
	artifacts          *ArtifactStore
	bus                *eventbus.Bus
	deadLetters        repository.StatusEventPublisher
	tokenTTL           time.Duration
	executeTimeout     time.Duration
	reportTimeout      time.Duration
	now                func() time.Time
}

// JudgeWorkerConfig holds judge worker dependencies and settings.
type JudgeWorkerConfig struct {
	Executor Executor
	Compiler sandbox.Compiler
	Tokens   TokenStore
	Results  ResultStore
	// Completer reports successful attempts. FailureCompleter reports
	// terminal failures and defaults to Completer.
	Completer        CompletionClient
	FailureCompleter CompletionClient
	// ExternalCompletion leaves the success callback to the sandbox executor;
	// the worker only stages its report.
	ExternalCompletion bool
	Artifacts          *ArtifactStore
	Bus                *eventbus.Bus
	DeadLetters        repository.StatusEventPublisher
	TokenTTL           time.Duration
	ExecuteTimeout     time.Duration
	ReportTimeout      time.Duration
}

// NewJudgeWorker creates a judge worker.
func NewJudgeWorker(cfg JudgeWorkerConfig) (*JudgeWorker, error) {
	if cfg.Executor == nil {
		return nil, fmt.Errorf("sandbox executor is required")
	}
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("token store is required")
	}
	if cfg.Results == nil {
		return nil, fmt.Errorf("result store is required")
	}
	if cfg.Completer == nil && !cfg.ExternalCompletion {
		return nil, fmt.Errorf("completion client is required")
	}
	if cfg.Bus == nil {
		return nil, fmt.Errorf("event bus is required")
	}
	compiler := cfg.Compiler
	if compiler == nil {
		compiler = sandbox.PassthroughCompiler{}
	}
	failureCompleter := cfg.FailureCompleter
	if failureCompleter == nil {
		failureCompleter = cfg.Completer
	}
	if failureCompleter == nil {
		return nil, fmt.Errorf("failure completion client is required")
	}
	tokenTTL := cfg.TokenTTL
	if tokenTTL <= 0 {
		tokenTTL = 30 * time.Minute
	}
	reportTimeout := cfg.ReportTimeout
	if reportTimeout <= 0 {
		reportTimeout = 15 * time.Second
	}
	return &JudgeWorker{
		executor:           cfg.Executor,
		compiler:           compiler,
		tokens:             cfg.Tokens,
		results:            cfg.Results,
		completer:          cfg.Completer,
		failureCompleter:   failureCompleter,
		externalCompletion: cfg.ExternalCompletion,
		artifacts:          cfg.Artifacts,
		bus:                cfg.Bus,
		deadLetters:        cfg.DeadLetters,
		tokenTTL:           tokenTTL,
		executeTimeout:     cfg.ExecuteTimeout,
		reportTimeout:      reportTimeout,
		now:                time.Now,
	}, nil
}

// WorkerOptions returns base with the worker's completion and failure hooks.
func (w *JudgeWorker) WorkerOptions(base mq.WorkerOptions) mq.WorkerOptions {
	base.OnFailed = w.OnFailed
	return base
}

// Handle runs one attempt of a judge job. Errors are classified for the
// worker pool: malformed payloads and scripts fail the job at once, sandbox
// and store errors are retried.
func (w *JudgeWorker) Handle(ctx context.Context, job *mq.Job) error {
	start := w.now()
	task, err := decodeTask(job.Payload)
	if err != nil {
		jobsTotal.WithLabelValues("invalid").Inc()
		return mq.Unrecoverable(err)
	}
	ctx = taskContext(ctx, job, task)

	pendingMs := pendingTimeMs(start, task.QueueTimestamp)
	pendingTime.Observe(float64(pendingMs) / 1000)

	compiled, ok := w.compiler.Compile(task.JudgeScript)
	if !ok {
		return mq.Unrecoverable(appErr.New(appErr.CompilationError).WithMessage("judge script has no runnable default export"))
	}

	// A redelivered job whose completion already went through must not
	// re-issue its token, or the record would complete twice.
	done, err := w.completed(ctx, job, task)
	if err != nil {
		return err
	}
	if done {
		logger.Warn(ctx, "judge record already completed, skipping redelivered job",
			zap.Int("attempt", job.AttemptsMade))
		return nil
	}

	tok, err := w.tokens.Issue(ctx, model.WebhookToken{
		JudgeRecordID:  task.JudgeRecordID,
		Token:          task.Token,
		UserID:         task.UserID,
		ProblemID:      task.ProblemID,
		JobID:          job.ID,
		QueueTimestamp: task.QueueTimestamp,
	})
	if err != nil {
		return err
	}

	ctxExec := ctx
	if w.executeTimeout > 0 {
		var cancel context.CancelFunc
		ctxExec, cancel = context.WithTimeout(ctx, w.executeTimeout)
		defer cancel()
	}
	outcome, err := w.executor.Execute(ctxExec, sandbox.ExecutionRequest{
		JobID:         job.ID,
		JudgeRecordID: task.JudgeRecordID,
		Mode:          task.Mode,
		Script:        compiled,
		Snapshot:      task.FsSnapshot,
	})
	if err != nil {
		return err
	}

	logs, err := w.artifacts.Upload(ctx, task.JudgeRecordID, job.AttemptsMade, outcome.Logs)
	if err != nil {
		return err
	}
	outcome.Logs = logs

	report := model.CompletionReport{
		JobID:         job.ID,
		Outcome:       &outcome,
		PendingTimeMs: pendingMs,
		Attempts:      job.AttemptsMade,
	}
	if err := w.results.Stage(ctx, task.JudgeRecordID, report, w.tokenTTL); err != nil {
		return err
	}

	if !w.externalCompletion {
		if err := w.report(ctx, w.completer, task.JudgeRecordID, tok.Token, report); err != nil {
			if !appErr.Is(err, appErr.WebhookTokenInvalid) {
				return err
			}
			// A rejected callback only counts as done when the result exists;
			// signature or clock problems are rejected the same way.
			done, checkErr := w.completed(ctx, job, task)
			if checkErr != nil {
				return checkErr
			}
			if !done {
				return appErr.Wrapf(err, appErr.CompletionFailed, "completion callback rejected")
			}
			logger.Warn(ctx, "webhook token already consumed, record was completed elsewhere")
		}
	}

	jobsTotal.WithLabelValues("completed").Inc()
	jobDuration.Observe(w.now().Sub(start).Seconds())
	w.bus.Emit(model.EventTaskCompleted, model.TaskEvent{
		JobID:         job.ID,
		JudgeRecordID: task.JudgeRecordID,
		UserID:        task.UserID,
		Attempt:       job.AttemptsMade,
	})
	return nil
}

// OnFailed emits TASK_ERROR for retried attempts. For terminal failures it
// records a failed result through the completion path, emits TASK_FAILED and
// forwards the job to the dead-letter channel.
func (w *JudgeWorker) OnFailed(ctx context.Context, job *mq.Job, err error, terminal bool) {
	reason := "unknown error"
	if err != nil {
		reason = err.Error()
	}
	task, decodeErr := decodeTask(job.Payload)
	if decodeErr == nil {
		ctx = taskContext(ctx, job, task)
	}

	if !terminal {
		jobsTotal.WithLabelValues("retried").Inc()
		w.bus.Emit(model.EventTaskError, model.TaskEvent{
			JobID:         job.ID,
			JudgeRecordID: task.JudgeRecordID,
			UserID:        task.UserID,
			Attempt:       job.AttemptsMade,
			Error:         reason,
		})
		return
	}

	if decodeErr == nil {
		if done, err := w.completed(context.WithoutCancel(ctx), job, task); err == nil && done {
			logger.Warn(ctx, "terminal failure of an already completed record ignored", zap.String("reason", reason))
			return
		}
	}

	jobsTotal.WithLabelValues("failed").Inc()
	w.deadLetter(ctx, job, reason)
	if decodeErr != nil {
		logger.Error(ctx, "cannot record failure of undecodable job", zap.String("job_id", job.ID), zap.Error(decodeErr))
		return
	}

	if err := w.recordFailure(ctx, job, task, reason); err != nil {
		logger.Error(ctx, "record terminal failure failed", zap.Error(err))
	}
	w.bus.Emit(model.EventTaskFailed, model.TaskEvent{
		JobID:         job.ID,
		JudgeRecordID: task.JudgeRecordID,
		UserID:        task.UserID,
		Attempt:       job.AttemptsMade,
		Error:         reason,
	})
}

func (w *JudgeWorker) recordFailure(ctx context.Context, job *mq.Job, task model.JudgeTask, reason string) error {
	ctx = context.WithoutCancel(ctx)
	tok, err := w.tokens.Issue(ctx, model.WebhookToken{
		JudgeRecordID:  task.JudgeRecordID,
		Token:          task.Token,
		UserID:         task.UserID,
		ProblemID:      task.ProblemID,
		JobID:          job.ID,
		QueueTimestamp: task.QueueTimestamp,
	})
	if err != nil {
		return err
	}
	report := model.CompletionReport{
		JobID:         job.ID,
		Failed:        true,
		Error:         reason,
		PendingTimeMs: pendingTimeMs(w.now(), task.QueueTimestamp),
		Attempts:      job.AttemptsMade,
	}
	if err := w.results.Stage(ctx, task.JudgeRecordID, report, w.tokenTTL); err != nil {
		logger.Warn(ctx, "stage failure report failed", zap.Error(err))
	}
	return w.report(ctx, w.failureCompleter, task.JudgeRecordID, tok.Token, report)
}

func (w *JudgeWorker) report(ctx context.Context, client CompletionClient, judgeRecordID int64, token string, report model.CompletionReport) error {
	ctxReport, cancel := context.WithTimeout(ctx, w.reportTimeout)
	defer cancel()
	return client.Complete(ctxReport, judgeRecordID, token, report)
}

func (w *JudgeWorker) deadLetter(ctx context.Context, job *mq.Job, reason string) {
	if w.deadLetters == nil {
		return
	}
	ctxPub, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.reportTimeout)
	defer cancel()
	if err := w.deadLetters.PublishDeadLetter(ctxPub, job, reason); err != nil {
		logger.Warn(ctx, "publish dead letter failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}

// completed reports whether the queued task behind job already has a
// recorded result.
func (w *JudgeWorker) completed(ctx context.Context, job *mq.Job, task model.JudgeTask) (bool, error) {
	result, err := w.results.Get(ctx, task.JudgeRecordID)
	if err != nil {
		if appErr.Is(err, appErr.ResultNotFound) {
			return false, nil
		}
		return false, err
	}
	return result.JobID == job.ID && result.QueuedAt == task.QueueTimestamp, nil
}

func decodeTask(payload []byte) (model.JudgeTask, error) {
	var task model.JudgeTask
	if err := json.Unmarshal(payload, &task); err != nil {
		return model.JudgeTask{}, appErr.Wrapf(err, appErr.InvalidParams, "decode judge task failed")
	}
	if err := task.Validate(); err != nil {
		return model.JudgeTask{}, err
	}
	return task, nil
}

func taskContext(ctx context.Context, job *mq.Job, task model.JudgeTask) context.Context {
	ctx = context.WithValue(ctx, contextkey.JobID, job.ID)
	ctx = context.WithValue(ctx, contextkey.JudgeRecordID, task.JudgeRecordID)
	return context.WithValue(ctx, contextkey.UserID, task.UserID)
}

func pendingTimeMs(now time.Time, queueTimestamp int64) int64 {
	pending := now.UnixMilli() - queueTimestamp
	if pending < 0 {
		return 0
	}
	return pending
}
