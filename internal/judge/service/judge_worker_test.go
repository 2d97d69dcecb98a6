package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"judgeflow/internal/common/mq"
	"judgeflow/internal/common/storage"
	"judgeflow/internal/judge/model"
	"judgeflow/internal/judge/sandbox"
	"judgeflow/internal/judge/service"
	appErr "judgeflow/pkg/errors"
)

type workerFixture struct {
	env         *testEnv
	executor    *fakeExecutor
	deadLetters *fakeDeadLetters
	worker      *service.JudgeWorker
}

func newWorkerFixture(t *testing.T, external bool, compiler sandbox.Compiler) *workerFixture {
	t.Helper()
	return newWorkerFixtureWith(t, func(cfg *service.JudgeWorkerConfig) {
		cfg.ExternalCompletion = external
		cfg.Compiler = compiler
	})
}

func newWorkerFixtureWith(t *testing.T, configure func(cfg *service.JudgeWorkerConfig)) *workerFixture {
	t.Helper()
	env := newTestEnv(t)
	completion := newCompletionService(t, env, nil)
	local, err := storage.NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("new local storage failed: %v", err)
	}
	f := &workerFixture{
		env:         env,
		executor:    &fakeExecutor{outcome: model.ExecutionOutcome{Score: 100, Status: "accepted", Tests: []model.SubtestResult{{Name: "t1", Passed: true, Score: 100}}}},
		deadLetters: &fakeDeadLetters{},
	}
	cfg := service.JudgeWorkerConfig{
		Executor:    f.executor,
		Tokens:      env.tokens,
		Results:     env.results,
		Completer:   service.LocalCompleter{Service: completion},
		Artifacts:   service.NewArtifactStore(local, "artifacts", 0),
		Bus:         env.bus,
		DeadLetters: f.deadLetters,
	}
	if configure != nil {
		configure(&cfg)
		if cfg.FailureCompleter == nil {
			cfg.FailureCompleter = service.LocalCompleter{Service: completion}
		}
	}
	worker, err := service.NewJudgeWorker(cfg)
	if err != nil {
		t.Fatalf("new judge worker failed: %v", err)
	}
	f.worker = worker
	return f
}

func jobFor(t *testing.T, task model.JudgeTask, attempt int) *mq.Job {
	t.Helper()
	payload, err := json.Marshal(task)
	if err != nil {
		t.Fatalf("marshal task failed: %v", err)
	}
	return &mq.Job{ID: task.JobID(), Topic: "judge", Payload: payload, AttemptsMade: attempt, MaxAttempts: 3}
}

func TestJudgeWorkerHandleCompletesLocally(t *testing.T) {
	f := newWorkerFixture(t, false, nil)
	completed := record(f.env.bus, model.EventTaskCompleted)
	f.executor.outcome.Logs = []model.LogArtifact{{Name: "run.log", Content: "hello"}}
	task := sampleTask(42)

	if err := f.worker.Handle(context.Background(), jobFor(t, task, 1)); err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if len(f.executor.calls) != 1 {
		t.Fatalf("expected one execution, got %d", len(f.executor.calls))
	}
	call := f.executor.calls[0]
	if call.JudgeRecordID != 42 || call.Script != "x" || call.Snapshot["/a.ts"] != "1" || call.Mode != model.ModeJudge {
		t.Fatalf("unexpected execution request %+v", call)
	}

	result, err := f.env.results.Get(context.Background(), 42)
	if err != nil {
		t.Fatalf("expected persisted result: %v", err)
	}
	if result.Status != model.ResultCompleted || result.Score != 100 || result.PendingTimeMs < 0 || result.Attempts != 1 {
		t.Fatalf("unexpected result %+v", result)
	}
	if len(result.Artifacts) != 1 || result.Artifacts[0] != "artifacts/judge/42/1/run.log" {
		t.Fatalf("expected uploaded log key, got %v", result.Artifacts)
	}
	if len(completed.all()) != 1 {
		t.Fatalf("expected TASK_COMPLETED event")
	}
	if _, ok, _ := f.env.tokens.Peek(context.Background(), 42); ok {
		t.Fatalf("token must be consumed by local completion")
	}
}

func TestJudgeWorkerExternalCompletionLeavesToken(t *testing.T) {
	f := newWorkerFixture(t, true, nil)
	task := sampleTask(43)

	if err := f.worker.Handle(context.Background(), jobFor(t, task, 1)); err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	tok, ok, err := f.env.tokens.Peek(context.Background(), 43)
	if err != nil || !ok || tok.Token != testToken {
		t.Fatalf("expected issued token, got %+v ok=%v err=%v", tok, ok, err)
	}
	staged, err := f.env.results.Staged(context.Background(), 43)
	if err != nil || staged == nil || staged.Outcome == nil || staged.Outcome.Score != 100 || staged.PendingTimeMs < 0 {
		t.Fatalf("expected staged report, got %+v err=%v", staged, err)
	}
	if _, err := f.env.results.Get(context.Background(), 43); !appErr.Is(err, appErr.ResultNotFound) {
		t.Fatalf("result must wait for the webhook, got %v", err)
	}
}

func TestJudgeWorkerClassifiesErrors(t *testing.T) {
	t.Run("invalid payload", func(t *testing.T) {
		f := newWorkerFixture(t, false, nil)
		err := f.worker.Handle(context.Background(), &mq.Job{ID: "judge-1", Payload: []byte("{")})
		if !mq.IsUnrecoverable(err) {
			t.Fatalf("expected unrecoverable error, got %v", err)
		}
	})
	t.Run("compile failure", func(t *testing.T) {
		f := newWorkerFixture(t, false, sandbox.CompilerFunc(func(string) (string, bool) { return "", false }))
		err := f.worker.Handle(context.Background(), jobFor(t, sampleTask(5), 1))
		if !mq.IsUnrecoverable(err) || !appErr.Is(err, appErr.CompilationError) {
			t.Fatalf("expected unrecoverable compilation error, got %v", err)
		}
		if len(f.executor.calls) != 0 {
			t.Fatalf("sandbox must not run without a compiled script")
		}
	})
	t.Run("sandbox unavailable", func(t *testing.T) {
		f := newWorkerFixture(t, false, nil)
		f.executor.err = appErr.New(appErr.SandboxUnavailable)
		err := f.worker.Handle(context.Background(), jobFor(t, sampleTask(6), 1))
		if err == nil || mq.IsUnrecoverable(err) {
			t.Fatalf("expected retryable error, got %v", err)
		}
	})
}

func TestJudgeWorkerTerminalFailure(t *testing.T) {
	f := newWorkerFixture(t, true, nil)
	failed := record(f.env.bus, model.EventTaskFailed)
	errorsSeen := record(f.env.bus, model.EventTaskError)
	job := jobFor(t, sampleTask(44), 2)

	f.worker.OnFailed(context.Background(), job, errors.New("sandbox down"), false)
	if len(errorsSeen.all()) != 1 || len(failed.all()) != 0 {
		t.Fatalf("retried attempt must emit TASK_ERROR only")
	}

	job.AttemptsMade = 3
	f.worker.OnFailed(context.Background(), job, errors.New("sandbox down"), true)
	result, err := f.env.results.Get(context.Background(), 44)
	if err != nil {
		t.Fatalf("expected failed result to be recorded: %v", err)
	}
	if result.Status != model.ResultFailed || result.Error != "sandbox down" || result.Attempts != 3 {
		t.Fatalf("unexpected result %+v", result)
	}
	events := failed.all()
	if len(events) != 1 {
		t.Fatalf("expected TASK_FAILED, got %d events", len(events))
	}
	if ev, ok := events[0].(model.TaskEvent); !ok || ev.JudgeRecordID != 44 || ev.Error != "sandbox down" {
		t.Fatalf("unexpected event %+v", events[0])
	}
	if len(f.deadLetters.jobs) != 1 || f.deadLetters.jobs[0] != "judge-44" {
		t.Fatalf("expected dead letter, got %v", f.deadLetters.jobs)
	}
}

func TestJudgeWorkerWithWorkerPool(t *testing.T) {
	f := newWorkerFixture(t, false, nil)
	q, err := mq.NewRedisQueue(f.env.cache, "test")
	if err != nil {
		t.Fatalf("new queue failed: %v", err)
	}
	tasks, err := service.NewTaskService(service.TaskServiceConfig{Queue: q, Results: f.env.results, Topic: "judge"})
	if err != nil {
		t.Fatalf("new task service failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	task := sampleTask(45)
	jobID, err := tasks.Create(ctx, model.CreateTaskRequest{
		ProblemID:     task.ProblemID,
		JudgeRecordID: task.JudgeRecordID,
		UserID:        task.UserID,
		JudgeScript:   task.JudgeScript,
		FsSnapshot:    task.FsSnapshot,
		Mode:          task.Mode,
		Token:         task.Token,
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	done := make(chan struct{})
	opts := f.worker.WorkerOptions(mq.WorkerOptions{Concurrency: 2, PollInterval: 5 * time.Millisecond})
	opts.OnCompleted = func(ctx context.Context, job *mq.Job) { close(done) }
	pool, err := mq.InitWorkers(ctx, q, "judge", f.worker.Handle, opts)
	if err != nil {
		t.Fatalf("init workers failed: %v", err)
	}
	defer pool.Stop()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("job did not complete")
	}
	status, err := tasks.Status(ctx, jobID)
	if err != nil || status.State != mq.JobCompleted || status.AttemptsMade != 1 {
		t.Fatalf("unexpected status %+v err=%v", status, err)
	}
	result, err := tasks.Result(ctx, 45)
	if err != nil || result.Status != model.ResultCompleted {
		t.Fatalf("unexpected result %+v err=%v", result, err)
	}
}

func TestJudgeWorkerRejectedCallbackIsNotCompletion(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"code":11103,"message":"Forbidden"}`))
	}))
	defer origin.Close()
	completer, err := service.NewWebhookCompleter(origin.URL, "wrong-secret", time.Second)
	if err != nil {
		t.Fatalf("new webhook completer failed: %v", err)
	}
	f := newWorkerFixtureWith(t, func(cfg *service.JudgeWorkerConfig) {
		cfg.Completer = completer
	})
	completed := record(f.env.bus, model.EventTaskCompleted)
	failed := record(f.env.bus, model.EventTaskFailed)
	job := jobFor(t, sampleTask(42), 1)

	err = f.worker.Handle(context.Background(), job)
	if !appErr.Is(err, appErr.CompletionFailed) || mq.IsUnrecoverable(err) {
		t.Fatalf("expected retryable rejection, got %v", err)
	}
	if len(completed.all()) != 0 {
		t.Fatalf("rejected callback must not emit TASK_COMPLETED")
	}
	if _, err := f.env.results.Get(context.Background(), 42); !appErr.Is(err, appErr.ResultNotFound) {
		t.Fatalf("expected no result yet, got %v", err)
	}

	job.AttemptsMade = 3
	f.worker.OnFailed(context.Background(), job, err, true)
	result, err := f.env.results.Get(context.Background(), 42)
	if err != nil {
		t.Fatalf("terminal failure must record a result: %v", err)
	}
	if result.Status != model.ResultFailed || result.JobID != "judge-42" {
		t.Fatalf("unexpected result %+v", result)
	}
	if len(failed.all()) != 1 {
		t.Fatalf("expected TASK_FAILED")
	}
}

func TestJudgeWorkerRedeliveryCompletesOnce(t *testing.T) {
	f := newWorkerFixture(t, false, nil)
	notifications := record(f.env.bus, model.EventNotification)
	failed := record(f.env.bus, model.EventTaskFailed)
	task := sampleTask(42)

	if err := f.worker.Handle(context.Background(), jobFor(t, task, 1)); err != nil {
		t.Fatalf("first handle failed: %v", err)
	}
	if err := f.worker.Handle(context.Background(), jobFor(t, task, 2)); err != nil {
		t.Fatalf("redelivered handle failed: %v", err)
	}
	if len(f.executor.calls) != 1 || len(notifications.all()) != 1 {
		t.Fatalf("expected one execution and one notification, got %d and %d", len(f.executor.calls), len(notifications.all()))
	}
	if _, ok, _ := f.env.tokens.Peek(context.Background(), 42); ok {
		t.Fatalf("redelivery must not re-issue the token")
	}

	f.worker.OnFailed(context.Background(), jobFor(t, task, 2), mq.ErrLeaseExpired, true)
	result, err := f.env.results.Get(context.Background(), 42)
	if err != nil || result.Status != model.ResultCompleted || result.Attempts != 1 {
		t.Fatalf("completed result must survive a late terminal failure, got %+v err=%v", result, err)
	}
	if len(failed.all()) != 0 || len(f.deadLetters.jobs) != 0 {
		t.Fatalf("late terminal failure must not be reported")
	}

	task.QueueTimestamp += 1000
	if err := f.worker.Handle(context.Background(), jobFor(t, task, 1)); err != nil {
		t.Fatalf("resubmitted handle failed: %v", err)
	}
	if len(f.executor.calls) != 2 || len(notifications.all()) != 2 {
		t.Fatalf("a resubmitted task must run again, got %d executions", len(f.executor.calls))
	}
}
