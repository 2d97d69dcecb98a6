package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"judgeflow/internal/judge/model"
	"judgeflow/internal/judge/service"
	appErr "judgeflow/pkg/errors"
)

func newCompletionService(t *testing.T, env *testEnv, results service.ResultStore) *service.CompletionService {
	t.Helper()
	if results == nil {
		results = env.results
	}
	svc, err := service.NewCompletionService(service.CompletionServiceConfig{
		Tokens:  env.tokens,
		Results: results,
		Bus:     env.bus,
	})
	if err != nil {
		t.Fatalf("new completion service failed: %v", err)
	}
	return svc
}

func issueToken(t *testing.T, env *testEnv, judgeRecordID int64) {
	t.Helper()
	_, err := env.tokens.Issue(context.Background(), model.WebhookToken{
		JudgeRecordID: judgeRecordID,
		Token:         testToken,
		UserID:        "u1",
		ProblemID:     1,
		JobID:         model.JobIDFor(judgeRecordID),
	})
	if err != nil {
		t.Fatalf("issue token failed: %v", err)
	}
}

func TestCompletionServiceCompletesOnce(t *testing.T) {
	env := newTestEnv(t)
	svc := newCompletionService(t, env, nil)
	notifications := record(env.bus, model.EventNotification)
	ctx := context.Background()
	issueToken(t, env, 42)

	report := &model.CompletionReport{
		JobID:         "judge-42",
		PendingTimeMs: 20,
		Attempts:      1,
		Outcome: &model.ExecutionOutcome{
			Score:  100,
			Status: "accepted",
			Tests:  []model.SubtestResult{{Name: "t1", Passed: true, Score: 100}},
			Logs:   []model.LogArtifact{{Name: "stderr.log", Key: "judge/42/1/stderr.log"}},
		},
	}
	result, err := svc.Complete(ctx, 42, testToken, report)
	if err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	if result.Status != model.ResultCompleted || result.Score != 100 || result.UserID != "u1" || result.JobID != "judge-42" {
		t.Fatalf("unexpected result %+v", result)
	}
	if len(result.Artifacts) != 1 || result.Artifacts[0] != "judge/42/1/stderr.log" {
		t.Fatalf("expected artifact keys, got %v", result.Artifacts)
	}

	stored, err := env.results.Get(ctx, 42)
	if err != nil || stored.Score != 100 {
		t.Fatalf("expected persisted result, got %+v err=%v", stored, err)
	}

	events := notifications.all()
	if len(events) != 1 {
		t.Fatalf("expected one notification, got %d", len(events))
	}
	event, ok := events[0].(model.NotificationEvent)
	if !ok || !event.Targets("u1") || event.Targets("u2") {
		t.Fatalf("unexpected notification %+v", events[0])
	}

	if _, err := svc.Complete(ctx, 42, testToken, report); !appErr.Is(err, appErr.WebhookTokenInvalid) {
		t.Fatalf("expected second completion to be rejected, got %v", err)
	}
	if len(notifications.all()) != 1 {
		t.Fatalf("rejected completion must not notify")
	}
}

func TestCompletionServiceUsesStagedReport(t *testing.T) {
	env := newTestEnv(t)
	svc := newCompletionService(t, env, nil)
	ctx := context.Background()
	issueToken(t, env, 7)

	staged := model.CompletionReport{JobID: "judge-7", Attempts: 2, PendingTimeMs: 5,
		Outcome: &model.ExecutionOutcome{Score: 30, Status: "partial"}}
	if err := env.results.Stage(ctx, 7, staged, time.Minute); err != nil {
		t.Fatalf("stage failed: %v", err)
	}

	result, err := svc.Complete(ctx, 7, testToken, nil)
	if err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	if result.Score != 30 || result.Attempts != 2 || result.OutcomeStatus != "partial" {
		t.Fatalf("expected staged outcome, got %+v", result)
	}
	if report, _ := env.results.Staged(ctx, 7); report != nil {
		t.Fatalf("staged report must be dropped after completion")
	}
}

func TestCompletionServiceRecordsFailure(t *testing.T) {
	env := newTestEnv(t)
	svc := newCompletionService(t, env, nil)
	issueToken(t, env, 8)

	result, err := svc.Complete(context.Background(), 8, testToken, &model.CompletionReport{Failed: true, Error: "attempts exhausted", Attempts: 3})
	if err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	if result.Status != model.ResultFailed || result.Error != "attempts exhausted" || result.Tests == nil {
		t.Fatalf("unexpected failed result %+v", result)
	}
}

func TestCompletionServiceRejectsWrongToken(t *testing.T) {
	env := newTestEnv(t)
	svc := newCompletionService(t, env, nil)
	issueToken(t, env, 9)

	if _, err := svc.Complete(context.Background(), 9, "6ba7b810-9dad-11d1-80b4-00c04fd430c8", nil); !appErr.Is(err, appErr.WebhookTokenInvalid) {
		t.Fatalf("expected WebhookTokenInvalid, got %v", err)
	}
	if _, err := svc.Complete(context.Background(), 10, testToken, nil); !appErr.Is(err, appErr.WebhookTokenInvalid) {
		t.Fatalf("expected WebhookTokenInvalid for unknown record, got %v", err)
	}
	if _, err := svc.Complete(context.Background(), 9, testToken, nil); err != nil {
		t.Fatalf("valid token must still work after rejected attempts: %v", err)
	}
}

type failingResults struct {
	service.ResultStore
	err error
}

func (f failingResults) Save(ctx context.Context, result model.TaskResult) error { return f.err }

func TestCompletionServiceRestoresTokenWhenSaveFails(t *testing.T) {
	env := newTestEnv(t)
	failing := newCompletionService(t, env, failingResults{ResultStore: env.results, err: errors.New("db down")})
	issueToken(t, env, 11)

	_, err := failing.Complete(context.Background(), 11, testToken, &model.CompletionReport{})
	if !appErr.Is(err, appErr.CompletionFailed) {
		t.Fatalf("expected CompletionFailed, got %v", err)
	}

	working := newCompletionService(t, env, nil)
	if _, err := working.Complete(context.Background(), 11, testToken, &model.CompletionReport{}); err != nil {
		t.Fatalf("token must be usable after a failed save: %v", err)
	}
}
