package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"judgeflow/internal/common/cache"
	"judgeflow/internal/common/eventbus"
	"judgeflow/internal/common/mq"
	"judgeflow/internal/judge/model"
	"judgeflow/internal/judge/repository"
	"judgeflow/internal/judge/sandbox"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

const testToken = "0f8fad5b-d9cb-469f-a165-70867728950e"

type testEnv struct {
	mr      *miniredis.Miniredis
	cache   cache.Cache
	tokens  *repository.TokenRepository
	results *repository.ResultRepository
	bus     *eventbus.Bus
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := cache.NewRedisCacheWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	if err != nil {
		t.Fatalf("new cache failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return &testEnv{
		mr:      mr,
		cache:   c,
		tokens:  repository.NewTokenRepository(c, time.Minute),
		results: repository.NewResultRepository(nil, c, time.Hour),
		bus:     eventbus.New(),
	}
}

// recorder collects payloads emitted on one event.
type recorder struct {
	mu       sync.Mutex
	payloads []any
}

func record(bus *eventbus.Bus, event string) *recorder {
	r := &recorder{}
	bus.On(event, func(payload any) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.payloads = append(r.payloads, payload)
	})
	return r
}

func (r *recorder) all() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any(nil), r.payloads...)
}

type fakeExecutor struct {
	mu      sync.Mutex
	calls   []sandbox.ExecutionRequest
	outcome model.ExecutionOutcome
	err     error
}

func (f *fakeExecutor) Execute(ctx context.Context, req sandbox.ExecutionRequest) (model.ExecutionOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	return f.outcome, f.err
}

type fakeDeadLetters struct {
	mu      sync.Mutex
	jobs    []string
	reasons []string
}

func (f *fakeDeadLetters) PublishFinalStatus(ctx context.Context, result model.TaskResult) error {
	return nil
}

func (f *fakeDeadLetters) PublishDeadLetter(ctx context.Context, job *mq.Job, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job.ID)
	f.reasons = append(f.reasons, reason)
	return nil
}

func sampleTask(judgeRecordID int64) model.JudgeTask {
	return model.JudgeTask{
		ProblemID:      1,
		JudgeRecordID:  judgeRecordID,
		UserID:         "u1",
		JudgeScript:    "x",
		FsSnapshot:     map[string]string{"/a.ts": "1"},
		Mode:           model.ModeJudge,
		Token:          testToken,
		QueueTimestamp: time.Now().Add(-50 * time.Millisecond).UnixMilli(),
	}
}
