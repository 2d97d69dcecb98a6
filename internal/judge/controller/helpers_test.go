package controller_test

import (
	"bufio"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"judgeflow/internal/common/cache"
	"judgeflow/internal/common/eventbus"
	"judgeflow/internal/common/http/middleware"
	"judgeflow/internal/common/mq"
	"judgeflow/internal/common/storage"
	"judgeflow/internal/judge/controller"
	"judgeflow/internal/judge/model"
	"judgeflow/internal/judge/repository"
	"judgeflow/internal/judge/sandbox"
	"judgeflow/internal/judge/service"
	"judgeflow/internal/judge/signature"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
)

const (
	testToken     = "0f8fad5b-d9cb-469f-a165-70867728950e"
	webhookSecret = "webhook-secret"
	jwtSecret     = "jwt-secret"
	topic         = "judge"
)

type harness struct {
	mr         *miniredis.Miniredis
	cache      cache.Cache
	tokens     *repository.TokenRepository
	results    *repository.ResultRepository
	bus        *eventbus.Bus
	queue      *mq.RedisQueue
	tasks      *service.TaskService
	completion *service.CompletionService
	stream     *controller.StreamController
	artifacts  *storage.LocalStorage
	router     *gin.Engine
}

func newHarness(t *testing.T, streamCfg controller.StreamConfig) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	c, err := cache.NewRedisCacheWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	if err != nil {
		t.Fatalf("new cache failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	h := &harness{
		mr:      mr,
		cache:   c,
		tokens:  repository.NewTokenRepository(c, time.Minute),
		results: repository.NewResultRepository(nil, c, time.Hour),
		bus:     eventbus.New(),
	}
	h.queue, err = mq.NewRedisQueue(c, "test")
	if err != nil {
		t.Fatalf("new queue failed: %v", err)
	}
	h.completion, err = service.NewCompletionService(service.CompletionServiceConfig{
		Tokens:  h.tokens,
		Results: h.results,
		Bus:     h.bus,
	})
	if err != nil {
		t.Fatalf("new completion service failed: %v", err)
	}
	h.tasks, err = service.NewTaskService(service.TaskServiceConfig{Queue: h.queue, Results: h.results, Topic: topic})
	if err != nil {
		t.Fatalf("new task service failed: %v", err)
	}
	webhook, err := controller.NewWebhookController(h.completion, webhookSecret, time.Minute)
	if err != nil {
		t.Fatalf("new webhook controller failed: %v", err)
	}
	h.artifacts, err = storage.NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("new local storage failed: %v", err)
	}
	h.stream = controller.NewStreamController(h.bus, streamCfg)
	t.Cleanup(h.stream.Close)

	h.router = gin.New()
	h.router.Use(middleware.TraceContextMiddleware())
	controller.Routes{
		Tasks:   controller.NewTaskController(h.tasks),
		Webhook: webhook,
		Stream:  h.stream,
		Static:  controller.NewStaticController(h.artifacts, "artifacts"),
		Auth:    service.NewAuthService(jwtSecret, "", c),
	}.Register(h.router)
	return h
}

// serve starts a real server. Streams are closed before the server so that
// Close does not wait on them.
func (h *harness) serve(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(h.router)
	t.Cleanup(func() {
		h.stream.Close()
		srv.Close()
	})
	return srv
}

func (h *harness) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func sessionToken(t *testing.T, userID string) string {
	t.Helper()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": userID,
		"typ": "access",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(jwtSecret))
	if err != nil {
		t.Fatalf("sign session failed: %v", err)
	}
	return raw
}

// webhookRequest builds a webhook call signed over the given query.
func webhookRequest(target string, judgeRecordID int64, token string, body []byte) *http.Request {
	params := map[string]string{
		"token":         token,
		"judgeRecordId": strconv.FormatInt(judgeRecordID, 10),
	}
	timestamp, sig := signature.Signer{Secret: webhookSecret}.SignRequest(service.WebhookPath, params)
	query := url.Values{}
	for k, v := range params {
		query.Set(k, v)
	}
	req := httptest.NewRequest(http.MethodPost, target+service.WebhookPath+"?"+query.Encode(), bytes.NewReader(body))
	req.RequestURI = ""
	req.Header.Set(signature.HeaderSign, sig)
	req.Header.Set(signature.HeaderTimestamp, timestamp)
	return req
}

type fakeExecutor struct {
	mu      sync.Mutex
	calls   int
	outcome model.ExecutionOutcome
}

func (f *fakeExecutor) Execute(ctx context.Context, req sandbox.ExecutionRequest) (model.ExecutionOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.outcome, nil
}

func createRequestBody(judgeRecordID int64, userID string) string {
	return `{"problemId":1,"judgeRecordId":` + strconv.FormatInt(judgeRecordID, 10) +
		`,"userId":"` + userID + `","judgeScript":"export default () => 100","fsSnapshot":{"/a.ts":"1"},"mode":"judge","token":"` + testToken + `"}`
}

// sseClient reads data frames of one live stream.
type sseClient struct {
	frames chan string
	cancel context.CancelFunc
}

func openStream(t *testing.T, baseURL, session string) *sseClient {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/notifications/stream?token="+url.QueryEscape(session), nil)
	if err != nil {
		cancel()
		t.Fatalf("build stream request failed: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		cancel()
		t.Fatalf("open stream failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		cancel()
		_ = resp.Body.Close()
		t.Fatalf("expected 200 stream, got %d", resp.StatusCode)
	}
	c := &sseClient{frames: make(chan string, 16), cancel: cancel}
	go func() {
		defer close(c.frames)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, "data: ") {
				c.frames <- strings.TrimPrefix(line, "data: ")
			}
		}
	}()
	t.Cleanup(func() {
		cancel()
		_ = resp.Body.Close()
	})
	return c
}

func (c *sseClient) expect(t *testing.T, want string) {
	t.Helper()
	select {
	case got, ok := <-c.frames:
		if !ok {
			t.Fatalf("stream closed while waiting for %s", want)
		}
		if got != want {
			t.Fatalf("expected frame %s, got %s", want, got)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", want)
	}
}

func (c *sseClient) expectNone(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case got, ok := <-c.frames:
		if ok {
			t.Fatalf("unexpected frame %s", got)
		}
	case <-time.After(wait):
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met: %s", msg)
}
