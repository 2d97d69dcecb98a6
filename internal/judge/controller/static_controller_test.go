package controller_test

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"judgeflow/internal/common/storage"
	"judgeflow/internal/judge/controller"
)

func TestStaticControllerServesArtifacts(t *testing.T) {
	h := newHarness(t, controller.StreamConfig{})
	ctx := context.Background()

	plain := []byte("plain log")
	if err := h.artifacts.PutObject(ctx, "artifacts/judge/42/1/run.log", bytes.NewReader(plain), int64(len(plain)), "text/plain"); err != nil {
		t.Fatalf("put plain failed: %v", err)
	}
	big := []byte(strings.Repeat("compressed log line\n", 200))
	packed, compressed, err := storage.MaybeCompress(big, 64)
	if err != nil || !compressed {
		t.Fatalf("compress failed: %v compressed=%v", err, compressed)
	}
	if err := h.artifacts.PutObject(ctx, "artifacts/judge/42/1/big.log", bytes.NewReader(packed), int64(len(packed)), "application/zstd"); err != nil {
		t.Fatalf("put compressed failed: %v", err)
	}

	tests := []struct {
		name   string
		path   string
		status int
		body   []byte
	}{
		{name: "plain", path: "/static/judge/42/1/run.log", status: http.StatusOK, body: plain},
		{name: "compressed", path: "/static/judge/42/1/big.log", status: http.StatusOK, body: big},
		{name: "redundant segments", path: "/static/judge/42/./1/run.log", status: http.StatusOK, body: plain},
		{name: "missing", path: "/static/judge/42/1/none.log", status: http.StatusNotFound},
		{name: "escape", path: "/static/../secret", status: http.StatusBadRequest},
		{name: "nested escape", path: "/static/judge/../../secret", status: http.StatusBadRequest},
		{name: "empty", path: "/static/", status: http.StatusBadRequest},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			w := h.do(httptest.NewRequest(http.MethodGet, tt.path, nil))
			if w.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, w.Code, w.Body.String())
			}
			if tt.body != nil && !bytes.Equal(w.Body.Bytes(), tt.body) {
				t.Fatalf("unexpected body %q", w.Body.String())
			}
		})
	}
}
