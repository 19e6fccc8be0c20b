package http_client

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func newTestClient(baseURL string, retry *RetryConfig) *InstrumentedClient {
	return &InstrumentedClient{
		Name:    "test",
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: 5 * time.Second},
		Retry:   retry,
	}
}

// 重试的每一次发送都要携带完整 body,而不是复用上一次已消费的 reader。
func TestDoRetrySendsFullBodyEachAttempt(t *testing.T) {
	var mu sync.Mutex
	var bodies []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(raw))
		n := len(bodies)
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	ic := newTestClient(srv.URL, &RetryConfig{
		Enabled:           true,
		MaxAttempts:       3,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        10 * time.Millisecond,
		BackoffMultiplier: 2,
	})

	var out struct {
		OK bool `json:"ok"`
	}
	resp, err := ic.Post(context.Background(), "/submit", map[string]string{"payload": "hello"}, nil, &out)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if resp.StatusCode != http.StatusOK || !out.OK {
		t.Fatalf("unexpected response: status=%d ok=%v", resp.StatusCode, out.OK)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(bodies) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(bodies))
	}
	want := `{"payload":"hello"}`
	for i, b := range bodies {
		if b != want {
			t.Fatalf("attempt %d body = %q, want %q", i+1, b, want)
		}
	}
}

func TestDoReturnsErrorOnHTTPStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer srv.Close()

	ic := newTestClient(srv.URL, nil)
	if _, err := ic.Get(context.Background(), "/missing", nil, nil, nil); err == nil {
		t.Fatalf("expected error for 404 response")
	}
}

func TestBuildURLMergesQuery(t *testing.T) {
	ic := newTestClient("http://broker.local/api", nil)
	got, err := ic.buildURL("tasks", map[string]string{"limit": "5"})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	if got != "http://broker.local/api/tasks?limit=5" {
		t.Fatalf("unexpected url: %s", got)
	}
}
