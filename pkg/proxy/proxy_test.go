package proxy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	cachepkg "github.com/parrot-ai/parrot/pkg/cache/sqlite"
	"github.com/parrot-ai/parrot/pkg/config"
	"github.com/parrot-ai/parrot/pkg/models"
)

func newTestServer(t *testing.T, upstreamURL string) (*Server, *cachepkg.Store) {
	t.Helper()
	store, err := cachepkg.New(filepath.Join(t.TempDir(), "cache.db"), time.Hour, 0)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	cfg := config.Default()
	cfg.TargetURL = upstreamURL
	cfg.UpstreamTimeout = 5 * time.Second

	srv, err := New(cfg, store, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	return srv, store
}

func postJSON(srv *Server, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func TestMissThenHit(t *testing.T) {
	var calls atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"chatcmpl-1","choices":[{"message":{"role":"assistant","content":"Hello!"}}]}`))
	}))
	defer upstream.Close()

	srv, _ := newTestServer(t, upstream.URL)
	body := `{"model":"gpt-4","messages":[{"role":"user","content":"hi"}]}`

	w1 := postJSON(srv, "/v1/chat/completions", body, nil)
	if w1.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w1.Code, w1.Body.String())
	}
	if got := w1.Header().Get("X-Cache"); got != "MISS" {
		t.Errorf("expected X-Cache MISS on first request, got %q", got)
	}

	w2 := postJSON(srv, "/v1/chat/completions", body, nil)
	if got := w2.Header().Get("X-Cache"); got != "HIT" {
		t.Errorf("expected X-Cache HIT on second request, got %q", got)
	}
	if w2.Body.String() != w1.Body.String() {
		t.Error("cached body should match the stored upstream body")
	}
	if calls.Load() != 1 {
		t.Errorf("expected exactly one upstream call, got %d", calls.Load())
	}
}

func TestParamOrderingIrrelevant(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	srv, _ := newTestServer(t, upstream.URL)

	// Same request, temperature placed before vs after model.
	a := `{"temperature":0.7,"model":"gpt-x","messages":[{"role":"user","content":"hi"}]}`
	b := `{"model":"gpt-x","messages":[{"role":"user","content":"hi"}],"temperature":0.7}`

	if w := postJSON(srv, "/v1/chat/completions", a, nil); w.Header().Get("X-Cache") != "MISS" {
		t.Fatal("expected first request to miss")
	}
	if w := postJSON(srv, "/v1/chat/completions", b, nil); w.Header().Get("X-Cache") != "HIT" {
		t.Error("reordered request body should fingerprint identically and hit")
	}
}

func TestHeaderAllowList(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Error("Authorization header not forwarded")
		}
		if r.Header.Get("Anthropic-Version") != "2023-06-01" {
			t.Error("Anthropic-Version header not forwarded")
		}
		if r.Header.Get("X-Internal-Trace") != "" {
			t.Error("non-allow-listed header leaked upstream")
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	srv, _ := newTestServer(t, upstream.URL)
	body := `{"model":"claude-3","messages":[{"role":"user","content":"hi"}]}`
	w := postJSON(srv, "/v1/messages", body, map[string]string{
		"Authorization":     "Bearer sk-test",
		"Anthropic-Version": "2023-06-01",
		"X-Internal-Trace":  "secret",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestStreamingBypassesCache(t *testing.T) {
	var calls atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: {\"delta\":\"hi\"}\n\ndata: [DONE]\n\n"))
	}))
	defer upstream.Close()

	srv, store := newTestServer(t, upstream.URL)
	body := `{"model":"gpt-4","messages":[{"role":"user","content":"hi"}],"stream":true}`

	for i := 0; i < 2; i++ {
		w := postJSON(srv, "/v1/chat/completions", body, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
		if w.Header().Get("X-Cache") != "" {
			t.Error("streaming response must not carry a cache-status header")
		}
		if !strings.Contains(w.Body.String(), "data: [DONE]") {
			t.Errorf("stream not relayed: %s", w.Body.String())
		}
	}

	if calls.Load() != 2 {
		t.Errorf("expected 2 upstream calls for 2 streaming requests, got %d", calls.Load())
	}
	stats, err := store.Stats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Hits != 0 || stats.Misses != 0 || stats.Entries != 0 {
		t.Errorf("streaming requests touched the cache: %+v", stats)
	}
}

func TestUpstreamErrorNotCached(t *testing.T) {
	var calls atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"rate limited"}}`))
	}))
	defer upstream.Close()

	srv, store := newTestServer(t, upstream.URL)
	body := `{"model":"gpt-4","messages":[{"role":"user","content":"hi"}]}`

	for i := 0; i < 2; i++ {
		w := postJSON(srv, "/v1/chat/completions", body, nil)
		if w.Code != http.StatusTooManyRequests {
			t.Fatalf("expected upstream status relayed, got %d", w.Code)
		}
		if !strings.Contains(w.Body.String(), "rate limited") {
			t.Errorf("upstream body not relayed verbatim: %s", w.Body.String())
		}
	}

	if calls.Load() != 2 {
		t.Errorf("failed responses must not be cached; expected 2 upstream calls, got %d", calls.Load())
	}
	stats, _ := store.Stats(context.Background())
	if stats.Entries != 0 {
		t.Errorf("failed response was stored: %d entries", stats.Entries)
	}
}

func TestTransportFailure(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	upstream.Close() // connection refused from here on

	srv, _ := newTestServer(t, upstream.URL)
	body := `{"model":"gpt-4","messages":[{"role":"user","content":"hi"}]}`
	w := postJSON(srv, "/v1/chat/completions", body, nil)

	if w.Code != http.StatusBadGateway {
		t.Errorf("expected 502 on transport failure, got %d", w.Code)
	}
}

func TestStreamingHeaderTimeout(t *testing.T) {
	hold := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-hold // accept the connection, never send headers
	}))
	defer upstream.Close()
	defer close(hold)

	store, err := cachepkg.New(filepath.Join(t.TempDir(), "cache.db"), time.Hour, 0)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	cfg := config.Default()
	cfg.TargetURL = upstream.URL
	cfg.UpstreamTimeout = 100 * time.Millisecond

	srv, err := New(cfg, store, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	body := `{"model":"gpt-4","messages":[{"role":"user","content":"hi"}],"stream":true}`
	start := time.Now()
	w := postJSON(srv, "/v1/chat/completions", body, nil)

	if w.Code != http.StatusBadGateway {
		t.Errorf("expected 502 when upstream never sends headers, got %d", w.Code)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("handler did not honor the upstream timeout: took %s", elapsed)
	}
}

func TestInvalidBody(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	srv, _ := newTestServer(t, upstream.URL)
	w := postJSON(srv, "/v1/chat/completions", "{not json", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed body, got %d", w.Code)
	}
}

func TestConcurrentIdenticalMisses(t *testing.T) {
	var calls atomic.Int64
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		<-release // hold both requests in flight together
		w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	srv, store := newTestServer(t, upstream.URL)
	body := `{"model":"gpt-4","messages":[{"role":"user","content":"hi"}]}`

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			postJSON(srv, "/v1/chat/completions", body, nil)
		}()
	}
	// Let both requests reach the upstream, then release them.
	deadline := time.Now().Add(5 * time.Second)
	for calls.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for both requests to reach upstream")
		}
		time.Sleep(time.Millisecond)
	}
	close(release)
	wg.Wait()

	// No coalescing: both missed, both called upstream, last write wins.
	if calls.Load() != 2 {
		t.Errorf("expected both concurrent misses to call upstream, got %d calls", calls.Load())
	}
	stats, _ := store.Stats(context.Background())
	if stats.Misses != 2 {
		t.Errorf("expected 2 recorded misses, got %d", stats.Misses)
	}
	if stats.Entries != 1 {
		t.Errorf("expected a single entry after concurrent writes, got %d", stats.Entries)
	}
}

func TestCacheStatsEndpoint(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	srv, _ := newTestServer(t, upstream.URL)
	body := `{"model":"gpt-4","messages":[{"role":"user","content":"hi"}]}`
	postJSON(srv, "/v1/chat/completions", body, nil) // miss
	postJSON(srv, "/v1/chat/completions", body, nil) // hit

	req := httptest.NewRequest(http.MethodGet, "/cache/stats", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var stats models.CacheStats
	if err := json.Unmarshal(w.Body.Bytes(), &stats); err != nil {
		t.Fatal(err)
	}
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("expected 1 hit / 1 miss, got %d / %d", stats.Hits, stats.Misses)
	}
	if stats.HitRate != 0.5 {
		t.Errorf("expected hit rate 0.5, got %v", stats.HitRate)
	}
	if stats.ByModel["gpt-4"] != 1 {
		t.Errorf("unexpected by-model breakdown: %v", stats.ByModel)
	}
}

func TestCacheClearEndpoint(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	srv, store := newTestServer(t, upstream.URL)
	body := `{"model":"gpt-4","messages":[{"role":"user","content":"hi"}]}`
	postJSON(srv, "/v1/chat/completions", body, nil)

	req := httptest.NewRequest(http.MethodPost, "/cache/clear", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"cleared"`) {
		t.Errorf("unexpected clear acknowledgement: %s", w.Body.String())
	}
	stats, _ := store.Stats(context.Background())
	if stats.Entries != 0 || stats.Hits != 0 || stats.Misses != 0 {
		t.Errorf("clear endpoint left state behind: %+v", stats)
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, "http://unused.test")
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"ok"`) {
		t.Errorf("unexpected health body: %s", w.Body.String())
	}
}

func TestUnknownProvider(t *testing.T) {
	store, err := cachepkg.New(filepath.Join(t.TempDir(), "cache.db"), time.Hour, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	cfg := config.Default()
	cfg.Provider = "mystery"
	if _, err := New(cfg, store, zerolog.Nop()); err == nil {
		t.Error("expected error for unknown provider")
	}
}

func TestMethodNotAllowed(t *testing.T) {
	srv, _ := newTestServer(t, "http://unused.test")

	for path, method := range map[string]string{
		"/v1/chat/completions": http.MethodGet,
		"/cache/stats":         http.MethodPost,
		"/cache/clear":         http.MethodGet,
	} {
		req := httptest.NewRequest(method, path, nil)
		w := httptest.NewRecorder()
		srv.ServeHTTP(w, req)
		if w.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s %s: expected 405, got %d", method, path, w.Code)
		}
	}
}
