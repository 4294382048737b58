package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/perchwatch/perch/internal/config"
	"github.com/perchwatch/perch/internal/events"
	"github.com/perchwatch/perch/internal/feed"
	"github.com/perchwatch/perch/internal/fetch"
	"github.com/perchwatch/perch/internal/gateway"
	"github.com/perchwatch/perch/internal/metrics"
	"github.com/perchwatch/perch/internal/store"
)

type testEnv struct {
	server *Server
	store  *store.Store
	broker *events.Broker
}

func newTestEnv(t *testing.T, withBroker bool) *testEnv {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "perch.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	pool, err := gateway.NewPool([]string{"https://mirror.example"}, 30, 2)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	parser, err := feed.NewParser(`/status/(\d+)`)
	if err != nil {
		t.Fatalf("new parser: %v", err)
	}

	var broker *events.Broker
	if withBroker {
		broker = events.NewBroker(64)
	}
	m := metrics.New()
	pipeline := fetch.New(st, pool, parser, broker, m, fetch.Options{})

	cfg := config.Default()
	cfg.NitterInstances = []string{"https://mirror.example"}

	return &testEnv{
		server: NewServer("127.0.0.1:0", cfg, st, pool, pipeline, nil, broker, m),
		store:  st,
		broker: broker,
	}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) seedPost(t *testing.T, id, target, content, createdAt string) {
	t.Helper()
	_, err := e.store.UpsertPost(store.Post{
		ID:        id,
		Target:    target,
		Content:   content,
		CreatedAt: createdAt,
		Raw:       `{"title":"` + content + `"}`,
		FetchedAt: createdAt,
		Instance:  "https://mirror.example",
	})
	if err != nil {
		t.Fatalf("seed post: %v", err)
	}
}

func TestTargets_CreateListDelete(t *testing.T) {
	e := newTestEnv(t, true)
	sub := e.broker.Subscribe()
	defer e.broker.Unsubscribe(sub)

	rec := e.do(t, "POST", "/api/targets", `{"type":"user","value":" alice ","poll_interval_seconds":300}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: got %d: %s", rec.Code, rec.Body)
	}
	var created store.Target
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode created: %v", err)
	}
	if created.ID == 0 || created.Value != "alice" {
		t.Errorf("created row: %+v", created)
	}

	// Creation announces a tick.
	select {
	case payload := <-sub.C():
		if !strings.Contains(string(payload), `"tick"`) {
			t.Errorf("expected tick event, got %s", payload)
		}
	default:
		t.Error("no event after create")
	}

	rec = e.do(t, "GET", "/api/targets", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list: got %d", rec.Code)
	}
	var listed []store.Target
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(listed) != 1 {
		t.Fatalf("list: got %d rows", len(listed))
	}

	rec = e.do(t, "DELETE", "/api/targets/1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("delete: got %d: %s", rec.Code, rec.Body)
	}
	rec = e.do(t, "DELETE", "/api/targets/1", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second delete: got %d, want 404", rec.Code)
	}
}

func TestCreateTarget_Validation(t *testing.T) {
	e := newTestEnv(t, false)
	cases := []struct {
		name string
		body string
	}{
		{"bad kind", `{"type":"account","value":"alice","poll_interval_seconds":300}`},
		{"empty value", `{"type":"user","value":"   ","poll_interval_seconds":300}`},
		{"short interval", `{"type":"user","value":"alice","poll_interval_seconds":30}`},
		{"not json", `nope`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := e.do(t, "POST", "/api/targets", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("got %d, want 400: %s", rec.Code, rec.Body)
			}
			var er ErrorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &er); err != nil || er.Error == "" {
				t.Errorf("error envelope missing: %s", rec.Body)
			}
		})
	}
}

func TestListPosts(t *testing.T) {
	e := newTestEnv(t, false)
	e.seedPost(t, "p1", "user:alice", "hello world", "2026-08-24T10:00:00Z")
	e.seedPost(t, "p2", "user:alice", "second post", "2026-08-24T11:00:00Z")
	e.seedPost(t, "p3", "user:bob", "other stream", "2026-08-24T12:00:00Z")

	rec := e.do(t, "GET", "/api/tweets?target=user:alice", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d", rec.Code)
	}
	var posts []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &posts); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(posts) != 2 {
		t.Fatalf("got %d posts, want 2", len(posts))
	}
	if posts[0]["id"] != "p2" {
		t.Errorf("order: first is %v, want p2", posts[0]["id"])
	}
	raw, ok := posts[0]["raw"].(map[string]any)
	if !ok || raw["title"] != "second post" {
		t.Errorf("raw not re-parsed: %v", posts[0]["raw"])
	}

	rec = e.do(t, "GET", "/api/tweets?q=world", "")
	if err := json.Unmarshal(rec.Body.Bytes(), &posts); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(posts) != 1 || posts[0]["id"] != "p1" {
		t.Errorf("substring filter: %v", posts)
	}

	if rec := e.do(t, "GET", "/api/tweets?limit=zero", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit: got %d, want 400", rec.Code)
	}
}

func TestListPosts_ServesCachedResponse(t *testing.T) {
	e := newTestEnv(t, false)
	e.seedPost(t, "p1", "user:alice", "hello", "2026-08-24T10:00:00Z")

	first := e.do(t, "GET", "/api/tweets", "")
	if first.Code != http.StatusOK {
		t.Fatalf("got %d", first.Code)
	}

	// A write landing inside the cache TTL is not visible yet.
	e.seedPost(t, "p2", "user:alice", "brand new", "2026-08-24T11:00:00Z")
	second := e.do(t, "GET", "/api/tweets", "")
	if second.Body.String() != first.Body.String() {
		t.Error("response should come from cache within the TTL")
	}
}

func TestExport(t *testing.T) {
	e := newTestEnv(t, false)
	e.seedPost(t, "p1", "user:alice", "hello", "2026-08-24T10:00:00Z")
	e.seedPost(t, "p2", "user:alice", "again", "2026-08-24T11:00:00Z")

	rec := e.do(t, "GET", "/api/export.jsonl", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/jsonl" {
		t.Errorf("content type: %q", ct)
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, "export.jsonl") {
		t.Errorf("content disposition: %q", cd)
	}
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	for _, line := range lines {
		var obj map[string]any
		if err := json.Unmarshal([]byte(line), &obj); err != nil {
			t.Errorf("line not JSON: %q", line)
		}
	}
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t, false)
	rec := e.do(t, "GET", "/api/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d", rec.Code)
	}
	var resp struct {
		Status        string           `json:"status"`
		RTTByInstance []map[string]any `json:"rttByInstance"`
		QueueSize     int64            `json:"queueSize"`
		LastRun       string           `json:"lastRun"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("status: %q", resp.Status)
	}
	if len(resp.RTTByInstance) != 1 {
		t.Errorf("snapshot entries: %d", len(resp.RTTByInstance))
	}
}

func TestFetchOnce_NoTargets(t *testing.T) {
	e := newTestEnv(t, false)
	rec := e.do(t, "POST", "/api/fetch/once", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d: %s", rec.Code, rec.Body)
	}
	var agg fetch.Aggregate
	if err := json.Unmarshal(rec.Body.Bytes(), &agg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(agg.NewCountsByTarget) != 0 || len(agg.FailedInstances) != 0 {
		t.Errorf("aggregate: %+v", agg)
	}
}

func TestConfigEndpoint(t *testing.T) {
	e := newTestEnv(t, false)
	rec := e.do(t, "GET", "/api/config", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d", rec.Code)
	}
	var cfg map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &cfg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := cfg["nitter_instances"]; !ok {
		t.Errorf("config view missing instances: %v", cfg)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	e := newTestEnv(t, false)
	rec := e.do(t, "GET", "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "perch_") {
		t.Error("exposition should carry perch_ collectors")
	}
}

func TestCORSPreflight(t *testing.T) {
	e := newTestEnv(t, false)
	rec := e.do(t, "OPTIONS", "/api/targets", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("got %d, want 204", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header")
	}
}

func TestStream_DisabledReturns503(t *testing.T) {
	e := newTestEnv(t, false)
	rec := e.do(t, "GET", "/api/stream", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("got %d, want 503", rec.Code)
	}
}

func TestStream_HeartbeatOnSilence(t *testing.T) {
	broker := events.NewBroker(64)
	srv := httptest.NewServer(handleStream(broker, 30*time.Millisecond))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	if line, err := reader.ReadString('\n'); err != nil || line != "event: hello\n" {
		t.Fatalf("first frame: %q, %v", line, err)
	}

	// With nothing published, the next named frame is a heartbeat.
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if line == "event: heartbeat\n" {
			break
		}
		if strings.HasPrefix(line, "event: ") {
			t.Fatalf("unexpected frame before heartbeat: %q", line)
		}
	}

	// Events keep flowing after a heartbeat.
	broker.Publish("tick", map[string]any{"n": 1})
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read after heartbeat: %v", err)
		}
		if strings.HasPrefix(line, "data: ") && strings.Contains(line, `"tick"`) {
			return
		}
	}
}

func TestStream_HelloThenEvents(t *testing.T) {
	e := newTestEnv(t, true)
	srv := httptest.NewServer(e.server.Handler())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type: %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read hello: %v", err)
	}
	if line != "event: hello\n" {
		t.Fatalf("first frame: %q", line)
	}

	// Wait for the subscriber to be registered before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for e.broker.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	e.broker.Publish("new_post", map[string]any{"post_id": "p1"})

	var dataLine string
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read event: %v", err)
		}
		if strings.HasPrefix(line, "data: {\"") && strings.Contains(line, "new_post") {
			dataLine = line
			break
		}
	}
	if !strings.Contains(dataLine, `"post_id":"p1"`) {
		t.Errorf("event frame: %q", dataLine)
	}
}
