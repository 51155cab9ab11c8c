package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"kortix-mvp/internal/agent"
	"kortix-mvp/internal/billing"
	"kortix-mvp/internal/chat"
	"kortix-mvp/internal/files"
	"kortix-mvp/internal/health"
	"kortix-mvp/internal/knowledge"
	"kortix-mvp/internal/task"
	"kortix-mvp/internal/thread"
	"kortix-mvp/internal/webhook"
)

type fixture struct {
	server  *Server
	agents  *agent.Service
	threads *thread.Service
	tasks   *task.Service
	store   *task.MemoryStore
	handler http.Handler
}

func newFixture(t *testing.T, opts Options, probes ...health.Probe) *fixture {
	t.Helper()
	registry := task.NewRegistry()
	noop := task.ExecutorFunc(func(context.Context, *task.Task) (map[string]any, error) { return nil, nil })
	registry.Register(task.KindAgentTask, noop)
	registry.Register(task.KindNotification, noop)

	store := task.NewMemoryStore()
	tasks := task.NewService(store, task.NewMemoryQueue(16), registry, 3)
	agents := agent.NewService(agent.NewMemoryStore())
	threads := thread.NewService(thread.NewMemoryStore(), agents)
	blobs, err := files.NewLocalBlobStore(filepath.Join(t.TempDir(), "uploads"))
	if err != nil {
		t.Fatalf("create blob store: %v", err)
	}
	kb := knowledge.NewBase(knowledge.NewStaticProvider([]knowledge.Entry{
		{ID: "kb-1", Title: "Getting started", Content: "Create an agent first.", Keywords: []string{"agent"}},
	}), knowledge.NewMemoryStore())

	deps := Deps{
		Agents:    agents,
		Threads:   threads,
		Chat:      chat.NewService(agents, threads, chat.WithSubmitter(tasks)),
		Files:     files.NewService(files.NewMemoryStore(), blobs, files.WithMaxUploadBytes(1024)),
		Knowledge: kb,
		Tasks:     tasks,
		Webhooks:  webhook.NewService(tasks),
		Billing:   billing.NewService("pro", ""),
		Health:    health.NewChecker("test", probes...),
	}
	server, err := NewServer(opts, deps)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return &fixture{server: server, agents: agents, threads: threads, tasks: tasks, store: store, handler: server.Handler()}
}

func (f *fixture) do(t *testing.T, method, target string, body []byte, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	var req *http.Request
	if reader != nil {
		req = httptest.NewRequest(method, target, reader)
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	for key, values := range header {
		for _, v := range values {
			req.Header.Set(key, v)
		}
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func expectError(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) errorBody {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("unexpected status code: got %d want %d (%s)", rec.Code, status, rec.Body.String())
	}
	var body errorBody
	decode(t, rec, &body)
	if body.Code != code {
		t.Fatalf("unexpected error code: got %q want %q", body.Code, code)
	}
	if body.Detail == "" {
		t.Fatalf("error detail should not be empty")
	}
	return body
}

func TestLandingPage(t *testing.T) {
	f := newFixture(t, Options{})
	rec := f.do(t, http.MethodGet, "/", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Kortix MVP") {
		t.Fatalf("landing page missing title")
	}
	if got := rec.Header().Get("X-Powered-By"); got != "" {
		t.Fatalf("X-Powered-By should be absent, got %q", got)
	}
}

func TestPoweredByHeader(t *testing.T) {
	f := newFixture(t, Options{PoweredBy: true})
	rec := f.do(t, http.MethodGet, "/api/health", nil, nil)
	if got := rec.Header().Get("X-Powered-By"); got != "kortixd" {
		t.Fatalf("unexpected X-Powered-By: %q", got)
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t, Options{})
	rec := f.do(t, http.MethodGet, "/api/health", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: %d", rec.Code)
	}
	var got health.Status
	decode(t, rec, &got)
	if got.Status != "ok" || got.Version != health.Version || got.Env != "test" {
		t.Fatalf("unexpected health body: %+v", got)
	}
}

func TestReadiness(t *testing.T) {
	t.Run("disabled probes", func(t *testing.T) {
		f := newFixture(t, Options{}, health.Probe{Name: "redis"}, health.Probe{Name: "database", Pinger: health.PingFunc(func(context.Context) error { return nil })})
		rec := f.do(t, http.MethodGet, "/api/health-docker", nil, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("unexpected status code: %d", rec.Code)
		}
		var got map[string]any
		decode(t, rec, &got)
		if got["redis"] != health.StatusDisabled || got["database"] != health.StatusConnected {
			t.Fatalf("unexpected readiness body: %+v", got)
		}
	})

	t.Run("failing probe", func(t *testing.T) {
		f := newFixture(t, Options{}, health.Probe{Name: "redis", Pinger: health.PingFunc(func(context.Context) error {
			return errors.New("connection refused")
		})})
		rec := f.do(t, http.MethodGet, "/api/health-docker", nil, nil)
		body := expectError(t, rec, http.StatusServiceUnavailable, "INITIALIZATION_FAILURE")
		if !strings.HasPrefix(body.Detail, "Health check failed: redis") {
			t.Fatalf("unexpected detail: %q", body.Detail)
		}
	})
}

func TestAgentsEndpoints(t *testing.T) {
	f := newFixture(t, Options{})

	rec := f.do(t, http.MethodPost, "/api/agents", []byte(`{"name":"support","model":"gpt-4o-mini"}`), nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("unexpected create status: %d (%s)", rec.Code, rec.Body.String())
	}
	var created agent.Agent
	decode(t, rec, &created)
	if created.ID == "" || created.Name != "support" {
		t.Fatalf("unexpected agent: %+v", created)
	}

	rec = f.do(t, http.MethodGet, "/api/agents", nil, nil)
	var list struct {
		Agents []agent.Agent `json:"agents"`
		Total  int           `json:"total"`
	}
	decode(t, rec, &list)
	if list.Total != 1 || len(list.Agents) != 1 || list.Agents[0].ID != created.ID {
		t.Fatalf("unexpected agent list: %+v", list)
	}

	rec = f.do(t, http.MethodGet, "/api/agents/"+created.ID, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected get status: %d", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/api/agents/missing", nil, nil)
	expectError(t, rec, http.StatusNotFound, "AGENT_NOT_FOUND")

	rec = f.do(t, http.MethodGet, "/api/agents?limit=-1", nil, nil)
	expectError(t, rec, http.StatusBadRequest, "INVALID_ARGUMENT")
}

func TestMalformedJSON(t *testing.T) {
	f := newFixture(t, Options{})
	rec := f.do(t, http.MethodPost, "/api/chat", []byte(`{"message":`), nil)
	expectError(t, rec, http.StatusBadRequest, "INVALID_ARGUMENT")
}

func TestBodyLimit(t *testing.T) {
	f := newFixture(t, Options{BodyLimit: 32})
	payload := []byte(`{"message":"` + strings.Repeat("x", 64) + `"}`)
	rec := f.do(t, http.MethodPost, "/api/chat", payload, nil)
	expectError(t, rec, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE")
}

func TestChatSync(t *testing.T) {
	f := newFixture(t, Options{})
	rec := f.do(t, http.MethodPost, "/api/chat", []byte(`{"message":"hello there"}`), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: %d (%s)", rec.Code, rec.Body.String())
	}
	var reply chat.Reply
	decode(t, rec, &reply)
	if reply.Response != chat.PlaceholderResponse || reply.ThreadID == "" || reply.MessageID == "" {
		t.Fatalf("unexpected reply: %+v", reply)
	}

	rec = f.do(t, http.MethodGet, "/api/threads/"+reply.ThreadID+"/messages", nil, nil)
	var msgs struct {
		Messages []thread.Message `json:"messages"`
		Total    int              `json:"total"`
	}
	decode(t, rec, &msgs)
	if msgs.Total != 2 || msgs.Messages[0].Role != thread.RoleUser || msgs.Messages[1].Role != thread.RoleAssistant {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
}

func TestChatAsyncQueuesTask(t *testing.T) {
	f := newFixture(t, Options{})
	rec := f.do(t, http.MethodPost, "/api/chat", []byte(`{"message":"later please","async":true}`), nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("unexpected status code: %d (%s)", rec.Code, rec.Body.String())
	}
	var reply chat.Reply
	decode(t, rec, &reply)
	if reply.Status != chat.StatusQueued || reply.TaskID == "" {
		t.Fatalf("unexpected reply: %+v", reply)
	}

	rec = f.do(t, http.MethodGet, "/api/tasks/"+reply.TaskID, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected task status code: %d", rec.Code)
	}
	var got task.Task
	decode(t, rec, &got)
	if got.Kind != task.KindAgentTask || got.Payload["thread_id"] != reply.ThreadID {
		t.Fatalf("unexpected task: %+v", got)
	}
}

func TestChatRequiresMessage(t *testing.T) {
	f := newFixture(t, Options{})
	rec := f.do(t, http.MethodPost, "/api/chat", []byte(`{"message":"   "}`), nil)
	expectError(t, rec, http.StatusBadRequest, "INVALID_ARGUMENT")
}

func TestUploadMultipart(t *testing.T) {
	f := newFixture(t, Options{BodyLimit: 16})

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	if err := writer.WriteField("note", "ignored"); err != nil {
		t.Fatalf("write field: %v", err)
	}
	part, err := writer.CreateFormFile("file", "notes.txt")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	_, _ = part.Write([]byte("release notes for the new agent runtime"))
	_ = writer.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/files/upload", &buf)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("unexpected status code: %d (%s)", rec.Code, rec.Body.String())
	}
	var got map[string]any
	decode(t, rec, &got)
	if got["file_id"] == "" || got["name"] != "notes.txt" {
		t.Fatalf("unexpected upload response: %+v", got)
	}

	rec = f.do(t, http.MethodGet, "/api/files", nil, nil)
	var list struct {
		Files []files.File `json:"files"`
		Total int          `json:"total"`
	}
	decode(t, rec, &list)
	if list.Total != 1 || list.Files[0].Name != "notes.txt" {
		t.Fatalf("unexpected file list: %+v", list)
	}
}

func TestUploadRawBody(t *testing.T) {
	f := newFixture(t, Options{})
	rec := f.do(t, http.MethodPost, "/api/files/upload", nil, nil)
	expectError(t, rec, http.StatusBadRequest, "INVALID_ARGUMENT")

	req := httptest.NewRequest(http.MethodPost, "/api/files/upload", strings.NewReader("plain body"))
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("X-File-Name", "raw.txt")
	res := httptest.NewRecorder()
	f.handler.ServeHTTP(res, req)
	if res.Code != http.StatusCreated {
		t.Fatalf("unexpected status code: %d (%s)", res.Code, res.Body.String())
	}
}

func TestUploadTooLarge(t *testing.T) {
	f := newFixture(t, Options{})
	req := httptest.NewRequest(http.MethodPost, "/api/files/upload", strings.NewReader(strings.Repeat("a", 4096)))
	req.Header.Set("X-File-Name", "big.bin")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	expectError(t, rec, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE")
}

func TestKnowledgeBase(t *testing.T) {
	f := newFixture(t, Options{})
	rec := f.do(t, http.MethodGet, "/api/knowledge-base", nil, nil)
	var got struct {
		Entries []knowledge.Entry `json:"entries"`
		Total   int               `json:"total"`
	}
	decode(t, rec, &got)
	if got.Total != 1 || got.Entries[0].ID != "kb-1" {
		t.Fatalf("unexpected knowledge response: %+v", got)
	}

	rec = f.do(t, http.MethodGet, "/api/knowledge-base?q=billing", nil, nil)
	decode(t, rec, &got)
	if got.Total != 0 {
		t.Fatalf("expected no matches, got %+v", got)
	}
}

func TestWebhookTrigger(t *testing.T) {
	f := newFixture(t, Options{})

	rec := f.do(t, http.MethodPost, "/api/webhooks/trigger", []byte(`{"event":"ping"}`), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: %d", rec.Code)
	}
	var ack webhook.Result
	decode(t, rec, &ack)
	if !ack.Received || ack.TaskID != "" {
		t.Fatalf("unexpected ack: %+v", ack)
	}

	rec = f.do(t, http.MethodPost, "/api/webhooks/trigger", []byte(`{"user_id":"u-1","message":"deploy finished"}`), nil)
	decode(t, rec, &ack)
	if ack.Kind != task.KindNotification || ack.TaskID == "" {
		t.Fatalf("unexpected routed ack: %+v", ack)
	}

	rec = f.do(t, http.MethodPost, "/api/webhooks/trigger", []byte(`[1,2]`), nil)
	expectError(t, rec, http.StatusBadRequest, "INVALID_ARGUMENT")
}

func TestSubscription(t *testing.T) {
	f := newFixture(t, Options{})
	rec := f.do(t, http.MethodGet, "/api/billing/subscription", nil, nil)
	var got billing.Subscription
	decode(t, rec, &got)
	if got.Plan != "pro" || got.Status != billing.StatusActive {
		t.Fatalf("unexpected subscription: %+v", got)
	}
}

func TestTasksList(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	for _, sample := range []*task.Task{
		{ID: "t-1", Kind: task.KindAgentTask, Status: task.StatusSucceeded, MaxRetries: 3, CreatedAt: 1700000000, UpdatedAt: 1700000010},
		{ID: "t-2", Kind: task.KindNotification, Status: task.StatusFailed, MaxRetries: 3, LastError: "smtp down", CreatedAt: 1700000001, UpdatedAt: 1700000020},
	} {
		if err := f.store.Create(ctx, sample); err != nil {
			t.Fatalf("create sample task: %v", err)
		}
	}

	rec := f.do(t, http.MethodGet, "/api/tasks?status=failed", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: %d (%s)", rec.Code, rec.Body.String())
	}
	var got struct {
		Tasks []task.Task    `json:"tasks"`
		Stats task.TaskStats `json:"stats"`
	}
	decode(t, rec, &got)
	if len(got.Tasks) != 1 || got.Tasks[0].ID != "t-2" {
		t.Fatalf("unexpected tasks: %+v", got.Tasks)
	}
	if got.Stats.Failed != 1 || got.Stats.Total != 1 {
		t.Fatalf("unexpected stats: %+v", got.Stats)
	}

	rec = f.do(t, http.MethodGet, "/api/tasks?status=bogus", nil, nil)
	expectError(t, rec, http.StatusBadRequest, "INVALID_ARGUMENT")

	rec = f.do(t, http.MethodGet, "/api/tasks?updated_since=yesterday", nil, nil)
	expectError(t, rec, http.StatusBadRequest, "INVALID_ARGUMENT")

	rec = f.do(t, http.MethodGet, "/api/tasks/missing", nil, nil)
	expectError(t, rec, http.StatusNotFound, "TASK_NOT_FOUND")
}

func TestUnknownRouteAndMethod(t *testing.T) {
	f := newFixture(t, Options{})
	rec := f.do(t, http.MethodGet, "/api/nothing-here", nil, nil)
	expectError(t, rec, http.StatusNotFound, "NOT_FOUND")

	rec = f.do(t, http.MethodDelete, "/api/agents", nil, nil)
	expectError(t, rec, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED")
}

func TestRequestIDEcho(t *testing.T) {
	f := newFixture(t, Options{})
	rec := f.do(t, http.MethodGet, "/api/health", nil, http.Header{RequestIDHeader: {"req-123"}})
	if got := rec.Header().Get(RequestIDHeader); got != "req-123" {
		t.Fatalf("unexpected request id: %q", got)
	}
	rec = f.do(t, http.MethodGet, "/api/health", nil, nil)
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Fatalf("request id should be generated")
	}
}

func TestPanicIsLoggedWithStatus(t *testing.T) {
	f := newFixture(t, Options{}, health.Probe{Name: "redis", Pinger: health.PingFunc(func(context.Context) error {
		panic("probe exploded")
	})})
	var logs bytes.Buffer
	f.server.logger = slog.New(slog.NewTextHandler(&logs, nil))

	rec := f.do(t, http.MethodGet, "/api/health-docker", nil, http.Header{RequestIDHeader: {"req-panic"}})
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("unexpected status code: %d", rec.Code)
	}
	if !strings.Contains(logs.String(), "[req-panic] Completed in") || !strings.Contains(logs.String(), "Status: 500") {
		t.Fatalf("completion line missing from logs: %s", logs.String())
	}
}

func TestCORS(t *testing.T) {
	f := newFixture(t, Options{Env: "production"})
	rec := f.do(t, http.MethodGet, "/api/health", nil, http.Header{"Origin": {"https://kortix.ai"}})
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://kortix.ai" {
		t.Fatalf("unexpected allow origin: %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Fatalf("credentials should be allowed, got %q", got)
	}

	rec = f.do(t, http.MethodGet, "/api/health", nil, http.Header{"Origin": {"https://evil.example"}})
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("unexpected allow origin for foreign host: %q", got)
	}

	dev := newFixture(t, Options{Env: "development"})
	rec = dev.do(t, http.MethodGet, "/api/health", nil, http.Header{"Origin": {"https://kortix.ai"}})
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("production origin should be rejected in development: %q", got)
	}
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, Options{RateLimit: 0.001, RateBurst: 1})
	rec := f.do(t, http.MethodGet, "/api/health", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request should pass: %d", rec.Code)
	}
	rec = f.do(t, http.MethodGet, "/api/health", nil, nil)
	expectError(t, rec, http.StatusTooManyRequests, "RATE_LIMITED")
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("Retry-After should be set")
	}
}

func TestDocsAndOpenAPI(t *testing.T) {
	f := newFixture(t, Options{})
	rec := f.do(t, http.MethodGet, "/openapi.json", nil, nil)
	var doc struct {
		OpenAPI string                    `json:"openapi"`
		Paths   map[string]map[string]any `json:"paths"`
	}
	decode(t, rec, &doc)
	if doc.OpenAPI != "3.0.3" {
		t.Fatalf("unexpected openapi version: %q", doc.OpenAPI)
	}
	if _, ok := doc.Paths["/api/agents"]["post"]; !ok {
		t.Fatalf("openapi document missing POST /api/agents")
	}

	rec = f.do(t, http.MethodGet, "/docs", nil, nil)
	if !strings.Contains(rec.Body.String(), "/api/files/upload") {
		t.Fatalf("docs page missing upload route")
	}
}

func TestMissingDependencies(t *testing.T) {
	server, err := NewServer(Options{}, Deps{})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/agents", nil))
	expectError(t, rec, http.StatusServiceUnavailable, "INITIALIZATION_FAILURE")

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/billing/subscription", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("billing should fall back to defaults: %d", rec.Code)
	}
}

func TestWithContextRejectsAfterShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	handler := withContext(ctx, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("unexpected status code: %d", rec.Code)
	}
}
