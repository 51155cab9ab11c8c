package kortix

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewClientRejectsRelativeURL(t *testing.T) {
	if _, err := NewClient("localhost:8000"); err == nil {
		t.Fatal("expected error for url without scheme")
	}
}

func TestHealthSendsAPIKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/health" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if got := r.Header.Get("X-API-Key"); got != "secret" {
			t.Fatalf("unexpected api key: %q", got)
		}
		_ = json.NewEncoder(w).Encode(Health{Status: "ok", Version: "1.0.0", Env: "local"})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, WithHTTPClient(srv.Client()), WithAPIKey("secret"))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	health, err := client.Health(context.Background())
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if health.Status != "ok" || health.Version != "1.0.0" {
		t.Fatalf("unexpected health: %+v", health)
	}
}

func TestListAgentsPagination(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("limit") != "5" || r.URL.Query().Get("offset") != "10" {
			t.Fatalf("unexpected query: %s", r.URL.RawQuery)
		}
		_ = json.NewEncoder(w).Encode(AgentList{Agents: []Agent{{ID: "a-1", Name: "bot"}}, Total: 11})
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL + "/")
	list, err := client.ListAgents(context.Background(), ListOptions{Limit: 5, Offset: 10})
	if err != nil {
		t.Fatalf("list agents: %v", err)
	}
	if list.Total != 11 || len(list.Agents) != 1 {
		t.Fatalf("unexpected list: %+v", list)
	}
}

func TestGetTaskError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/tasks/task-404" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"detail":"任务不存在","code":"TASK_NOT_FOUND"}`))
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL)
	_, err := client.GetTask(context.Background(), "task-404")
	if err == nil {
		t.Fatal("expected error")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Code != "TASK_NOT_FOUND" {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
}

func TestPlainTextErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL)
	_, err := client.Health(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Detail != "bad gateway" {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestUploadFileMultipart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Fatalf("form file: %v", err)
		}
		defer file.Close()
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(UploadResult{FileID: "f-1", Name: header.Filename, Size: header.Size, Status: "uploaded"})
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL)
	res, err := client.UploadFile(context.Background(), "notes.txt", strings.NewReader("hello"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if res.FileID != "f-1" || res.Name != "notes.txt" || res.Size != 5 {
		t.Fatalf("unexpected upload result: %+v", res)
	}

	if _, err := client.UploadFile(context.Background(), "", strings.NewReader("x")); err == nil {
		t.Fatal("expected error for empty name")
	}
}

func TestWaitTaskPollsUntilDone(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		status := "pending"
		if atomic.AddInt32(&calls, 1) >= 3 {
			status = "succeeded"
		}
		_ = json.NewEncoder(w).Encode(Task{ID: "t-1", Status: status})
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	task, err := client.WaitTask(ctx, "t-1", 5*time.Millisecond)
	if err != nil {
		t.Fatalf("wait task: %v", err)
	}
	if task.Status != "succeeded" || atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("unexpected result: %+v after %d calls", task, calls)
	}
}

func TestWaitTaskHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(Task{ID: "t-1", Status: "running"})
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := client.WaitTask(ctx, "t-1", 5*time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
