// Package kortix is a small Go client for the Kortix MVP REST API.
package kortix

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the Kortix REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	apiKey     string
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// WithAPIKey sends the key in the X-API-Key header of every request.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// Health is the liveness response of /api/health.
type Health struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
	Env       string    `json:"env"`
}

// Agent is a configured assistant.
type Agent struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	SystemPrompt string    `json:"system_prompt,omitempty"`
	Model        string    `json:"model,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// CreateAgentRequest is the payload of CreateAgent.
type CreateAgentRequest struct {
	Name         string `json:"name,omitempty"`
	Description  string `json:"description,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	Model        string `json:"model,omitempty"`
}

// AgentList is a page of agents.
type AgentList struct {
	Agents []Agent `json:"agents"`
	Total  int     `json:"total"`
}

// Thread is a conversation.
type Thread struct {
	ID        string    `json:"thread_id"`
	AgentID   string    `json:"agent_id,omitempty"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CreateThreadRequest is the payload of CreateThread.
type CreateThreadRequest struct {
	AgentID string `json:"agent_id,omitempty"`
	Title   string `json:"title,omitempty"`
}

// ChatRequest is the payload of Chat.
type ChatRequest struct {
	AgentID  string `json:"agent_id,omitempty"`
	ThreadID string `json:"thread_id,omitempty"`
	Message  string `json:"message"`
	Async    bool   `json:"async,omitempty"`
}

// ChatReply is the response of Chat. Response is empty and TaskID is set when
// the message was queued for background processing.
type ChatReply struct {
	MessageID string    `json:"message_id"`
	ThreadID  string    `json:"thread_id"`
	Response  string    `json:"response,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	TaskID    string    `json:"task_id,omitempty"`
	Status    string    `json:"status,omitempty"`
}

// Queued reports whether the reply was produced by an async submission.
func (r ChatReply) Queued() bool { return r.Status == "queued" }

// UploadResult is the response of UploadFile.
type UploadResult struct {
	FileID    string    `json:"file_id"`
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// File is the stored metadata of an uploaded file.
type File struct {
	ID          string            `json:"file_id"`
	Name        string            `json:"name"`
	ContentType string            `json:"content_type"`
	Size        int64             `json:"size"`
	SHA256      string            `json:"sha256"`
	Status      string            `json:"status"`
	Error       string            `json:"error,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// FileList is a page of files.
type FileList struct {
	Files []File `json:"files"`
	Total int    `json:"total"`
}

// Task is a background task.
type Task struct {
	ID         string         `json:"id"`
	Kind       string         `json:"kind"`
	Payload    map[string]any `json:"payload,omitempty"`
	Status     string         `json:"status"`
	Attempts   int            `json:"attempts"`
	MaxRetries int            `json:"max_retries"`
	LastError  string         `json:"last_error,omitempty"`
	ErrorCode  string         `json:"error_code,omitempty"`
	Result     map[string]any `json:"result,omitempty"`
	CreatedAt  int64          `json:"created_at"`
	UpdatedAt  int64          `json:"updated_at"`
}

// Done reports whether the task reached a terminal status.
func (t Task) Done() bool { return t.Status == "succeeded" || t.Status == "failed" }

// ListOptions paginates list calls. Zero values use the server defaults.
type ListOptions struct {
	Limit  int
	Offset int
}

func (o ListOptions) query() url.Values {
	q := url.Values{}
	if o.Limit > 0 {
		q.Set("limit", strconv.Itoa(o.Limit))
	}
	if o.Offset > 0 {
		q.Set("offset", strconv.Itoa(o.Offset))
	}
	return q
}

// APIError represents an error response of the form {"detail": ..., "code": ...}.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Detail     string `json:"detail"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("kortix api error (%d): %s - %s", e.StatusCode, e.Code, e.Detail)
	}
	return fmt.Sprintf("kortix api error (%d): %s", e.StatusCode, e.Detail)
}

// NewClient instantiates a client for the API rooted at rawURL.
func NewClient(rawURL string, opts ...Option) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url %q: scheme and host are required", rawURL)
	}
	c := &Client{baseURL: parsed, httpClient: &http.Client{Timeout: DefaultHTTPTimeout}}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Health calls GET /api/health.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var out Health
	err := c.get(ctx, "/api/health", nil, &out)
	return out, err
}

// ListAgents calls GET /api/agents.
func (c *Client) ListAgents(ctx context.Context, opts ListOptions) (AgentList, error) {
	var out AgentList
	err := c.get(ctx, "/api/agents", opts.query(), &out)
	return out, err
}

// CreateAgent calls POST /api/agents.
func (c *Client) CreateAgent(ctx context.Context, req CreateAgentRequest) (Agent, error) {
	var out Agent
	err := c.post(ctx, "/api/agents", req, &out)
	return out, err
}

// CreateThread calls POST /api/threads.
func (c *Client) CreateThread(ctx context.Context, req CreateThreadRequest) (Thread, error) {
	var out Thread
	err := c.post(ctx, "/api/threads", req, &out)
	return out, err
}

// Chat calls POST /api/chat.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (ChatReply, error) {
	var out ChatReply
	err := c.post(ctx, "/api/chat", req, &out)
	return out, err
}

// UploadFile streams r as the multipart "file" field of POST /api/files/upload.
func (c *Client) UploadFile(ctx context.Context, name string, r io.Reader) (UploadResult, error) {
	if name == "" {
		return UploadResult{}, errors.New("kortix: file name is required")
	}
	pr, pw := io.Pipe()
	writer := multipart.NewWriter(pw)
	go func() {
		part, err := writer.CreateFormFile("file", name)
		if err == nil {
			_, err = io.Copy(part, r)
		}
		if err == nil {
			err = writer.Close()
		}
		_ = pw.CloseWithError(err)
	}()

	req, err := c.newRequest(ctx, http.MethodPost, "/api/files/upload", nil, pr)
	if err != nil {
		_ = pr.Close()
		return UploadResult{}, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	var out UploadResult
	err = c.do(req, &out)
	return out, err
}

// ListFiles calls GET /api/files.
func (c *Client) ListFiles(ctx context.Context, opts ListOptions) (FileList, error) {
	var out FileList
	err := c.get(ctx, "/api/files", opts.query(), &out)
	return out, err
}

// GetTask calls GET /api/tasks/{id}.
func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	if taskID == "" {
		return Task{}, errors.New("kortix: task id is required")
	}
	var out Task
	err := c.get(ctx, "/api/tasks/"+url.PathEscape(taskID), nil, &out)
	return out, err
}

// WaitTask polls GetTask until the task is finished or ctx is done.
func (c *Client) WaitTask(ctx context.Context, taskID string, interval time.Duration) (Task, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		t, err := c.GetTask(ctx, taskID)
		if err != nil {
			return Task{}, err
		}
		if t.Done() {
			return t, nil
		}
		select {
		case <-ctx.Done():
			return t, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, nil, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, query, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	if len(query) > 0 {
		rel.RawQuery = query.Encode()
	}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, apiErr)
		}
		if apiErr.Detail == "" {
			apiErr.Detail = string(bytes.TrimSpace(data))
		}
		if apiErr.Detail == "" {
			apiErr.Detail = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
