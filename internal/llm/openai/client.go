package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	xerrors "kortix-mvp/internal/errors"
	"kortix-mvp/internal/llm"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 60 * time.Second
)

// Config 描述了调用 OpenAI 兼容 Chat Completions API 所需的信息。
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Timeout     time.Duration
	Temperature float32
	HTTPClient  *http.Client
}

// Client 通过 go-openai 调用任意 OpenAI 兼容的大模型服务。
type Client struct {
	client      *goopenai.Client
	model       string
	temperature float32
}

// NewClient 根据配置创建客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供 OpenAI API Key")
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	config := goopenai.DefaultConfig(apiKey)
	config.BaseURL = baseURL
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	httpClient.Timeout = timeout
	config.HTTPClient = httpClient

	return &Client{
		client:      goopenai.NewClientWithConfig(config),
		model:       model,
		temperature: cfg.Temperature,
	}, nil
}

// Generate 调用 Chat Completions 接口生成回复。
func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = c.model
	}

	resp, err := c.client.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model:       model,
		Messages:    buildMessages(req),
		Temperature: c.temperature,
	})
	if err != nil {
		return nil, classifyError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, xerrors.New(xerrors.CodeExecutorFailure, "OpenAI 响应中没有有效的 choices", xerrors.WithRetryable(false))
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return nil, xerrors.New(xerrors.CodeExecutorFailure, "OpenAI 响应内容为空", xerrors.WithRetryable(false))
	}

	if resp.Model != "" {
		model = resp.Model
	}
	return &llm.Response{
		Reply: content,
		Model: model,
		Usage: llm.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

func buildMessages(req llm.Request) []goopenai.ChatCompletionMessage {
	messages := make([]goopenai.ChatCompletionMessage, 0, len(req.History)+2)

	system := strings.TrimSpace(req.SystemPrompt)
	if system == "" {
		system = defaultSystemPrompt
	}
	if len(req.Knowledge) > 0 {
		var builder strings.Builder
		builder.WriteString(system)
		builder.WriteString("\n\nRelevant knowledge:\n")
		for _, card := range req.Knowledge {
			builder.WriteString(fmt.Sprintf("- %s: %s\n", card.Title, card.Content))
		}
		system = strings.TrimSpace(builder.String())
	}
	messages = append(messages, goopenai.ChatCompletionMessage{
		Role:    goopenai.ChatMessageRoleSystem,
		Content: system,
	})

	for _, entry := range req.History {
		role := goopenai.ChatMessageRoleUser
		switch entry.Role {
		case "assistant":
			role = goopenai.ChatMessageRoleAssistant
		case "system":
			role = goopenai.ChatMessageRoleSystem
		}
		messages = append(messages, goopenai.ChatCompletionMessage{Role: role, Content: entry.Content})
	}

	if prompt := strings.TrimSpace(req.Prompt); prompt != "" {
		messages = append(messages, goopenai.ChatCompletionMessage{
			Role:    goopenai.ChatMessageRoleUser,
			Content: prompt,
		})
	}
	return messages
}

// classifyError 把 SDK 错误映射为统一错误码，429 与 5xx 可重试。
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return xerrors.Wrap(xerrors.CodeTimeout, err, "调用大模型超时")
	}
	if errors.Is(err, context.Canceled) {
		return xerrors.Wrap(xerrors.CodeExecutorFailure, err, "调用大模型被取消", xerrors.WithRetryable(false))
	}

	status := 0
	var apiErr *goopenai.APIError
	var reqErr *goopenai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	retryable := status == 0 || status == http.StatusTooManyRequests || status >= http.StatusInternalServerError
	return xerrors.Wrap(xerrors.CodeExecutorFailure, err, fmt.Sprintf("大模型调用失败 (status %d)", status),
		xerrors.WithRetryable(retryable),
		xerrors.WithMetadata("http_status", fmt.Sprint(status)),
	)
}

const defaultSystemPrompt = "You are a helpful assistant running on the Kortix agent platform. Answer concisely and accurately."
