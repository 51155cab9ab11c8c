package llm

import (
	"context"
	"time"
)

// Request 描述一次对话生成所需的上下文。
type Request struct {
	// Model 为空时由客户端使用其默认模型。
	Model        string
	SystemPrompt string
	History      []HistoryEntry
	Knowledge    []KnowledgeCard
	Prompt       string
}

// Response 是大模型推理得到的输出。
type Response struct {
	Reply string
	Model string
	// Usage 统计本次调用消耗的 token，提供方不返回时为零值。
	Usage Usage
}

// Usage 记录 token 消耗。
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// KnowledgeCard 表示提供给大模型的知识切片，帮助生成更加准确的回复。
type KnowledgeCard struct {
	Title   string
	Content string
}

// HistoryEntry 是会话中的一条历史消息。
type HistoryEntry struct {
	Role      string
	Content   string
	CreatedAt time.Time
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}
