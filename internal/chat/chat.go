// Package chat 把用户消息写入会话，并通过大模型生成回复。
//
// 同步模式直接调用 Respond；异步模式提交 process_agent_task 任务，
// 由后台 worker 调用同一个 Respond。
package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"kortix-mvp/internal/agent"
	xerrors "kortix-mvp/internal/errors"
	"kortix-mvp/internal/knowledge"
	"kortix-mvp/internal/llm"
	"kortix-mvp/internal/task"
	"kortix-mvp/internal/thread"
	"kortix-mvp/pkg/logger"
)

// PlaceholderResponse 是未配置大模型时的固定回复。
const PlaceholderResponse = "This is a placeholder response. Connect your LLM provider to enable chat."

// StatusQueued 表示消息已交由后台处理。
const StatusQueued = "queued"

const (
	defaultHistoryDepth = 10
	defaultMaxKnowledge = 3
	titleRunes          = 60
)

// Request 是一次聊天请求。
type Request struct {
	AgentID  string `json:"agent_id"`
	ThreadID string `json:"thread_id"`
	Message  string `json:"message"`
	Async    bool   `json:"async"`
}

// Reply 是聊天结果。异步模式下 Response 为空，Status 为 queued。
type Reply struct {
	MessageID string    `json:"message_id"`
	ThreadID  string    `json:"thread_id"`
	Response  string    `json:"response,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	TaskID    string    `json:"task_id,omitempty"`
	Status    string    `json:"status,omitempty"`
}

// Queued 判断回复是否来自异步提交。
func (r *Reply) Queued() bool { return r != nil && r.Status == StatusQueued }

// Agents 查询智能体。
type Agents interface {
	Get(ctx context.Context, id string) (*agent.Agent, error)
}

// Threads 管理会话与消息。
type Threads interface {
	Create(ctx context.Context, req thread.CreateRequest) (*thread.Thread, error)
	Get(ctx context.Context, id string) (*thread.Thread, error)
	Append(ctx context.Context, threadID string, role thread.Role, content string) (*thread.Message, error)
	Messages(ctx context.Context, threadID string, limit int) ([]*thread.Message, error)
}

// Knowledge 检索与消息相关的知识条目。
type Knowledge interface {
	Query(ctx context.Context, text string, limit int) ([]knowledge.Entry, error)
}

// Submitter 提交后台任务。
type Submitter interface {
	Submit(ctx context.Context, req task.Request) (*task.Task, error)
}

// Option 调整 Service。
type Option func(*Service)

// WithLLM 设置大模型客户端，nil 表示使用占位回复。
func WithLLM(client llm.Client) Option {
	return func(s *Service) { s.llm = client }
}

// WithKnowledge 设置知识库及单次检索的最大条目数。
func WithKnowledge(kb Knowledge, maxResults int) Option {
	return func(s *Service) {
		s.knowledge = kb
		if maxResults > 0 {
			s.maxKnowledge = maxResults
		}
	}
}

// WithSubmitter 设置异步任务的提交方。
func WithSubmitter(submitter Submitter) Option {
	return func(s *Service) { s.submitter = submitter }
}

// WithHistoryDepth 设置发送给大模型的历史消息条数。
func WithHistoryDepth(depth int) Option {
	return func(s *Service) {
		if depth > 0 {
			s.historyDepth = depth
		}
	}
}

// WithLogger 设置日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// Service 编排一次聊天的全部步骤。
type Service struct {
	agents       Agents
	threads      Threads
	llm          llm.Client
	knowledge    Knowledge
	submitter    Submitter
	historyDepth int
	maxKnowledge int
	logger       *slog.Logger
	now          func() time.Time
}

// NewService 创建聊天服务。
func NewService(agents Agents, threads Threads, opts ...Option) *Service {
	s := &Service{
		agents:       agents,
		threads:      threads,
		historyDepth: defaultHistoryDepth,
		maxKnowledge: defaultMaxKnowledge,
		logger:       logger.Named("chat"),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send 处理用户消息：写入会话后同步回复或提交后台任务。
func (s *Service) Send(ctx context.Context, req Request) (*Reply, error) {
	if req.Async && s != nil && s.submitter == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "background queue is not configured")
	}
	accepted, err := s.Accept(ctx, req)
	if err != nil {
		return nil, err
	}

	if req.Async {
		submitted, err := s.submitter.Submit(ctx, task.Request{
			Kind: task.KindAgentTask,
			Payload: map[string]any{
				"thread_id":  accepted.ThreadID,
				"agent_id":   accepted.AgentID,
				"message_id": accepted.MessageID,
			},
		})
		if err != nil {
			return nil, err
		}
		s.logger.Info("聊天消息已加入后台队列",
			slog.String("thread_id", accepted.ThreadID),
			slog.String("task_id", submitted.ID),
		)
		return &Reply{
			MessageID: accepted.MessageID,
			ThreadID:  accepted.ThreadID,
			Timestamp: s.timestamp(),
			TaskID:    submitted.ID,
			Status:    StatusQueued,
		}, nil
	}

	return s.Respond(ctx, accepted.ThreadID, accepted.AgentID, req.Message)
}

// Accepted 是已写入会话的用户消息。
type Accepted struct {
	ThreadID  string
	AgentID   string
	MessageID string
}

// Accept 校验请求，按需创建会话并写入用户消息，不生成回复。
func (s *Service) Accept(ctx context.Context, req Request) (*Accepted, error) {
	if s == nil || s.agents == nil || s.threads == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "聊天服务未初始化")
	}
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "message is required")
	}
	agentID := strings.TrimSpace(req.AgentID)
	if agentID != "" {
		if _, err := s.agents.Get(ctx, agentID); err != nil {
			return nil, err
		}
	}

	th, err := s.resolveThread(ctx, strings.TrimSpace(req.ThreadID), agentID, message)
	if err != nil {
		return nil, err
	}
	if agentID == "" {
		agentID = th.AgentID
	}
	userMsg, err := s.threads.Append(ctx, th.ID, thread.RoleUser, message)
	if err != nil {
		return nil, err
	}
	return &Accepted{ThreadID: th.ID, AgentID: agentID, MessageID: userMsg.ID}, nil
}

// Respond 基于会话历史与知识库生成助手回复并写入会话。
// prompt 为空时使用会话中最后一条用户消息。
func (s *Service) Respond(ctx context.Context, threadID, agentID, prompt string) (*Reply, error) {
	if s == nil || s.threads == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "聊天服务未初始化")
	}
	th, err := s.threads.Get(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if agentID == "" {
		agentID = th.AgentID
	}
	var ag *agent.Agent
	if agentID != "" && s.agents != nil {
		if ag, err = s.agents.Get(ctx, agentID); err != nil {
			return nil, err
		}
	}

	history, err := s.threads.Messages(ctx, th.ID, s.historyDepth)
	if err != nil {
		return nil, err
	}
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		for i := len(history) - 1; i >= 0; i-- {
			if history[i].Role == thread.RoleUser {
				prompt = history[i].Content
				break
			}
		}
	}
	if prompt == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "thread has no user message to answer")
	}

	response, err := s.generate(ctx, ag, history, prompt)
	if err != nil {
		return nil, err
	}
	assistantMsg, err := s.threads.Append(ctx, th.ID, thread.RoleAssistant, response)
	if err != nil {
		return nil, err
	}
	return &Reply{
		MessageID: assistantMsg.ID,
		ThreadID:  th.ID,
		Response:  response,
		Timestamp: assistantMsg.CreatedAt,
	}, nil
}

func (s *Service) generate(ctx context.Context, ag *agent.Agent, history []*thread.Message, prompt string) (string, error) {
	if s.llm == nil {
		return PlaceholderResponse, nil
	}
	req := llm.Request{Prompt: prompt}
	if ag != nil {
		req.Model = ag.Model
		req.SystemPrompt = ag.SystemPrompt
	}

	// 历史中最后一条与 prompt 相同的用户消息就是本次输入，避免重复发送。
	if n := len(history); n > 0 && history[n-1].Role == thread.RoleUser && history[n-1].Content == prompt {
		history = history[:n-1]
	}
	for _, msg := range history {
		req.History = append(req.History, llm.HistoryEntry{
			Role:      string(msg.Role),
			Content:   msg.Content,
			CreatedAt: msg.CreatedAt,
		})
	}

	if s.knowledge != nil {
		entries, err := s.knowledge.Query(ctx, prompt, s.maxKnowledge)
		if err != nil {
			s.logger.Warn("检索知识库失败", slog.Any("error", err))
		}
		for _, entry := range entries {
			req.Knowledge = append(req.Knowledge, llm.KnowledgeCard{Title: entry.Title, Content: entry.Content})
		}
	}

	resp, err := s.llm.Generate(ctx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || xerrors.CodeOf(err) == xerrors.CodeTimeout {
			return "", xerrors.Wrap(xerrors.CodeTimeout, err, "LLM request timed out")
		}
		if known, ok := xerrors.From(err); ok && known.Code() == xerrors.CodeExecutorFailure {
			return "", known
		}
		return "", xerrors.Wrap(xerrors.CodeExecutorFailure, err, "LLM request failed")
	}
	return strings.TrimSpace(resp.Reply), nil
}

func (s *Service) resolveThread(ctx context.Context, threadID, agentID, message string) (*thread.Thread, error) {
	if threadID != "" {
		return s.threads.Get(ctx, threadID)
	}
	return s.threads.Create(ctx, thread.CreateRequest{AgentID: agentID, Title: TitleFrom(message)})
}

// TitleFrom 取消息前 60 个字符作为会话标题。
func TitleFrom(message string) string {
	message = strings.Join(strings.Fields(message), " ")
	if utf8.RuneCountInString(message) <= titleRunes {
		return message
	}
	return string([]rune(message)[:titleRunes])
}

func (s *Service) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Millisecond)
}
