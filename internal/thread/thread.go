// Package thread stores conversations and their messages.
package thread

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"kortix-mvp/internal/agent"
	xerrors "kortix-mvp/internal/errors"
)

// DefaultTitle 是未提供标题时的会话标题。
const DefaultTitle = "New Thread"

// Role 表示消息的发送方。
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid 判断角色是否受支持。
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	default:
		return false
	}
}

// CodeThreadNotFound 表示会话不存在。
const CodeThreadNotFound xerrors.Code = "THREAD_NOT_FOUND"

// ErrNotFound 表示会话不存在。
var ErrNotFound = xerrors.New(CodeThreadNotFound, "thread not found")

func init() {
	xerrors.Register(CodeThreadNotFound, xerrors.Attributes{
		Message:    "thread not found",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusNotFound,
	})
}

// Thread 描述一段会话。
type Thread struct {
	ID        string    `json:"thread_id"`
	AgentID   string    `json:"agent_id,omitempty"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message 是会话中的一条消息。
type Message struct {
	ID        string    `json:"message_id"`
	ThreadID  string    `json:"thread_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateRequest 是创建会话的入参。
type CreateRequest struct {
	AgentID string `json:"agent_id"`
	Title   string `json:"title"`
}

// ListOptions 控制会话列表。
type ListOptions struct {
	AgentID string
	Limit   int
	Offset  int
}

// Normalize 填充分页默认值。
func (o ListOptions) Normalize() ListOptions {
	o.AgentID = strings.TrimSpace(o.AgentID)
	if o.Limit <= 0 {
		o.Limit = 20
	}
	if o.Limit > 100 {
		o.Limit = 100
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}

// Store 抽象了会话与消息的持久化。
//
// Append 在会话不存在时返回 ErrNotFound，并更新会话的 UpdatedAt。
// Messages 按时间正序返回最近 limit 条消息，limit <= 0 表示全部。
type Store interface {
	Create(ctx context.Context, thread *Thread) error
	Get(ctx context.Context, id string) (*Thread, error)
	List(ctx context.Context, opts ListOptions) ([]*Thread, int, error)
	Append(ctx context.Context, msg *Message) error
	Messages(ctx context.Context, threadID string, limit int) ([]*Message, error)
}

// AgentLookup 用于校验会话绑定的智能体。
type AgentLookup interface {
	Get(ctx context.Context, id string) (*agent.Agent, error)
}

// Service 提供会话相关的业务操作。
type Service struct {
	store  Store
	agents AgentLookup
	now    func() time.Time
}

// NewService 创建会话服务。agents 为 nil 时不校验 agent_id。
func NewService(store Store, agents AgentLookup) *Service {
	return &Service{store: store, agents: agents, now: time.Now}
}

func (s *Service) ready() error {
	if s == nil || s.store == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "会话存储未初始化")
	}
	return nil
}

// Create 创建会话，agent_id 非空时必须指向已存在的智能体。
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Thread, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	agentID := strings.TrimSpace(req.AgentID)
	if agentID != "" && s.agents != nil {
		if _, err := s.agents.Get(ctx, agentID); err != nil {
			return nil, err
		}
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = DefaultTitle
	}
	now := s.now().UTC().Truncate(time.Millisecond)
	th := &Thread{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Create(ctx, th); err != nil {
		return nil, err
	}
	return th, nil
}

// Get 返回指定会话。
func (s *Service) Get(ctx context.Context, id string) (*Thread, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrNotFound
	}
	return s.store.Get(ctx, id)
}

// List 返回会话列表，可按智能体过滤。
func (s *Service) List(ctx context.Context, opts ListOptions) ([]*Thread, int, error) {
	if err := s.ready(); err != nil {
		return nil, 0, err
	}
	return s.store.List(ctx, opts.Normalize())
}

// Append 向会话追加一条消息。
func (s *Service) Append(ctx context.Context, threadID string, role Role, content string) (*Message, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if !role.Valid() {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "unsupported message role: "+string(role))
	}
	msg := &Message{
		ID:        uuid.NewString(),
		ThreadID:  strings.TrimSpace(threadID),
		Role:      role,
		Content:   content,
		CreatedAt: s.now().UTC().Truncate(time.Millisecond),
	}
	if msg.ThreadID == "" {
		return nil, ErrNotFound
	}
	if err := s.store.Append(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// Messages 返回会话中最近的 limit 条消息，按时间正序。
func (s *Service) Messages(ctx context.Context, threadID string, limit int) ([]*Message, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if _, err := s.Get(ctx, threadID); err != nil {
		return nil, err
	}
	return s.store.Messages(ctx, strings.TrimSpace(threadID), limit)
}
