package agent

import (
	"context"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	xerrors "kortix-mvp/internal/errors"
)

// DefaultName 是未提供名称时使用的智能体名称。
const DefaultName = "New Agent"

// MaxNameLength 是智能体名称允许的最大字符数。
const MaxNameLength = 200

// CodeAgentNotFound 表示智能体不存在。
const CodeAgentNotFound xerrors.Code = "AGENT_NOT_FOUND"

// ErrNotFound 表示指定的智能体不存在。
var ErrNotFound = xerrors.New(CodeAgentNotFound, "agent not found")

func init() {
	xerrors.Register(CodeAgentNotFound, xerrors.Attributes{
		Message:    "agent not found",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusNotFound,
	})
}

// Agent 描述一个可对话的智能体。
type Agent struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	SystemPrompt string    `json:"system_prompt,omitempty"`
	Model        string    `json:"model,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// CreateRequest 是创建智能体的入参。
type CreateRequest struct {
	Name         string `json:"name"`
	Description  string `json:"description"`
	SystemPrompt string `json:"system_prompt"`
	Model        string `json:"model"`
}

// ListOptions 控制列表分页。
type ListOptions struct {
	Limit  int
	Offset int
}

// Normalize 填充分页默认值：limit 默认 20，最大 100。
func (o ListOptions) Normalize() ListOptions {
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

// Store 抽象了智能体的持久化。List 按创建时间倒序返回一页数据及总数。
type Store interface {
	Create(ctx context.Context, agent *Agent) error
	Get(ctx context.Context, id string) (*Agent, error)
	List(ctx context.Context, opts ListOptions) ([]*Agent, int, error)
}

// Service 提供智能体的业务操作。
type Service struct {
	store Store
	now   func() time.Time
}

// NewService 创建智能体服务。
func NewService(store Store) *Service {
	return &Service{store: store, now: time.Now}
}

// Create 校验请求并创建智能体。
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Agent, error) {
	if s == nil || s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "智能体存储未初始化")
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = DefaultName
	}
	if utf8.RuneCountInString(name) > MaxNameLength {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "agent name must be at most 200 characters")
	}
	now := s.now().UTC().Truncate(time.Millisecond)
	ag := &Agent{
		ID:           uuid.NewString(),
		Name:         name,
		Description:  strings.TrimSpace(req.Description),
		SystemPrompt: strings.TrimSpace(req.SystemPrompt),
		Model:        strings.TrimSpace(req.Model),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.Create(ctx, ag); err != nil {
		return nil, err
	}
	return ag, nil
}

// Get 返回指定智能体。
func (s *Service) Get(ctx context.Context, id string) (*Agent, error) {
	if s == nil || s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "智能体存储未初始化")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrNotFound
	}
	return s.store.Get(ctx, id)
}

// List 分页返回智能体及总数。
func (s *Service) List(ctx context.Context, opts ListOptions) ([]*Agent, int, error) {
	if s == nil || s.store == nil {
		return nil, 0, xerrors.New(xerrors.CodeInitializationFailure, "智能体存储未初始化")
	}
	return s.store.List(ctx, opts.Normalize())
}
