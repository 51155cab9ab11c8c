package sqldb

import (
	"context"
	"database/sql"
	stdErrors "errors"

	"kortix-mvp/internal/agent"
	xerrors "kortix-mvp/internal/errors"
)

// AgentStore 实现 agent.Store。
type AgentStore struct {
	db *DB
}

// Agents 返回智能体存储。
func (d *DB) Agents() *AgentStore { return &AgentStore{db: d} }

const agentColumns = `id, name, description, system_prompt, model, created_at, updated_at`

// Create 实现 agent.Store。
func (s *AgentStore) Create(ctx context.Context, ag *agent.Agent) error {
	if ag == nil || ag.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "agent id 不能为空")
	}
	_, err := s.db.db.ExecContext(ctx,
		`INSERT INTO agents (`+agentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ag.ID, ag.Name, ag.Description, ag.SystemPrompt, ag.Model, toMillis(ag.CreatedAt), toMillis(ag.UpdatedAt),
	)
	if err != nil {
		if isDuplicate(err) {
			return xerrors.New(xerrors.CodeConflict, "agent already exists")
		}
		return storageError(err, "插入智能体失败")
	}
	return nil
}

// Get 实现 agent.Store。
func (s *AgentStore) Get(ctx context.Context, id string) (*agent.Agent, error) {
	row := s.db.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	ag, err := scanAgent(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, agent.ErrNotFound
		}
		return nil, storageError(err, "查询智能体失败")
	}
	return ag, nil
}

// List 实现 agent.Store。
func (s *AgentStore) List(ctx context.Context, opts agent.ListOptions) ([]*agent.Agent, int, error) {
	opts = opts.Normalize()
	var total int
	if err := s.db.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM agents`).Scan(&total); err != nil {
		return nil, 0, storageError(err, "统计智能体失败")
	}

	rows, err := s.db.db.QueryContext(ctx,
		`SELECT `+agentColumns+` FROM agents ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		opts.Limit, opts.Offset,
	)
	if err != nil {
		return nil, 0, storageError(err, "查询智能体列表失败")
	}
	defer rows.Close()

	agents := make([]*agent.Agent, 0, opts.Limit)
	for rows.Next() {
		ag, err := scanAgent(rows)
		if err != nil {
			return nil, 0, storageError(err, "解析智能体失败")
		}
		agents = append(agents, ag)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, storageError(err, "遍历智能体失败")
	}
	return agents, total, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*agent.Agent, error) {
	var (
		ag               agent.Agent
		created, updated int64
	)
	if err := row.Scan(&ag.ID, &ag.Name, &ag.Description, &ag.SystemPrompt, &ag.Model, &created, &updated); err != nil {
		return nil, err
	}
	ag.CreatedAt = fromMillis(created)
	ag.UpdatedAt = fromMillis(updated)
	return &ag, nil
}

var _ agent.Store = (*AgentStore)(nil)
