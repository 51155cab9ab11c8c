package sqldb

import (
	"context"
	"database/sql"
	stdErrors "errors"

	xerrors "kortix-mvp/internal/errors"
	"kortix-mvp/internal/thread"
)

// ThreadStore 实现 thread.Store。
type ThreadStore struct {
	db *DB
}

// Threads 返回会话存储。
func (d *DB) Threads() *ThreadStore { return &ThreadStore{db: d} }

const threadColumns = `id, agent_id, title, created_at, updated_at`

// Create 实现 thread.Store。
func (s *ThreadStore) Create(ctx context.Context, th *thread.Thread) error {
	if th == nil || th.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "thread id 不能为空")
	}
	_, err := s.db.db.ExecContext(ctx,
		`INSERT INTO threads (`+threadColumns+`) VALUES (?, ?, ?, ?, ?)`,
		th.ID, th.AgentID, th.Title, toMillis(th.CreatedAt), toMillis(th.UpdatedAt),
	)
	if err != nil {
		if isDuplicate(err) {
			return xerrors.New(xerrors.CodeConflict, "thread already exists")
		}
		return storageError(err, "插入会话失败")
	}
	return nil
}

// Get 实现 thread.Store。
func (s *ThreadStore) Get(ctx context.Context, id string) (*thread.Thread, error) {
	row := s.db.db.QueryRowContext(ctx, `SELECT `+threadColumns+` FROM threads WHERE id = ?`, id)
	th, err := scanThread(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, thread.ErrNotFound
		}
		return nil, storageError(err, "查询会话失败")
	}
	return th, nil
}

// List 实现 thread.Store，最近更新的会话在前。
func (s *ThreadStore) List(ctx context.Context, opts thread.ListOptions) ([]*thread.Thread, int, error) {
	opts = opts.Normalize()
	where := ""
	var args []any
	if opts.AgentID != "" {
		where = " WHERE agent_id = ?"
		args = append(args, opts.AgentID)
	}

	var total int
	if err := s.db.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM threads`+where, args...).Scan(&total); err != nil {
		return nil, 0, storageError(err, "统计会话失败")
	}

	rows, err := s.db.db.QueryContext(ctx,
		`SELECT `+threadColumns+` FROM threads`+where+` ORDER BY updated_at DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, opts.Limit, opts.Offset)...,
	)
	if err != nil {
		return nil, 0, storageError(err, "查询会话列表失败")
	}
	defer rows.Close()

	threads := make([]*thread.Thread, 0, opts.Limit)
	for rows.Next() {
		th, err := scanThread(rows)
		if err != nil {
			return nil, 0, storageError(err, "解析会话失败")
		}
		threads = append(threads, th)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, storageError(err, "遍历会话失败")
	}
	return threads, total, nil
}

// Append 在事务中写入消息并推进会话的 updated_at。
func (s *ThreadStore) Append(ctx context.Context, msg *thread.Message) error {
	if msg == nil || msg.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "message id 不能为空")
	}
	tx, err := s.db.db.BeginTx(ctx, nil)
	if err != nil {
		return storageError(err, "开启事务失败")
	}
	defer tx.Rollback()

	var updatedAt int64
	if err := tx.QueryRowContext(ctx, `SELECT updated_at FROM threads WHERE id = ?`, msg.ThreadID).Scan(&updatedAt); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return thread.ErrNotFound
		}
		return storageError(err, "查询会话失败")
	}

	created := toMillis(msg.CreatedAt)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, thread_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		msg.ID, msg.ThreadID, string(msg.Role), msg.Content, created,
	); err != nil {
		if isDuplicate(err) {
			return xerrors.New(xerrors.CodeConflict, "message already exists")
		}
		return storageError(err, "写入消息失败")
	}
	if created > updatedAt {
		if _, err := tx.ExecContext(ctx, `UPDATE threads SET updated_at = ? WHERE id = ?`, created, msg.ThreadID); err != nil {
			return storageError(err, "更新会话时间失败")
		}
	}
	if err := tx.Commit(); err != nil {
		return storageError(err, "提交消息失败")
	}
	return nil
}

// Messages 实现 thread.Store，按写入顺序返回最近 limit 条消息。
func (s *ThreadStore) Messages(ctx context.Context, threadID string, limit int) ([]*thread.Message, error) {
	query := `SELECT id, thread_id, role, content, created_at FROM messages WHERE thread_id = ? ORDER BY seq DESC`
	args := []any{threadID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageError(err, "查询消息失败")
	}
	defer rows.Close()

	var messages []*thread.Message
	for rows.Next() {
		var (
			msg     thread.Message
			role    string
			created int64
		)
		if err := rows.Scan(&msg.ID, &msg.ThreadID, &role, &msg.Content, &created); err != nil {
			return nil, storageError(err, "解析消息失败")
		}
		msg.Role = thread.Role(role)
		msg.CreatedAt = fromMillis(created)
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(err, "遍历消息失败")
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	if messages == nil {
		messages = []*thread.Message{}
	}
	return messages, nil
}

func scanThread(row rowScanner) (*thread.Thread, error) {
	var (
		th               thread.Thread
		created, updated int64
	)
	if err := row.Scan(&th.ID, &th.AgentID, &th.Title, &created, &updated); err != nil {
		return nil, err
	}
	th.CreatedAt = fromMillis(created)
	th.UpdatedAt = fromMillis(updated)
	return &th, nil
}

var _ thread.Store = (*ThreadStore)(nil)
