package sqldb

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"

	xerrors "kortix-mvp/internal/errors"
	"kortix-mvp/internal/task"
)

// TaskStore 实现 task.Store，时间以 Unix 秒存储。
type TaskStore struct {
	db *DB
}

// Tasks 返回任务状态存储。
func (d *DB) Tasks() *TaskStore { return &TaskStore{db: d} }

const taskColumns = `id, kind, payload, status, attempts, max_retries, last_error, error_code, result, created_at, updated_at`

// Create 实现 task.Store。
func (s *TaskStore) Create(ctx context.Context, t *task.Task) error {
	if t == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	if strings.TrimSpace(t.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	now := s.db.now().Unix()
	if t.CreatedAt == 0 {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = task.StatusPending
	}
	payload, err := encodeJSON(t.Payload)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码任务 payload 失败")
	}
	result, err := encodeJSON(t.Result)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码任务结果失败")
	}

	_, err = s.db.db.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, string(t.Kind), payload, string(t.Status), t.Attempts, t.MaxRetries, t.LastError, t.ErrorCode, result,
		t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		if isDuplicate(err) {
			return task.ErrTaskConflict
		}
		return storageError(err, "插入任务失败")
	}
	return nil
}

// Get 实现 task.Store。
func (s *TaskStore) Get(ctx context.Context, id string) (*task.Task, error) {
	row := s.db.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, task.ErrTaskNotFound
		}
		return nil, storageError(err, "查询任务失败")
	}
	return t, nil
}

// Claim 以条件更新抢占任务，未命中时按当前状态返回对应错误。
func (s *TaskStore) Claim(ctx context.Context, id string) (*task.Task, error) {
	res, err := s.db.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, attempts = attempts + 1, updated_at = ?
        WHERE id = ? AND status IN (?, ?) AND attempts < max_retries`,
		string(task.StatusRunning), s.db.now().Unix(), id,
		string(task.StatusPending), string(task.StatusRetrying),
	)
	if err != nil {
		return nil, storageError(err, "更新任务状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, storageError(err, "获取影响行数失败")
	}

	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if affected > 0 {
		return current, nil
	}
	switch current.Status {
	case task.StatusSucceeded:
		return current, task.ErrTaskCompleted
	case task.StatusFailed:
		return current, task.ErrTaskExhausted
	case task.StatusRunning:
		return current, task.ErrTaskConflict
	}
	if current.Attempts >= current.MaxRetries {
		return current, task.ErrTaskExhausted
	}
	return current, task.ErrTaskConflict
}

// MarkSucceeded 实现 task.Store。
func (s *TaskStore) MarkSucceeded(ctx context.Context, id string, result map[string]any) error {
	encoded, err := encodeJSON(result)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码任务结果失败")
	}
	res, err := s.db.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, result = ?, last_error = '', error_code = '', updated_at = ? WHERE id = ?`,
		string(task.StatusSucceeded), encoded, s.db.now().Unix(), id,
	)
	if err != nil {
		return storageError(err, "标记任务成功失败")
	}
	return s.ensureAffected(ctx, res, id)
}

// MarkFailed 实现 task.Store，terminal 为 false 时任务进入 retrying。
func (s *TaskStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	status := task.StatusRetrying
	if terminal {
		status = task.StatusFailed
	}
	res, err := s.db.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, last_error = ?, error_code = ?, updated_at = ? WHERE id = ?`,
		string(status), lastError, string(code), s.db.now().Unix(), id,
	)
	if err != nil {
		return storageError(err, "标记任务失败失败")
	}
	return s.ensureAffected(ctx, res, id)
}

// UpdatePayload 实现 task.Store。
func (s *TaskStore) UpdatePayload(ctx context.Context, id string, payload map[string]any) error {
	encoded, err := encodeJSON(payload)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码任务 payload 失败")
	}
	res, err := s.db.db.ExecContext(ctx,
		`UPDATE tasks SET payload = ?, updated_at = ? WHERE id = ?`,
		encoded, s.db.now().Unix(), id,
	)
	if err != nil {
		return storageError(err, "更新任务 payload 失败")
	}
	return s.ensureAffected(ctx, res, id)
}

func (s *TaskStore) ensureAffected(ctx context.Context, res sql.Result, id string) error {
	if rows, _ := res.RowsAffected(); rows > 0 {
		return nil
	}
	_, err := s.Get(ctx, id)
	return err
}

// List 实现 task.Store。
func (s *TaskStore) List(ctx context.Context, opts task.ListOptions) ([]*task.Task, error) {
	opts = opts.Normalized()

	query := `SELECT ` + taskColumns + ` FROM tasks`
	clause, args := buildTaskFilter(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	if opts.Order == task.SortByUpdatedAsc {
		query += " ORDER BY updated_at ASC, created_at ASC, id ASC"
	} else {
		query += " ORDER BY updated_at DESC, created_at DESC, id DESC"
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageError(err, "查询任务列表失败")
	}
	defer rows.Close()

	tasks := make([]*task.Task, 0, opts.Limit)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, storageError(err, "解析任务记录失败")
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(err, "遍历任务失败")
	}
	return tasks, nil
}

// Stats 实现 task.Store。
func (s *TaskStore) Stats(ctx context.Context, opts task.ListOptions) (task.TaskStats, error) {
	opts = opts.Normalized()

	query := `SELECT
        COUNT(*),
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
        COALESCE(MIN(updated_at), 0),
        COALESCE(MAX(updated_at), 0)
        FROM tasks`
	args := []any{
		string(task.StatusPending),
		string(task.StatusRunning),
		string(task.StatusRetrying),
		string(task.StatusSucceeded),
		string(task.StatusFailed),
	}
	clause, filterArgs := buildTaskFilter(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	args = append(args, filterArgs...)

	var stats task.TaskStats
	if err := s.db.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.Total,
		&stats.Pending,
		&stats.Running,
		&stats.Retrying,
		&stats.Succeeded,
		&stats.Failed,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return task.TaskStats{}, storageError(err, "查询任务统计失败")
	}
	return stats, nil
}

// Close 由 DB 统一关闭连接池。
func (s *TaskStore) Close() error { return nil }

func buildTaskFilter(opts task.ListOptions) (string, []any) {
	var (
		conditions []string
		args       []any
	)
	if len(opts.Statuses) > 0 {
		clause, values := inClause("status", opts.Statuses)
		conditions = append(conditions, clause)
		args = append(args, values...)
	}
	if len(opts.Kinds) > 0 {
		clause, values := inClause("kind", opts.Kinds)
		conditions = append(conditions, clause)
		args = append(args, values...)
	}
	if opts.UpdatedGTE > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}
	if opts.HasResult != nil {
		if *opts.HasResult {
			conditions = append(conditions, "result <> ''")
		} else {
			conditions = append(conditions, "result = ''")
		}
	}
	if opts.Query != "" {
		pattern := "%" + strings.ToLower(opts.Query) + "%"
		conditions = append(conditions, "(LOWER(id) LIKE ? OR LOWER(kind) LIKE ? OR LOWER(last_error) LIKE ?)")
		args = append(args, pattern, pattern, pattern)
	}
	return strings.Join(conditions, " AND "), args
}

func scanTask(row rowScanner) (*task.Task, error) {
	var (
		t               task.Task
		kind, status    string
		payload, result string
	)
	if err := row.Scan(
		&t.ID,
		&kind,
		&payload,
		&status,
		&t.Attempts,
		&t.MaxRetries,
		&t.LastError,
		&t.ErrorCode,
		&result,
		&t.CreatedAt,
		&t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	t.Kind = task.Kind(kind)
	t.Status = task.Status(status)
	if err := decodeJSON(payload, &t.Payload); err != nil {
		return nil, err
	}
	if err := decodeJSON(result, &t.Result); err != nil {
		return nil, err
	}
	return &t, nil
}

var _ task.Store = (*TaskStore)(nil)
