package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"

	xerrors "kortix-mvp/internal/errors"
	"kortix-mvp/internal/files"
	"kortix-mvp/internal/knowledge"
)

// FileStore 实现 files.Store。
type FileStore struct {
	db *DB
}

// Files 返回文件元数据存储。
func (d *DB) Files() *FileStore { return &FileStore{db: d} }

const fileColumns = `id, name, content_type, size, sha256, status, error, metadata, created_at, updated_at`

// Create 实现 files.Store。
func (s *FileStore) Create(ctx context.Context, f *files.File) error {
	if f == nil || f.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "file id 不能为空")
	}
	metadata, err := encodeJSON(f.Metadata)
	if err != nil {
		return storageError(err, "编码文件 metadata 失败")
	}
	_, err = s.db.db.ExecContext(ctx,
		`INSERT INTO files (`+fileColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.Name, f.ContentType, f.Size, f.SHA256, string(f.Status), f.Error, metadata,
		toMillis(f.CreatedAt), toMillis(f.UpdatedAt),
	)
	if err != nil {
		if isDuplicate(err) {
			return xerrors.New(xerrors.CodeConflict, "file already exists")
		}
		return storageError(err, "插入文件失败")
	}
	return nil
}

// Get 实现 files.Store。
func (s *FileStore) Get(ctx context.Context, id string) (*files.File, error) {
	row := s.db.db.QueryRowContext(ctx, `SELECT `+fileColumns+` FROM files WHERE id = ?`, id)
	f, err := scanFile(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, files.ErrNotFound
		}
		return nil, storageError(err, "查询文件失败")
	}
	return f, nil
}

// Update 实现 files.Store，更新状态、错误与 metadata。
func (s *FileStore) Update(ctx context.Context, f *files.File) error {
	if f == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "file 不能为空")
	}
	metadata, err := encodeJSON(f.Metadata)
	if err != nil {
		return storageError(err, "编码文件 metadata 失败")
	}
	res, err := s.db.db.ExecContext(ctx,
		`UPDATE files SET content_type = ?, status = ?, error = ?, metadata = ?, updated_at = ? WHERE id = ?`,
		f.ContentType, string(f.Status), f.Error, metadata, toMillis(f.UpdatedAt), f.ID,
	)
	if err != nil {
		return storageError(err, "更新文件失败")
	}
	// MySQL 在值未变化时返回 0 行，需要再确认记录是否存在。
	if rows, _ := res.RowsAffected(); rows == 0 {
		if _, err := s.Get(ctx, f.ID); err != nil {
			return err
		}
	}
	return nil
}

// List 实现 files.Store，最新上传的在前。
func (s *FileStore) List(ctx context.Context, opts files.ListOptions) ([]*files.File, int, error) {
	opts = opts.Normalize()
	var total int
	if err := s.db.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM files`).Scan(&total); err != nil {
		return nil, 0, storageError(err, "统计文件失败")
	}
	rows, err := s.db.db.QueryContext(ctx,
		`SELECT `+fileColumns+` FROM files ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		opts.Limit, opts.Offset,
	)
	if err != nil {
		return nil, 0, storageError(err, "查询文件列表失败")
	}
	defer rows.Close()

	out := make([]*files.File, 0, opts.Limit)
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, 0, storageError(err, "解析文件失败")
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, storageError(err, "遍历文件失败")
	}
	return out, total, nil
}

func scanFile(row rowScanner) (*files.File, error) {
	var (
		f                files.File
		status, metadata string
		created, updated int64
	)
	if err := row.Scan(&f.ID, &f.Name, &f.ContentType, &f.Size, &f.SHA256, &status, &f.Error, &metadata, &created, &updated); err != nil {
		return nil, err
	}
	f.Status = files.Status(status)
	if err := decodeJSON(metadata, &f.Metadata); err != nil {
		return nil, err
	}
	f.CreatedAt = fromMillis(created)
	f.UpdatedAt = fromMillis(updated)
	return &f, nil
}

// KnowledgeStore 实现 knowledge.Store。
type KnowledgeStore struct {
	db *DB
}

// Knowledge 返回知识条目存储。
func (d *DB) Knowledge() *KnowledgeStore { return &KnowledgeStore{db: d} }

// Create 实现 knowledge.Store。
func (s *KnowledgeStore) Create(ctx context.Context, entry *knowledge.Entry) error {
	if entry == nil || entry.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "knowledge entry id 不能为空")
	}
	keywords, err := encodeJSON(entry.Keywords)
	if err != nil {
		return storageError(err, "编码关键词失败")
	}
	tags, err := encodeJSON(entry.Tags)
	if err != nil {
		return storageError(err, "编码标签失败")
	}
	_, err = s.db.db.ExecContext(ctx,
		`INSERT INTO knowledge_entries (id, title, content, keywords, tags, source, file_id, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Title, entry.Content, keywords, tags, entry.Source, entry.FileID, toMillis(entry.CreatedAt),
	)
	if err != nil {
		if isDuplicate(err) {
			return xerrors.New(xerrors.CodeConflict, "knowledge entry already exists")
		}
		return storageError(err, "插入知识条目失败")
	}
	return nil
}

// List 实现 knowledge.Store，按创建时间正序。
func (s *KnowledgeStore) List(ctx context.Context) ([]*knowledge.Entry, error) {
	rows, err := s.db.db.QueryContext(ctx,
		`SELECT id, title, content, keywords, tags, source, file_id, created_at FROM knowledge_entries ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, storageError(err, "查询知识条目失败")
	}
	defer rows.Close()

	var out []*knowledge.Entry
	for rows.Next() {
		var (
			entry          knowledge.Entry
			keywords, tags string
			created        int64
		)
		if err := rows.Scan(&entry.ID, &entry.Title, &entry.Content, &keywords, &tags, &entry.Source, &entry.FileID, &created); err != nil {
			return nil, storageError(err, "解析知识条目失败")
		}
		if err := decodeJSON(keywords, &entry.Keywords); err != nil {
			return nil, storageError(err, "解析关键词失败")
		}
		if err := decodeJSON(tags, &entry.Tags); err != nil {
			return nil, storageError(err, "解析标签失败")
		}
		entry.CreatedAt = fromMillis(created)
		out = append(out, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(err, "遍历知识条目失败")
	}
	return out, nil
}

// encodeJSON 把空值编码为空字符串。
func encodeJSON[T any](value T) (string, error) {
	encoded, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	switch string(encoded) {
	case "null", "{}", "[]":
		return "", nil
	}
	return string(encoded), nil
}

func decodeJSON(raw string, target any) error {
	if raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), target)
}

var (
	_ files.Store     = (*FileStore)(nil)
	_ knowledge.Store = (*KnowledgeStore)(nil)
)
