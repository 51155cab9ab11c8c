// Package sqldb implements the agent, thread, file, knowledge and task stores
// on database/sql, for MySQL (go-sql-driver/mysql) and SQLite (modernc.org/sqlite).
package sqldb

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"modernc.org/sqlite"

	xerrors "kortix-mvp/internal/errors"
)

// Dialect 表示数据库方言。
type Dialect string

const (
	DialectMySQL  Dialect = "mysql"
	DialectSQLite Dialect = "sqlite"
)

// Config 描述数据库连接参数。
type Config struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	SkipMigrations  bool
}

// DB 封装连接池与方言。
type DB struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// Open 根据配置打开数据库并执行迁移。
func Open(ctx context.Context, cfg Config) (*DB, error) {
	dialect := Dialect(strings.ToLower(strings.TrimSpace(cfg.Driver)))
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, fmt.Errorf("%s DSN 不能为空", dialect)
	}

	var driverName string
	switch dialect {
	case DialectMySQL:
		parsed, err := mysql.ParseDSN(dsn)
		if err != nil {
			return nil, fmt.Errorf("解析 MySQL DSN 失败: %w", err)
		}
		// 时间统一以 BIGINT 存储，不依赖 parseTime。
		parsed.MultiStatements = false
		dsn = parsed.FormatDSN()
		driverName = "mysql"
	case DialectSQLite:
		var err error
		dsn, err = sqliteDSN(dsn)
		if err != nil {
			return nil, err
		}
		driverName = "sqlite"
	default:
		return nil, fmt.Errorf("不支持的数据库驱动: %s", cfg.Driver)
	}

	conn, err := openDatabase(ctx, driverName, dsn, dialect, cfg)
	if err != nil {
		return nil, err
	}
	store := &DB{db: conn, dialect: dialect, now: time.Now}
	if !cfg.SkipMigrations {
		if err := store.Migrate(ctx); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}
	return store, nil
}

func openDatabase(ctx context.Context, driverName, dsn string, dialect Dialect, cfg Config) (*sql.DB, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 20
		if dialect == DialectSQLite {
			// SQLite 只有一个写入者，单连接避免 SQLITE_BUSY。
			maxOpen = 1
		}
	}
	db.SetMaxOpenConns(maxOpen)
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(min(10, maxOpen))
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("无法连接到数据库: %w", err)
	}
	return db, nil
}

// sqliteDSN 为文件路径补充 WAL、busy_timeout 与外键等 pragma，并创建所在目录。
func sqliteDSN(dsn string) (string, error) {
	if strings.Contains(dsn, "?") || strings.HasPrefix(dsn, "file:") || dsn == ":memory:" {
		return dsn, nil
	}
	if dir := filepath.Dir(dsn); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("创建 SQLite 目录失败: %w", err)
		}
	}
	return dsn + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", nil
}

// Dialect 返回当前方言。
func (d *DB) Dialect() Dialect { return d.dialect }

// Ping 实现健康检查探针。
func (d *DB) Ping(ctx context.Context) error {
	if d == nil || d.db == nil {
		return stdErrors.New("database is not open")
	}
	return d.db.PingContext(ctx)
}

// Close 关闭连接池。
func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

// isDuplicate 判断错误是否为主键或唯一键冲突。
func isDuplicate(err error) bool {
	var mysqlErr *mysql.MySQLError
	if stdErrors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	var sqliteErr *sqlite.Error
	if stdErrors.As(err, &sqliteErr) {
		// 扩展错误码的低 8 位是主错误码，19 为 SQLITE_CONSTRAINT。
		return sqliteErr.Code()&0xff == 19
	}
	return false
}

func storageError(err error, msg string) error {
	return xerrors.Wrap(xerrors.CodeStorageFailure, err, msg)
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// inClause 生成 "col IN (?, ?)" 及其参数。
func inClause[T ~string](column string, values []T) (string, []any) {
	placeholders := make([]string, len(values))
	args := make([]any, len(values))
	for i, v := range values {
		placeholders[i] = "?"
		args[i] = string(v)
	}
	return fmt.Sprintf("%s IN (%s)", column, strings.Join(placeholders, ", ")), args
}
