package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	gomysql "github.com/go-sql-driver/mysql"

	xerrors "mediad/internal/errors"
)

const (
	insertLoadSQL = `INSERT INTO plugin_loads
        (scan_id, path, shortname, plugin_type, api_version, loaded, error_code, error, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	recentLoadsSQL = `SELECT id, scan_id, path, shortname, plugin_type, api_version, loaded, error_code, error, created_at
        FROM plugin_loads ORDER BY created_at DESC, id DESC LIMIT ?`
)

// 1146: 表不存在。
const errNoSuchTable = 1146

// SQLLoadJournal 将插件加载日志写入 MySQL。
type SQLLoadJournal struct {
	db *sql.DB
}

// NewSQLLoadJournal 创建连接池并执行迁移。
func NewSQLLoadJournal(ctx context.Context, cfg Config) (*SQLLoadJournal, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开加载日志数据库失败")
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "迁移加载日志表失败")
	}
	return &SQLLoadJournal{db: db}, nil
}

// Record 写入一条加载记录。
func (s *SQLLoadJournal) Record(ctx context.Context, record LoadRecord) error {
	var errText sql.NullString
	if record.Error != "" {
		errText = sql.NullString{String: record.Error, Valid: true}
	}
	if _, err := s.db.ExecContext(ctx, insertLoadSQL,
		record.ScanID,
		record.Path,
		record.ShortName,
		record.Type,
		record.APIVersion,
		record.Loaded,
		record.ErrorCode,
		errText,
		record.CreatedAt,
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入加载日志失败")
	}
	return nil
}

// Recent 返回最近的记录，按时间倒序排列。
func (s *SQLLoadJournal) Recent(ctx context.Context, limit int) ([]LoadRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, recentLoadsSQL, limit)
	if err != nil {
		var mysqlErr *gomysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == errNoSuchTable {
			return nil, nil
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询加载日志失败")
	}
	defer rows.Close()

	var records []LoadRecord
	for rows.Next() {
		var (
			rec     LoadRecord
			errText sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.ScanID, &rec.Path, &rec.ShortName, &rec.Type, &rec.APIVersion,
			&rec.Loaded, &rec.ErrorCode, &errText, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("解析加载日志失败: %w", err)
		}
		rec.Error = errText.String
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历加载日志失败: %w", err)
	}
	return records, nil
}

// Close 释放连接池。
func (s *SQLLoadJournal) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
