package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"mediad/deploy/migrations"
)

const createVersionTableSQL = `CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`

var embeddedMigrations = migrations.Files

// migration 是一个 SQL 文件，文件名前缀（下划线之前）即版本号。
type migration struct {
	version    string
	file       string
	statements []string
}

type migrator struct {
	db   *sql.DB
	fsys fs.FS
	now  func() time.Time
}

// runMigrations 为加载日志建表，已记录在 schema_migrations 中的版本跳过。
func runMigrations(ctx context.Context, db *sql.DB) error {
	m := migrator{db: db, fsys: embeddedMigrations, now: time.Now}
	return m.run(ctx)
}

func (m migrator) run(ctx context.Context) error {
	if _, err := m.db.ExecContext(ctx, createVersionTableSQL); err != nil {
		return fmt.Errorf("创建 schema_migrations 表失败: %w", err)
	}
	done, err := m.applied(ctx)
	if err != nil {
		return err
	}
	plan, err := m.plan()
	if err != nil {
		return err
	}
	for _, mig := range plan {
		if done[mig.version] {
			continue
		}
		if err := m.apply(ctx, mig); err != nil {
			return err
		}
	}
	return nil
}

func (m migrator) applied(ctx context.Context) (map[string]bool, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("查询已应用迁移失败: %w", err)
	}
	defer rows.Close()

	done := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("读取迁移版本失败: %w", err)
		}
		done[version] = true
	}
	return done, rows.Err()
}

// plan 读取全部 *.sql 文件并按版本排序，没有语句的文件被忽略。
func (m migrator) plan() ([]migration, error) {
	names, err := fs.Glob(m.fsys, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("列出迁移文件失败: %w", err)
	}
	plan := make([]migration, 0, len(names))
	for _, name := range names {
		content, err := fs.ReadFile(m.fsys, name)
		if err != nil {
			return nil, fmt.Errorf("读取迁移文件 %s 失败: %w", name, err)
		}
		stmts := splitSQLStatements(string(content))
		if len(stmts) == 0 {
			continue
		}
		plan = append(plan, migration{version: migrationVersion(name), file: name, statements: stmts})
	}
	sort.SliceStable(plan, func(i, j int) bool { return plan[i].version < plan[j].version })
	return plan, nil
}

func (m migrator) apply(ctx context.Context, mig migration) (err error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启迁移事务失败: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, stmt := range mig.statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("执行迁移 %s 失败: %w", mig.file, err)
		}
	}
	if _, err = tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
		mig.version, m.now().Unix()); err != nil {
		return fmt.Errorf("记录迁移版本 %s 失败: %w", mig.version, err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("提交迁移 %s 失败: %w", mig.file, err)
	}
	return nil
}

// splitSQLStatements 按分号切分语句，整行的 "--" 注释被丢弃。
func splitSQLStatements(content string) []string {
	var sb strings.Builder
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	var stmts []string
	for _, part := range strings.Split(sb.String(), ";") {
		if stmt := strings.TrimSpace(part); stmt != "" {
			stmts = append(stmts, stmt)
		}
	}
	return stmts
}

func migrationVersion(file string) string {
	base := strings.TrimSuffix(path.Base(file), path.Ext(file))
	if version, _, ok := strings.Cut(base, "_"); ok && version != "" {
		return version
	}
	return base
}
