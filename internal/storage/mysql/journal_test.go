package mysql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"testing/fstest"
	"time"

	gomysql "github.com/go-sql-driver/mysql"

	xerrors "mediad/internal/errors"
	"mediad/pkg/plugin"
)

func TestMemoryLoadJournalKeepsNewestFirst(t *testing.T) {
	t.Parallel()

	journal := NewMemoryLoadJournal(2)
	ctx := context.Background()
	for _, name := range []string{"a", "b", "c"} {
		if err := journal.Record(ctx, LoadRecord{ShortName: name, Loaded: true}); err != nil {
			t.Fatalf("record failed: %v", err)
		}
	}

	list, err := journal.Recent(ctx, 0)
	if err != nil {
		t.Fatalf("recent failed: %v", err)
	}
	if len(list) != 2 || list[0].ShortName != "c" || list[1].ShortName != "b" {
		t.Fatalf("unexpected records: %+v", list)
	}
	if list[0].ID != 3 {
		t.Fatalf("ids should keep increasing, got %d", list[0].ID)
	}

	one, _ := journal.Recent(ctx, 1)
	if len(one) != 1 {
		t.Fatalf("limit not honoured: %+v", one)
	}
}

func TestRecordFromEventCarriesErrorCode(t *testing.T) {
	t.Parallel()

	at := time.UnixMilli(1700000000000)
	rec := RecordFromEvent(plugin.LoadEvent{
		ScanID:     "scan-1",
		Path:       "/plugins/libbad.so",
		ShortName:  "bad",
		Type:       plugin.TypeOutput,
		APIVersion: 2,
		Err:        xerrors.New(xerrors.CodeABIMismatch, "api version 2, want 3"),
		At:         at,
	})
	if rec.Loaded || rec.ErrorCode != string(xerrors.CodeABIMismatch) || rec.CreatedAt != at.UnixMilli() {
		t.Fatalf("unexpected record: %+v", rec)
	}

	v := rec.Value()
	if code, _ := v.DictString("code"); code != string(xerrors.CodeABIMismatch) {
		t.Fatalf("dict should carry the failure code: %s", v)
	}
	if loaded, _ := v.DictUInt32("loaded"); loaded != 0 {
		t.Fatalf("dict should mark failure: %s", v)
	}
}

func TestSQLLoadJournalRecord(t *testing.T) {
	t.Parallel()

	db, driver := newMockDB(t, []mockOperation{
		execOp(insertLoadSQL, mockResult{lastInsertID: 1, rowsAffected: 1}),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	journal := &SQLLoadJournal{db: db}
	err := journal.Record(context.Background(), LoadRecord{ScanID: "s", ShortName: "null", Type: 1, APIVersion: 3, Loaded: true, CreatedAt: 1})
	if err != nil {
		t.Fatalf("record failed: %v", err)
	}
}

func TestSQLLoadJournalRecent(t *testing.T) {
	t.Parallel()

	rows := mockRowsData{
		columns: []string{"id", "scan_id", "path", "shortname", "plugin_type", "api_version", "loaded", "error_code", "error", "created_at"},
		values: [][]driver.Value{
			{int64(2), "s", "/p/libbad.so", "bad", int64(1), int64(2), int64(0), "ABI_MISMATCH", "api", int64(20)},
			{int64(1), "s", "/p/libnull.so", "null", int64(1), int64(3), int64(1), "", nil, int64(10)},
		},
	}
	db, driver := newMockDB(t, []mockOperation{queryOp(recentLoadsSQL, rows)})
	defer driver.assertConsumed(t)
	defer db.Close()

	journal := &SQLLoadJournal{db: db}
	list, err := journal.Recent(context.Background(), 2)
	if err != nil {
		t.Fatalf("recent failed: %v", err)
	}
	if len(list) != 2 || list[0].Loaded || !list[1].Loaded || list[1].Error != "" {
		t.Fatalf("unexpected list: %+v", list)
	}
}

func TestSQLLoadJournalMissingTable(t *testing.T) {
	t.Parallel()

	op := queryOp(recentLoadsSQL, mockRowsData{})
	op.err = &gomysql.MySQLError{Number: errNoSuchTable, Message: "Table 'plugin_loads' doesn't exist"}
	db, driver := newMockDB(t, []mockOperation{op})
	defer driver.assertConsumed(t)
	defer db.Close()

	list, err := (&SQLLoadJournal{db: db}).Recent(context.Background(), 5)
	if err != nil || len(list) != 0 {
		t.Fatalf("missing table should read as empty, got %v, %v", list, err)
	}
}

func TestSQLLoadJournalWrapsFailures(t *testing.T) {
	t.Parallel()

	op := execOp(insertLoadSQL, mockResult{})
	op.err = errors.New("connection reset")
	db, driver := newMockDB(t, []mockOperation{op})
	defer driver.assertConsumed(t)
	defer db.Close()

	err := (&SQLLoadJournal{db: db}).Record(context.Background(), LoadRecord{})
	if xerrors.CodeOf(err) != xerrors.CodeStorageFailure {
		t.Fatalf("expected storage failure, got %v", err)
	}
}

func TestRunMigrations(t *testing.T) {
	t.Parallel()

	ops := []mockOperation{
		execOp(`CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`, mockResult{}),
		queryOp(`SELECT version FROM schema_migrations`, mockRowsData{columns: []string{"version"}}),
		beginOp(),
		execOp(readMigrationStatement(), mockResult{rowsAffected: 0}),
		execOp(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, mockResult{rowsAffected: 1}),
		commitOp(),
	}
	db, driver := newMockDB(t, ops)
	defer driver.assertConsumed(t)
	defer db.Close()

	if err := runMigrations(context.Background(), db); err != nil {
		t.Fatalf("run migrations failed: %v", err)
	}
}

func TestRunMigrationsSkipsApplied(t *testing.T) {
	t.Parallel()

	ops := []mockOperation{
		execOp(`CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`, mockResult{}),
		queryOp(`SELECT version FROM schema_migrations`, mockRowsData{
			columns: []string{"version"},
			values:  [][]driver.Value{{"0001"}},
		}),
	}
	db, driver := newMockDB(t, ops)
	defer driver.assertConsumed(t)
	defer db.Close()

	if err := runMigrations(context.Background(), db); err != nil {
		t.Fatalf("run migrations failed: %v", err)
	}
}

func TestMigrationPlanOrdersByVersion(t *testing.T) {
	t.Parallel()

	m := migrator{fsys: fstest.MapFS{
		"0002_add_index.sql": {Data: []byte("-- 索引\nCREATE INDEX a ON t (x);\nCREATE INDEX b ON t (y);\n")},
		"0001_create.sql":    {Data: []byte("CREATE TABLE t (x INT, y INT);")},
		"0003_empty.sql":     {Data: []byte("-- nothing\n")},
		"README.md":          {Data: []byte("ignored")},
	}}
	plan, err := m.plan()
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(plan) != 2 {
		t.Fatalf("expected two migrations, got %+v", plan)
	}
	if plan[0].version != "0001" || plan[1].version != "0002" {
		t.Fatalf("unexpected order %+v", plan)
	}
	if len(plan[1].statements) != 2 || plan[1].statements[0] != "CREATE INDEX a ON t (x)" {
		t.Fatalf("comment lines should be dropped: %q", plan[1].statements)
	}
}

func TestNormalizeDSN(t *testing.T) {
	t.Parallel()

	dsn, err := normalizeDSN("user:pass@tcp(127.0.0.1:3306)/mediad")
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	if !strings.Contains(dsn, "timeout=5s") {
		t.Fatalf("expected default timeout in %q", dsn)
	}
	if _, err := normalizeDSN("not a dsn"); err == nil {
		t.Fatalf("invalid dsn should be rejected")
	}
}

func readMigrationStatement() string {
	content, err := embeddedMigrations.ReadFile("0001_create_plugin_loads.sql")
	if err != nil {
		panic(fmt.Sprintf("failed to read migration: %v", err))
	}
	statements := splitSQLStatements(string(content))
	if len(statements) == 0 {
		panic("no statements in migration")
	}
	return statements[0]
}

type operationType int

const (
	opExec operationType = iota
	opQuery
	opBegin
	opCommit
	opRollback
)

type mockOperation struct {
	typ    operationType
	query  string
	result mockResult
	rows   mockRowsData
	err    error
}

type mockResult struct {
	lastInsertID int64
	rowsAffected int64
}

func (r mockResult) LastInsertId() (int64, error) { return r.lastInsertID, nil }
func (r mockResult) RowsAffected() (int64, error) { return r.rowsAffected, nil }

type mockRowsData struct {
	columns []string
	values  [][]driver.Value
}

type queueDriver struct {
	ops []mockOperation
	idx int32
}

var driverSeq atomic.Int32

func newMockDB(t *testing.T, ops []mockOperation) (*sql.DB, *queueDriver) {
	t.Helper()

	drv := &queueDriver{ops: ops}
	name := fmt.Sprintf("mock-mysql-%d", driverSeq.Add(1))
	sql.Register(name, drv)

	db, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("open mock db failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, drv
}

func execOp(query string, result mockResult) mockOperation {
	return mockOperation{typ: opExec, query: query, result: result}
}

func queryOp(query string, rows mockRowsData) mockOperation {
	return mockOperation{typ: opQuery, query: query, rows: rows}
}

func beginOp() mockOperation { return mockOperation{typ: opBegin} }

func commitOp() mockOperation { return mockOperation{typ: opCommit} }

func (d *queueDriver) assertConsumed(t *testing.T) {
	t.Helper()

	if int(atomic.LoadInt32(&d.idx)) != len(d.ops) {
		t.Fatalf("not all operations consumed: %d/%d", atomic.LoadInt32(&d.idx), len(d.ops))
	}
}

func (d *queueDriver) Open(string) (driver.Conn, error) {
	return &mockConn{driver: d}, nil
}

type mockConn struct {
	driver *queueDriver
}

func (c *mockConn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare not supported: %s", query)
}

func (c *mockConn) Close() error { return nil }

func (c *mockConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *mockConn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	op, err := c.driver.next(opBegin, "")
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &mockTx{driver: c.driver}, nil
}

func (c *mockConn) ExecContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Result, error) {
	op, err := c.driver.next(opExec, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return op.result, nil
}

func (c *mockConn) QueryContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Rows, error) {
	op, err := c.driver.next(opQuery, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &mockRows{columns: op.rows.columns, values: op.rows.values}, nil
}

func (c *mockConn) Ping(context.Context) error { return nil }

func (d *queueDriver) next(expected operationType, query string) (*mockOperation, error) {
	idx := int(atomic.LoadInt32(&d.idx))
	if idx >= len(d.ops) {
		return nil, fmt.Errorf("unexpected operation: %v", expected)
	}
	op := &d.ops[idx]
	if op.typ != expected {
		return nil, fmt.Errorf("expected operation %v, got %v", expected, op.typ)
	}
	atomic.AddInt32(&d.idx, 1)
	if op.query != "" && query != "" {
		if want, got := normalizeSQL(op.query), normalizeSQL(query); want != got {
			return nil, fmt.Errorf("unexpected query. want %q got %q", want, got)
		}
	}
	return op, nil
}

type mockTx struct {
	driver *queueDriver
}

func (t *mockTx) Commit() error {
	op, err := t.driver.next(opCommit, "")
	if err != nil {
		return err
	}
	return op.err
}

func (t *mockTx) Rollback() error {
	op, err := t.driver.next(opRollback, "")
	if err != nil {
		return err
	}
	return op.err
}

type mockRows struct {
	columns []string
	values  [][]driver.Value
	idx     int
}

func (r *mockRows) Columns() []string { return r.columns }
func (r *mockRows) Close() error      { return nil }

func (r *mockRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.values) {
		return io.EOF
	}
	copy(dest, r.values[r.idx])
	r.idx++
	return nil
}

func normalizeSQL(query string) string {
	return strings.Join(strings.Fields(query), " ")
}
