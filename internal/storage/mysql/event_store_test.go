package mysql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"io/fs"
	"math/big"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-sql-driver/mysql"

	"Intent-Ledger/internal/eventlog"
)

var (
	contract = common.HexToAddress("0x0000000000000000000000000000000000001001")
	user     = common.HexToAddress("0x0000000000000000000000000000000000005555")
)

func sampleRecords() []eventlog.Record {
	return []eventlog.Record{
		{Seq: 1, Kind: eventlog.KindMinted, Component: eventlog.ComponentLedger, Contract: contract, Account: user, Amount: big.NewInt(100), At: 10},
		{Seq: 1, Kind: eventlog.KindIntentCreated, Component: eventlog.ComponentRegistry, Account: user, Amount: big.NewInt(40), IntentID: 1, Status: "Pending", At: 11},
		{Seq: 2, Kind: eventlog.KindBurned, Component: eventlog.ComponentLedger, Account: user, Amount: big.NewInt(40), IntentID: 1, At: 12},
	}
}

func TestMemoryEventStoreDedupAndReload(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := NewMemoryEventStore(dir)
	if err != nil {
		t.Fatalf("failed to create memory store: %v", err)
	}
	ctx := context.Background()
	records := sampleRecords()

	if err := store.Save(ctx, records[:2]); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	// The exporter re-sends a batch after a failure; the archive must not grow.
	if err := store.Save(ctx, records); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	latest, err := store.ListLatest(ctx, 10)
	if err != nil {
		t.Fatalf("list latest failed: %v", err)
	}
	if len(latest) != 3 || latest[0].Kind != eventlog.KindBurned {
		t.Fatalf("unexpected latest: %+v", latest)
	}

	reloaded, err := NewMemoryEventStore(dir)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	byIntent, err := reloaded.ListByIntent(ctx, 1)
	if err != nil {
		t.Fatalf("list by intent failed: %v", err)
	}
	if len(byIntent) != 2 || byIntent[0].Kind != eventlog.KindIntentCreated || byIntent[1].Amount.Int64() != 40 {
		t.Fatalf("unexpected intent history: %+v", byIntent)
	}

	byIntent[1].Amount.SetInt64(0)
	again, _ := reloaded.ListByIntent(ctx, 1)
	if again[1].Amount.Int64() != 40 {
		t.Fatalf("stored amount was aliased")
	}
}

func TestSQLEventStoreSaveUsesTransaction(t *testing.T) {
	t.Parallel()

	records := sampleRecords()
	db, driver := newMockDB(t, []mockOperation{
		beginOp(),
		execOp(insertEventSQL, mockResult{rowsAffected: 1}),
		execOp(insertEventSQL, mockResult{rowsAffected: 0}),
		execOp(insertEventSQL, mockResult{rowsAffected: 1}),
		commitOp(),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	store := &SQLEventStore{db: db}
	if err := store.Save(context.Background(), records); err != nil {
		t.Fatalf("save failed: %v", err)
	}
}

func TestSQLEventStoreSaveRollsBack(t *testing.T) {
	t.Parallel()

	db, driver := newMockDB(t, []mockOperation{
		beginOp(),
		execOp(insertEventSQL, mockResult{rowsAffected: 1}),
		{typ: opExec, query: insertEventSQL, err: fmt.Errorf("connection reset")},
		rollbackOp(),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	store := &SQLEventStore{db: db}
	err := store.Save(context.Background(), sampleRecords())
	if err == nil || !strings.Contains(err.Error(), "STORAGE_FAILURE") {
		t.Fatalf("expected storage failure, got %v", err)
	}
}

func TestSQLEventStoreListByIntent(t *testing.T) {
	t.Parallel()

	hash := common.HexToHash("0xabc").Hex()
	zeroAddr := common.Address{}.Hex()
	zeroHash := common.Hash{}.Hex()
	rows := mockRowsData{
		columns: []string{"component", "seq", "kind", "contract", "caller", "account", "amount", "intent_id", "source_ref", "nonce",
			"fingerprint", "dest_domain_id", "dest_address", "status", "prev_status", "role", "tx_hash", "occurred_at"},
		values: [][]driver.Value{
			{"registry", int64(1), "IntentCreated", contract.Hex(), zeroAddr, user.Hex(), "40", int64(7), hash, int64(1),
				zeroHash, int64(10), zeroAddr, "Pending", "", "", zeroHash, int64(11)},
			{"receiver", int64(3), "Settled", contract.Hex(), zeroAddr, user.Hex(), "40", int64(7), hash, int64(0),
				zeroHash, int64(0), zeroAddr, "", "", "", hash, int64(20)},
		},
	}
	db, driver := newMockDB(t, []mockOperation{
		queryOp(`SELECT `+eventColumns+`
    FROM ledger_events WHERE intent_id = ? ORDER BY occurred_at ASC, component ASC, seq ASC`, rows),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	store := &SQLEventStore{db: db}
	list, err := store.ListByIntent(context.Background(), 7)
	if err != nil {
		t.Fatalf("list by intent failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("unexpected list: %+v", list)
	}
	if list[0].Account != user || list[0].Amount.Int64() != 40 || list[0].DestDomainID != 10 || list[0].Nonce != 1 {
		t.Fatalf("unexpected first record: %+v", list[0])
	}
	if list[1].Kind != eventlog.KindSettled || list[1].TxHash.Hex() != hash {
		t.Fatalf("unexpected second record: %+v", list[1])
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

func TestAlreadyApplied(t *testing.T) {
	if !alreadyApplied(fmt.Errorf("wrapped: %w", &mysql.MySQLError{Number: errDuplicateKeyName})) {
		t.Fatalf("duplicate key name should count as applied")
	}
	if alreadyApplied(&mysql.MySQLError{Number: 1146}) {
		t.Fatalf("missing table must not be ignored")
	}
}

func TestOpenDatabaseRejectsBadDSN(t *testing.T) {
	if _, err := openDatabase(context.Background(), Config{}); err == nil {
		t.Fatalf("empty DSN should fail")
	}
	if _, err := openDatabase(context.Background(), Config{DSN: "not a dsn"}); err == nil {
		t.Fatalf("malformed DSN should fail")
	}
}

func readMigrationStatement() string {
	content, err := fs.ReadFile(embeddedMigrations, "0001_create_ledger_events.sql")
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

func rollbackOp() mockOperation { return mockOperation{typ: opRollback} }

func (d *queueDriver) assertConsumed(t *testing.T) {
	t.Helper()

	if int(atomic.LoadInt32(&d.idx)) != len(d.ops) {
		t.Fatalf("not all operations consumed: %d/%d", atomic.LoadInt32(&d.idx), len(d.ops))
	}
}

func (d *queueDriver) Open(name string) (driver.Conn, error) {
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

func (c *mockConn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	op, err := c.driver.next(opBegin, "")
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &mockTx{driver: c.driver}, nil
}

func (c *mockConn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	op, err := c.driver.next(opExec, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return op.result, nil
}

func (c *mockConn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	op, err := c.driver.next(opQuery, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &mockRows{columns: op.rows.columns, values: op.rows.values}, nil
}

func (c *mockConn) Ping(ctx context.Context) error { return nil }

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
	if op.query != "" && normalizeSQL(op.query) != normalizeSQL(query) {
		return nil, fmt.Errorf("unexpected query. want %q got %q", normalizeSQL(op.query), normalizeSQL(query))
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
