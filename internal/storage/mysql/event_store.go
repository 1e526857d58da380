package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	xerrors "Intent-Ledger/internal/errors"
	"Intent-Ledger/internal/eventlog"
)

// EventStore 抽象账本事件归档。Save 必须幂等。
type EventStore interface {
	Save(ctx context.Context, records []eventlog.Record) error
	ListByIntent(ctx context.Context, intentID uint64) ([]eventlog.Record, error)
	ListLatest(ctx context.Context, limit int) ([]eventlog.Record, error)
}

const eventColumns = `component, seq, kind, contract, caller, account, amount, intent_id, source_ref, nonce,
    fingerprint, dest_domain_id, dest_address, status, prev_status, role, tx_hash, occurred_at`

const insertEventSQL = `INSERT IGNORE INTO ledger_events
    (` + eventColumns + `)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// SQLEventStore 使用 MySQL 归档账本事件。
type SQLEventStore struct {
	db *sql.DB
}

// NewSQLEventStore 创建连接池并执行迁移。
func NewSQLEventStore(ctx context.Context, cfg Config) (*SQLEventStore, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLEventStore{db: db}, nil
}

// Close releases the underlying database connection pool.
func (s *SQLEventStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Save 在单个事务中写入一批事件，已存在的 (component, seq) 被忽略。
func (s *SQLEventStore) Save(ctx context.Context, records []eventlog.Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	for _, rec := range records {
		if _, err := tx.ExecContext(ctx, insertEventSQL, eventArgs(rec)...); err != nil {
			tx.Rollback()
			return xerrors.Wrap(xerrors.CodeStorageFailure, err,
				fmt.Sprintf("写入事件 %s/%d 失败", rec.Component, rec.Seq))
		}
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交事务失败")
	}
	return nil
}

// ListByIntent 返回与意图相关的全部事件，按发生顺序排列。
func (s *SQLEventStore) ListByIntent(ctx context.Context, intentID uint64) ([]eventlog.Record, error) {
	query := `SELECT ` + eventColumns + `
    FROM ledger_events WHERE intent_id = ? ORDER BY occurred_at ASC, component ASC, seq ASC`
	return s.query(ctx, query, intentID)
}

// ListLatest 返回最近的事件，按时间倒序排列。
func (s *SQLEventStore) ListLatest(ctx context.Context, limit int) ([]eventlog.Record, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + eventColumns + `
    FROM ledger_events ORDER BY occurred_at DESC, seq DESC LIMIT ?`
	return s.query(ctx, query, limit)
}

func (s *SQLEventStore) query(ctx context.Context, query string, args ...any) ([]eventlog.Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询事件失败")
	}
	defer rows.Close()

	var records []eventlog.Record
	for rows.Next() {
		rec, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历事件失败")
	}
	return records, nil
}

func eventArgs(rec eventlog.Record) []any {
	amount := ""
	if rec.Amount != nil {
		amount = rec.Amount.String()
	}
	return []any{
		string(rec.Component),
		rec.Seq,
		string(rec.Kind),
		rec.Contract.Hex(),
		rec.Caller.Hex(),
		rec.Account.Hex(),
		amount,
		rec.IntentID,
		rec.SourceRef.Hex(),
		rec.Nonce,
		rec.Fingerprint.Hex(),
		rec.DestDomainID,
		rec.DestAddress.Hex(),
		rec.Status,
		rec.PrevStatus,
		rec.Role,
		rec.TxHash.Hex(),
		rec.At,
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (eventlog.Record, error) {
	var (
		rec                                    eventlog.Record
		component, kind, amount                string
		contract, caller, account, destAddress string
		sourceRef, fingerprint, txHash         string
	)
	if err := row.Scan(
		&component, &rec.Seq, &kind, &contract, &caller, &account, &amount, &rec.IntentID,
		&sourceRef, &rec.Nonce, &fingerprint, &rec.DestDomainID, &destAddress,
		&rec.Status, &rec.PrevStatus, &rec.Role, &txHash, &rec.At,
	); err != nil {
		return eventlog.Record{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析事件失败")
	}
	rec.Component = eventlog.Component(component)
	rec.Kind = eventlog.Kind(kind)
	rec.Contract = common.HexToAddress(contract)
	rec.Caller = common.HexToAddress(caller)
	rec.Account = common.HexToAddress(account)
	rec.DestAddress = common.HexToAddress(destAddress)
	rec.SourceRef = common.HexToHash(sourceRef)
	rec.Fingerprint = common.HexToHash(fingerprint)
	rec.TxHash = common.HexToHash(txHash)
	if amount = strings.TrimSpace(amount); amount != "" {
		v, ok := new(big.Int).SetString(amount, 10)
		if !ok {
			return eventlog.Record{}, xerrors.New(xerrors.CodeStorageFailure, fmt.Sprintf("事件金额 %q 无法解析", amount))
		}
		rec.Amount = v
	}
	return rec, nil
}
