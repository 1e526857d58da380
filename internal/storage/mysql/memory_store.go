package mysql

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"

	xerrors "Intent-Ledger/internal/errors"
	"Intent-Ledger/internal/eventlog"
)

type eventKey struct {
	component eventlog.Component
	seq       uint64
}

// MemoryEventStore 在内存中归档事件，可选地以 JSON 行追加写入本地文件，
// 方便在没有 MySQL 的环境下迭代开发。
type MemoryEventStore struct {
	mu       sync.RWMutex
	dataFile string
	seen     map[eventKey]struct{}
	records  []eventlog.Record
}

// NewMemoryEventStore 创建内存事件归档。dataDir 为空时不落盘。
func NewMemoryEventStore(dataDir string) (*MemoryEventStore, error) {
	store := &MemoryEventStore{seen: make(map[eventKey]struct{})}
	if dataDir == "" {
		return store, nil
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建数据目录失败")
	}
	store.dataFile = filepath.Join(dataDir, "ledger_events.log")
	if err := store.loadFromDisk(); err != nil {
		return nil, err
	}
	return store, nil
}

// Save 追加写入尚未归档的事件。
func (m *MemoryEventStore) Save(_ context.Context, records []eventlog.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var fresh []eventlog.Record
	for _, rec := range records {
		key := eventKey{component: rec.Component, seq: rec.Seq}
		if _, ok := m.seen[key]; ok {
			continue
		}
		fresh = append(fresh, rec.Clone())
	}
	if len(fresh) == 0 {
		return nil
	}
	if err := m.appendToDisk(fresh); err != nil {
		return err
	}
	for _, rec := range fresh {
		m.seen[eventKey{component: rec.Component, seq: rec.Seq}] = struct{}{}
		m.records = append(m.records, rec)
	}
	return nil
}

// ListByIntent 返回与意图相关的事件，按发生顺序排列。
func (m *MemoryEventStore) ListByIntent(_ context.Context, intentID uint64) ([]eventlog.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []eventlog.Record
	for _, rec := range m.records {
		if rec.IntentID == intentID {
			results = append(results, rec.Clone())
		}
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].At != results[j].At {
			return results[i].At < results[j].At
		}
		if results[i].Component != results[j].Component {
			return results[i].Component < results[j].Component
		}
		return results[i].Seq < results[j].Seq
	})
	return results, nil
}

// ListLatest 返回最近的事件，按时间倒序排列。
func (m *MemoryEventStore) ListLatest(_ context.Context, limit int) ([]eventlog.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.records) {
		limit = len(m.records)
	}
	results := make([]eventlog.Record, 0, limit)
	for i := len(m.records) - 1; i >= 0 && len(results) < limit; i-- {
		results = append(results, m.records[i].Clone())
	}
	return results, nil
}

func (m *MemoryEventStore) appendToDisk(records []eventlog.Record) error {
	if m.dataFile == "" {
		return nil
	}
	file, err := os.OpenFile(m.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开事件日志失败")
	}
	defer file.Close()

	w := bufio.NewWriter(file)
	for _, rec := range records {
		encoded, err := json.Marshal(rec)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化事件失败")
		}
		w.Write(append(encoded, '\n'))
	}
	if err := w.Flush(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入事件日志失败")
	}
	return nil
}

func (m *MemoryEventStore) loadFromDisk() error {
	file, err := os.OpenFile(m.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取事件日志失败")
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var rec eventlog.Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		key := eventKey{component: rec.Component, seq: rec.Seq}
		if _, ok := m.seen[key]; ok {
			continue
		}
		m.seen[key] = struct{}{}
		m.records = append(m.records, rec)
	}
	if err := scanner.Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析事件日志失败")
	}
	return nil
}
