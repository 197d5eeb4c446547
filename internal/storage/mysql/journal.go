package mysql

import (
	"context"
	"sync"
	"time"

	xerrors "mediad/internal/errors"
	"mediad/pkg/plugin"
	"mediad/pkg/value"
)

// LoadRecord 表示一次插件加载尝试的落库结构。
type LoadRecord struct {
	ID         int64
	ScanID     string
	Path       string
	ShortName  string
	Type       uint32
	APIVersion uint32
	Loaded     bool
	ErrorCode  string
	Error      string
	CreatedAt  int64
}

// RecordFromEvent 把注册表的加载事件转换为日志记录。
func RecordFromEvent(ev plugin.LoadEvent) LoadRecord {
	rec := LoadRecord{
		ScanID:     ev.ScanID,
		Path:       ev.Path,
		ShortName:  ev.ShortName,
		Type:       uint32(ev.Type),
		APIVersion: ev.APIVersion,
		Loaded:     ev.Loaded(),
		CreatedAt:  ev.At.UnixMilli(),
	}
	if ev.Err != nil {
		rec.ErrorCode = string(xerrors.CodeOf(ev.Err))
		rec.Error = xerrors.MessageOf(ev.Err)
	}
	return rec
}

// Value 返回记录的字典表示，用于 load_journal 命令。
func (r LoadRecord) Value() value.Value {
	entries := map[string]value.Value{
		"scan":        value.String(r.ScanID),
		"path":        value.String(r.Path),
		"shortname":   value.String(r.ShortName),
		"type":        value.UInt32(r.Type),
		"api_version": value.UInt32(r.APIVersion),
		"loaded":      value.UInt32(boolToUint(r.Loaded)),
		"at":          value.String(formatMillis(r.CreatedAt)),
	}
	if !r.Loaded {
		entries["code"] = value.String(r.ErrorCode)
		entries["error"] = value.String(r.Error)
	}
	return value.Dict(entries)
}

// LoadJournal 抽象插件加载日志的持久化接口。
type LoadJournal interface {
	Record(ctx context.Context, record LoadRecord) error
	Recent(ctx context.Context, limit int) ([]LoadRecord, error)
	Close() error
}

// MemoryLoadJournal 在内存中保留最近的若干条记录。
type MemoryLoadJournal struct {
	mu       sync.RWMutex
	capacity int
	nextID   int64
	records  []LoadRecord
}

// NewMemoryLoadJournal 创建容量为 capacity 的内存日志。
func NewMemoryLoadJournal(capacity int) *MemoryLoadJournal {
	if capacity <= 0 {
		capacity = 256
	}
	return &MemoryLoadJournal{capacity: capacity}
}

// Record 以倒序插入记录，超出容量时丢弃最旧的条目。
func (m *MemoryLoadJournal) Record(_ context.Context, record LoadRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	record.ID = m.nextID
	m.records = append([]LoadRecord{record}, m.records...)
	if len(m.records) > m.capacity {
		m.records = m.records[:m.capacity]
	}
	return nil
}

// Recent 返回最近的记录，按时间倒序排列。
func (m *MemoryLoadJournal) Recent(_ context.Context, limit int) ([]LoadRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.records) {
		limit = len(m.records)
	}
	results := make([]LoadRecord, limit)
	copy(results, m.records[:limit])
	return results, nil
}

// Close 实现 LoadJournal。
func (m *MemoryLoadJournal) Close() error { return nil }

func boolToUint(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

func formatMillis(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}
