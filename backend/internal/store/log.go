package store

import (
	"context"
	"sort"
	"sync"
)

// Log 是修订存储的持久化一侧，键为 (documentID, revisionID)，对已有键 Put 会覆盖
type Log interface {
	Put(ctx context.Context, docID string, revID int64, data []byte) error
	// 按升序返回 lo <= id <= hi 的条目
	GetRange(ctx context.Context, docID string, lo, hi int64) ([]Entry, error)
	DeleteRange(ctx context.Context, docID string, lo, hi int64) error
	PutSnapshot(ctx context.Context, docID string, revID int64, data []byte) error
	// 文档从未压缩过时返回 ErrNotFound
	GetSnapshot(ctx context.Context, docID string) (int64, []byte, error)
}

type Entry struct {
	RevisionID int64
	Data       []byte
}

type snapshotEntry struct {
	revID int64
	data  []byte
}

// MemoryLog 全部放在进程内存里
type MemoryLog struct {
	mu        sync.RWMutex
	docs      map[string]map[int64][]byte
	snapshots map[string]snapshotEntry
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		docs:      make(map[string]map[int64][]byte),
		snapshots: make(map[string]snapshotEntry),
	}
}

func (m *MemoryLog) Put(_ context.Context, docID string, revID int64, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.docs[docID] == nil {
		m.docs[docID] = make(map[int64][]byte)
	}
	m.docs[docID][revID] = append([]byte(nil), data...)
	return nil
}

func (m *MemoryLog) GetRange(_ context.Context, docID string, lo, hi int64) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Entry
	for id, data := range m.docs[docID] {
		if id >= lo && id <= hi {
			out = append(out, Entry{RevisionID: id, Data: data})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RevisionID < out[j].RevisionID })
	return out, nil
}

func (m *MemoryLog) DeleteRange(_ context.Context, docID string, lo, hi int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.docs[docID] {
		if id >= lo && id <= hi {
			delete(m.docs[docID], id)
		}
	}
	return nil
}

func (m *MemoryLog) PutSnapshot(_ context.Context, docID string, revID int64, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[docID] = snapshotEntry{revID: revID, data: append([]byte(nil), data...)}
	return nil
}

func (m *MemoryLog) GetSnapshot(_ context.Context, docID string) (int64, []byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.snapshots[docID]
	if !ok {
		return 0, nil, ErrNotFound
	}
	return s.revID, s.data, nil
}
