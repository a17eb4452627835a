package saga

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Store 执行记录存储接口.
type Store interface {
	// Save 保存执行记录，同一 ID 覆盖.
	Save(ctx context.Context, record *Record) error

	// Get 获取执行记录.
	Get(ctx context.Context, id string) (*Record, error)

	// Delete 删除执行记录.
	Delete(ctx context.Context, id string) error

	// List 列出指定状态的执行记录，按开始时间倒序，limit <= 0 表示不限制.
	List(ctx context.Context, status Status, limit int) ([]*Record, error)
}

// MemoryStore 基于内存的记录存储.
//
// 适用于单机部署或测试场景.
type MemoryStore struct {
	mu        sync.RWMutex
	data      map[string]*Record
	retention time.Duration
	now       func() time.Time
}

// MemoryOption MemoryStore 配置选项.
type MemoryOption func(*MemoryStore)

// WithRetention 终态记录保留时长，超过后在下次写入时清理，0 表示永久保留.
func WithRetention(d time.Duration) MemoryOption {
	return func(s *MemoryStore) {
		s.retention = d
	}
}

// NewMemoryStore 创建内存存储.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		data: make(map[string]*Record),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Save 保存执行记录.
func (s *MemoryStore) Save(_ context.Context, record *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[record.ID] = record.Clone()
	s.cleanupLocked()
	return nil
}

// Get 获取执行记录.
func (s *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.data[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	return record.Clone(), nil
}

// Delete 删除执行记录.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, id)
	return nil
}

// List 列出指定状态的执行记录.
func (s *MemoryStore) List(_ context.Context, status Status, limit int) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Record
	for _, record := range s.data {
		if record.Status == status {
			result = append(result, record.Clone())
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].StartedAt.After(result[j].StartedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Len 返回记录数量.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Ping 实现就绪检查.
func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

// cleanupLocked 清理超过保留时长的终态记录.
func (s *MemoryStore) cleanupLocked() {
	if s.retention <= 0 {
		return
	}

	now := s.now()
	for id, record := range s.data {
		if record.Status.IsTerminal() && record.FinishedAt != nil && now.Sub(*record.FinishedAt) > s.retention {
			delete(s.data, id)
		}
	}
}

// NopStore 空存储，不保存任何记录.
//
// 适用于不需要持久化记录的场景.
type NopStore struct{}

// NewNopStore 创建空存储.
func NewNopStore() *NopStore {
	return &NopStore{}
}

// Save 保存记录（空实现）.
func (s *NopStore) Save(context.Context, *Record) error {
	return nil
}

// Get 获取记录（始终返回未找到）.
func (s *NopStore) Get(_ context.Context, id string) (*Record, error) {
	return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
}

// Delete 删除记录（空实现）.
func (s *NopStore) Delete(context.Context, string) error {
	return nil
}

// List 列出记录（返回空列表）.
func (s *NopStore) List(context.Context, Status, int) ([]*Record, error) {
	return nil, nil
}

// Ping 实现就绪检查.
func (s *NopStore) Ping(context.Context) error {
	return nil
}
