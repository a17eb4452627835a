package saga

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

func sampleRecord(id string, status Status, started time.Time) *Record {
	r := newRecord(id, "order", started)
	r.Status = status
	r.append(LogEntry{Step: "reserve", Status: EntryCompleted, Snapshot: Data{"sku": "A-1"}, At: started})
	return r
}

// StoreTestSuite 对所有 Store 实现执行相同的用例.
type StoreTestSuite struct {
	suite.Suite
	newStore func() Store
	store    Store
}

func (s *StoreTestSuite) SetupTest() {
	s.store = s.newStore()
}

func (s *StoreTestSuite) TestSaveGet() {
	ctx := context.Background()
	record := sampleRecord("exec-1", StatusRunning, time.Unix(100, 0))
	s.Require().NoError(s.store.Save(ctx, record))

	got, err := s.store.Get(ctx, "exec-1")
	s.Require().NoError(err)
	s.Equal("order", got.Saga)
	s.Equal(StatusRunning, got.Status)
	s.Require().Len(got.Log, 1)
	s.Equal("A-1", got.Log[0].Snapshot.GetString("sku"))

	record.Status = StatusCommitted
	s.Require().NoError(s.store.Save(ctx, record))
	got, err = s.store.Get(ctx, "exec-1")
	s.Require().NoError(err)
	s.Equal(StatusCommitted, got.Status, "同一 ID 覆盖")

	_, err = s.store.Get(ctx, "missing")
	s.ErrorIs(err, ErrRecordNotFound)
}

func (s *StoreTestSuite) TestListByStatus() {
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0)
	for i := 0; i < 5; i++ {
		status := StatusCommitted
		if i%2 == 1 {
			status = StatusRollbackIncomplete
		}
		s.Require().NoError(s.store.Save(ctx, sampleRecord(fmt.Sprintf("exec-%d", i), status, base.Add(time.Duration(i)*time.Second))))
	}

	committed, err := s.store.List(ctx, StatusCommitted, 0)
	s.Require().NoError(err)
	s.Len(committed, 3)
	s.Equal("exec-4", committed[0].ID, "按开始时间倒序")

	incomplete, err := s.store.List(ctx, StatusRollbackIncomplete, 1)
	s.Require().NoError(err)
	s.Require().Len(incomplete, 1)
	s.Equal("exec-3", incomplete[0].ID)

	// 状态变化后从旧索引移除
	moved := sampleRecord("exec-3", StatusCommitted, base.Add(3*time.Second))
	s.Require().NoError(s.store.Save(ctx, moved))
	incomplete, err = s.store.List(ctx, StatusRollbackIncomplete, 0)
	s.Require().NoError(err)
	s.Len(incomplete, 1)
	s.Equal("exec-1", incomplete[0].ID)
}

func (s *StoreTestSuite) TestDelete() {
	ctx := context.Background()
	s.Require().NoError(s.store.Save(ctx, sampleRecord("exec-1", StatusCommitted, time.Unix(1, 0))))
	s.Require().NoError(s.store.Delete(ctx, "exec-1"))
	s.Require().NoError(s.store.Delete(ctx, "exec-1"))

	_, err := s.store.Get(ctx, "exec-1")
	s.ErrorIs(err, ErrRecordNotFound)

	list, err := s.store.List(ctx, StatusCommitted, 0)
	s.Require().NoError(err)
	s.Empty(list)
}

func TestMemoryStoreSuite(t *testing.T) {
	suite.Run(t, &StoreTestSuite{newStore: func() Store { return NewMemoryStore() }})
}

func TestRedisStoreSuite(t *testing.T) {
	mr := miniredis.RunT(t)
	suite.Run(t, &StoreTestSuite{newStore: func() Store {
		mr.FlushAll()
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		return NewRedisStore(client)
	}})
}

func TestRedisStore_TTLAndPrefix(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	store := NewRedisStore(client, WithRedisPrefix("test:"), WithRedisTTL(time.Minute))
	ctx := context.Background()
	require.NoError(t, store.Ping(ctx))
	require.NoError(t, store.Save(ctx, sampleRecord("exec-1", StatusCommitted, time.Unix(1, 0))))

	assert.True(t, mr.Exists("test:record:exec-1"))
	assert.Equal(t, time.Minute, mr.TTL("test:record:exec-1"))

	mr.FastForward(2 * time.Minute)
	list, err := store.List(ctx, StatusCommitted, 0)
	require.NoError(t, err)
	assert.Empty(t, list, "过期记录不返回")

	members, err := mr.ZMembers("test:status:committed")
	if err == nil {
		assert.Empty(t, members, "过期记录从索引移除")
	}
}

func TestRedisStore_WithOrchestrator(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	store := NewRedisStore(client)
	orch := NewOrchestrator(WithStore(store))
	def := New("order").
		Step("reserve", func(context.Context, Data) (Data, error) { return Data{"qty": 2}, nil }, nil).
		Build()

	_, record, err := orch.Execute(context.Background(), def, nil)
	require.NoError(t, err)

	got, err := store.Get(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCommitted, got.Status)
	assert.NotNil(t, got.FinishedAt)
	assert.Equal(t, 2, got.Context.GetInt("qty"), "JSON 数字解码为 float64")

	running, err := store.List(context.Background(), StatusRunning, 0)
	require.NoError(t, err)
	assert.Empty(t, running)
}

func TestMemoryStore_Retention(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	store := NewMemoryStore(WithRetention(time.Hour))
	store.now = func() time.Time { return now }

	ctx := context.Background()
	finished := sampleRecord("old", StatusCommitted, now.Add(-3*time.Hour))
	at := now.Add(-2 * time.Hour)
	finished.FinishedAt = &at
	require.NoError(t, store.Save(ctx, finished))
	assert.Equal(t, 0, store.Len(), "超过保留时长的终态记录被清理")

	running := sampleRecord("running", StatusRunning, now.Add(-3*time.Hour))
	require.NoError(t, store.Save(ctx, running))
	assert.Equal(t, 1, store.Len(), "未结束的记录不清理")
}

func TestMemoryStore_Isolation(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	record := sampleRecord("exec-1", StatusRunning, time.Unix(1, 0))
	require.NoError(t, store.Save(ctx, record))

	record.Log[0].Snapshot["sku"] = "changed"
	got, err := store.Get(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, "A-1", got.Log[0].Snapshot.GetString("sku"))
}

func TestNopStore(t *testing.T) {
	store := NewNopStore()
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, sampleRecord("exec-1", StatusRunning, time.Now())))
	_, err := store.Get(ctx, "exec-1")
	assert.ErrorIs(t, err, ErrRecordNotFound)
	list, err := store.List(ctx, StatusRunning, 0)
	assert.NoError(t, err)
	assert.Empty(t, list)
	assert.NoError(t, store.Ping(ctx))
}
