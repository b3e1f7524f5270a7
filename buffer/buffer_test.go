package buffer

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testItem struct {
	ID   int    `json:"id"`
	Keep bool   `json:"keep"`
	Name string `json:"name"`
}

// testProcessor writes every item that is not marked Keep.
type testProcessor struct {
	mu        sync.Mutex
	batchSize int
	fail      error
	seen      [][]testItem
}

func (p *testProcessor) BatchSize(context.Context) int {
	return p.batchSize
}

func (p *testProcessor) ProcessQueue(_ context.Context, items []QueueItem[testItem]) ([]QueueItem[testItem], error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return nil, p.fail
	}
	var batch []testItem
	var written []QueueItem[testItem]
	for _, item := range items {
		if item.Event.Keep {
			continue
		}
		batch = append(batch, item.Event)
		written = append(written, item)
	}
	p.seen = append(p.seen, batch)
	return written, nil
}

func (p *testProcessor) written() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	var ids []int
	for _, batch := range p.seen {
		for _, item := range batch {
			ids = append(ids, item.ID)
		}
	}
	return ids
}

func newTestBuffer(t *testing.T, p *testProcessor, onCompleted OnCompleted[testItem]) (*Buffer[testItem], *RedisListStore) {
	_, client := withRedis(t)
	store := NewRedisListStore(client)
	return NewBuffer[testItem]("test", store, p, onCompleted), store
}

func TestBuffer_FlushRemovesOnlyProcessedItems(t *testing.T) {
	p := &testProcessor{batchSize: 100}
	var completed []testItem
	b, store := newTestBuffer(t, p, func(_ context.Context, values []testItem) {
		completed = append(completed, values...)
	})
	ctx := context.Background()

	require.NoError(t, b.Insert(ctx, testItem{ID: 1}))
	require.NoError(t, b.Insert(ctx, testItem{ID: 2, Keep: true}))
	require.NoError(t, b.Insert(ctx, testItem{ID: 3}))

	indices, err := b.Flush(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{0, 2}, indices)
	assert.ElementsMatch(t, []testItem{{ID: 1}, {ID: 3}}, completed)

	remaining, err := store.ReadRange(ctx, b.Key(), 0)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Contains(t, remaining[0], `"id":2`)
}

func TestBuffer_FlushEmptyHasNoSideEffects(t *testing.T) {
	p := &testProcessor{batchSize: 10}
	called := false
	b, _ := newTestBuffer(t, p, func(context.Context, []testItem) { called = true })

	indices, err := b.Flush(context.Background())
	require.NoError(t, err)
	assert.Empty(t, indices)
	assert.False(t, called)
	assert.Empty(t, p.seen)
}

func TestBuffer_ProcessFailureKeepsBatchAndQuarantines(t *testing.T) {
	mr, client := withRedis(t)
	p := &testProcessor{batchSize: 10, fail: errors.New("clickhouse down")}
	b := NewBuffer[testItem]("test", NewRedisListStore(client), p, nil)
	ctx := context.Background()

	require.NoError(t, b.Insert(ctx, testItem{ID: 1}))
	require.NoError(t, b.Insert(ctx, testItem{ID: 2}))

	indices, err := b.Flush(ctx)
	assert.Error(t, err)
	assert.Nil(t, indices)

	list, err := mr.List(b.Key())
	require.NoError(t, err)
	assert.Len(t, list, 2)

	var failedKey string
	for _, key := range mr.Keys() {
		if strings.HasPrefix(key, b.Key()+":failed:") {
			failedKey = key
		}
	}
	require.NotEmpty(t, failedKey)
	assert.Equal(t, "clickhouse down", mr.HGet(failedKey, "error"))
	assert.JSONEq(t, `[{"id":1,"keep":false,"name":""},{"id":2,"keep":false,"name":""}]`, mr.HGet(failedKey, "data"))
}

func TestBuffer_AtLeastOnceAcrossFailures(t *testing.T) {
	p := &testProcessor{batchSize: 100, fail: errors.New("transient")}
	b, store := newTestBuffer(t, p, nil)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		require.NoError(t, b.Insert(ctx, testItem{ID: i}))
	}
	_, err := b.Flush(ctx)
	require.Error(t, err)
	assert.Empty(t, p.written())

	require.NoError(t, b.Insert(ctx, testItem{ID: 6}))
	p.fail = nil
	_, err = b.Flush(ctx)
	require.NoError(t, err)

	_, err = b.Flush(ctx)
	require.NoError(t, err)

	assert.Equal(t, []int{1, 2, 3, 4, 5, 6}, p.written())
	length, err := store.Length(ctx, b.Key())
	require.NoError(t, err)
	assert.Zero(t, length)
}

func TestBuffer_FlushReadsAtMostBatchSize(t *testing.T) {
	p := &testProcessor{batchSize: 2}
	b, store := newTestBuffer(t, p, nil)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		require.NoError(t, store.Append(ctx, b.Key(), []byte(`{"id":`+string(rune('0'+i))+`}`)))
	}

	indices, err := b.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, indices)
	assert.Equal(t, []int{1, 2}, p.written())

	length, err := store.Length(ctx, b.Key())
	require.NoError(t, err)
	assert.Equal(t, int64(1), length)
}

func TestBuffer_MalformedItemsAreDropped(t *testing.T) {
	p := &testProcessor{batchSize: 10}
	b, store := newTestBuffer(t, p, nil)
	ctx := context.Background()

	require.NoError(t, b.Insert(ctx, testItem{ID: 1}))
	require.NoError(t, store.Append(ctx, b.Key(), []byte("not json")))
	require.NoError(t, b.Insert(ctx, testItem{ID: 2, Keep: true}))

	indices, err := b.Flush(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{0, 1}, indices)
	assert.Equal(t, []int{1}, p.written())

	remaining, err := store.ReadRange(ctx, b.Key(), 0)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Contains(t, remaining[0], `"id":2`)
}

func TestBuffer_ReadFailureAbortsFlush(t *testing.T) {
	mr, client := withRedis(t)
	p := &testProcessor{batchSize: 10}
	b := NewBuffer[testItem]("test", NewRedisListStore(client), p, nil)

	mr.SetError("connection reset")
	indices, err := b.Flush(context.Background())
	assert.Error(t, err)
	assert.Nil(t, indices)
	assert.Empty(t, p.seen)
}

func TestBuffer_InsertPropagatesStoreErrors(t *testing.T) {
	mr, client := withRedis(t)
	p := &testProcessor{batchSize: 10}
	b := NewBuffer[testItem]("test", NewRedisListStore(client), p, nil)

	mr.SetError("read only replica")
	assert.Error(t, b.Insert(context.Background(), testItem{ID: 1}))
}

// lengthFailingStore stores items but cannot report the list length.
type lengthFailingStore struct {
	*RedisListStore
}

func (s lengthFailingStore) Length(context.Context, string) (int64, error) {
	return 0, errors.New("connection reset")
}

func TestBuffer_InsertSucceedsWhenLengthFails(t *testing.T) {
	mr, client := withRedis(t)
	p := &testProcessor{batchSize: 1}
	b := NewBuffer[testItem]("test", lengthFailingStore{NewRedisListStore(client)}, p, nil)

	require.NoError(t, b.Insert(context.Background(), testItem{ID: 1}))
	b.Wait()

	list, err := mr.List(b.Key())
	require.NoError(t, err)
	assert.Len(t, list, 1)
	assert.Empty(t, p.written())
}

// deadlineProcessor records the deadline of the context it processes under.
type deadlineProcessor struct {
	deadline time.Time
	ok       bool
}

func (p *deadlineProcessor) BatchSize(context.Context) int {
	return 10
}

func (p *deadlineProcessor) ProcessQueue(ctx context.Context, items []QueueItem[testItem]) ([]QueueItem[testItem], error) {
	p.deadline, p.ok = ctx.Deadline()
	return items, nil
}

func TestBuffer_FlushFinishesBeforeLockExpires(t *testing.T) {
	_, client := withRedis(t)
	p := &deadlineProcessor{}
	b := NewBuffer[testItem]("test", NewRedisListStore(client), p, nil)
	ctx := context.Background()

	require.NoError(t, b.Insert(ctx, testItem{ID: 1}))
	start := time.Now()
	_, err := b.Flush(ctx)
	require.NoError(t, err)

	require.True(t, p.ok)
	assert.True(t, p.deadline.Before(start.Add(flushLockTTL)))
}

func TestBuffer_InsertTriggersFlushAtBatchSize(t *testing.T) {
	p := &testProcessor{batchSize: 3}
	b, store := newTestBuffer(t, p, nil)
	ctx := context.Background()

	require.NoError(t, b.Insert(ctx, testItem{ID: 1}))
	require.NoError(t, b.Insert(ctx, testItem{ID: 2}))
	b.Wait()
	assert.Empty(t, p.written())

	require.NoError(t, b.Insert(ctx, testItem{ID: 3}))
	b.Wait()

	assert.Equal(t, []int{1, 2, 3}, p.written())
	length, err := store.Length(ctx, b.Key())
	require.NoError(t, err)
	assert.Zero(t, length)
}

func TestBuffer_ConcurrentFlushesWriteEachItemOnce(t *testing.T) {
	p := &testProcessor{batchSize: 1000}
	b, _ := newTestBuffer(t, p, nil)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		require.NoError(t, b.Insert(ctx, testItem{ID: i}))
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := b.Flush(ctx)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	_, err := b.Flush(ctx)
	require.NoError(t, err)

	written := p.written()
	assert.Len(t, written, 50)
	seen := make(map[int]bool)
	for _, id := range written {
		assert.False(t, seen[id], "item %d written twice", id)
		seen[id] = true
	}
}

func TestBuffer_FindAndFindMany(t *testing.T) {
	p := &testProcessor{batchSize: 100}
	b, _ := newTestBuffer(t, p, nil)
	ctx := context.Background()

	require.NoError(t, b.Insert(ctx, testItem{ID: 1, Name: "a"}))
	require.NoError(t, b.Insert(ctx, testItem{ID: 2, Name: "b"}))
	require.NoError(t, b.Insert(ctx, testItem{ID: 3, Name: "a"}))

	found, ok, err := b.Find(ctx, func(item testItem) bool { return item.Name == "a" })
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, found.ID)

	_, ok, err = b.Find(ctx, func(item testItem) bool { return item.Name == "z" })
	require.NoError(t, err)
	assert.False(t, ok)

	many, err := b.FindMany(ctx, func(item testItem) bool { return item.Name == "a" })
	require.NoError(t, err)
	assert.Equal(t, []testItem{{ID: 1, Name: "a"}, {ID: 3, Name: "a"}}, many)
}
