package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	q, err := New(client, Config{Key: "test:queue", PollTimeout: 50 * time.Millisecond})
	require.NoError(t, err)
	return q, mr
}

func TestQueueFIFO(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q, _ := newTestQueue(t)
	first := crawler.Task{Session: "k", Path: "/browse/k", Kind: crawler.KindRoot, RootPath: "/browse/k", Submitted: 1}
	second := crawler.Task{Session: "k", Path: "/learn/a", Kind: crawler.KindLeaf, RootPath: "/browse/k", Submitted: 2}
	require.NoError(t, q.Enqueue(ctx, first))
	require.NoError(t, q.Enqueue(ctx, second))

	n, err := q.Len(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, first, got)
	got, err = q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, second, got)
}

func TestQueueDequeueHonorsContext(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t)
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := q.Dequeue(ctx)
	require.Error(t, err)
	require.True(t, errors.Is(err, context.DeadlineExceeded))
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestQueueRejectsGarbage(t *testing.T) {
	t.Parallel()

	q, mr := newTestQueue(t)
	_, err := mr.Lpush("test:queue", "{not json")
	require.NoError(t, err)
	_, err = q.Dequeue(context.Background())
	require.Error(t, err)
}

func TestNewRequiresClient(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{})
	require.Error(t, err)
}
