package dispatcher

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/queue/memory"
)

// TestDispatcherRunStartsWorkers ensures workers begin processing and stop on cancel.
func TestDispatcherRunStartsWorkers(t *testing.T) {
	t.Parallel()

	started := make(chan struct{}, 3)
	runners := []Runner{}
	for range 3 {
		runners = append(runners, runnerFunc(func(ctx context.Context) error {
			started <- struct{}{}
			<-ctx.Done()
			return nil
		}))
	}
	dispatch := New(runners)
	require.Equal(t, 3, dispatch.Size())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- dispatch.Run(ctx) }()

	for range 3 {
		select {
		case <-started:
		case <-time.After(time.Second):
			t.Fatal("worker did not start")
		}
	}

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
}

// TestDispatcherRunReturnsWhenWorkersExit covers queue shutdown without cancellation.
func TestDispatcherRunReturnsWhenWorkersExit(t *testing.T) {
	t.Parallel()

	queue := memory.NewQueue(0)
	var handled atomic.Int32
	consume := runnerFunc(func(ctx context.Context) error {
		for {
			if _, err := queue.Dequeue(ctx); err != nil {
				return nil
			}
			handled.Add(1)
		}
	})
	dispatch := New([]Runner{consume, consume})
	for range 5 {
		require.NoError(t, queue.Enqueue(context.Background(), crawler.Task{Session: "s"}))
	}
	queue.Close()

	done := make(chan error, 1)
	go func() { done <- dispatch.Run(context.Background()) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not return after queue close")
	}
	require.EqualValues(t, 5, handled.Load())
}

// TestDispatcherRunStopsPoolOnWorkerError verifies one failing worker cancels its peers.
func TestDispatcherRunStopsPoolOnWorkerError(t *testing.T) {
	t.Parallel()

	errDown := errors.New("queue backend down")
	var canceled atomic.Int32
	blocker := runnerFunc(func(ctx context.Context) error {
		<-ctx.Done()
		canceled.Add(1)
		return nil
	})
	failing := runnerFunc(func(context.Context) error { return errDown })
	dispatch := New([]Runner{blocker, failing, blocker})

	done := make(chan error, 1)
	go func() { done <- dispatch.Run(context.Background()) }()

	select {
	case err := <-done:
		require.ErrorIs(t, err, errDown)
		require.Contains(t, err.Error(), "worker 1")
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after a worker error")
	}
	require.EqualValues(t, 2, canceled.Load())
}

type runnerFunc func(ctx context.Context) error

func (f runnerFunc) Run(ctx context.Context) error { return f(ctx) }
