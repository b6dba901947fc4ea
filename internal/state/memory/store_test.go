package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

func TestMarkProcessingFirstSeenOnly(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore()

	ok, err := s.MarkProcessing(ctx, "data-science", "/learn/a")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.MarkProcessing(ctx, "data-science", "/learn/a")
	require.NoError(t, err)
	require.False(t, ok, "processing URL must not be re-dispatched")

	require.NoError(t, s.MarkFinished(ctx, "data-science", "/learn/a"))
	ok, err = s.MarkProcessing(ctx, "data-science", "/learn/a")
	require.NoError(t, err)
	require.False(t, ok, "finished URL must not be re-dispatched")

	ok, err = s.MarkProcessing(ctx, "business", "/learn/a")
	require.NoError(t, err)
	require.True(t, ok, "sessions are independent")
}

func TestMarkProcessingConcurrentDedup(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore()
	const callers = 64
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.MarkProcessing(ctx, "k", "/learn/same")
			if err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), wins.Load())
}

func TestDrainCompleteness(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		path := fmt.Sprintf("/learn/c-%d", i)
		ok, err := s.MarkProcessing(ctx, "k", path)
		require.NoError(t, err)
		require.True(t, ok)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.MarkFinished(ctx, "k", path)
		}()
	}
	wg.Wait()

	stats, err := s.Stats(ctx, "k")
	require.NoError(t, err)
	require.Zero(t, stats.Processing)
	require.EqualValues(t, 50, stats.Finished)
	require.True(t, stats.Complete())
}

func TestRecordsKeepInsertionOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore()
	require.NoError(t, s.PutRecord(ctx, "k", "/learn/b", crawler.Record{Name: "B"}))
	require.NoError(t, s.PutRecord(ctx, "k", "/learn/a", crawler.Record{Name: "A", Providers: []string{"X"}}))
	require.NoError(t, s.PutRecord(ctx, "k", "/learn/b", crawler.Record{Name: "B2"}))

	recs, err := s.Records(ctx, "k")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, "B2", recs[0].Name)
	require.Equal(t, "A", recs[1].Name)

	recs[1].Providers[0] = "mutated"
	again, err := s.Records(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "X", again[1].Providers[0])

	count, err := s.RecordCount(ctx, "k")
	require.NoError(t, err)
	require.EqualValues(t, 2, count)
}

func TestBeginSessionClaimsOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore()

	ok, err := s.BeginSession(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	phase, err := s.Phase(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, crawler.PhaseSeeding, phase)

	ok, err = s.BeginSession(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)

	_, _ = s.MarkProcessing(ctx, "k", "/learn/a")
	require.NoError(t, s.SetPhase(ctx, "k", crawler.PhaseEmpty))
	ok, err = s.BeginSession(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok, "old crawl still has /learn/a in flight")

	require.NoError(t, s.MarkFinished(ctx, "k", "/learn/a"))
	ok, err = s.BeginSession(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok, "terminal sessions can restart once drained")

	stats, err := s.Stats(ctx, "k")
	require.NoError(t, err)
	require.Zero(t, stats.Finished, "restart clears old sets")
}

func TestFailedPhaseIsSticky(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore()
	ok, err := s.BeginSession(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	_, _ = s.MarkProcessing(ctx, "k", "/learn/stuck")

	require.NoError(t, s.SetPhase(ctx, "k", crawler.PhaseFailed))
	err = s.SetPhase(ctx, "k", crawler.PhaseExported)
	require.ErrorIs(t, err, crawler.ErrSessionFailed)
	require.NoError(t, s.SetPhase(ctx, "k", crawler.PhaseFailed))

	phase, err := s.Phase(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, crawler.PhaseFailed, phase)

	ok, err = s.BeginSession(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok, "failed sessions restart even with stranded paths")
	require.NoError(t, s.SetPhase(ctx, "k", crawler.PhaseCrawling))
}

func TestPurgeKeepsPhase(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore()
	_, _ = s.MarkProcessing(ctx, "k", "/learn/a")
	require.NoError(t, s.MarkFinished(ctx, "k", "/learn/a"))
	require.NoError(t, s.PutRecord(ctx, "k", "/learn/a", crawler.Record{Name: "A"}))
	require.NoError(t, s.SetPhase(ctx, "k", crawler.PhaseExported))

	require.NoError(t, s.Purge(ctx, "k"))
	stats, err := s.Stats(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, crawler.SessionStats{Session: "k", Phase: crawler.PhaseExported}, stats)
	require.NoError(t, s.Purge(ctx, "missing"))
}

func TestUnknownSession(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore()
	phase, err := s.Phase(ctx, "nope")
	require.NoError(t, err)
	require.Equal(t, crawler.PhaseAbsent, phase)
	recs, err := s.Records(ctx, "nope")
	require.NoError(t, err)
	require.Empty(t, recs)
}
