// Package watcher detects when a session's task graph has drained.
package watcher

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

// StatsReader is the slice of the state store the watcher needs.
type StatsReader interface {
	Stats(ctx context.Context, session string) (crawler.SessionStats, error)
}

// Result is the outcome of a bounded wait.
type Result struct {
	Complete bool
	Stats    crawler.SessionStats
	Waited   time.Duration
}

// Watcher polls session stats on a fixed interval.
type Watcher struct {
	store    StatsReader
	interval time.Duration
	logger   *zap.Logger
}

// New constructs a Watcher. A non-positive interval falls back to one second.
func New(store StatsReader, interval time.Duration, logger *zap.Logger) *Watcher {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{store: store, interval: interval, logger: logger}
}

// Wait blocks until the session is complete, is failed, or maxWait elapses.
// Running out of time is not an error: the result reports Complete=false
// with the last stats observed. A non-positive maxWait checks once.
func (w *Watcher) Wait(ctx context.Context, session string, maxWait time.Duration) (Result, error) {
	start := time.Now()
	stats, err := w.check(ctx, session)
	if err != nil {
		return Result{}, err
	}
	if stats.Complete() || stats.Phase == crawler.PhaseFailed || maxWait <= 0 {
		return Result{Complete: stats.Complete(), Stats: stats, Waited: time.Since(start)}, nil
	}

	deadline := time.NewTimer(maxWait)
	defer deadline.Stop()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return Result{Stats: stats, Waited: time.Since(start)}, fmt.Errorf("wait for %s: %w", session, ctx.Err())
		case <-deadline.C:
			w.logger.Warn("session did not drain before deadline",
				zap.String("session", session),
				zap.Duration("max_wait", maxWait),
				zap.Int64("processing", stats.Processing),
				zap.Int64("finished", stats.Finished),
			)
			return Result{Stats: stats, Waited: time.Since(start)}, nil
		case <-ticker.C:
			stats, err = w.check(ctx, session)
			if err != nil {
				return Result{}, err
			}
			if stats.Complete() {
				return Result{Complete: true, Stats: stats, Waited: time.Since(start)}, nil
			}
			if stats.Phase == crawler.PhaseFailed {
				return Result{Stats: stats, Waited: time.Since(start)}, nil
			}
		}
	}
}

func (w *Watcher) check(ctx context.Context, session string) (crawler.SessionStats, error) {
	stats, err := w.store.Stats(ctx, session)
	if err != nil {
		return crawler.SessionStats{}, fmt.Errorf("session stats %s: %w", session, err)
	}
	w.logger.Debug("session progress",
		zap.String("session", session),
		zap.Int64("processing", stats.Processing),
		zap.Int64("finished", stats.Finished),
		zap.Int64("records", stats.Records),
	)
	return stats, nil
}
