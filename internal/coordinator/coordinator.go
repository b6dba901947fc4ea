// Package coordinator drives a crawl session through its lifecycle: trigger,
// seed, drain, export and notify. Workers write only the failed phase.
package coordinator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/export"
	"github.com/JakeFAU/catalog-crawler/internal/metrics"
	"github.com/JakeFAU/catalog-crawler/internal/session"
	"github.com/JakeFAU/catalog-crawler/internal/watcher"
)

// Seeder enqueues a session's root page.
type Seeder interface {
	Seed(ctx context.Context, session, rootPath string) (bool, error)
}

// Waiter blocks until a session drains or a deadline passes.
type Waiter interface {
	Wait(ctx context.Context, session string, maxWait time.Duration) (watcher.Result, error)
}

// Exporter renders a session's records.
type Exporter interface {
	Export(ctx context.Context, session string) (export.Dataset, error)
}

// Config controls session lifecycle behavior.
type Config struct {
	// RootPattern renders the entry path, e.g. "/browse/%s".
	RootPattern string
	// ExportPrefix is the blob store directory for finished CSVs.
	ExportPrefix string
	// MaxWait bounds how long a drain waits for in-flight work.
	MaxWait time.Duration
	// PollInterval paces Collect while a session is in progress.
	PollInterval time.Duration
	// Topic receives completion events when a publisher is configured.
	Topic string
	// CleanupAfterExport purges store sets once a complete session exports.
	CleanupAfterExport bool
}

// TriggerResult describes the session a trigger resolved to.
type TriggerResult struct {
	Session string
	// Ready is true when an export already exists.
	Ready bool
	// Started is true when this call claimed and seeded a new crawl.
	Started bool
}

// Coordinator owns session lifecycles.
type Coordinator struct {
	store     crawler.StateStore
	seeder    Seeder
	waiter    Waiter
	exporter  Exporter
	blobs     crawler.BlobStore
	publisher crawler.Publisher
	archive   crawler.RecordArchive
	ids       crawler.IDGenerator
	clock     crawler.Clock
	cfg       Config
	logger    *zap.Logger

	baseCtx context.Context
	wg      sync.WaitGroup
}

// Option customizes optional collaborators.
type Option func(*Coordinator)

// WithPublisher sends a completion event after every drain.
func WithPublisher(p crawler.Publisher) Option {
	return func(c *Coordinator) { c.publisher = p }
}

// WithArchive copies exported records into a durable archive.
func WithArchive(a crawler.RecordArchive) Option {
	return func(c *Coordinator) { c.archive = a }
}

// New constructs a Coordinator. Background drains run on baseCtx, so they
// outlive the request that triggered them.
func New(
	baseCtx context.Context,
	store crawler.StateStore,
	seeder Seeder,
	waiter Waiter,
	exporter Exporter,
	blobs crawler.BlobStore,
	ids crawler.IDGenerator,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
	opts ...Option,
) *Coordinator {
	if cfg.RootPattern == "" {
		cfg.RootPattern = "/browse/%s"
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 5 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Coordinator{
		store:    store,
		seeder:   seeder,
		waiter:   waiter,
		exporter: exporter,
		blobs:    blobs,
		ids:      ids,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
		baseCtx:  baseCtx,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Trigger resolves a category to its session and starts a crawl unless one
// is running or an export already exists.
func (c *Coordinator) Trigger(ctx context.Context, category string) (TriggerResult, error) {
	key, err := session.Normalize(category)
	if err != nil {
		return TriggerResult{}, err
	}
	res := TriggerResult{Session: key}

	ready, err := c.exportExists(ctx, key)
	if err != nil {
		return res, err
	}
	if ready {
		res.Ready = true
		return res, nil
	}

	claimed, err := c.store.BeginSession(ctx, key)
	if err != nil {
		return res, fmt.Errorf("begin session %s: %w", key, err)
	}
	if !claimed {
		return res, nil
	}

	rootPath := session.RootPath(c.cfg.RootPattern, key)
	if _, err := c.seeder.Seed(ctx, key, rootPath); err != nil {
		c.fail(key, err)
		return res, fmt.Errorf("seed %s: %w", key, err)
	}
	if err := c.store.SetPhase(ctx, key, crawler.PhaseCrawling); err != nil {
		c.fail(key, err)
		return res, fmt.Errorf("set phase %s: %w", key, err)
	}
	metrics.ObserveSession("started")
	c.logger.Info("session started", zap.String("session", key), zap.String("root", rootPath))

	res.Started = true
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.drain(key)
	}()
	return res, nil
}

// Poll returns the finished export, or a sentinel describing why there is
// none: ErrInProgress, ErrNotFound or ErrSessionFailed.
func (c *Coordinator) Poll(ctx context.Context, key string) (crawler.Export, error) {
	path := session.ExportPath(c.cfg.ExportPrefix, key)
	data, err := c.blobs.GetObject(ctx, path)
	if err == nil {
		return crawler.Export{Session: key, Path: path, Data: data}, nil
	}
	if !errors.Is(err, crawler.ErrNotFound) {
		return crawler.Export{}, fmt.Errorf("read export %s: %w", key, err)
	}

	stats, err := c.store.Stats(ctx, key)
	if err != nil {
		return crawler.Export{}, fmt.Errorf("read phase %s: %w", key, err)
	}
	switch {
	case stats.Phase.Active():
		return crawler.Export{}, crawler.ErrInProgress
	case stats.Phase == crawler.PhaseFailed:
		return crawler.Export{}, crawler.ErrSessionFailed
	case stats.Processing > 0:
		// A timed-out crawl is still winding down; a new one cannot start yet.
		return crawler.Export{}, crawler.ErrInProgress
	default:
		return crawler.Export{}, crawler.ErrNotFound
	}
}

// Collect triggers the category and blocks until its export is ready.
func (c *Coordinator) Collect(ctx context.Context, category string) (crawler.Export, error) {
	res, err := c.Trigger(ctx, category)
	if err != nil {
		return crawler.Export{}, err
	}
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		exp, err := c.Poll(ctx, res.Session)
		if !errors.Is(err, crawler.ErrInProgress) {
			return exp, err
		}
		select {
		case <-ctx.Done():
			return crawler.Export{}, fmt.Errorf("collect %s: %w", res.Session, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Status reports store-side progress for a session key.
func (c *Coordinator) Status(ctx context.Context, key string) (crawler.SessionStats, error) {
	stats, err := c.store.Stats(ctx, key)
	if err != nil {
		return crawler.SessionStats{}, fmt.Errorf("session stats %s: %w", key, err)
	}
	return stats, nil
}

// Wait blocks until every background drain started so far has returned.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

func (c *Coordinator) exportExists(ctx context.Context, key string) (bool, error) {
	_, err := c.blobs.GetObject(ctx, session.ExportPath(c.cfg.ExportPrefix, key))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, crawler.ErrNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("check export %s: %w", key, err)
	}
}

func (c *Coordinator) drain(key string) {
	ctx := c.baseCtx
	logger := c.logger.With(zap.String("session", key))

	if err := c.store.SetPhase(ctx, key, crawler.PhaseDraining); err != nil {
		c.fail(key, err)
		return
	}
	result, err := c.waiter.Wait(ctx, key, c.cfg.MaxWait)
	if err != nil {
		c.fail(key, err)
		return
	}
	if c.abandoned(ctx, key) {
		return
	}
	if !result.Complete {
		logger.Warn("exporting partial session",
			zap.Int64("processing", result.Stats.Processing),
			zap.Int64("finished", result.Stats.Finished),
		)
	}

	dataset, err := c.exporter.Export(ctx, key)
	if err != nil {
		c.fail(key, err)
		return
	}

	var uri string
	phase := crawler.PhaseEmpty
	if len(dataset.Records) > 0 {
		if c.abandoned(ctx, key) {
			return
		}
		path := session.ExportPath(c.cfg.ExportPrefix, key)
		uri, err = c.blobs.PutObject(ctx, path, export.ContentType, bytes.NewReader(dataset.Data))
		if err != nil {
			c.fail(key, err)
			return
		}
		phase = crawler.PhaseExported
	}
	if err := c.store.SetPhase(ctx, key, phase); err != nil {
		c.fail(key, err)
		return
	}
	metrics.ObserveSession(string(phase))
	logger.Info("session drained",
		zap.String("phase", string(phase)),
		zap.Int("records", len(dataset.Records)),
		zap.Bool("complete", result.Complete),
		zap.String("uri", uri),
		zap.Duration("waited", result.Waited),
	)

	runID, err := c.ids.NewID()
	if err != nil {
		logger.Warn("run id generation failed", zap.Error(err))
	}
	if c.archive != nil && runID != "" {
		if err := c.archive.ArchiveRecords(ctx, key, runID, dataset.Records); err != nil {
			logger.Warn("record archive failed", zap.String("run_id", runID), zap.Error(err))
		}
	}
	if c.publisher != nil {
		c.notify(ctx, logger, crawler.SessionEvent{
			Session:   key,
			RunID:     runID,
			Records:   len(dataset.Records),
			Complete:  result.Complete,
			ExportURI: uri,
			Timestamp: c.now(),
		})
	}
	if c.cfg.CleanupAfterExport && result.Complete {
		if err := c.store.Purge(ctx, key); err != nil {
			logger.Warn("purge session state failed", zap.Error(err))
		}
	}
}

// abandoned reports whether the drain must stop because a worker failed the
// session or its phase cannot be read.
func (c *Coordinator) abandoned(ctx context.Context, key string) bool {
	phase, err := c.store.Phase(ctx, key)
	if err != nil {
		c.fail(key, fmt.Errorf("read phase %s: %w", key, err))
		return true
	}
	if phase != crawler.PhaseFailed {
		return false
	}
	metrics.ObserveSession(string(crawler.PhaseFailed))
	c.logger.Error("session failed during crawl", zap.String("session", key))
	return true
}

func (c *Coordinator) notify(ctx context.Context, logger *zap.Logger, evt crawler.SessionEvent) {
	id, err := c.publisher.Publish(ctx, c.cfg.Topic, evt)
	if err != nil {
		logger.Warn("publish session event failed", zap.Error(err))
		return
	}
	logger.Debug("session event published", zap.String("message_id", id))
}

// fail records the failed phase on a fresh context so a canceled base
// context still lands the transition.
func (c *Coordinator) fail(key string, cause error) {
	metrics.ObserveSession(string(crawler.PhaseFailed))
	c.logger.Error("session failed", zap.String("session", key), zap.Error(cause))
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.baseCtx), 5*time.Second)
	defer cancel()
	if err := c.store.SetPhase(ctx, key, crawler.PhaseFailed); err != nil {
		c.logger.Error("record failed phase", zap.String("session", key), zap.Error(err))
	}
}

func (c *Coordinator) now() time.Time {
	if c.clock == nil {
		return time.Now().UTC()
	}
	return c.clock.Now()
}
