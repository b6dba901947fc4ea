// Package worker implements the crawl task execution loop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/metrics"
)

// Frontier accepts links discovered on a page.
type Frontier interface {
	Dispatch(ctx context.Context, session, rootPath, rawLink string) (bool, error)
	CapReached(ctx context.Context, session string) (bool, error)
}

// Config controls Worker behavior.
type Config struct {
	BaseURL string
	// RootLinkSelector picks links on a session's root page.
	RootLinkSelector string
	// NestedLinkSelector picks links on branch pages.
	NestedLinkSelector string
	// CheckCategory drops records whose top breadcrumb does not point at
	// the session root.
	CheckCategory bool
}

// Worker consumes tasks and runs fetch, extract, fan-out and finish.
type Worker struct {
	queue     crawler.Queue
	store     crawler.StateStore
	fetcher   crawler.Fetcher
	extractor crawler.Extractor
	frontier  Frontier
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker.
func New(
	queue crawler.Queue,
	store crawler.StateStore,
	fetcher crawler.Fetcher,
	extractor crawler.Extractor,
	frontier Frontier,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.RootLinkSelector == "" {
		cfg.RootLinkSelector = "a[href]"
	}
	if cfg.NestedLinkSelector == "" {
		cfg.NestedLinkSelector = "a[data-e2e=course-link]"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:     queue,
		store:     store,
		fetcher:   fetcher,
		extractor: extractor,
		frontier:  frontier,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run processes tasks until the context ends or the queue closes, both of
// which return nil. A queue that fails to deliver ends the worker with an
// error.
func (w *Worker) Run(ctx context.Context) error {
	for {
		task, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, crawler.ErrQueueClosed) {
				return nil
			}
			return fmt.Errorf("dequeue task: %w", err)
		}
		w.logger.Debug("dequeued task",
			zap.String("session", task.Session),
			zap.String("path", task.Path),
			zap.String("kind", string(task.Kind)),
		)
		metrics.IncActiveWorkers()
		if err := w.Process(ctx, task); err != nil {
			w.logger.Error("task failed",
				zap.String("session", task.Session),
				zap.String("path", task.Path),
				zap.Error(err),
			)
		}
		metrics.DecActiveWorkers()
	}
}

// Process runs one task. Per-URL failures are logged and swallowed; the
// returned error is always a state store or queue failure, and it fails the
// session before the URL leaves the processing set. The URL is marked
// finished in every case, after its children have been dispatched.
func (w *Worker) Process(ctx context.Context, task crawler.Task) (err error) {
	defer func() {
		// An interrupted task is not a broken session.
		if err != nil && ctx.Err() == nil {
			w.failSession(ctx, task.Session, err)
		}
		if finishErr := w.finish(ctx, task); finishErr != nil {
			err = errors.Join(err, finishErr)
		}
	}()

	target, err := crawler.ResolveURL(w.cfg.BaseURL, task.Path)
	if err != nil {
		metrics.ObserveTask(string(task.Kind), "bad_url")
		w.logger.Warn("cannot resolve task url", zap.String("path", task.Path), zap.Error(err))
		return nil
	}

	page, err := w.fetcher.Fetch(ctx, target)
	if err != nil {
		metrics.ObserveTask(string(task.Kind), "fetch_error")
		w.logger.Warn("fetch failed",
			zap.String("session", task.Session),
			zap.String("url", target),
			zap.Error(err),
		)
		return nil
	}

	if task.Kind == crawler.KindBranch || task.Kind == crawler.KindLeaf {
		if err := w.storeRecord(ctx, task, page); err != nil {
			metrics.ObserveTask(string(task.Kind), "store_error")
			return err
		}
	}

	if task.Kind == crawler.KindRoot || task.Kind == crawler.KindBranch {
		if err := w.fanOut(ctx, task, page); err != nil {
			metrics.ObserveTask(string(task.Kind), "store_error")
			return err
		}
	}

	metrics.ObserveTask(string(task.Kind), "ok")
	return nil
}

func (w *Worker) storeRecord(ctx context.Context, task crawler.Task, page crawler.Page) error {
	record, ok := w.extractor.Extract(page.Body)
	if !ok {
		w.logger.Debug("no record on page", zap.String("path", task.Path))
		return nil
	}
	if w.cfg.CheckCategory && record.CategoryPath != task.RootPath {
		w.logger.Debug("record outside requested category",
			zap.String("path", task.Path),
			zap.String("category_path", record.CategoryPath),
			zap.String("root_path", task.RootPath),
		)
		return nil
	}
	if err := w.store.PutRecord(ctx, task.Session, task.Path, record); err != nil {
		return fmt.Errorf("put record %s: %w", task.Path, err)
	}
	metrics.ObserveRecord()
	return nil
}

func (w *Worker) fanOut(ctx context.Context, task crawler.Task, page crawler.Page) error {
	selector := w.cfg.NestedLinkSelector
	if task.Kind == crawler.KindRoot {
		selector = w.cfg.RootLinkSelector
	}
	links, err := w.extractor.Links(page.Body, selector)
	if err != nil {
		w.logger.Warn("link enumeration failed", zap.String("path", task.Path), zap.Error(err))
		return nil
	}
	accepted := 0
	for _, link := range links {
		capped, err := w.frontier.CapReached(ctx, task.Session)
		if err != nil {
			return fmt.Errorf("check record cap: %w", err)
		}
		if capped {
			w.logger.Debug("record cap reached", zap.String("session", task.Session))
			break
		}
		ok, err := w.frontier.Dispatch(ctx, task.Session, task.RootPath, link)
		if err != nil {
			return fmt.Errorf("dispatch %s: %w", link, err)
		}
		if ok {
			accepted++
		}
	}
	w.logger.Debug("fanned out",
		zap.String("path", task.Path),
		zap.Int("links", len(links)),
		zap.Int("accepted", accepted),
	)
	return nil
}

// failSession marks the session failed after a store or queue error lost
// part of its graph. It runs detached so the phase lands even on shutdown.
func (w *Worker) failSession(ctx context.Context, session string, cause error) {
	failCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := w.store.SetPhase(failCtx, session, crawler.PhaseFailed); err != nil {
		w.logger.Error("record failed phase",
			zap.String("session", session),
			zap.NamedError("cause", cause),
			zap.Error(err),
		)
		return
	}
	w.logger.Warn("session failed", zap.String("session", session), zap.Error(cause))
}

// finish runs detached from cancellation so shutdown does not strand a URL
// in the processing set.
func (w *Worker) finish(ctx context.Context, task crawler.Task) error {
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := w.store.MarkFinished(finishCtx, task.Session, task.Path); err != nil {
		return fmt.Errorf("mark finished %s: %w", task.Path, err)
	}
	return nil
}
