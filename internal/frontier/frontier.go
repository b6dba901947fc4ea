// Package frontier turns discovered links into queued tasks. It is the only
// place tasks are created, and it relies on StateStore.MarkProcessing so each
// URL is enqueued at most once per session regardless of how many workers
// discover it.
package frontier

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/metrics"
)

// Classifier maps a raw link to a kind and canonical path.
type Classifier interface {
	Classify(raw string) (crawler.Kind, string)
}

// Config bounds dispatching.
type Config struct {
	// MaxRecords stops dispatch once a session holds this many records.
	// Zero disables the cap. The check races with concurrent workers, so a
	// session may overshoot by up to the number of in-flight tasks.
	MaxRecords int
}

// Frontier classifies, deduplicates and enqueues links.
type Frontier struct {
	store      crawler.StateStore
	queue      crawler.Queue
	classifier Classifier
	clock      crawler.Clock
	cfg        Config
	logger     *zap.Logger
}

// New constructs a Frontier.
func New(
	store crawler.StateStore,
	queue crawler.Queue,
	classifier Classifier,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Frontier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Frontier{
		store:      store,
		queue:      queue,
		classifier: classifier,
		clock:      clock,
		cfg:        cfg,
		logger:     logger,
	}
}

// Seed dispatches the session's root page.
func (f *Frontier) Seed(ctx context.Context, session, rootPath string) (bool, error) {
	return f.enqueue(ctx, crawler.Task{
		Session:  session,
		Path:     rootPath,
		Kind:     crawler.KindRoot,
		RootPath: rootPath,
	})
}

// Dispatch classifies rawLink and enqueues it when it is a new leaf or branch.
// It returns true only when this call created the task. Errors are store or
// queue failures; ignored and duplicate links are not errors.
func (f *Frontier) Dispatch(ctx context.Context, session, rootPath, rawLink string) (bool, error) {
	kind, path := f.classifier.Classify(rawLink)
	if kind == crawler.KindIgnore {
		metrics.ObserveDispatch(string(kind), "ignored")
		return false, nil
	}
	capped, err := f.CapReached(ctx, session)
	if err != nil {
		return false, err
	}
	if capped {
		metrics.ObserveDispatch(string(kind), "capped")
		return false, nil
	}
	return f.enqueue(ctx, crawler.Task{
		Session:  session,
		Path:     path,
		Kind:     kind,
		RootPath: rootPath,
	})
}

// CapReached reports whether the session already holds MaxRecords records.
func (f *Frontier) CapReached(ctx context.Context, session string) (bool, error) {
	if f.cfg.MaxRecords <= 0 {
		return false, nil
	}
	n, err := f.store.RecordCount(ctx, session)
	if err != nil {
		return false, fmt.Errorf("count records: %w", err)
	}
	return n >= int64(f.cfg.MaxRecords), nil
}

func (f *Frontier) enqueue(ctx context.Context, task crawler.Task) (bool, error) {
	claimed, err := f.store.MarkProcessing(ctx, task.Session, task.Path)
	if err != nil {
		return false, fmt.Errorf("mark processing %s: %w", task.Path, err)
	}
	if !claimed {
		metrics.ObserveDispatch(string(task.Kind), "duplicate")
		return false, nil
	}
	if f.clock != nil {
		task.Submitted = f.clock.Now().Unix()
	}
	if err := f.queue.Enqueue(ctx, task); err != nil {
		// The path is already processing; finish it so the session can drain.
		finishErr := f.store.MarkFinished(context.WithoutCancel(ctx), task.Session, task.Path)
		return false, errors.Join(fmt.Errorf("enqueue %s: %w", task.Path, err), finishErr)
	}
	metrics.ObserveDispatch(string(task.Kind), "accepted")
	f.logger.Debug("task dispatched",
		zap.String("session", task.Session),
		zap.String("path", task.Path),
		zap.String("kind", string(task.Kind)),
	)
	return true, nil
}
