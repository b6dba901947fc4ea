package worker

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/classifier"
	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/frontier"
	queueMemory "github.com/JakeFAU/catalog-crawler/internal/queue/memory"
	stateMemory "github.com/JakeFAU/catalog-crawler/internal/state/memory"
)

const base = "https://catalog.test"

type harness struct {
	store     *stateMemory.Store
	queue     *queueMemory.Queue
	fetcher   *fakeFetcher
	extractor *fakeExtractor
	frontier  *frontier.Frontier
	worker    *Worker
}

func newHarness(cfg Config, maxRecords int) *harness {
	h := &harness{
		store:     stateMemory.NewStore(),
		queue:     queueMemory.NewQueue(8),
		fetcher:   &fakeFetcher{pages: map[string]string{}, errs: map[string]error{}},
		extractor: &fakeExtractor{records: map[string]crawler.Record{}, links: map[string][]string{}},
	}
	h.frontier = frontier.New(h.store, h.queue, classifier.New(classifier.Config{}), nil,
		frontier.Config{MaxRecords: maxRecords}, zap.NewNop())
	cfg.BaseURL = base
	h.worker = New(h.queue, h.store, h.fetcher, h.extractor, h.frontier, cfg, zap.NewNop())
	return h
}

func (h *harness) claim(t *testing.T, task crawler.Task) {
	t.Helper()
	ok, err := h.store.MarkProcessing(context.Background(), task.Session, task.Path)
	require.NoError(t, err)
	require.True(t, ok)
}

func (h *harness) queued(t *testing.T) []crawler.Task {
	t.Helper()
	var out []crawler.Task
	for h.queue.Len() > 0 {
		task, err := h.queue.Dequeue(context.Background())
		require.NoError(t, err)
		out = append(out, task)
	}
	return out
}

func TestProcessLeafStoresRecordAndFinishes(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{}, 0)
	h.fetcher.pages[base+"/learn/ml"] = "leaf-ml"
	h.extractor.records["leaf-ml"] = crawler.Record{Name: "ML"}
	h.extractor.links["leaf-ml|a[data-e2e=course-link]"] = []string{"/learn/never-followed"}
	task := crawler.Task{Session: "k", Path: "/learn/ml", Kind: crawler.KindLeaf, RootPath: "/browse/k"}
	h.claim(t, task)

	require.NoError(t, h.worker.Process(context.Background(), task))

	recs, err := h.store.Records(context.Background(), "k")
	require.NoError(t, err)
	require.Equal(t, []crawler.Record{{Name: "ML"}}, recs)
	require.Empty(t, h.queued(t), "leaves never fan out")
	requireOnlyFinished(t, h.store, "k", "/learn/ml")
}

func TestProcessFetchFailureStillFinishes(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{}, 0)
	h.fetcher.errs[base+"/learn/broken"] = crawler.ErrPermanentFetch
	task := crawler.Task{Session: "k", Path: "/learn/broken", Kind: crawler.KindLeaf, RootPath: "/browse/k"}
	h.claim(t, task)

	require.NoError(t, h.worker.Process(context.Background(), task))

	stats, err := h.store.Stats(context.Background(), "k")
	require.NoError(t, err)
	require.Zero(t, stats.Processing)
	require.EqualValues(t, 1, stats.Finished)
	require.Zero(t, stats.Records)
}

func TestProcessBranchExtractsAndFansOut(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{}, 0)
	h.fetcher.pages[base+"/specializations/dl"] = "branch-dl"
	h.extractor.records["branch-dl"] = crawler.Record{Name: "Deep Learning"}
	h.extractor.links["branch-dl|a[data-e2e=course-link]"] = []string{"/learn/cnn", "/learn/rnn", "/about/team"}
	task := crawler.Task{Session: "k", Path: "/specializations/dl", Kind: crawler.KindBranch, RootPath: "/browse/k"}
	h.claim(t, task)

	require.NoError(t, h.worker.Process(context.Background(), task))

	count, err := h.store.RecordCount(context.Background(), "k")
	require.NoError(t, err)
	require.EqualValues(t, 1, count)

	tasks := h.queued(t)
	require.Len(t, tasks, 2)
	for _, child := range tasks {
		require.Equal(t, crawler.KindLeaf, child.Kind)
		require.Equal(t, "/browse/k", child.RootPath)
	}
	stats, err := h.store.Stats(context.Background(), "k")
	require.NoError(t, err)
	require.EqualValues(t, 2, stats.Processing, "children are processing before parent finishes")
	require.EqualValues(t, 1, stats.Finished)
}

func TestProcessRootUsesRootSelectorWithoutExtraction(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{RootLinkSelector: "a"}, 0)
	h.fetcher.pages[base+"/browse/k"] = "root"
	h.extractor.records["root"] = crawler.Record{Name: "should not be stored"}
	h.extractor.links["root|a"] = []string{"/specializations/a", "/learn/b", "/browse/other"}
	task := crawler.Task{Session: "k", Path: "/browse/k", Kind: crawler.KindRoot, RootPath: "/browse/k"}
	h.claim(t, task)

	require.NoError(t, h.worker.Process(context.Background(), task))

	count, err := h.store.RecordCount(context.Background(), "k")
	require.NoError(t, err)
	require.Zero(t, count)
	paths := []string{}
	for _, child := range h.queued(t) {
		paths = append(paths, child.Path)
	}
	sort.Strings(paths)
	require.Equal(t, []string{"/learn/b", "/specializations/a"}, paths)
}

func TestProcessCategoryCheck(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{CheckCategory: true}, 0)
	h.fetcher.pages[base+"/learn/in"] = "in"
	h.fetcher.pages[base+"/learn/out"] = "out"
	h.extractor.records["in"] = crawler.Record{Name: "In", CategoryPath: "/browse/k"}
	h.extractor.records["out"] = crawler.Record{Name: "Out", CategoryPath: "/browse/other"}
	for _, path := range []string{"/learn/in", "/learn/out"} {
		task := crawler.Task{Session: "k", Path: path, Kind: crawler.KindLeaf, RootPath: "/browse/k"}
		h.claim(t, task)
		require.NoError(t, h.worker.Process(context.Background(), task))
	}

	recs, err := h.store.Records(context.Background(), "k")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "In", recs[0].Name)
}

func TestProcessStopsFanOutAtCap(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{}, 1)
	h.fetcher.pages[base+"/specializations/s"] = "branch"
	h.extractor.records["branch"] = crawler.Record{Name: "S"}
	h.extractor.links["branch|a[data-e2e=course-link]"] = []string{"/learn/a", "/learn/b"}
	task := crawler.Task{Session: "k", Path: "/specializations/s", Kind: crawler.KindBranch, RootPath: "/browse/k"}
	h.claim(t, task)

	require.NoError(t, h.worker.Process(context.Background(), task))
	require.Empty(t, h.queued(t))
}

type failingRecordStore struct {
	*stateMemory.Store
}

func (failingRecordStore) PutRecord(context.Context, string, string, crawler.Record) error {
	return crawler.ErrStoreUnavailable
}

func TestProcessStoreFailureSurfacesAndFinishes(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{}, 0)
	store := failingRecordStore{h.store}
	w := New(h.queue, store, h.fetcher, h.extractor, h.frontier, Config{BaseURL: base}, nil)
	h.fetcher.pages[base+"/learn/a"] = "leaf"
	h.extractor.records["leaf"] = crawler.Record{Name: "A"}
	task := crawler.Task{Session: "k", Path: "/learn/a", Kind: crawler.KindLeaf, RootPath: "/browse/k"}
	h.claim(t, task)

	err := w.Process(context.Background(), task)
	require.True(t, errors.Is(err, crawler.ErrStoreUnavailable))
	requireOnlyFinished(t, h.store, "k", "/learn/a")
	phase, err := h.store.Phase(context.Background(), "k")
	require.NoError(t, err)
	require.Equal(t, crawler.PhaseFailed, phase)
}

// phaseOrderStore records how many paths were in flight when the session
// was failed.
type phaseOrderStore struct {
	failingRecordStore
	inFlight chan int64
}

func (s phaseOrderStore) SetPhase(ctx context.Context, key string, phase crawler.Phase) error {
	if phase == crawler.PhaseFailed {
		stats, err := s.Stats(ctx, key)
		if err != nil {
			return err
		}
		s.inFlight <- stats.Processing
	}
	return s.failingRecordStore.SetPhase(ctx, key, phase)
}

func TestProcessFailsSessionBeforeFinishing(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{}, 0)
	store := phaseOrderStore{failingRecordStore: failingRecordStore{h.store}, inFlight: make(chan int64, 1)}
	w := New(h.queue, store, h.fetcher, h.extractor, h.frontier, Config{BaseURL: base}, nil)
	h.fetcher.pages[base+"/learn/a"] = "leaf"
	h.extractor.records["leaf"] = crawler.Record{Name: "A"}
	task := crawler.Task{Session: "k", Path: "/learn/a", Kind: crawler.KindLeaf, RootPath: "/browse/k"}
	h.claim(t, task)

	require.Error(t, w.Process(context.Background(), task))
	require.EqualValues(t, 1, <-store.inFlight, "a drain must not see the session settle before it fails")
}

func TestCanceledProcessKeepsSessionPhase(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{}, 0)
	store := failingRecordStore{h.store}
	w := New(h.queue, store, h.fetcher, h.extractor, h.frontier, Config{BaseURL: base}, nil)
	h.fetcher.pages[base+"/learn/a"] = "leaf"
	h.extractor.records["leaf"] = crawler.Record{Name: "A"}
	require.NoError(t, h.store.SetPhase(context.Background(), "k", crawler.PhaseCrawling))
	task := crawler.Task{Session: "k", Path: "/learn/a", Kind: crawler.KindLeaf, RootPath: "/browse/k"}
	h.claim(t, task)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = w.Process(ctx, task)
	phase, err := h.store.Phase(context.Background(), "k")
	require.NoError(t, err)
	require.Equal(t, crawler.PhaseCrawling, phase)
}

func TestRunFailsSessionOnStoreFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{}, 0)
	store := failingRecordStore{h.store}
	w := New(h.queue, store, h.fetcher, h.extractor, h.frontier, Config{BaseURL: base}, nil)
	h.fetcher.pages[base+"/learn/a"] = "leaf"
	h.extractor.records["leaf"] = crawler.Record{Name: "A"}
	require.NoError(t, h.store.SetPhase(context.Background(), "k", crawler.PhaseCrawling))
	_, err := h.frontier.Dispatch(context.Background(), "k", "/browse/k", "/learn/a")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		phase, err := h.store.Phase(context.Background(), "k")
		return err == nil && phase == crawler.PhaseFailed
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done, "a failed session does not stop the worker")
}

func TestRunReturnsDequeueErrors(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{}, 0)
	w := New(brokenQueue{}, h.store, h.fetcher, h.extractor, h.frontier, Config{BaseURL: base}, nil)

	err := w.Run(context.Background())
	require.ErrorIs(t, err, errBrokenQueue)
}

func TestRunDrainsQueueUntilCanceled(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{}, 0)
	h.fetcher.pages[base+"/specializations/s"] = "branch"
	h.extractor.links["branch|a[data-e2e=course-link]"] = []string{"/learn/a"}
	h.fetcher.pages[base+"/learn/a"] = "leaf"
	h.extractor.records["leaf"] = crawler.Record{Name: "A"}
	_, err := h.frontier.Dispatch(context.Background(), "k", "/browse/k", "/specializations/s")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = h.worker.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		stats, err := h.store.Stats(context.Background(), "k")
		return err == nil && stats.Complete() && stats.Finished == 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}

func TestRunReturnsWhenQueueCloses(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{}, 0)
	done := make(chan struct{})
	go func() {
		_ = h.worker.Run(context.Background())
		close(done)
	}()
	h.queue.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after queue close")
	}
}

func requireOnlyFinished(t *testing.T, store *stateMemory.Store, session, path string) {
	t.Helper()
	stats, err := store.Stats(context.Background(), session)
	require.NoError(t, err)
	require.Zero(t, stats.Processing)
	require.EqualValues(t, 1, stats.Finished)
	again, err := store.MarkProcessing(context.Background(), session, path)
	require.NoError(t, err)
	require.False(t, again, "%s should already be finished", path)
}

var errBrokenQueue = errors.New("queue backend down")

type brokenQueue struct{}

func (brokenQueue) Enqueue(context.Context, crawler.Task) error { return errBrokenQueue }

func (brokenQueue) Dequeue(context.Context) (crawler.Task, error) {
	return crawler.Task{}, errBrokenQueue
}

type fakeFetcher struct {
	pages map[string]string
	errs  map[string]error
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) (crawler.Page, error) {
	if err, ok := f.errs[url]; ok {
		return crawler.Page{}, err
	}
	body, ok := f.pages[url]
	if !ok {
		return crawler.Page{}, crawler.ErrPermanentFetch
	}
	return crawler.Page{URL: url, StatusCode: http.StatusOK, Body: []byte(body)}, nil
}

type fakeExtractor struct {
	records map[string]crawler.Record
	links   map[string][]string
}

func (f *fakeExtractor) Extract(body []byte) (crawler.Record, bool) {
	rec, ok := f.records[string(body)]
	return rec, ok
}

func (f *fakeExtractor) Links(body []byte, selector string) ([]string, error) {
	return f.links[string(body)+"|"+selector], nil
}
