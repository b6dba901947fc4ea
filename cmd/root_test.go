package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-crawler/internal/config"
	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

type fakeApp struct {
	ran        bool
	ranWorkers bool
	collected  string
	export     crawler.Export
	err        error
}

func (f *fakeApp) Run(context.Context) error {
	f.ran = true
	return f.err
}

func (f *fakeApp) RunWorkers(context.Context) error {
	f.ranWorkers = true
	return f.err
}

func (f *fakeApp) Collect(_ context.Context, category string) (crawler.Export, error) {
	f.collected = category
	return f.export, f.err
}

func (f *fakeApp) Close(context.Context) {}

func withFakeApp(t *testing.T, app *fakeApp) {
	t.Helper()
	prev := newApp
	newApp = func(context.Context, *config.Config) (App, error) { return app, nil }
	t.Cleanup(func() {
		newApp = prev
		cfgFile = ""
	})
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCrawlWritesExportToStdout(t *testing.T) {
	app := &fakeApp{export: crawler.Export{Session: "data-science", Data: []byte("header\nrow\n")}}
	withFakeApp(t, app)

	out, err := execute(t, "crawl", "Data Science")
	require.NoError(t, err)
	require.Equal(t, "Data Science", app.collected)
	require.Equal(t, "header\nrow\n", out)
}

func TestCrawlWritesExportToFile(t *testing.T) {
	app := &fakeApp{export: crawler.Export{Session: "business", Data: []byte("csv")}}
	withFakeApp(t, app)

	path := filepath.Join(t.TempDir(), "business.csv")
	_, err := execute(t, "crawl", "business", "--output", path)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "csv", string(data))
}

func TestCrawlRequiresCategory(t *testing.T) {
	withFakeApp(t, &fakeApp{})

	_, err := execute(t, "crawl")
	require.Error(t, err)
}

func TestCrawlPropagatesFailure(t *testing.T) {
	withFakeApp(t, &fakeApp{err: crawler.ErrSessionFailed})

	_, err := execute(t, "crawl", "business")
	require.ErrorIs(t, err, crawler.ErrSessionFailed)
}

func TestServeAndWorkerDelegate(t *testing.T) {
	app := &fakeApp{}
	withFakeApp(t, app)

	_, err := execute(t, "serve")
	require.NoError(t, err)
	require.True(t, app.ran)

	_, err = execute(t, "worker")
	require.NoError(t, err)
	require.True(t, app.ranWorkers)
}

func TestRootFailsOnBadConfigPath(t *testing.T) {
	withFakeApp(t, &fakeApp{})

	_, err := execute(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "serve")
	require.Error(t, err)
}

func TestRootReportsFactoryError(t *testing.T) {
	prev := newApp
	newApp = func(context.Context, *config.Config) (App, error) { return nil, errors.New("boom") }
	t.Cleanup(func() { newApp = prev })

	_, err := execute(t, "serve")
	require.ErrorContains(t, err, "boom")
}
