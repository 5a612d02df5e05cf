package agent

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/openretro/retrohd/internal/catalog"
	"github.com/openretro/retrohd/internal/config"
	"github.com/openretro/retrohd/internal/enhance"
	"github.com/openretro/retrohd/internal/fetcher"
	"github.com/openretro/retrohd/internal/model"
	"github.com/openretro/retrohd/internal/resilience"
	"github.com/openretro/retrohd/internal/scrape"
)

// --- Source Mock ---

type mockSource struct {
	mock.Mock
}

func (m *mockSource) SearchLinks(ctx context.Context, query string, pages int) ([]string, error) {
	args := m.Called(ctx, query, pages)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *mockSource) AssetLinks(ctx context.Context, pageURL string) ([]scrape.AssetLink, error) {
	args := m.Called(ctx, pageURL)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]scrape.AssetLink), args.Error(1)
}

func (m *mockSource) PageText(ctx context.Context, pageURL string) (string, error) {
	args := m.Called(ctx, pageURL)
	return args.String(0), args.Error(1)
}

// --- Fetcher Fake ---

type fakeFetcher struct {
	mu        sync.Mutex
	files     map[string][]byte
	downloads map[string]int
}

func newFakeFetcher(files map[string][]byte) *fakeFetcher {
	return &fakeFetcher{files: files, downloads: make(map[string]int)}
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[url]
	if !ok {
		return nil, &resilience.StatusError{URL: url, StatusCode: 404}
	}
	return data, nil
}

func (f *fakeFetcher) Download(ctx context.Context, url string) (io.ReadCloser, error) {
	data, err := f.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeFetcher) DownloadToFile(ctx context.Context, url, path string) (int64, error) {
	f.mu.Lock()
	f.downloads[url]++
	f.mu.Unlock()
	data, err := f.Fetch(ctx, url)
	if err != nil {
		return 0, err
	}
	return fetcher.WriteFileAtomic(path, bytes.NewReader(data))
}

func (f *fakeFetcher) downloadCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.downloads[url]
}

// --- Enhancer Fake ---

type failingEnhancer struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *failingEnhancer) Method() string { return "failing" }

func (f *failingEnhancer) Enhance(context.Context, []byte) (*enhance.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return nil, f.err
}

// --- Helpers ---

func testConfig(dir string) *config.Config {
	return &config.Config{
		SearchQuery:  "goblin sprite",
		Pages:        1,
		DownloadDir:  filepath.Join(dir, "downloads"),
		ActiveAgents: config.DefaultAgents,
		OnError:      config.OnErrorContinue,
		Scrape:       config.ScrapeConfig{Workers: 3, ExtractArchives: true},
		Verify:       config.VerifyConfig{Workers: 2},
		Enhance:      config.EnhanceConfig{Method: "copy", Scale: 2, Workers: 2, FailureThreshold: 3},
		Report:       config.ReportConfig{Dir: filepath.Join(dir, "reports"), Formats: []string{"md", "csv"}, SampleSize: 10},
	}
}

func newTestEnv(t *testing.T) *Env {
	t.Helper()
	cfg := testConfig(t.TempDir())
	store, err := catalog.Open(cfg.CatalogPath(), catalog.WithPersistEvery(0), catalog.WithLogger(zap.NewNop()))
	require.NoError(t, err)
	return &Env{Catalog: store, Config: cfg}
}

func putEntry(t *testing.T, env *Env, locator string, e model.CatalogEntry) string {
	t.Helper()
	key := model.Fingerprint(locator)
	e.AssetURL = locator
	_, created := env.Catalog.PutNew(key, e)
	require.True(t, created)
	return key
}

func zipBytes(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}
