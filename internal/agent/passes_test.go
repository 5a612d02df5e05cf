package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/openretro/retrohd/internal/catalog"
	"github.com/openretro/retrohd/internal/model"
	"github.com/openretro/retrohd/internal/report"
	"github.com/openretro/retrohd/internal/resilience"
	"github.com/openretro/retrohd/internal/scrape"
)

const site = "https://opengameart.org"

func TestScrapePass(t *testing.T) {
	env := newTestEnv(t)
	src := new(mockSource)
	env.Source = src

	goblin := scrape.AssetLink{URL: site + "/sites/default/files/goblin.png", Filename: "goblin.png"}
	tiles := scrape.AssetLink{URL: site + "/sites/default/files/tiles.zip", Filename: "tiles.zip"}
	gone := scrape.AssetLink{URL: site + "/sites/default/files/gone.png", Filename: "gone.png"}

	src.On("SearchLinks", mock.Anything, "goblin sprite", 1).
		Return([]string{site + "/content/a", site + "/content/b", site + "/content/c"}, nil)
	src.On("AssetLinks", mock.Anything, site+"/content/a").Return([]scrape.AssetLink{goblin, tiles}, nil)
	src.On("AssetLinks", mock.Anything, site+"/content/b").Return([]scrape.AssetLink{goblin, gone}, nil)
	src.On("AssetLinks", mock.Anything, site+"/content/c").Return(nil, &scrape.BlockedError{URL: site + "/content/c", Type: scrape.BlockCaptcha})

	f := newFakeFetcher(map[string][]byte{
		goblin.URL: []byte("png bytes"),
		tiles.URL:  zipBytes(t, map[string]string{"LICENSE.txt": "CC0 public domain"}),
	})
	env.Fetcher = f

	res, err := scrapePass{}.Run(context.Background(), env)
	require.NoError(t, err)

	assert.Equal(t, model.PassStatusPartial, res.Status)
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 2, res.Failed) // blocked page + missing asset
	assert.Equal(t, 5, res.Processed)
	assert.Equal(t, 1, f.downloadCount(goblin.URL))

	assert.Equal(t, 2, env.Catalog.Len())
	e, err := env.Catalog.Get(model.Fingerprint(goblin.URL))
	require.NoError(t, err)
	assert.Equal(t, "goblin.png", e.Filename)
	assert.Equal(t, "png", e.Filetype)
	assert.Contains(t, []string{site + "/content/a", site + "/content/b"}, e.SourceURL)
	assert.Equal(t, []string{"auto", "goblin", "sprite"}, e.Tags)
	assert.Nil(t, e.Verified)

	assert.FileExists(t, filepath.Join(env.Config.DownloadDir, "goblin.png"))
	assert.FileExists(t, filepath.Join(env.Config.DownloadDir, "tiles", "LICENSE.txt"))
	assert.FileExists(t, env.Catalog.Path())

	kinds := map[string]string{}
	for _, fl := range res.Failures {
		kinds[fl.Locator] = fl.Kind
	}
	assert.Equal(t, "permanent", kinds[gone.URL])
	assert.Contains(t, kinds, site+"/content/c")
	assert.False(t, env.Catalog.Has(model.Fingerprint(gone.URL)))
}

func TestScrapePass_SecondRunSkipsKnownAssets(t *testing.T) {
	env := newTestEnv(t)
	src := new(mockSource)
	env.Source = src
	link := scrape.AssetLink{URL: site + "/files/hero.png", Filename: "hero.png"}
	src.On("SearchLinks", mock.Anything, mock.Anything, mock.Anything).Return([]string{site + "/content/hero"}, nil)
	src.On("AssetLinks", mock.Anything, mock.Anything).Return([]scrape.AssetLink{link}, nil)
	f := newFakeFetcher(map[string][]byte{link.URL: []byte("x")})
	env.Fetcher = f

	_, err := scrapePass{}.Run(context.Background(), env)
	require.NoError(t, err)
	res, err := scrapePass{}.Run(context.Background(), env)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 0, res.Succeeded)
	assert.Equal(t, 1, f.downloadCount(link.URL))
}

func TestScrapePass_SameFilenameDistinctAssets(t *testing.T) {
	env := newTestEnv(t)
	env.Config.Scrape.Workers = 1
	src := new(mockSource)
	env.Source = src
	a := scrape.AssetLink{URL: site + "/files/a/sprite.png", Filename: "sprite.png"}
	b := scrape.AssetLink{URL: site + "/files/b/sprite.png", Filename: "sprite.png"}
	src.On("SearchLinks", mock.Anything, mock.Anything, mock.Anything).Return([]string{site + "/content/sprites"}, nil)
	src.On("AssetLinks", mock.Anything, mock.Anything).Return([]scrape.AssetLink{a, b}, nil)
	f := newFakeFetcher(map[string][]byte{a.URL: []byte("AAAA"), b.URL: []byte("BBBB")})
	env.Fetcher = f

	res, err := scrapePass{}.Run(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 1, f.downloadCount(a.URL))
	assert.Equal(t, 1, f.downloadCount(b.URL))

	ea, err := env.Catalog.Get(model.Fingerprint(a.URL))
	require.NoError(t, err)
	eb, err := env.Catalog.Get(model.Fingerprint(b.URL))
	require.NoError(t, err)
	assert.Equal(t, "sprite.png", ea.Filename)
	assert.Equal(t, "sprite-"+model.Fingerprint(b.URL)[:8]+".png", eb.Filename)
	assert.Equal(t, "png", eb.Filetype)

	data, err := os.ReadFile(filepath.Join(env.Config.DownloadDir, ea.Filename))
	require.NoError(t, err)
	assert.Equal(t, "AAAA", string(data))
	data, err = os.ReadFile(filepath.Join(env.Config.DownloadDir, eb.Filename))
	require.NoError(t, err)
	assert.Equal(t, "BBBB", string(data))
}

func TestScrapePass_RenamesWhenCatalogOwnsFilename(t *testing.T) {
	env := newTestEnv(t)
	putEntry(t, env, site+"/files/old/hero.png", model.CatalogEntry{Filename: "hero.png", Filetype: "png"})
	require.NoError(t, os.MkdirAll(env.Config.DownloadDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(env.Config.DownloadDir, "hero.png"), []byte("old"), 0o644))

	src := new(mockSource)
	env.Source = src
	link := scrape.AssetLink{URL: site + "/files/new/hero.png", Filename: "hero.png"}
	src.On("SearchLinks", mock.Anything, mock.Anything, mock.Anything).Return([]string{site + "/content/hero"}, nil)
	src.On("AssetLinks", mock.Anything, mock.Anything).Return([]scrape.AssetLink{link}, nil)
	f := newFakeFetcher(map[string][]byte{link.URL: []byte("new")})
	env.Fetcher = f

	res, err := scrapePass{}.Run(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 1, f.downloadCount(link.URL))

	e, err := env.Catalog.Get(model.Fingerprint(link.URL))
	require.NoError(t, err)
	assert.NotEqual(t, "hero.png", e.Filename)
	data, err := os.ReadFile(filepath.Join(env.Config.DownloadDir, e.Filename))
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
}

func TestScrapePass_SearchFailure(t *testing.T) {
	env := newTestEnv(t)
	src := new(mockSource)
	env.Source = src
	env.Fetcher = newFakeFetcher(nil)
	src.On("SearchLinks", mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("all pages failed"))

	res, err := scrapePass{}.Run(context.Background(), env)
	require.Error(t, err)
	assert.Equal(t, model.PassStatusFailed, res.Status)
	assert.Contains(t, res.Error, "scrape: search")
}

func TestScrapePass_RequiresSource(t *testing.T) {
	env := newTestEnv(t)
	_, err := scrapePass{}.Run(context.Background(), env)
	assert.Error(t, err)
}

func TestTagPass(t *testing.T) {
	env := newTestEnv(t)
	k1 := putEntry(t, env, "https://x/Goblin_Sprite.PNG", model.CatalogEntry{
		Filename: "Goblin_Sprite.PNG", Filetype: "png", Tags: []string{"Pixel"},
	})
	k2 := putEntry(t, env, "https://x/tiles.zip", model.CatalogEntry{Filename: "tiles.zip", Filetype: "zip"})

	res, err := tagPass{}.Run(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, model.PassStatusComplete, res.Status)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 1, res.Skipped)

	e, err := env.Catalog.Get(k1)
	require.NoError(t, err)
	assert.Equal(t, []string{"goblin", "pixel", "png", "sprite"}, e.Tags)

	e, err = env.Catalog.Get(k2)
	require.NoError(t, err)
	assert.Empty(t, e.Tags)

	res, err = tagPass{}.Run(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Skipped)
}

func TestTagPass_Cancelled(t *testing.T) {
	env := newTestEnv(t)
	putEntry(t, env, "https://x/goblin.png", model.CatalogEntry{Filename: "goblin.png", Filetype: "png"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := tagPass{}.Run(ctx, env)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, model.PassStatusFailed, res.Status)
	assert.Equal(t, 0, res.Processed)
}

func TestTagPass_PersistFailure(t *testing.T) {
	env := newTestEnv(t)
	putEntry(t, env, "https://x/goblin.png", model.CatalogEntry{Filename: "goblin.png", Filetype: "png"})
	require.NoError(t, os.MkdirAll(env.Catalog.Path(), 0o755))

	res, err := tagPass{}.Run(context.Background(), env)
	require.Error(t, err)
	assert.Equal(t, model.PassStatusFailed, res.Status)
	assert.Equal(t, 1, res.Succeeded)

	e, err := env.Catalog.Get(model.Fingerprint("https://x/goblin.png"))
	require.NoError(t, err)
	assert.Contains(t, e.Tags, "goblin")
}

func TestVerifyPass(t *testing.T) {
	env := newTestEnv(t)
	src := new(mockSource)
	env.Source = src

	archive := putEntry(t, env, "https://x/tiles.zip", model.CatalogEntry{
		Filename: "tiles.zip", Filetype: "zip", SourceURL: site + "/content/tiles",
	})
	dir := filepath.Join(env.Config.DownloadDir, "tiles")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "LICENSE.txt"), []byte("Creative Commons CC0"), 0o644))

	page := putEntry(t, env, "https://x/hero.png", model.CatalogEntry{
		Filename: "hero.png", Filetype: "png", SourceURL: site + "/content/hero",
	})
	broken := putEntry(t, env, "https://x/broken.png", model.CatalogEntry{
		Filename: "broken.png", Filetype: "png", SourceURL: site + "/content/broken",
	})
	verified := true
	score := 3
	done := putEntry(t, env, "https://x/done.png", model.CatalogEntry{
		Filename: "done.png", Filetype: "png", SourceURL: site + "/content/done",
		Verified: &verified, LicenseScore: &score,
	})

	src.On("PageText", mock.Anything, site+"/content/hero").Return("All rights reserved", nil)
	src.On("PageText", mock.Anything, site+"/content/broken").
		Return("", resilience.NewTransientError(errors.New("connection reset"), 0))

	res, err := verifyPass{}.Run(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, model.PassStatusPartial, res.Status)
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 1, res.Skipped)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, broken, res.Failures[0].Key)
	assert.Equal(t, "transient", res.Failures[0].Kind)

	e, _ := env.Catalog.Get(archive)
	assert.True(t, e.IsVerified())
	assert.Equal(t, 2, *e.LicenseScore)
	assert.FileExists(t, filepath.Join(dir, ".verification.json"))

	e, _ = env.Catalog.Get(page)
	assert.True(t, e.IsUnverified())
	assert.Equal(t, 0, *e.LicenseScore)

	e, _ = env.Catalog.Get(broken)
	assert.Nil(t, e.Verified)

	e, _ = env.Catalog.Get(done)
	assert.Equal(t, 3, *e.LicenseScore)
	src.AssertNotCalled(t, "PageText", mock.Anything, site+"/content/done")
}

func TestVerifyPass_ForceRechecks(t *testing.T) {
	env := newTestEnv(t)
	env.Config.Verify.Force = true
	src := new(mockSource)
	env.Source = src
	verified := false
	key := putEntry(t, env, "https://x/hero.png", model.CatalogEntry{
		Filename: "hero.png", Filetype: "png", SourceURL: site + "/content/hero", Verified: &verified,
	})
	src.On("PageText", mock.Anything, site+"/content/hero").Return("Licensed CC-BY 4.0, attribution required", nil)

	res, err := verifyPass{}.Run(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)

	e, _ := env.Catalog.Get(key)
	assert.True(t, e.IsVerified())
	assert.Equal(t, 3, *e.LicenseScore) // cc-by, attribution, license
}

func TestEnhancePass(t *testing.T) {
	env := newTestEnv(t)
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	env.Now = func() time.Time { return now }
	require.NoError(t, os.MkdirAll(env.Config.DownloadDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(env.Config.DownloadDir, "hero.png"), []byte("pixels"), 0o644))

	hero := putEntry(t, env, "https://x/hero.png", model.CatalogEntry{Filename: "hero.png", Filetype: "png"})
	putEntry(t, env, "https://x/tiles.zip", model.CatalogEntry{Filename: "tiles.zip", Filetype: "zip"})
	putEntry(t, env, "https://x/missing.jpg", model.CatalogEntry{Filename: "missing.jpg", Filetype: "jpg"})

	res, err := enhancePass{}.Run(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, model.PassStatusComplete, res.Status)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 2, res.Skipped)

	e, err := env.Catalog.Get(hero)
	require.NoError(t, err)
	require.NotNil(t, e.EnhancedAt)
	assert.True(t, now.Equal(*e.EnhancedAt))
	assert.Equal(t, "Simulated-Copy", e.EnhancementMethod)
	assert.InDelta(t, 0.95, *e.QualityScore, 0.0001)

	data, err := os.ReadFile(filepath.Join(env.Config.EnhancedDir(), "hero.png"))
	require.NoError(t, err)
	assert.Equal(t, "pixels", string(data))

	res, err = enhancePass{}.Run(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Skipped)
}

func TestEnhancePass_FailuresOpenBreaker(t *testing.T) {
	env := newTestEnv(t)
	env.Config.Enhance.Workers = 1
	env.Config.Enhance.FailureThreshold = 2
	enh := &failingEnhancer{err: errors.New("model crashed")}
	env.Enhancer = enh
	require.NoError(t, os.MkdirAll(env.Config.DownloadDir, 0o755))

	for _, name := range []string{"a.png", "b.png", "c.png", "d.png"} {
		require.NoError(t, os.WriteFile(filepath.Join(env.Config.DownloadDir, name), []byte(name), 0o644))
		putEntry(t, env, "https://x/"+name, model.CatalogEntry{Filename: name, Filetype: "png"})
	}

	res, err := enhancePass{}.Run(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, model.PassStatusPartial, res.Status)
	assert.Equal(t, 4, res.Failed)
	assert.Equal(t, 2, enh.calls)

	var open int
	for _, f := range res.Failures {
		if strings.Contains(f.Error, resilience.ErrCircuitOpen.Error()) {
			open++
		}
	}
	assert.Equal(t, 2, open)

	for _, e := range env.Catalog.Snapshot() {
		assert.False(t, e.IsEnhanced())
	}
}

func TestReportPasses(t *testing.T) {
	env := newTestEnv(t)
	putEntry(t, env, "https://x/hero.png", model.CatalogEntry{Filename: "hero.png", Filetype: "png"})

	res, err := reportPass{}.Run(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, model.PassStatusComplete, res.Status)
	assert.Equal(t, []string{
		filepath.Join(env.Config.Report.Dir, report.LicenseMarkdown),
		filepath.Join(env.Config.Report.Dir, report.LicenseCSV),
	}, res.Outputs)

	res, err = sysLogPass{}.Run(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	require.Len(t, res.Outputs, 1)
	assert.FileExists(t, res.Outputs[0])
}

func TestPassesShareCatalogConcurrently(t *testing.T) {
	env := newTestEnv(t)
	src := new(mockSource)
	env.Source = src
	src.On("PageText", mock.Anything, mock.Anything).Return("CC0", nil)
	for i := range 50 {
		name := fmt.Sprintf("goblin%02d.png", i)
		putEntry(t, env, "https://x/"+name, model.CatalogEntry{
			Filename: name, Filetype: "png", SourceURL: site + "/content/" + name,
		})
	}

	errs := make(chan error, 2)
	go func() { _, err := tagPass{}.Run(context.Background(), env); errs <- err }()
	go func() { _, err := verifyPass{}.Run(context.Background(), env); errs <- err }()
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)

	for _, e := range env.Catalog.Snapshot() {
		assert.Contains(t, e.Tags, "goblin")
		assert.True(t, e.IsVerified())
	}

	reopened, err := catalog.Open(env.Catalog.Path())
	require.NoError(t, err)
	assert.Equal(t, 50, reopened.Len())
}
