package agent

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/openretro/retrohd/internal/catalog"
	"github.com/openretro/retrohd/internal/fetcher"
	"github.com/openretro/retrohd/internal/model"
	"github.com/openretro/retrohd/internal/scrape"
)

// autoTag marks tags assigned at ingestion.
const autoTag = "auto"

type scrapePass struct{}

func newScrapePass() Agent { return scrapePass{} }

func (scrapePass) ID() ID { return Scrape }

func (scrapePass) Description() string {
	return "Search for assets, download new ones, and add them to the catalog"
}

type discovered struct {
	page string
	link scrape.AssetLink
}

func (p scrapePass) Run(ctx context.Context, env *Env) (*model.PassResult, error) {
	if err := env.check(true); err != nil {
		return nil, err
	}
	if env.Fetcher == nil {
		return nil, eris.New("agent: fetcher not configured")
	}
	cfg := env.Config
	t := newTally(Scrape, env)
	log := zap.L().With(zap.String("agent", string(Scrape)), zap.String("query", cfg.SearchQuery))

	pages, err := env.Source.SearchLinks(ctx, cfg.SearchQuery, cfg.Pages)
	if err != nil {
		return t.finish(eris.Wrap(err, "scrape: search"))
	}
	log.Info("scrape: content pages found", zap.Int("pages", len(pages)))

	var mu sync.Mutex
	var assets []discovered
	forEach(ctx, env.Metrics, cfg.Scrape.Workers, pages, func(ctx context.Context, page string) {
		links, err := env.Source.AssetLinks(ctx, page)
		if err != nil {
			t.fail("", page, err)
			return
		}
		mu.Lock()
		for _, l := range links {
			assets = append(assets, discovered{page: page, link: l})
		}
		mu.Unlock()
	})
	log.Info("scrape: asset links found", zap.Int("assets", len(assets)))

	tags := append(strings.Fields(cfg.SearchQuery), autoTag)
	names := newFileNames(env.Catalog.Snapshot())
	forEach(ctx, env.Metrics, cfg.Scrape.Workers, assets, func(ctx context.Context, d discovered) {
		key, created, err := env.Catalog.IngestIfNew(ctx, d.link.URL, p.builder(env, d, tags, names))
		switch {
		case err != nil:
			t.fail(key, d.link.URL, err)
		case created:
			t.succeed()
		default:
			t.skip()
		}
	})

	return t.persistAndFinish(ctx)
}

// fileNames assigns each asset URL a file name in the download directory.
// The linked name is used unless another asset already owns it.
type fileNames struct {
	mu    sync.Mutex
	owner map[string]string // file name -> asset URL
}

func newFileNames(entries []model.CatalogEntry) *fileNames {
	n := &fileNames{owner: make(map[string]string, len(entries))}
	for _, e := range entries {
		n.owner[e.Filename] = e.AssetURL
	}
	return n
}

// claim returns the file name for assetURL, suffixing the linked name with
// the asset key when that name belongs to a different asset.
func (n *fileNames) claim(assetURL, name string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if owner, ok := n.owner[name]; !ok || owner == assetURL {
		n.owner[name] = assetURL
		return name
	}
	ext := filepath.Ext(name)
	unique := strings.TrimSuffix(name, ext) + "-" + model.Fingerprint(assetURL)[:8] + ext
	n.owner[unique] = assetURL
	return unique
}

// builder downloads the asset into the download directory and unpacks
// archives beside it. A file already on disk is reused only when no other
// asset owns its name.
func (scrapePass) builder(env *Env, d discovered, tags []string, names *fileNames) catalog.Builder {
	return func(ctx context.Context) (model.CatalogEntry, error) {
		cfg := env.Config
		filename := names.claim(d.link.URL, d.link.Filename)
		dest := filepath.Join(cfg.DownloadDir, filename)

		if _, err := os.Stat(dest); errors.Is(err, fs.ErrNotExist) {
			if _, err := env.Fetcher.DownloadToFile(ctx, d.link.URL, dest); err != nil {
				return model.CatalogEntry{}, err
			}
		} else if err != nil {
			return model.CatalogEntry{}, eris.Wrapf(err, "scrape: stat %s", dest)
		}

		entry := model.CatalogEntry{
			Filename:     filename,
			SourceURL:    d.page,
			AssetURL:     d.link.URL,
			Filetype:     model.FiletypeOf(filename),
			DownloadedAt: env.now(),
			Tags:         tags,
		}

		if entry.Filetype == "zip" && cfg.Scrape.ExtractArchives {
			dir := filepath.Join(cfg.DownloadDir, entry.Stem())
			files, err := fetcher.ExtractZIP(dest, dir)
			if err != nil {
				zap.L().Warn("scrape: archive not extracted", zap.String("file", dest), zap.Error(err))
			} else {
				zap.L().Debug("scrape: archive extracted", zap.String("dir", dir), zap.Int("files", len(files)))
			}
		}
		return entry, nil
	}
}
