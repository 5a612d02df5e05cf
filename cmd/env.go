package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/openretro/retrohd/internal/agent"
	"github.com/openretro/retrohd/internal/catalog"
	"github.com/openretro/retrohd/internal/config"
	"github.com/openretro/retrohd/internal/fetcher"
	"github.com/openretro/retrohd/internal/metrics"
	"github.com/openretro/retrohd/internal/orchestrator"
	"github.com/openretro/retrohd/internal/resilience"
	"github.com/openretro/retrohd/internal/runlog"
	"github.com/openretro/retrohd/internal/scrape"
)

// appEnv holds the catalog, run log, and orchestrator needed by the run,
// agent, report, and serve commands.
type appEnv struct {
	Catalog      *catalog.Store
	Runs         *runlog.Log
	Metrics      *metrics.Metrics
	Agents       *agent.Env
	Orchestrator *orchestrator.Orchestrator
}

// Close persists the catalog and closes the run log.
func (e *appEnv) Close() {
	if e.Catalog != nil {
		if err := e.Catalog.Persist(); err != nil {
			zap.L().Error("persist catalog on close", zap.Error(err))
		}
	}
	if e.Runs != nil {
		_ = e.Runs.Close()
	}
}

// openCatalog opens the configured catalog, reporting persists to m.
func openCatalog(c *config.Config, m *metrics.Metrics) (*catalog.Store, error) {
	var store *catalog.Store
	store, err := catalog.Open(c.CatalogPath(),
		catalog.WithPersistEvery(c.Catalog.PersistEvery),
		catalog.WithPersistObserver(func(err error) {
			m.ObservePersist(store.Len(), err)
		}),
	)
	if err != nil {
		return nil, eris.Wrap(err, "open catalog")
	}
	return store, nil
}

// openRunLog opens and migrates the run history database.
func openRunLog(ctx context.Context, c *config.Config) (*runlog.Log, error) {
	runs, err := runlog.Open(c.RunLog.Path)
	if err != nil {
		return nil, err
	}
	if err := runs.Migrate(ctx); err != nil {
		_ = runs.Close()
		return nil, eris.Wrap(err, "migrate run log")
	}
	return runs, nil
}

// newFetcher builds the HTTP fetcher from the scrape settings.
func newFetcher(c *config.Config, m *metrics.Metrics) *fetcher.HTTPFetcher {
	breaker := resilience.DefaultCircuitBreakerConfig()
	breaker.OnStateChange = func(host string, from, to resilience.CircuitState) {
		zap.L().Warn("fetcher: circuit state change",
			zap.String("host", host),
			zap.Stringer("from", from),
			zap.Stringer("to", to),
		)
		m.SetCircuitState(host, int(to))
	}
	return fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		UserAgent:         c.Scrape.UserAgent,
		Timeout:           time.Duration(c.Scrape.TimeoutSecs) * time.Second,
		RequestsPerSecond: c.Scrape.RequestsPerSecond,
		Burst:             c.Scrape.Burst,
		Retry:             resilience.NewRetryConfig(c.Scrape.MaxRetries, 0, 0),
		Breaker:           breaker,
		Observe:           m.ObserveFetch,
	})
}

// initEnv opens the catalog and run log and builds the orchestrator over
// the default registry. Callers should defer env.Close().
func initEnv(ctx context.Context, c *config.Config) (*appEnv, error) {
	m := metrics.New()

	store, err := openCatalog(c, m)
	if err != nil {
		return nil, err
	}

	runs, err := openRunLog(ctx, c)
	if err != nil {
		return nil, err
	}

	f := newFetcher(c, m)
	src, err := scrape.NewOpenGameArt(c.Scrape.BaseURL, f)
	if err != nil {
		_ = runs.Close()
		return nil, eris.Wrap(err, "init scrape source")
	}

	env := &agent.Env{
		Catalog: store,
		Fetcher: f,
		Source:  src,
		Config:  c,
		Metrics: m,
	}
	orch := orchestrator.New(agent.DefaultRegistry(), env, runs, orchestrator.Options{OnError: c.OnError})

	zap.L().Debug("environment ready",
		zap.String("catalog", store.Path()),
		zap.Int("entries", store.Len()),
		zap.String("runlog", c.RunLog.Path),
	)

	return &appEnv{
		Catalog:      store,
		Runs:         runs,
		Metrics:      m,
		Agents:       env,
		Orchestrator: orch,
	}, nil
}
