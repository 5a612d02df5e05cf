// Package agent implements the catalog passes (scrape, tag, verify, enhance,
// report, syslog) and the table that maps pass identifiers to constructors.
package agent

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/openretro/retrohd/internal/catalog"
	"github.com/openretro/retrohd/internal/config"
	"github.com/openretro/retrohd/internal/enhance"
	"github.com/openretro/retrohd/internal/fetcher"
	"github.com/openretro/retrohd/internal/metrics"
	"github.com/openretro/retrohd/internal/model"
	"github.com/openretro/retrohd/internal/resilience"
	"github.com/openretro/retrohd/internal/scrape"
)

// ID identifies a pass.
type ID string

// Pass identifiers.
const (
	Scrape  ID = "scrape"
	Tag     ID = "tag"
	Verify  ID = "verify"
	Enhance ID = "enhance"
	Report  ID = "report"
	SysLog  ID = "syslog"
)

// Agent is one pass over the catalog. Run returns a result even when it
// also returns an error; the error means the pass as a whole failed (for
// example the catalog could not be persisted), while per-asset failures
// are only recorded in the result.
type Agent interface {
	ID() ID
	Description() string
	Run(ctx context.Context, env *Env) (*model.PassResult, error)
}

// Env holds the collaborators shared by every pass.
type Env struct {
	Catalog  *catalog.Store
	Fetcher  fetcher.Fetcher
	Source   scrape.Source
	Enhancer enhance.Enhancer // nil: built from Config.Enhance
	Config   *config.Config
	Metrics  *metrics.Metrics

	// Now defaults to time.Now.
	Now func() time.Time
}

func (e *Env) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e *Env) check(needSource bool) error {
	if e.Catalog == nil {
		return eris.New("agent: catalog not configured")
	}
	if e.Config == nil {
		return eris.New("agent: config not configured")
	}
	if needSource && e.Source == nil {
		return eris.New("agent: scrape source not configured")
	}
	return nil
}

// tally accumulates per-asset outcomes from concurrent workers.
type tally struct {
	id  ID
	env *Env

	mu  sync.Mutex
	res *model.PassResult
}

func newTally(id ID, env *Env) *tally {
	return &tally{
		id:  id,
		env: env,
		res: &model.PassResult{Agent: string(id), StartedAt: env.now()},
	}
}

func (t *tally) succeed() {
	t.env.Metrics.ObserveAsset(string(t.id), "succeeded")
	t.mu.Lock()
	defer t.mu.Unlock()
	t.res.Processed++
	t.res.Succeeded++
}

func (t *tally) skip() {
	t.env.Metrics.ObserveAsset(string(t.id), "skipped")
	t.mu.Lock()
	defer t.mu.Unlock()
	t.res.Processed++
	t.res.Skipped++
}

func (t *tally) fail(key, locator string, err error) {
	t.env.Metrics.ObserveAsset(string(t.id), "failed")
	zap.L().Warn("agent: asset failed",
		zap.String("agent", string(t.id)),
		zap.String("key", key),
		zap.String("locator", locator),
		zap.Error(err),
	)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.res.Processed++
	t.res.Failed++
	t.res.Failures = append(t.res.Failures, model.AssetFailure{
		Key:     key,
		Locator: locator,
		Error:   err.Error(),
		Kind:    resilience.Classify(err),
	})
}

func (t *tally) output(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.res.Outputs = append(t.res.Outputs, path)
}

// finish stamps the duration and status. A non-nil err marks the pass failed.
func (t *tally) finish(err error) (*model.PassResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.res.Duration = t.env.now().Sub(t.res.StartedAt)
	if err != nil {
		t.res.Status = model.PassStatusFailed
		t.res.Error = err.Error()
	}
	t.res.Finalize()
	return t.res, err
}

// persistAndFinish persists the catalog and finishes the pass. A persist
// failure or a cancelled context fails the pass; per-asset results are kept.
func (t *tally) persistAndFinish(ctx context.Context) (*model.PassResult, error) {
	var err error
	if perr := t.env.Catalog.Persist(); perr != nil {
		err = eris.Wrapf(perr, "%s: persist catalog", t.id)
	}
	if cerr := ctx.Err(); cerr != nil && err == nil {
		err = eris.Wrapf(cerr, "%s: cancelled", t.id)
	}
	return t.finish(err)
}

// forEach runs fn over items with at most workers in flight. The context is
// checked before each item is scheduled and again when it starts, so a
// cancelled pass stops between assets.
func forEach[T any](ctx context.Context, m *metrics.Metrics, workers int, items []T, fn func(ctx context.Context, item T)) {
	if workers < 1 {
		workers = 1
	}
	var g errgroup.Group
	g.SetLimit(workers)
	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			m.AssetStarted()
			defer m.AssetDone()
			fn(ctx, item)
			return nil
		})
	}
	_ = g.Wait()
}
