package agent

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/openretro/retrohd/internal/enhance"
	"github.com/openretro/retrohd/internal/fetcher"
	"github.com/openretro/retrohd/internal/model"
	"github.com/openretro/retrohd/internal/resilience"
)

type enhancePass struct{}

func newEnhancePass() Agent { return enhancePass{} }

func (enhancePass) ID() ID { return Enhance }

func (enhancePass) Description() string {
	return "Upscale downloaded images into the enhanced directory"
}

func (enhancePass) Run(ctx context.Context, env *Env) (*model.PassResult, error) {
	if err := env.check(false); err != nil {
		return nil, err
	}
	cfg := env.Config
	t := newTally(Enhance, env)

	enh := env.Enhancer
	if enh == nil {
		var err error
		if enh, err = enhance.New(cfg.Enhance.Method, cfg.Enhance.Scale); err != nil {
			return t.finish(err)
		}
	}

	// Consecutive enhancer failures open the breaker for the rest of the pass.
	breaker := resilience.NewCircuitBreaker("enhancer", resilience.CircuitBreakerConfig{
		FailureThreshold: cfg.Enhance.FailureThreshold,
		ResetTimeout:     time.Hour,
		ShouldTrip:       func(err error) bool { return ctx.Err() == nil },
		OnStateChange: func(name string, from, to resilience.CircuitState) {
			zap.L().Warn("enhance: breaker state changed",
				zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	outDir := cfg.EnhancedDir()

	forEach(ctx, env.Metrics, cfg.Enhance.Workers, env.Catalog.Keys(), func(ctx context.Context, key string) {
		e, err := env.Catalog.Get(key)
		if err != nil {
			t.fail(key, "", err)
			return
		}
		if !e.IsImage() || (e.IsEnhanced() && !cfg.Enhance.Force) {
			t.skip()
			return
		}

		src := filepath.Join(cfg.DownloadDir, e.Filename)
		data, err := os.ReadFile(src)
		if errors.Is(err, fs.ErrNotExist) {
			t.skip()
			return
		}
		if err != nil {
			t.fail(key, src, eris.Wrapf(err, "enhance: read %s", src))
			return
		}

		res, err := resilience.ExecuteVal(ctx, breaker, func(ctx context.Context) (*enhance.Result, error) {
			return enh.Enhance(ctx, data)
		})
		if err != nil {
			t.fail(key, src, err)
			return
		}

		dest := filepath.Join(outDir, e.Filename)
		if _, err := fetcher.WriteFileAtomic(dest, bytes.NewReader(res.Data)); err != nil {
			t.fail(key, src, err)
			return
		}

		now := env.now()
		err = env.Catalog.Update(key, func(e *model.CatalogEntry) error {
			quality := res.Quality
			e.EnhancedAt = &now
			e.EnhancementMethod = enh.Method()
			e.QualityScore = &quality
			return nil
		})
		if err != nil {
			t.fail(key, src, err)
			return
		}
		t.succeed()
	})

	return t.persistAndFinish(ctx)
}
