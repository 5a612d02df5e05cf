package agent

import (
	"context"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"

	"github.com/openretro/retrohd/internal/license"
	"github.com/openretro/retrohd/internal/model"
)

type verifyPass struct{}

func newVerifyPass() Agent { return verifyPass{} }

func (verifyPass) ID() ID { return Verify }

func (verifyPass) Description() string {
	return "Scan license files or source pages for license keywords"
}

func (verifyPass) Run(ctx context.Context, env *Env) (*model.PassResult, error) {
	if err := env.check(true); err != nil {
		return nil, err
	}
	cfg := env.Config
	t := newTally(Verify, env)

	forEach(ctx, env.Metrics, cfg.Verify.Workers, env.Catalog.Keys(), func(ctx context.Context, key string) {
		e, err := env.Catalog.Get(key)
		if err != nil {
			t.fail(key, "", err)
			return
		}
		if e.Verified != nil && !cfg.Verify.Force {
			t.skip()
			return
		}

		res, err := scanLicense(ctx, env, e)
		if err != nil {
			t.fail(key, e.SourceURL, err)
			return
		}
		err = env.Catalog.Update(key, func(e *model.CatalogEntry) error {
			verified, score := res.Verified, res.Score
			e.Verified = &verified
			e.LicenseScore = &score
			return nil
		})
		if err != nil {
			t.fail(key, e.SourceURL, err)
			return
		}
		t.succeed()
	})

	return t.persistAndFinish(ctx)
}

// scanLicense checks the entry's extracted archive directory when there is
// one, and otherwise the text of its source page.
func scanLicense(ctx context.Context, env *Env, e model.CatalogEntry) (license.Result, error) {
	dir := filepath.Join(env.Config.DownloadDir, e.Stem())
	if fi, err := os.Stat(dir); err == nil && fi.IsDir() {
		return license.ScanDir(dir, env.Config.Verify.Force)
	}
	if e.SourceURL == "" {
		return license.Result{}, eris.Errorf("verify: %s has no license directory or source page", e.Filename)
	}
	text, err := env.Source.PageText(ctx, e.SourceURL)
	if err != nil {
		return license.Result{}, err
	}
	return license.Scan(text), nil
}
