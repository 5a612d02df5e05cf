package agent

import (
	"context"
	"errors"

	"github.com/openretro/retrohd/internal/model"
	"github.com/openretro/retrohd/internal/tagging"
)

const tagWorkers = 4

// errUnchanged aborts an update that would not change the entry.
var errUnchanged = errors.New("unchanged")

type tagPass struct{}

func newTagPass() Agent { return tagPass{} }

func (tagPass) ID() ID { return Tag }

func (tagPass) Description() string {
	return "Derive tags from filenames and filetypes"
}

func (tagPass) Run(ctx context.Context, env *Env) (*model.PassResult, error) {
	if err := env.check(false); err != nil {
		return nil, err
	}
	t := newTally(Tag, env)

	forEach(ctx, env.Metrics, tagWorkers, env.Catalog.Keys(), func(_ context.Context, key string) {
		err := env.Catalog.Update(key, func(e *model.CatalogEntry) error {
			if !tagging.Apply(e) {
				return errUnchanged
			}
			return nil
		})
		switch {
		case errors.Is(err, errUnchanged):
			t.skip()
		case err != nil:
			t.fail(key, "", err)
		default:
			t.succeed()
		}
	})

	return t.persistAndFinish(ctx)
}
