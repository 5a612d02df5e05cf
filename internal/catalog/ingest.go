package catalog

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/openretro/retrohd/internal/model"
)

// Builder produces the entry for a newly discovered locator. It usually
// downloads the asset, so IngestIfNew runs it at most once per new locator.
type Builder func(ctx context.Context) (model.CatalogEntry, error)

type ingestOutcome struct {
	created bool
}

// IngestIfNew catalogs locator unless it is already known. Concurrent calls
// for the same locator share one check-build-insert sequence; only the caller
// whose builder actually ran sees created = true. A builder error inserts
// nothing, so a later call may try again.
func (s *Store) IngestIfNew(ctx context.Context, locator string, build Builder) (string, bool, error) {
	key := model.Fingerprint(locator)
	if s.Has(key) {
		return key, false, nil
	}

	ran := false
	v, err, _ := s.inflight.Do(key, func() (any, error) {
		ran = true
		if s.Has(key) {
			return ingestOutcome{}, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "catalog: ingest cancelled")
		}
		entry, err := build(ctx)
		if err != nil {
			return nil, err
		}
		if entry.AssetURL == "" {
			entry.AssetURL = locator
		}
		_, created := s.PutNew(key, entry)
		return ingestOutcome{created: created}, nil
	})
	if err != nil {
		return key, false, eris.Wrapf(err, "catalog: ingest %s", locator)
	}
	return key, ran && v.(ingestOutcome).created, nil
}
