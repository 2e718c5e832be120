package results

import (
	"context"
	"fmt"

	"github.com/animus-labs/experiment-results/internal/domain"
	"github.com/animus-labs/experiment-results/internal/repo"
)

type resolver struct {
	experiments repo.ExperimentRepository
	hashFormat  domain.HashFormat
}

// resolve turns a mode into candidate experiment ids. Order follows the mode's
// pairs, then hash format, then the store's order within one hash. Duplicates
// are kept.
func (r resolver) resolve(ctx context.Context, mode domain.Mode) ([]string, error) {
	switch m := mode.(type) {
	case domain.ExperimentMode:
		return append([]string(nil), m.IDs...), nil
	case domain.SearchMode:
		var ids []string
		for _, pair := range m.Pairs {
			for _, hash := range r.hashes(pair.LocationID, pair.ExecutorID) {
				found, err := r.experiments.FindByHash(ctx, hash)
				if err != nil {
					return nil, fmt.Errorf("find experiments by hash: %w", err)
				}
				ids = appendIDs(ids, found)
			}
		}
		return ids, nil
	case domain.AlgorithmMode:
		var ids []string
		for _, triple := range m.Triples {
			for _, hash := range r.hashes(triple.LocationID, triple.ExecutorID) {
				found, err := r.experiments.FindByHashAndAlgorithmID(ctx, hash, triple.AlgorithmID)
				if err != nil {
					return nil, fmt.Errorf("find experiments by hash and algorithm: %w", err)
				}
				ids = appendIDs(ids, found)
			}
		}
		return ids, nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: %T", domain.ErrInvalidMode, mode)
	}
}

// hashes lists the fingerprints to look up for one pair. Rows written before a
// switch away from the legacy format keep their legacy hash, so it is always
// queried too.
func (r resolver) hashes(locationID, executorID string) []string {
	out := []string{r.hashFormat.ExperimentHash(locationID, executorID)}
	if r.hashFormat != domain.HashFormatLegacy {
		out = append(out, domain.HashFormatLegacy.ExperimentHash(locationID, executorID))
	}
	return out
}

func appendIDs(ids []string, experiments []domain.Experiment) []string {
	for _, e := range experiments {
		ids = append(ids, e.ID)
	}
	return ids
}
