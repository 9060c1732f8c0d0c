package fetcher

import (
	"context"

	"cewatcher/internal/storage"
)

// StaticSource returns a fixed set of observations. Used by the simulate command.
type StaticSource struct {
	Rates map[string]storage.RateObservation
}

func (s *StaticSource) FetchRates(_ context.Context, ids []string) (map[string]storage.RateObservation, error) {
	out := make(map[string]storage.RateObservation, len(ids))
	for _, id := range ids {
		if obs, ok := s.Rates[id]; ok {
			out[id] = obs
		}
	}
	return out, nil
}

var _ RateSource = (*StaticSource)(nil)
