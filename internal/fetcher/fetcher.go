package fetcher

import (
	"context"
	"errors"

	"cewatcher/internal/storage"
)

// ErrFetch wraps every transport or decode failure of a rate source.
var ErrFetch = errors.New("fetch failure")

// RateSource returns current observations for the requested rate ids. Ids the
// source does not know about are logged and left out of the result.
type RateSource interface {
	FetchRates(ctx context.Context, ids []string) (map[string]storage.RateObservation, error)
}
