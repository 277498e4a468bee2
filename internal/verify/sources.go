package verify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/lox/argoverify/internal/models"
)

// Catalog is the read side of the station catalog.
type Catalog interface {
	// Station returns ErrNotFound for unknown ids.
	Station(ctx context.Context, id string) (models.Station, error)
	Stations(ctx context.Context, filter models.StationFilter) ([]models.Station, error)
}

// ObservationSource reads recorded float samples.
type ObservationSource interface {
	// Observations returns samples for station and variable observed within [from, to].
	Observations(ctx context.Context, stationID string, v models.Variable, from, to time.Time) ([]models.ObservationSample, error)
}

// ForecastKey addresses the forecast samples for one station and lead time.
type ForecastKey struct {
	Model     string
	Variable  models.Variable
	IssueDate time.Time
	LeadDays  int
	StationID string
}

// ForecastSource reads ingested model output.
type ForecastSource interface {
	Forecasts(ctx context.Context, key ForecastKey) ([]models.ForecastSample, error)
}

// Sources bundles the stores the matcher reads from.
type Sources struct {
	Catalog      Catalog
	Observations ObservationSource
	Forecasts    ForecastSource
}

// boundedReader runs store reads under a deadline. A read that runs out of
// time is retried once after a short backoff before ErrTimeout is returned.
type boundedReader struct {
	timeout      time.Duration
	initialDelay time.Duration
}

func (b boundedReader) do(ctx context.Context, what string, fn func(ctx context.Context) error) error {
	operation := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		readCtx, cancel := context.WithTimeout(ctx, b.timeout)
		defer cancel()

		err := fn(readCtx)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("%w: %s exceeded %s", ErrTimeout, what, b.timeout)
		}
		return backoff.Permanent(err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = b.initialDelay
	bo.MaxElapsedTime = 0
	return backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(bo, 1), ctx))
}
