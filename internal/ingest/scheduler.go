package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
)

// Puller is satisfied by *ForecastPuller.
type Puller interface {
	Pull(ctx context.Context) (PullResult, error)
}

// StationJanitor marks stations inactive when they stop reporting.
type StationJanitor interface {
	MarkInactive(ctx context.Context, before time.Time) (int, error)
}

type Scheduler struct {
	puller       Puller
	janitor      StationJanitor
	pullInterval time.Duration
	staleAfter   time.Duration
	clock        clockwork.Clock
	logger       *slog.Logger
}

func NewScheduler(puller Puller, janitor StationJanitor, pullInterval, staleAfter time.Duration, clock clockwork.Clock, logger *slog.Logger) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Scheduler{
		puller:       puller,
		janitor:      janitor,
		pullInterval: pullInterval,
		staleAfter:   staleAfter,
		clock:        clock,
		logger:       logger.With("component", "scheduler"),
	}
}

// Run pulls forecasts immediately and then every pull interval until ctx is
// cancelled. Station status is refreshed hourly.
func (s *Scheduler) Run(ctx context.Context) {
	s.pullForecasts(ctx)
	s.markStale(ctx)

	pullTicker := s.clock.NewTicker(s.pullInterval)
	staleTicker := s.clock.NewTicker(time.Hour)
	defer pullTicker.Stop()
	defer staleTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler: shutting down")
			return
		case <-pullTicker.Chan():
			s.pullForecasts(ctx)
		case <-staleTicker.Chan():
			s.markStale(ctx)
		}
	}
}

// PullOnce runs a single forecast pull; used by the ingest command.
func (s *Scheduler) PullOnce(ctx context.Context) error {
	res, err := s.puller.Pull(ctx)
	if err != nil {
		return err
	}
	s.logger.Info("scheduler: forecast pull complete",
		"files", res.Files, "skipped", res.Skipped, "stored", res.Stored, "rejected", res.Rejected, "failed", res.Failed)
	return nil
}

func (s *Scheduler) pullForecasts(ctx context.Context) {
	if s.puller == nil {
		return
	}
	if err := s.PullOnce(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("scheduler: forecast pull failed", "error", err)
	}
}

func (s *Scheduler) markStale(ctx context.Context) {
	if s.janitor == nil || s.staleAfter <= 0 {
		return
	}
	n, err := s.janitor.MarkInactive(ctx, s.clock.Now().Add(-s.staleAfter))
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("scheduler: mark stale stations", "error", err)
		}
		return
	}
	if n > 0 {
		s.logger.Info("scheduler: stations marked inactive", "count", n)
	}
}
