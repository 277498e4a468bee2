package verify

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lox/argoverify/internal/models"
)

// SeriesRequest describes a station-set aggregation for one model.
type SeriesRequest struct {
	Stations  []string
	Variable  models.Variable
	Model     string
	IssueDate time.Time
	FromLead  int
	ToLead    int
}

// Builder turns matched pairs into lead-time and depth series. Matching is
// fanned out over (station, lead time) groups on a bounded worker pool.
type Builder struct {
	matcher *Matcher
	workers int
}

func NewBuilder(m *Matcher, workers int) *Builder {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Builder{matcher: m, workers: workers}
}

func (b *Builder) Matcher() *Matcher { return b.matcher }

// Pairs matches every (station, lead) group in the request concurrently. A
// cancelled context stops scheduling new groups; groups already running finish
// their current read. A station listed twice is rejected, and a second pair
// for the same slot fails the request with ErrDuplicate.
func (b *Builder) Pairs(ctx context.Context, req SeriesRequest) ([]models.MatchedPair, error) {
	if req.FromLead > req.ToLead {
		return nil, invalidf("lead range %d..%d is empty", req.FromLead, req.ToLead)
	}
	for _, lead := range []int{req.FromLead, req.ToLead} {
		if err := b.matcher.ValidateLead(lead); err != nil {
			return nil, err
		}
	}

	seen := make(map[string]bool, len(req.Stations))
	for _, station := range req.Stations {
		if seen[station] {
			return nil, invalidf("station %s listed twice", station)
		}
		seen[station] = true
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.workers)

	var mu sync.Mutex
	set := NewPairSet()

	for _, station := range req.Stations {
		for lead := req.FromLead; lead <= req.ToLead; lead++ {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				res, err := b.matcher.Match(gctx, MatchRequest{
					StationID: station,
					Variable:  req.Variable,
					Model:     req.Model,
					IssueDate: req.IssueDate,
					LeadDays:  lead,
				})
				if err != nil {
					return fmt.Errorf("match %s lead %d: %w", station, lead, err)
				}
				mu.Lock()
				defer mu.Unlock()
				for _, p := range res.Pairs {
					if err := set.Add(p); err != nil {
						return err
					}
				}
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return set.Pairs(), nil
}

// LeadTimeSeries aggregates each lead time in the request. Lead times with no
// pairs are reported as missing points. ErrInsufficientData is returned when
// no lead time has any pair.
func (b *Builder) LeadTimeSeries(ctx context.Context, req SeriesRequest) (*models.LeadTimeSeries, error) {
	pairs, err := b.Pairs(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(pairs) == 0 {
		return nil, fmt.Errorf("%w: model %s has no matched pairs for %s", ErrInsufficientData, req.Model, req.Variable)
	}

	byLead := AggregateByLead(pairs)
	series := &models.LeadTimeSeries{
		Stations:  sortedCopy(req.Stations),
		Variable:  req.Variable,
		Model:     req.Model,
		IssueDate: truncateDay(req.IssueDate).Format(models.DateLayout),
	}
	for lead := req.FromLead; lead <= req.ToLead; lead++ {
		series.Points = append(series.Points, leadPoint(lead, byLead))
	}
	return series, nil
}

func leadPoint(lead int, byLead map[int]models.Stats) models.LeadTimePoint {
	s, ok := byLead[lead]
	if !ok {
		return models.LeadTimePoint{LeadDays: lead, Missing: true}
	}
	return models.LeadTimePoint{LeadDays: lead, Stats: &s}
}

// DepthProfile aggregates RMSE per depth bin for a single lead time. Only
// profile variables have a depth dimension.
func (b *Builder) DepthProfile(ctx context.Context, req SeriesRequest) (*models.DepthProfileSeries, error) {
	if !req.Variable.IsProfile() {
		return nil, invalidf("variable %s has no depth dimension", req.Variable)
	}
	if req.FromLead != req.ToLead {
		return nil, invalidf("depth profile needs a single lead time, got %d..%d", req.FromLead, req.ToLead)
	}
	pairs, err := b.Pairs(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(pairs) == 0 {
		return nil, fmt.Errorf("%w: no matched pairs at lead %d", ErrInsufficientData, req.FromLead)
	}

	byDepth := AggregateByDepth(pairs)
	series := &models.DepthProfileSeries{
		Stations:  sortedCopy(req.Stations),
		Variable:  req.Variable,
		Model:     req.Model,
		LeadDays:  req.FromLead,
		IssueDate: truncateDay(req.IssueDate).Format(models.DateLayout),
	}
	for _, level := range b.matcher.Depths().Levels() {
		p := models.DepthPoint{Depth: level}
		if s, ok := byDepth[level]; ok {
			rmse := s.RMSE
			p.RMSE = &rmse
			p.Count = s.Count
		} else {
			p.Missing = true
		}
		series.Points = append(series.Points, p)
	}
	return series, nil
}

func sortedCopy(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	return out
}

// isModelLevelFailure reports errors that only affect one model in a
// comparison. Anything else (cancellation, timeouts, bad input) fails the
// whole request.
func isModelLevelFailure(err error) bool {
	return errors.Is(err, ErrInsufficientData)
}
