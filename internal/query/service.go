package query

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/lox/argoverify/internal/metrics"
	"github.com/lox/argoverify/internal/models"
	"github.com/lox/argoverify/internal/verify"
)

type Shape string

const (
	ShapeLeadTime     Shape = "lead_time"
	ShapeDepthProfile Shape = "depth_profile"
	ShapeComparison   Shape = "comparison"
)

// StationSelector names stations explicitly or by region/status filter.
// Explicit ids take precedence over the filter.
type StationSelector struct {
	StationIDs []string
	Region     string
	Status     models.StationStatus
}

// Request is everything a presentation layer can ask for. There is no
// process-wide selection state; each call carries its own parameters.
type Request struct {
	Selector  StationSelector
	Variable  models.Variable
	IssueDate time.Time
	FromLead  int
	ToLead    int
	// Depth asks for a depth profile at a single lead time (FromLead == ToLead).
	Depth bool
	// Compare asks for a multi-model comparison.
	Compare bool
	// Models selects the model(s). Empty means the configured preference
	// order for comparisons and the first preferred model otherwise.
	Models []string
}

// Result holds exactly one of the three series shapes. Cached results are
// shared between callers and must not be modified.
type Result struct {
	Shape      Shape                      `json:"shape"`
	LeadTime   *models.LeadTimeSeries     `json:"lead_time,omitempty"`
	Profile    *models.DepthProfileSeries `json:"depth_profile,omitempty"`
	Comparison *models.ModelComparison    `json:"comparison,omitempty"`
}

// plan is a validated, fully resolved request.
type plan struct {
	shape    Shape
	stations []string
	models   []string
	series   verify.SeriesRequest
}

type Service struct {
	catalog    verify.Catalog
	builder    *verify.Builder
	comparator *verify.Comparator
	cache      *Cache
	flight     singleflight.Group
	preference []string
	logger     *slog.Logger

	// waiting, when set, is called each time a caller starts waiting on a
	// computation.
	waiting func()
}

func NewService(catalog verify.Catalog, builder *verify.Builder, preference []string, cache *Cache, logger *slog.Logger) *Service {
	return &Service{
		catalog:    catalog,
		builder:    builder,
		comparator: verify.NewComparator(builder, preference),
		cache:      cache,
		preference: append([]string(nil), preference...),
		logger:     logger,
	}
}

func (s *Service) Models() []string {
	return append([]string(nil), s.preference...)
}

// Depths returns the standard depth levels profile results are binned to.
func (s *Service) Depths() []float64 {
	return s.builder.Matcher().Depths().Levels()
}

func (s *Service) MaxLeadDays() int {
	return s.builder.Matcher().Config().MaxLeadDays
}

// Query validates req, then returns a cached result or computes one. Malformed
// requests fail before any aggregation. Concurrent identical requests share a
// single computation.
func (s *Service) Query(ctx context.Context, req Request) (*Result, error) {
	p, err := s.plan(ctx, req)
	if err != nil {
		metrics.QueriesTotal.WithLabelValues(string(shapeOf(req)), "rejected").Inc()
		return nil, err
	}
	key := fingerprint(p)

	for {
		if res, ok := s.cache.Get(key); ok {
			metrics.CacheLookups.WithLabelValues("hit").Inc()
			metrics.QueriesTotal.WithLabelValues(string(p.shape), "ok").Inc()
			return res, nil
		}
		metrics.CacheLookups.WithLabelValues("miss").Inc()

		ch := s.flight.DoChan(key, func() (any, error) {
			return s.compute(ctx, key, p)
		})

		if s.waiting != nil {
			s.waiting()
		}
		select {
		case <-ctx.Done():
			metrics.QueriesTotal.WithLabelValues(string(p.shape), "cancelled").Inc()
			return nil, ctx.Err()
		case r := <-ch:
			if r.Err != nil {
				// The caller that started the shared computation went away or
				// ran out of time; we are still here, so start again.
				if r.Shared && callerGone(r.Err) && ctx.Err() == nil {
					continue
				}
				metrics.QueriesTotal.WithLabelValues(string(p.shape), outcome(r.Err)).Inc()
				return nil, r.Err
			}
			metrics.QueriesTotal.WithLabelValues(string(p.shape), "ok").Inc()
			return r.Val.(*Result), nil
		}
	}
}

func (s *Service) compute(ctx context.Context, key string, p plan) (*Result, error) {
	// A flight that finished between our cache miss and DoChan has already
	// stored its result.
	if res, ok := s.cache.Get(key); ok {
		return res, nil
	}
	deps := p.deps()
	snapshot := s.cache.Snapshot(deps)
	start := time.Now()

	res := &Result{Shape: p.shape}
	var err error
	switch p.shape {
	case ShapeDepthProfile:
		res.Profile, err = s.builder.DepthProfile(ctx, p.series)
	case ShapeComparison:
		res.Comparison, err = s.comparator.Compare(ctx, p.models, p.series)
	default:
		res.LeadTime, err = s.builder.LeadTimeSeries(ctx, p.series)
	}
	if err != nil {
		return nil, err
	}
	metrics.AggregationLatency.WithLabelValues(string(p.shape)).Observe(time.Since(start).Seconds())

	if !s.cache.Put(key, res, deps, snapshot) {
		s.logger.Debug("result computed across an invalidation, not cached", "key", key[:12])
	}
	return res, nil
}

// Invalidate drops cached results computed from the given station, variable
// and issue date.
func (s *Service) Invalidate(stationID string, v models.Variable, issueDate time.Time) {
	n := s.cache.Invalidate(DepKey{StationID: stationID, Variable: v, IssueDate: issueDate.UTC().Format(models.DateLayout)})
	if n > 0 {
		metrics.CacheInvalidations.Add(float64(n))
		s.logger.Debug("cache invalidated", "station", stationID, "variable", v, "issue_date", issueDate.Format(models.DateLayout), "entries", n)
	}
}

// InvalidateObservation drops results for every issue date whose forecasts
// could be matched against an observation taken at observedAt.
func (s *Service) InvalidateObservation(stationID string, v models.Variable, observedAt time.Time) {
	for _, issue := range AffectedIssueDates(observedAt, s.builder.Matcher().Config()) {
		s.Invalidate(stationID, v, issue)
	}
}

// AffectedIssueDates lists the issue dates whose valid time, for some lead in
// 1..MaxLeadDays, lies within the match window of observedAt.
func AffectedIssueDates(observedAt time.Time, cfg verify.MatchConfig) []time.Time {
	first := dayOf(observedAt.Add(-cfg.TimeWindow))
	last := dayOf(observedAt.Add(cfg.TimeWindow))

	seen := make(map[time.Time]bool)
	var out []time.Time
	for valid := first; !valid.After(last); valid = valid.AddDate(0, 0, 1) {
		if d := observedAt.Sub(valid); d > cfg.TimeWindow || d < -cfg.TimeWindow {
			continue
		}
		for lead := 1; lead <= cfg.MaxLeadDays; lead++ {
			issue := valid.AddDate(0, 0, -lead)
			if !seen[issue] {
				seen[issue] = true
				out = append(out, issue)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

func (s *Service) plan(ctx context.Context, req Request) (plan, error) {
	if !req.Variable.Valid() {
		return plan{}, verify.Invalidf("unknown variable %q", req.Variable)
	}
	if req.IssueDate.IsZero() {
		return plan{}, verify.Invalidf("forecast issue date is required")
	}
	matcher := s.builder.Matcher()
	if req.FromLead > req.ToLead {
		return plan{}, verify.Invalidf("lead range %d..%d is empty", req.FromLead, req.ToLead)
	}
	if err := matcher.ValidateLead(req.FromLead); err != nil {
		return plan{}, err
	}
	if err := matcher.ValidateLead(req.ToLead); err != nil {
		return plan{}, err
	}

	p := plan{shape: shapeOf(req)}
	switch p.shape {
	case ShapeDepthProfile:
		if !req.Variable.IsProfile() {
			return plan{}, verify.Invalidf("variable %s has no depth dimension", req.Variable)
		}
		if req.FromLead != req.ToLead {
			return plan{}, verify.Invalidf("depth profile needs a single lead time")
		}
		if req.Compare {
			return plan{}, verify.Invalidf("depth profile and model comparison cannot be combined")
		}
		fallthrough
	case ShapeLeadTime:
		switch len(req.Models) {
		case 0:
			if len(s.preference) == 0 {
				return plan{}, verify.Invalidf("no model requested and none configured")
			}
			p.models = s.preference[:1]
		case 1:
			p.models = req.Models
		default:
			return plan{}, verify.Invalidf("%d models requested without comparison", len(req.Models))
		}
	case ShapeComparison:
		p.models = req.Models
		if len(p.models) == 0 {
			p.models = s.preference
		}
	}
	if err := s.comparator.CheckModels(p.models); err != nil {
		return plan{}, err
	}

	stations, err := s.resolve(ctx, req.Selector)
	if err != nil {
		return plan{}, err
	}
	p.stations = stations
	p.series = verify.SeriesRequest{
		Stations:  stations,
		Variable:  req.Variable,
		Model:     p.models[0],
		IssueDate: dayOf(req.IssueDate),
		FromLead:  req.FromLead,
		ToLead:    req.ToLead,
	}
	return p, nil
}

// resolve turns a selector into a sorted list of known station ids. Unknown
// ids and empty selections are rejected as invalid arguments.
func (s *Service) resolve(ctx context.Context, sel StationSelector) ([]string, error) {
	reader := s.builder.Matcher()
	ids := make(map[string]bool)

	if len(sel.StationIDs) > 0 {
		for _, id := range sel.StationIDs {
			err := reader.Read(ctx, "station lookup", func(ctx context.Context) error {
				_, err := s.catalog.Station(ctx, id)
				return err
			})
			if errors.Is(err, verify.ErrNotFound) {
				return nil, verify.Invalidf("unknown station %q", id)
			}
			if err != nil {
				return nil, err
			}
			ids[id] = true
		}
	} else {
		if sel.Region == "" && sel.Status == "" {
			return nil, verify.Invalidf("empty station selector")
		}
		var stations []models.Station
		err := reader.Read(ctx, "station list", func(ctx context.Context) error {
			var err error
			stations, err = s.catalog.Stations(ctx, models.StationFilter{Region: sel.Region, Status: sel.Status})
			return err
		})
		if err != nil {
			return nil, err
		}
		for _, st := range stations {
			ids[st.StationID] = true
		}
		if len(ids) == 0 {
			return nil, verify.Invalidf("no stations match region %q status %q", sel.Region, sel.Status)
		}
	}

	out := make([]string, 0, len(ids))
	for id := range ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func shapeOf(req Request) Shape {
	switch {
	case req.Depth:
		return ShapeDepthProfile
	case req.Compare:
		return ShapeComparison
	default:
		return ShapeLeadTime
	}
}

func (p plan) deps() []DepKey {
	issue := p.series.IssueDate.Format(models.DateLayout)
	deps := make([]DepKey, len(p.stations))
	for i, st := range p.stations {
		deps[i] = DepKey{StationID: st, Variable: p.series.Variable, IssueDate: issue}
	}
	return deps
}

// fingerprint hashes the resolved parameter tuple. Stations are already
// sorted; model order is significant for comparisons.
func fingerprint(p plan) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s|%s|%s|%d|%d|", p.shape, p.series.Variable,
		p.series.IssueDate.Format(models.DateLayout), p.series.FromLead, p.series.ToLead)
	b.WriteString(strings.Join(p.stations, ","))
	b.WriteString("|")
	b.WriteString(strings.Join(p.models, ","))
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// callerGone reports errors caused by the context of whichever caller started
// a computation, as opposed to a store read exceeding its own bound.
func callerGone(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func outcome(err error) string {
	switch {
	case errors.Is(err, verify.ErrInsufficientData):
		return "insufficient_data"
	case errors.Is(err, verify.ErrTimeout):
		return "timeout"
	case errors.Is(err, verify.ErrNotFound):
		return "not_found"
	case errors.Is(err, verify.ErrInvalidArgument):
		return "invalid"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "error"
	}
}

func dayOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
