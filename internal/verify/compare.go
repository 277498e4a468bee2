package verify

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/lox/argoverify/internal/models"
)

// Comparator runs the lead-time aggregation once per model and aligns the
// results on a shared lead-time axis.
type Comparator struct {
	builder *Builder
	known   map[string]bool
}

func NewComparator(b *Builder, knownModels []string) *Comparator {
	known := make(map[string]bool, len(knownModels))
	for _, m := range knownModels {
		known[m] = true
	}
	return &Comparator{builder: b, known: known}
}

// CheckModels fails with ErrNotFound for a model the registry does not know,
// and ErrInvalidArgument for an empty or repeated list.
func (c *Comparator) CheckModels(modelIDs []string) error {
	if len(modelIDs) == 0 {
		return invalidf("no models requested")
	}
	seen := make(map[string]bool, len(modelIDs))
	for _, id := range modelIDs {
		if !c.known[id] {
			return notFoundf("model %q", id)
		}
		if seen[id] {
			return invalidf("model %q listed twice", id)
		}
		seen[id] = true
	}
	return nil
}

// Compare builds a ModelComparison in the caller's model order. A model with
// no matched pairs is reported with an error and the comparison is flagged
// partial; it does not fail the request. The lead-time axis is the requested
// lead range, and a model without data at a lead time gets a missing point
// there.
func (c *Comparator) Compare(ctx context.Context, modelIDs []string, req SeriesRequest) (*models.ModelComparison, error) {
	if err := c.CheckModels(modelIDs); err != nil {
		return nil, err
	}

	results := make([]*models.LeadTimeSeries, len(modelIDs))
	failures := make([]error, len(modelIDs))

	g, gctx := errgroup.WithContext(ctx)
	for i, id := range modelIDs {
		g.Go(func() error {
			r := req
			r.Model = id
			series, err := c.builder.LeadTimeSeries(gctx, r)
			if err != nil {
				if isModelLevelFailure(err) {
					failures[i] = err
					return nil
				}
				return err
			}
			results[i] = series
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	axis := leadAxis(req.FromLead, req.ToLead)
	cmp := &models.ModelComparison{
		Stations:  sortedCopy(req.Stations),
		Variable:  req.Variable,
		IssueDate: truncateDay(req.IssueDate).Format(models.DateLayout),
		LeadDays:  axis,
	}
	for i, id := range modelIDs {
		entry := models.ModelResult{Model: id}
		if failures[i] != nil {
			entry.Error = failures[i].Error()
			cmp.Partial = true
		} else {
			aligned := alignSeries(results[i], axis)
			for _, p := range aligned.Points {
				if p.Missing {
					cmp.Partial = true
				}
			}
			entry.Series = aligned
		}
		cmp.Models = append(cmp.Models, entry)
	}
	return cmp, nil
}

func leadAxis(from, to int) []int {
	axis := make([]int, 0, to-from+1)
	for lead := from; lead <= to; lead++ {
		axis = append(axis, lead)
	}
	return axis
}

func alignSeries(s *models.LeadTimeSeries, axis []int) *models.LeadTimeSeries {
	byLead := make(map[int]models.Stats, len(s.Points))
	for _, p := range s.Points {
		if !p.Missing && p.Stats != nil {
			byLead[p.LeadDays] = *p.Stats
		}
	}
	out := *s
	out.Points = make([]models.LeadTimePoint, 0, len(axis))
	for _, lead := range axis {
		out.Points = append(out.Points, leadPoint(lead, byLead))
	}
	return &out
}
