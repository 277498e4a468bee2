package verify

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/lox/argoverify/internal/models"
)

// Aggregate reduces matched pairs to RMSE, bias and Pearson correlation.
//
// Pairs are put in a canonical order before any floating point reduction so
// the result depends only on the set of pairs, not on how they were collected.
// Correlation is nil with fewer than two pairs or when either side has zero
// variance.
func Aggregate(pairs []models.MatchedPair) (models.Stats, error) {
	if len(pairs) == 0 {
		return models.Stats{}, ErrInsufficientData
	}

	sorted := make([]models.MatchedPair, len(pairs))
	copy(sorted, pairs)
	sortPairs(sorted)

	fc := make([]float64, len(sorted))
	obs := make([]float64, len(sorted))
	diff := make([]float64, len(sorted))
	sq := make([]float64, len(sorted))
	for i, p := range sorted {
		fc[i] = p.Forecast
		obs[i] = p.Observation
		diff[i] = p.Forecast - p.Observation
		sq[i] = diff[i] * diff[i]
	}

	stats := models.Stats{
		Count: len(sorted),
		RMSE:  math.Sqrt(stat.Mean(sq, nil)),
		Bias:  stat.Mean(diff, nil),
	}
	stats.Correlation = correlation(fc, obs)
	return stats, nil
}

func correlation(x, y []float64) *float64 {
	if len(x) < 2 {
		return nil
	}
	if zeroVariance(x) || zeroVariance(y) {
		return nil
	}
	r := stat.Correlation(x, y, nil)
	if math.IsNaN(r) {
		return nil
	}
	// rounding can leave |r| a hair above 1
	r = math.Max(-1, math.Min(1, r))
	return &r
}

func zeroVariance(x []float64) bool {
	for _, v := range x[1:] {
		if v != x[0] {
			return false
		}
	}
	return true
}

// sortPairs orders pairs by every identifying field, then by value, giving a
// total order over distinct pairs.
func sortPairs(pairs []models.MatchedPair) {
	sort.Slice(pairs, func(i, j int) bool {
		a, b := pairs[i], pairs[j]
		if a.StationID != b.StationID {
			return a.StationID < b.StationID
		}
		if a.Model != b.Model {
			return a.Model < b.Model
		}
		if !a.IssueDate.Equal(b.IssueDate) {
			return a.IssueDate.Before(b.IssueDate)
		}
		if a.LeadDays != b.LeadDays {
			return a.LeadDays < b.LeadDays
		}
		if a.Depth.Float64 != b.Depth.Float64 {
			return a.Depth.Float64 < b.Depth.Float64
		}
		if a.Forecast != b.Forecast {
			return a.Forecast < b.Forecast
		}
		return a.Observation < b.Observation
	})
}

// AggregateByLead groups pairs by lead time and aggregates each group.
func AggregateByLead(pairs []models.MatchedPair) map[int]models.Stats {
	groups := make(map[int][]models.MatchedPair)
	for _, p := range pairs {
		groups[p.LeadDays] = append(groups[p.LeadDays], p)
	}
	out := make(map[int]models.Stats, len(groups))
	for lead, g := range groups {
		s, err := Aggregate(g)
		if err != nil {
			continue
		}
		out[lead] = s
	}
	return out
}

// AggregateByDepth groups profile pairs by depth bin.
func AggregateByDepth(pairs []models.MatchedPair) map[float64]models.Stats {
	groups := make(map[float64][]models.MatchedPair)
	for _, p := range pairs {
		if !p.Depth.Valid {
			continue
		}
		groups[p.Depth.Float64] = append(groups[p.Depth.Float64], p)
	}
	out := make(map[float64]models.Stats, len(groups))
	for depth, g := range groups {
		s, err := Aggregate(g)
		if err != nil {
			continue
		}
		out[depth] = s
	}
	return out
}
