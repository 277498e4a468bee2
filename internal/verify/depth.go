package verify

import (
	"fmt"
	"sort"
)

// DefaultDepthLevels are the standard levels in metres used to bin T/S profiles.
var DefaultDepthLevels = []float64{
	5, 10, 16, 22, 28, 34, 40, 46, 52, 59, 66, 73, 80, 87, 94, 101,
	113, 125, 137, 149, 161, 173, 185, 197, 217, 237, 257, 277, 297,
	322, 347, 372, 397, 422, 447, 472, 497, 522, 547, 572, 602, 634,
}

// DepthTable is an immutable, strictly increasing set of depth levels.
type DepthTable struct {
	levels []float64
}

func NewDepthTable(levels []float64) (*DepthTable, error) {
	if len(levels) == 0 {
		return nil, fmt.Errorf("depth table is empty")
	}
	for i, l := range levels {
		if l < 0 {
			return nil, fmt.Errorf("depth level %v is negative", l)
		}
		if i > 0 && l <= levels[i-1] {
			return nil, fmt.Errorf("depth levels not strictly increasing at index %d (%v after %v)", i, l, levels[i-1])
		}
	}
	cp := make([]float64, len(levels))
	copy(cp, levels)
	return &DepthTable{levels: cp}, nil
}

// MustDepthTable panics on an invalid table; for package-level defaults only.
func MustDepthTable(levels []float64) *DepthTable {
	t, err := NewDepthTable(levels)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *DepthTable) Levels() []float64 {
	cp := make([]float64, len(t.levels))
	copy(cp, t.levels)
	return cp
}

func (t *DepthTable) Len() int { return len(t.levels) }

// Bin maps depth to the nearest level. A depth belongs to a level when it lies
// within half the gap to each neighbour; the outermost levels extend by half
// their inner gap. Depths outside the table return false.
func (t *DepthTable) Bin(depth float64) (float64, bool) {
	n := len(t.levels)
	i := sort.SearchFloat64s(t.levels, depth)

	lower := func(j int) float64 {
		if j == 0 {
			if n == 1 {
				return t.levels[0]
			}
			return t.levels[0] - (t.levels[1]-t.levels[0])/2
		}
		return (t.levels[j-1] + t.levels[j]) / 2
	}
	upper := func(j int) float64 {
		if j == n-1 {
			if n == 1 {
				return t.levels[0]
			}
			return t.levels[n-1] + (t.levels[n-1]-t.levels[n-2])/2
		}
		return (t.levels[j] + t.levels[j+1]) / 2
	}

	for _, j := range []int{i - 1, i} {
		if j < 0 || j >= n {
			continue
		}
		if depth >= lower(j) && depth < upper(j) || depth == t.levels[j] {
			return t.levels[j], true
		}
	}
	return 0, false
}

// Contains reports whether depth is exactly one of the levels.
func (t *DepthTable) Contains(depth float64) bool {
	i := sort.SearchFloat64s(t.levels, depth)
	return i < len(t.levels) && t.levels[i] == depth
}
