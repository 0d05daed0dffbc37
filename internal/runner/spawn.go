package runner

import (
	"math"

	"golang.org/x/exp/slices"

	"github.com/joeycumines/swarmworker/internal/task"
)

// spawnCounts distributes n virtual clients across protos by weight, per
// spec §4.7's spawning procedure. When every prototype has zero weight it
// falls back to floor division, discarding the remainder - a literal
// reading of the spec that can under-provision n when len(protos) doesn't
// divide it evenly (see DESIGN.md).
//
// Otherwise it uses the largest-remainder method: each prototype's ideal
// share floors to an integer count, and the n-sum(floors) leftover slots go
// to the prototypes with the largest fractional remainder, ties broken by
// iteration order - matching the "rounding to nearest, ties broken by
// iteration order" language of spec §4.7's scenario S2, while guaranteeing
// the counts sum to exactly n.
func spawnCounts(protos []task.Prototype, n int) []int {
	counts := make([]int, len(protos))
	if len(protos) == 0 || n <= 0 {
		return counts
	}

	var sum float64
	for _, p := range protos {
		sum += p.Weight()
	}

	if sum <= 0 {
		base := n / len(protos)
		for i := range counts {
			counts[i] = base
		}
		return counts
	}

	type remainder struct {
		index int
		frac  float64
	}
	remainders := make([]remainder, len(protos))
	allocated := 0
	for i, p := range protos {
		ideal := p.Weight() / sum * float64(n)
		floor := math.Floor(ideal)
		counts[i] = int(floor)
		remainders[i] = remainder{index: i, frac: ideal - floor}
		allocated += counts[i]
	}

	leftover := n - allocated
	slices.SortStableFunc(remainders, func(a, b remainder) int {
		switch {
		case a.frac > b.frac:
			return -1
		case a.frac < b.frac:
			return 1
		default:
			return 0
		}
	})
	for i := 0; i < leftover && i < len(remainders); i++ {
		counts[remainders[i].index]++
	}

	return counts
}
