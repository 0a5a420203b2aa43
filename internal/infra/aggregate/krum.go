package aggregate

import (
	"sort"

	"github.com/CavinKrenik/QRES-RaaS/internal/domain"
)

// ─── Krum ───────────────────────────────────────────────────────────────────

// Krum picks the vector whose summed squared distance to its n-f-2 nearest
// neighbours is smallest. With n ≤ 2f+2 the selection is meaningless and
// the weighted mean is used instead.
type Krum struct {
	base
	F int
}

// Name implements Strategy.
func (Krum) Name() string { return NameKrum }

// Aggregate implements Strategy.
func (s Krum) Aggregate(in []Weighted) (Result, error) {
	clean, dropped, dim := s.prepare(in)
	if len(clean) == 0 {
		return Result{Strategy: s.Name(), Dropped: dropped}, domain.ErrNoContributions
	}
	res := Result{Strategy: s.Name(), Dropped: dropped}
	if !krumFeasible(len(clean), s.F) {
		vec, _ := s.meanOf(clean, dim)
		res.Vector, res.Kept, res.Fallback = vec, ids(clean), FallbackWeightedMean
		return res, nil
	}

	ranked := krumRank(clean, s.F)
	best := ranked[0]
	res.Vector = clean[best].Vector.Clone()
	res.Kept = []string{clean[best].NodeID}
	for _, idx := range ranked[1:] {
		res.Trimmed = append(res.Trimmed, clean[idx].NodeID)
	}
	sort.Strings(res.Trimmed)
	return res, nil
}

// ─── Multi-Krum ─────────────────────────────────────────────────────────────

// MultiKrum averages the M lowest-scoring Krum candidates (M = n-f when 0).
type MultiKrum struct {
	base
	F int
	M int
}

// Name implements Strategy.
func (MultiKrum) Name() string { return NameMultiKrum }

// Aggregate implements Strategy.
func (s MultiKrum) Aggregate(in []Weighted) (Result, error) {
	clean, dropped, dim := s.prepare(in)
	n := len(clean)
	if n == 0 {
		return Result{Strategy: s.Name(), Dropped: dropped}, domain.ErrNoContributions
	}
	res := Result{Strategy: s.Name(), Dropped: dropped}
	if !krumFeasible(n, s.F) {
		vec, _ := s.meanOf(clean, dim)
		res.Vector, res.Kept, res.Fallback = vec, ids(clean), FallbackWeightedMean
		return res, nil
	}

	m := s.M
	if m <= 0 || m > n {
		m = n - s.F
	}
	ranked := krumRank(clean, s.F)
	selected := make([]Weighted, 0, m)
	for _, idx := range ranked[:m] {
		selected = append(selected, clean[idx])
	}
	for _, idx := range ranked[m:] {
		res.Trimmed = append(res.Trimmed, clean[idx].NodeID)
	}
	sort.Slice(selected, func(i, j int) bool { return selected[i].NodeID < selected[j].NodeID })
	sort.Strings(res.Trimmed)

	vec, fb := s.meanOf(selected, dim)
	res.Vector, res.Kept, res.Fallback = vec, ids(selected), fb
	return res, nil
}

// ─── Scoring ────────────────────────────────────────────────────────────────

func krumFeasible(n, f int) bool {
	return n >= 3 && n > 2*f+2
}

// krumRank returns indexes into in ordered by Krum score, ties by node id.
func krumRank(in []Weighted, f int) []int {
	n := len(in)
	k := n - f - 2

	dist := make([][]int64, n)
	for i := range dist {
		dist[i] = make([]int64, n)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			d := in[i].Vector.SquaredDistance(in[j].Vector)
			dist[i][j], dist[j][i] = d, d
		}
	}

	scores := make([]int64, n)
	row := make([]int64, 0, n-1)
	for i := 0; i < n; i++ {
		row = row[:0]
		for j := 0; j < n; j++ {
			if j != i {
				row = append(row, dist[i][j])
			}
		}
		sort.Slice(row, func(a, b int) bool { return row[a] < row[b] })
		var sum int64
		for _, d := range row[:k] {
			if sum > (1<<62)-d {
				sum = 1 << 62
				break
			}
			sum += d
		}
		scores[i] = sum
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		if scores[order[a]] != scores[order[b]] {
			return scores[order[a]] < scores[order[b]]
		}
		return in[order[a]].NodeID < in[order[b]].NodeID
	})
	return order
}
