// Package aggregate combines admitted update vectors into one consensus
// vector that tolerates a bounded fraction of adversarial inputs.
//
// Strategies (selected per regime):
//   - WeightedMean: reputation-weighted mean (Calm, efficiency first)
//   - TrimmedMean: per-dimension trim of f from each end, weighted mean of the rest
//   - Median: per-dimension median
//   - Krum: the single candidate closest to its n-f-2 neighbours
//   - MultiKrum: weighted mean of the M best Krum candidates
//
// Every strategy is pure Q16.16 integer math over a canonically ordered
// input, so independent nodes fed the same set reach bit-identical results.
package aggregate

import (
	"fmt"
	"sort"
	"strings"

	"github.com/CavinKrenik/QRES-RaaS/internal/domain"
)

// ─── Types ──────────────────────────────────────────────────────────────────

// Weighted is one admitted contribution and its raw influence weight.
type Weighted struct {
	NodeID string
	Vector domain.Vector
	Weight domain.Fixed
}

// Result is the outcome of one aggregation.
type Result struct {
	Vector   domain.Vector
	Strategy string
	Kept     []string // contributors that fed the result
	Trimmed  []string // contributors trimmed in most dimensions
	Dropped  []string // malformed or duplicate entries
	Fallback string   // non-empty when a fallback path was taken
}

// Strategy is one aggregation rule.
type Strategy interface {
	Name() string
	Aggregate(in []Weighted) (Result, error)
}

// Strategy names accepted by New.
const (
	NameWeightedMean = "weighted_mean"
	NameTrimmedMean  = "trimmed_mean"
	NameMedian       = "median"
	NameKrum         = "krum"
	NameMultiKrum    = "multi_krum"
)

// Fallback labels recorded in Result.Fallback.
const (
	FallbackReducedTrim  = "reduced_trim"
	FallbackWeightedMean = "weighted_mean"
	FallbackUnweighted   = "unweighted_mean"
)

// TrimDimensionFraction: a node trimmed in at least this share of dimensions
// is reported in Result.Trimmed.
const TrimDimensionFraction = 0.7

// ─── Configuration ──────────────────────────────────────────────────────────

// Config configures strategy construction.
type Config struct {
	F          int     // assumed Byzantine count
	MultiKrumM int     // 0 = n-f
	Dimension  int     // 0 = modal length of the input
	ShareCap   float64 // max share of weight per node (0 disables)
	Calm       string
	PreStorm   string
	Storm      string
}

// DefaultConfig returns the per-regime defaults.
func DefaultConfig() Config {
	return Config{
		F:        1,
		ShareCap: 0.03,
		Calm:     NameWeightedMean,
		PreStorm: NameTrimmedMean,
		Storm:    NameTrimmedMean,
	}
}

// New builds a strategy by name.
func New(name string, cfg Config) (Strategy, error) {
	base := base{dim: cfg.Dimension, cap: domain.FromFloat(cfg.ShareCap)}
	switch strings.ToLower(name) {
	case NameWeightedMean:
		return WeightedMean{base}, nil
	case NameTrimmedMean:
		return TrimmedMean{base: base, F: cfg.F}, nil
	case NameMedian:
		return Median{base}, nil
	case NameKrum:
		return Krum{base: base, F: cfg.F}, nil
	case NameMultiKrum:
		return MultiKrum{base: base, F: cfg.F, M: cfg.MultiKrumM}, nil
	}
	return nil, fmt.Errorf("%q: %w", name, domain.ErrUnknownStrategy)
}

// ForRegime selects the configured strategy for a regime.
func ForRegime(r domain.Regime, cfg Config) (Strategy, error) {
	name := cfg.Calm
	switch r {
	case domain.RegimePreStorm:
		name = cfg.PreStorm
	case domain.RegimeStorm:
		name = cfg.Storm
	}
	return New(name, cfg)
}

// ─── Shared Plumbing ────────────────────────────────────────────────────────

type base struct {
	dim int
	cap domain.Fixed
}

// prepare sorts by node id, drops duplicates and dimension mismatches.
func (b base) prepare(in []Weighted) (clean []Weighted, dropped []string, dim int) {
	sorted := append([]Weighted(nil), in...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].NodeID < sorted[j].NodeID })

	dim = b.dim
	if dim <= 0 {
		dim = modalLength(sorted)
	}

	seen := make(map[string]bool, len(sorted))
	for _, w := range sorted {
		if seen[w.NodeID] || len(w.Vector) != dim || dim == 0 {
			dropped = append(dropped, w.NodeID)
			continue
		}
		seen[w.NodeID] = true
		if w.Weight < 0 {
			w.Weight = 0
		}
		clean = append(clean, w)
	}
	return clean, dropped, dim
}

// modalLength returns the most common vector length (ties → shorter).
func modalLength(in []Weighted) int {
	counts := make(map[int]int)
	for _, w := range in {
		counts[len(w.Vector)]++
	}
	best, bestCount := 0, 0
	for l, c := range counts {
		if c > bestCount || (c == bestCount && l < best) {
			best, bestCount = l, c
		}
	}
	return best
}

func ids(in []Weighted) []string {
	out := make([]string, len(in))
	for i, w := range in {
		out[i] = w.NodeID
	}
	return out
}

// CapShares turns raw weights into Q16.16 shares of the total, capped so
// none exceeds max(cap, 1/m). A zero total returns nil (caller falls back
// to an unweighted mean). cap <= 0 disables capping.
func CapShares(weights []domain.Fixed, cap domain.Fixed) []domain.Fixed {
	m := len(weights)
	if m == 0 {
		return nil
	}
	var total int64
	for _, w := range weights {
		total += int64(w)
	}
	if total <= 0 {
		return nil
	}

	// Only equal shares satisfy a cap at or below 1/m.
	if cap > 0 && int64(cap)*int64(m) <= int64(domain.One) {
		return equalShares(m)
	}

	capped := make([]bool, m)
	if cap > 0 {
		// Water-filling: T = S_uncapped / (1 - |C|·cap); cap anyone above cap·T.
		for iter := 0; iter < m; iter++ {
			var sumU int64
			nC := int64(0)
			for i, w := range weights {
				if capped[i] {
					nC++
				} else {
					sumU += int64(w)
				}
			}
			denom := int64(domain.One) - nC*int64(cap)
			if denom <= 0 || sumU == 0 {
				return equalShares(m)
			}
			t := sumU * int64(domain.One) / denom
			limit := int64(cap) * t >> domain.FracBits
			changed := false
			for i, w := range weights {
				if !capped[i] && int64(w) > limit {
					capped[i] = true
					changed = true
				}
			}
			if !changed {
				break
			}
		}
	}

	var sumU int64
	nC := int64(0)
	for i, w := range weights {
		if capped[i] {
			nC++
		} else {
			sumU += int64(w)
		}
	}
	uncappedShare := int64(domain.One) - nC*int64(cap)
	if cap <= 0 {
		uncappedShare = int64(domain.One)
	}

	shares := make([]domain.Fixed, m)
	for i, w := range weights {
		if capped[i] {
			shares[i] = cap
			continue
		}
		if sumU > 0 {
			shares[i] = domain.WideToFixed(int64(w) * uncappedShare / sumU)
		}
	}
	return shares
}

func equalShares(m int) []domain.Fixed {
	shares := make([]domain.Fixed, m)
	for i := range shares {
		shares[i] = domain.WideToFixed(int64(domain.One) / int64(m))
	}
	return shares
}

// weightedAverage computes Σ share·x / Σ share for one coordinate.
// nil shares means unweighted.
func weightedAverage(values []domain.Fixed, shares []domain.Fixed) domain.Fixed {
	if len(values) == 0 {
		return 0
	}
	if shares == nil {
		var sum int64
		for _, v := range values {
			sum += int64(v)
		}
		return domain.WideToFixed(floorDiv(sum, int64(len(values))))
	}
	var num, den int64
	for i, v := range values {
		num += int64(shares[i]) * int64(v)
		den += int64(shares[i])
	}
	if den == 0 {
		return weightedAverage(values, nil)
	}
	return domain.WideToFixed(floorDiv(num, den))
}

// floorDiv rounds toward negative infinity so results do not depend on sign.
func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// meanOf aggregates every entry with capped weights, falling back to an
// unweighted mean when all weights are zero.
func (b base) meanOf(in []Weighted, dim int) (domain.Vector, string) {
	weights := make([]domain.Fixed, len(in))
	for i, w := range in {
		weights[i] = w.Weight
	}
	shares := CapShares(weights, b.cap)
	fallback := ""
	if shares == nil {
		fallback = FallbackUnweighted
	}

	out := domain.NewVector(dim)
	col := make([]domain.Fixed, len(in))
	for d := 0; d < dim; d++ {
		for i, w := range in {
			col[i] = w.Vector[d]
		}
		out[d] = weightedAverage(col, shares)
	}
	return out, fallback
}

// ─── Weighted Mean ──────────────────────────────────────────────────────────

// WeightedMean is the reputation-weighted mean of every admitted vector.
type WeightedMean struct{ base }

// Name implements Strategy.
func (WeightedMean) Name() string { return NameWeightedMean }

// Aggregate implements Strategy.
func (s WeightedMean) Aggregate(in []Weighted) (Result, error) {
	clean, dropped, dim := s.prepare(in)
	if len(clean) == 0 {
		return Result{Strategy: s.Name(), Dropped: dropped}, domain.ErrNoContributions
	}
	vec, fb := s.meanOf(clean, dim)
	return Result{Vector: vec, Strategy: s.Name(), Kept: ids(clean), Dropped: dropped, Fallback: fb}, nil
}

// ─── Trimmed Mean ───────────────────────────────────────────────────────────

// TrimmedMean discards the f_eff lowest and highest values per dimension,
// f_eff = min(F, ⌊(n-1)/2⌋), then takes the weighted mean of the rest.
type TrimmedMean struct {
	base
	F int
}

// Name implements Strategy.
func (TrimmedMean) Name() string { return NameTrimmedMean }

// Aggregate implements Strategy.
func (s TrimmedMean) Aggregate(in []Weighted) (Result, error) {
	clean, dropped, dim := s.prepare(in)
	n := len(clean)
	if n == 0 {
		return Result{Strategy: s.Name(), Dropped: dropped}, domain.ErrNoContributions
	}

	fEff := s.F
	if limit := (n - 1) / 2; fEff > limit {
		fEff = limit
	}
	res := Result{Strategy: s.Name(), Dropped: dropped}
	if fEff < s.F {
		res.Fallback = FallbackReducedTrim
	}
	if fEff < 1 {
		vec, fb := s.meanOf(clean, dim)
		res.Vector, res.Kept = vec, ids(clean)
		res.Fallback = FallbackWeightedMean
		if fb != "" {
			res.Fallback = fb
		}
		return res, nil
	}

	trimCount := make([]int, n)
	order := make([]int, n)
	out := domain.NewVector(dim)
	keptVals := make([]domain.Fixed, 0, n-2*fEff)
	keptW := make([]domain.Fixed, 0, n-2*fEff)
	unweighted := false

	for d := 0; d < dim; d++ {
		for i := range order {
			order[i] = i
		}
		sort.SliceStable(order, func(a, b int) bool {
			va, vb := clean[order[a]].Vector[d], clean[order[b]].Vector[d]
			if va != vb {
				return va < vb
			}
			return clean[order[a]].NodeID < clean[order[b]].NodeID
		})

		for _, idx := range order[:fEff] {
			trimCount[idx]++
		}
		for _, idx := range order[n-fEff:] {
			trimCount[idx]++
		}

		keptVals, keptW = keptVals[:0], keptW[:0]
		for _, idx := range order[fEff : n-fEff] {
			keptVals = append(keptVals, clean[idx].Vector[d])
			keptW = append(keptW, clean[idx].Weight)
		}
		shares := CapShares(keptW, s.cap)
		if shares == nil {
			unweighted = true
		}
		out[d] = weightedAverage(keptVals, shares)
	}

	threshold := int(float64(dim) * TrimDimensionFraction)
	if threshold < 1 {
		threshold = 1
	}
	for i, c := range trimCount {
		if c >= threshold {
			res.Trimmed = append(res.Trimmed, clean[i].NodeID)
		} else {
			res.Kept = append(res.Kept, clean[i].NodeID)
		}
	}
	if unweighted && res.Fallback == "" {
		res.Fallback = FallbackUnweighted
	}
	res.Vector = out
	return res, nil
}

// ─── Median ─────────────────────────────────────────────────────────────────

// Median takes the per-dimension median (mean of the middle pair when even).
type Median struct{ base }

// Name implements Strategy.
func (Median) Name() string { return NameMedian }

// Aggregate implements Strategy.
func (s Median) Aggregate(in []Weighted) (Result, error) {
	clean, dropped, dim := s.prepare(in)
	n := len(clean)
	if n == 0 {
		return Result{Strategy: s.Name(), Dropped: dropped}, domain.ErrNoContributions
	}
	out := domain.NewVector(dim)
	col := make([]domain.Fixed, n)
	for d := 0; d < dim; d++ {
		for i, w := range clean {
			col[i] = w.Vector[d]
		}
		sort.Slice(col, func(a, b int) bool { return col[a] < col[b] })
		if n%2 == 1 {
			out[d] = col[n/2]
		} else {
			out[d] = domain.WideToFixed(floorDiv(int64(col[n/2-1])+int64(col[n/2]), 2))
		}
	}
	return Result{Vector: out, Strategy: s.Name(), Kept: ids(clean), Dropped: dropped}, nil
}
