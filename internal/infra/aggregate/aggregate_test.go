package aggregate

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/CavinKrenik/QRES-RaaS/internal/domain"
)

// ─── Helpers ────────────────────────────────────────────────────────────────

func contribution(id string, weight float64, vals ...float64) Weighted {
	return Weighted{NodeID: id, Vector: domain.VectorFromFloats(vals), Weight: domain.FromFloat(weight)}
}

func contains(list []string, id string) bool {
	for _, s := range list {
		if s == id {
			return true
		}
	}
	return false
}

func mustNew(t *testing.T, name string, cfg Config) Strategy {
	t.Helper()
	s, err := New(name, cfg)
	if err != nil {
		t.Fatalf("New(%q): %v", name, err)
	}
	return s
}

// ─── Trimmed Mean ───────────────────────────────────────────────────────────

func TestTrimmedMean_RejectsOutlier(t *testing.T) {
	s := mustNew(t, NameTrimmedMean, Config{F: 1})
	in := []Weighted{
		contribution("a", 1, 1, 1),
		contribution("b", 1, 1, 1),
		contribution("c", 1, 1, 1),
		contribution("d", 1, 1, 1),
		contribution("e", 1, 100, 100),
	}
	res, err := s.Aggregate(in)
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	want := domain.VectorFromFloats([]float64{1, 1})
	if !res.Vector.Equal(want) {
		t.Errorf("got %v, want %v", res.Vector.Floats(), want.Floats())
	}
	if !contains(res.Trimmed, "e") {
		t.Errorf("outlier not reported as trimmed: %v", res.Trimmed)
	}
	if res.Fallback != "" {
		t.Errorf("unexpected fallback %q", res.Fallback)
	}
}

func TestTrimmedMean_OrderIndependent(t *testing.T) {
	s := mustNew(t, NameTrimmedMean, Config{F: 2, ShareCap: 0.03})
	rng := rand.New(rand.NewSource(7))

	var in []Weighted
	for i := 0; i < 12; i++ {
		vals := make([]float64, 4)
		for d := range vals {
			vals[d] = rng.NormFloat64()
		}
		in = append(in, contribution(string(rune('a'+i)), 0.2+rng.Float64()*0.6, vals...))
	}

	first, err := s.Aggregate(in)
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	for trial := 0; trial < 5; trial++ {
		shuffled := append([]Weighted(nil), in...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		got, err := s.Aggregate(shuffled)
		if err != nil {
			t.Fatalf("Aggregate: %v", err)
		}
		if !got.Vector.Equal(first.Vector) {
			t.Fatalf("trial %d: result depends on input order", trial)
		}
	}
}

func TestTrimmedMean_TooFewForTrim(t *testing.T) {
	tests := []struct {
		name     string
		f        int
		in       []Weighted
		fallback string
		want     []float64
	}{
		{
			name:     "reduced trim",
			f:        2,
			in:       []Weighted{contribution("a", 1, 0), contribution("b", 1, 1), contribution("c", 1, 5)},
			fallback: FallbackReducedTrim,
			want:     []float64{1},
		},
		{
			name:     "weighted mean",
			f:        1,
			in:       []Weighted{contribution("a", 1, 0), contribution("b", 1, 2)},
			fallback: FallbackWeightedMean,
			want:     []float64{1},
		},
		{
			name:     "single contributor",
			f:        1,
			in:       []Weighted{contribution("a", 1, 3)},
			fallback: FallbackWeightedMean,
			want:     []float64{3},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := mustNew(t, NameTrimmedMean, Config{F: tt.f})
			res, err := s.Aggregate(tt.in)
			if err != nil {
				t.Fatalf("Aggregate: %v", err)
			}
			if res.Fallback != tt.fallback {
				t.Errorf("fallback = %q, want %q", res.Fallback, tt.fallback)
			}
			if !res.Vector.Equal(domain.VectorFromFloats(tt.want)) {
				t.Errorf("got %v, want %v", res.Vector.Floats(), tt.want)
			}
		})
	}
}

func TestAggregate_Empty(t *testing.T) {
	for _, name := range []string{NameWeightedMean, NameTrimmedMean, NameMedian, NameKrum, NameMultiKrum} {
		s := mustNew(t, name, DefaultConfig())
		if _, err := s.Aggregate(nil); !errors.Is(err, domain.ErrNoContributions) {
			t.Errorf("%s: err = %v, want ErrNoContributions", name, err)
		}
	}
}

func TestAggregate_DropsMismatchedDimension(t *testing.T) {
	s := mustNew(t, NameWeightedMean, Config{})
	in := []Weighted{
		contribution("a", 1, 1, 1),
		contribution("b", 1, 3, 3),
		contribution("c", 1, 9, 9, 9),
	}
	res, err := s.Aggregate(in)
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if !contains(res.Dropped, "c") {
		t.Errorf("Dropped = %v, want c", res.Dropped)
	}
	if !res.Vector.Equal(domain.VectorFromFloats([]float64{2, 2})) {
		t.Errorf("got %v", res.Vector.Floats())
	}
}

// ─── Weighted Mean ──────────────────────────────────────────────────────────

func TestWeightedMean_ZeroWeightsFallBackToUnweighted(t *testing.T) {
	s := mustNew(t, NameWeightedMean, Config{})
	res, err := s.Aggregate([]Weighted{contribution("a", 0, 2), contribution("b", 0, 4)})
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if res.Fallback != FallbackUnweighted {
		t.Errorf("fallback = %q, want %q", res.Fallback, FallbackUnweighted)
	}
	if res.Vector[0] != domain.FromFloat(3) {
		t.Errorf("got %v, want 3", res.Vector[0])
	}
}

func TestWeightedMean_RespectsWeights(t *testing.T) {
	s := mustNew(t, NameWeightedMean, Config{})
	res, err := s.Aggregate([]Weighted{contribution("a", 0.75, 0), contribution("b", 0.25, 4)})
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if got := res.Vector[0].Float(); math.Abs(got-1) > 0.001 {
		t.Errorf("got %f, want ~1", got)
	}
}

// ─── Share Cap ──────────────────────────────────────────────────────────────

func TestCapShares_WaterFilling(t *testing.T) {
	cap := domain.FromFloat(0.03)
	weights := make([]domain.Fixed, 40)
	weights[0] = domain.FromFloat(10)
	for i := 1; i < len(weights); i++ {
		weights[i] = domain.One
	}

	shares := CapShares(weights, cap)
	var sum int64
	for i, s := range shares {
		if s > cap {
			t.Errorf("share[%d] = %v exceeds cap %v", i, s, cap)
		}
		sum += int64(s)
	}
	if diff := int64(domain.One) - sum; diff < 0 || diff > int64(len(shares)) {
		t.Errorf("shares sum to %d, want ~%d", sum, domain.One)
	}
	if shares[0] != cap {
		t.Errorf("dominant share = %v, want capped at %v", shares[0], cap)
	}
}

func TestCapShares_FloorIsOneOverM(t *testing.T) {
	weights := []domain.Fixed{domain.One, domain.FromFloat(0.1), domain.FromFloat(0.5)}
	shares := CapShares(weights, domain.FromFloat(0.03))
	for i := 1; i < len(shares); i++ {
		if shares[i] != shares[0] {
			t.Fatalf("shares = %v, want equal when cap < 1/m", shares)
		}
	}
}

func TestCapShares_DefaultCapEqualizesSmallSwarms(t *testing.T) {
	cap := domain.FromFloat(DefaultConfig().ShareCap)
	tests := []struct {
		name      string
		n         int
		wantEqual bool
	}{
		{"20 admitted", 20, true},
		{"33 admitted", 33, true},
		{"34 admitted", 34, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			weights := make([]domain.Fixed, tt.n)
			weights[0] = domain.FromFloat(4)
			for i := 1; i < tt.n; i++ {
				weights[i] = domain.One
			}
			shares := CapShares(weights, cap)
			if equal := shares[0] == shares[1]; equal != tt.wantEqual {
				t.Errorf("heavy share %v, light share %v, equal = %v, want %v", shares[0], shares[1], equal, tt.wantEqual)
			}
			if shares[0] > cap && !tt.wantEqual {
				t.Errorf("heavy share %v exceeds cap %v", shares[0], cap)
			}
		})
	}
}

func TestCapShares_ZeroTotal(t *testing.T) {
	if got := CapShares([]domain.Fixed{0, 0}, domain.FromFloat(0.5)); got != nil {
		t.Errorf("got %v, want nil", got)
	}
}

// ─── Median ─────────────────────────────────────────────────────────────────

func TestMedian_EvenCount(t *testing.T) {
	s := mustNew(t, NameMedian, Config{})
	res, err := s.Aggregate([]Weighted{
		contribution("a", 1, 1), contribution("b", 1, 4),
		contribution("c", 1, 2), contribution("d", 1, 3),
	})
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if res.Vector[0] != domain.FromFloat(2.5) {
		t.Errorf("median = %v, want 2.5", res.Vector[0])
	}
}

// ─── Krum ───────────────────────────────────────────────────────────────────

func krumInput() []Weighted {
	return []Weighted{
		contribution("h1", 1, 1.00, 1.00),
		contribution("h2", 1, 1.01, 0.99),
		contribution("h3", 1, 0.99, 1.01),
		contribution("h4", 1, 1.02, 0.98),
		contribution("h5", 1, 0.98, 1.02),
		contribution("z1", 1, 10, 10),
		contribution("z2", 1, 10, 10),
	}
}

func TestKrum_SelectsHonestCandidate(t *testing.T) {
	s := mustNew(t, NameKrum, Config{F: 2})
	res, err := s.Aggregate(krumInput())
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if len(res.Kept) != 1 || res.Kept[0][0] != 'h' {
		t.Errorf("selected %v, want an honest node", res.Kept)
	}
	if !contains(res.Trimmed, "z1") || !contains(res.Trimmed, "z2") {
		t.Errorf("byzantine nodes not rejected: %v", res.Trimmed)
	}
}

func TestKrum_FallbackWhenTooFew(t *testing.T) {
	s := mustNew(t, NameKrum, Config{F: 2})
	res, err := s.Aggregate(krumInput()[:6])
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if res.Fallback != FallbackWeightedMean {
		t.Errorf("fallback = %q, want %q", res.Fallback, FallbackWeightedMean)
	}
}

func TestMultiKrum_AveragesBestCandidates(t *testing.T) {
	s := mustNew(t, NameMultiKrum, Config{F: 2})
	res, err := s.Aggregate(krumInput())
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if len(res.Kept) != 5 {
		t.Fatalf("kept %v, want 5 honest nodes", res.Kept)
	}
	for _, id := range res.Kept {
		if id[0] != 'h' {
			t.Errorf("byzantine node %s kept", id)
		}
	}
	for d, v := range res.Vector.Floats() {
		if math.Abs(v-1) > 0.01 {
			t.Errorf("dim %d = %f, want ~1", d, v)
		}
	}
}

// ─── Selection ──────────────────────────────────────────────────────────────

func TestForRegime(t *testing.T) {
	cfg := DefaultConfig()
	tests := []struct {
		regime domain.Regime
		want   string
	}{
		{domain.RegimeCalm, NameWeightedMean},
		{domain.RegimePreStorm, NameTrimmedMean},
		{domain.RegimeStorm, NameTrimmedMean},
	}
	for _, tt := range tests {
		s, err := ForRegime(tt.regime, cfg)
		if err != nil {
			t.Fatalf("ForRegime(%v): %v", tt.regime, err)
		}
		if s.Name() != tt.want {
			t.Errorf("ForRegime(%v) = %s, want %s", tt.regime, s.Name(), tt.want)
		}
	}

	cfg.Storm = "bogus"
	if _, err := ForRegime(domain.RegimeStorm, cfg); !errors.Is(err, domain.ErrUnknownStrategy) {
		t.Errorf("err = %v, want ErrUnknownStrategy", err)
	}
}

func TestDrifts(t *testing.T) {
	consensus := domain.VectorFromFloats([]float64{0, 0})
	d := Drifts([]Weighted{contribution("a", 1, 1, 1), contribution("b", 1, 0, 0)}, consensus)
	if d["a"] != domain.One || d["b"] != 0 {
		t.Errorf("drifts = %v", d)
	}
	if got := MeanDrift(d); got != domain.Half {
		t.Errorf("MeanDrift = %v, want 0.5", got)
	}
}
