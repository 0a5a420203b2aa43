package regime

import (
	"math"
	"time"

	"github.com/CavinKrenik/QRES-RaaS/internal/domain"
)

// ─── Regime Effects ─────────────────────────────────────────────────────────

// LearningRate is how far local weights move toward consensus per round.
func LearningRate(r domain.Regime) domain.Fixed {
	switch r {
	case domain.RegimeStorm:
		return domain.One
	case domain.RegimePreStorm:
		return domain.FromFloat(0.75)
	default:
		return domain.Half
	}
}

// BaseInterval is the unweighted gossip interval for a regime.
func BaseInterval(r domain.Regime) time.Duration {
	switch r {
	case domain.RegimeStorm:
		return 30 * time.Second
	case domain.RegimePreStorm:
		return 10 * time.Minute
	default:
		return 4 * time.Hour
	}
}

// ─── Drift Observer ─────────────────────────────────────────────────────────

// DriftObserver flags a residual more than Sigmas standard deviations from
// the rolling mean of the previous Window residuals.
type DriftObserver struct {
	Window     int
	Sigmas     int
	MinSamples int

	samples []domain.Fixed
}

// NewDriftObserver returns a 3σ observer over the last window samples.
func NewDriftObserver(window int) *DriftObserver {
	if window < 2 {
		window = 2
	}
	return &DriftObserver{Window: window, Sigmas: 3, MinSamples: 5}
}

// Observe records a residual and reports whether it is anomalous relative
// to the samples seen before it.
func (o *DriftObserver) Observe(residual domain.Fixed) bool {
	anomalous := false
	if n := len(o.samples); n >= o.MinSamples {
		var sum int64
		for _, s := range o.samples {
			sum += int64(s)
		}
		mean := sum / int64(n)
		var sq int64
		for _, s := range o.samples {
			d := int64(s) - mean
			sq += (d * d) >> domain.FracBits
		}
		sigma := domain.WideToFixed(sq / int64(n)).Sqrt()
		dev := domain.WideToFixed(int64(residual) - mean).Abs()
		limit := domain.WideToFixed(int64(sigma) * int64(o.Sigmas))
		// A perfectly flat history has no spread; any change is an anomaly.
		anomalous = dev > limit
	}

	o.samples = append(o.samples, residual)
	if len(o.samples) > o.Window {
		o.samples = o.samples[len(o.samples)-o.Window:]
	}
	return anomalous
}

// Mean returns the rolling mean as a float for reporting.
func (o *DriftObserver) Mean() float64 {
	if len(o.samples) == 0 {
		return math.NaN()
	}
	var sum int64
	for _, s := range o.samples {
		sum += int64(s)
	}
	return domain.WideToFixed(sum / int64(len(o.samples))).Float()
}
