package domain

import (
	"fmt"
	"math"
	"math/bits"
)

// ─── Q16.16 Fixed Point ─────────────────────────────────────────────────────
// Every node recomputes the same aggregate independently, so all swarm math
// runs on integers. Floats only appear at the edges (config, CLI, tests).

// Fixed is a signed Q16.16 number stored in an int32.
type Fixed int32

const (
	// FracBits is the number of fractional bits.
	FracBits = 16

	// One is 1.0 in Q16.16.
	One Fixed = 1 << FracBits

	// Half is 0.5 in Q16.16.
	Half Fixed = 1 << (FracBits - 1)

	// MaxFixed is the largest representable value (~32767.99998).
	MaxFixed Fixed = math.MaxInt32

	// MinFixed is the smallest representable value (-32768).
	MinFixed Fixed = math.MinInt32
)

// FromFloat converts a float64, rounding to nearest and saturating.
func FromFloat(f float64) Fixed {
	if math.IsNaN(f) {
		return 0
	}
	return saturate(int64(math.Round(f * float64(One))))
}

// FromInt converts an integer, saturating.
func FromInt(i int) Fixed {
	return saturate(int64(i) << FracBits)
}

// FromRaw reinterprets raw Q16.16 bits.
func FromRaw(raw int32) Fixed { return Fixed(raw) }

// Raw returns the underlying bits.
func (f Fixed) Raw() int32 { return int32(f) }

// Float converts back to float64 (lossless).
func (f Fixed) Float() float64 { return float64(f) / float64(One) }

// String renders the value with 5 decimals.
func (f Fixed) String() string { return fmt.Sprintf("%.5f", f.Float()) }

// Add returns f+g, saturating.
func (f Fixed) Add(g Fixed) Fixed { return saturate(int64(f) + int64(g)) }

// Sub returns f-g, saturating.
func (f Fixed) Sub(g Fixed) Fixed { return saturate(int64(f) - int64(g)) }

// Mul returns f*g, truncating toward negative infinity, saturating.
func (f Fixed) Mul(g Fixed) Fixed {
	return saturate((int64(f) * int64(g)) >> FracBits)
}

// Div returns f/g, truncating toward zero. Division by zero saturates
// toward the sign of f.
func (f Fixed) Div(g Fixed) Fixed {
	if g == 0 {
		switch {
		case f > 0:
			return MaxFixed
		case f < 0:
			return MinFixed
		default:
			return 0
		}
	}
	return saturate((int64(f) << FracBits) / int64(g))
}

// Abs returns |f|, saturating MinFixed to MaxFixed.
func (f Fixed) Abs() Fixed {
	if f < 0 {
		return saturate(-int64(f))
	}
	return f
}

// Sqrt returns the floor square root. Negative input yields 0.
func (f Fixed) Sqrt() Fixed {
	if f <= 0 {
		return 0
	}
	return Fixed(isqrt(uint64(f) << FracBits))
}

// PowHalf raises f to halfSteps/2. Exponents are restricted to multiples
// of 0.5 so the result stays exact integer math: rep^3.5 = rep^3 * sqrt(rep).
func (f Fixed) PowHalf(halfSteps int) Fixed {
	if halfSteps <= 0 {
		return One
	}
	result := One
	for i := 0; i < halfSteps/2; i++ {
		result = result.Mul(f)
	}
	if halfSteps%2 == 1 {
		result = result.Mul(f.Sqrt())
	}
	return result
}

// Clamp restricts f to [lo, hi].
func (f Fixed) Clamp(lo, hi Fixed) Fixed {
	if f < lo {
		return lo
	}
	if f > hi {
		return hi
	}
	return f
}

// Min returns the smaller of a and b.
func Min(a, b Fixed) Fixed {
	if a < b {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max(a, b Fixed) Fixed {
	if a > b {
		return a
	}
	return b
}

// WideToFixed narrows an int64 Q16.16 accumulator, saturating.
func WideToFixed(v int64) Fixed { return saturate(v) }

func saturate(v int64) Fixed {
	if v > math.MaxInt32 {
		return MaxFixed
	}
	if v < math.MinInt32 {
		return MinFixed
	}
	return Fixed(v)
}

// isqrt is the integer floor square root.
func isqrt(n uint64) uint64 {
	if n == 0 {
		return 0
	}
	// Start above the root and walk down (Newton).
	x := uint64(1) << ((bits.Len64(n) + 1) / 2)
	for {
		y := (x + n/x) / 2
		if y >= x {
			return x
		}
		x = y
	}
}

// ─── Vectors ────────────────────────────────────────────────────────────────

// Vector is an ordered, fixed-dimension sequence of Q16.16 values.
type Vector []Fixed

// NewVector allocates a zero vector of dimension d.
func NewVector(d int) Vector { return make(Vector, d) }

// VectorFromFloats converts a float slice at the boundary.
func VectorFromFloats(fs []float64) Vector {
	v := make(Vector, len(fs))
	for i, f := range fs {
		v[i] = FromFloat(f)
	}
	return v
}

// Floats converts to float64 for reporting.
func (v Vector) Floats() []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = x.Float()
	}
	return out
}

// Clone returns a copy.
func (v Vector) Clone() Vector {
	out := make(Vector, len(v))
	copy(out, v)
	return out
}

// Equal reports bit-identical equality.
func (v Vector) Equal(o Vector) bool {
	if len(v) != len(o) {
		return false
	}
	for i := range v {
		if v[i] != o[i] {
			return false
		}
	}
	return true
}

// SquaredDistance returns Σ(v_i - o_i)² as a wide Q16.16 accumulator.
// Dimensions beyond the shorter vector are ignored. A coordinate gap can
// reach 2^32, so each square is taken as 128 bits before the shift; the
// sum saturates at math.MaxInt64.
func (v Vector) SquaredDistance(o Vector) int64 {
	n := len(v)
	if len(o) < n {
		n = len(o)
	}
	var sum int64
	for i := 0; i < n; i++ {
		d := int64(v[i]) - int64(o[i])
		if d < 0 {
			d = -d
		}
		hi, lo := bits.Mul64(uint64(d), uint64(d))
		term := int64(hi<<(64-FracBits) | lo>>FracBits)
		if sum > math.MaxInt64-term {
			return math.MaxInt64
		}
		sum += term
	}
	return sum
}

// RMSDistance returns sqrt(mean((v_i - o_i)²)).
func (v Vector) RMSDistance(o Vector) Fixed {
	n := len(v)
	if len(o) < n {
		n = len(o)
	}
	if n == 0 {
		return 0
	}
	mean := v.SquaredDistance(o) / int64(n)
	if mean >= 1<<46 {
		return MaxFixed
	}
	return saturate(int64(isqrt(uint64(mean) << FracBits)))
}

// Lerp moves v toward target by rate (0..One) in place: v += rate*(target-v).
func (v Vector) Lerp(target Vector, rate Fixed) {
	for i := range v {
		if i >= len(target) {
			return
		}
		v[i] = v[i].Add(target[i].Sub(v[i]).Mul(rate))
	}
}
