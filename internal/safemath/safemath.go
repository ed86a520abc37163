// Package safemath holds the guarded arithmetic used by every decision
// component. Market inputs can be zero or missing at boot, so none of these
// helpers panic or return NaN for a degenerate denominator.
package safemath

import "math"

// Epsilon is the smallest denominator magnitude Div treats as usable.
const Epsilon = 1e-12

// Div returns num/den, or fallback when den is zero, near zero, NaN or Inf.
func Div(num, den, fallback float64) float64 {
	if math.IsNaN(den) || math.IsInf(den, 0) || math.Abs(den) < Epsilon {
		return fallback
	}
	return num / den
}

// DivOpt is Div for an optional denominator; nil means absent.
func DivOpt(num float64, den *float64, fallback float64) float64 {
	if den == nil {
		return fallback
	}
	return Div(num, *den, fallback)
}

// Clamp bounds v to [lo, hi]. NaN clamps to lo.
func Clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Finite reports whether v is neither NaN nor Inf.
func Finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
