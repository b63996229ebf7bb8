package utils

import (
	"math"
)

// epsilon is the tolerance used by Float64AlmostEqual when none is given.
const epsilon = 1e-9

// Clamp bounds `value` to [min, max].
func Clamp(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

// Float64AlmostEqual compares two float64s and returns if the difference between them is less
// than epsilon.
func Float64AlmostEqual(a, b float64, eps ...float64) bool {
	tol := epsilon
	if len(eps) > 0 {
		tol = eps[0]
	}
	return math.Abs(a-b) <= tol
}

// IsFinite reports whether `value` is neither NaN nor infinite.
func IsFinite(value float64) bool {
	return !math.IsNaN(value) && !math.IsInf(value, 0)
}

// FScale maps `value` from [originalMin, originalMax] onto [newBegin, newEnd] along a curve. A
// curve of 0 is linear, positive values push the output toward newEnd early, negative values
// hold it back. The curve is clamped to [-10, 10]. `newBegin` may exceed `newEnd` for an
// inverted range. Values outside the original range are clamped to it.
func FScale(originalMin, originalMax, newBegin, newEnd, value, curve float64) float64 {
	curve = Clamp(curve, -10, 10)
	// Exponent in (0, 10^1]: 1 for a linear curve.
	exponent := math.Pow(10, -0.1*curve)

	if originalMin > originalMax {
		originalMin, originalMax = originalMax, originalMin
	}
	originalRange := originalMax - originalMin
	if originalRange == 0 {
		return newBegin
	}
	value = Clamp(value, originalMin, originalMax)

	normalized := (value - originalMin) / originalRange
	if newEnd > newBegin {
		return math.Pow(normalized, exponent)*(newEnd-newBegin) + newBegin
	}
	return newBegin - math.Pow(normalized, exponent)*(newBegin-newEnd)
}
