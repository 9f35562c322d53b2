// Package fxp implements the unsigned fixed-point formats used by the power
// policies. Every format keeps 12 fractional bits; they differ only in the
// width of the integer part.
//
// All conversions that drop fractional bits or divide round half up, so the
// same inputs always produce the same integer result regardless of platform.
package fxp

import "math"

const (
	// FracBits is the number of fractional bits of every format in this package.
	FracBits = 12

	half = 1 << (FracBits - 1)
)

// UFXP4x12 is a 4.12 unsigned fixed-point value, used for ratios in [0, 16).
type UFXP4x12 uint16

// UFXP20x12 is a 20.12 unsigned fixed-point value.
type UFXP20x12 uint32

// UFXP52x12 is a 52.12 unsigned fixed-point value used for intermediates.
type UFXP52x12 uint64

const (
	// One4x12 is 1.0 in 4.12.
	One4x12 UFXP4x12 = 1 << FracBits
	// One20x12 is 1.0 in 20.12.
	One20x12 UFXP20x12 = 1 << FracBits
)

// DivRoundHalfUp64 divides n by d rounding half up. d must not be zero.
func DivRoundHalfUp64(n, d uint64) uint64 {
	return (n + d/2) / d
}

// DivRoundHalfUp32 is DivRoundHalfUp64 for 32-bit operands.
func DivRoundHalfUp32(n, d uint32) uint32 {
	return uint32(DivRoundHalfUp64(uint64(n), uint64(d)))
}

// Ratio4x12 returns num/den as 4.12, saturating at the format maximum.
// A zero denominator saturates.
func Ratio4x12(num, den uint64) UFXP4x12 {
	if den == 0 {
		return math.MaxUint16
	}
	v := ratio(num, den)
	if v > math.MaxUint16 {
		return math.MaxUint16
	}
	return UFXP4x12(v)
}

// Ratio20x12 returns num/den as 20.12, saturating at the format maximum.
func Ratio20x12(num, den uint64) UFXP20x12 {
	if den == 0 {
		return math.MaxUint32
	}
	v := ratio(num, den)
	if v > math.MaxUint32 {
		return math.MaxUint32
	}
	return UFXP20x12(v)
}

// Ratio52x12 returns num/den as 52.12. The numerator must leave 12 bits of
// headroom.
func Ratio52x12(num, den uint64) UFXP52x12 {
	if den == 0 {
		return math.MaxUint64
	}
	return UFXP52x12(ratio(num, den))
}

func ratio(num, den uint64) uint64 {
	if num > math.MaxUint64>>FracBits {
		// Divide first to keep the shift in range, giving up the low bits.
		return (num / den) << FracBits
	}
	return DivRoundHalfUp64(num<<FracBits, den)
}

// Percent4x12 converts an integer percentage into a 4.12 ratio.
func Percent4x12(pct uint32) UFXP4x12 {
	return Ratio4x12(uint64(pct), 100)
}

// Mul scales x by the ratio, rounding half up.
func (r UFXP4x12) Mul(x uint32) uint32 {
	return uint32((uint64(r)*uint64(x) + half) >> FracBits)
}

// Mul64 scales x by the ratio, rounding half up. x must leave 16 bits of
// headroom.
func (r UFXP4x12) Mul64(x uint64) uint64 {
	return (uint64(r)*x + half) >> FracBits
}

// Complement returns 1.0 - r, floored at zero.
func (r UFXP4x12) Complement() UFXP4x12 {
	if r >= One4x12 {
		return 0
	}
	return One4x12 - r
}

// Saturate clamps r into [0, 1.0].
func (r UFXP4x12) Saturate() UFXP4x12 {
	if r > One4x12 {
		return One4x12
	}
	return r
}

// Percent returns the ratio as a rounded integer percentage.
func (r UFXP4x12) Percent() uint32 {
	return uint32((uint64(r)*100 + half) >> FracBits)
}

// Widen converts to 20.12 without loss.
func (r UFXP4x12) Widen() UFXP20x12 {
	return UFXP20x12(r)
}

// Mul scales x by v, rounding half up. The product saturates at MaxUint32.
func (v UFXP20x12) Mul(x uint32) uint32 {
	p := (uint64(v)*uint64(x) + half) >> FracBits
	if p > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(p)
}

// Round returns the integer part rounded half up.
func (v UFXP20x12) Round() uint32 {
	return uint32((uint64(v) + half) >> FracBits)
}

// Float64 returns v as a float. Only for reporting.
func (v UFXP20x12) Float64() float64 {
	return float64(v) / float64(One20x12)
}

// Widen converts to 52.12 without loss.
func (v UFXP20x12) Widen() UFXP52x12 {
	return UFXP52x12(v)
}

// Narrow converts to 20.12, saturating.
func (v UFXP52x12) Narrow() UFXP20x12 {
	if v > math.MaxUint32 {
		return math.MaxUint32
	}
	return UFXP20x12(v)
}

// Round returns the integer part rounded half up.
func (v UFXP52x12) Round() uint64 {
	return (uint64(v) + half) >> FracBits
}
