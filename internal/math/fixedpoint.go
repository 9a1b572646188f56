// internal/math/fixedpoint.go
package math

import (
	stdmath "math"
	"math/bits"
)

// Ratio is an integer ratio Num/Den. Percentages use Den = 100 (150/100 = 150%).
type Ratio struct {
	Num uint64
	Den uint64
}

var (
	// CollateralRatio is the minimum deposits/borrowed ratio for Borrow and Withdraw.
	CollateralRatio = Ratio{Num: 150, Den: 100}
	// LiquidationThreshold is the ratio below which a position may be liquidated.
	LiquidationThreshold = Ratio{Num: 110, Den: 100}
)

// uint128 is a 128-bit unsigned intermediate (hi:lo).
type uint128 struct {
	hi, lo uint64
}

func mul64(a, b uint64) uint128 {
	hi, lo := bits.Mul64(a, b)
	return uint128{hi: hi, lo: lo}
}

func (x uint128) cmp(y uint128) int {
	switch {
	case x.hi < y.hi:
		return -1
	case x.hi > y.hi:
		return 1
	case x.lo < y.lo:
		return -1
	case x.lo > y.lo:
		return 1
	}
	return 0
}

// MeetsRatio reports whether deposits*den >= borrowed*num.
// Both products are computed in 128 bits, so the full uint64 range is exact.
func MeetsRatio(deposits, borrowed, num, den uint64) bool {
	return mul64(deposits, den).cmp(mul64(borrowed, num)) >= 0
}

// Meets is MeetsRatio against r.
func (r Ratio) Meets(deposits, borrowed uint64) bool {
	return MeetsRatio(deposits, borrowed, r.Num, r.Den)
}

// Below reports whether deposits*den < borrowed*num (strictly under the ratio).
func (r Ratio) Below(deposits, borrowed uint64) bool {
	return !r.Meets(deposits, borrowed)
}

// MaxDebt returns the largest borrowed balance that deposits can carry at r,
// i.e. floor(deposits*den/num). A zero numerator places no bound on debt.
func MaxDebt(deposits uint64, r Ratio) uint64 {
	if r.Num == 0 {
		return stdmath.MaxUint64
	}
	p := mul64(deposits, r.Den)
	if p.hi >= r.Num {
		// quotient does not fit in 64 bits
		return stdmath.MaxUint64
	}
	q, _ := bits.Div64(p.hi, p.lo, r.Num)
	return q
}

// MinCollateral returns the smallest deposit balance that satisfies r for the
// given debt, i.e. ceil(borrowed*num/den). ok is false when the result does not
// fit in uint64 or den is zero.
func MinCollateral(borrowed uint64, r Ratio) (uint64, bool) {
	if r.Den == 0 {
		return 0, false
	}
	p := mul64(borrowed, r.Num)
	if p.hi >= r.Den {
		return 0, false
	}
	q, rem := bits.Div64(p.hi, p.lo, r.Den)
	if rem != 0 {
		if q == stdmath.MaxUint64 {
			return 0, false
		}
		q++
	}
	return q, true
}

// CheckedAdd returns a+b and false if the sum overflows uint64.
func CheckedAdd(a, b uint64) (uint64, bool) {
	sum, carry := bits.Add64(a, b, 0)
	return sum, carry == 0
}

// CheckedSub returns a-b and false if b > a.
func CheckedSub(a, b uint64) (uint64, bool) {
	diff, borrow := bits.Sub64(a, b, 0)
	return diff, borrow == 0
}
