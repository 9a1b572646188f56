package math_test

import (
	fpmath "LendLedger/internal/math"
	stdmath "math"
	"testing"
)

func TestMeetsRatio(t *testing.T) {
	tests := []struct {
		name     string
		deposits uint64
		borrowed uint64
		ratio    fpmath.Ratio
		want     bool
	}{
		{"empty position", 0, 0, fpmath.CollateralRatio, true},
		{"no debt", 1, 0, fpmath.CollateralRatio, true},
		{"exactly 150%", 900, 600, fpmath.CollateralRatio, true},
		{"just under 150%", 899, 600, fpmath.CollateralRatio, false},
		{"debt without collateral", 0, 1, fpmath.CollateralRatio, false},
		{"exactly 110%", 550, 500, fpmath.LiquidationThreshold, true},
		{"under 110%", 500, 500, fpmath.LiquidationThreshold, false},
		{"max deposits, max debt", stdmath.MaxUint64, stdmath.MaxUint64, fpmath.CollateralRatio, false},
		{"max deposits carry two thirds", stdmath.MaxUint64, stdmath.MaxUint64 / 3 * 2, fpmath.CollateralRatio, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := fpmath.MeetsRatio(tt.deposits, tt.borrowed, tt.ratio.Num, tt.ratio.Den)
			if got != tt.want {
				t.Errorf("MeetsRatio(%d, %d, %d/%d) = %v, want %v",
					tt.deposits, tt.borrowed, tt.ratio.Num, tt.ratio.Den, got, tt.want)
			}
			if tt.ratio.Below(tt.deposits, tt.borrowed) == got {
				t.Errorf("Below must be the negation of Meets")
			}
		})
	}
}

func TestMaxDebt(t *testing.T) {
	if got := fpmath.MaxDebt(1000, fpmath.CollateralRatio); got != 666 {
		t.Errorf("MaxDebt(1000) = %d, want 666", got)
	}
	if got := fpmath.MaxDebt(900, fpmath.CollateralRatio); got != 600 {
		t.Errorf("MaxDebt(900) = %d, want 600", got)
	}
	if got := fpmath.MaxDebt(0, fpmath.CollateralRatio); got != 0 {
		t.Errorf("MaxDebt(0) = %d, want 0", got)
	}

	// MaxDebt must itself satisfy the ratio and one more unit must not.
	for _, d := range []uint64{1, 2, 3, 149, 150, 151, 1_000_003, stdmath.MaxUint64} {
		m := fpmath.MaxDebt(d, fpmath.CollateralRatio)
		if !fpmath.CollateralRatio.Meets(d, m) {
			t.Errorf("deposits=%d: MaxDebt=%d violates ratio", d, m)
		}
		if m < stdmath.MaxUint64 && fpmath.CollateralRatio.Meets(d, m+1) {
			t.Errorf("deposits=%d: MaxDebt=%d is not maximal", d, m)
		}
	}
}

func TestMinCollateral(t *testing.T) {
	got, ok := fpmath.MinCollateral(600, fpmath.CollateralRatio)
	if !ok || got != 900 {
		t.Errorf("MinCollateral(600) = %d, %v; want 900, true", got, ok)
	}

	got, ok = fpmath.MinCollateral(1, fpmath.CollateralRatio)
	if !ok || got != 2 {
		t.Errorf("MinCollateral(1) = %d, %v; want 2, true (rounds up)", got, ok)
	}

	if _, ok := fpmath.MinCollateral(stdmath.MaxUint64, fpmath.CollateralRatio); ok {
		t.Error("MinCollateral(MaxUint64) should not fit in uint64")
	}
}

func TestCheckedArithmetic(t *testing.T) {
	if _, ok := fpmath.CheckedAdd(stdmath.MaxUint64, 1); ok {
		t.Error("CheckedAdd(MaxUint64, 1) should overflow")
	}
	if v, ok := fpmath.CheckedAdd(stdmath.MaxUint64-1, 1); !ok || v != stdmath.MaxUint64 {
		t.Errorf("CheckedAdd boundary: got %d, %v", v, ok)
	}
	if _, ok := fpmath.CheckedSub(1, 2); ok {
		t.Error("CheckedSub(1, 2) should underflow")
	}
	if v, ok := fpmath.CheckedSub(5, 5); !ok || v != 0 {
		t.Errorf("CheckedSub(5, 5): got %d, %v", v, ok)
	}
}

// FuzzMeetsRatio cross-checks the 128-bit comparison against the
// MaxDebt/MinCollateral helpers.
func FuzzMeetsRatio(f *testing.F) {
	f.Add(uint64(0), uint64(0))
	f.Add(uint64(1000), uint64(600))
	f.Add(uint64(899), uint64(600))
	f.Add(uint64(stdmath.MaxUint64), uint64(stdmath.MaxUint64))

	f.Fuzz(func(t *testing.T, deposits, borrowed uint64) {
		meets := fpmath.CollateralRatio.Meets(deposits, borrowed)
		if meets != (borrowed <= fpmath.MaxDebt(deposits, fpmath.CollateralRatio)) {
			t.Fatalf("Meets(%d, %d)=%v disagrees with MaxDebt", deposits, borrowed, meets)
		}
		if minC, ok := fpmath.MinCollateral(borrowed, fpmath.CollateralRatio); ok {
			if meets != (deposits >= minC) {
				t.Fatalf("Meets(%d, %d)=%v disagrees with MinCollateral=%d", deposits, borrowed, meets, minC)
			}
		} else if meets {
			t.Fatalf("Meets(%d, %d) true but collateral requirement overflows", deposits, borrowed)
		}
	})
}
