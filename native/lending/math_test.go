package lending

import (
	"math/big"
	"testing"
)

func TestAccruedInterest(t *testing.T) {
	principal := ether(1000)
	cases := []struct {
		name    string
		elapsed uint64
		want    *big.Int
	}{
		{name: "none", elapsed: 0, want: big.NewInt(0)},
		{name: "year", elapsed: SecondsPerYear, want: ether(100)},
		{name: "three years", elapsed: 3 * SecondsPerYear, want: ether(300)},
		{name: "half year", elapsed: SecondsPerYear / 2, want: ether(50)},
	}
	for _, tc := range cases {
		got := accruedInterest(principal, InterestRate, tc.elapsed)
		if got.Cmp(tc.want) != 0 {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.want, got)
		}
	}
	if got := accruedInterest(big.NewInt(0), InterestRate, SecondsPerYear); got.Sign() != 0 {
		t.Fatalf("zero principal accrued %s", got)
	}
	if got := accruedInterest(nil, InterestRate, SecondsPerYear); got.Sign() != 0 {
		t.Fatalf("nil principal accrued %s", got)
	}
}

func TestAccruedInterestRoundsDown(t *testing.T) {
	// 1 wei at 10% for one second is far below one base unit.
	if got := accruedInterest(big.NewInt(1), InterestRate, 1); got.Sign() != 0 {
		t.Fatalf("expected truncation to zero, got %s", got)
	}
}

func TestOwedIgnoresClearedLoans(t *testing.T) {
	loans := []Loan{
		{Principal: ether(1000), Timestamp: 0},
		{Principal: big.NewInt(0), Timestamp: 0},
	}
	got := totalDebt(loans, InterestRate, SecondsPerYear)
	if got.Cmp(ether(1100)) != 0 {
		t.Fatalf("expected 1100, got %s", got)
	}
	if got := owed(Loan{Principal: ether(5), Timestamp: 100}, InterestRate, 50); got.Cmp(ether(5)) != 0 {
		t.Fatalf("loan opened in the future must not accrue, got %s", got)
	}
}

func TestCollateralValueAndRatios(t *testing.T) {
	value := collateralValue(ether(2), usd(1000), 8)
	if value.Cmp(ether(2000)) != 0 {
		t.Fatalf("expected 2000, got %s", value)
	}
	if !coversRatio(ether(1500), ether(1000), CollateralRatio) {
		t.Fatalf("exactly 150%% must satisfy the collateral ratio")
	}
	if coversRatio(new(big.Int).Sub(ether(1500), big.NewInt(1)), ether(1000), CollateralRatio) {
		t.Fatalf("one wei short must fail the collateral ratio")
	}
	if !coversRatio(big.NewInt(0), big.NewInt(0), LiquidationRatio) {
		t.Fatalf("an empty position is covered")
	}
	if coveragePercent(value, big.NewInt(0)) != nil {
		t.Fatalf("expected nil coverage without debt")
	}
	if got := coveragePercent(value, ether(1600)); got.Int64() != 125 {
		t.Fatalf("expected 125%%, got %s", got)
	}
}

func TestSelectLoans(t *testing.T) {
	got, err := selectLoans([]int{2, 0, 2}, 3)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(got) != 2 || got[0] != 0 || got[1] != 2 {
		t.Fatalf("unexpected selection: %v", got)
	}
	if _, err := selectLoans([]int{3}, 3); err != ErrInvalidLoanIndex {
		t.Fatalf("expected ErrInvalidLoanIndex, got %v", err)
	}
}
