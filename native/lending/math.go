package lending

import "math/big"

var (
	hundred    = new(big.Int).SetUint64(percent)
	yearFactor = new(big.Int).Mul(hundred, new(big.Int).SetUint64(SecondsPerYear))
)

// accruedInterest computes simple interest on principal for the elapsed
// seconds: principal * rate * elapsed / (100 * SecondsPerYear). The single
// division keeps rounding loss below one base unit.
func accruedInterest(principal *big.Int, rate, elapsed uint64) *big.Int {
	if principal == nil || principal.Sign() <= 0 || rate == 0 || elapsed == 0 {
		return big.NewInt(0)
	}
	interest := new(big.Int).Mul(principal, new(big.Int).SetUint64(rate))
	interest.Mul(interest, new(big.Int).SetUint64(elapsed))
	return interest.Quo(interest, yearFactor)
}

func elapsedSince(timestamp, now uint64) uint64 {
	if now <= timestamp {
		return 0
	}
	return now - timestamp
}

// owed returns principal plus interest accrued up to now.
func owed(loan Loan, rate, now uint64) *big.Int {
	if !loan.Active() {
		return big.NewInt(0)
	}
	interest := accruedInterest(loan.Principal, rate, elapsedSince(loan.Timestamp, now))
	return interest.Add(interest, loan.Principal)
}

func totalDebt(loans []Loan, rate, now uint64) *big.Int {
	total := big.NewInt(0)
	for _, loan := range loans {
		total.Add(total, owed(loan, rate, now))
	}
	return total
}

// collateralValue converts a native amount into stable units using a
// fixed-point price with the given number of decimals. Both assets share
// 18 decimals so only the price scale needs removing.
func collateralValue(collateral, price *big.Int, decimals uint8) *big.Int {
	if collateral == nil || collateral.Sign() <= 0 || price == nil || price.Sign() <= 0 {
		return big.NewInt(0)
	}
	value := new(big.Int).Mul(collateral, price)
	return value.Quo(value, pow10(decimals))
}

// coversRatio reports value * 100 >= debt * ratio.
func coversRatio(value, debt *big.Int, ratio uint64) bool {
	lhs := new(big.Int).Mul(value, hundred)
	rhs := new(big.Int).Mul(debt, new(big.Int).SetUint64(ratio))
	return lhs.Cmp(rhs) >= 0
}

// coveragePercent returns value * 100 / debt, or nil for zero debt.
func coveragePercent(value, debt *big.Int) *big.Int {
	if debt == nil || debt.Sign() == 0 {
		return nil
	}
	ratio := new(big.Int).Mul(value, hundred)
	return ratio.Quo(ratio, debt)
}

func pow10(decimals uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
}
