package events

import (
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"collateralx/core/types"
)

const (
	TypeCollateralDeposited  = "lending.collateral.deposited"
	TypeStableCoinBorrowed   = "lending.stable.borrowed"
	TypeStableCoinRepaid     = "lending.stable.repaid"
	TypeCollateralWithdrawn  = "lending.collateral.withdrawn"
	TypeCollateralLiquidated = "lending.collateral.liquidated"
)

// CollateralDeposited is emitted when an account locks native collateral.
type CollateralDeposited struct {
	Account common.Address
	Amount  *big.Int
}

func (CollateralDeposited) EventType() string { return TypeCollateralDeposited }

func (e CollateralDeposited) Event() *types.Event {
	return &types.Event{
		Type: TypeCollateralDeposited,
		Attributes: map[string]string{
			"account": e.Account.Hex(),
			"amount":  formatAmount(e.Amount),
		},
	}
}

// StableCoinBorrowed is emitted when a new loan slot is opened.
type StableCoinBorrowed struct {
	Account   common.Address
	Amount    *big.Int
	LoanIndex int
}

func (StableCoinBorrowed) EventType() string { return TypeStableCoinBorrowed }

func (e StableCoinBorrowed) Event() *types.Event {
	return &types.Event{
		Type: TypeStableCoinBorrowed,
		Attributes: map[string]string{
			"account":   e.Account.Hex(),
			"amount":    formatAmount(e.Amount),
			"loanIndex": strconv.Itoa(e.LoanIndex),
		},
	}
}

// StableCoinRepaid is emitted when one or more loan slots are settled.
type StableCoinRepaid struct {
	Account     common.Address
	Amount      *big.Int
	LoanIndices []int
}

func (StableCoinRepaid) EventType() string { return TypeStableCoinRepaid }

func (e StableCoinRepaid) Event() *types.Event {
	return &types.Event{
		Type: TypeStableCoinRepaid,
		Attributes: map[string]string{
			"account":     e.Account.Hex(),
			"amount":      formatAmount(e.Amount),
			"loanIndices": joinIndices(e.LoanIndices),
		},
	}
}

// CollateralWithdrawn is emitted when native collateral is released.
type CollateralWithdrawn struct {
	Account common.Address
	Amount  *big.Int
}

func (CollateralWithdrawn) EventType() string { return TypeCollateralWithdrawn }

func (e CollateralWithdrawn) Event() *types.Event {
	return &types.Event{
		Type: TypeCollateralWithdrawn,
		Attributes: map[string]string{
			"account": e.Account.Hex(),
			"amount":  formatAmount(e.Amount),
		},
	}
}

// CollateralLiquidated is emitted when an undercollateralised account is
// seized in full by a liquidator.
type CollateralLiquidated struct {
	Account          common.Address
	Liquidator       common.Address
	CollateralSeized *big.Int
	DebtCleared      *big.Int
}

func (CollateralLiquidated) EventType() string { return TypeCollateralLiquidated }

func (e CollateralLiquidated) Event() *types.Event {
	return &types.Event{
		Type: TypeCollateralLiquidated,
		Attributes: map[string]string{
			"account":          e.Account.Hex(),
			"liquidator":       e.Liquidator.Hex(),
			"collateralSeized": formatAmount(e.CollateralSeized),
			"debtCleared":      formatAmount(e.DebtCleared),
		},
	}
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func joinIndices(indices []int) string {
	if len(indices) == 0 {
		return ""
	}
	parts := make([]string, len(indices))
	for i, idx := range indices {
		parts[i] = strconv.Itoa(idx)
	}
	return strings.Join(parts, ",")
}
