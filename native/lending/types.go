package lending

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Account maintains the lending position for an individual participant.
// Accounts spring into existence with zero values on first access.
type Account struct {
	// Address is the owner of the position.
	Address common.Address
	// Collateral records the native amount, in wei, locked with the ledger.
	Collateral *big.Int
	// Loans holds one slot per borrow call in insertion order. Repaid or
	// liquidated slots keep their index with a zero principal because
	// repayment addresses loans by position.
	Loans []Loan
}

// Loan is a single borrow slot.
type Loan struct {
	// Principal is the stable amount still owed, excluding interest.
	Principal *big.Int
	// Timestamp is the unix second the loan was opened. Interest accrues
	// from it for as long as the principal is non-zero.
	Timestamp uint64
}

// LoanStatus is the read-only projection of a loan slot at a point in time.
type LoanStatus struct {
	Principal *big.Int `json:"principal"`
	Interest  *big.Int `json:"interest"`
	Timestamp uint64   `json:"timestamp"`
}

// Position summarises an account's solvency at the current oracle price.
type Position struct {
	Address         common.Address `json:"address"`
	Collateral      *big.Int       `json:"collateral"`
	CollateralValue *big.Int       `json:"collateralValue"`
	TotalDebt       *big.Int       `json:"totalDebt"`
	// CoveragePercent is collateral value over debt in whole percent, nil
	// when the account carries no debt.
	CoveragePercent *big.Int `json:"coveragePercent,omitempty"`
	Liquidatable    bool     `json:"liquidatable"`
	Price           *big.Int `json:"price"`
	PriceDecimals   uint8    `json:"priceDecimals"`
}

func newAccount(addr common.Address) *Account {
	return &Account{Address: addr, Collateral: big.NewInt(0)}
}

// Clone returns a deep copy of the account so staged mutations never alias
// the stored value.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	clone := &Account{Address: a.Address, Collateral: big.NewInt(0)}
	if a.Collateral != nil {
		clone.Collateral.Set(a.Collateral)
	}
	if len(a.Loans) > 0 {
		clone.Loans = make([]Loan, len(a.Loans))
		for i, loan := range a.Loans {
			clone.Loans[i] = loan.Clone()
		}
	}
	return clone
}

// Clone returns a deep copy of the loan.
func (l Loan) Clone() Loan {
	clone := Loan{Timestamp: l.Timestamp, Principal: big.NewInt(0)}
	if l.Principal != nil {
		clone.Principal.Set(l.Principal)
	}
	return clone
}

// Active reports whether the slot still carries principal.
func (l Loan) Active() bool {
	return l.Principal != nil && l.Principal.Sign() > 0
}

func (a *Account) ensureDefaults() {
	if a.Collateral == nil {
		a.Collateral = big.NewInt(0)
	}
	for i := range a.Loans {
		if a.Loans[i].Principal == nil {
			a.Loans[i].Principal = big.NewInt(0)
		}
	}
}

func (a *Account) empty() bool {
	return (a.Collateral == nil || a.Collateral.Sign() == 0) && len(a.Loans) == 0
}
