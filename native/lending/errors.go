package lending

import "errors"

var (
	ErrNilState                           = errors.New("lending: engine state not configured")
	ErrInvalidAmount                      = errors.New("lending: amount must be greater than 0")
	ErrNoCollateral                       = errors.New("lending: no collateral deposited")
	ErrInsufficientCollateral             = errors.New("lending: collateral is not enough to borrow this amount")
	ErrInsufficientLiquidity              = errors.New("lending: ledger holds too little stable asset to lend")
	ErrNoLoansSpecified                   = errors.New("lending: must specify at least one loan to repay")
	ErrInvalidLoanIndex                   = errors.New("lending: invalid loan index")
	ErrInsufficientRepaymentAuthorization = errors.New("lending: authorized amount is not enough to repay these loans")
	ErrExceedsDeposit                     = errors.New("lending: withdraw amount exceeds deposited collateral")
	ErrWithdrawalUnsafe                   = errors.New("lending: collateral would not be enough after this withdrawal")
	ErrPositionSafe                       = errors.New("lending: position cannot be liquidated as collateral is enough")
	ErrInvalidPrice                       = errors.New("lending: oracle price must be positive")
)
