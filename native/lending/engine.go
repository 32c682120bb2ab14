package lending

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"collateralx/core/events"
)

// PriceOracle supplies the collateral price in stable-asset terms as a
// fixed-point integer with Decimals() decimals.
type PriceOracle interface {
	CurrentPrice(ctx context.Context) (*big.Int, error)
	Decimals() uint8
}

// StableAssetLedger is the fungible-token ledger the engine lends from.
// Transfer pushes from the named owner; TransferFrom pulls through an
// allowance previously granted to spender.
type StableAssetLedger interface {
	BalanceOf(addr common.Address) (*big.Int, error)
	Transfer(from, to common.Address, amount *big.Int) error
	TransferFrom(spender, from, to common.Address, amount *big.Int) error
}

// NativeAssetLedger moves the collateral asset between accounts.
type NativeAssetLedger interface {
	Transfer(from, to common.Address, amount *big.Int) error
}

type engineState interface {
	// GetAccount returns nil without error for addresses never written.
	GetAccount(addr common.Address) (*Account, error)
	PutAccount(account *Account) error
}

// LiquidationResult reports what a liquidation moved.
type LiquidationResult struct {
	CollateralSeized *big.Int `json:"collateralSeized"`
	DebtCleared      *big.Int `json:"debtCleared"`
}

// Engine orchestrates the lending state transitions. Every call holds the
// engine lock for its full duration, reads the oracle at most once and runs
// all checks before touching state.
type Engine struct {
	mu sync.Mutex

	state  engineState
	oracle PriceOracle
	stable StableAssetLedger
	native NativeAssetLedger

	moduleAddress    common.Address
	stableAddress    common.Address
	priceFeedAddress common.Address

	params  Params
	emitter events.Emitter
	now     func() time.Time
}

// NewEngine constructs a lending engine holding collateral and stable
// liquidity at moduleAddr. The risk parameters are fixed for the lifetime of
// the engine.
func NewEngine(moduleAddr common.Address, params Params) (*Engine, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		moduleAddress: moduleAddr,
		params:        params,
		emitter:       events.NoopEmitter{},
		now:           time.Now,
	}, nil
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetOracle configures the price feed and the address it is published under.
func (e *Engine) SetOracle(feedAddr common.Address, oracle PriceOracle) {
	if e == nil {
		return
	}
	e.priceFeedAddress = feedAddr
	e.oracle = oracle
}

// SetStableAsset configures the stable-asset ledger and its address.
func (e *Engine) SetStableAsset(tokenAddr common.Address, ledger StableAssetLedger) {
	if e == nil {
		return
	}
	e.stableAddress = tokenAddr
	e.stable = ledger
}

// SetNativeLedger configures the ledger that custodies collateral.
func (e *Engine) SetNativeLedger(ledger NativeAssetLedger) {
	if e == nil {
		return
	}
	e.native = ledger
}

// SetEmitter installs the event sink. A nil emitter discards events.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if e == nil {
		return
	}
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	e.emitter = emitter
}

// SetClock overrides the time source used for loan timestamps and accrual.
func (e *Engine) SetClock(now func() time.Time) {
	if e == nil || now == nil {
		return
	}
	e.now = now
}

// Params returns the immutable risk parameters.
func (e *Engine) Params() Params { return e.params }

// ModuleAddress returns the account that custodies collateral and liquidity.
func (e *Engine) ModuleAddress() common.Address { return e.moduleAddress }

// StableAsset returns the configured stable-asset address.
func (e *Engine) StableAsset() common.Address { return e.stableAddress }

// PriceFeed returns the configured price feed address.
func (e *Engine) PriceFeed() common.Address { return e.priceFeedAddress }

// DepositCollateral locks amount of the caller's native asset as collateral.
func (e *Engine) DepositCollateral(ctx context.Context, caller common.Address, amount *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	account, err := e.loadAccount(caller)
	if err != nil {
		return err
	}
	staged := account.Clone()
	staged.Collateral.Add(staged.Collateral, amount)

	err = e.commit(account, staged, func() error {
		if err := e.native.Transfer(caller, e.moduleAddress, amount); err != nil {
			return fmt.Errorf("lending: pull collateral: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	e.emitter.Emit(events.CollateralDeposited{Account: caller, Amount: new(big.Int).Set(amount)})
	return nil
}

// Borrow opens a new loan slot for amount of stable asset, provided the
// caller's collateral covers all outstanding debt plus amount at the
// collateral ratio. The index of the new slot is returned.
func (e *Engine) Borrow(ctx context.Context, caller common.Address, amount *big.Int) (int, error) {
	if err := e.ready(); err != nil {
		return 0, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return 0, ErrInvalidAmount
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	account, err := e.loadAccount(caller)
	if err != nil {
		return 0, err
	}
	if account.Collateral.Sign() == 0 {
		return 0, ErrNoCollateral
	}

	price, err := e.readPrice(ctx)
	if err != nil {
		return 0, err
	}
	now := e.unixNow()

	projectedDebt := totalDebt(account.Loans, e.params.InterestRate, now)
	projectedDebt.Add(projectedDebt, amount)
	value := collateralValue(account.Collateral, price, e.oracle.Decimals())
	if !coversRatio(value, projectedDebt, e.params.CollateralRatio) {
		return 0, ErrInsufficientCollateral
	}

	liquidity, err := e.stable.BalanceOf(e.moduleAddress)
	if err != nil {
		return 0, fmt.Errorf("lending: read liquidity: %w", err)
	}
	if liquidity == nil || liquidity.Cmp(amount) < 0 {
		return 0, ErrInsufficientLiquidity
	}

	staged := account.Clone()
	staged.Loans = append(staged.Loans, Loan{Principal: new(big.Int).Set(amount), Timestamp: now})
	index := len(staged.Loans) - 1

	err = e.commit(account, staged, func() error {
		if err := e.stable.Transfer(e.moduleAddress, caller, amount); err != nil {
			return fmt.Errorf("lending: disburse loan: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	e.emitter.Emit(events.StableCoinBorrowed{Account: caller, Amount: new(big.Int).Set(amount), LoanIndex: index})
	return index, nil
}

// Repay settles the selected loan slots in full. The caller authorises up to
// authorized stable units; the engine pulls exactly the principal plus
// accrued interest owed on the selected slots through the caller's allowance
// and returns that amount. Duplicate indices are settled once.
func (e *Engine) Repay(ctx context.Context, caller common.Address, authorized *big.Int, indices []int) (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if len(indices) == 0 {
		return nil, ErrNoLoansSpecified
	}
	if authorized == nil {
		authorized = big.NewInt(0)
	}
	if authorized.Sign() < 0 {
		return nil, ErrInvalidAmount
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	account, err := e.loadAccount(caller)
	if err != nil {
		return nil, err
	}
	selected, err := selectLoans(indices, len(account.Loans))
	if err != nil {
		return nil, err
	}

	now := e.unixNow()
	totalOwed := big.NewInt(0)
	for _, idx := range selected {
		totalOwed.Add(totalOwed, owed(account.Loans[idx], e.params.InterestRate, now))
	}
	if authorized.Cmp(totalOwed) < 0 {
		return nil, ErrInsufficientRepaymentAuthorization
	}

	staged := account.Clone()
	for _, idx := range selected {
		staged.Loans[idx].Principal = big.NewInt(0)
	}

	err = e.commit(account, staged, func() error {
		if totalOwed.Sign() == 0 {
			return nil
		}
		if err := e.stable.TransferFrom(e.moduleAddress, caller, e.moduleAddress, totalOwed); err != nil {
			return fmt.Errorf("lending: collect repayment: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.emitter.Emit(events.StableCoinRepaid{Account: caller, Amount: new(big.Int).Set(totalOwed), LoanIndices: selected})
	return totalOwed, nil
}

// WithdrawCollateral releases amount of collateral back to the caller as long
// as the remaining collateral still covers outstanding debt at the
// collateral ratio. Accounts without debt may withdraw everything.
func (e *Engine) WithdrawCollateral(ctx context.Context, caller common.Address, amount *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	account, err := e.loadAccount(caller)
	if err != nil {
		return err
	}
	if amount.Cmp(account.Collateral) > 0 {
		return ErrExceedsDeposit
	}

	remaining := new(big.Int).Sub(account.Collateral, amount)
	debt := totalDebt(account.Loans, e.params.InterestRate, e.unixNow())
	if debt.Sign() > 0 {
		price, err := e.readPrice(ctx)
		if err != nil {
			return err
		}
		value := collateralValue(remaining, price, e.oracle.Decimals())
		if !coversRatio(value, debt, e.params.CollateralRatio) {
			return ErrWithdrawalUnsafe
		}
	}

	staged := account.Clone()
	staged.Collateral = remaining

	err = e.commit(account, staged, func() error {
		if err := e.native.Transfer(e.moduleAddress, caller, amount); err != nil {
			return fmt.Errorf("lending: release collateral: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	e.emitter.Emit(events.CollateralWithdrawn{Account: caller, Amount: new(big.Int).Set(amount)})
	return nil
}

// Liquidate seizes the entire collateral of target for liquidator once the
// target's collateral value drops below the liquidation ratio of its debt.
// All of the target's loans are written off; the liquidator repays nothing.
func (e *Engine) Liquidate(ctx context.Context, liquidator, target common.Address) (*LiquidationResult, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	account, err := e.loadAccount(target)
	if err != nil {
		return nil, err
	}
	price, err := e.readPrice(ctx)
	if err != nil {
		return nil, err
	}

	debt := totalDebt(account.Loans, e.params.InterestRate, e.unixNow())
	value := collateralValue(account.Collateral, price, e.oracle.Decimals())
	if coversRatio(value, debt, e.params.LiquidationRatio) {
		return nil, ErrPositionSafe
	}

	seized := new(big.Int).Set(account.Collateral)
	staged := account.Clone()
	staged.Collateral = big.NewInt(0)
	for i := range staged.Loans {
		staged.Loans[i].Principal = big.NewInt(0)
	}

	err = e.commit(account, staged, func() error {
		if seized.Sign() == 0 {
			return nil
		}
		if err := e.native.Transfer(e.moduleAddress, liquidator, seized); err != nil {
			return fmt.Errorf("lending: transfer seized collateral: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.emitter.Emit(events.CollateralLiquidated{
		Account:          target,
		Liquidator:       liquidator,
		CollateralSeized: new(big.Int).Set(seized),
		DebtCleared:      new(big.Int).Set(debt),
	})
	return &LiquidationResult{CollateralSeized: seized, DebtCleared: debt}, nil
}

// Collateral returns the native amount currently locked by addr.
func (e *Engine) Collateral(addr common.Address) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	account, err := e.loadAccount(addr)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(account.Collateral), nil
}

// LoanStatus projects every loan slot of addr, including extinguished ones,
// with the interest accrued up to now. Slice positions equal loan indices.
func (e *Engine) LoanStatus(addr common.Address) ([]LoanStatus, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	account, err := e.loadAccount(addr)
	if err != nil {
		return nil, err
	}
	now := e.unixNow()
	statuses := make([]LoanStatus, len(account.Loans))
	for i, loan := range account.Loans {
		statuses[i] = LoanStatus{
			Principal: new(big.Int).Set(loan.Principal),
			Interest:  accruedInterest(loan.Principal, e.params.InterestRate, elapsedSince(loan.Timestamp, now)),
			Timestamp: loan.Timestamp,
		}
	}
	return statuses, nil
}

// Position reports collateral value, debt and liquidation eligibility for
// addr at the current oracle price.
func (e *Engine) Position(ctx context.Context, addr common.Address) (*Position, error) {
	if e == nil || e.state == nil || e.oracle == nil {
		return nil, ErrNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	account, err := e.loadAccount(addr)
	if err != nil {
		return nil, err
	}
	price, err := e.readPrice(ctx)
	if err != nil {
		return nil, err
	}
	debt := totalDebt(account.Loans, e.params.InterestRate, e.unixNow())
	value := collateralValue(account.Collateral, price, e.oracle.Decimals())
	return &Position{
		Address:         addr,
		Collateral:      new(big.Int).Set(account.Collateral),
		CollateralValue: value,
		TotalDebt:       debt,
		CoveragePercent: coveragePercent(value, debt),
		Liquidatable:    !coversRatio(value, debt, e.params.LiquidationRatio),
		Price:           price,
		PriceDecimals:   e.oracle.Decimals(),
	}, nil
}

func (e *Engine) ready() error {
	if e == nil || e.state == nil || e.oracle == nil || e.stable == nil || e.native == nil {
		return ErrNilState
	}
	return nil
}

func (e *Engine) loadAccount(addr common.Address) (*Account, error) {
	account, err := e.state.GetAccount(addr)
	if err != nil {
		return nil, fmt.Errorf("lending: load account: %w", err)
	}
	if account == nil {
		return newAccount(addr), nil
	}
	account.Address = addr
	account.ensureDefaults()
	return account, nil
}

func (e *Engine) readPrice(ctx context.Context) (*big.Int, error) {
	price, err := e.oracle.CurrentPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("lending: read price: %w", err)
	}
	if price == nil || price.Sign() <= 0 {
		return nil, ErrInvalidPrice
	}
	return new(big.Int).Set(price), nil
}

func (e *Engine) unixNow() uint64 {
	ts := e.now().Unix()
	if ts < 0 {
		return 0
	}
	return uint64(ts)
}

// commit persists staged and then performs the external transfer. A failed
// transfer restores the original account so the call has no effect.
func (e *Engine) commit(original, staged *Account, transfer func() error) error {
	if err := e.state.PutAccount(staged); err != nil {
		return fmt.Errorf("lending: persist account: %w", err)
	}
	if err := transfer(); err != nil {
		if restoreErr := e.state.PutAccount(original); restoreErr != nil {
			return errors.Join(err, fmt.Errorf("lending: restore account: %w", restoreErr))
		}
		return err
	}
	return nil
}

// selectLoans validates indices against the slot count and returns them
// de-duplicated in ascending order.
func selectLoans(indices []int, count int) ([]int, error) {
	seen := make(map[int]struct{}, len(indices))
	selected := make([]int, 0, len(indices))
	for _, idx := range indices {
		if idx < 0 || idx >= count {
			return nil, ErrInvalidLoanIndex
		}
		if _, dup := seen[idx]; dup {
			continue
		}
		seen[idx] = struct{}{}
		selected = append(selected, idx)
	}
	sort.Ints(selected)
	return selected, nil
}
