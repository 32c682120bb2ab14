package lending

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"collateralx/core/events"
	"collateralx/native/bank"
	"collateralx/native/stable"
	"collateralx/oracle"
	"collateralx/storage"
)

const day = 24 * time.Hour

var (
	moduleAddr     = common.HexToAddress("0x00000000000000000000000000000000000c0110")
	stableAddr     = common.HexToAddress("0x0000000000000000000000000000000000005d01")
	feedAddr       = common.HexToAddress("0x000000000000000000000000000000000000fee0")
	user1          = common.HexToAddress("0x0000000000000000000000000000000000000a01")
	user2          = common.HexToAddress("0x0000000000000000000000000000000000000a02")
	liquidatorAddr = common.HexToAddress("0x0000000000000000000000000000000000000b01")
)

func ether(v int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(v), big.NewInt(1_000_000_000_000_000_000))
}

// milliEther returns v / 1000 ether.
func milliEther(v int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(v), big.NewInt(1_000_000_000_000_000))
}

func usd(v int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(v), big.NewInt(100_000_000))
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type recordingEmitter struct {
	events []events.Event
}

func (r *recordingEmitter) Emit(evt events.Event) { r.events = append(r.events, evt) }

func (r *recordingEmitter) last() events.Event {
	if len(r.events) == 0 {
		return nil
	}
	return r.events[len(r.events)-1]
}

type harness struct {
	engine  *Engine
	store   *Store
	db      *storage.MemDB
	bank    *bank.Ledger
	token   *stable.Token
	feed    *oracle.FixedFeed
	clock   *fakeClock
	emitted *recordingEmitter
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := storage.NewMemDB()
	h := &harness{
		store:   NewStore(db),
		db:      db,
		bank:    bank.NewLedger(db),
		token:   stable.NewToken(db, "Test Coin", "TST"),
		clock:   &fakeClock{now: time.Unix(1_700_000_000, 0)},
		emitted: &recordingEmitter{},
	}
	feed, err := oracle.NewFixedFeed(usd(1000), oracle.PriceDecimals)
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	h.feed = feed

	engine, err := NewEngine(moduleAddr, DefaultParams())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	engine.SetState(h.store)
	engine.SetOracle(feedAddr, feed)
	engine.SetStableAsset(stableAddr, h.token)
	engine.SetNativeLedger(h.bank)
	engine.SetEmitter(h.emitted)
	engine.SetClock(h.clock.Now)
	h.engine = engine

	if err := h.token.Faucet(moduleAddr, ether(1_000_000)); err != nil {
		t.Fatalf("fund module: %v", err)
	}
	for _, addr := range []common.Address{user1, user2, liquidatorAddr} {
		if err := h.token.Faucet(addr, ether(10_000)); err != nil {
			t.Fatalf("fund stable: %v", err)
		}
		if err := h.bank.Faucet(addr, ether(100)); err != nil {
			t.Fatalf("fund native: %v", err)
		}
	}
	return h
}

func (h *harness) deposit(t *testing.T, who common.Address, amount *big.Int) {
	t.Helper()
	if err := h.engine.DepositCollateral(context.Background(), who, amount); err != nil {
		t.Fatalf("deposit %s: %v", amount, err)
	}
}

func (h *harness) borrow(t *testing.T, who common.Address, amount *big.Int) int {
	t.Helper()
	idx, err := h.engine.Borrow(context.Background(), who, amount)
	if err != nil {
		t.Fatalf("borrow %s: %v", amount, err)
	}
	return idx
}

func (h *harness) approve(t *testing.T, who common.Address, amount *big.Int) {
	t.Helper()
	if err := h.token.Approve(who, moduleAddr, amount); err != nil {
		t.Fatalf("approve: %v", err)
	}
}

func (h *harness) collateral(t *testing.T, who common.Address) *big.Int {
	t.Helper()
	amount, err := h.engine.Collateral(who)
	if err != nil {
		t.Fatalf("collateral: %v", err)
	}
	return amount
}

func (h *harness) loans(t *testing.T, who common.Address) []LoanStatus {
	t.Helper()
	statuses, err := h.engine.LoanStatus(who)
	if err != nil {
		t.Fatalf("loan status: %v", err)
	}
	return statuses
}

func (h *harness) snapshot(t *testing.T) map[string]string {
	t.Helper()
	out := make(map[string]string)
	if err := h.db.Iterate(nil, func(key, value []byte) bool {
		out[string(key)] = string(value)
		return true
	}); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	return out
}

func assertUnchanged(t *testing.T, before, after map[string]string) {
	t.Helper()
	if len(before) != len(after) {
		t.Fatalf("state key count changed: %d -> %d", len(before), len(after))
	}
	for key, value := range before {
		if after[key] != value {
			t.Fatalf("state changed at %q", key)
		}
	}
}

func TestEngineExposesConfiguration(t *testing.T) {
	h := newHarness(t)
	params := h.engine.Params()
	if params.CollateralRatio != 150 || params.LiquidationRatio != 120 || params.InterestRate != 10 {
		t.Fatalf("unexpected params: %+v", params)
	}
	if h.engine.StableAsset() != stableAddr || h.engine.PriceFeed() != feedAddr {
		t.Fatalf("unexpected addresses: %s %s", h.engine.StableAsset().Hex(), h.engine.PriceFeed().Hex())
	}
	if h.engine.ModuleAddress() != moduleAddr {
		t.Fatalf("unexpected module address: %s", h.engine.ModuleAddress().Hex())
	}
}

func TestEngineRequiresCollaborators(t *testing.T) {
	engine, err := NewEngine(moduleAddr, DefaultParams())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := engine.DepositCollateral(context.Background(), user1, ether(1)); !errors.Is(err, ErrNilState) {
		t.Fatalf("expected ErrNilState, got %v", err)
	}
	if _, err := engine.LoanStatus(user1); !errors.Is(err, ErrNilState) {
		t.Fatalf("expected ErrNilState for reads, got %v", err)
	}
	if _, err := NewEngine(moduleAddr, Params{CollateralRatio: 110, LiquidationRatio: 120, InterestRate: 10}); err == nil {
		t.Fatalf("expected invalid params to be rejected")
	}
}

func TestDepositCollateralAccumulates(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, user1, ether(1))

	evt, ok := h.emitted.last().(events.CollateralDeposited)
	if !ok {
		t.Fatalf("expected CollateralDeposited, got %T", h.emitted.last())
	}
	if evt.Account != user1 || evt.Amount.Cmp(ether(1)) != 0 {
		t.Fatalf("unexpected event: %+v", evt)
	}

	h.deposit(t, user1, milliEther(500))
	if got := h.collateral(t, user1); got.Cmp(milliEther(1500)) != 0 {
		t.Fatalf("expected 1.5 ether collateral, got %s", got)
	}

	vault, err := h.bank.BalanceOf(moduleAddr)
	if err != nil {
		t.Fatalf("vault balance: %v", err)
	}
	if vault.Cmp(milliEther(1500)) != 0 {
		t.Fatalf("expected vault to hold 1.5 ether, got %s", vault)
	}
}

func TestDepositCollateralRejectsZero(t *testing.T) {
	h := newHarness(t)
	if err := h.engine.DepositCollateral(context.Background(), user1, big.NewInt(0)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if err := h.engine.DepositCollateral(context.Background(), user1, nil); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for nil, got %v", err)
	}
}

func TestDepositCollateralFailsWithoutNativeFunds(t *testing.T) {
	h := newHarness(t)
	before := h.snapshot(t)
	err := h.engine.DepositCollateral(context.Background(), user1, ether(500))
	if !errors.Is(err, bank.ErrInsufficientBalance) {
		t.Fatalf("expected bank.ErrInsufficientBalance, got %v", err)
	}
	assertUnchanged(t, before, h.snapshot(t))
	if len(h.emitted.events) != 0 {
		t.Fatalf("expected no events, got %d", len(h.emitted.events))
	}
}

func TestBorrowWithinCollateralLimits(t *testing.T) {
	h := newHarness(t)
	// 2 ETH at $1000 covers at most 2000 * 100 / 150 = 1333 stable units.
	h.deposit(t, user1, ether(2))

	idx := h.borrow(t, user1, ether(1300))
	if idx != 0 {
		t.Fatalf("expected first loan at index 0, got %d", idx)
	}
	evt, ok := h.emitted.last().(events.StableCoinBorrowed)
	if !ok || evt.Amount.Cmp(ether(1300)) != 0 || evt.Account != user1 {
		t.Fatalf("unexpected borrow event: %+v", h.emitted.last())
	}
	balance, err := h.token.BalanceOf(user1)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Cmp(ether(11_300)) != 0 {
		t.Fatalf("expected borrower to receive 1300, balance %s", balance)
	}
}

func TestBorrowExceedingCollateralRatio(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, user1, ether(2))
	before := h.snapshot(t)

	if _, err := h.engine.Borrow(context.Background(), user1, ether(2000)); !errors.Is(err, ErrInsufficientCollateral) {
		t.Fatalf("expected ErrInsufficientCollateral, got %v", err)
	}
	assertUnchanged(t, before, h.snapshot(t))
}

func TestBorrowAtExactRatioBoundary(t *testing.T) {
	h := newHarness(t)
	// 3 ETH at $1000 = $3000, exactly 150% of 2000.
	h.deposit(t, user1, ether(3))
	h.borrow(t, user1, ether(2000))
	if _, err := h.engine.Borrow(context.Background(), user1, big.NewInt(1)); !errors.Is(err, ErrInsufficientCollateral) {
		t.Fatalf("expected one more wei to breach the ratio, got %v", err)
	}
}

func TestBorrowLimitFollowsPrice(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, user1, ether(2))
	if err := h.feed.Update(usd(2000)); err != nil {
		t.Fatalf("update price: %v", err)
	}
	h.borrow(t, user1, ether(1800))
}

func TestBorrowPreconditions(t *testing.T) {
	h := newHarness(t)
	if _, err := h.engine.Borrow(context.Background(), user2, ether(100)); !errors.Is(err, ErrNoCollateral) {
		t.Fatalf("expected ErrNoCollateral, got %v", err)
	}
	h.deposit(t, user1, ether(2))
	if _, err := h.engine.Borrow(context.Background(), user1, big.NewInt(0)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestBorrowRequiresLiquidity(t *testing.T) {
	h := newHarness(t)
	if err := h.bank.Faucet(user1, ether(10_000)); err != nil {
		t.Fatalf("fund native: %v", err)
	}
	h.deposit(t, user1, ether(10_000))
	if _, err := h.engine.Borrow(context.Background(), user1, ether(2_000_000)); !errors.Is(err, ErrInsufficientLiquidity) {
		t.Fatalf("expected ErrInsufficientLiquidity, got %v", err)
	}
}

func TestBorrowTracksMultipleLoans(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, user1, ether(2))
	h.borrow(t, user1, ether(500))
	h.clock.Advance(time.Hour)
	if idx := h.borrow(t, user1, ether(300)); idx != 1 {
		t.Fatalf("expected second loan at index 1, got %d", idx)
	}

	statuses := h.loans(t, user1)
	if len(statuses) != 2 {
		t.Fatalf("expected 2 loans, got %d", len(statuses))
	}
	if statuses[0].Principal.Cmp(ether(500)) != 0 || statuses[1].Principal.Cmp(ether(300)) != 0 {
		t.Fatalf("unexpected principals: %s %s", statuses[0].Principal, statuses[1].Principal)
	}
	if statuses[1].Timestamp-statuses[0].Timestamp != 3600 {
		t.Fatalf("unexpected timestamps: %d %d", statuses[0].Timestamp, statuses[1].Timestamp)
	}
}

func TestBorrowCountsAccruedInterest(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, user1, ether(3))
	h.borrow(t, user1, ether(1800))
	// A year later the first loan owes 1980, leaving room for 20 only.
	h.clock.Advance(365 * day)
	if _, err := h.engine.Borrow(context.Background(), user1, ether(21)); !errors.Is(err, ErrInsufficientCollateral) {
		t.Fatalf("expected interest to count against the limit, got %v", err)
	}
	h.borrow(t, user1, ether(20))
}

func TestInterestAccruesLinearly(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, user1, ether(2))
	h.borrow(t, user1, ether(1000))

	h.clock.Advance(182 * day)
	statuses := h.loans(t, user1)
	expected := ether(50)
	diff := new(big.Int).Sub(statuses[0].Interest, expected)
	if diff.Abs(diff).Cmp(ether(10)) > 0 {
		t.Fatalf("expected ~50 interest after half a year, got %s", statuses[0].Interest)
	}

	h.clock.Advance(183 * day)
	statuses = h.loans(t, user1)
	if statuses[0].Interest.Cmp(ether(100)) != 0 {
		t.Fatalf("expected exactly 100 interest after a year, got %s", statuses[0].Interest)
	}
	if statuses[0].Principal.Cmp(ether(1000)) != 0 {
		t.Fatalf("principal must not change with accrual, got %s", statuses[0].Principal)
	}
}

func TestLoanStatusEmptyAccount(t *testing.T) {
	h := newHarness(t)
	if statuses := h.loans(t, user2); len(statuses) != 0 {
		t.Fatalf("expected no loans, got %d", len(statuses))
	}
}

func TestRepayFullLoan(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, user1, ether(2))
	h.borrow(t, user1, ether(1000))
	h.approve(t, user1, ether(10_000))

	repaid, err := h.engine.Repay(context.Background(), user1, ether(10_000), []int{0})
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if repaid.Cmp(ether(1000)) != 0 {
		t.Fatalf("expected 1000 repaid, got %s", repaid)
	}
	if _, ok := h.emitted.last().(events.StableCoinRepaid); !ok {
		t.Fatalf("expected StableCoinRepaid, got %T", h.emitted.last())
	}
	statuses := h.loans(t, user1)
	if len(statuses) != 1 || statuses[0].Principal.Sign() != 0 {
		t.Fatalf("expected zeroed slot to persist, got %+v", statuses)
	}
	balance, _ := h.token.BalanceOf(user1)
	if balance.Cmp(ether(10_000)) != 0 {
		t.Fatalf("expected borrower back at 10000, got %s", balance)
	}
	allowance, _ := h.token.Allowance(user1, moduleAddr)
	if allowance.Cmp(ether(9_000)) != 0 {
		t.Fatalf("expected allowance to shrink by the amount pulled, got %s", allowance)
	}
}

func TestRepayChargesInterest(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, user1, ether(2))
	h.borrow(t, user1, ether(1000))
	h.approve(t, user1, ether(10_000))
	h.clock.Advance(365 * day)

	if _, err := h.engine.Repay(context.Background(), user1, ether(1099), []int{0}); !errors.Is(err, ErrInsufficientRepaymentAuthorization) {
		t.Fatalf("expected authorization to cover interest, got %v", err)
	}
	repaid, err := h.engine.Repay(context.Background(), user1, ether(1100), []int{0})
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if repaid.Cmp(ether(1100)) != 0 {
		t.Fatalf("expected principal plus a year of interest, got %s", repaid)
	}
}

func TestRepaySelectedLoansOnly(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, user1, ether(3))
	h.borrow(t, user1, ether(1000))
	h.borrow(t, user1, ether(500))
	h.approve(t, user1, ether(10_000))

	if _, err := h.engine.Repay(context.Background(), user1, ether(1100), []int{0}); err != nil {
		t.Fatalf("repay: %v", err)
	}
	statuses := h.loans(t, user1)
	if statuses[0].Principal.Sign() != 0 {
		t.Fatalf("expected loan 0 cleared, got %s", statuses[0].Principal)
	}
	if statuses[1].Principal.Cmp(ether(500)) != 0 {
		t.Fatalf("expected loan 1 untouched, got %s", statuses[1].Principal)
	}
}

func TestRepayMultipleLoans(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, user1, ether(2))
	h.borrow(t, user1, ether(1000))
	h.deposit(t, user1, ether(1))
	h.borrow(t, user1, ether(500))
	h.approve(t, user1, ether(10_000))

	repaid, err := h.engine.Repay(context.Background(), user1, ether(10_000), []int{1, 0, 1})
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if repaid.Cmp(ether(1500)) != 0 {
		t.Fatalf("expected duplicate indices to be charged once, got %s", repaid)
	}
	evt := h.emitted.last().(events.StableCoinRepaid)
	if len(evt.LoanIndices) != 2 || evt.LoanIndices[0] != 0 || evt.LoanIndices[1] != 1 {
		t.Fatalf("unexpected repaid indices: %v", evt.LoanIndices)
	}
	for i, status := range h.loans(t, user1) {
		if status.Principal.Sign() != 0 {
			t.Fatalf("expected loan %d cleared, got %s", i, status.Principal)
		}
	}
}

func TestRepayPreconditions(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, user1, ether(2))
	h.borrow(t, user1, ether(1000))
	h.approve(t, user1, ether(10_000))
	before := h.snapshot(t)

	if _, err := h.engine.Repay(context.Background(), user1, ether(500), []int{0}); !errors.Is(err, ErrInsufficientRepaymentAuthorization) {
		t.Fatalf("expected ErrInsufficientRepaymentAuthorization, got %v", err)
	}
	if _, err := h.engine.Repay(context.Background(), user1, ether(10_000), []int{5}); !errors.Is(err, ErrInvalidLoanIndex) {
		t.Fatalf("expected ErrInvalidLoanIndex, got %v", err)
	}
	if _, err := h.engine.Repay(context.Background(), user1, ether(10_000), []int{-1}); !errors.Is(err, ErrInvalidLoanIndex) {
		t.Fatalf("expected ErrInvalidLoanIndex for negative index, got %v", err)
	}
	if _, err := h.engine.Repay(context.Background(), user1, ether(1100), nil); !errors.Is(err, ErrNoLoansSpecified) {
		t.Fatalf("expected ErrNoLoansSpecified, got %v", err)
	}
	assertUnchanged(t, before, h.snapshot(t))
}

func TestRepayZeroPrincipalIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, user1, ether(2))
	h.borrow(t, user1, ether(1000))
	h.approve(t, user1, ether(10_000))
	if _, err := h.engine.Repay(context.Background(), user1, ether(10_000), []int{0}); err != nil {
		t.Fatalf("repay: %v", err)
	}
	h.clock.Advance(30 * day)
	before := h.snapshot(t)

	repaid, err := h.engine.Repay(context.Background(), user1, big.NewInt(0), []int{0})
	if err != nil {
		t.Fatalf("second repay: %v", err)
	}
	if repaid.Sign() != 0 {
		t.Fatalf("expected nothing owed on a cleared slot, got %s", repaid)
	}
	assertUnchanged(t, before, h.snapshot(t))
}

func TestRepayWithoutAllowanceRollsBack(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, user1, ether(2))
	h.borrow(t, user1, ether(1000))
	before := h.snapshot(t)
	emitted := len(h.emitted.events)

	_, err := h.engine.Repay(context.Background(), user1, ether(10_000), []int{0})
	if !errors.Is(err, stable.ErrInsufficientAllowance) {
		t.Fatalf("expected stable.ErrInsufficientAllowance, got %v", err)
	}
	assertUnchanged(t, before, h.snapshot(t))
	if len(h.emitted.events) != emitted {
		t.Fatalf("failed repay must not emit events")
	}
	if statuses := h.loans(t, user1); statuses[0].Principal.Cmp(ether(1000)) != 0 {
		t.Fatalf("expected principal restored, got %s", statuses[0].Principal)
	}
}

func TestWithdrawCollateral(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, user1, ether(3))
	h.borrow(t, user1, ether(1000))

	if err := h.engine.WithdrawCollateral(context.Background(), user1, milliEther(500)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	evt, ok := h.emitted.last().(events.CollateralWithdrawn)
	if !ok || evt.Amount.Cmp(milliEther(500)) != 0 {
		t.Fatalf("unexpected withdraw event: %+v", h.emitted.last())
	}
	if got := h.collateral(t, user1); got.Cmp(milliEther(2500)) != 0 {
		t.Fatalf("expected 2.5 ether collateral, got %s", got)
	}
	native, _ := h.bank.BalanceOf(user1)
	if native.Cmp(milliEther(97_500)) != 0 {
		t.Fatalf("expected native balance 97.5 ether, got %s", native)
	}
}

func TestWithdrawCollateralPreconditions(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, user1, ether(3))
	h.borrow(t, user1, ether(1000))
	before := h.snapshot(t)

	// Leaving 1 ETH ($1000) against 1000 debt is 100% coverage.
	if err := h.engine.WithdrawCollateral(context.Background(), user1, ether(2)); !errors.Is(err, ErrWithdrawalUnsafe) {
		t.Fatalf("expected ErrWithdrawalUnsafe, got %v", err)
	}
	if err := h.engine.WithdrawCollateral(context.Background(), user1, ether(5)); !errors.Is(err, ErrExceedsDeposit) {
		t.Fatalf("expected ErrExceedsDeposit, got %v", err)
	}
	if err := h.engine.WithdrawCollateral(context.Background(), user1, big.NewInt(0)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	assertUnchanged(t, before, h.snapshot(t))
}

func TestWithdrawEverythingWithoutDebt(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, user1, ether(2))
	h.borrow(t, user1, ether(1000))
	h.approve(t, user1, ether(10_000))
	if _, err := h.engine.Repay(context.Background(), user1, ether(10_000), []int{0}); err != nil {
		t.Fatalf("repay: %v", err)
	}
	if err := h.engine.WithdrawCollateral(context.Background(), user1, ether(2)); err != nil {
		t.Fatalf("withdraw all: %v", err)
	}
	if got := h.collateral(t, user1); got.Sign() != 0 {
		t.Fatalf("expected empty collateral, got %s", got)
	}
}

func TestLiquidateSafePosition(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, user1, ether(2))
	h.borrow(t, user1, ether(100))
	before := h.snapshot(t)

	if _, err := h.engine.Liquidate(context.Background(), liquidatorAddr, user1); !errors.Is(err, ErrPositionSafe) {
		t.Fatalf("expected ErrPositionSafe, got %v", err)
	}
	if _, err := h.engine.Liquidate(context.Background(), liquidatorAddr, user2); !errors.Is(err, ErrPositionSafe) {
		t.Fatalf("expected empty account to be safe, got %v", err)
	}
	assertUnchanged(t, before, h.snapshot(t))
}

func TestLiquidateAfterInterestAccrues(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, user1, ether(2))
	h.borrow(t, user1, ether(1330))

	if _, err := h.engine.Liquidate(context.Background(), liquidatorAddr, user1); !errors.Is(err, ErrPositionSafe) {
		t.Fatalf("expected fresh position to be safe, got %v", err)
	}

	// Three years of 10% simple interest: 1330 -> 1729, and 2000 < 1729 * 1.2.
	h.clock.Advance(3 * 365 * day)
	before, _ := h.bank.BalanceOf(liquidatorAddr)

	result, err := h.engine.Liquidate(context.Background(), liquidatorAddr, user1)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if result.CollateralSeized.Cmp(ether(2)) != 0 {
		t.Fatalf("expected 2 ether seized, got %s", result.CollateralSeized)
	}
	if result.DebtCleared.Cmp(ether(1729)) != 0 {
		t.Fatalf("expected 1729 debt cleared, got %s", result.DebtCleared)
	}

	after, _ := h.bank.BalanceOf(liquidatorAddr)
	if gained := new(big.Int).Sub(after, before); gained.Cmp(ether(2)) != 0 {
		t.Fatalf("expected liquidator to gain 2 ether, gained %s", gained)
	}
	if got := h.collateral(t, user1); got.Sign() != 0 {
		t.Fatalf("expected collateral cleared, got %s", got)
	}
	statuses := h.loans(t, user1)
	if len(statuses) != 1 || statuses[0].Principal.Sign() != 0 || statuses[0].Interest.Sign() != 0 {
		t.Fatalf("expected loan slot zeroed but kept, got %+v", statuses)
	}
	evt, ok := h.emitted.last().(events.CollateralLiquidated)
	if !ok || evt.Account != user1 || evt.Liquidator != liquidatorAddr {
		t.Fatalf("unexpected liquidation event: %+v", h.emitted.last())
	}

	// The account is re-enterable after liquidation.
	h.deposit(t, user1, ether(1))
	if idx := h.borrow(t, user1, ether(100)); idx != 1 {
		t.Fatalf("expected new loan appended at index 1, got %d", idx)
	}
}

func TestLiquidateAfterPriceDrop(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, user1, ether(2))
	h.borrow(t, user1, ether(1000))

	if err := h.feed.Update(usd(600)); err != nil {
		t.Fatalf("update price: %v", err)
	}
	// $1200 against 1000 debt sits exactly on the 120% line and stays safe.
	if _, err := h.engine.Liquidate(context.Background(), liquidatorAddr, user1); !errors.Is(err, ErrPositionSafe) {
		t.Fatalf("expected boundary position to be safe, got %v", err)
	}
	if err := h.feed.Update(usd(599)); err != nil {
		t.Fatalf("update price: %v", err)
	}
	if _, err := h.engine.Liquidate(context.Background(), liquidatorAddr, user1); err != nil {
		t.Fatalf("liquidate: %v", err)
	}
}

func TestPositionReport(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, user1, ether(2))

	position, err := h.engine.Position(context.Background(), user1)
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if position.CoveragePercent != nil || position.Liquidatable {
		t.Fatalf("debt-free position should have no coverage and be safe: %+v", position)
	}

	h.borrow(t, user1, ether(1000))
	position, err = h.engine.Position(context.Background(), user1)
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if position.CollateralValue.Cmp(ether(2000)) != 0 {
		t.Fatalf("expected $2000 collateral value, got %s", position.CollateralValue)
	}
	if position.CoveragePercent.Int64() != 200 {
		t.Fatalf("expected 200%% coverage, got %s", position.CoveragePercent)
	}
	if position.Price.Cmp(usd(1000)) != 0 {
		t.Fatalf("unexpected price: %s", position.Price)
	}
}

type countingOracle struct {
	price *big.Int
	reads int
	err   error
}

func (o *countingOracle) CurrentPrice(context.Context) (*big.Int, error) {
	o.reads++
	if o.err != nil {
		return nil, o.err
	}
	return new(big.Int).Set(o.price), nil
}

func (o *countingOracle) Decimals() uint8 { return oracle.PriceDecimals }

func TestOracleReadOncePerOperation(t *testing.T) {
	h := newHarness(t)
	counting := &countingOracle{price: usd(1000)}
	h.engine.SetOracle(feedAddr, counting)

	h.deposit(t, user1, ether(2))
	if counting.reads != 0 {
		t.Fatalf("deposit must not read the oracle, read %d times", counting.reads)
	}
	h.borrow(t, user1, ether(100))
	if counting.reads != 1 {
		t.Fatalf("expected one oracle read for borrow, got %d", counting.reads)
	}

	counting.price = big.NewInt(0)
	if _, err := h.engine.Borrow(context.Background(), user1, ether(1)); !errors.Is(err, ErrInvalidPrice) {
		t.Fatalf("expected ErrInvalidPrice, got %v", err)
	}
	counting.err = errors.New("feed offline")
	if _, err := h.engine.Liquidate(context.Background(), liquidatorAddr, user1); err == nil {
		t.Fatalf("expected oracle failure to abort liquidation")
	}
}

type failingStable struct {
	StableAssetLedger
}

func (failingStable) Transfer(common.Address, common.Address, *big.Int) error {
	return errors.New("token paused")
}

func TestBorrowTransferFailureLeavesStateUnchanged(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, user1, ether(2))
	h.engine.SetStableAsset(stableAddr, failingStable{StableAssetLedger: h.token})
	before := h.snapshot(t)

	if _, err := h.engine.Borrow(context.Background(), user1, ether(100)); err == nil {
		t.Fatalf("expected transfer failure to surface")
	}
	assertUnchanged(t, before, h.snapshot(t))
	if statuses := h.loans(t, user1); len(statuses) != 0 {
		t.Fatalf("expected no loan slot after failed borrow, got %d", len(statuses))
	}
}
