package stable

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"collateralx/core/events"
	"collateralx/storage"
)

var (
	ErrInvalidAmount         = errors.New("stable: amount must not be negative")
	ErrInsufficientBalance   = errors.New("stable: transfer amount exceeds balance")
	ErrInsufficientAllowance = errors.New("stable: insufficient allowance")
	ErrZeroAddress           = errors.New("stable: zero address")
)

const Decimals uint8 = 18

// Metadata describes the token.
type Metadata struct {
	Name     string `json:"name"`
	Symbol   string `json:"symbol"`
	Decimals uint8  `json:"decimals"`
}

// Token is a fungible stable-asset ledger with ERC-20 semantics: balances,
// allowances, push transfers and allowance pulls. Faucet mints for bootstrap
// funding only.
type Token struct {
	mu      sync.Mutex
	db      storage.Database
	prefix  []byte
	meta    Metadata
	emitter events.Emitter
}

// NewToken stores balances for the token identified by symbol in db.
func NewToken(db storage.Database, name, symbol string) *Token {
	return &Token{
		db:      db,
		prefix:  []byte("stable/" + symbol + "/"),
		meta:    Metadata{Name: name, Symbol: symbol, Decimals: Decimals},
		emitter: events.NoopEmitter{},
	}
}

// SetEmitter installs the sink for transfer and approval events.
func (t *Token) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	t.emitter = emitter
}

// Metadata returns the token description.
func (t *Token) Metadata() Metadata { return t.meta }

// BalanceOf returns the balance of addr.
func (t *Token) BalanceOf(addr common.Address) (*big.Int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.load(t.balanceKey(addr))
}

// Allowance returns how much spender may still pull from owner.
func (t *Token) Allowance(owner, spender common.Address) (*big.Int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.load(t.allowanceKey(owner, spender))
}

// TotalSupply returns the minted supply.
func (t *Token) TotalSupply() (*big.Int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.load(t.supplyKey())
}

// Approve sets the allowance spender may pull from owner, replacing any
// previous value.
func (t *Token) Approve(owner, spender common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	if spender == (common.Address{}) {
		return ErrZeroAddress
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.store(t.allowanceKey(owner, spender), amount); err != nil {
		return err
	}
	t.emitter.Emit(events.StableApproval{Owner: owner, Spender: spender, Amount: new(big.Int).Set(amount)})
	return nil
}

// Transfer pushes amount from the owner's balance to to.
func (t *Token) Transfer(from, to common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.move(from, to, amount)
}

// TransferFrom pulls amount from from to to, consuming spender's allowance.
func (t *Token) TransferFrom(spender, from, to common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	key := t.allowanceKey(from, spender)
	allowance, err := t.load(key)
	if err != nil {
		return err
	}
	if allowance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s allows %s, needs %s", ErrInsufficientAllowance, from.Hex(), allowance, amount)
	}
	balance, err := t.load(t.balanceKey(from))
	if err != nil {
		return err
	}
	if balance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s holds %s, needs %s", ErrInsufficientBalance, from.Hex(), balance, amount)
	}
	// The allowance is consumed before balances move so a failed write never
	// leaves moved funds behind; a failed move gives it back.
	if err := t.store(key, new(big.Int).Sub(allowance, amount)); err != nil {
		return err
	}
	if err := t.move(from, to, amount); err != nil {
		if restoreErr := t.store(key, allowance); restoreErr != nil {
			return errors.Join(err, restoreErr)
		}
		return err
	}
	return nil
}

// Faucet mints amount to to.
func (t *Token) Faucet(to common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	supply, err := t.load(t.supplyKey())
	if err != nil {
		return err
	}
	balance, err := t.load(t.balanceKey(to))
	if err != nil {
		return err
	}
	if err := t.store(t.balanceKey(to), balance.Add(balance, amount)); err != nil {
		return err
	}
	if err := t.store(t.supplyKey(), supply.Add(supply, amount)); err != nil {
		return err
	}
	t.emitter.Emit(events.StableTransfer{To: to, Amount: new(big.Int).Set(amount)})
	return nil
}

// move must be called with the lock held.
func (t *Token) move(from, to common.Address, amount *big.Int) error {
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	fromBalance, err := t.load(t.balanceKey(from))
	if err != nil {
		return err
	}
	if fromBalance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s holds %s, needs %s", ErrInsufficientBalance, from.Hex(), fromBalance, amount)
	}
	if from != to && amount.Sign() > 0 {
		toBalance, err := t.load(t.balanceKey(to))
		if err != nil {
			return err
		}
		if err := t.store(t.balanceKey(from), new(big.Int).Sub(fromBalance, amount)); err != nil {
			return err
		}
		if err := t.store(t.balanceKey(to), toBalance.Add(toBalance, amount)); err != nil {
			if restoreErr := t.store(t.balanceKey(from), fromBalance); restoreErr != nil {
				return errors.Join(err, restoreErr)
			}
			return err
		}
	}
	t.emitter.Emit(events.StableTransfer{From: from, To: to, Amount: new(big.Int).Set(amount)})
	return nil
}

func (t *Token) load(key []byte) (*big.Int, error) {
	if t == nil || t.db == nil {
		return nil, fmt.Errorf("stable token not initialised")
	}
	raw, err := t.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, fmt.Errorf("stable: load: %w", err)
	}
	return new(big.Int).SetBytes(raw), nil
}

func (t *Token) store(key []byte, value *big.Int) error {
	if err := t.db.Put(key, value.Bytes()); err != nil {
		return fmt.Errorf("stable: store: %w", err)
	}
	return nil
}

func (t *Token) balanceKey(addr common.Address) []byte {
	return append(append(append([]byte(nil), t.prefix...), "balance/"...), addr.Bytes()...)
}

func (t *Token) allowanceKey(owner, spender common.Address) []byte {
	key := append(append([]byte(nil), t.prefix...), "allowance/"...)
	key = append(key, owner.Bytes()...)
	return append(key, spender.Bytes()...)
}

func (t *Token) supplyKey() []byte {
	return append(append([]byte(nil), t.prefix...), "supply"...)
}

func checkAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	return nil
}
