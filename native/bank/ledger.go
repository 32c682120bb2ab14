package bank

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"collateralx/storage"
)

var (
	ErrInvalidAmount       = errors.New("bank: amount must not be negative")
	ErrAmountOverflow      = errors.New("bank: amount exceeds 256 bits")
	ErrInsufficientBalance = errors.New("bank: insufficient balance")
	ErrBalanceOverflow     = errors.New("bank: balance overflow")
)

var (
	balancePrefix = []byte("bank/balance/")
	supplyKey     = []byte("bank/supply")
)

// Ledger tracks native-asset balances. Balances are 256-bit unsigned
// integers so arithmetic overflow is detected rather than silently wrapped.
type Ledger struct {
	mu sync.Mutex
	db storage.Database
}

// NewLedger stores balances in db.
func NewLedger(db storage.Database) *Ledger {
	return &Ledger{db: db}
}

// BalanceOf returns the native balance of addr in wei.
func (l *Ledger) BalanceOf(addr common.Address) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	balance, err := l.load(balanceKey(addr))
	if err != nil {
		return nil, err
	}
	return balance.ToBig(), nil
}

// TotalSupply returns the amount minted through the faucet.
func (l *Ledger) TotalSupply() (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	supply, err := l.load(supplyKey)
	if err != nil {
		return nil, err
	}
	return supply.ToBig(), nil
}

// Transfer moves amount from one account to another. Zero amounts are
// accepted and change nothing.
func (l *Ledger) Transfer(from, to common.Address, amount *big.Int) error {
	value, err := toUint256(amount)
	if err != nil {
		return err
	}
	if value.IsZero() || from == to {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	fromBalance, err := l.load(balanceKey(from))
	if err != nil {
		return err
	}
	if fromBalance.Lt(value) {
		return fmt.Errorf("%w: %s holds %s, needs %s", ErrInsufficientBalance, from.Hex(), fromBalance.Dec(), value.Dec())
	}
	toBalance, err := l.load(balanceKey(to))
	if err != nil {
		return err
	}
	credited, overflow := new(uint256.Int).AddOverflow(toBalance, value)
	if overflow {
		return ErrBalanceOverflow
	}
	debited := new(uint256.Int).Sub(fromBalance, value)

	if err := l.store(balanceKey(from), debited); err != nil {
		return err
	}
	if err := l.store(balanceKey(to), credited); err != nil {
		// Put the debit back so the pair stays balanced.
		if restoreErr := l.store(balanceKey(from), fromBalance); restoreErr != nil {
			return errors.Join(err, restoreErr)
		}
		return err
	}
	return nil
}

// Faucet mints amount to addr. It exists for bootstrap and test funding.
func (l *Ledger) Faucet(to common.Address, amount *big.Int) error {
	value, err := toUint256(amount)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	supply, err := l.load(supplyKey)
	if err != nil {
		return err
	}
	newSupply, overflow := new(uint256.Int).AddOverflow(supply, value)
	if overflow {
		return ErrBalanceOverflow
	}
	balance, err := l.load(balanceKey(to))
	if err != nil {
		return err
	}
	newBalance, overflow := new(uint256.Int).AddOverflow(balance, value)
	if overflow {
		return ErrBalanceOverflow
	}
	if err := l.store(balanceKey(to), newBalance); err != nil {
		return err
	}
	return l.store(supplyKey, newSupply)
}

func (l *Ledger) load(key []byte) (*uint256.Int, error) {
	if l == nil || l.db == nil {
		return nil, fmt.Errorf("bank ledger not initialised")
	}
	raw, err := l.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return new(uint256.Int), nil
	}
	if err != nil {
		return nil, fmt.Errorf("bank: load %x: %w", key, err)
	}
	return new(uint256.Int).SetBytes(raw), nil
}

func (l *Ledger) store(key []byte, value *uint256.Int) error {
	encoded := value.Bytes32()
	if err := l.db.Put(key, encoded[:]); err != nil {
		return fmt.Errorf("bank: store %x: %w", key, err)
	}
	return nil
}

func toUint256(amount *big.Int) (*uint256.Int, error) {
	if amount == nil {
		return new(uint256.Int), nil
	}
	if amount.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	value, overflow := uint256.FromBig(amount)
	if overflow {
		return nil, ErrAmountOverflow
	}
	return value, nil
}

func balanceKey(addr common.Address) []byte {
	key := make([]byte, 0, len(balancePrefix)+common.AddressLength)
	key = append(key, balancePrefix...)
	return append(key, addr.Bytes()...)
}
