package bank

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"collateralx/storage"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

func TestLedgerFaucetAndTransfer(t *testing.T) {
	ledger := NewLedger(storage.NewMemDB())
	if err := ledger.Faucet(alice, big.NewInt(100)); err != nil {
		t.Fatalf("faucet: %v", err)
	}
	if err := ledger.Transfer(alice, bob, big.NewInt(40)); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	aliceBalance, _ := ledger.BalanceOf(alice)
	bobBalance, _ := ledger.BalanceOf(bob)
	if aliceBalance.Int64() != 60 || bobBalance.Int64() != 40 {
		t.Fatalf("unexpected balances: alice=%s bob=%s", aliceBalance, bobBalance)
	}
	supply, _ := ledger.TotalSupply()
	if supply.Int64() != 100 {
		t.Fatalf("transfers must not change supply, got %s", supply)
	}
}

func TestLedgerRejectsOverdraft(t *testing.T) {
	ledger := NewLedger(storage.NewMemDB())
	if err := ledger.Faucet(alice, big.NewInt(10)); err != nil {
		t.Fatalf("faucet: %v", err)
	}
	err := ledger.Transfer(alice, bob, big.NewInt(11))
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	balance, _ := ledger.BalanceOf(alice)
	if balance.Int64() != 10 {
		t.Fatalf("failed transfer changed balance to %s", balance)
	}
}

func TestLedgerAmountValidation(t *testing.T) {
	ledger := NewLedger(storage.NewMemDB())
	if err := ledger.Transfer(alice, bob, big.NewInt(-1)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	tooLarge := new(big.Int).Lsh(big.NewInt(1), 256)
	if err := ledger.Faucet(alice, tooLarge); !errors.Is(err, ErrAmountOverflow) {
		t.Fatalf("expected ErrAmountOverflow, got %v", err)
	}
	max := new(big.Int).Sub(tooLarge, big.NewInt(1))
	if err := ledger.Faucet(alice, max); err != nil {
		t.Fatalf("faucet max: %v", err)
	}
	if err := ledger.Faucet(alice, big.NewInt(1)); !errors.Is(err, ErrBalanceOverflow) {
		t.Fatalf("expected ErrBalanceOverflow, got %v", err)
	}
	// Zero and self transfers are no-ops even without funds.
	if err := ledger.Transfer(bob, alice, big.NewInt(0)); err != nil {
		t.Fatalf("zero transfer: %v", err)
	}
	if err := ledger.Transfer(bob, bob, big.NewInt(5)); err != nil {
		t.Fatalf("self transfer: %v", err)
	}
}
