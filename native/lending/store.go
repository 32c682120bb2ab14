package lending

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"collateralx/storage"
)

var accountPrefix = []byte("lending/account/")

type loanRecord struct {
	Principal *big.Int
	Timestamp uint64
}

type accountRecord struct {
	Collateral *big.Int
	Loans      []loanRecord
}

// Store persists lending accounts as RLP records in a key/value database.
type Store struct {
	db storage.Database
}

// NewStore wraps db as the engine's account store.
func NewStore(db storage.Database) *Store {
	return &Store{db: db}
}

func (s *Store) withDB() (storage.Database, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("lending store not initialised")
	}
	return s.db, nil
}

// GetAccount loads the account for addr, returning nil when none is stored.
func (s *Store) GetAccount(addr common.Address) (*Account, error) {
	db, err := s.withDB()
	if err != nil {
		return nil, err
	}
	raw, err := db.Get(accountKey(addr))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lending store: get %s: %w", addr.Hex(), err)
	}
	var record accountRecord
	if err := rlp.DecodeBytes(raw, &record); err != nil {
		return nil, fmt.Errorf("lending store: decode %s: %w", addr.Hex(), err)
	}
	return record.toAccount(addr), nil
}

// PutAccount writes the account under its address. Accounts with no
// collateral and no loan slots are removed instead of stored.
func (s *Store) PutAccount(account *Account) error {
	db, err := s.withDB()
	if err != nil {
		return err
	}
	if account == nil {
		return fmt.Errorf("lending store: nil account")
	}
	if account.empty() {
		if err := db.Delete(accountKey(account.Address)); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("lending store: delete %s: %w", account.Address.Hex(), err)
		}
		return nil
	}
	encoded, err := rlp.EncodeToBytes(newAccountRecord(account))
	if err != nil {
		return fmt.Errorf("lending store: encode %s: %w", account.Address.Hex(), err)
	}
	if err := db.Put(accountKey(account.Address), encoded); err != nil {
		return fmt.Errorf("lending store: put %s: %w", account.Address.Hex(), err)
	}
	return nil
}

// Addresses lists every address with a stored account.
func (s *Store) Addresses() ([]common.Address, error) {
	db, err := s.withDB()
	if err != nil {
		return nil, err
	}
	var out []common.Address
	err = db.Iterate(accountPrefix, func(key, _ []byte) bool {
		suffix := key[len(accountPrefix):]
		if len(suffix) == common.AddressLength {
			out = append(out, common.BytesToAddress(suffix))
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("lending store: iterate accounts: %w", err)
	}
	return out, nil
}

func accountKey(addr common.Address) []byte {
	key := make([]byte, 0, len(accountPrefix)+common.AddressLength)
	key = append(key, accountPrefix...)
	return append(key, addr.Bytes()...)
}

func newAccountRecord(account *Account) accountRecord {
	record := accountRecord{Collateral: big.NewInt(0)}
	if account.Collateral != nil {
		record.Collateral.Set(account.Collateral)
	}
	record.Loans = make([]loanRecord, len(account.Loans))
	for i, loan := range account.Loans {
		principal := big.NewInt(0)
		if loan.Principal != nil {
			principal.Set(loan.Principal)
		}
		record.Loans[i] = loanRecord{Principal: principal, Timestamp: loan.Timestamp}
	}
	return record
}

func (r accountRecord) toAccount(addr common.Address) *Account {
	account := &Account{Address: addr, Collateral: big.NewInt(0)}
	if r.Collateral != nil {
		account.Collateral.Set(r.Collateral)
	}
	if len(r.Loans) > 0 {
		account.Loans = make([]Loan, len(r.Loans))
		for i, loan := range r.Loans {
			principal := big.NewInt(0)
			if loan.Principal != nil {
				principal.Set(loan.Principal)
			}
			account.Loans[i] = Loan{Principal: principal, Timestamp: loan.Timestamp}
		}
	}
	return account
}
