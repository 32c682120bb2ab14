package events

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"collateralx/core/types"
)

const (
	// TypeStableTransfer is emitted for stable-asset balance movements,
	// including faucet mints (From is the zero address).
	TypeStableTransfer = "stable.transfer"
	// TypeStableApproval is emitted when an owner sets a spender allowance.
	TypeStableApproval = "stable.approval"
)

type StableTransfer struct {
	From   common.Address
	To     common.Address
	Amount *big.Int
}

func (StableTransfer) EventType() string { return TypeStableTransfer }

func (e StableTransfer) Event() *types.Event {
	return &types.Event{
		Type: TypeStableTransfer,
		Attributes: map[string]string{
			"from":   e.From.Hex(),
			"to":     e.To.Hex(),
			"amount": formatAmount(e.Amount),
		},
	}
}

type StableApproval struct {
	Owner   common.Address
	Spender common.Address
	Amount  *big.Int
}

func (StableApproval) EventType() string { return TypeStableApproval }

func (e StableApproval) Event() *types.Event {
	return &types.Event{
		Type: TypeStableApproval,
		Attributes: map[string]string{
			"owner":   e.Owner.Hex(),
			"spender": e.Spender.Hex(),
			"amount":  formatAmount(e.Amount),
		},
	}
}
