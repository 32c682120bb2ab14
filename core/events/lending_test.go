package events

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestStableCoinRepaidEvent(t *testing.T) {
	account := common.HexToAddress("0x00000000000000000000000000000000000000a1")
	evt := StableCoinRepaid{
		Account:     account,
		Amount:      big.NewInt(1100),
		LoanIndices: []int{0, 2},
	}.Event()
	if evt == nil {
		t.Fatalf("expected event")
	}
	if evt.Type != TypeStableCoinRepaid {
		t.Fatalf("unexpected type: %s", evt.Type)
	}
	if evt.Attributes["account"] != account.Hex() {
		t.Fatalf("unexpected account attr: %s", evt.Attributes["account"])
	}
	if evt.Attributes["amount"] != "1100" || evt.Attributes["loanIndices"] != "0,2" {
		t.Fatalf("unexpected attrs: %+v", evt.Attributes)
	}
}

func TestCollateralLiquidatedEventNilAmounts(t *testing.T) {
	evt := CollateralLiquidated{}.Event()
	if evt.Attributes["collateralSeized"] != "0" || evt.Attributes["debtCleared"] != "0" {
		t.Fatalf("expected zero amounts for nil values, got %+v", evt.Attributes)
	}
}

func TestFanoutDeliversInOrder(t *testing.T) {
	var seen []string
	first := EmitterFunc(func(evt Event) { seen = append(seen, "first:"+evt.EventType()) })
	second := EmitterFunc(func(evt Event) { seen = append(seen, "second:"+evt.EventType()) })

	Fanout{first, nil, second}.Emit(CollateralDeposited{Amount: big.NewInt(1)})
	Fanout{first}.Emit(nil)

	if len(seen) != 2 {
		t.Fatalf("expected 2 deliveries, got %v", seen)
	}
	if seen[0] != "first:"+TypeCollateralDeposited || seen[1] != "second:"+TypeCollateralDeposited {
		t.Fatalf("unexpected delivery order: %v", seen)
	}
}

type bareEvent struct{}

func (bareEvent) EventType() string { return "bare" }

func TestRenderFallsBackToType(t *testing.T) {
	rendered := Render(bareEvent{})
	if rendered == nil || rendered.Type != "bare" || len(rendered.Attributes) != 0 {
		t.Fatalf("unexpected render: %+v", rendered)
	}
	if Render(nil) != nil {
		t.Fatalf("expected nil render for nil event")
	}
	deposit := Render(CollateralDeposited{Amount: big.NewInt(7)})
	if deposit.Attributes["amount"] != "7" {
		t.Fatalf("unexpected deposit render: %+v", deposit)
	}
}
