package lending

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	// CollateralRatio is the minimum collateral value to debt percentage
	// required to open a loan or withdraw collateral.
	CollateralRatio uint64 = 150
	// LiquidationRatio is the percentage below which a position may be seized.
	LiquidationRatio uint64 = 120
	// InterestRate is the simple annual interest charged on loan principal,
	// in percent.
	InterestRate uint64 = 10

	// SecondsPerYear fixes the accrual year at 365 days.
	SecondsPerYear uint64 = 365 * 24 * 60 * 60

	percent uint64 = 100
)

// Params captures the risk constants the engine is constructed with. They are
// immutable once the engine exists.
type Params struct {
	CollateralRatio  uint64 `toml:"CollateralRatio"`
	LiquidationRatio uint64 `toml:"LiquidationRatio"`
	InterestRate     uint64 `toml:"InterestRate"`
}

// DefaultParams returns the protocol constants.
func DefaultParams() Params {
	return Params{
		CollateralRatio:  CollateralRatio,
		LiquidationRatio: LiquidationRatio,
		InterestRate:     InterestRate,
	}
}

// Validate checks the ratios describe a solvent configuration.
func (p Params) Validate() error {
	if p.CollateralRatio == 0 {
		return fmt.Errorf("lending params: CollateralRatio must be positive")
	}
	if p.LiquidationRatio < percent {
		return fmt.Errorf("lending params: LiquidationRatio must be at least 100, got %d", p.LiquidationRatio)
	}
	if p.LiquidationRatio >= p.CollateralRatio {
		return fmt.Errorf("lending params: LiquidationRatio (%d) must be below CollateralRatio (%d)", p.LiquidationRatio, p.CollateralRatio)
	}
	if p.InterestRate > percent {
		return fmt.Errorf("lending params: InterestRate must not exceed 100, got %d", p.InterestRate)
	}
	return nil
}

// LoadParams reads risk parameters from a TOML file. Fields missing from the
// file keep their default values; an empty path yields the defaults.
func LoadParams(path string) (Params, error) {
	params := DefaultParams()
	path = strings.TrimSpace(path)
	if path == "" {
		return params, nil
	}
	if _, err := os.Stat(path); err != nil {
		return Params{}, fmt.Errorf("lending params: %w", err)
	}
	meta, err := toml.DecodeFile(path, &params)
	if err != nil {
		return Params{}, fmt.Errorf("lending params: decode %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Params{}, fmt.Errorf("lending params: unknown field %s", undecoded[0].String())
	}
	if err := params.Validate(); err != nil {
		return Params{}, err
	}
	return params, nil
}
