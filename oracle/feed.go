package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

// PriceDecimals is the fixed-point scale used by collateral price feeds.
const PriceDecimals uint8 = 8

var (
	ErrNonPositivePrice = errors.New("oracle: price must be positive")
	ErrStalePrice       = errors.New("oracle: price is stale")
)

// FixedFeed is a settable price feed. It backs local deployments and tests
// where no on-chain aggregator is available.
type FixedFeed struct {
	mu       sync.RWMutex
	price    *big.Int
	decimals uint8
}

// NewFixedFeed returns a feed reporting price, already scaled by decimals.
func NewFixedFeed(price *big.Int, decimals uint8) (*FixedFeed, error) {
	feed := &FixedFeed{decimals: decimals}
	if err := feed.Update(price); err != nil {
		return nil, err
	}
	return feed, nil
}

// CurrentPrice returns the latest price.
func (f *FixedFeed) CurrentPrice(context.Context) (*big.Int, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return new(big.Int).Set(f.price), nil
}

// Decimals returns the fixed-point scale of the price.
func (f *FixedFeed) Decimals() uint8 { return f.decimals }

// Update replaces the reported price.
func (f *FixedFeed) Update(price *big.Int) error {
	if price == nil || price.Sign() <= 0 {
		return ErrNonPositivePrice
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.price = new(big.Int).Set(price)
	return nil
}

// ParseUnits converts a human decimal such as "1000" or "1834.25" into an
// integer scaled by decimals. Values with more fractional digits than the
// scale allows are rejected rather than rounded.
func ParseUnits(value string, decimals uint8) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("oracle: empty amount")
	}
	parsed, err := decimal.NewFromString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("oracle: parse %q: %w", value, err)
	}
	scaled := parsed.Shift(int32(decimals))
	if !scaled.IsInteger() {
		return nil, fmt.Errorf("oracle: %q has more than %d decimals", value, decimals)
	}
	return scaled.BigInt(), nil
}

// FormatUnits renders a scaled integer as a human decimal string.
func FormatUnits(value *big.Int, decimals uint8) string {
	if value == nil {
		return "0"
	}
	return decimal.NewFromBigInt(value, -int32(decimals)).String()
}
