package oracle

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

type fakeAggregator struct {
	decimals  uint8
	answer    *big.Int
	updatedAt time.Time
	calls     int
}

func (f *fakeAggregator) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.calls++
	if call.To == nil {
		return nil, errors.New("missing target")
	}
	decimalsMethod := aggregatorABI.Methods["decimals"]
	roundMethod := aggregatorABI.Methods["latestRoundData"]
	switch {
	case bytes.HasPrefix(call.Data, decimalsMethod.ID):
		return decimalsMethod.Outputs.Pack(f.decimals)
	case bytes.HasPrefix(call.Data, roundMethod.ID):
		updated := big.NewInt(f.updatedAt.Unix())
		return roundMethod.Outputs.Pack(big.NewInt(42), f.answer, updated, updated, big.NewInt(42))
	default:
		return nil, errors.New("unknown selector")
	}
}

func TestChainlinkFeedReadsLatestAnswer(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	agg := &fakeAggregator{decimals: 8, answer: big.NewInt(1_000_00000000), updatedAt: now.Add(-time.Minute)}

	feed, err := NewChainlinkFeed(context.Background(), agg, common.HexToAddress("0xfeed"), time.Hour)
	require.NoError(t, err)
	feed.now = func() time.Time { return now }

	require.Equal(t, uint8(8), feed.Decimals())
	price, err := feed.CurrentPrice(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, price.Cmp(big.NewInt(1_000_00000000)))

	round, err := feed.LatestRound(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(42), round.RoundID.Int64())
}

func TestChainlinkFeedRejectsStaleAndNegativeAnswers(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	agg := &fakeAggregator{decimals: 8, answer: big.NewInt(1_000_00000000), updatedAt: now.Add(-2 * time.Hour)}

	feed, err := NewChainlinkFeed(context.Background(), agg, common.HexToAddress("0xfeed"), time.Hour)
	require.NoError(t, err)
	feed.now = func() time.Time { return now }

	_, err = feed.CurrentPrice(context.Background())
	require.ErrorIs(t, err, ErrStalePrice)

	agg.updatedAt = now
	agg.answer = big.NewInt(-5)
	_, err = feed.CurrentPrice(context.Background())
	require.ErrorIs(t, err, ErrNonPositivePrice)
}

func TestFixedFeedUpdate(t *testing.T) {
	feed, err := NewFixedFeed(big.NewInt(1_000_00000000), PriceDecimals)
	require.NoError(t, err)

	require.ErrorIs(t, feed.Update(big.NewInt(0)), ErrNonPositivePrice)
	require.NoError(t, feed.Update(big.NewInt(2_000_00000000)))

	price, err := feed.CurrentPrice(context.Background())
	require.NoError(t, err)
	require.Equal(t, "200000000000", price.String())

	price.SetInt64(1)
	again, err := feed.CurrentPrice(context.Background())
	require.NoError(t, err)
	require.Equal(t, "200000000000", again.String())

	_, err = NewFixedFeed(nil, PriceDecimals)
	require.ErrorIs(t, err, ErrNonPositivePrice)
}

func TestParseUnits(t *testing.T) {
	value, err := ParseUnits("1834.25", 8)
	require.NoError(t, err)
	require.Equal(t, "183425000000", value.String())

	value, err = ParseUnits(" 2 ", 18)
	require.NoError(t, err)
	require.Equal(t, "2000000000000000000", value.String())

	_, err = ParseUnits("0.000000001", 8)
	require.Error(t, err)
	_, err = ParseUnits("abc", 8)
	require.Error(t, err)

	require.Equal(t, "1834.25", FormatUnits(big.NewInt(183425000000), 8))
}
