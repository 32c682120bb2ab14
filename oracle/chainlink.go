package oracle

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

const aggregatorV3ABI = `[
  {"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
  {"inputs":[],"name":"latestRoundData","outputs":[
    {"internalType":"uint80","name":"roundId","type":"uint80"},
    {"internalType":"int256","name":"answer","type":"int256"},
    {"internalType":"uint256","name":"startedAt","type":"uint256"},
    {"internalType":"uint256","name":"updatedAt","type":"uint256"},
    {"internalType":"uint80","name":"answeredInRound","type":"uint80"}
  ],"stateMutability":"view","type":"function"}
]`

var aggregatorABI = mustParseABI(aggregatorV3ABI)

// ContractCaller performs read-only contract calls. *ethclient.Client
// satisfies it.
type ContractCaller interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// ChainlinkFeed reads an AggregatorV3 price feed.
type ChainlinkFeed struct {
	caller   ContractCaller
	feed     common.Address
	decimals uint8
	maxAge   time.Duration
	now      func() time.Time
}

// Round is the decoded latestRoundData response.
type Round struct {
	RoundID   *big.Int
	Answer    *big.Int
	UpdatedAt time.Time
}

// DialChainlink connects to an Ethereum JSON-RPC endpoint and binds the feed
// at address.
func DialChainlink(ctx context.Context, rpcURL string, feed common.Address, maxAge time.Duration) (*ChainlinkFeed, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("oracle: dial %s: %w", rpcURL, err)
	}
	return NewChainlinkFeed(ctx, client, feed, maxAge)
}

// NewChainlinkFeed binds the aggregator at feed and caches its decimals.
// A zero maxAge disables the staleness check.
func NewChainlinkFeed(ctx context.Context, caller ContractCaller, feed common.Address, maxAge time.Duration) (*ChainlinkFeed, error) {
	if caller == nil {
		return nil, fmt.Errorf("oracle: contract caller required")
	}
	f := &ChainlinkFeed{caller: caller, feed: feed, maxAge: maxAge, now: time.Now}
	out, err := f.call(ctx, "decimals")
	if err != nil {
		return nil, err
	}
	decimals, ok := out[0].(uint8)
	if !ok {
		return nil, fmt.Errorf("oracle: unexpected decimals type %T", out[0])
	}
	f.decimals = decimals
	return f, nil
}

// Decimals returns the aggregator's answer scale.
func (f *ChainlinkFeed) Decimals() uint8 { return f.decimals }

// Address returns the aggregator contract address.
func (f *ChainlinkFeed) Address() common.Address { return f.feed }

// CurrentPrice returns the latest answer after rejecting non-positive and
// stale rounds.
func (f *ChainlinkFeed) CurrentPrice(ctx context.Context) (*big.Int, error) {
	round, err := f.LatestRound(ctx)
	if err != nil {
		return nil, err
	}
	if round.Answer.Sign() <= 0 {
		return nil, ErrNonPositivePrice
	}
	if f.maxAge > 0 && f.now().Sub(round.UpdatedAt) > f.maxAge {
		return nil, fmt.Errorf("%w: round %s updated at %s", ErrStalePrice, round.RoundID, round.UpdatedAt.UTC().Format(time.RFC3339))
	}
	return round.Answer, nil
}

// LatestRound decodes latestRoundData.
func (f *ChainlinkFeed) LatestRound(ctx context.Context) (Round, error) {
	out, err := f.call(ctx, "latestRoundData")
	if err != nil {
		return Round{}, err
	}
	if len(out) != 5 {
		return Round{}, fmt.Errorf("oracle: latestRoundData returned %d values", len(out))
	}
	roundID, ok := out[0].(*big.Int)
	if !ok {
		return Round{}, fmt.Errorf("oracle: unexpected roundId type %T", out[0])
	}
	answer, ok := out[1].(*big.Int)
	if !ok {
		return Round{}, fmt.Errorf("oracle: unexpected answer type %T", out[1])
	}
	updatedAt, ok := out[3].(*big.Int)
	if !ok {
		return Round{}, fmt.Errorf("oracle: unexpected updatedAt type %T", out[3])
	}
	return Round{
		RoundID:   roundID,
		Answer:    answer,
		UpdatedAt: time.Unix(updatedAt.Int64(), 0),
	}, nil
}

func (f *ChainlinkFeed) call(ctx context.Context, method string) ([]interface{}, error) {
	data, err := aggregatorABI.Pack(method)
	if err != nil {
		return nil, fmt.Errorf("oracle: pack %s: %w", method, err)
	}
	feed := f.feed
	raw, err := f.caller.CallContract(ctx, ethereum.CallMsg{To: &feed, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("oracle: call %s on %s: %w", method, feed.Hex(), err)
	}
	out, err := aggregatorABI.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("oracle: unpack %s: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("oracle: %s returned no values", method)
	}
	return out, nil
}

func mustParseABI(definition string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(definition))
	if err != nil {
		panic(fmt.Sprintf("invalid aggregator abi: %v", err))
	}
	return parsed
}
