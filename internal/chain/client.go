package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	erc20ABIJSON = `[
{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"stateMutability":"view","type":"function"}
]`

	defaultTokenDecimals = 18
)

var (
	erc20ABI abi.ABI

	// TransferTopic is keccak256("Transfer(address,address,uint256)").
	TransferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

	// DefaultLargeTxThreshold is the ETH value above which a transfer counts as large.
	DefaultLargeTxThreshold = decimal.NewFromInt(100)

	// ErrInvalidAddress marks a malformed hex address argument.
	ErrInvalidAddress = errors.New("invalid address")
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		panic("failed to parse ERC-20 ABI: " + err.Error())
	}
	erc20ABI = parsed
}

// Options parameterise the chain client. Zero values take defaults.
type Options struct {
	BlockRange       int
	Retry            RetryPolicy
	CacheTTL         time.Duration
	LargeTxThreshold decimal.Decimal
	Classifier       Classifier
	Clock            clockwork.Clock
	Cache            Cache
}

// Stats summarises degraded reads since construction.
type Stats struct {
	Degraded    uint64
	LastError   string
	LastErrorAt time.Time
}

// Client is the single point of contact with the chain endpoint. It caches
// reads and degrades to documented defaults instead of failing callers.
type Client struct {
	provider   Provider
	logger     zerolog.Logger
	clock      clockwork.Clock
	cache      Cache
	retry      RetryPolicy
	classify   Classifier
	ttl        time.Duration
	blockRange int
	threshold  decimal.Decimal

	statsMu sync.Mutex
	stats   Stats
}

// New builds a client over provider.
func New(provider Provider, opts Options, logger zerolog.Logger) *Client {
	if opts.BlockRange <= 0 {
		opts.BlockRange = DefaultBlockRange
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if !opts.LargeTxThreshold.IsPositive() {
		opts.LargeTxThreshold = DefaultLargeTxThreshold
	}
	if opts.Classifier == nil {
		opts.Classifier = IsRateLimited
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Cache == nil {
		opts.Cache = NewMemoryCache()
	}

	return &Client{
		provider:   provider,
		logger:     logger.With().Str("component", "chain_client").Logger(),
		clock:      opts.Clock,
		cache:      opts.Cache,
		retry:      opts.Retry.normalized(),
		classify:   opts.Classifier,
		ttl:        opts.CacheTTL,
		blockRange: opts.BlockRange,
		threshold:  opts.LargeTxThreshold,
	}
}

// Stats returns a snapshot of degraded-read bookkeeping.
func (c *Client) Stats() Stats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.stats
}

func (c *Client) recordFailure(err error) {
	c.statsMu.Lock()
	c.stats.Degraded++
	c.stats.LastError = err.Error()
	c.stats.LastErrorAt = c.clock.Now()
	c.statsMu.Unlock()
}

// Probe reads the current block number without caching or degrading, so a
// failure is visible to health checks.
func (c *Client) Probe(ctx context.Context) (uint64, error) {
	return do(ctx, c, "probe", c.provider.BlockNumber)
}

// GasPrice returns the suggested gas price in gwei, or "0" when unavailable.
func (c *Client) GasPrice(ctx context.Context) (string, error) {
	return cachedRead(ctx, c, "gasPrice", nil, func(ctx context.Context) (string, error) {
		wei, err := c.provider.GasPrice(ctx)
		if err != nil {
			return "", err
		}
		return decimal.NewFromBigInt(wei, -9).String(), nil
	}, "0")
}

// TokenBalance returns the native balance of address in ETH when tokenAddress
// is empty, otherwise its ERC-20 balance scaled by the token's decimals.
// Unavailable or invalid input yields "0".
func (c *Client) TokenBalance(ctx context.Context, address, tokenAddress string) (string, error) {
	if !common.IsHexAddress(address) || (tokenAddress != "" && !common.IsHexAddress(tokenAddress)) {
		c.recordFailure(ErrInvalidAddress)
		c.logger.Error().Str("address", address).Str("token", tokenAddress).Msg("invalid address, returning default balance")
		return "0", nil
	}

	owner := common.HexToAddress(address)
	params := []string{strings.ToLower(owner.Hex())}
	if tokenAddress != "" {
		params = append(params, strings.ToLower(common.HexToAddress(tokenAddress).Hex()))
	}

	return cachedRead(ctx, c, "tokenBalance", params, func(ctx context.Context) (string, error) {
		if tokenAddress == "" {
			wei, err := c.provider.BalanceAt(ctx, owner)
			if err != nil {
				return "", err
			}
			return decimal.NewFromBigInt(wei, -18).String(), nil
		}
		return c.erc20Balance(ctx, common.HexToAddress(tokenAddress), owner)
	}, "0")
}

func (c *Client) erc20Balance(ctx context.Context, token, owner common.Address) (string, error) {
	payload, err := erc20ABI.Pack("balanceOf", owner)
	if err != nil {
		return "", err
	}
	res, err := c.provider.CallContract(ctx, token, payload)
	if err != nil {
		return "", err
	}
	outputs, err := erc20ABI.Unpack("balanceOf", res)
	if err != nil {
		return "", err
	}
	if len(outputs) != 1 {
		return "", errors.New("unexpected balanceOf response")
	}
	raw, ok := outputs[0].(*big.Int)
	if !ok {
		return "", errors.New("failed to decode balanceOf output")
	}

	decimals, err := c.tokenDecimals(ctx, token)
	if err != nil {
		return "", err
	}
	return decimal.NewFromBigInt(raw, -int32(decimals)).String(), nil
}

// tokenDecimals falls back to 18 when decimals() is missing or reverts.
// Transport errors are returned so the caller's retry can classify them.
func (c *Client) tokenDecimals(ctx context.Context, token common.Address) (uint8, error) {
	payload, err := erc20ABI.Pack("decimals")
	if err != nil {
		return defaultTokenDecimals, nil
	}
	res, err := c.provider.CallContract(ctx, token, payload)
	if err != nil {
		if !isRevert(err) {
			return 0, fmt.Errorf("decimals: %w", err)
		}
		c.logger.Debug().Err(err).Str("token", token.Hex()).Msg("decimals() reverted, assuming 18")
		return defaultTokenDecimals, nil
	}
	outputs, err := erc20ABI.Unpack("decimals", res)
	if err != nil || len(outputs) != 1 {
		return defaultTokenDecimals, nil
	}
	d, ok := outputs[0].(uint8)
	if !ok {
		return defaultTokenDecimals, nil
	}
	return d, nil
}

func isRevert(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "execution reverted")
}

// LargeTransactions returns transactions of the latest block whose value is
// strictly above threshold ETH. A non-positive threshold uses the client default.
func (c *Client) LargeTransactions(ctx context.Context, threshold decimal.Decimal) ([]Transaction, error) {
	if !threshold.IsPositive() {
		threshold = c.threshold
	}
	minWei := threshold.Shift(18).BigInt()

	return cachedRead(ctx, c, "largeTransactions", []string{threshold.String()}, func(ctx context.Context) ([]Transaction, error) {
		block, err := c.provider.LatestBlock(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]Transaction, 0)
		for _, tx := range block.Transactions {
			if tx.Value == nil || tx.Value.Cmp(minWei) <= 0 {
				continue
			}
			to := ""
			if tx.To != nil {
				to = tx.To.Hex()
			}
			out = append(out, Transaction{
				Hash:        tx.Hash.Hex(),
				From:        tx.From.Hex(),
				To:          to,
				Value:       decimal.NewFromBigInt(tx.Value, -18).String(),
				BlockNumber: block.Number,
				Timestamp:   block.Timestamp.Unix(),
			})
		}
		return out, nil
	}, []Transaction{})
}

// NewContracts returns contracts created by transactions of the latest block.
func (c *Client) NewContracts(ctx context.Context) ([]ContractDeployment, error) {
	return cachedRead(ctx, c, "newContracts", nil, func(ctx context.Context) ([]ContractDeployment, error) {
		block, err := c.provider.LatestBlock(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]ContractDeployment, 0)
		for _, tx := range block.Transactions {
			if tx.To != nil {
				continue
			}
			receipt, err := c.provider.TransactionReceipt(ctx, tx.Hash)
			if err != nil {
				return nil, err
			}
			if receipt.ContractAddress == (common.Address{}) {
				continue
			}
			out = append(out, ContractDeployment{
				Address:     receipt.ContractAddress.Hex(),
				Deployer:    tx.From.Hex(),
				TxHash:      tx.Hash.Hex(),
				BlockNumber: block.Number,
				GasUsed:     receipt.GasUsed,
				Timestamp:   block.Timestamp.Unix(),
			})
		}
		return out, nil
	}, []ContractDeployment{})
}

// TokenTransfers returns ERC-20 Transfer events over the configured window
// ending at the current block.
func (c *Client) TokenTransfers(ctx context.Context) ([]TransferEvent, error) {
	return cachedRead(ctx, c, "tokenTransfers", nil, func(ctx context.Context) ([]TransferEvent, error) {
		current, err := c.provider.BlockNumber(ctx)
		if err != nil {
			return nil, err
		}
		window := WindowFor(current, c.blockRange)
		logs, err := c.provider.FilterLogs(ctx, LogQuery{
			Window: window,
			Topics: [][]common.Hash{{TransferTopic}},
		})
		if err != nil {
			return nil, err
		}

		out := make([]TransferEvent, 0, len(logs))
		for _, l := range logs {
			ev, ok := decodeTransfer(l)
			if !ok {
				continue
			}
			out = append(out, ev)
		}
		c.logger.Debug().Str("window", window.String()).Int("logs", len(logs)).Int("transfers", len(out)).Msg("token transfers scanned")
		return out, nil
	}, []TransferEvent{})
}

// decodeTransfer accepts ERC-20 shaped logs only; ERC-721 transfers index the
// token id as a fourth topic and are skipped.
func decodeTransfer(l Log) (TransferEvent, bool) {
	if len(l.Topics) != 3 || l.Topics[0] != TransferTopic || len(l.Data) != 32 {
		return TransferEvent{}, false
	}
	return TransferEvent{
		Token:       l.Address.Hex(),
		From:        common.BytesToAddress(l.Topics[1].Bytes()).Hex(),
		To:          common.BytesToAddress(l.Topics[2].Bytes()).Hex(),
		Amount:      new(big.Int).SetBytes(l.Data).String(),
		TxHash:      l.TxHash.Hex(),
		LogIndex:    l.Index,
		BlockNumber: l.BlockNumber,
	}, true
}
