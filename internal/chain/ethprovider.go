package chain

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
)

// ErrNoRPCURL is returned when the provider has no endpoint to dial.
var ErrNoRPCURL = errors.New("ethereum rpc url not configured")

// EthProviderOptions parameterise the JSON-RPC provider.
type EthProviderOptions struct {
	RPCURL  string
	Timeout time.Duration
}

// EthProvider implements Provider over go-ethereum's ethclient. The
// connection is dialled lazily on first use.
type EthProvider struct {
	opts   EthProviderOptions
	logger zerolog.Logger

	clientMux sync.Mutex
	client    *ethclient.Client
	signer    types.Signer
}

// NewEthProvider builds a provider; no network access happens until a call.
func NewEthProvider(opts EthProviderOptions, logger zerolog.Logger) *EthProvider {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &EthProvider{opts: opts, logger: logger.With().Str("component", "eth_provider").Logger()}
}

func (p *EthProvider) getClient(ctx context.Context) (*ethclient.Client, error) {
	p.clientMux.Lock()
	defer p.clientMux.Unlock()

	if p.client != nil {
		return p.client, nil
	}
	if p.opts.RPCURL == "" {
		return nil, ErrNoRPCURL
	}

	client, err := ethclient.DialContext(ctx, p.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	p.client = client
	p.logger.Debug().Msg("rpc client dialled")
	return client, nil
}

// getSigner resolves the chain id once so senders can be recovered.
func (p *EthProvider) getSigner(ctx context.Context, client *ethclient.Client) (types.Signer, error) {
	p.clientMux.Lock()
	defer p.clientMux.Unlock()
	if p.signer != nil {
		return p.signer, nil
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, err
	}
	p.signer = types.LatestSignerForChainID(chainID)
	return p.signer, nil
}

func (p *EthProvider) prepare(ctx context.Context) (context.Context, context.CancelFunc, *ethclient.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	client, err := p.getClient(ctx)
	if err != nil {
		cancel()
		return nil, nil, nil, err
	}
	return ctx, cancel, client, nil
}

func (p *EthProvider) BlockNumber(ctx context.Context) (uint64, error) {
	ctx, cancel, client, err := p.prepare(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()
	return client.BlockNumber(ctx)
}

func (p *EthProvider) LatestBlock(ctx context.Context) (Block, error) {
	ctx, cancel, client, err := p.prepare(ctx)
	if err != nil {
		return Block{}, err
	}
	defer cancel()

	signer, err := p.getSigner(ctx, client)
	if err != nil {
		return Block{}, err
	}
	block, err := client.BlockByNumber(ctx, nil)
	if err != nil {
		return Block{}, err
	}

	out := Block{
		Number:       block.NumberU64(),
		Timestamp:    time.Unix(int64(block.Time()), 0).UTC(),
		Transactions: make([]RawTransaction, 0, len(block.Transactions())),
	}
	for _, tx := range block.Transactions() {
		from, err := types.Sender(signer, tx)
		if err != nil {
			p.logger.Debug().Err(err).Str("tx", tx.Hash().Hex()).Msg("sender recovery failed")
		}
		out.Transactions = append(out.Transactions, RawTransaction{
			Hash:  tx.Hash(),
			From:  from,
			To:    tx.To(),
			Value: tx.Value(),
		})
	}
	return out, nil
}

func (p *EthProvider) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	ctx, cancel, client, err := p.prepare(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	return client.BalanceAt(ctx, account, nil)
}

func (p *EthProvider) GasPrice(ctx context.Context) (*big.Int, error) {
	ctx, cancel, client, err := p.prepare(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	return client.SuggestGasPrice(ctx)
}

func (p *EthProvider) CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	ctx, cancel, client, err := p.prepare(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	return client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
}

func (p *EthProvider) FilterLogs(ctx context.Context, query LogQuery) ([]Log, error) {
	ctx, cancel, client, err := p.prepare(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	logs, err := client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(query.Window.FromBlock),
		ToBlock:   new(big.Int).SetUint64(query.Window.ToBlock),
		Topics:    query.Topics,
	})
	if err != nil {
		return nil, err
	}

	out := make([]Log, 0, len(logs))
	for _, l := range logs {
		out = append(out, Log{
			Address:     l.Address,
			Topics:      l.Topics,
			Data:        l.Data,
			BlockNumber: l.BlockNumber,
			TxHash:      l.TxHash,
			Index:       l.Index,
		})
	}
	return out, nil
}

func (p *EthProvider) TransactionReceipt(ctx context.Context, hash common.Hash) (Receipt, error) {
	ctx, cancel, client, err := p.prepare(ctx)
	if err != nil {
		return Receipt{}, err
	}
	defer cancel()

	r, err := client.TransactionReceipt(ctx, hash)
	if err != nil {
		return Receipt{}, err
	}
	out := Receipt{
		TxHash:          r.TxHash,
		ContractAddress: r.ContractAddress,
		GasUsed:         r.GasUsed,
		Status:          r.Status,
	}
	if r.BlockNumber != nil {
		out.BlockNumber = r.BlockNumber.Uint64()
	}
	return out, nil
}

// Close releases the underlying RPC connection.
func (p *EthProvider) Close() {
	p.clientMux.Lock()
	defer p.clientMux.Unlock()
	if p.client != nil {
		p.client.Close()
		p.client = nil
	}
}

var _ Provider = (*EthProvider)(nil)
