package chain

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Provider is the read-only RPC surface the client depends on. Any endpoint
// offering this call set is sufficient.
type Provider interface {
	BlockNumber(ctx context.Context) (uint64, error)
	LatestBlock(ctx context.Context) (Block, error)
	BalanceAt(ctx context.Context, account common.Address) (*big.Int, error)
	GasPrice(ctx context.Context) (*big.Int, error)
	CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error)
	FilterLogs(ctx context.Context, query LogQuery) ([]Log, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (Receipt, error)
}

// Block is a block header with its transaction bodies.
type Block struct {
	Number       uint64
	Timestamp    time.Time
	Transactions []RawTransaction
}

// RawTransaction is a transaction as returned by the provider. To is nil for
// contract creations.
type RawTransaction struct {
	Hash  common.Hash
	From  common.Address
	To    *common.Address
	Value *big.Int
}

// Receipt carries the fields of a transaction receipt the client inspects.
type Receipt struct {
	TxHash          common.Hash
	ContractAddress common.Address
	BlockNumber     uint64
	GasUsed         uint64
	Status          uint64
}

// LogQuery selects event logs over an inclusive block window.
type LogQuery struct {
	Window BlockWindow
	Topics [][]common.Hash
}

// Log is an emitted event log.
type Log struct {
	Address     common.Address
	Topics      []common.Hash
	Data        []byte
	BlockNumber uint64
	TxHash      common.Hash
	Index       uint
}

// Transaction is a native-value transfer above the configured threshold.
type Transaction struct {
	Hash        string `msgpack:"hash"`
	From        string `msgpack:"from"`
	To          string `msgpack:"to"`
	Value       string `msgpack:"value"` // ETH, decimal string
	BlockNumber uint64 `msgpack:"block"`
	Timestamp   int64  `msgpack:"ts"`
}

// ValueDecimal parses Value, returning zero on malformed input.
func (t Transaction) ValueDecimal() decimal.Decimal {
	d, err := decimal.NewFromString(t.Value)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// ContractDeployment is a contract created in the latest block.
type ContractDeployment struct {
	Address     string `msgpack:"address"`
	Deployer    string `msgpack:"deployer"`
	TxHash      string `msgpack:"tx"`
	BlockNumber uint64 `msgpack:"block"`
	GasUsed     uint64 `msgpack:"gas"`
	Timestamp   int64  `msgpack:"ts"`
}

// TransferEvent is a decoded ERC-20 Transfer log. Amount is in raw token
// units since decimals are not resolved per token.
type TransferEvent struct {
	Token       string `msgpack:"token"`
	From        string `msgpack:"from"`
	To          string `msgpack:"to"`
	Amount      string `msgpack:"amount"`
	TxHash      string `msgpack:"tx"`
	LogIndex    uint   `msgpack:"idx"`
	BlockNumber uint64 `msgpack:"block"`
}

// AmountInt parses Amount, returning nil on malformed input.
func (e TransferEvent) AmountInt() *big.Int {
	v, ok := new(big.Int).SetString(e.Amount, 10)
	if !ok {
		return nil
	}
	return v
}
