package chain

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

type fakeClock interface {
	clockwork.Clock
	Advance(d time.Duration)
	BlockUntilContext(ctx context.Context, n int) error
}

type fakeProvider struct {
	mu    sync.Mutex
	calls map[string]int

	gasPrice    func(n int) (*big.Int, error)
	blockNumber func(n int) (uint64, error)
	block       Block
	balances    map[common.Address]*big.Int
	contract    func(to common.Address, data []byte) ([]byte, error)
	receipts    map[common.Hash]Receipt
	logs        []Log
	lastQuery   LogQuery
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		calls:    make(map[string]int),
		balances: make(map[common.Address]*big.Int),
		receipts: make(map[common.Hash]Receipt),
	}
}

func (f *fakeProvider) hit(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[name]++
	return f.calls[name]
}

func (f *fakeProvider) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeProvider) BlockNumber(ctx context.Context) (uint64, error) {
	n := f.hit("BlockNumber")
	if f.blockNumber == nil {
		return 0, errors.New("block number not stubbed")
	}
	return f.blockNumber(n)
}

func (f *fakeProvider) LatestBlock(ctx context.Context) (Block, error) {
	f.hit("LatestBlock")
	return f.block, nil
}

func (f *fakeProvider) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	f.hit("BalanceAt")
	if b, ok := f.balances[account]; ok {
		return b, nil
	}
	return big.NewInt(0), nil
}

func (f *fakeProvider) GasPrice(ctx context.Context) (*big.Int, error) {
	n := f.hit("GasPrice")
	return f.gasPrice(n)
}

func (f *fakeProvider) CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	f.hit("CallContract")
	return f.contract(to, data)
}

func (f *fakeProvider) FilterLogs(ctx context.Context, query LogQuery) ([]Log, error) {
	f.hit("FilterLogs")
	f.mu.Lock()
	f.lastQuery = query
	f.mu.Unlock()
	return f.logs, nil
}

func (f *fakeProvider) TransactionReceipt(ctx context.Context, hash common.Hash) (Receipt, error) {
	f.hit("TransactionReceipt")
	r, ok := f.receipts[hash]
	if !ok {
		return Receipt{}, errors.New("not found")
	}
	return r, nil
}

func eth(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000_000_000_000))
}

func gwei(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000))
}

func newTestClient(p Provider, clock clockwork.Clock, opts Options) *Client {
	opts.Clock = clock
	if opts.Retry.BaseDelay == 0 {
		opts.Retry.BaseDelay = time.Second
	}
	return New(p, opts, zerolog.Nop())
}

// runAdvancing runs fn in the background and advances the fake clock past
// each of the expected retry waits.
func runAdvancing[T any](t *testing.T, clock fakeClock, waits int, fn func() T) T {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan T, 1)
	go func() { done <- fn() }()

	for i := 0; i < waits; i++ {
		if err := clock.BlockUntilContext(ctx, 1); err != nil {
			t.Fatalf("等待第 %d 次重试超时: %v", i+1, err)
		}
		clock.Advance(time.Minute)
	}

	select {
	case v := <-done:
		return v
	case <-ctx.Done():
		t.Fatal("操作未在预期时间内完成")
	}
	var zero T
	return zero
}

func TestGasPriceCachedWithinTTL(t *testing.T) {
	p := newFakeProvider()
	p.gasPrice = func(int) (*big.Int, error) { return gwei(25), nil }
	clock := clockwork.NewFakeClock()
	c := newTestClient(p, clock, Options{})

	first, err := c.GasPrice(context.Background())
	if err != nil {
		t.Fatalf("GasPrice 不应报错: %v", err)
	}
	clock.Advance(30 * time.Second)
	second, _ := c.GasPrice(context.Background())

	if first != "25" || second != first {
		t.Fatalf("缓存命中应返回相同值, first=%s second=%s", first, second)
	}
	if got := p.count("GasPrice"); got != 1 {
		t.Fatalf("TTL 内第二次调用不应访问网络, 实际调用 %d 次", got)
	}
}

func TestGasPriceRefetchAfterTTL(t *testing.T) {
	p := newFakeProvider()
	p.gasPrice = func(n int) (*big.Int, error) { return gwei(int64(10 * n)), nil }
	clock := clockwork.NewFakeClock()
	c := newTestClient(p, clock, Options{CacheTTL: time.Minute})

	first, _ := c.GasPrice(context.Background())
	clock.Advance(time.Minute)
	second, _ := c.GasPrice(context.Background())

	if got := p.count("GasPrice"); got != 2 {
		t.Fatalf("TTL 过期后应恰好访问一次网络, 实际调用 %d 次", got)
	}
	if first != "10" || second != "20" {
		t.Fatalf("过期后应返回新值, first=%s second=%s", first, second)
	}
}

func TestExpiredEntryOverwrittenNotEvicted(t *testing.T) {
	p := newFakeProvider()
	p.gasPrice = func(int) (*big.Int, error) { return gwei(1), nil }
	clock := clockwork.NewFakeClock()
	cache := NewMemoryCache()
	c := newTestClient(p, clock, Options{Cache: cache})

	_, _ = c.GasPrice(context.Background())
	clock.Advance(2 * time.Minute)
	if cache.Len() != 1 {
		t.Fatalf("过期条目不应被主动清除, len=%d", cache.Len())
	}
	_, _ = c.GasPrice(context.Background())
	if cache.Len() != 1 {
		t.Fatalf("重新获取应覆盖原条目, len=%d", cache.Len())
	}
	entry, ok, _ := cache.Get(context.Background(), "gasPrice")
	if !ok || !entry.Live(clock.Now()) {
		t.Fatal("覆盖后的条目应处于有效期内")
	}
}

func TestRetryAfterRateLimit(t *testing.T) {
	p := newFakeProvider()
	p.gasPrice = func(n int) (*big.Int, error) {
		if n == 1 {
			return nil, errors.New("429 Too Many Requests")
		}
		return gwei(42), nil
	}
	clock := clockwork.NewFakeClock()
	c := newTestClient(p, clock, Options{Retry: RetryPolicy{MaxAttempts: 3}})

	got := runAdvancing(t, clock, 1, func() string {
		v, _ := c.GasPrice(context.Background())
		return v
	})

	if got != "42" {
		t.Fatalf("重试后应返回成功值, 实际 %s", got)
	}
	if calls := p.count("GasPrice"); calls != 2 {
		t.Fatalf("应调用 2 次, 实际 %d 次", calls)
	}
}

func TestRetryExhaustedReturnsDefault(t *testing.T) {
	p := newFakeProvider()
	p.gasPrice = func(int) (*big.Int, error) { return nil, errors.New("rate limit exceeded") }
	clock := clockwork.NewFakeClock()
	c := newTestClient(p, clock, Options{Retry: RetryPolicy{MaxAttempts: 4}})

	type result struct {
		v   string
		err error
	}
	got := runAdvancing(t, clock, 3, func() result {
		v, err := c.GasPrice(context.Background())
		return result{v, err}
	})

	if got.err != nil {
		t.Fatalf("重试耗尽不应向调用方返回错误: %v", got.err)
	}
	if got.v != "0" {
		t.Fatalf("重试耗尽应返回默认值 0, 实际 %s", got.v)
	}
	if calls := p.count("GasPrice"); calls != 4 {
		t.Fatalf("maxAttempts=4 应调用 4 次, 实际 %d 次", calls)
	}
	if stats := c.Stats(); stats.Degraded != 1 || stats.LastError == "" {
		t.Fatalf("降级应被记录: %+v", stats)
	}
}

func TestPermanentErrorNotRetried(t *testing.T) {
	p := newFakeProvider()
	p.gasPrice = func(int) (*big.Int, error) { return nil, errors.New("execution reverted") }
	clock := clockwork.NewFakeClock()
	c := newTestClient(p, clock, Options{Retry: RetryPolicy{MaxAttempts: 5}})

	v, err := c.GasPrice(context.Background())
	if err != nil || v != "0" {
		t.Fatalf("永久错误应立即返回默认值, v=%s err=%v", v, err)
	}
	if calls := p.count("GasPrice"); calls != 1 {
		t.Fatalf("永久错误只应调用 1 次, 实际 %d 次", calls)
	}

	_, _ = c.GasPrice(context.Background())
	if calls := p.count("GasPrice"); calls != 2 {
		t.Fatalf("失败结果不应被缓存, 实际调用 %d 次", calls)
	}
}

func TestRevertDataWith429NotRetried(t *testing.T) {
	p := newFakeProvider()
	p.gasPrice = func(int) (*big.Int, error) {
		return nil, errors.New("execution reverted: 0x08c379a0 invalid owner 0x4290aa")
	}
	c := newTestClient(p, clockwork.NewFakeClock(), Options{Retry: RetryPolicy{MaxAttempts: 3}})

	v, err := c.GasPrice(context.Background())
	if err != nil || v != "0" {
		t.Fatalf("回滚错误应立即返回默认值, v=%s err=%v", v, err)
	}
	if calls := p.count("GasPrice"); calls != 1 {
		t.Fatalf("回滚数据中包含 429 不应触发重试, 实际调用 %d 次", calls)
	}
}

func TestContextCancelledDuringRetryWait(t *testing.T) {
	p := newFakeProvider()
	p.gasPrice = func(int) (*big.Int, error) { return nil, errors.New("too many requests") }
	clock := clockwork.NewFakeClock()
	c := newTestClient(p, clock, Options{Retry: RetryPolicy{MaxAttempts: 3}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.GasPrice(ctx)
		done <- err
	}()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	if err := clock.BlockUntilContext(waitCtx, 1); err != nil {
		t.Fatalf("等待重试超时: %v", err)
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("取消后应返回 context.Canceled, 实际 %v", err)
		}
	case <-waitCtx.Done():
		t.Fatal("取消后操作未返回")
	}
	if calls := p.count("GasPrice"); calls != 1 {
		t.Fatalf("取消后不应继续调用, 实际 %d 次", calls)
	}
}

func TestTokenBalanceCachedPerPair(t *testing.T) {
	owner := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	token := common.HexToAddress("0x00000000000000000000000000000000000000bb")

	p := newFakeProvider()
	p.balances[owner] = eth(2)
	p.contract = func(to common.Address, data []byte) ([]byte, error) {
		if to != token {
			t.Fatalf("应调用 token 合约, 实际 %s", to.Hex())
		}
		switch {
		case bytes.HasPrefix(data, erc20ABI.Methods["balanceOf"].ID):
			return common.LeftPadBytes(big.NewInt(1_500_000).Bytes(), 32), nil
		case bytes.HasPrefix(data, erc20ABI.Methods["decimals"].ID):
			return common.LeftPadBytes([]byte{6}, 32), nil
		}
		return nil, errors.New("unexpected selector")
	}
	c := newTestClient(p, clockwork.NewFakeClock(), Options{})
	ctx := context.Background()

	native, _ := c.TokenBalance(ctx, owner.Hex(), "")
	erc20, _ := c.TokenBalance(ctx, owner.Hex(), token.Hex())
	_, _ = c.TokenBalance(ctx, owner.Hex(), "")
	_, _ = c.TokenBalance(ctx, owner.Hex(), token.Hex())

	if native != "2" {
		t.Fatalf("原生余额应为 2, 实际 %s", native)
	}
	if erc20 != "1.5" {
		t.Fatalf("token 余额应为 1.5, 实际 %s", erc20)
	}
	if p.count("BalanceAt") != 1 {
		t.Fatalf("原生余额应只查询一次, 实际 %d", p.count("BalanceAt"))
	}
	if p.count("CallContract") != 2 {
		t.Fatalf("token 余额应只查询一次 (balanceOf + decimals), 实际 %d", p.count("CallContract"))
	}
}

func TestTokenBalanceRetriesRateLimitedDecimals(t *testing.T) {
	owner := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	token := common.HexToAddress("0x00000000000000000000000000000000000000bb")

	p := newFakeProvider()
	var decimalsCalls int
	p.contract = func(to common.Address, data []byte) ([]byte, error) {
		switch {
		case bytes.HasPrefix(data, erc20ABI.Methods["balanceOf"].ID):
			return common.LeftPadBytes(big.NewInt(1_500_000).Bytes(), 32), nil
		case bytes.HasPrefix(data, erc20ABI.Methods["decimals"].ID):
			decimalsCalls++
			if decimalsCalls == 1 {
				return nil, rpc.HTTPError{StatusCode: 429, Status: "429 Too Many Requests"}
			}
			return common.LeftPadBytes([]byte{6}, 32), nil
		}
		return nil, errors.New("unexpected selector")
	}
	clock := clockwork.NewFakeClock()
	c := newTestClient(p, clock, Options{Retry: RetryPolicy{MaxAttempts: 3}})

	got := runAdvancing(t, clock, 1, func() string {
		v, _ := c.TokenBalance(context.Background(), owner.Hex(), token.Hex())
		return v
	})

	if got != "1.5" {
		t.Fatalf("decimals 被限流后重试, 余额应按 6 位换算为 1.5, 实际 %s", got)
	}
	if decimalsCalls != 2 {
		t.Fatalf("decimals 应调用 2 次, 实际 %d 次", decimalsCalls)
	}
}

func TestTokenBalanceRevertedDecimalsAssumes18(t *testing.T) {
	owner := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	token := common.HexToAddress("0x00000000000000000000000000000000000000bb")

	p := newFakeProvider()
	p.contract = func(to common.Address, data []byte) ([]byte, error) {
		if bytes.HasPrefix(data, erc20ABI.Methods["balanceOf"].ID) {
			return common.LeftPadBytes(eth(3).Bytes(), 32), nil
		}
		return nil, errors.New("execution reverted")
	}
	c := newTestClient(p, clockwork.NewFakeClock(), Options{})

	got, err := c.TokenBalance(context.Background(), owner.Hex(), token.Hex())
	if err != nil || got != "3" {
		t.Fatalf("decimals 回滚时应按 18 位换算, v=%s err=%v", got, err)
	}
	if calls := p.count("CallContract"); calls != 2 {
		t.Fatalf("回滚不应重试, 实际调用 %d 次", calls)
	}
}

func TestTokenBalanceInvalidAddress(t *testing.T) {
	p := newFakeProvider()
	c := newTestClient(p, clockwork.NewFakeClock(), Options{})

	v, err := c.TokenBalance(context.Background(), "not-an-address", "")
	if err != nil || v != "0" {
		t.Fatalf("非法地址应返回默认值, v=%s err=%v", v, err)
	}
	if p.count("BalanceAt") != 0 {
		t.Fatal("非法地址不应访问网络")
	}
}

func TestLargeTransactionsStrictlyAboveThreshold(t *testing.T) {
	to := common.HexToAddress("0x0000000000000000000000000000000000000002")
	p := newFakeProvider()
	p.block = Block{
		Number:    1234,
		Timestamp: time.Unix(1_700_000_000, 0),
		Transactions: []RawTransaction{
			{Hash: common.HexToHash("0x01"), From: common.HexToAddress("0x1"), To: &to, Value: eth(50)},
			{Hash: common.HexToHash("0x02"), From: common.HexToAddress("0x1"), To: &to, Value: eth(100)},
			{Hash: common.HexToHash("0x03"), From: common.HexToAddress("0x1"), To: &to, Value: eth(150)},
		},
	}
	c := newTestClient(p, clockwork.NewFakeClock(), Options{})

	txs, err := c.LargeTransactions(context.Background(), decimal.NewFromInt(100))
	if err != nil {
		t.Fatalf("不应报错: %v", err)
	}
	if len(txs) != 1 {
		t.Fatalf("应只保留 1 笔大额交易, 实际 %d", len(txs))
	}
	if txs[0].Value != "150" || txs[0].BlockNumber != 1234 || txs[0].To != to.Hex() {
		t.Fatalf("交易字段不正确: %+v", txs[0])
	}
}

func TestNewContractsFromCreationReceipts(t *testing.T) {
	created := common.HexToAddress("0x00000000000000000000000000000000000000cc")
	to := common.HexToAddress("0x0000000000000000000000000000000000000002")
	deployer := common.HexToAddress("0x00000000000000000000000000000000000000dd")

	p := newFakeProvider()
	p.block = Block{
		Number: 77,
		Transactions: []RawTransaction{
			{Hash: common.HexToHash("0xa1"), From: deployer, To: nil, Value: big.NewInt(0)},
			{Hash: common.HexToHash("0xa2"), From: deployer, To: nil, Value: big.NewInt(0)},
			{Hash: common.HexToHash("0xa3"), From: deployer, To: &to, Value: eth(1)},
		},
	}
	p.receipts[common.HexToHash("0xa1")] = Receipt{TxHash: common.HexToHash("0xa1"), ContractAddress: created, GasUsed: 1_200_000}
	p.receipts[common.HexToHash("0xa2")] = Receipt{TxHash: common.HexToHash("0xa2")}
	c := newTestClient(p, clockwork.NewFakeClock(), Options{})

	deployments, err := c.NewContracts(context.Background())
	if err != nil {
		t.Fatalf("不应报错: %v", err)
	}
	if len(deployments) != 1 {
		t.Fatalf("应检测到 1 个新合约, 实际 %d", len(deployments))
	}
	d := deployments[0]
	if d.Address != created.Hex() || d.Deployer != deployer.Hex() || d.GasUsed != 1_200_000 {
		t.Fatalf("部署字段不正确: %+v", d)
	}
	if p.count("TransactionReceipt") != 2 {
		t.Fatalf("只应为创建交易查询 receipt, 实际 %d", p.count("TransactionReceipt"))
	}
}

func TestTokenTransfersUsesBlockWindow(t *testing.T) {
	token := common.HexToAddress("0x00000000000000000000000000000000000000ee")
	from := common.HexToAddress("0x0000000000000000000000000000000000000011")
	to := common.HexToAddress("0x0000000000000000000000000000000000000022")

	p := newFakeProvider()
	p.blockNumber = func(int) (uint64, error) { return 1000, nil }
	p.logs = []Log{
		{
			Address:     token,
			Topics:      []common.Hash{TransferTopic, common.BytesToHash(from.Bytes()), common.BytesToHash(to.Bytes())},
			Data:        common.LeftPadBytes(big.NewInt(5000).Bytes(), 32),
			BlockNumber: 990,
			TxHash:      common.HexToHash("0xbeef"),
			Index:       3,
		},
		{
			Address: token,
			Topics:  []common.Hash{TransferTopic, common.BytesToHash(from.Bytes()), common.BytesToHash(to.Bytes()), common.BigToHash(big.NewInt(7))},
		},
	}
	c := newTestClient(p, clockwork.NewFakeClock(), Options{BlockRange: 50})

	events, err := c.TokenTransfers(context.Background())
	if err != nil {
		t.Fatalf("不应报错: %v", err)
	}
	if p.lastQuery.Window != (BlockWindow{FromBlock: 950, ToBlock: 1000}) {
		t.Fatalf("查询窗口应为 [950,1000], 实际 %s", p.lastQuery.Window)
	}
	if len(events) != 1 {
		t.Fatalf("ERC-721 日志应被跳过, 实际事件数 %d", len(events))
	}
	ev := events[0]
	if ev.From != from.Hex() || ev.To != to.Hex() || ev.Amount != "5000" || ev.LogIndex != 3 {
		t.Fatalf("转账解码不正确: %+v", ev)
	}
}

func TestProbeSurfacesErrors(t *testing.T) {
	p := newFakeProvider()
	p.blockNumber = func(int) (uint64, error) { return 0, errors.New("connection refused") }
	c := newTestClient(p, clockwork.NewFakeClock(), Options{})

	if _, err := c.Probe(context.Background()); err == nil {
		t.Fatal("健康探测失败应返回错误")
	}
	var failure *FailureError
	_, err := c.Probe(context.Background())
	if !errors.As(err, &failure) || failure.Kind != FailurePermanent {
		t.Fatalf("应返回 FailureError(permanent), 实际 %v", err)
	}
}
