package insight

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"chain-insights/internal/chain"
)

var observed = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestAnalyzeSeverityBuckets(t *testing.T) {
	a := NewAnalyzer(Options{})
	got := a.Analyze(Batch{
		LargeTransactions: []chain.Transaction{
			{Hash: "0x01", Value: "150", Timestamp: observed.Unix()},
			{Hash: "0x02", Value: "750.5"},
			{Hash: "0x03", Value: "1200"},
		},
		ObservedAt: observed,
	})

	if len(got) != 3 {
		t.Fatalf("应生成 3 条洞察, 实际 %d", len(got))
	}
	want := map[string]Severity{
		"large_transfer:0x01": SeverityLow,
		"large_transfer:0x02": SeverityMedium,
		"large_transfer:0x03": SeverityHigh,
	}
	for _, in := range got {
		if in.Severity != want[in.Key] {
			t.Fatalf("%s 的级别应为 %s, 实际 %s", in.Key, want[in.Key], in.Severity)
		}
	}
	if got[0].Severity != SeverityHigh || got[2].Severity != SeverityLow {
		t.Fatalf("结果应按级别从高到低排序: %v, %v, %v", got[0].Severity, got[1].Severity, got[2].Severity)
	}
}

func TestAnalyzeDropsUnusableRecords(t *testing.T) {
	a := NewAnalyzer(Options{})
	got := a.Analyze(Batch{
		LargeTransactions: []chain.Transaction{
			{Hash: "0x01", Value: "0"},
			{Hash: "0x02", Value: "not-a-number"},
			{Hash: "0x03", Value: "200"},
			{Hash: "0x03", Value: "200"},
		},
		NewContracts: []chain.ContractDeployment{
			{Address: "", TxHash: "0xc1"},
			{Address: "0xabc", TxHash: "0xc2", GasUsed: 3_500_000},
		},
		TokenTransfers: []chain.TransferEvent{
			{TxHash: "0xt1", Amount: "0"},
			{TxHash: "0xt2", Amount: "garbage"},
			{TxHash: "0xt3", Amount: "5000000000000000000000", LogIndex: 4},
		},
		ObservedAt: observed,
	})

	keys := make(map[string]Insight)
	for _, in := range got {
		keys[in.Key] = in
	}
	if len(got) != 3 || len(keys) != 3 {
		t.Fatalf("应保留 3 条不重复的洞察, 实际 %d: %v", len(got), keys)
	}
	if _, ok := keys["large_transfer:0x03"]; !ok {
		t.Fatal("缺少大额转账洞察")
	}
	if c, ok := keys["new_contract:0xc2"]; !ok || c.Severity != SeverityMedium {
		t.Fatalf("高 gas 合约部署应为 medium: %+v", c)
	}
	tok, ok := keys["token_transfer:0xt3:4"]
	if !ok {
		t.Fatal("缺少代币转账洞察")
	}
	if tok.Severity != SeverityMedium || tok.Field("amount") != "5000.00" {
		t.Fatalf("代币转账字段不正确: severity=%s amount=%s", tok.Severity, tok.Field("amount"))
	}
	if !tok.Timestamp.Equal(observed) {
		t.Fatalf("无区块时间的记录应使用观测时间, 实际 %s", tok.Timestamp)
	}
}

func TestTokenAmountKeepsRawUnitsForLowDecimalTokens(t *testing.T) {
	a := NewAnalyzer(Options{})
	got := a.Analyze(Batch{
		TokenTransfers: []chain.TransferEvent{
			{TxHash: "0xusdt", Token: "0xdac17f958d2ee523a2206206994597c13d831ec7", Amount: "5000000000", LogIndex: 1},
		},
		ObservedAt: observed,
	})
	if len(got) != 1 {
		t.Fatalf("应产生 1 条代币转账洞察, 实际 %d", len(got))
	}
	tok := got[0]
	if tok.Field("amount") != "5000000000" {
		t.Fatalf("按 18 位换算会显示为 0.00, 应保留原始单位, 实际 %s", tok.Field("amount"))
	}
	if strings.Contains(tok.Title, "0.00") || strings.Contains(tok.Description, "0.00 units") {
		t.Fatalf("标题和描述不应出现 0.00: %q / %q", tok.Title, tok.Description)
	}
	if tok.Severity != SeverityLow {
		t.Fatalf("小额代币转账应为 low, 实际 %s", tok.Severity)
	}
}

func TestAnalyzeCapsPerTypeKeepingLargest(t *testing.T) {
	a := NewAnalyzer(Options{MaxPerType: 2})
	txs := make([]chain.Transaction, 0, 5)
	for i := 1; i <= 5; i++ {
		txs = append(txs, chain.Transaction{Hash: fmt.Sprintf("0x%02d", i), Value: fmt.Sprint(100 * i)})
	}
	got := a.Analyze(Batch{LargeTransactions: txs, ObservedAt: observed})

	if len(got) != 2 {
		t.Fatalf("每类最多保留 2 条, 实际 %d", len(got))
	}
	if got[0].Key != "large_transfer:0x05" || got[1].Key != "large_transfer:0x04" {
		t.Fatalf("应保留金额最大的两条, 实际 %s, %s", got[0].Key, got[1].Key)
	}
}

func TestAnalyzeEmptyBatch(t *testing.T) {
	got := NewAnalyzer(Options{}).Analyze(Batch{})
	if got == nil || len(got) != 0 {
		t.Fatalf("空输入应返回空切片, 实际 %v", got)
	}
}

func TestAnalyzeCarriesFieldsForRendering(t *testing.T) {
	got := NewAnalyzer(Options{}).Analyze(Batch{
		LargeTransactions: []chain.Transaction{{
			Hash: "0xAA", From: "0xfrom", To: "0xto", Value: "321.456", BlockNumber: 42,
		}},
		ObservedAt: observed,
	})
	if len(got) != 1 {
		t.Fatalf("应生成 1 条洞察, 实际 %d", len(got))
	}
	in := got[0]
	if in.Key != "large_transfer:0xaa" {
		t.Fatalf("事件键应小写, 实际 %s", in.Key)
	}
	if in.Field("value") != "321.46" || in.Field("from") != "0xfrom" || in.Field("block") != "42" {
		t.Fatalf("数据字段不正确: %v", in.Data)
	}
	if in.Field("missing") != "" {
		t.Fatal("缺失字段应返回空字符串")
	}
}
