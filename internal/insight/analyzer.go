package insight

import (
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"chain-insights/internal/chain"
	"chain-insights/internal/metrics"
)

// DefaultMaxPerType caps how many insights of one type a single cycle emits.
const DefaultMaxPerType = 10

var (
	defaultTransferHigh   = decimal.NewFromInt(1000)
	defaultTransferMedium = decimal.NewFromInt(500)

	// token amounts are raw units; the buckets assume 18 decimals.
	defaultTokenHigh   = new(big.Int).Exp(big.NewInt(10), big.NewInt(24), nil)
	defaultTokenMedium = new(big.Int).Exp(big.NewInt(10), big.NewInt(21), nil)

	defaultContractGasMedium uint64 = 3_000_000

	minScaledAmount = decimal.New(5, -3)
)

// Batch holds one poll cycle's fetch results. A failed source is an empty slice.
type Batch struct {
	LargeTransactions []chain.Transaction
	NewContracts      []chain.ContractDeployment
	TokenTransfers    []chain.TransferEvent

	// ObservedAt stamps records that carry no block time.
	ObservedAt time.Time
}

// Options tune severity thresholds. Zero values take defaults.
type Options struct {
	MaxPerType int

	TransferHigh   decimal.Decimal
	TransferMedium decimal.Decimal

	TokenHigh   *big.Int
	TokenMedium *big.Int

	ContractGasMedium uint64
}

// Analyzer turns raw fetch results into insights. It performs no I/O.
type Analyzer struct {
	opts Options
}

func NewAnalyzer(opts Options) *Analyzer {
	if opts.MaxPerType <= 0 {
		opts.MaxPerType = DefaultMaxPerType
	}
	if !opts.TransferHigh.IsPositive() {
		opts.TransferHigh = defaultTransferHigh
	}
	if !opts.TransferMedium.IsPositive() {
		opts.TransferMedium = defaultTransferMedium
	}
	if opts.TokenHigh == nil || opts.TokenHigh.Sign() <= 0 {
		opts.TokenHigh = defaultTokenHigh
	}
	if opts.TokenMedium == nil || opts.TokenMedium.Sign() <= 0 {
		opts.TokenMedium = defaultTokenMedium
	}
	if opts.ContractGasMedium == 0 {
		opts.ContractGasMedium = defaultContractGasMedium
	}
	return &Analyzer{opts: opts}
}

// Analyze classifies every record of b. Records with a zero or unparseable
// magnitude and repeated event keys are dropped.
func (a *Analyzer) Analyze(b Batch) []Insight {
	seen := make(map[string]struct{})
	out := make([]Insight, 0, len(b.LargeTransactions)+len(b.NewContracts)+len(b.TokenTransfers))

	out = append(out, a.largeTransfers(b, seen)...)
	out = append(out, a.newContracts(b, seen)...)
	out = append(out, a.tokenTransfers(b, seen)...)

	sort.SliceStable(out, func(i, j int) bool {
		if ri, rj := out[i].Severity.Rank(), out[j].Severity.Rank(); ri != rj {
			return ri < rj
		}
		if ti, tj := out[i].Type.rank(), out[j].Type.rank(); ti != tj {
			return ti < tj
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})

	for _, in := range out {
		metrics.InsightsDetected.WithLabelValues(string(in.Type)).Inc()
	}
	return out
}

func (a *Analyzer) largeTransfers(b Batch, seen map[string]struct{}) []Insight {
	type candidate struct {
		tx    chain.Transaction
		value decimal.Decimal
	}
	cands := make([]candidate, 0, len(b.LargeTransactions))
	for _, tx := range b.LargeTransactions {
		v := tx.ValueDecimal()
		if !v.IsPositive() || tx.Hash == "" {
			continue
		}
		cands = append(cands, candidate{tx: tx, value: v})
	}
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].value.GreaterThan(cands[j].value) })

	out := make([]Insight, 0, len(cands))
	for _, c := range cands {
		if len(out) >= a.opts.MaxPerType {
			break
		}
		key := eventKey(LargeTransfer, c.tx.Hash)
		if !claim(seen, key) {
			continue
		}
		value := c.value.StringFixed(2)
		out = append(out, Insight{
			Type:        LargeTransfer,
			Key:         key,
			Title:       fmt.Sprintf("Large transfer: %s ETH", value),
			Description: fmt.Sprintf("%s ETH moved from %s to %s in block %d", value, c.tx.From, recipient(c.tx.To), c.tx.BlockNumber),
			Data: map[string]any{
				"hash":  c.tx.Hash,
				"from":  c.tx.From,
				"to":    c.tx.To,
				"value": value,
				"block": c.tx.BlockNumber,
			},
			Timestamp: stamp(c.tx.Timestamp, b.ObservedAt),
			Severity:  a.transferSeverity(c.value),
		})
	}
	return out
}

func (a *Analyzer) transferSeverity(v decimal.Decimal) Severity {
	switch {
	case v.GreaterThanOrEqual(a.opts.TransferHigh):
		return SeverityHigh
	case v.GreaterThanOrEqual(a.opts.TransferMedium):
		return SeverityMedium
	default:
		return SeverityLow
	}
}

func (a *Analyzer) newContracts(b Batch, seen map[string]struct{}) []Insight {
	cands := make([]chain.ContractDeployment, 0, len(b.NewContracts))
	for _, d := range b.NewContracts {
		if d.Address == "" || d.TxHash == "" {
			continue
		}
		cands = append(cands, d)
	}
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].GasUsed > cands[j].GasUsed })

	out := make([]Insight, 0, len(cands))
	for _, d := range cands {
		if len(out) >= a.opts.MaxPerType {
			break
		}
		key := eventKey(NewContract, d.TxHash)
		if !claim(seen, key) {
			continue
		}
		sev := SeverityLow
		if d.GasUsed >= a.opts.ContractGasMedium {
			sev = SeverityMedium
		}
		out = append(out, Insight{
			Type:        NewContract,
			Key:         key,
			Title:       "New contract deployed",
			Description: fmt.Sprintf("Contract %s deployed by %s in block %d (%d gas)", d.Address, d.Deployer, d.BlockNumber, d.GasUsed),
			Data: map[string]any{
				"address":  d.Address,
				"deployer": d.Deployer,
				"hash":     d.TxHash,
				"block":    d.BlockNumber,
				"gas":      d.GasUsed,
			},
			Timestamp: stamp(d.Timestamp, b.ObservedAt),
			Severity:  sev,
		})
	}
	return out
}

func (a *Analyzer) tokenTransfers(b Batch, seen map[string]struct{}) []Insight {
	type candidate struct {
		ev     chain.TransferEvent
		amount *big.Int
	}
	cands := make([]candidate, 0, len(b.TokenTransfers))
	for _, ev := range b.TokenTransfers {
		amt := ev.AmountInt()
		if amt == nil || amt.Sign() <= 0 || ev.TxHash == "" {
			continue
		}
		cands = append(cands, candidate{ev: ev, amount: amt})
	}
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].amount.Cmp(cands[j].amount) > 0 })

	out := make([]Insight, 0, len(cands))
	for _, c := range cands {
		if len(out) >= a.opts.MaxPerType {
			break
		}
		key := eventKey(TokenTransfer, c.ev.TxHash, fmt.Sprint(c.ev.LogIndex))
		if !claim(seen, key) {
			continue
		}
		amount := tokenAmount(c.amount)
		out = append(out, Insight{
			Type:        TokenTransfer,
			Key:         key,
			Title:       fmt.Sprintf("Token transfer: %s", amount),
			Description: fmt.Sprintf("%s units of token %s sent from %s to %s", amount, c.ev.Token, c.ev.From, c.ev.To),
			Data: map[string]any{
				"token":  c.ev.Token,
				"from":   c.ev.From,
				"to":     c.ev.To,
				"amount": amount,
				"raw":    c.ev.Amount,
				"hash":   c.ev.TxHash,
				"block":  c.ev.BlockNumber,
			},
			Timestamp: b.ObservedAt.UTC(),
			Severity:  a.tokenSeverity(c.amount),
		})
	}
	return out
}

// tokenAmount scales raw by 18 decimals. Tokens with fewer decimals would
// round to 0.00, so those amounts stay in raw units.
func tokenAmount(raw *big.Int) string {
	scaled := decimal.NewFromBigInt(raw, -18)
	if raw.Sign() > 0 && scaled.LessThan(minScaledAmount) {
		return raw.String()
	}
	return scaled.StringFixed(2)
}

func (a *Analyzer) tokenSeverity(raw *big.Int) Severity {
	switch {
	case raw.Cmp(a.opts.TokenHigh) >= 0:
		return SeverityHigh
	case raw.Cmp(a.opts.TokenMedium) >= 0:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

func eventKey(t Type, parts ...string) string {
	return string(t) + ":" + strings.ToLower(strings.Join(parts, ":"))
}

func claim(seen map[string]struct{}, key string) bool {
	if _, dup := seen[key]; dup {
		return false
	}
	seen[key] = struct{}{}
	return true
}

func stamp(unix int64, fallback time.Time) time.Time {
	if unix > 0 {
		return time.Unix(unix, 0).UTC()
	}
	return fallback.UTC()
}

func recipient(to string) string {
	if to == "" {
		return "contract creation"
	}
	return to
}
