package insight

import (
	"fmt"
	"time"
)

// Type classifies an insight.
type Type string

const (
	LargeTransfer Type = "large_transfer"
	NewContract   Type = "new_contract"
	TokenTransfer Type = "token_transfer"
)

// Severity is a coarse magnitude bucket.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Rank orders severities, high first.
func (s Severity) Rank() int {
	switch s {
	case SeverityHigh:
		return 0
	case SeverityMedium:
		return 1
	default:
		return 2
	}
}

func (t Type) rank() int {
	switch t {
	case LargeTransfer:
		return 0
	case NewContract:
		return 1
	case TokenTransfer:
		return 2
	default:
		return 3
	}
}

// Insight is a classified, severity-tagged summary of one on-chain event.
// Key identifies the underlying event and is stable across poll cycles.
type Insight struct {
	Type        Type           `json:"type"`
	Key         string         `json:"key"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Data        map[string]any `json:"data"`
	Timestamp   time.Time      `json:"timestamp"`
	Severity    Severity       `json:"severity"`
}

// Field returns the named data value rendered as text, or "" when absent.
func (i Insight) Field(name string) string {
	v, ok := i.Data[name]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
