package scheduler

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"chain-insights/internal/insight"
)

// Source names used in reports, logs and metrics.
const (
	SourceLargeTransactions = "large_transactions"
	SourceNewContracts      = "new_contracts"
	SourceTokenTransfers    = "token_transfers"
)

var allSources = []string{SourceLargeTransactions, SourceNewContracts, SourceTokenTransfers}

// Report describes one insight cycle.
type Report struct {
	StartedAt  time.Time
	Duration   time.Duration
	Skipped    bool
	SkipReason string

	Insights      []insight.Insight
	SourceErrors  map[string]string
	DegradedReads int // chain reads that fell back to defaults during the cycle

	Published       int
	Duplicates      int
	PublishFailures int
}

// Succeeded reports whether the cycle ran and at least one source delivered.
func (r Report) Succeeded() bool {
	return !r.Skipped && len(r.SourceErrors) < len(allSources)
}

// Summary renders the report for humans. It is never empty.
func (r Report) Summary() string {
	if r.Skipped {
		return fmt.Sprintf("Insight check skipped: %s.", r.SkipReason)
	}

	var b strings.Builder
	if len(r.SourceErrors) == len(allSources) {
		b.WriteString("Could not fetch on-chain data from any source; will retry next cycle.")
	} else if len(r.Insights) == 0 {
		b.WriteString("Insight check complete: nothing notable on-chain right now.")
	} else {
		fmt.Fprintf(&b, "Insight check complete: %d insight(s) (%s).", len(r.Insights), severityBreakdown(r.Insights))
		for i, in := range r.Insights {
			if i == 3 {
				fmt.Fprintf(&b, "\n  … and %d more", len(r.Insights)-3)
				break
			}
			fmt.Fprintf(&b, "\n  [%s] %s", in.Severity, in.Title)
		}
	}

	if r.Published > 0 || r.PublishFailures > 0 || r.Duplicates > 0 {
		fmt.Fprintf(&b, "\nPosts: %d published, %d failed, %d already posted.", r.Published, r.PublishFailures, r.Duplicates)
	}

	if r.DegradedReads > 0 {
		fmt.Fprintf(&b, "\nWarning: %d chain read(s) failed and were reported as empty.", r.DegradedReads)
	}

	if len(r.SourceErrors) > 0 {
		names := make([]string, 0, len(r.SourceErrors))
		for name := range r.SourceErrors {
			names = append(names, name)
		}
		sort.Strings(names)
		b.WriteString("\nUnavailable sources:")
		for _, name := range names {
			fmt.Fprintf(&b, "\n  %s: %s", name, r.SourceErrors[name])
		}
	}
	return b.String()
}

func severityBreakdown(ins []insight.Insight) string {
	counts := map[insight.Severity]int{}
	for _, in := range ins {
		counts[in.Severity]++
	}
	parts := make([]string, 0, 3)
	for _, sev := range []insight.Severity{insight.SeverityHigh, insight.SeverityMedium, insight.SeverityLow} {
		if n := counts[sev]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, sev))
		}
	}
	return strings.Join(parts, ", ")
}
