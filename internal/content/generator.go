package content

import (
	"math/rand/v2"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"chain-insights/internal/insight"
)

// maxFieldRunes clips any single rendered field.
const maxFieldRunes = 64

// Chooser picks a slot in [0, n). *rand.Rand from math/rand/v2 satisfies it.
type Chooser interface {
	IntN(n int) int
}

type globalChooser struct{}

func (globalChooser) IntN(n int) int { return rand.IntN(n) }

// Generator renders insights through persona templates.
type Generator struct {
	limit int

	mu      sync.Mutex
	chooser Chooser
}

// NewGenerator returns a generator bounded to limit runes. A nil chooser uses
// the runtime's global source.
func NewGenerator(limit int, chooser Chooser) *Generator {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if chooser == nil {
		chooser = globalChooser{}
	}
	return &Generator{limit: limit, chooser: chooser}
}

// Limit returns the character limit output is bounded to.
func (g *Generator) Limit() int {
	return g.limit
}

// GenerateContent renders in through a pseudo-randomly chosen persona slot.
// automatic tags the post as machine-published.
func (g *Generator) GenerateContent(in insight.Insight, automatic bool) string {
	set, ok := variants[in.Type]
	if !ok {
		set = generic
	}

	g.mu.Lock()
	tmpl := set[g.chooser.IntN(len(set))]
	opener := openers[g.chooser.IntN(len(openers))]
	closer := closers[g.chooser.IntN(len(closers))]
	g.mu.Unlock()

	var b strings.Builder
	b.WriteString(opener)
	b.WriteString(replacerFor(in).Replace(tmpl))
	b.WriteString(closer)
	if automatic {
		b.WriteString(automaticTag)
	}
	return Truncate(b.String(), g.limit)
}

func replacerFor(in insight.Insight) *strings.Replacer {
	pairs := []string{
		"{title}", clip(in.Title),
		"{description}", clip(in.Description),
		"{severity}", string(in.Severity),
	}
	for _, field := range []string{"value", "from", "to", "block", "address", "deployer", "gas", "token", "amount", "hash"} {
		pairs = append(pairs, "{"+field+"}", render(field, in.Field(field)))
	}
	return strings.NewReplacer(pairs...)
}

func render(field, v string) string {
	if v == "" {
		switch field {
		case "to":
			return "a new contract"
		case "token":
			return "an unknown token"
		default:
			return "?"
		}
	}
	return clip(shorten(v))
}

// shorten renders addresses and hashes as 0x1234…abcd.
func shorten(v string) string {
	if common.IsHexAddress(v) && len(v) == 42 {
		return v[:6] + ellipsis + v[len(v)-4:]
	}
	if len(v) == 66 && strings.HasPrefix(v, "0x") {
		return v[:8] + ellipsis + v[len(v)-4:]
	}
	return v
}

func clip(v string) string {
	return Truncate(v, maxFieldRunes)
}
