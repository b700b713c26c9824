package content

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"chain-insights/internal/insight"
)

// TextGenerator is an optional language-model backend.
type TextGenerator interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Writer produces publishable post text. Without a TextGenerator, or when it
// fails, it falls back to the template Generator.
type Writer struct {
	templates *Generator
	llm       TextGenerator
	logger    zerolog.Logger
}

// NewWriter builds a writer. llm may be nil.
func NewWriter(templates *Generator, llm TextGenerator, logger zerolog.Logger) *Writer {
	return &Writer{
		templates: templates,
		llm:       llm,
		logger:    logger.With().Str("component", "post_writer").Logger(),
	}
}

// Degraded reports whether the writer runs on templates only.
func (w *Writer) Degraded() bool {
	return w.llm == nil
}

// Write renders in for publication. It never fails.
func (w *Writer) Write(ctx context.Context, in insight.Insight, automatic bool) string {
	if w.llm == nil {
		return w.templates.GenerateContent(in, automatic)
	}

	text, err := w.llm.Complete(ctx, prompt(in, w.templates.Limit()))
	if err != nil {
		w.logger.Warn().Err(err).Str("insight", in.Key).Msg("text generation failed, using templates")
		return w.templates.GenerateContent(in, automatic)
	}
	text = strings.Trim(strings.TrimSpace(text), `"`)
	if text == "" {
		w.logger.Warn().Str("insight", in.Key).Msg("text generation returned empty output, using templates")
		return w.templates.GenerateContent(in, automatic)
	}
	if automatic {
		text += automaticTag
	}
	return Truncate(text, w.templates.Limit())
}

func prompt(in insight.Insight, limit int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write one tweet (max %d characters, no hashtags spam) about this Ethereum on-chain event.\n", limit)
	fmt.Fprintf(&b, "Type: %s\nSeverity: %s\nTitle: %s\nDetails: %s\n", in.Type, in.Severity, in.Title, in.Description)
	return b.String()
}
