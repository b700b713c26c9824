package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"chain-insights/internal/insight"
	"chain-insights/internal/storage"
)

const defaultExportWindow = 7 * 24 * time.Hour

// Export renders stored insights as CSV and/or a PNG chart of transfer sizes.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-defaultExportWindow)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	records, err := store.ListInsightsBetween(ctx, from, to)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		a.Logger.Info().Msg("no insights found for export window")
		return nil
	}

	records = filterTypes(records, opts.Types)
	if len(records) == 0 {
		a.Logger.Info().Strs("types", opts.Types).Msg("no insights of the requested types in export window")
		return nil
	}

	downsampled := downsample(records, opts.MaxPoints)
	a.Logger.Info().Int("total", len(records)).Int("exported", len(downsampled)).Msg("exporting insights")

	if opts.CSVPath != "" {
		if err := writeInsightsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeInsightsPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func filterTypes(records []storage.InsightRecord, types []string) []storage.InsightRecord {
	if len(types) == 0 {
		return records
	}
	keep := make(map[string]struct{}, len(types))
	for _, t := range types {
		keep[strings.ToLower(strings.TrimSpace(t))] = struct{}{}
	}
	out := records[:0:0]
	for _, rec := range records {
		if _, ok := keep[rec.Type]; ok {
			out = append(out, rec)
		}
	}
	return out
}

func downsample[T any](items []T, max int) []T {
	if max <= 0 || len(items) <= max {
		return items
	}
	if max == 1 {
		return items[len(items)-1:]
	}

	result := make([]T, 0, max)
	step := float64(len(items)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(items) {
			idx = len(items) - 1
		}
		result = append(result, items[idx])
	}
	return result
}

// magnitude is the headline number of a record: ETH moved, tokens moved or gas used.
func magnitude(rec storage.InsightRecord) string {
	switch insight.Type(rec.Type) {
	case insight.LargeTransfer:
		return rec.Field("value")
	case insight.TokenTransfer:
		return rec.Field("amount")
	case insight.NewContract:
		return rec.Field("gas")
	}
	return ""
}

func writeInsightsCSV(path string, records []storage.InsightRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"observed_at", "type", "severity", "key", "title", "magnitude", "hash", "block"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, rec := range records {
		record := []string{
			rec.ObservedAt.Format(time.RFC3339),
			rec.Type,
			rec.Severity,
			rec.Key,
			rec.Title,
			magnitude(rec),
			rec.Field("hash"),
			rec.Field("block"),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeInsightsPNG(path string, records []storage.InsightRecord) error {
	var (
		ethX, tokenX []time.Time
		ethY, tokenY []float64
	)
	for _, rec := range records {
		v, err := decimal.NewFromString(magnitude(rec))
		if err != nil {
			continue
		}
		switch insight.Type(rec.Type) {
		case insight.LargeTransfer:
			ethX = append(ethX, rec.ObservedAt)
			ethY = append(ethY, v.InexactFloat64())
		case insight.TokenTransfer:
			tokenX = append(tokenX, rec.ObservedAt)
			tokenY = append(tokenY, v.InexactFloat64())
		}
	}
	if len(ethX) == 0 && len(tokenX) == 0 {
		return errors.New("no transfer insights to chart")
	}

	// go-chart 无法渲染少于两个点的序列
	hasETH, hasToken := len(ethX) >= 2, len(tokenX) >= 2
	if !hasETH && !hasToken {
		return errors.New("need at least two transfer insights of one kind to chart")
	}

	if err := ensureDir(path); err != nil {
		return err
	}

	amountFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Transfer (ETH)",
			ValueFormatter: amountFormatter,
		},
	}
	if hasETH {
		graph.Series = append(graph.Series, chart.TimeSeries{
			Name:    "Large transfers",
			XValues: ethX,
			YValues: ethY,
		})
	}
	if hasToken {
		tokens := chart.TimeSeries{
			Name:    "Token transfers",
			XValues: tokenX,
			YValues: tokenY,
		}
		if hasETH {
			tokens.YAxis = chart.YAxisSecondary
			graph.YAxisSecondary = chart.YAxis{
				Name:           "Token amount",
				ValueFormatter: amountFormatter,
			}
		} else {
			graph.YAxis.Name = "Token amount"
		}
		graph.Series = append(graph.Series, tokens)
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
