package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"chain-insights/internal/app"
	"chain-insights/internal/insight"
)

var (
	exportFrom      string
	exportTo        string
	exportPNGPath   string
	exportCSVPath   string
	exportMaxPoints int
	exportTypes     []string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export stored insights as CSV and/or a PNG chart of transfer sizes",
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, t := range exportTypes {
			switch insight.Type(t) {
			case insight.LargeTransfer, insight.NewContract, insight.TokenTransfer:
			default:
				return fmt.Errorf("unknown --type %q", t)
			}
		}

		from, err := parseTimeFlag("from", exportFrom)
		if err != nil {
			return err
		}
		to, err := parseTimeFlag("to", exportTo)
		if err != nil {
			return err
		}

		return getApp().Export(cmd.Context(), app.ExportOptions{
			From:      from,
			To:        to,
			PNGPath:   exportPNGPath,
			CSVPath:   exportCSVPath,
			MaxPoints: exportMaxPoints,
			Types:     exportTypes,
		})
	},
}

func parseTimeFlag(name, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	ts, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, fmt.Errorf("invalid --%s value: %w", name, err)
	}
	return &ts, nil
}

func init() {
	exportCmd.Flags().StringVar(&exportFrom, "from", "", "Start timestamp (RFC3339, inclusive; defaults to 7 days before --to)")
	exportCmd.Flags().StringVar(&exportTo, "to", "", "End timestamp (RFC3339, exclusive; defaults to now)")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum insights to export (defaults to config)")
	exportCmd.Flags().StringSliceVar(&exportTypes, "type", nil, "Only export these insight types (large_transfer, new_contract, token_transfer)")
}
