package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"chain-insights/internal/app"
)

var (
	showLimit int
	showPosts bool
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recently stored insights or post attempts",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit: showLimit,
			Posts: showPosts,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of rows to display")
	showCmd.Flags().BoolVar(&showPosts, "posts", false, "Show publish attempts instead of insights")
}
