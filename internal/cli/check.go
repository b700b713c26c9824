package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"chain-insights/internal/app"
)

var checkPost bool

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Run one insight cycle and print the summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		summary, err := getApp().Check(cmd.Context(), app.CheckOptions{Post: checkPost})
		if summary != "" {
			fmt.Fprintln(cmd.OutOrStdout(), summary)
		}
		return err
	},
}

func init() {
	checkCmd.Flags().BoolVar(&checkPost, "post", false, "Publish new insights through the configured channel")
}
