package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"chain-insights/internal/app"
)

var balanceToken string

var gasCmd = &cobra.Command{
	Use:   "gas",
	Short: "Print the current gas price in gwei",
	RunE: func(cmd *cobra.Command, args []string) error {
		price, err := getApp().GasPrice(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s gwei\n", price)
		return nil
	},
}

var balanceCmd = &cobra.Command{
	Use:   "balance <address>",
	Short: "Print the ETH or ERC-20 balance of an address",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		balance, err := getApp().Balance(cmd.Context(), app.BalanceOptions{Address: args[0], Token: balanceToken})
		if err != nil {
			return err
		}
		unit := "ETH"
		if balanceToken != "" {
			unit = balanceToken
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", balance, unit)
		return nil
	},
}

func init() {
	balanceCmd.Flags().StringVar(&balanceToken, "token", "", "ERC-20 contract address (omit for native ETH)")
}
