package app

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// BalanceOptions configure the balance command. Empty Token means native ETH.
type BalanceOptions struct {
	Address string
	Token   string
}

// GasPrice returns the current gas price in gwei.
func (a *App) GasPrice(ctx context.Context) (string, error) {
	res := &resources{}
	defer res.Close()

	client, err := a.newChainClient(res)
	if err != nil {
		return "", err
	}
	if _, err := client.Probe(ctx); err != nil {
		return "", fmt.Errorf("chain endpoint unreachable: %w", err)
	}
	return client.GasPrice(ctx)
}

// Balance returns the native or ERC-20 balance of an address.
func (a *App) Balance(ctx context.Context, opts BalanceOptions) (string, error) {
	if !common.IsHexAddress(opts.Address) {
		return "", fmt.Errorf("invalid address %q", opts.Address)
	}
	if opts.Token != "" && !common.IsHexAddress(opts.Token) {
		return "", fmt.Errorf("invalid token address %q", opts.Token)
	}

	res := &resources{}
	defer res.Close()

	client, err := a.newChainClient(res)
	if err != nil {
		return "", err
	}
	if _, err := client.Probe(ctx); err != nil {
		return "", fmt.Errorf("chain endpoint unreachable: %w", err)
	}
	return client.TokenBalance(ctx, opts.Address, opts.Token)
}
