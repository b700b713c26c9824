package content

import "chain-insights/internal/insight"

// variants maps each insight type to its persona slots. The first sentence of
// every template carries the type's vocabulary so truncation keeps it.
var variants = map[insight.Type][]string{
	insight.LargeTransfer: {
		"Whale alert: {value} ETH just moved from {from} to {to} in block {block}.",
		"{value} ETH transfer spotted on-chain, {from} sending straight to {to}.",
		"A whale shifted {value} ETH to {to}. Block {block}, sender {from}.",
		"Someone just moved {value} ETH. From {from}, to {to}, no questions asked.",
		"Large ETH transfer: {value} ETH left {from} in block {block}.",
		"{value} ETH moved in one shot. Whale {from} is active again.",
	},
	insight.NewContract: {
		"New contract deployed at {address} by {deployer}, block {block}.",
		"Fresh contract on mainnet: {address} was deployed using {gas} gas.",
		"{deployer} just deployed a contract at {address}. Builders keep building.",
		"Contract {address} deployed in block {block}. Worth a look?",
		"Deployment detected: a new contract at {address}, courtesy of {deployer}.",
		"Another contract deployed: {address}. Gas burned: {gas}.",
	},
	insight.TokenTransfer: {
		"Token transfer: {amount} units of {token} sent from {from} to {to}.",
		"{amount} tokens of {token} just changed hands, {from} to {to}.",
		"Big token move on {token}: {amount} units landed at {to}.",
		"Token flow alert: {from} pushed {amount} of {token} in block {block}.",
		"{token} token transfer of {amount} units. Receiver {to} is stacking.",
		"Someone moved {amount} {token} tokens. Block {block}.",
	},
}

// generic renders types without dedicated persona slots.
var generic = []string{
	"{title}. {description}",
	"On-chain insight: {title}. {description}",
	"{title}! {description}",
}

var openers = []string{
	"",
	"Heads up: ",
	"On-chain update: ",
	"Just in: ",
	"Fresh off the chain: ",
}

var closers = []string{
	"",
	" #Ethereum",
	" #ETH #onchain",
	" Stay sharp.",
	" Watching this one closely.",
}

const automaticTag = " #automated"

// Personas returns the number of style slots for t.
func Personas(t insight.Type) int {
	if set, ok := variants[t]; ok {
		return len(set)
	}
	return len(generic)
}
