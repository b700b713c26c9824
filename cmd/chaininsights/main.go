package main

import "chain-insights/internal/cli"

func main() {
	cli.Execute()
}
