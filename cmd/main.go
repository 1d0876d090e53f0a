package main

import (
	"os"

	"github.com/SpiritWalker84/trivia-bot/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
