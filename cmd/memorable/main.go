package main

import (
	"os"

	"github.com/memorable-ai/memorable/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
