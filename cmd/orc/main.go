package main

import (
	"os"

	"github.com/fission-ai/orc/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
