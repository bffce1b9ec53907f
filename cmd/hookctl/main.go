package main

import (
	"os"

	"github.com/gestagent/hookd/cmd/hookctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
