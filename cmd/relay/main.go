package main

import (
	"os"

	"github.com/bjoelf/trade-relay/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
