// Package main is the zima notebook binary.
package main

import (
	"os"

	"github.com/leapstack-labs/zima/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
