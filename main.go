package main

import (
	"os"

	"github.com/n3n-io/n3n/cli"
)

func main() {
	if err := cli.RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
