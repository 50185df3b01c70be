package main

import (
	"os"

	"catalog-ingest/cmd/catalogctl/cmd"
)

func main() {
	if err := cmd.RootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
