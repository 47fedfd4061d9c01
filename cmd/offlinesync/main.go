package main

import (
	"fmt"
	"os"

	"github.com/dgduncan/go-offline-sync/cmd/offlinesync/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
