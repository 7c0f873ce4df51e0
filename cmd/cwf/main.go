package main

import (
	"fmt"
	"os"

	"github.com/mkatanski/claude-workflow-sub002/cmd/cwf/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
