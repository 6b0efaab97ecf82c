package main

import (
	"fmt"
	"os"

	"github.com/psantana5/warden/cmd/warden/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "warden: %v\n", err)
		os.Exit(1)
	}
}
