// Package main provides du-cli, an offline inspector for agent bundles: it
// runs recognition, retrieval and full turns against a bundle directory.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
