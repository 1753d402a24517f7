// Package main is an offline simulator: it runs a topology for a number of
// ticks in-process and prints what every node did.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
