// Command parallex is the CLI entry point: it discovers test files, bundles
// and runs them in parallel sandboxes, and prints a colored pass/fail
// summary.
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
