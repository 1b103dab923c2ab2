// Command progressctl is the operator CLI for the progress service: schema
// setup, legacy migration runs, and one-off record inspection or resets.
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
