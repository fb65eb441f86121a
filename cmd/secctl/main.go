// Command secctl is the operator CLI for BookGuard. It talks to the shared store
// directly, so it keeps working when the API refuses the operator's address.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
