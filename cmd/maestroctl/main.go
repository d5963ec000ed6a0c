// Command maestroctl inspects and cancels Maestro process instances from the
// command line. It signs in with OAuth client credentials and prints JSON.
package main

import (
	"context"
	"fmt"
	"os"
)

func main() {
	if err := newApp(os.Stdout).Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "maestroctl: %v\n", err)
		os.Exit(1)
	}
}
