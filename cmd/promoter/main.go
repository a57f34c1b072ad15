// Command promoter runs the promotion cascade: the HTTP API, the per-run
// promotion worker, the crowd worker and the cron recovery pass.
package main

import (
	"context"
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
