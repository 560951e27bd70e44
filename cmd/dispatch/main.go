// Command llm-dispatch sends prompt and scoring workloads to an LLM backend,
// either from JSONL files or as a gRPC service.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"

	"github.com/abdhe/llm-dispatch/pkg/dispatch"
)

// Version is set via -ldflags at build time.
var Version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		report(err)
		os.Exit(exitCode(err))
	}
}

// report prints the single fatal error line. An item the backend can never
// accept gets its index and a preview of the item.
func report(err error) {
	red := color.New(color.FgRed, color.Bold)
	var tooLarge *dispatch.ItemTooLargeError
	if errors.As(err, &tooLarge) {
		red.Fprintf(os.Stderr, "error: item %d exceeds the backend's limits\n", tooLarge.Index) //nolint:errcheck
		fmt.Fprintf(os.Stderr, "  item: %s\n", preview(tooLarge.Item, 120))
		fmt.Fprintf(os.Stderr, "  cause: %v\n", tooLarge.Err)
		return
	}
	red.Fprint(os.Stderr, "error: ") //nolint:errcheck
	fmt.Fprintln(os.Stderr, err)
}

func preview(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit]) + "..."
}
