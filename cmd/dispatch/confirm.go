package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/abdhe/llm-dispatch/pkg/dispatch"
)

// consoleConfirmer asks on the terminal before a dispatch is sent.
type consoleConfirmer struct {
	in  io.Reader
	out io.Writer
}

func (c consoleConfirmer) Confirm(_ context.Context, e dispatch.Estimate) error {
	bold := color.New(color.Bold)
	yellow := color.New(color.FgYellow)

	bold.Fprintf(c.out, "About to %s against %s\n", e.Mode, e.Backend) //nolint:errcheck
	fmt.Fprintf(c.out, "  items:       %d\n", e.Items)
	fmt.Fprintf(c.out, "  completions: %d\n", e.Completions)
	fmt.Fprintf(c.out, "  characters:  %d\n", e.Chars)
	yellow.Fprint(c.out, "Continue? [y/N] ") //nolint:errcheck

	line, err := bufio.NewReader(c.in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read answer: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return nil
	}
	return errors.New("declined by user")
}
