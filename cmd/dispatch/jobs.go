package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/abdhe/llm-dispatch/pkg/align"
	"github.com/abdhe/llm-dispatch/pkg/dispatch"
)

var errInvalidInput = errors.New("invalid input")

// Job flag values.
var (
	inputPath  string
	outputPath string
	numSamples int
	assumeYes  bool
)

// promptLine is one line of generate/complete input.
type promptLine struct {
	Prompt string `json:"prompt"`
}

// textLine is one line of logprobs input. Range is optional [start, end).
type textLine struct {
	Text  string  `json:"text"`
	Range *[2]int `json:"range,omitempty"`
}

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate n completions per prompt",
	Long: `Read {"prompt": ...} lines and write one {"prompt_index", "text"} line per
completion, n per prompt, in input order.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var lines []promptLine
		if err := readJSONL(cmd, &lines); err != nil {
			return err
		}
		prompts := make([]string, len(lines))
		for i, l := range lines {
			prompts[i] = l.Prompt
		}
		return withDispatcher(cmd, func(d *dispatch.Dispatcher, enc *json.Encoder) error {
			texts, err := d.GenerateText(cmd.Context(), prompts, numSamples)
			if err != nil {
				return err
			}
			for i, t := range texts {
				if err := enc.Encode(map[string]any{"prompt_index": i / numSamples, "text": t}); err != nil {
					return err
				}
			}
			return nil
		})
	},
}

var completeCmd = &cobra.Command{
	Use:   "complete",
	Short: "Return the raw completion records for each prompt",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var lines []promptLine
		if err := readJSONL(cmd, &lines); err != nil {
			return err
		}
		prompts := make([]string, len(lines))
		for i, l := range lines {
			prompts[i] = l.Prompt
		}
		return withDispatcher(cmd, func(d *dispatch.Dispatcher, enc *json.Encoder) error {
			choices, err := d.Complete(cmd.Context(), prompts, numSamples)
			if err != nil {
				return err
			}
			for i, c := range choices {
				if err := enc.Encode(map[string]any{"prompt_index": i / numSamples, "choice": c}); err != nil {
					return err
				}
			}
			return nil
		})
	},
}

var logprobsCmd = &cobra.Command{
	Use:   "logprobs",
	Short: "Score texts and return per-token log-probabilities",
	Long: `Read {"text": ..., "range": [start, end]} lines and write one
{"index", "tokens", "log_probs"} line per text. A range restricts the result to
the tokens covering those characters. Either every line has a range or none.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var lines []textLine
		if err := readJSONL(cmd, &lines); err != nil {
			return err
		}
		texts := make([]string, len(lines))
		var ranges []align.Range
		for i, l := range lines {
			texts[i] = l.Text
			if (l.Range != nil) != (lines[0].Range != nil) {
				return fmt.Errorf("%w: line %d: either every line has a range or none", errInvalidInput, i+1)
			}
			if l.Range != nil {
				ranges = append(ranges, align.Range{Start: l.Range[0], End: l.Range[1]})
			}
		}
		return withDispatcher(cmd, func(d *dispatch.Dispatcher, enc *json.Encoder) error {
			logProbs, tokens, err := d.GetLogProbs(cmd.Context(), texts, ranges)
			if err != nil {
				return err
			}
			for i := range logProbs {
				if err := enc.Encode(map[string]any{"index": i, "tokens": tokens[i], "log_probs": logProbs[i]}); err != nil {
					return err
				}
			}
			return nil
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{generateCmd, completeCmd, logprobsCmd} {
		c.Flags().StringVarP(&inputPath, "input", "i", "-", "JSONL input file, - for stdin")
		c.Flags().StringVarP(&outputPath, "output", "o", "-", "JSONL output file, - for stdout")
		c.Flags().BoolVarP(&assumeYes, "yes", "y", false, "skip the confirmation prompt")
	}
	generateCmd.Flags().IntVarP(&numSamples, "num", "n", 1, "completions per prompt (default: backend.n)")
	completeCmd.Flags().IntVarP(&numSamples, "num", "n", 1, "completions per prompt (default: backend.n)")
}

// withDispatcher loads config, builds the dispatcher and runs fn with an
// encoder on the output.
func withDispatcher(cmd *cobra.Command, fn func(*dispatch.Dispatcher, *json.Encoder) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if assumeYes {
		cfg.Dispatch.SkipConfirm = true
	}
	if f := cmd.Flags().Lookup("num"); f != nil && !f.Changed {
		numSamples = cfg.Backend.N
	}
	if !cfg.Dispatch.SkipConfirm && inputPath == "-" {
		return fmt.Errorf("%w: confirmation needs stdin; pass --yes or --input", errInvalidInput)
	}

	d, cleanup, err := buildDispatcher(cfg,
		dispatch.WithConfirmer(consoleConfirmer{in: cmd.InOrStdin(), out: cmd.ErrOrStderr()}))
	if err != nil {
		return err
	}
	defer cleanup()

	out := cmd.OutOrStdout()
	if outputPath != "-" {
		f, err := os.Create(outputPath) //nolint:gosec // user-provided output path
		if err != nil {
			return fmt.Errorf("open output: %w", err)
		}
		defer f.Close() //nolint:errcheck
		out = f
	}
	return fn(d, json.NewEncoder(out))
}

// readJSONL decodes every non-empty input line into a new element of *dst.
func readJSONL[T any](cmd *cobra.Command, dst *[]T) error {
	var in io.Reader = cmd.InOrStdin()
	if inputPath != "-" {
		f, err := os.Open(inputPath) //nolint:gosec // user-provided input path
		if err != nil {
			return fmt.Errorf("%w: %v", errInvalidInput, err)
		}
		defer f.Close() //nolint:errcheck
		in = f
	}

	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for lineNo := 1; sc.Scan(); lineNo++ {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var v T
		if err := json.Unmarshal(sc.Bytes(), &v); err != nil {
			return fmt.Errorf("%w: line %d: %v", errInvalidInput, lineNo, err)
		}
		*dst = append(*dst, v)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	return nil
}
