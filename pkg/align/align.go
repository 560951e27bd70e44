// Package align maps caller character ranges onto backend token offsets.
package align

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/abdhe/llm-dispatch/pkg/provider"
)

// ErrInvalidRange is returned for a character range that does not fit its text.
var ErrInvalidRange = errors.New("invalid range")

// Range is a character range [Start, End) of a text, counted in characters.
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

func (r Range) String() string { return fmt.Sprintf("[%d, %d)", r.Start, r.End) }

// Validate checks r against text.
func (r Range) Validate(text string) error {
	n := utf8.RuneCountInString(text)
	switch {
	case r.Start >= r.End:
		return fmt.Errorf("%w %s: start must be before end", ErrInvalidRange, r)
	case r.Start < 0:
		return fmt.Errorf("%w %s: start is negative", ErrInvalidRange, r)
	case r.End-1 >= n:
		return fmt.Errorf("%w %s: end is past the text (%d characters)", ErrInvalidRange, r, n)
	}
	return nil
}

// Indices returns the token span [lower, upper) covering r.
//
// lower is the last index whose offset is <= r.Start, found by scanning
// forward until an offset exceeds r.Start (0 if the first already does).
// upper is the first index whose offset is >= r.End (len(offsets) if none).
// A token straddling either boundary is kept or dropped by its start offset
// alone.
func Indices(offsets []int, r Range) (lower, upper int) {
	for i, off := range offsets {
		if off > r.Start {
			break
		}
		lower = i
	}

	upper = len(offsets)
	for i, off := range offsets {
		if off >= r.End {
			upper = i
			break
		}
	}

	if upper < lower {
		upper = lower
	}
	return lower, upper
}

// Trim returns the contiguous part of lp covering r. Offsets are trimmed with
// the tokens, so trimming an already trimmed value by the same range is a
// no-op.
func Trim(lp provider.LogProbs, r Range) provider.LogProbs {
	lower, upper := Indices(lp.TextOffsets, r)
	return provider.LogProbs{
		Tokens:        lp.Tokens[lower:upper],
		TokenLogProbs: lp.TokenLogProbs[lower:upper],
		TextOffsets:   lp.TextOffsets[lower:upper],
	}
}
