package workflow

import (
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter estimates how many tokens a piece of text costs.
type TokenCounter interface {
	Count(text string) int
}

// NewTokenCounter returns a BPE-backed counter when the encoding is
// available and a rune heuristic otherwise. Loading the encoding can fail
// offline, and a budget estimate is still better than none.
func NewTokenCounter() TokenCounter {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return HeuristicCounter{}
	}
	return &bpeCounter{enc: enc}
}

type bpeCounter struct {
	enc *tiktoken.Tiktoken
}

func (c *bpeCounter) Count(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}

// HeuristicCounter approximates tokens as one per four runes, the usual
// rule of thumb for BPE vocabularies. Deterministic and dependency-free,
// which also makes it the counter of choice in tests.
type HeuristicCounter struct{}

// Count reports the estimated token count.
func (HeuristicCounter) Count(text string) int {
	return (utf8.RuneCountInString(text) + 3) / 4
}
