// Package vocab holds the amino-acid alphabet and the symbol embedding table
// consumed by the pair encoder.
package vocab

import (
	"errors"
	"fmt"
)

const (
	StartToken = "start"
	StopToken  = "stop"
)

var ErrUnknownSymbol = errors.New("unknown symbol")

// residues lists the ordered single-letter symbols. X doubles as the index for
// the ambiguous residues Z, B and J.
const residues = "MRHKDESTNQCUGPAVIFYWLOX"

var aliases = map[byte]byte{'Z': 'X', 'B': 'X', 'J': 'X'}

// Vocabulary maps residue symbols to dense indices. The two special tokens
// occupy the last two indices.
type Vocabulary struct {
	index   map[byte]int
	symbols []string
}

// Default returns the 25-entry amino-acid vocabulary.
func Default() *Vocabulary {
	v := &Vocabulary{index: make(map[byte]int, len(residues)+len(aliases))}
	for i := 0; i < len(residues); i++ {
		v.index[residues[i]] = i
		v.symbols = append(v.symbols, string(residues[i]))
	}
	for alias, target := range aliases {
		v.index[alias] = v.index[target]
	}
	v.symbols = append(v.symbols, StartToken, StopToken)
	return v
}

func (v *Vocabulary) Size() int {
	return len(v.symbols)
}

func (v *Vocabulary) Index(symbol byte) (int, error) {
	idx, ok := v.index[symbol]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownSymbol, symbol)
	}
	return idx, nil
}

func (v *Vocabulary) Start() int { return len(v.symbols) - 2 }
func (v *Vocabulary) Stop() int  { return len(v.symbols) - 1 }

func (v *Vocabulary) Symbol(idx int) string {
	if idx < 0 || idx >= len(v.symbols) {
		return ""
	}
	return v.symbols[idx]
}

// Encode converts a sequence into vocabulary indices.
func (v *Vocabulary) Encode(seq string) ([]int, error) {
	out := make([]int, len(seq))
	for i := 0; i < len(seq); i++ {
		idx, err := v.Index(seq[i])
		if err != nil {
			return nil, fmt.Errorf("position %d: %w", i, err)
		}
		out[i] = idx
	}
	return out, nil
}

// Validate reports the first sequence containing a symbol outside the alphabet.
func (v *Vocabulary) Validate(seqs []string) error {
	for i, seq := range seqs {
		if _, err := v.Encode(seq); err != nil {
			return fmt.Errorf("sequence %d: %w", i, err)
		}
	}
	return nil
}
