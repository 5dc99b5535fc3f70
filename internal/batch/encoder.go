package batch

import (
	"errors"
	"fmt"
)

var (
	ErrNonUniformLength = errors.New("sequences should be of uniform length")
	ErrEmptyBatch       = errors.New("no sequences to encode")
	ErrSequenceTooShort = errors.New("sequence must have at least two symbols")
)

// Indexer maps a symbol to its vocabulary index.
type Indexer interface {
	Index(symbol byte) (int, error)
	Size() int
}

// Embedder looks up the embedding vector of a vocabulary index.
type Embedder interface {
	Width() int
	Vector(idx int) []float64
}

// Pair is one encoded length bucket. Inputs is [n, L-1, embed_dim] and
// Targets is [n, L-1, vocab_size].
type Pair struct {
	Inputs  *Tensor3
	Targets *Tensor3
}

// Size is the number of sequences in the pair.
func (p Pair) Size() int {
	n, _, _ := p.Inputs.Dims()
	return n
}

type Encoder struct {
	Vocab     Indexer
	Embedding Embedder
}

// Encode builds next-symbol training tensors for sequences of one length:
// inputs embed symbols[0..L-2], targets one-hot symbols[1..L-1].
func (e *Encoder) Encode(seqs []string) (Pair, error) {
	if len(seqs) == 0 {
		return Pair{}, ErrEmptyBatch
	}
	length := len(seqs[0])
	for i, seq := range seqs[1:] {
		if len(seq) != length {
			return Pair{}, fmt.Errorf("%w: sequence %d has length %d, sequence 0 has %d", ErrNonUniformLength, i+1, len(seq), length)
		}
	}
	if length < 2 {
		return Pair{}, fmt.Errorf("%w: got length %d", ErrSequenceTooShort, length)
	}

	steps := length - 1
	width := e.Embedding.Width()
	vocabSize := e.Vocab.Size()
	inputs := NewTensor3(len(seqs), steps, width)
	targets := NewTensor3(len(seqs), steps, vocabSize)

	for b, seq := range seqs {
		for s := 0; s < steps; s++ {
			cur, err := e.Vocab.Index(seq[s])
			if err != nil {
				return Pair{}, fmt.Errorf("sequence %d position %d: %w", b, s, err)
			}
			next, err := e.Vocab.Index(seq[s+1])
			if err != nil {
				return Pair{}, fmt.Errorf("sequence %d position %d: %w", b, s+1, err)
			}
			for w, value := range e.Embedding.Vector(cur) {
				inputs.Set(b, s, w, value)
			}
			targets.Set(b, s, next, 1)
		}
	}
	return Pair{Inputs: inputs, Targets: targets}, nil
}

// LengthBatches buckets seqs by length and encodes every bucket. The returned
// buckets hold the original indices behind each pair.
func (e *Encoder) LengthBatches(seqs []string) ([]Pair, [][]int, error) {
	buckets := ByLength(seqs)
	pairs := make([]Pair, 0, len(buckets))
	for _, idxs := range buckets {
		pair, err := e.Encode(Select(seqs, idxs))
		if err != nil {
			return nil, nil, err
		}
		pairs = append(pairs, pair)
	}
	return pairs, buckets, nil
}
