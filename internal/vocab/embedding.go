package vocab

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"os"

	"gonum.org/v1/gonum/stat/distuv"
)

// DefaultEmbedDim is the width of the pretrained amino-acid embedding.
const DefaultEmbedDim = 10

var ErrEmbeddingShape = errors.New("embedding table shape mismatch")

// Embedding is a dense lookup table with one row per vocabulary index.
type Embedding struct {
	Dim     int         `json:"dim"`
	Vectors [][]float64 `json:"vectors"`
}

// NewSeededEmbedding draws a table from N(0, 1/dim) with a fixed seed so that
// runs without a pretrained table stay reproducible.
func NewSeededEmbedding(size, dim int, seed uint64) *Embedding {
	dist := distuv.Normal{Mu: 0, Sigma: 1 / math.Sqrt(float64(dim)), Src: rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)}
	vectors := make([][]float64, size)
	for i := range vectors {
		row := make([]float64, dim)
		for j := range row {
			row[j] = dist.Rand()
		}
		vectors[i] = row
	}
	return &Embedding{Dim: dim, Vectors: vectors}
}

// LoadEmbedding reads a JSON table and checks it covers the vocabulary.
func LoadEmbedding(path string, size int) (*Embedding, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var table Embedding
	if err := json.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("decode embedding %s: %w", path, err)
	}
	if err := table.check(size); err != nil {
		return nil, fmt.Errorf("embedding %s: %w", path, err)
	}
	return &table, nil
}

func (e *Embedding) check(size int) error {
	if e.Dim <= 0 {
		return fmt.Errorf("%w: dim must be > 0", ErrEmbeddingShape)
	}
	if len(e.Vectors) != size {
		return fmt.Errorf("%w: %d rows for vocabulary of %d", ErrEmbeddingShape, len(e.Vectors), size)
	}
	for i, row := range e.Vectors {
		if len(row) != e.Dim {
			return fmt.Errorf("%w: row %d has width %d, want %d", ErrEmbeddingShape, i, len(row), e.Dim)
		}
	}
	return nil
}

func (e *Embedding) Width() int {
	return e.Dim
}

func (e *Embedding) Vector(idx int) []float64 {
	return e.Vectors[idx]
}
