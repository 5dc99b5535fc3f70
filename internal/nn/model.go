// Package nn implements the sequence model trained by evotuning: a
// multiplicative LSTM over symbol embeddings followed by a dense softmax
// projection onto the vocabulary.
package nn

import (
	"errors"
	"fmt"

	"evotune/internal/batch"
	"evotune/internal/model"
)

var (
	ErrLayerCount    = errors.New("the number of parameter layers must match the model layers")
	ErrShapeMismatch = errors.New("parameter shape mismatch")
)

// Model is the contract the training loop needs from a network: structural
// validation, initialization and a differentiable loss.
type Model interface {
	Layers() []string
	Validate(params model.Params) error
	Init(seed uint64) model.Params
	Predict(params model.Params, inputs *batch.Tensor3) (*batch.Tensor3, error)
	Loss(params model.Params, inputs, targets *batch.Tensor3) (float64, error)
	LossAndGrad(params model.Params, inputs, targets *batch.Tensor3) (float64, model.Params, error)
}

type ShapeError struct {
	Layer string
	Leaf  string
	Want  [2]int
	Got   [2]int
}

func (e *ShapeError) Error() string {
	if e.Got == [2]int{} {
		return fmt.Sprintf("%s: layer %s missing leaf %s (want %dx%d)", ErrShapeMismatch, e.Layer, e.Leaf, e.Want[0], e.Want[1])
	}
	return fmt.Sprintf("%s: layer %s leaf %s is %dx%d, want %dx%d", ErrShapeMismatch, e.Layer, e.Leaf, e.Got[0], e.Got[1], e.Want[0], e.Want[1])
}

func (e *ShapeError) Unwrap() error {
	return ErrShapeMismatch
}

func checkLayer(layer model.Layer, want map[string][2]int) error {
	for name, shape := range want {
		leaf, ok := layer.Leaves[name]
		if !ok {
			return &ShapeError{Layer: layer.Name, Leaf: name, Want: shape}
		}
		r, c := leaf.Dims()
		if r != shape[0] || c != shape[1] {
			return &ShapeError{Layer: layer.Name, Leaf: name, Want: shape, Got: [2]int{r, c}}
		}
	}
	if len(layer.Leaves) != len(want) {
		for name := range layer.Leaves {
			if _, ok := want[name]; !ok {
				return fmt.Errorf("%w: layer %s has unexpected leaf %s", ErrShapeMismatch, layer.Name, name)
			}
		}
	}
	return nil
}
