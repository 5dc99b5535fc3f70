// Package optim implements adaptive-moment optimizers as pure functions over
// an explicit optimizer state. Update never mutates its input state.
package optim

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"evotune/internal/model"
)

// Optimizer advances an explicit State by one gradient step.
type Optimizer interface {
	Name() string
	Init(params model.Params) State
	Update(state State, grads model.Params) (State, error)
}

// Slot is the per-leaf optimizer bookkeeping.
type Slot struct {
	Value *mat.Dense
	M     *mat.Dense
	V     *mat.Dense
}

type LayerState struct {
	Name  string
	Slots map[string]Slot
}

// State mirrors the ParameterSet tree leaf for leaf and carries the global
// step counter used for bias correction.
type State struct {
	Step   int
	Layers []LayerState
}

func newState(params model.Params) State {
	layers := make([]LayerState, len(params))
	for i, layer := range params {
		slots := make(map[string]Slot, len(layer.Leaves))
		for name, leaf := range layer.Leaves {
			r, c := leaf.Dims()
			slots[name] = Slot{
				Value: mat.DenseCopyOf(leaf),
				M:     mat.NewDense(r, c, nil),
				V:     mat.NewDense(r, c, nil),
			}
		}
		layers[i] = LayerState{Name: layer.Name, Slots: slots}
	}
	return State{Layers: layers}
}

// Params returns the current parameter values. The leaves are shared with the
// state and must be treated as read-only; Clone them before mutating.
func (s State) Params() model.Params {
	out := make(model.Params, len(s.Layers))
	for i, layer := range s.Layers {
		leaves := make(map[string]*mat.Dense, len(layer.Slots))
		for name, slot := range layer.Slots {
			leaves[name] = slot.Value
		}
		out[i] = model.Layer{Name: layer.Name, Leaves: leaves}
	}
	return out
}

type leafUpdate func(step int, value, m, v, g []float64) (newValue, newM, newV []float64)

// apply walks state and grads in lockstep, producing a fresh State.
func apply(state State, grads model.Params, fn leafUpdate) (State, error) {
	current := state.Params()
	next := State{Step: state.Step + 1, Layers: make([]LayerState, len(state.Layers))}
	for i, layer := range state.Layers {
		next.Layers[i] = LayerState{Name: layer.Name, Slots: make(map[string]Slot, len(layer.Slots))}
	}
	err := current.Zip(grads, func(li int, name string, _, g *mat.Dense) error {
		slot := state.Layers[li].Slots[name]
		r, c := slot.Value.Dims()
		value, m, v := fn(next.Step, slot.Value.RawMatrix().Data, slot.M.RawMatrix().Data, slot.V.RawMatrix().Data, mat.DenseCopyOf(g).RawMatrix().Data)
		next.Layers[li].Slots[name] = Slot{
			Value: mat.NewDense(r, c, value),
			M:     mat.NewDense(r, c, m),
			V:     mat.NewDense(r, c, v),
		}
		return nil
	})
	if err != nil {
		return State{}, fmt.Errorf("optimizer update: %w", err)
	}
	return next, nil
}
