package model

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
)

var ErrStructureMismatch = errors.New("parameter structure mismatch")

// Layer holds the named leaves of one trainable layer. Layers without
// trainable weights carry an empty leaf map.
type Layer struct {
	Name   string
	Leaves map[string]*mat.Dense
}

// Params is a ParameterSet: one Layer per model layer, in model order.
type Params []Layer

func (l Layer) LeafNames() []string {
	names := make([]string, 0, len(l.Leaves))
	for name := range l.Leaves {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (p Params) Clone() Params {
	if p == nil {
		return nil
	}
	out := make(Params, len(p))
	for i, layer := range p {
		leaves := make(map[string]*mat.Dense, len(layer.Leaves))
		for name, leaf := range layer.Leaves {
			leaves[name] = mat.DenseCopyOf(leaf)
		}
		out[i] = Layer{Name: layer.Name, Leaves: leaves}
	}
	return out
}

// ZerosLike returns a ParameterSet with the same structure and all-zero leaves.
func (p Params) ZerosLike() Params {
	out := make(Params, len(p))
	for i, layer := range p {
		leaves := make(map[string]*mat.Dense, len(layer.Leaves))
		for name, leaf := range layer.Leaves {
			r, c := leaf.Dims()
			leaves[name] = mat.NewDense(r, c, nil)
		}
		out[i] = Layer{Name: layer.Name, Leaves: leaves}
	}
	return out
}

func (p Params) LeafCount() int {
	n := 0
	for _, layer := range p {
		n += len(layer.Leaves)
	}
	return n
}

// Size returns the total number of scalar parameters.
func (p Params) Size() int {
	n := 0
	for _, layer := range p {
		for _, leaf := range layer.Leaves {
			r, c := leaf.Dims()
			n += r * c
		}
	}
	return n
}

// Zip calls fn for every leaf of p paired with the matching leaf of other.
// Leaves are visited in layer order and sorted leaf-name order.
func (p Params) Zip(other Params, fn func(layer int, name string, a, b *mat.Dense) error) error {
	if len(p) != len(other) {
		return fmt.Errorf("%w: %d layers vs %d", ErrStructureMismatch, len(p), len(other))
	}
	for i, layer := range p {
		peer := other[i]
		if len(layer.Leaves) != len(peer.Leaves) {
			return fmt.Errorf("%w: layer %d (%s) has %d leaves vs %d", ErrStructureMismatch, i, layer.Name, len(layer.Leaves), len(peer.Leaves))
		}
		for _, name := range layer.LeafNames() {
			a := layer.Leaves[name]
			b, ok := peer.Leaves[name]
			if !ok {
				return fmt.Errorf("%w: layer %d (%s) missing leaf %q", ErrStructureMismatch, i, layer.Name, name)
			}
			ar, ac := a.Dims()
			br, bc := b.Dims()
			if ar != br || ac != bc {
				return fmt.Errorf("%w: layer %d (%s) leaf %q is %dx%d vs %dx%d", ErrStructureMismatch, i, layer.Name, name, ar, ac, br, bc)
			}
			if err := fn(i, name, a, b); err != nil {
				return err
			}
		}
	}
	return nil
}

// MaxAbsDiff reports the largest elementwise difference between two
// structurally identical ParameterSets.
func (p Params) MaxAbsDiff(other Params) (float64, error) {
	maxDiff := 0.0
	err := p.Zip(other, func(_ int, _ string, a, b *mat.Dense) error {
		r, c := a.Dims()
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				if d := math.Abs(a.At(i, j) - b.At(i, j)); d > maxDiff {
					maxDiff = d
				}
			}
		}
		return nil
	})
	return maxDiff, err
}

func (p Params) Record() ParamsRecord {
	out := ParamsRecord{Layers: make([]LayerRecord, 0, len(p))}
	for _, layer := range p {
		lr := LayerRecord{Name: layer.Name, Leaves: make([]LeafRecord, 0, len(layer.Leaves))}
		for _, name := range layer.LeafNames() {
			leaf := layer.Leaves[name]
			r, c := leaf.Dims()
			data := make([]float64, 0, r*c)
			for i := 0; i < r; i++ {
				data = append(data, leaf.RawRowView(i)...)
			}
			lr.Leaves = append(lr.Leaves, LeafRecord{Name: name, Rows: r, Cols: c, Data: data})
		}
		out.Layers = append(out.Layers, lr)
	}
	return out
}

func ParamsFromRecord(rec ParamsRecord) (Params, error) {
	out := make(Params, 0, len(rec.Layers))
	for _, lr := range rec.Layers {
		leaves := make(map[string]*mat.Dense, len(lr.Leaves))
		for _, leaf := range lr.Leaves {
			if leaf.Rows <= 0 || leaf.Cols <= 0 || len(leaf.Data) != leaf.Rows*leaf.Cols {
				return nil, fmt.Errorf("%w: leaf %s/%s has %d values for %dx%d", ErrStructureMismatch, lr.Name, leaf.Name, len(leaf.Data), leaf.Rows, leaf.Cols)
			}
			if _, dup := leaves[leaf.Name]; dup {
				return nil, fmt.Errorf("%w: duplicate leaf %s/%s", ErrStructureMismatch, lr.Name, leaf.Name)
			}
			leaves[leaf.Name] = mat.NewDense(leaf.Rows, leaf.Cols, append([]float64(nil), leaf.Data...))
		}
		out = append(out, Layer{Name: lr.Name, Leaves: leaves})
	}
	return out, nil
}
