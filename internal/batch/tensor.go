package batch

import "gonum.org/v1/gonum/mat"

// Tensor3 is a dense [batch, steps, width] tensor stored step-major so that
// each time step is a contiguous batch x width matrix.
type Tensor3 struct {
	batch, steps, width int
	data                []float64
}

func NewTensor3(batch, steps, width int) *Tensor3 {
	return &Tensor3{batch: batch, steps: steps, width: width, data: make([]float64, batch*steps*width)}
}

func (t *Tensor3) Dims() (batch, steps, width int) {
	return t.batch, t.steps, t.width
}

func (t *Tensor3) offset(b, s, w int) int {
	if b < 0 || b >= t.batch || s < 0 || s >= t.steps || w < 0 || w >= t.width {
		panic("batch: tensor index out of range")
	}
	return (s*t.batch+b)*t.width + w
}

func (t *Tensor3) At(b, s, w int) float64 {
	return t.data[t.offset(b, s, w)]
}

func (t *Tensor3) Set(b, s, w int, v float64) {
	t.data[t.offset(b, s, w)] = v
}

// Step returns the batch x width matrix for time step s. The matrix shares
// storage with the tensor.
func (t *Tensor3) Step(s int) *mat.Dense {
	size := t.batch * t.width
	return mat.NewDense(t.batch, t.width, t.data[s*size:(s+1)*size])
}
