package nn

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}

// softmaxRows applies a numerically stable softmax to every row of logits in
// place.
func softmaxRows(logits *mat.Dense) {
	rows, _ := logits.Dims()
	for r := 0; r < rows; r++ {
		row := logits.RawRowView(r)
		maxV := floats.Max(row)
		for j, v := range row {
			row[j] = math.Exp(v - maxV)
		}
		floats.Scale(1/floats.Sum(row), row)
	}
}

// addRowVector adds the 1 x n vector bias to every row of dst.
func addRowVector(dst, bias *mat.Dense) {
	rows, _ := dst.Dims()
	b := bias.RawRowView(0)
	for r := 0; r < rows; r++ {
		floats.Add(dst.RawRowView(r), b)
	}
}

// addColumnSums accumulates the column sums of src into the 1 x n vector dst.
func addColumnSums(dst, src *mat.Dense) {
	rows, _ := src.Dims()
	d := dst.RawRowView(0)
	for r := 0; r < rows; r++ {
		floats.Add(d, src.RawRowView(r))
	}
}

// addProduct accumulates a*b into dst.
func addProduct(dst *mat.Dense, a, b mat.Matrix) {
	var tmp mat.Dense
	tmp.Mul(a, b)
	dst.Add(dst, &tmp)
}
