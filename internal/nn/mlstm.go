package nn

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"evotune/internal/batch"
	"evotune/internal/model"
)

const (
	LayerMLSTM = "mlstm"
	LayerDense = "dense"
)

// MLSTM is a multiplicative LSTM with a per-position dense softmax head.
//
//	m = (x Wmx) * (h Wmh)
//	i, f, o, u = split(x Wx + m Wh + b)
//	c' = sigmoid(f) * c + sigmoid(i) * tanh(u)
//	h' = sigmoid(o) * tanh(c')
//	p = softmax(h' W + b)
type MLSTM struct {
	EmbedDim int
	Hidden   int
	Vocab    int
}

func NewMLSTM(embedDim, hidden, vocab int) (*MLSTM, error) {
	if embedDim <= 0 || hidden <= 0 || vocab <= 0 {
		return nil, errors.New("mlstm dimensions must be > 0")
	}
	return &MLSTM{EmbedDim: embedDim, Hidden: hidden, Vocab: vocab}, nil
}

func (m *MLSTM) Layers() []string {
	return []string{LayerMLSTM, LayerDense}
}

func (m *MLSTM) cellShapes() map[string][2]int {
	e, h := m.EmbedDim, m.Hidden
	return map[string][2]int{
		"wmx": {e, h},
		"wmh": {h, h},
		"wx":  {e, 4 * h},
		"wh":  {h, 4 * h},
		"b":   {1, 4 * h},
	}
}

func (m *MLSTM) denseShapes() map[string][2]int {
	return map[string][2]int{
		"w": {m.Hidden, m.Vocab},
		"b": {1, m.Vocab},
	}
}

// ValidateCell checks the recurrent layer against the cell's shape signature.
func (m *MLSTM) ValidateCell(layer model.Layer) error {
	return checkLayer(layer, m.cellShapes())
}

func (m *MLSTM) Validate(params model.Params) error {
	if len(params) != len(m.Layers()) {
		return fmt.Errorf("%w: got %d, want %d", ErrLayerCount, len(params), len(m.Layers()))
	}
	if err := m.ValidateCell(params[0]); err != nil {
		return err
	}
	return checkLayer(params[1], m.denseShapes())
}

// Init draws Glorot-uniform weights and zero biases.
func (m *MLSTM) Init(seed uint64) model.Params {
	src := rand.NewPCG(seed, seed+1)
	build := func(name string, shapes map[string][2]int) model.Layer {
		layer := model.Layer{Name: name, Leaves: make(map[string]*mat.Dense, len(shapes))}
		for _, leaf := range sortedKeys(shapes) {
			shape := shapes[leaf]
			d := mat.NewDense(shape[0], shape[1], nil)
			if shape[0] > 1 {
				limit := math.Sqrt(6 / float64(shape[0]+shape[1]))
				dist := distuv.Uniform{Min: -limit, Max: limit, Src: src}
				raw := d.RawMatrix().Data
				for i := range raw {
					raw[i] = dist.Rand()
				}
			}
			layer.Leaves[leaf] = d
		}
		return layer
	}
	return model.Params{
		build(LayerMLSTM, m.cellShapes()),
		build(LayerDense, m.denseShapes()),
	}
}

type stepCache struct {
	x, hPrev, cPrev *mat.Dense
	mx, mh, m       *mat.Dense
	i, f, o, u      *mat.Dense
	tc, h, p        *mat.Dense
}

func (m *MLSTM) checkInputs(inputs *batch.Tensor3) error {
	_, steps, width := inputs.Dims()
	if width != m.EmbedDim {
		return fmt.Errorf("%w: input width %d, want %d", ErrShapeMismatch, width, m.EmbedDim)
	}
	if steps == 0 {
		return errors.New("inputs have no time steps")
	}
	return nil
}

func (m *MLSTM) forward(params model.Params, inputs *batch.Tensor3) ([]stepCache, error) {
	if err := m.Validate(params); err != nil {
		return nil, err
	}
	if err := m.checkInputs(inputs); err != nil {
		return nil, err
	}
	cell, head := params[0].Leaves, params[1].Leaves
	n, steps, _ := inputs.Dims()
	hid := m.Hidden

	h := mat.NewDense(n, hid, nil)
	c := mat.NewDense(n, hid, nil)
	caches := make([]stepCache, steps)
	for s := 0; s < steps; s++ {
		x := inputs.Step(s)
		sc := stepCache{x: x, hPrev: h, cPrev: c}

		sc.mx = new(mat.Dense)
		sc.mx.Mul(x, cell["wmx"])
		sc.mh = new(mat.Dense)
		sc.mh.Mul(h, cell["wmh"])
		sc.m = new(mat.Dense)
		sc.m.MulElem(sc.mx, sc.mh)

		var z mat.Dense
		z.Mul(x, cell["wx"])
		addProduct(&z, sc.m, cell["wh"])
		addRowVector(&z, cell["b"])

		sc.i = mat.NewDense(n, hid, nil)
		sc.f = mat.NewDense(n, hid, nil)
		sc.o = mat.NewDense(n, hid, nil)
		sc.u = mat.NewDense(n, hid, nil)
		sc.tc = mat.NewDense(n, hid, nil)
		sc.h = mat.NewDense(n, hid, nil)
		next := mat.NewDense(n, hid, nil)
		for r := 0; r < n; r++ {
			zr := z.RawRowView(r)
			ir, fr, or, ur := sc.i.RawRowView(r), sc.f.RawRowView(r), sc.o.RawRowView(r), sc.u.RawRowView(r)
			cp, cr, tr, hr := c.RawRowView(r), next.RawRowView(r), sc.tc.RawRowView(r), sc.h.RawRowView(r)
			for j := 0; j < hid; j++ {
				ir[j] = sigmoid(zr[j])
				fr[j] = sigmoid(zr[hid+j])
				or[j] = sigmoid(zr[2*hid+j])
				ur[j] = math.Tanh(zr[3*hid+j])
				cr[j] = fr[j]*cp[j] + ir[j]*ur[j]
				tr[j] = math.Tanh(cr[j])
				hr[j] = or[j] * tr[j]
			}
		}

		sc.p = new(mat.Dense)
		sc.p.Mul(sc.h, head["w"])
		addRowVector(sc.p, head["b"])
		softmaxRows(sc.p)

		caches[s] = sc
		h, c = sc.h, next
	}
	return caches, nil
}

// Predict returns per-position symbol probabilities, shaped [n, steps, vocab].
func (m *MLSTM) Predict(params model.Params, inputs *batch.Tensor3) (*batch.Tensor3, error) {
	caches, err := m.forward(params, inputs)
	if err != nil {
		return nil, err
	}
	n, steps, _ := inputs.Dims()
	out := batch.NewTensor3(n, steps, m.Vocab)
	for s, sc := range caches {
		out.Step(s).Copy(sc.p)
	}
	return out, nil
}

func (m *MLSTM) Loss(params model.Params, inputs, targets *batch.Tensor3) (float64, error) {
	pred, err := m.Predict(params, inputs)
	if err != nil {
		return 0, err
	}
	return NegCrossEntropy(targets, pred)
}

// LossAndGrad runs the forward pass and backpropagates through time.
func (m *MLSTM) LossAndGrad(params model.Params, inputs, targets *batch.Tensor3) (float64, model.Params, error) {
	caches, err := m.forward(params, inputs)
	if err != nil {
		return 0, nil, err
	}
	n, steps, _ := inputs.Dims()
	if tn, ts, tw := targets.Dims(); tn != n || ts != steps || tw != m.Vocab {
		return 0, nil, fmt.Errorf("%w: targets %dx%dx%d", ErrShapeMismatch, tn, ts, tw)
	}
	cell, head := params[0].Leaves, params[1].Leaves
	grads := params.ZerosLike()
	gCell, gHead := grads[0].Leaves, grads[1].Leaves
	hid := m.Hidden
	norm := float64(n * steps)

	loss := 0.0
	dhNext := mat.NewDense(n, hid, nil)
	dcNext := mat.NewDense(n, hid, nil)
	for s := steps - 1; s >= 0; s-- {
		sc := caches[s]
		y := targets.Step(s)
		loss += stepCrossEntropy(y, sc.p)

		dLogits := crossEntropyLogitGrad(sc.p, y, norm)
		addProduct(gHead["w"], sc.h.T(), dLogits)
		addColumnSums(gHead["b"], dLogits)

		var dh mat.Dense
		dh.Mul(dLogits, head["w"].T())
		dh.Add(&dh, dhNext)

		dz := mat.NewDense(n, 4*hid, nil)
		dcPrev := mat.NewDense(n, hid, nil)
		for r := 0; r < n; r++ {
			dhr, dcr := dh.RawRowView(r), dcNext.RawRowView(r)
			ir, fr, or, ur := sc.i.RawRowView(r), sc.f.RawRowView(r), sc.o.RawRowView(r), sc.u.RawRowView(r)
			tr, cp := sc.tc.RawRowView(r), sc.cPrev.RawRowView(r)
			dzr, dcp := dz.RawRowView(r), dcPrev.RawRowView(r)
			for j := 0; j < hid; j++ {
				dc := dcr[j] + dhr[j]*or[j]*(1-tr[j]*tr[j])
				do := dhr[j] * tr[j]
				di := dc * ur[j]
				df := dc * cp[j]
				du := dc * ir[j]
				dcp[j] = dc * fr[j]
				dzr[j] = di * ir[j] * (1 - ir[j])
				dzr[hid+j] = df * fr[j] * (1 - fr[j])
				dzr[2*hid+j] = do * or[j] * (1 - or[j])
				dzr[3*hid+j] = du * (1 - ur[j]*ur[j])
			}
		}

		addProduct(gCell["wx"], sc.x.T(), dz)
		addProduct(gCell["wh"], sc.m.T(), dz)
		addColumnSums(gCell["b"], dz)

		var dm mat.Dense
		dm.Mul(dz, cell["wh"].T())
		var dmx, dmh mat.Dense
		dmx.MulElem(&dm, sc.mh)
		dmh.MulElem(&dm, sc.mx)
		addProduct(gCell["wmx"], sc.x.T(), &dmx)
		addProduct(gCell["wmh"], sc.hPrev.T(), &dmh)

		dhNext = new(mat.Dense)
		dhNext.Mul(&dmh, cell["wmh"].T())
		dcNext = dcPrev
	}
	return loss / norm, grads, nil
}

func sortedKeys(shapes map[string][2]int) []string {
	keys := make([]string, 0, len(shapes))
	for k := range shapes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
