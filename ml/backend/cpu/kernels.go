// kernels.go - Rechenkerne fuer float32-Tensoren
// Enthaelt: eval() Dispatch, Broadcasting, Matmul (gonum), Permute (tensor), Normalisierung

package cpu

import (
	"errors"
	"fmt"
	"slices"

	"github.com/chewxy/math32"
	"github.com/pdevine/tensor"
	"github.com/pdevine/tensor/native"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/neuralmidifx/grooveexport/ml"
)

var errShape = errors.New("shape mismatch")

func elements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// eval fuehrt eine einzelne Operation aus
func eval(op ml.Op, attrs ml.Attrs, ts ...*Tensor) ([]int, []float32, error) {
	if arity := op.Arity(); arity != len(ts) {
		return nil, nil, fmt.Errorf("expected %d inputs, got %d", arity, len(ts))
	}

	switch op {
	case ml.OpAdd:
		return binary(ts[0], ts[1], func(x, y float32) float32 { return x + y })
	case ml.OpMul:
		return binary(ts[0], ts[1], func(x, y float32) float32 { return x * y })
	case ml.OpMatmul:
		return matmul(ts[0], ts[1])
	case ml.OpScale:
		s := float32(attrs.Scale)
		return unary(ts[0], func(x float32) float32 { return x * s })
	case ml.OpRELU:
		return unary(ts[0], func(x float32) float32 { return max(x, 0) })
	case ml.OpSigmoid:
		return unary(ts[0], func(x float32) float32 { return 1 / (1 + math32.Exp(-x)) })
	case ml.OpTanh:
		return unary(ts[0], math32.Tanh)
	case ml.OpSoftmax:
		return softmax(ts[0])
	case ml.OpLayerNorm:
		return layerNorm(ts[0], ts[1], ts[2], attrs.Eps)
	case ml.OpReshape:
		return reshape(ts[0], attrs.Shape)
	case ml.OpPermute:
		return permute(ts[0], attrs.Order)
	case ml.OpSlice:
		return slice(ts[0], attrs.Dim, attrs.Low, attrs.High)
	default:
		return nil, nil, fmt.Errorf("unsupported op %q", op)
	}
}

func unary(t *Tensor, f func(float32) float32) ([]int, []float32, error) {
	out := make([]float32, len(t.data))
	for i, x := range t.data {
		out[i] = f(x)
	}
	return slices.Clone(t.shape), out, nil
}

// broadcastShape bestimmt die Ergebnisform nach NumPy-Regeln
func broadcastShape(a, b []int) ([]int, error) {
	n := max(len(a), len(b))
	shape := make([]int, n)
	for i := range n {
		da, db := 1, 1
		if j := len(a) - n + i; j >= 0 {
			da = a[j]
		}
		if j := len(b) - n + i; j >= 0 {
			db = b[j]
		}

		switch {
		case da == db, db == 1:
			shape[i] = da
		case da == 1:
			shape[i] = db
		default:
			return nil, fmt.Errorf("%w: cannot broadcast %v and %v", errShape, a, b)
		}
	}
	return shape, nil
}

// broadcastStrides gibt die Schrittweiten von s innerhalb von shape zurueck,
// gebroadcastete Dimensionen haben Schrittweite 0
func broadcastStrides(s, shape []int) []int {
	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		j := len(s) - len(shape) + i
		if j < 0 {
			continue
		}

		if s[j] != 1 || shape[i] == 1 {
			strides[i] = stride
		}
		stride *= s[j]
	}
	return strides
}

func binary(a, b *Tensor, f func(x, y float32) float32) ([]int, []float32, error) {
	if slices.Equal(a.shape, b.shape) {
		out := make([]float32, len(a.data))
		for i := range out {
			out[i] = f(a.data[i], b.data[i])
		}
		return slices.Clone(a.shape), out, nil
	}

	shape, err := broadcastShape(a.shape, b.shape)
	if err != nil {
		return nil, nil, err
	}

	sa, sb := broadcastStrides(a.shape, shape), broadcastStrides(b.shape, shape)
	out := make([]float32, elements(shape))
	idx := make([]int, len(shape))
	var ia, ib int
	for i := range out {
		out[i] = f(a.data[ia], b.data[ib])

		for d := len(shape) - 1; d >= 0; d-- {
			idx[d]++
			ia += sa[d]
			ib += sb[d]
			if idx[d] < shape[d] {
				break
			}

			ia -= sa[d] * shape[d]
			ib -= sb[d] * shape[d]
			idx[d] = 0
		}
	}

	return shape, out, nil
}

// matmul multipliziert die letzten beiden Dimensionen. Ein 2D-Operand b
// wird fuer alle Batches geteilt.
func matmul(a, b *Tensor) ([]int, []float32, error) {
	if len(a.shape) < 2 || len(b.shape) < 2 {
		return nil, nil, fmt.Errorf("%w: matmul needs at least 2 dimensions, got %v and %v", errShape, a.shape, b.shape)
	}

	m, k := a.shape[len(a.shape)-2], a.shape[len(a.shape)-1]
	k2, n := b.shape[len(b.shape)-2], b.shape[len(b.shape)-1]
	if k != k2 {
		return nil, nil, fmt.Errorf("%w: matmul %v x %v", errShape, a.shape, b.shape)
	}

	batch := a.shape[:len(a.shape)-2]
	shared := len(b.shape) == 2
	if !shared && !slices.Equal(batch, b.shape[:len(b.shape)-2]) {
		return nil, nil, fmt.Errorf("%w: matmul batch %v x %v", errShape, a.shape, b.shape)
	}

	batches := elements(batch)
	out := make([]float32, batches*m*n)
	if m == 0 || n == 0 || k == 0 {
		return append(slices.Clone(batch), m, n), out, nil
	}

	for i := range batches {
		boff := 0
		if !shared {
			boff = i * k * n
		}

		blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
			blas32.General{Rows: m, Cols: k, Stride: k, Data: a.data[i*m*k : (i+1)*m*k]},
			blas32.General{Rows: k, Cols: n, Stride: n, Data: b.data[boff : boff+k*n]},
			0,
			blas32.General{Rows: m, Cols: n, Stride: n, Data: out[i*m*n : (i+1)*m*n]},
		)
	}

	return append(slices.Clone(batch), m, n), out, nil
}

// softmax entlang der letzten Dimension
func softmax(t *Tensor) ([]int, []float32, error) {
	if len(t.shape) == 0 {
		return nil, nil, fmt.Errorf("%w: softmax of scalar", errShape)
	}

	n := t.shape[len(t.shape)-1]
	out := make([]float32, len(t.data))
	for row := 0; row+n <= len(t.data) && n > 0; row += n {
		x, y := t.data[row:row+n], out[row:row+n]

		m := slices.Max(x)
		var sum float32
		for i := range x {
			y[i] = math32.Exp(x[i] - m)
			sum += y[i]
		}
		for i := range y {
			y[i] /= sum
		}
	}
	return slices.Clone(t.shape), out, nil
}

// layerNorm normalisiert entlang der letzten Dimension (biased Varianz)
func layerNorm(t, weight, bias *Tensor, eps float32) ([]int, []float32, error) {
	if len(t.shape) == 0 {
		return nil, nil, fmt.Errorf("%w: layer norm of scalar", errShape)
	}

	n := t.shape[len(t.shape)-1]
	if !slices.Equal(weight.shape, []int{n}) || !slices.Equal(bias.shape, []int{n}) {
		return nil, nil, fmt.Errorf("%w: layer norm over %d with weight %v and bias %v", errShape, n, weight.shape, bias.shape)
	}

	out := make([]float32, len(t.data))
	for row := 0; row+n <= len(t.data) && n > 0; row += n {
		x, y := t.data[row:row+n], out[row:row+n]

		var mean float32
		for _, v := range x {
			mean += v
		}
		mean /= float32(n)

		var variance float32
		for _, v := range x {
			variance += (v - mean) * (v - mean)
		}
		variance /= float32(n)

		inv := 1 / math32.Sqrt(variance+eps)
		for i, v := range x {
			y[i] = (v-mean)*inv*weight.data[i] + bias.data[i]
		}
	}
	return slices.Clone(t.shape), out, nil
}

// reshape erlaubt genau eine Dimension -1
func reshape(t *Tensor, shape []int) ([]int, []float32, error) {
	shape = slices.Clone(shape)
	infer := -1
	known := 1
	for i, d := range shape {
		switch {
		case d == -1 && infer < 0:
			infer = i
		case d < 0:
			return nil, nil, fmt.Errorf("%w: invalid reshape %v", errShape, shape)
		default:
			known *= d
		}
	}

	if infer >= 0 {
		if known == 0 || len(t.data)%known != 0 {
			return nil, nil, fmt.Errorf("%w: cannot reshape %v to %v", errShape, t.shape, shape)
		}
		shape[infer] = len(t.data) / known
	}

	if elements(shape) != len(t.data) {
		return nil, nil, fmt.Errorf("%w: cannot reshape %v to %v", errShape, t.shape, shape)
	}

	return shape, slices.Clone(t.data), nil
}

// permute vertauscht Dimensionen und liefert zusammenhaengende Daten
func permute(t *Tensor, order []int) ([]int, []float32, error) {
	if len(order) != len(t.shape) {
		return nil, nil, fmt.Errorf("%w: permute %v with order %v", errShape, t.shape, order)
	}

	shape := make([]int, len(order))
	seen := make([]bool, len(order))
	for i, o := range order {
		if o < 0 || o >= len(order) || seen[o] {
			return nil, nil, fmt.Errorf("%w: invalid permutation %v", errShape, order)
		}
		seen[o] = true
		shape[i] = t.shape[o]
	}

	// Dimensionen der Groesse 1 aendern die Speicherreihenfolge nicht
	var moved []int
	for _, o := range order {
		if t.shape[o] != 1 {
			moved = append(moved, o)
		}
	}

	if slices.IsSorted(moved) {
		return shape, slices.Clone(t.data), nil
	}

	n := tensor.New(tensor.WithShape(t.shape...), tensor.WithBacking(slices.Clone(t.data)))
	if err := n.T(order...); err != nil {
		return nil, nil, err
	}

	if err := n.Transpose(); err != nil {
		return nil, nil, err
	}

	ts, err := native.SelectF32(n, 1)
	if err != nil {
		return nil, nil, err
	}

	out := make([]float32, 0, len(t.data))
	for _, row := range ts {
		out = append(out, row...)
	}

	return shape, out, nil
}

// slice schneidet [low, high) entlang dim aus
func slice(t *Tensor, dim, low, high int) ([]int, []float32, error) {
	if dim < 0 {
		dim += len(t.shape)
	}

	if dim < 0 || dim >= len(t.shape) || low < 0 || high > t.shape[dim] || low > high {
		return nil, nil, fmt.Errorf("%w: slice [%d:%d] of dim %d in %v", errShape, low, high, dim, t.shape)
	}

	outer := elements(t.shape[:dim])
	inner := elements(t.shape[dim+1:])

	shape := slices.Clone(t.shape)
	shape[dim] = high - low

	out := make([]float32, 0, outer*(high-low)*inner)
	for o := range outer {
		base := o * t.shape[dim] * inner
		out = append(out, t.data[base+low*inner:base+high*inner]...)
	}

	return shape, out, nil
}
