// tensor.go - Tensor-Struktur und Operationen
// Enthaelt: Tensor struct, Shape, Floats, alle ml.Tensor Operationen

package cpu

import (
	"log/slog"
	"slices"

	"github.com/neuralmidifx/grooveexport/ml"
)

// Tensor ist ein dichter float32-Tensor in Row-Major-Reihenfolge
type Tensor struct {
	name  string
	shape []int
	data  []float32

	// param markiert Gewichte und daraus gefaltete Konstanten
	param bool
}

// LogValue gibt den Tensor als slog-Wert zurueck
func (t *Tensor) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("name", t.name),
		slog.Any("shape", t.shape),
		slog.Bool("const", t.param),
	)
}

func (t *Tensor) Name() string {
	return t.name
}

// SetName benennt den Tensor, z.B. fuer benannte Graph-Ausgaben
func (t *Tensor) SetName(name string) ml.Tensor {
	t.name = name
	return t
}

// Dim gibt die Groesse einer Dimension zurueck, negative Indizes zaehlen von hinten
func (t *Tensor) Dim(n int) int {
	if n < 0 {
		n += len(t.shape)
	}
	if n < 0 || n >= len(t.shape) {
		return 0
	}
	return t.shape[n]
}

func (t *Tensor) Shape() []int {
	return slices.Clone(t.shape)
}

// Floats gibt eine Kopie der Daten zurueck
func (t *Tensor) Floats() []float32 {
	return slices.Clone(t.data)
}

func (t *Tensor) Add(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return ctx.(*Context).apply(ml.OpAdd, ml.Attrs{}, t, t2)
}

func (t *Tensor) Mul(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return ctx.(*Context).apply(ml.OpMul, ml.Attrs{}, t, t2)
}

func (t *Tensor) Matmul(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return ctx.(*Context).apply(ml.OpMatmul, ml.Attrs{}, t, t2)
}

func (t *Tensor) Scale(ctx ml.Context, s float64) ml.Tensor {
	return ctx.(*Context).apply(ml.OpScale, ml.Attrs{Scale: s}, t)
}

func (t *Tensor) Softmax(ctx ml.Context) ml.Tensor {
	return ctx.(*Context).apply(ml.OpSoftmax, ml.Attrs{}, t)
}

func (t *Tensor) LayerNorm(ctx ml.Context, weight, bias ml.Tensor, eps float32) ml.Tensor {
	return ctx.(*Context).apply(ml.OpLayerNorm, ml.Attrs{Eps: eps}, t, weight, bias)
}

func (t *Tensor) RELU(ctx ml.Context) ml.Tensor {
	return ctx.(*Context).apply(ml.OpRELU, ml.Attrs{}, t)
}

func (t *Tensor) Sigmoid(ctx ml.Context) ml.Tensor {
	return ctx.(*Context).apply(ml.OpSigmoid, ml.Attrs{}, t)
}

func (t *Tensor) Tanh(ctx ml.Context) ml.Tensor {
	return ctx.(*Context).apply(ml.OpTanh, ml.Attrs{}, t)
}

func (t *Tensor) Reshape(ctx ml.Context, shape ...int) ml.Tensor {
	return ctx.(*Context).apply(ml.OpReshape, ml.Attrs{Shape: slices.Clone(shape)}, t)
}

func (t *Tensor) Permute(ctx ml.Context, order ...int) ml.Tensor {
	return ctx.(*Context).apply(ml.OpPermute, ml.Attrs{Order: slices.Clone(order)}, t)
}

// Slice schneidet [low, high) entlang dim aus
func (t *Tensor) Slice(ctx ml.Context, dim, low, high int) ml.Tensor {
	if dim < 0 {
		dim += len(t.shape)
	}
	return ctx.(*Context).apply(ml.OpSlice, ml.Attrs{Dim: dim, Low: low, High: high}, t)
}

// Chunk teilt den Tensor entlang dim in Stuecke der Groesse size
func (t *Tensor) Chunk(ctx ml.Context, dim, size int) []ml.Tensor {
	d := t.Dim(dim)
	if size <= 0 {
		size = d
	}

	var chunks []ml.Tensor
	for low := 0; low < d; low += size {
		chunks = append(chunks, t.Slice(ctx, dim, low, min(low+size, d)))
	}
	return chunks
}
