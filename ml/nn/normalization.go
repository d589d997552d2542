package nn

import "github.com/neuralmidifx/grooveexport/ml"

// LayerNorm normalisiert ueber die letzte Dimension
type LayerNorm struct {
	Weight ml.Tensor `torch:"weight"`
	Bias   ml.Tensor `torch:"bias"`
}

func (m *LayerNorm) Forward(ctx ml.Context, t ml.Tensor, eps float32) ml.Tensor {
	return t.LayerNorm(ctx, m.Weight, m.Bias, eps)
}
