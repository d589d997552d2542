package nn

import "github.com/neuralmidifx/grooveexport/ml"

// Linear ist eine affine Abbildung y = x W^T + b mit W in (out, in)-Form
type Linear struct {
	Weight ml.Tensor `torch:"weight"`
	Bias   ml.Tensor `torch:"bias"`
}

func (m *Linear) Forward(ctx ml.Context, t ml.Tensor) ml.Tensor {
	t = t.Matmul(ctx, m.Weight.Permute(ctx, 1, 0))
	if m.Bias != nil {
		t = t.Add(ctx, m.Bias)
	}

	return t
}
