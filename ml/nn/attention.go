// attention.go - Multi-Head Self-Attention im PyTorch-Layout
// Erwartet Eingaben in (Sequenz, Batch, Modell)-Form wie nn.MultiheadAttention
// ohne batch_first.
package nn

import (
	"math"

	"github.com/neuralmidifx/grooveexport/ml"
)

// MultiheadAttention haelt die gepackte Q/K/V-Projektion und die Ausgabeprojektion
type MultiheadAttention struct {
	InProjWeight ml.Tensor `torch:"in_proj_weight"`
	InProjBias   ml.Tensor `torch:"in_proj_bias"`
	OutProj      *Linear   `torch:"out_proj"`
}

// Forward berechnet Self-Attention fuer x mit Form (T, N, d)
func (m *MultiheadAttention) Forward(ctx ml.Context, x ml.Tensor, numHeads int) ml.Tensor {
	seqLen, batch, dModel := x.Dim(0), x.Dim(1), x.Dim(2)
	headDim := dModel / numHeads

	qkv := x.Matmul(ctx, m.InProjWeight.Permute(ctx, 1, 0))
	if m.InProjBias != nil {
		qkv = qkv.Add(ctx, m.InProjBias)
	}

	// (T, N, d) -> (N*H, T, hd)
	heads := func(t ml.Tensor) ml.Tensor {
		return t.Reshape(ctx, seqLen, batch*numHeads, headDim).Permute(ctx, 1, 0, 2)
	}

	chunks := qkv.Chunk(ctx, 2, dModel)
	if len(chunks) != 3 {
		// Fehler steht bereits in ctx.Err()
		return qkv
	}

	query := heads(chunks[0]).Scale(ctx, 1/math.Sqrt(float64(headDim)))
	key := heads(chunks[1]).Permute(ctx, 0, 2, 1)
	value := heads(chunks[2])

	scores := query.Matmul(ctx, key).Softmax(ctx)
	attention := scores.Matmul(ctx, value)

	// (N*H, T, hd) -> (T, N, d)
	attention = attention.Permute(ctx, 1, 0, 2).Reshape(ctx, seqLen, batch, dModel)
	return m.OutProj.Forward(ctx, attention)
}
