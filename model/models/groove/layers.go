// Modul: layers.go
// Beschreibung: Schichten des GrooveTransformerEncoder
// Hauptstrukturen:
//   - InputLayer: Linear + ReLU + Positionskodierung, (N, T, emb) -> (N, T, d)
//   - Encoder: TransformerEncoder mit finaler LayerNorm, (N, T, d) -> (N, T, d)
//   - EncoderLayer: Post-Norm Self-Attention + Feed-Forward, (T, N, d) -> (T, N, d)
//   - OutputLayer: Linear + Aufteilung in hits/velocities/offsets

package groove

import (
	"math"

	"github.com/neuralmidifx/grooveexport/ml"
	"github.com/neuralmidifx/grooveexport/ml/nn"
)

type InputLayer struct {
	Linear *nn.Linear `torch:"Linear"`

	// PositionalEncoding hat die Form (max_len, 1, d)
	PositionalEncoding ml.Tensor `torch:"PositionalEncoding.pe"`
}

func (l *InputLayer) Forward(ctx ml.Context, x ml.Tensor, opts *Options) ml.Tensor {
	steps := x.Dim(1)

	x = l.Linear.Forward(ctx, x).RELU(ctx)

	pe := l.PositionalEncoding
	if pe == nil {
		pe = ctx.FromFloats(positionalEncoding(opts.maxLen, opts.dModel), opts.maxLen, 1, opts.dModel)
	}

	// pe[:T] als (1, T, d) ueber den Batch broadcasten
	pe = pe.Slice(ctx, 0, 0, steps).Permute(ctx, 1, 0, 2)
	return x.Add(ctx, pe)
}

// positionalEncoding berechnet die sinusfoermige Kodierung in (max_len, 1, d)-Form
func positionalEncoding(maxLen, dModel int) []float32 {
	pe := make([]float32, maxLen*dModel)
	for pos := range maxLen {
		for i := 0; i < dModel; i += 2 {
			angle := float64(pos) * math.Exp(float64(i)*-math.Log(10000.0)/float64(dModel))
			pe[pos*dModel+i] = float32(math.Sin(angle))
			if i+1 < dModel {
				pe[pos*dModel+i+1] = float32(math.Cos(angle))
			}
		}
	}
	return pe
}

type Encoder struct {
	Layers []EncoderLayer `torch:"layers"`
	Norm   *nn.LayerNorm  `torch:"norm"`
}

// Forward erwartet (N, T, d) und arbeitet intern sequenz-zuerst
func (e *Encoder) Forward(ctx ml.Context, x ml.Tensor, opts *Options) ml.Tensor {
	x = x.Permute(ctx, 1, 0, 2)
	for i := range e.Layers {
		x = e.Layers[i].Forward(ctx, x, opts)
	}

	if e.Norm != nil {
		x = e.Norm.Forward(ctx, x, opts.eps)
	}

	return x.Permute(ctx, 1, 0, 2)
}

type EncoderLayer struct {
	SelfAttention *nn.MultiheadAttention `torch:"self_attn"`
	Linear1       *nn.Linear             `torch:"linear1"`
	Linear2       *nn.Linear             `torch:"linear2"`
	Norm1         *nn.LayerNorm          `torch:"norm1"`
	Norm2         *nn.LayerNorm          `torch:"norm2"`
}

// Forward: Post-Norm wie nn.TransformerEncoderLayer mit ReLU, Dropout ist im Eval-Modus die Identitaet
func (l *EncoderLayer) Forward(ctx ml.Context, x ml.Tensor, opts *Options) ml.Tensor {
	x = l.Norm1.Forward(ctx, x.Add(ctx, l.SelfAttention.Forward(ctx, x, opts.numHeads)), opts.eps)

	ff := l.Linear2.Forward(ctx, l.Linear1.Forward(ctx, x).RELU(ctx))
	return l.Norm2.Forward(ctx, x.Add(ctx, ff), opts.eps)
}

type OutputLayer struct {
	Linear *nn.Linear `torch:"Linear"`
}

// Forward liefert hits-Logits, velocities und offsets jeweils in (N, T, emb/3)
func (l *OutputLayer) Forward(ctx ml.Context, x ml.Tensor, opts *Options) []ml.Tensor {
	batch, steps := x.Dim(0), x.Dim(1)
	voices := opts.embeddingSize / 3

	y := l.Linear.Forward(ctx, x).Reshape(ctx, batch, steps, 3, voices)
	part := func(i int) ml.Tensor {
		return y.Slice(ctx, 2, i, i+1).Reshape(ctx, batch, steps, voices)
	}

	hits := part(0)
	velocities := part(1).Sigmoid(ctx)
	offsets := part(2).Tanh(ctx).Scale(ctx, 0.5)
	return []ml.Tensor{hits, velocities, offsets}
}
