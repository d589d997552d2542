// Modul: model.go
// Beschreibung: GrooveTransformerEncoder - Encoder-only Transformer fuer Drum-Grooves
// Hauptstrukturen:
//   - Model: InputLayerEncoder -> Encoder -> OutputLayer
//   - Options: Hyperparameter aus der Modell-Konfiguration
//   - Forward: liefert hits (Logits), velocities (sigmoid) und offsets (tanh * 0.5)

package groove

import (
	"fmt"

	"github.com/neuralmidifx/grooveexport/ml"
	"github.com/neuralmidifx/grooveexport/model"
	"github.com/neuralmidifx/grooveexport/params"
)

// Architecture ist der Registrierungsname dieses Modells
const Architecture = "groove"

// Ausgabenamen des vollen Modells in Rueckgabereihenfolge
var OutputNames = []string{"hits", "velocities", "offsets"}

// Options enthaelt die Hyperparameter
type Options struct {
	dModel, numHeads, dimFF, numLayers int
	embeddingSize, maxLen              int
	eps                                float32
}

// Model ist der GrooveTransformerEncoder
type Model struct {
	model.Base

	InputLayer  *InputLayer  `torch:"InputLayerEncoder"`
	Encoder     *Encoder     `torch:"Encoder.Encoder"`
	OutputLayer *OutputLayer `torch:"OutputLayer"`

	Options
}

// New baut die leere Architektur fuer cfg. Die Gewichte setzt model.New.
func New(cfg params.ModelConfig) (model.Model, error) {
	cfg, err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	return &Model{
		Encoder: &Encoder{Layers: make([]EncoderLayer, cfg.NLayers)},
		Options: Options{
			dModel:        cfg.DModel,
			numHeads:      cfg.NHeads,
			dimFF:         cfg.DimFF,
			numLayers:     cfg.NLayers,
			embeddingSize: cfg.EmbeddingSize,
			maxLen:        cfg.MaxLen,
			eps:           1e-5,
		},
	}, nil
}

func init() {
	model.Register(Architecture, New)
}

// Parameters listet alle Tensoren in state_dict-Reihenfolge
func (m *Model) Parameters() []model.Parameter {
	d, ff, emb := m.dModel, m.dimFF, m.embeddingSize

	ps := []model.Parameter{
		{Name: "InputLayerEncoder.Linear.weight", Shape: []int{d, emb}},
		{Name: "InputLayerEncoder.Linear.bias", Shape: []int{d}},
		{Name: "InputLayerEncoder.PositionalEncoding.pe", Shape: []int{m.maxLen, 1, d}, Buffer: true, Optional: true},
	}

	for i := range m.numLayers {
		prefix := fmt.Sprintf("Encoder.Encoder.layers.%d.", i)
		ps = append(ps,
			model.Parameter{Name: prefix + "self_attn.in_proj_weight", Shape: []int{3 * d, d}},
			model.Parameter{Name: prefix + "self_attn.in_proj_bias", Shape: []int{3 * d}},
			model.Parameter{Name: prefix + "self_attn.out_proj.weight", Shape: []int{d, d}},
			model.Parameter{Name: prefix + "self_attn.out_proj.bias", Shape: []int{d}},
			model.Parameter{Name: prefix + "linear1.weight", Shape: []int{ff, d}},
			model.Parameter{Name: prefix + "linear1.bias", Shape: []int{ff}},
			model.Parameter{Name: prefix + "linear2.weight", Shape: []int{d, ff}},
			model.Parameter{Name: prefix + "linear2.bias", Shape: []int{d}},
			model.Parameter{Name: prefix + "norm1.weight", Shape: []int{d}},
			model.Parameter{Name: prefix + "norm1.bias", Shape: []int{d}},
			model.Parameter{Name: prefix + "norm2.weight", Shape: []int{d}},
			model.Parameter{Name: prefix + "norm2.bias", Shape: []int{d}},
		)
	}

	return append(ps,
		model.Parameter{Name: "Encoder.Encoder.norm.weight", Shape: []int{d}},
		model.Parameter{Name: "Encoder.Encoder.norm.bias", Shape: []int{d}},
		model.Parameter{Name: "OutputLayer.Linear.weight", Shape: []int{emb, d}},
		model.Parameter{Name: "OutputLayer.Linear.bias", Shape: []int{emb}},
	)
}

// Validate prueft, dass alle Pflicht-Module nach dem Laden vorhanden sind
func (m *Model) Validate() error {
	if m.InputLayer == nil || m.InputLayer.Linear == nil || m.Encoder == nil || m.OutputLayer == nil {
		return fmt.Errorf("%w: incomplete model", model.ErrStructure)
	}

	if len(m.Encoder.Layers) != m.numLayers {
		return fmt.Errorf("%w: expected %d encoder layers, got %d", model.ErrStructure, m.numLayers, len(m.Encoder.Layers))
	}

	return nil
}

// Forward berechnet das volle Modell fuer x mit Form (N, T, embedding_sz)
func (m *Model) Forward(ctx ml.Context, x ml.Tensor) ([]ml.Tensor, error) {
	if m.Training() {
		return nil, model.ErrTraining
	}

	if err := m.checkInput(x, m.embeddingSize); err != nil {
		return nil, err
	}

	h := m.InputLayer.Forward(ctx, x, &m.Options)
	h = m.Encoder.Forward(ctx, h, &m.Options)
	outputs := m.OutputLayer.Forward(ctx, h, &m.Options)

	for i, name := range OutputNames {
		outputs[i] = outputs[i].SetName(name)
	}

	return outputs, ctx.Err()
}

// checkInput prueft (N, T, width) mit T <= max_len
func (m *Model) checkInput(x ml.Tensor, width int) error {
	shape := x.Shape()
	if len(shape) != 3 || shape[2] != width || shape[1] < 1 || shape[1] > m.maxLen || shape[0] < 1 {
		return fmt.Errorf("input shape %v does not match (N, T<=%d, %d)", shape, m.maxLen, width)
	}
	return nil
}
