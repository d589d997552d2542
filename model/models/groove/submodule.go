// Modul: submodule.go
// Beschreibung: Register der einzeln exportierbaren Teilmodule
// Namen folgen den PyTorch-Modulpfaden: input_layer, encoder, encoder.layers.N, output_layer

package groove

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/neuralmidifx/grooveexport/ml"
	"github.com/neuralmidifx/grooveexport/model"
)

// DefaultSubmodule ist die erste Encoder-Schicht
const DefaultSubmodule = "encoder.layers.0"

// Submodules listet alle exportierbaren Teilmodule in Modellreihenfolge
func (m *Model) Submodules() []string {
	names := []string{"input_layer", "encoder"}
	for i := range m.numLayers {
		names = append(names, "encoder.layers."+strconv.Itoa(i))
	}
	return append(names, "output_layer")
}

// Submodule gibt das benannte Teilmodul mit Beispiel-Form und Tensor-Namen zurueck
func (m *Model) Submodule(name string) (*model.Submodule, error) {
	if err := model.LookupSubmodule(m.Submodules(), name); err != nil {
		return nil, err
	}

	guard := func(width int, f func(ml.Context, ml.Tensor) []ml.Tensor) func(ml.Context, ml.Tensor) ([]ml.Tensor, error) {
		return func(ctx ml.Context, x ml.Tensor) ([]ml.Tensor, error) {
			if m.Training() {
				return nil, model.ErrTraining
			}

			if err := m.checkSequenceInput(name, x, width); err != nil {
				return nil, err
			}

			return f(ctx, x), ctx.Err()
		}
	}

	switch {
	case name == "input_layer":
		return &model.Submodule{
			Name:     name,
			Artifact: "input_layer",
			Input:    "input_layer_in",
			Outputs:  []string{"input_layer_out"},
			Shape:    []int{1, m.maxLen, m.embeddingSize},
			Forward: guard(m.embeddingSize, func(ctx ml.Context, x ml.Tensor) []ml.Tensor {
				return []ml.Tensor{m.InputLayer.Forward(ctx, x, &m.Options).SetName("input_layer_out")}
			}),
		}, nil
	case name == "encoder":
		return &model.Submodule{
			Name:     name,
			Artifact: "encoder",
			Input:    "encoder_in",
			Outputs:  []string{"encoder_out"},
			Shape:    []int{1, m.maxLen, m.dModel},
			Forward: guard(m.dModel, func(ctx ml.Context, x ml.Tensor) []ml.Tensor {
				return []ml.Tensor{m.Encoder.Forward(ctx, x, &m.Options).SetName("encoder_out")}
			}),
		}, nil
	case strings.HasPrefix(name, "encoder.layers."):
		i, err := strconv.Atoi(strings.TrimPrefix(name, "encoder.layers."))
		if err != nil {
			return nil, fmt.Errorf("%w %q", model.ErrUnknownSubmodule, name)
		}

		layer := &m.Encoder.Layers[i]
		return &model.Submodule{
			Name:     name,
			Artifact: "encoder",
			Input:    "encoder_in",
			Outputs:  []string{"encoder_out"},
			Shape:    []int{m.maxLen, 1, m.dModel},
			Forward: guard(m.dModel, func(ctx ml.Context, x ml.Tensor) []ml.Tensor {
				return []ml.Tensor{layer.Forward(ctx, x, &m.Options).SetName("encoder_out")}
			}),
		}, nil
	default:
		return &model.Submodule{
			Name:     name,
			Artifact: "output_layer",
			Input:    "output_layer_in",
			Outputs:  OutputNames,
			Shape:    []int{1, m.maxLen, m.dModel},
			Forward: guard(m.dModel, func(ctx ml.Context, x ml.Tensor) []ml.Tensor {
				outputs := m.OutputLayer.Forward(ctx, x, &m.Options)
				for i, name := range OutputNames {
					outputs[i] = outputs[i].SetName(name)
				}
				return outputs
			}),
		}, nil
	}
}

// checkSequenceInput prueft eine Eingabe mit drei Dimensionen und passender Breite.
// Fuer Encoder-Schichten ist die Sequenz die erste Dimension.
func (m *Model) checkSequenceInput(name string, x ml.Tensor, width int) error {
	shape := x.Shape()
	if len(shape) != 3 || shape[2] != width {
		return fmt.Errorf("%s: input shape %v does not match (*, *, %d)", name, shape, width)
	}

	steps := shape[1]
	if strings.HasPrefix(name, "encoder.layers.") {
		steps = shape[0]
	}

	if steps < 1 || steps > m.maxLen {
		return fmt.Errorf("%s: sequence length %d outside 1..%d", name, steps, m.maxLen)
	}
	return nil
}
