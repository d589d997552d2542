// execute.go - Ausfuehrung aufgezeichneter Graphen
// Enthaelt: Execute() fuer eingefrorene Graphen aus Trace-Artefakten

package cpu

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/neuralmidifx/grooveexport/logutil"
	"github.com/neuralmidifx/grooveexport/ml"
)

// Execute interpretiert g. Eingaben muessen exakt die beim Tracing
// verwendeten Formen haben.
func (b *Backend) Execute(g *ml.Graph, inputs ...[]float32) ([][]float32, error) {
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("invalid graph: %w", err)
	}

	if len(inputs) != len(g.Inputs) {
		return nil, fmt.Errorf("graph expects %d inputs, got %d", len(g.Inputs), len(inputs))
	}

	values := make([]*Tensor, len(g.Values))
	for i, id := range g.Inputs {
		v := g.Values[id]
		if n := v.Elements(); n != len(inputs[i]) {
			return nil, fmt.Errorf("input %q: traced for shape %v (%d elements), got %d elements", v.Name, v.Shape, n, len(inputs[i]))
		}
		values[id] = &Tensor{name: v.Name, shape: slices.Clone(v.Shape), data: inputs[i]}
	}

	for _, id := range g.Constants() {
		v := g.Values[id]
		values[id] = &Tensor{name: v.Name, shape: slices.Clone(v.Shape), data: v.Data, param: true}
	}

	for i, n := range g.Nodes {
		ts := make([]*Tensor, len(n.Inputs))
		for j, in := range n.Inputs {
			ts[j] = values[in]
		}

		shape, data, err := eval(n.Op, n.Attrs, ts...)
		if err != nil {
			return nil, fmt.Errorf("node %d (%s): %w", i, n.Op, err)
		}

		if want := g.Values[n.Output].Shape; want != nil && !slices.Equal(shape, want) {
			return nil, fmt.Errorf("node %d (%s): produced shape %v, graph declares %v", i, n.Op, shape, want)
		}

		values[n.Output] = &Tensor{name: g.Values[n.Output].Name, shape: shape, data: data}
		logutil.Trace("executed node", "index", i, "op", n.Op, "shape", shape)
	}

	outputs := make([][]float32, len(g.Outputs))
	for i, id := range g.Outputs {
		outputs[i] = slices.Clone(values[id].data)
	}

	slog.Debug("graph executed", "nodes", len(g.Nodes), "outputs", len(outputs))
	return outputs, nil
}
