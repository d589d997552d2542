// MODUL: onnx/convert
// ZWECK: Abbildung zwischen ml.Graph und ONNX-Knoten
// INPUT: ml.Graph (Trace) bzw. Model (dekodiert)
// OUTPUT: Model bzw. ml.Graph, ausfuehrbar auf dem CPU-Backend
// HINWEISE: scale wird als Mul mit skalarem Initializer abgelegt und beim
//           Lesen wieder erkannt

package onnx

import (
	"errors"
	"fmt"
	"slices"
	"strconv"

	"github.com/neuralmidifx/grooveexport/ml"
)

// opTypes ordnet jede Graph-Operation ihrem ONNX-Operator zu
var opTypes = map[ml.Op]string{
	ml.OpAdd:       "Add",
	ml.OpMul:       "Mul",
	ml.OpMatmul:    "MatMul",
	ml.OpScale:     "Mul",
	ml.OpSoftmax:   "Softmax",
	ml.OpLayerNorm: "LayerNormalization",
	ml.OpRELU:      "Relu",
	ml.OpSigmoid:   "Sigmoid",
	ml.OpTanh:      "Tanh",
	ml.OpReshape:   "Reshape",
	ml.OpPermute:   "Transpose",
	ml.OpSlice:     "Slice",
}

func int64s(s []int) []int64 {
	out := make([]int64, len(s))
	for i, v := range s {
		out[i] = int64(v)
	}
	return out
}

func ints(s []int64) []int {
	out := make([]int, len(s))
	for i, v := range s {
		out[i] = int(v)
	}
	return out
}

// FromGraph baut ein ONNX-Modell aus einem aufgezeichneten Graphen.
// Unbenannte Zwischenwerte heissen v<Index>.
func FromGraph(name string, g *ml.Graph) (*Model, error) {
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFormat, err)
	}

	names := make([]string, len(g.Values))
	used := make(map[string]bool, len(g.Values))
	for i, v := range g.Values {
		n := v.Name
		if n == "" || used[n] {
			n = "v" + strconv.Itoa(i)
		}
		names[i] = n
		used[n] = true
	}

	m := &Model{
		IRVersion: IRVersion,
		Opset:     Opset,
		Producer:  Producer,
		Graph:     Graph{Name: name},
	}

	for _, id := range g.Inputs {
		v := g.Values[id]
		m.Graph.Inputs = append(m.Graph.Inputs, ValueInfo{Name: names[id], ElemType: DataTypeFloat, Dims: int64s(v.Shape)})
	}

	for _, id := range g.Constants() {
		v := g.Values[id]
		m.Graph.Initializers = append(m.Graph.Initializers, Tensor{
			Name:     names[id],
			Dims:     int64s(v.Shape),
			DataType: DataTypeFloat,
			Floats:   v.Data,
		})
	}

	computed := make(map[int]bool, len(g.Nodes))
	for i, n := range g.Nodes {
		out := names[n.Output]
		node := Node{
			Name:    string(n.Op) + "_" + strconv.Itoa(i),
			OpType:  opTypes[n.Op],
			Outputs: []string{out},
		}

		for _, in := range n.Inputs {
			node.Inputs = append(node.Inputs, names[in])
		}

		// Operanden, die ONNX als Tensor statt als Attribut erwartet
		constant := func(suffix string, t Tensor) string {
			t.Name = out + "." + suffix
			m.Graph.Initializers = append(m.Graph.Initializers, t)
			return t.Name
		}

		switch n.Op {
		case ml.OpScale:
			node.Inputs = append(node.Inputs, constant("scale", Tensor{DataType: DataTypeFloat, Floats: []float32{float32(n.Attrs.Scale)}}))
		case ml.OpSoftmax:
			node.Attributes = append(node.Attributes, Attribute{Name: "axis", Type: AttributeInt, I: -1})
		case ml.OpLayerNorm:
			node.Attributes = append(node.Attributes,
				Attribute{Name: "axis", Type: AttributeInt, I: -1},
				Attribute{Name: "epsilon", Type: AttributeFloat, F: n.Attrs.Eps},
			)
		case ml.OpReshape:
			shape := int64s(n.Attrs.Shape)
			node.Inputs = append(node.Inputs, constant("shape", Tensor{Dims: []int64{int64(len(shape))}, DataType: DataTypeInt64, Int64s: shape}))
		case ml.OpPermute:
			node.Attributes = append(node.Attributes, Attribute{Name: "perm", Type: AttributeInts, Ints: int64s(n.Attrs.Order)})
		case ml.OpSlice:
			for _, c := range []struct {
				suffix string
				v      int
			}{{"starts", n.Attrs.Low}, {"ends", n.Attrs.High}, {"axes", n.Attrs.Dim}} {
				node.Inputs = append(node.Inputs, constant(c.suffix, Tensor{Dims: []int64{1}, DataType: DataTypeInt64, Int64s: []int64{int64(c.v)}}))
			}
		}

		m.Graph.Nodes = append(m.Graph.Nodes, node)
		computed[n.Output] = true
	}

	for _, id := range g.Outputs {
		if !computed[id] {
			return nil, fmt.Errorf("%w: output %q is not computed by the graph", ErrFormat, names[id])
		}

		v := g.Values[id]
		m.Graph.Outputs = append(m.Graph.Outputs, ValueInfo{Name: names[id], ElemType: DataTypeFloat, Dims: int64s(v.Shape)})
	}

	return m, nil
}

// ToGraph bildet das Modell zurueck auf einen ml.Graph ab. Formen von
// Zwischenwerten sind unbekannt und werden beim Ausfuehren bestimmt.
func (m *Model) ToGraph() (*ml.Graph, error) {
	g := &ml.Graph{}
	ids := make(map[string]int)

	inits := make(map[string]Tensor, len(m.Graph.Initializers))
	for _, t := range m.Graph.Initializers {
		inits[t.Name] = t
	}

	for _, in := range m.Graph.Inputs {
		id := g.AddValue(ml.Value{Name: in.Name, Shape: ints(in.Dims)})
		g.Inputs = append(g.Inputs, id)
		ids[in.Name] = id
	}

	value := func(name string) (int, error) {
		if id, ok := ids[name]; ok {
			return id, nil
		}

		t, ok := inits[name]
		if !ok {
			return 0, fmt.Errorf("undefined value %q", name)
		}
		if t.DataType != DataTypeFloat {
			return 0, fmt.Errorf("initializer %q has data type %d, want float", name, t.DataType)
		}

		id := g.AddValue(ml.Value{Name: name, Shape: ints(t.Dims), Data: slices.Clone(t.Floats)})
		ids[name] = id
		return id, nil
	}

	int64Input := func(n Node, i int) ([]int64, error) {
		if i >= len(n.Inputs) {
			return nil, fmt.Errorf("%s: missing input %d", n.OpType, i)
		}

		t, ok := inits[n.Inputs[i]]
		if !ok || t.DataType != DataTypeInt64 {
			return nil, fmt.Errorf("%s: input %q must be an int64 initializer", n.OpType, n.Inputs[i])
		}
		return t.Int64s, nil
	}

	for i, n := range m.Graph.Nodes {
		node, inputs, err := fromNode(n, inits, int64Input)
		if err != nil {
			return nil, fmt.Errorf("%w: node %d: %w", ErrFormat, i, err)
		}

		for _, in := range inputs {
			id, err := value(in)
			if err != nil {
				return nil, fmt.Errorf("%w: node %d (%s): %w", ErrFormat, i, n.OpType, err)
			}
			node.Inputs = append(node.Inputs, id)
		}

		if len(n.Outputs) != 1 {
			return nil, fmt.Errorf("%w: node %d (%s) has %d outputs", ErrFormat, i, n.OpType, len(n.Outputs))
		}

		node.Output = g.AddValue(ml.Value{Name: n.Outputs[0]})
		ids[n.Outputs[0]] = node.Output
		g.Nodes = append(g.Nodes, node)
	}

	for _, out := range m.Graph.Outputs {
		id, ok := ids[out.Name]
		if !ok {
			return nil, fmt.Errorf("%w: undefined output %q", ErrFormat, out.Name)
		}
		g.Values[id].Shape = ints(out.Dims)
		g.Outputs = append(g.Outputs, id)
	}

	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFormat, err)
	}
	return g, nil
}

// fromNode uebersetzt einen ONNX-Knoten und gibt die Namen seiner Tensor-Eingaben zurueck
func fromNode(n Node, inits map[string]Tensor, int64Input func(Node, int) ([]int64, error)) (ml.Node, []string, error) {
	if len(n.Inputs) == 0 {
		return ml.Node{}, nil, fmt.Errorf("%s: no inputs", n.OpType)
	}

	switch n.OpType {
	case "Add":
		return ml.Node{Op: ml.OpAdd}, n.Inputs, nil
	case "MatMul":
		return ml.Node{Op: ml.OpMatmul}, n.Inputs, nil
	case "Relu":
		return ml.Node{Op: ml.OpRELU}, n.Inputs, nil
	case "Sigmoid":
		return ml.Node{Op: ml.OpSigmoid}, n.Inputs, nil
	case "Tanh":
		return ml.Node{Op: ml.OpTanh}, n.Inputs, nil
	case "Mul":
		if len(n.Inputs) == 2 {
			if t, ok := inits[n.Inputs[1]]; ok && len(t.Dims) == 0 && len(t.Floats) == 1 {
				return ml.Node{Op: ml.OpScale, Attrs: ml.Attrs{Scale: float64(t.Floats[0])}}, n.Inputs[:1], nil
			}
		}
		return ml.Node{Op: ml.OpMul}, n.Inputs, nil
	case "Softmax":
		if a, ok := n.Attribute("axis"); ok && a.I != -1 {
			return ml.Node{}, nil, fmt.Errorf("Softmax: axis %d not supported", a.I)
		}
		return ml.Node{Op: ml.OpSoftmax}, n.Inputs, nil
	case "LayerNormalization":
		if a, ok := n.Attribute("axis"); ok && a.I != -1 {
			return ml.Node{}, nil, fmt.Errorf("LayerNormalization: axis %d not supported", a.I)
		}

		eps := float32(1e-5)
		if a, ok := n.Attribute("epsilon"); ok {
			eps = a.F
		}
		return ml.Node{Op: ml.OpLayerNorm, Attrs: ml.Attrs{Eps: eps}}, n.Inputs, nil
	case "Transpose":
		a, ok := n.Attribute("perm")
		if !ok {
			return ml.Node{}, nil, errors.New("Transpose: missing perm")
		}
		return ml.Node{Op: ml.OpPermute, Attrs: ml.Attrs{Order: ints(a.Ints)}}, n.Inputs[:1], nil
	case "Reshape":
		shape, err := int64Input(n, 1)
		if err != nil {
			return ml.Node{}, nil, err
		}
		return ml.Node{Op: ml.OpReshape, Attrs: ml.Attrs{Shape: ints(shape)}}, n.Inputs[:1], nil
	case "Slice":
		var v [3]int64
		for i := range v {
			s, err := int64Input(n, i+1)
			if err != nil {
				return ml.Node{}, nil, err
			}
			if len(s) != 1 {
				return ml.Node{}, nil, errors.New("Slice: only single-axis slices are supported")
			}
			v[i] = s[0]
		}
		if len(n.Inputs) > 4 {
			return ml.Node{}, nil, errors.New("Slice: steps are not supported")
		}
		return ml.Node{Op: ml.OpSlice, Attrs: ml.Attrs{Low: int(v[0]), High: int(v[1]), Dim: int(v[2])}}, n.Inputs[:1], nil
	default:
		return ml.Node{}, nil, fmt.Errorf("unsupported op type %q", n.OpType)
	}
}
