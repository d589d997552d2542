// graph.go - Aufgezeichneter Berechnungsgraph
// Dieses Modul enthaelt:
// - Op: die Menge der unterstuetzten Operationen
// - Graph/Value/Node: serialisierbare Darstellung eines Forward-Passes
// - Validate/Prune: Strukturpruefung und Entfernen toter Knoten
package ml

import (
	"errors"
	"fmt"
	"slices"

	"github.com/emirpasic/gods/v2/sets/hashset"
)

// Op names a graph operation
type Op string

const (
	OpAdd       Op = "add"
	OpMul       Op = "mul"
	OpMatmul    Op = "matmul"
	OpScale     Op = "scale"
	OpSoftmax   Op = "softmax"
	OpLayerNorm Op = "layer_norm"
	OpRELU      Op = "relu"
	OpSigmoid   Op = "sigmoid"
	OpTanh      Op = "tanh"
	OpReshape   Op = "reshape"
	OpPermute   Op = "permute"
	OpSlice     Op = "slice"
)

// Arity gibt die Anzahl der Eingaben einer Operation zurueck
func (op Op) Arity() int {
	switch op {
	case OpAdd, OpMul, OpMatmul:
		return 2
	case OpLayerNorm:
		return 3
	case OpScale, OpSoftmax, OpRELU, OpSigmoid, OpTanh, OpReshape, OpPermute, OpSlice:
		return 1
	default:
		return -1
	}
}

// Ops lists every known operation
func Ops() []Op {
	return []Op{
		OpAdd, OpMul, OpMatmul, OpScale, OpSoftmax, OpLayerNorm,
		OpRELU, OpSigmoid, OpTanh, OpReshape, OpPermute, OpSlice,
	}
}

// Attrs holds the static parameters of a node. Only the fields relevant
// for the op are set.
type Attrs struct {
	Shape []int   `json:"shape,omitempty"`
	Order []int   `json:"order,omitempty"`
	Dim   int     `json:"dim,omitempty"`
	Low   int     `json:"low,omitempty"`
	High  int     `json:"high,omitempty"`
	Eps   float32 `json:"eps,omitempty"`
	Scale float64 `json:"scale,omitempty"`
}

// Value is an edge of the graph: a graph input, a constant or a node output.
type Value struct {
	Name  string
	Shape []int

	// Data is set for constants only
	Data []float32
}

func (v Value) Const() bool {
	return v.Data != nil
}

func (v Value) Elements() int {
	n := 1
	for _, d := range v.Shape {
		n *= d
	}
	return n
}

// Node applies Op to the values referenced by Inputs and defines Output.
type Node struct {
	Op     Op
	Inputs []int
	Output int
	Attrs  Attrs
}

// Graph is a frozen forward pass. Nodes are stored in execution order.
type Graph struct {
	Values  []Value
	Nodes   []Node
	Inputs  []int
	Outputs []int
}

// AddValue appends v and returns its index
func (g *Graph) AddValue(v Value) int {
	g.Values = append(g.Values, v)
	return len(g.Values) - 1
}

// Constants returns the indices of all constant values
func (g *Graph) Constants() []int {
	var ids []int
	for i, v := range g.Values {
		if v.Const() {
			ids = append(ids, i)
		}
	}
	return ids
}

// OutputNames returns the names of the graph outputs in order
func (g *Graph) OutputNames() []string {
	names := make([]string, len(g.Outputs))
	for i, id := range g.Outputs {
		names[i] = g.Values[id].Name
	}
	return names
}

// Validate checks that every value is defined exactly once before use.
func (g *Graph) Validate() error {
	if len(g.Inputs) == 0 {
		return errors.New("graph has no inputs")
	}
	if len(g.Outputs) == 0 {
		return errors.New("graph has no outputs")
	}

	defined := make([]bool, len(g.Values))
	define := func(id int, what string) error {
		if id < 0 || id >= len(g.Values) {
			return fmt.Errorf("%s references unknown value %d", what, id)
		}
		if defined[id] {
			return fmt.Errorf("%s redefines value %d (%s)", what, id, g.Values[id].Name)
		}
		defined[id] = true
		return nil
	}

	for _, id := range g.Inputs {
		if err := define(id, "input"); err != nil {
			return err
		}
	}
	for _, id := range g.Constants() {
		if err := define(id, "constant"); err != nil {
			return err
		}
	}

	for i, n := range g.Nodes {
		if arity := n.Op.Arity(); arity < 0 {
			return fmt.Errorf("node %d: unknown op %q", i, n.Op)
		} else if arity != len(n.Inputs) {
			return fmt.Errorf("node %d: %s expects %d inputs, got %d", i, n.Op, arity, len(n.Inputs))
		}

		for _, in := range n.Inputs {
			if in < 0 || in >= len(g.Values) || !defined[in] {
				return fmt.Errorf("node %d: %s uses undefined value %d", i, n.Op, in)
			}
		}

		if err := define(n.Output, fmt.Sprintf("node %d", i)); err != nil {
			return err
		}
	}

	for _, id := range g.Outputs {
		if id < 0 || id >= len(g.Values) || !defined[id] {
			return fmt.Errorf("output references undefined value %d", id)
		}
	}

	return nil
}

// Prune returns a copy of g without nodes and constants that do not
// contribute to any output. Graph inputs are always kept.
func (g *Graph) Prune() *Graph {
	live := hashset.New[int](g.Outputs...)
	keep := make([]bool, len(g.Nodes))
	for i := len(g.Nodes) - 1; i >= 0; i-- {
		n := g.Nodes[i]
		if live.Contains(n.Output) {
			keep[i] = true
			live.Add(n.Inputs...)
		}
	}
	live.Add(g.Inputs...)

	remap := make(map[int]int, live.Size())
	pruned := &Graph{}
	for i, v := range g.Values {
		if live.Contains(i) {
			remap[i] = pruned.AddValue(v)
		}
	}

	for i, n := range g.Nodes {
		if !keep[i] {
			continue
		}

		inputs := make([]int, len(n.Inputs))
		for j, in := range n.Inputs {
			inputs[j] = remap[in]
		}
		pruned.Nodes = append(pruned.Nodes, Node{
			Op:     n.Op,
			Inputs: inputs,
			Output: remap[n.Output],
			Attrs:  n.Attrs,
		})
	}

	for _, id := range g.Inputs {
		pruned.Inputs = append(pruned.Inputs, remap[id])
	}
	for _, id := range g.Outputs {
		pruned.Outputs = append(pruned.Outputs, remap[id])
	}

	return pruned
}

// NumConstants returns the number of scalar elements stored in constants
func (g *Graph) NumConstants() int {
	var n int
	for _, id := range g.Constants() {
		n += g.Values[id].Elements()
	}
	return n
}

// Equal reports whether two graphs have the same structure and constants.
func (g *Graph) Equal(o *Graph) bool {
	return slices.EqualFunc(g.Values, o.Values, func(a, b Value) bool {
		return a.Name == b.Name && slices.Equal(a.Shape, b.Shape) && slices.Equal(a.Data, b.Data)
	}) && slices.EqualFunc(g.Nodes, o.Nodes, func(a, b Node) bool {
		return a.Op == b.Op && slices.Equal(a.Inputs, b.Inputs) && a.Output == b.Output &&
			slices.Equal(a.Attrs.Shape, b.Attrs.Shape) && slices.Equal(a.Attrs.Order, b.Attrs.Order) &&
			a.Attrs.Dim == b.Attrs.Dim && a.Attrs.Low == b.Attrs.Low && a.Attrs.High == b.Attrs.High &&
			a.Attrs.Eps == b.Attrs.Eps && a.Attrs.Scale == b.Attrs.Scale
	}) && slices.Equal(g.Inputs, o.Inputs) && slices.Equal(g.Outputs, o.Outputs)
}
