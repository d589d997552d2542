// MODUL: onnx/check
// ZWECK: Strukturpruefung eines Modells ohne ONNX Runtime
// INPUT: Model
// OUTPUT: nil oder alle gefundenen Probleme (errors.Join)
// HINWEISE: Prueft nur die Operatoren, die der Exporter erzeugt

package onnx

import (
	"errors"
	"fmt"
)

// arity gibt die erlaubte Anzahl von Eingaben je Operator an
var arity = map[string][2]int{
	"Add":                {2, 2},
	"Mul":                {2, 2},
	"MatMul":             {2, 2},
	"Softmax":            {1, 1},
	"LayerNormalization": {2, 3},
	"Relu":               {1, 1},
	"Sigmoid":            {1, 1},
	"Tanh":               {1, 1},
	"Reshape":            {2, 2},
	"Transpose":          {1, 1},
	"Slice":              {3, 5},
}

// Check prueft Versionen, Ein- und Ausgaenge, Initializer und die
// topologische Ordnung der Knoten
func Check(m *Model) error {
	var errs []error
	report := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if m.IRVersion < 3 {
		report("ir_version %d is not supported", m.IRVersion)
	}
	if m.Opset < Opset {
		report("opset %d is older than %d", m.Opset, Opset)
	}

	g := &m.Graph
	if len(g.Inputs) == 0 {
		report("graph has no inputs")
	}
	if len(g.Outputs) == 0 {
		report("graph has no outputs")
	}

	defined := make(map[string]bool)
	define := func(name, what string) {
		switch {
		case name == "":
			report("%s has an empty name", what)
		case defined[name]:
			report("%s redefines %q", what, name)
		default:
			defined[name] = true
		}
	}

	for _, v := range g.Inputs {
		define(v.Name, "input")
		if v.ElemType != DataTypeFloat {
			report("input %q has element type %d, want float", v.Name, v.ElemType)
		}
		for _, d := range v.Dims {
			if d <= 0 {
				report("input %q has dimension %d", v.Name, d)
			}
		}
	}

	for _, t := range g.Initializers {
		define(t.Name, "initializer")

		var n int
		switch t.DataType {
		case DataTypeFloat:
			n = len(t.Floats)
		case DataTypeInt64:
			n = len(t.Int64s)
		default:
			report("initializer %q has unsupported data type %d", t.Name, t.DataType)
			continue
		}

		if n != t.Elements() {
			report("initializer %q: dims %v need %d elements, got %d", t.Name, t.Dims, t.Elements(), n)
		}
	}

	for i, n := range g.Nodes {
		what := fmt.Sprintf("node %d (%s)", i, n.OpType)

		a, ok := arity[n.OpType]
		if !ok {
			report("%s: unsupported op type", what)
		} else if len(n.Inputs) < a[0] || len(n.Inputs) > a[1] {
			report("%s: %d inputs, want %d..%d", what, len(n.Inputs), a[0], a[1])
		}

		for _, in := range n.Inputs {
			if !defined[in] {
				report("%s: input %q is not defined before use", what, in)
			}
		}

		switch n.OpType {
		case "Transpose":
			if _, ok := n.Attribute("perm"); !ok {
				report("%s: missing perm", what)
			}
		case "LayerNormalization":
			if m.Opset < 17 {
				report("%s: requires opset 17", what)
			}
		}

		if len(n.Outputs) == 0 {
			report("%s: no outputs", what)
		}
		for _, out := range n.Outputs {
			define(out, what)
		}
	}

	for _, v := range g.Outputs {
		if !defined[v.Name] {
			report("output %q is never produced", v.Name)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrFormat, errors.Join(errs...))
	}
	return nil
}
