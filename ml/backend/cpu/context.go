// context.go - Context-Struktur und Graph-Aufzeichnung
// Enthaelt: Context struct, Input(), FromFloats(), Forward(), Graph(), apply()

package cpu

import (
	"errors"
	"fmt"
	"slices"
	"strconv"

	"github.com/neuralmidifx/grooveexport/ml"
)

// Context rechnet Operationen sofort aus. Ist graph gesetzt, wird jede
// Operation, die von einem Input abhaengt, zusaetzlich aufgezeichnet.
type Context struct {
	b *Backend

	graph *ml.Graph

	// ids ordnet Tensoren ihren Werten im Graph zu
	ids map[*Tensor]int

	// names zaehlt vergebene Konstantennamen
	names map[string]int

	err error
}

// Input erzeugt einen Graph-Eingang
func (c *Context) Input(name string, s []float32, shape ...int) ml.Tensor {
	t := c.newTensor(name, s, shape, false)
	if c.graph != nil && c.err == nil {
		id := c.graph.AddValue(ml.Value{Name: name, Shape: slices.Clone(t.shape)})
		c.graph.Inputs = append(c.graph.Inputs, id)
		c.ids[t] = id
	}
	return t
}

// FromFloats erzeugt eine Konstante
func (c *Context) FromFloats(s []float32, shape ...int) ml.Tensor {
	return c.newTensor("const", s, shape, true)
}

func (c *Context) newTensor(name string, s []float32, shape []int, param bool) *Tensor {
	if n := elements(shape); n != len(s) {
		c.fail(fmt.Errorf("%s: shape %v needs %d elements, got %d", name, shape, n, len(s)))
	}

	return &Tensor{
		name:  name,
		shape: slices.Clone(shape),
		data:  slices.Clone(s),
		param: param,
	}
}

// Forward markiert die Ausgaben des aufgezeichneten Graphen
func (c *Context) Forward(tensors ...ml.Tensor) ml.Context {
	if c.graph == nil || c.err != nil {
		return c
	}

	for _, mt := range tensors {
		t, err := c.unwrap(mt)
		if err != nil {
			c.fail(err)
			return c
		}

		id, err := c.value(t)
		if err != nil {
			c.fail(err)
			return c
		}

		if t.name != "" {
			c.graph.Values[id].Name = t.name
		}
		c.graph.Outputs = append(c.graph.Outputs, id)
	}

	return c
}

// Graph gibt den aufgezeichneten Graph ohne tote Knoten zurueck
func (c *Context) Graph() *ml.Graph {
	if c.graph == nil {
		return nil
	}

	return c.graph.Prune()
}

func (c *Context) Err() error {
	return c.err
}

func (c *Context) Close() {
	if c != nil {
		c.graph = nil
		c.ids = nil
	}
}

func (c *Context) fail(err error) {
	if c.err == nil {
		c.err = err
	}
}

func (c *Context) unwrap(mt ml.Tensor) (*Tensor, error) {
	if mt == nil {
		return nil, errors.New("nil tensor")
	}

	t, ok := mt.(*Tensor)
	if !ok || t == nil {
		return nil, fmt.Errorf("tensor %T does not belong to the cpu backend", mt)
	}
	return t, nil
}

// value gibt die Graph-ID eines Tensors zurueck. Konstanten werden beim
// ersten Gebrauch registriert.
func (c *Context) value(t *Tensor) (int, error) {
	if id, ok := c.ids[t]; ok {
		return id, nil
	}

	if !t.param {
		return 0, fmt.Errorf("tensor %q was not created in this trace", t.name)
	}

	id := c.graph.AddValue(ml.Value{
		Name:  c.uniqueName(t.name),
		Shape: slices.Clone(t.shape),
		Data:  t.data,
	})
	c.ids[t] = id
	return id, nil
}

func (c *Context) uniqueName(name string) string {
	if name == "" {
		name = "const"
	}

	n := c.names[name]
	c.names[name] = n + 1
	if n == 0 {
		return name
	}
	return name + "." + strconv.Itoa(n)
}

// apply rechnet eine Operation aus und zeichnet sie bei Bedarf auf.
// Haengen alle Eingaben nur von Konstanten ab, wird das Ergebnis gefaltet.
func (c *Context) apply(op ml.Op, attrs ml.Attrs, inputs ...ml.Tensor) ml.Tensor {
	if c.err != nil {
		return &Tensor{}
	}

	ts := make([]*Tensor, len(inputs))
	for i, mt := range inputs {
		t, err := c.unwrap(mt)
		if err != nil {
			c.fail(fmt.Errorf("%s: input %d: %w", op, i, err))
			return &Tensor{}
		}
		ts[i] = t
	}

	shape, data, err := eval(op, attrs, ts...)
	if err != nil {
		c.fail(fmt.Errorf("%s %s: %w", op, ts[0].name, err))
		return &Tensor{}
	}

	out := &Tensor{shape: shape, data: data, param: true}
	for _, t := range ts {
		out.param = out.param && t.param
	}

	if out.param {
		out.name = ts[0].name + "." + string(op)
		return out
	}

	if c.graph != nil {
		node := ml.Node{Op: op, Attrs: attrs}
		for _, t := range ts {
			id, err := c.value(t)
			if err != nil {
				c.fail(fmt.Errorf("%s: %w", op, err))
				return &Tensor{}
			}
			node.Inputs = append(node.Inputs, id)
		}

		node.Output = c.graph.AddValue(ml.Value{Shape: slices.Clone(shape)})
		c.graph.Nodes = append(c.graph.Nodes, node)
		c.ids[out] = node.Output
	}

	return out
}
