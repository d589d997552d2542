// MODUL: onnx
// ZWECK: Minimales ONNX-Modell (ModelProto-Teilmenge) fuer eingefrorene Graphen
// INPUT: ml.Graph aus einem Trace oder serialisierte .onnx-Bytes
// OUTPUT: Model, protobuf-kodierte Bytes
// ABHAENGIGKEITEN: google.golang.org/protobuf/encoding/protowire
// HINWEISE: Nur die Felder, die fuer FLOAT-Graphen mit festen Formen noetig sind

package onnx

import (
	"errors"
)

const (
	// IRVersion 8 wird von allen ONNX Runtime Versionen ab 1.10 gelesen
	IRVersion = 8

	// Opset 17 ist das erste mit LayerNormalization
	Opset = 17

	Producer = "grooveexport"
)

// ErrFormat wird fuer nicht dekodierbare Modelle zurueckgegeben
var ErrFormat = errors.New("invalid onnx model")

// ErrRuntimeUnavailable wird zurueckgegeben, wenn ohne -tags onnxruntime gebaut wurde
var ErrRuntimeUnavailable = errors.New("onnx: built without onnxruntime support")

// DataType entspricht TensorProto.DataType
type DataType int32

const (
	DataTypeFloat DataType = 1
	DataTypeInt64 DataType = 7
)

// AttributeType entspricht AttributeProto.AttributeType
type AttributeType int32

const (
	AttributeFloat AttributeType = 1
	AttributeInt   AttributeType = 2
	AttributeInts  AttributeType = 7
)

// Model ist die Teilmenge von ModelProto, die geschrieben und gelesen wird
type Model struct {
	IRVersion int64
	Opset     int64
	Producer  string
	Graph     Graph
}

// Graph entspricht GraphProto. Knoten sind topologisch sortiert.
type Graph struct {
	Name         string
	Nodes        []Node
	Initializers []Tensor
	Inputs       []ValueInfo
	Outputs      []ValueInfo
}

type Node struct {
	Name       string
	OpType     string
	Inputs     []string
	Outputs    []string
	Attributes []Attribute
}

// Attribute returns the named attribute
func (n Node) Attribute(name string) (Attribute, bool) {
	for _, a := range n.Attributes {
		if a.Name == name {
			return a, true
		}
	}
	return Attribute{}, false
}

type Attribute struct {
	Name string
	Type AttributeType
	F    float32
	I    int64
	Ints []int64
}

// Tensor ist ein Initializer. Float-Daten liegen in Floats, Int64-Daten in Int64s.
type Tensor struct {
	Name     string
	Dims     []int64
	DataType DataType
	Floats   []float32
	Int64s   []int64
}

func (t Tensor) Elements() int {
	n := 1
	for _, d := range t.Dims {
		n *= int(d)
	}
	return n
}

// ValueInfo beschreibt einen Graph-Ein- oder Ausgang
type ValueInfo struct {
	Name     string
	ElemType DataType
	Dims     []int64
}

// Initializer returns the named initializer
func (g *Graph) Initializer(name string) (Tensor, bool) {
	for _, t := range g.Initializers {
		if t.Name == name {
			return t, true
		}
	}
	return Tensor{}, false
}

// InputNames gibt die Namen der Graph-Eingaenge zurueck
func (g *Graph) InputNames() []string {
	names := make([]string, len(g.Inputs))
	for i, v := range g.Inputs {
		names[i] = v.Name
	}
	return names
}

// OutputNames gibt die Namen der Graph-Ausgaenge zurueck
func (g *Graph) OutputNames() []string {
	names := make([]string, len(g.Outputs))
	for i, v := range g.Outputs {
		names[i] = v.Name
	}
	return names
}

// NumParameters zaehlt die Float-Elemente aller Initializer
func (g *Graph) NumParameters() int {
	var n int
	for _, t := range g.Initializers {
		if t.DataType == DataTypeFloat {
			n += t.Elements()
		}
	}
	return n
}
