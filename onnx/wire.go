// MODUL: onnx/wire
// ZWECK: Protobuf-Kodierung der ModelProto-Teilmenge ohne generierten Code
// INPUT: Model bzw. Bytes
// OUTPUT: Bytes bzw. Model
// ABHAENGIGKEITEN: protowire
// HINWEISE: Feldnummern aus onnx.proto. Tensordaten werden als raw_data
//           (little-endian) geschrieben, gelesen werden auch float_data/int64_data.

package onnx

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"google.golang.org/protobuf/encoding/protowire"
)

// Feldnummern aus onnx.proto
const (
	modelIRVersion    protowire.Number = 1
	modelProducerName protowire.Number = 2
	modelGraph        protowire.Number = 7
	modelOpsetImport  protowire.Number = 8

	opsetDomain  protowire.Number = 1
	opsetVersion protowire.Number = 2

	graphNode        protowire.Number = 1
	graphName        protowire.Number = 2
	graphInitializer protowire.Number = 5
	graphInput       protowire.Number = 11
	graphOutput      protowire.Number = 12

	nodeInput     protowire.Number = 1
	nodeOutput    protowire.Number = 2
	nodeName      protowire.Number = 3
	nodeOpType    protowire.Number = 4
	nodeAttribute protowire.Number = 5

	attrName protowire.Number = 1
	attrF    protowire.Number = 2
	attrI    protowire.Number = 3
	attrInts protowire.Number = 8
	attrType protowire.Number = 20

	tensorDims      protowire.Number = 1
	tensorDataType  protowire.Number = 2
	tensorFloatData protowire.Number = 4
	tensorInt64Data protowire.Number = 7
	tensorName      protowire.Number = 8
	tensorRawData   protowire.Number = 9

	valueName protowire.Number = 1
	valueType protowire.Number = 2

	typeTensor protowire.Number = 1

	tensorTypeElem  protowire.Number = 1
	tensorTypeShape protowire.Number = 2

	shapeDim protowire.Number = 1

	dimValue protowire.Number = 1
)

// Marshal kodiert das Modell. Gleiche Modelle ergeben gleiche Bytes.
func (m *Model) Marshal() []byte {
	var b []byte
	b = appendVarint(b, modelIRVersion, uint64(m.IRVersion))
	if m.Producer != "" {
		b = appendString(b, modelProducerName, m.Producer)
	}
	b = appendMessage(b, modelGraph, m.Graph.marshal())

	opset := appendVarint(nil, opsetVersion, uint64(m.Opset))
	return appendMessage(b, modelOpsetImport, opset)
}

func (g *Graph) marshal() []byte {
	var b []byte
	for _, n := range g.Nodes {
		b = appendMessage(b, graphNode, n.marshal())
	}

	b = appendString(b, graphName, g.Name)

	for _, t := range g.Initializers {
		b = appendMessage(b, graphInitializer, t.marshal())
	}
	for _, v := range g.Inputs {
		b = appendMessage(b, graphInput, v.marshal())
	}
	for _, v := range g.Outputs {
		b = appendMessage(b, graphOutput, v.marshal())
	}
	return b
}

func (n *Node) marshal() []byte {
	var b []byte
	for _, in := range n.Inputs {
		b = appendString(b, nodeInput, in)
	}
	for _, out := range n.Outputs {
		b = appendString(b, nodeOutput, out)
	}
	if n.Name != "" {
		b = appendString(b, nodeName, n.Name)
	}
	b = appendString(b, nodeOpType, n.OpType)

	for _, a := range n.Attributes {
		b = appendMessage(b, nodeAttribute, a.marshal())
	}
	return b
}

func (a *Attribute) marshal() []byte {
	b := appendString(nil, attrName, a.Name)
	switch a.Type {
	case AttributeFloat:
		b = protowire.AppendTag(b, attrF, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(a.F))
	case AttributeInt:
		b = appendVarint(b, attrI, uint64(a.I))
	case AttributeInts:
		for _, v := range a.Ints {
			b = appendVarint(b, attrInts, uint64(v))
		}
	}
	return appendVarint(b, attrType, uint64(a.Type))
}

func (t *Tensor) marshal() []byte {
	var b []byte
	for _, d := range t.Dims {
		b = appendVarint(b, tensorDims, uint64(d))
	}
	b = appendVarint(b, tensorDataType, uint64(t.DataType))
	b = appendString(b, tensorName, t.Name)

	var raw []byte
	switch t.DataType {
	case DataTypeFloat:
		raw = make([]byte, 0, 4*len(t.Floats))
		for _, f := range t.Floats {
			raw = binary.LittleEndian.AppendUint32(raw, math.Float32bits(f))
		}
	case DataTypeInt64:
		raw = make([]byte, 0, 8*len(t.Int64s))
		for _, v := range t.Int64s {
			raw = binary.LittleEndian.AppendUint64(raw, uint64(v))
		}
	}
	return appendMessage(b, tensorRawData, raw)
}

func (v *ValueInfo) marshal() []byte {
	var shape []byte
	for _, d := range v.Dims {
		shape = appendMessage(shape, shapeDim, appendVarint(nil, dimValue, uint64(d)))
	}

	tensor := appendVarint(nil, tensorTypeElem, uint64(v.ElemType))
	tensor = appendMessage(tensor, tensorTypeShape, shape)

	b := appendString(nil, valueName, v.Name)
	return appendMessage(b, valueType, appendMessage(nil, typeTensor, tensor))
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessage(b []byte, num protowire.Number, m []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, m)
}

// ReadFile liest und dekodiert eine .onnx-Datei
func ReadFile(path string) (*Model, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	m, err := Unmarshal(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// field ist ein dekodiertes Protobuf-Feld. Je nach Typ ist x oder v gesetzt.
type field struct {
	num protowire.Number
	typ protowire.Type
	x   uint64
	v   []byte
}

// fields iteriert ueber alle Felder einer Nachricht. Unbekannte Feldtypen
// werden uebersprungen.
func fields(b []byte, f func(field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %w", ErrFormat, protowire.ParseError(n))
		}
		b = b[n:]

		fd := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			fd.x, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			var x uint32
			x, n = protowire.ConsumeFixed32(b)
			fd.x = uint64(x)
		case protowire.BytesType:
			fd.v, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}

		if n < 0 {
			return fmt.Errorf("%w: field %d: %w", ErrFormat, num, protowire.ParseError(n))
		}
		b = b[n:]

		if err := f(fd); err != nil {
			return err
		}
	}
	return nil
}

// varints liest ein wiederholtes Integer-Feld, gepackt oder einzeln
func (fd field) varints(dst []int64) ([]int64, error) {
	switch fd.typ {
	case protowire.VarintType:
		return append(dst, int64(fd.x)), nil
	case protowire.BytesType:
		b := fd.v
		for len(b) > 0 {
			x, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: packed field %d: %w", ErrFormat, fd.num, protowire.ParseError(n))
			}
			dst = append(dst, int64(x))
			b = b[n:]
		}
		return dst, nil
	default:
		return nil, fmt.Errorf("%w: field %d has wire type %d", ErrFormat, fd.num, fd.typ)
	}
}

// Unmarshal dekodiert ein Modell. Felder ausserhalb der unterstuetzten
// Teilmenge werden ignoriert.
func Unmarshal(b []byte) (*Model, error) {
	m := &Model{}
	err := fields(b, func(fd field) error {
		switch fd.num {
		case modelIRVersion:
			m.IRVersion = int64(fd.x)
		case modelProducerName:
			m.Producer = string(fd.v)
		case modelGraph:
			return m.Graph.unmarshal(fd.v)
		case modelOpsetImport:
			var domain string
			var version int64
			if err := fields(fd.v, func(fd field) error {
				switch fd.num {
				case opsetDomain:
					domain = string(fd.v)
				case opsetVersion:
					version = int64(fd.x)
				}
				return nil
			}); err != nil {
				return err
			}

			if domain == "" || domain == "ai.onnx" {
				m.Opset = version
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (g *Graph) unmarshal(b []byte) error {
	return fields(b, func(fd field) error {
		switch fd.num {
		case graphNode:
			var n Node
			if err := n.unmarshal(fd.v); err != nil {
				return err
			}
			g.Nodes = append(g.Nodes, n)
		case graphName:
			g.Name = string(fd.v)
		case graphInitializer:
			var t Tensor
			if err := t.unmarshal(fd.v); err != nil {
				return err
			}
			g.Initializers = append(g.Initializers, t)
		case graphInput, graphOutput:
			var v ValueInfo
			if err := v.unmarshal(fd.v); err != nil {
				return err
			}

			if fd.num == graphInput {
				g.Inputs = append(g.Inputs, v)
			} else {
				g.Outputs = append(g.Outputs, v)
			}
		}
		return nil
	})
}

func (n *Node) unmarshal(b []byte) error {
	return fields(b, func(fd field) error {
		switch fd.num {
		case nodeInput:
			n.Inputs = append(n.Inputs, string(fd.v))
		case nodeOutput:
			n.Outputs = append(n.Outputs, string(fd.v))
		case nodeName:
			n.Name = string(fd.v)
		case nodeOpType:
			n.OpType = string(fd.v)
		case nodeAttribute:
			var a Attribute
			if err := a.unmarshal(fd.v); err != nil {
				return err
			}
			n.Attributes = append(n.Attributes, a)
		}
		return nil
	})
}

func (a *Attribute) unmarshal(b []byte) error {
	return fields(b, func(fd field) (err error) {
		switch fd.num {
		case attrName:
			a.Name = string(fd.v)
		case attrF:
			a.F = math.Float32frombits(uint32(fd.x))
		case attrI:
			a.I = int64(fd.x)
		case attrInts:
			a.Ints, err = fd.varints(a.Ints)
		case attrType:
			a.Type = AttributeType(fd.x)
		}
		return err
	})
}

func (t *Tensor) unmarshal(b []byte) error {
	var raw []byte
	err := fields(b, func(fd field) (err error) {
		switch fd.num {
		case tensorDims:
			t.Dims, err = fd.varints(t.Dims)
		case tensorDataType:
			t.DataType = DataType(fd.x)
		case tensorName:
			t.Name = string(fd.v)
		case tensorRawData:
			raw = fd.v
		case tensorFloatData:
			switch fd.typ {
			case protowire.Fixed32Type:
				t.Floats = append(t.Floats, math.Float32frombits(uint32(fd.x)))
			case protowire.BytesType:
				for i := 0; i+4 <= len(fd.v); i += 4 {
					t.Floats = append(t.Floats, math.Float32frombits(binary.LittleEndian.Uint32(fd.v[i:])))
				}
			}
		case tensorInt64Data:
			t.Int64s, err = fd.varints(t.Int64s)
		}
		return err
	})
	if err != nil {
		return err
	}

	if raw != nil {
		switch t.DataType {
		case DataTypeFloat:
			if len(raw)%4 != 0 {
				return fmt.Errorf("%w: tensor %q: raw data length %d", ErrFormat, t.Name, len(raw))
			}
			t.Floats = make([]float32, len(raw)/4)
			for i := range t.Floats {
				t.Floats[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
			}
		case DataTypeInt64:
			if len(raw)%8 != 0 {
				return fmt.Errorf("%w: tensor %q: raw data length %d", ErrFormat, t.Name, len(raw))
			}
			t.Int64s = make([]int64, len(raw)/8)
			for i := range t.Int64s {
				t.Int64s[i] = int64(binary.LittleEndian.Uint64(raw[8*i:]))
			}
		}
	}
	return nil
}

func (v *ValueInfo) unmarshal(b []byte) error {
	return fields(b, func(fd field) error {
		switch fd.num {
		case valueName:
			v.Name = string(fd.v)
		case valueType:
			return fields(fd.v, func(fd field) error {
				if fd.num != typeTensor {
					return nil
				}

				return fields(fd.v, func(fd field) error {
					switch fd.num {
					case tensorTypeElem:
						v.ElemType = DataType(fd.x)
					case tensorTypeShape:
						v.Dims = []int64{}
						return fields(fd.v, func(fd field) error {
							if fd.num != shapeDim {
								return nil
							}

							var d int64 = -1
							if err := fields(fd.v, func(fd field) error {
								if fd.num == dimValue {
									d = int64(fd.x)
								}
								return nil
							}); err != nil {
								return err
							}
							v.Dims = append(v.Dims, d)
							return nil
						})
					}
					return nil
				})
			})
		}
		return nil
	})
}
