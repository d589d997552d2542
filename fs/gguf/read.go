// Package gguf - GGUF Read Operations
//
// Dieses Modul enthaelt:
// - File: dekodierte Metadaten und Tensor-Infos einer GGUF-Datei
// - Decode: liest Header, KV-Paare und Tensor-Infos (nur V3)
// - File.Tensor: liest die Daten eines Tensors
package gguf

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"slices"
)

// maxCount begrenzt Laengen aus dem Header gegen kaputte Dateien
const maxCount = 1 << 28

// File repraesentiert eine dekodierte GGUF-Datei
type File struct {
	Version uint32
	KV      KV
	Tensors []*Tensor

	// offset ist der Beginn des Datenbereichs
	offset int64
	r      io.ReaderAt
}

// Decode liest Header, KV-Paare und Tensor-Infos aus rs
func Decode(rs io.ReadSeeker) (*File, error) {
	var magic [4]byte
	if err := binary.Read(rs, binary.LittleEndian, &magic); err != nil {
		return nil, err
	}

	if !bytes.Equal(magic[:], []byte("GGUF")) {
		return nil, fmt.Errorf("%w file type %q", ErrUnsupported, magic[:])
	}

	f := &File{KV: make(KV)}
	if err := binary.Read(rs, binary.LittleEndian, &f.Version); err != nil {
		return nil, err
	}

	if f.Version != 3 {
		return nil, fmt.Errorf("%w version %d", ErrUnsupported, f.Version)
	}

	var numTensors, numKV uint64
	if err := binary.Read(rs, binary.LittleEndian, &numTensors); err != nil {
		return nil, err
	}
	if err := binary.Read(rs, binary.LittleEndian, &numKV); err != nil {
		return nil, err
	}

	if numTensors > maxCount || numKV > maxCount {
		return nil, fmt.Errorf("%w header counts %d/%d", ErrUnsupported, numTensors, numKV)
	}

	for range numKV {
		k, err := readString(rs)
		if err != nil {
			return nil, err
		}

		t, err := read[uint32](rs)
		if err != nil {
			return nil, err
		}

		v, err := readValue(rs, t)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		f.KV[k] = v
	}

	for range numTensors {
		t, err := readTensorInfo(rs)
		if err != nil {
			return nil, err
		}
		f.Tensors = append(f.Tensors, t)
	}

	offset, err := rs.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, err
	}
	f.offset = offset + padding(offset, int64(f.KV.Uint("general.alignment", defaultAlignment)))

	if ra, ok := rs.(io.ReaderAt); ok {
		f.r = ra
	}

	return f, nil
}

// Tensor liest die Daten des benannten Tensors
func (f *File) Tensor(name string) (*Tensor, error) {
	i := slices.IndexFunc(f.Tensors, func(t *Tensor) bool { return t.Name == name })
	if i < 0 {
		return nil, fmt.Errorf("tensor %q not found", name)
	}

	t := f.Tensors[i]
	if t.Data != nil {
		return t, nil
	}

	if f.r == nil {
		return nil, fmt.Errorf("tensor %q: reader does not support random access", name)
	}

	t.Data = make([]float32, t.Elements())
	sr := io.NewSectionReader(f.r, f.offset+int64(t.Offset), int64(t.Size()))
	if err := binary.Read(sr, binary.LittleEndian, t.Data); err != nil {
		t.Data = nil
		return nil, fmt.Errorf("tensor %q: %w", name, err)
	}

	return t, nil
}

func read[T any](r io.Reader) (T, error) {
	var t T
	err := binary.Read(r, binary.LittleEndian, &t)
	return t, err
}

func readString(r io.Reader) (string, error) {
	n, err := read[uint64](r)
	if err != nil {
		return "", err
	}

	if n > maxCount {
		return "", fmt.Errorf("%w string length %d", ErrUnsupported, n)
	}

	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

func readValue(r io.Reader, t uint32) (any, error) {
	switch t {
	case typeUint8:
		return read[uint8](r)
	case typeInt8:
		return read[int8](r)
	case typeUint16:
		return read[uint16](r)
	case typeInt16:
		return read[int16](r)
	case typeUint32:
		return read[uint32](r)
	case typeInt32:
		return read[int32](r)
	case typeUint64:
		return read[uint64](r)
	case typeInt64:
		return read[int64](r)
	case typeFloat32:
		return read[float32](r)
	case typeFloat64:
		return read[float64](r)
	case typeBool:
		return read[bool](r)
	case typeString:
		return readString(r)
	case typeArray:
		return readArray(r)
	default:
		return nil, fmt.Errorf("invalid type: %d", t)
	}
}

func readArray(r io.Reader) (any, error) {
	t, err := read[uint32](r)
	if err != nil {
		return nil, err
	}

	n, err := read[uint64](r)
	if err != nil {
		return nil, err
	}

	if n > maxCount {
		return nil, fmt.Errorf("%w array length %d", ErrUnsupported, n)
	}

	switch t {
	case typeUint8:
		return readArrayData[uint8](r, n)
	case typeInt8:
		return readArrayData[int8](r, n)
	case typeUint16:
		return readArrayData[uint16](r, n)
	case typeInt16:
		return readArrayData[int16](r, n)
	case typeUint32:
		return readArrayData[uint32](r, n)
	case typeInt32:
		return readArrayData[int32](r, n)
	case typeUint64:
		return readArrayData[uint64](r, n)
	case typeInt64:
		return readArrayData[int64](r, n)
	case typeFloat32:
		return readArrayData[float32](r, n)
	case typeFloat64:
		return readArrayData[float64](r, n)
	case typeBool:
		return readArrayData[bool](r, n)
	case typeString:
		s := make([]string, n)
		for i := range s {
			if s[i], err = readString(r); err != nil {
				return nil, err
			}
		}
		return s, nil
	default:
		return nil, fmt.Errorf("invalid array type: %d", t)
	}
}

func readArrayData[T any](r io.Reader, n uint64) ([]T, error) {
	s := make([]T, n)
	if err := binary.Read(r, binary.LittleEndian, s); err != nil {
		return nil, err
	}
	return s, nil
}

func readTensorInfo(r io.Reader) (*Tensor, error) {
	name, err := readString(r)
	if err != nil {
		return nil, err
	}

	dims, err := read[uint32](r)
	if err != nil {
		return nil, err
	}

	if dims > 8 {
		return nil, fmt.Errorf("%w: tensor %q has %d dimensions", ErrUnsupported, name, dims)
	}

	shape := make([]int, dims)
	for i := range shape {
		n, err := read[uint64](r)
		if err != nil {
			return nil, err
		}
		shape[i] = int(n)
	}
	slices.Reverse(shape)

	kind, err := read[uint32](r)
	if err != nil {
		return nil, err
	}

	if kind != tensorTypeF32 {
		return nil, fmt.Errorf("%w: tensor %q has type %d", ErrUnsupported, name, kind)
	}

	offset, err := read[uint64](r)
	if err != nil {
		return nil, err
	}

	return &Tensor{Name: name, Shape: shape, Offset: offset}, nil
}
