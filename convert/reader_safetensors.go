// reader_safetensors.go - safetensors lesen und schreiben
// Format: 8 Byte Header-Laenge (LE) + JSON-Header + Tensordaten
package convert

import (
	"bytes"
	"cmp"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"slices"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// maxHeaderSize begrenzt den JSON-Header gegen kaputte Dateien
const maxHeaderSize = 100 << 20

type safetensorsEntry struct {
	DType   string   `json:"dtype"`
	Shape   []int    `json:"shape"`
	Offsets [2]int64 `json:"data_offsets"`
}

func readSafetensors(r io.ReadSeeker) (*StateDict, error) {
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	var n uint64
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}

	if n > maxHeaderSize {
		return nil, fmt.Errorf("%w: safetensors header of %d bytes", ErrFormat, n)
	}

	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}

	var headers map[string]json.RawMessage
	if err := json.NewDecoder(bytes.NewReader(b)).Decode(&headers); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFormat, err)
	}

	type named struct {
		name string
		safetensorsEntry
	}

	var entries []named
	for name, raw := range headers {
		if name == "__metadata__" {
			continue
		}

		var e safetensorsEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrFormat, name, err)
		}
		entries = append(entries, named{name, e})
	}

	// Dateireihenfolge wiederherstellen
	slices.SortStableFunc(entries, func(a, b named) int {
		return cmp.Or(cmp.Compare(a.Offsets[0], b.Offsets[0]), cmp.Compare(a.name, b.name))
	})

	base := int64(8 + n)
	sd := NewStateDict()
	for _, e := range entries {
		if e.Offsets[1] < e.Offsets[0] {
			return nil, fmt.Errorf("%w: %s: invalid offsets %v", ErrFormat, e.name, e.Offsets)
		}

		if _, err := r.Seek(base+e.Offsets[0], io.SeekStart); err != nil {
			return nil, err
		}

		raw := make([]byte, e.Offsets[1]-e.Offsets[0])
		if _, err := io.ReadFull(r, raw); err != nil {
			return nil, fmt.Errorf("%s: %w", e.name, err)
		}

		data, err := decodeSafetensors(e.DType, raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", e.name, err)
		}

		if err := sd.Set(&Tensor{Name: e.name, Shape: e.Shape, DType: e.DType, Data: data}); err != nil {
			return nil, err
		}
	}

	return sd, nil
}

func decodeSafetensors(dtype string, raw []byte) ([]float32, error) {
	size := map[string]int{"F32": 4, "F16": 2, "BF16": 2, "F64": 8}[dtype]
	if size == 0 {
		return nil, fmt.Errorf("%w: dtype %s", ErrFormat, dtype)
	}

	if len(raw)%size != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a multiple of %s", ErrFormat, len(raw), dtype)
	}

	f32s := make([]float32, len(raw)/size)
	switch dtype {
	case "F32":
		for i := range f32s {
			f32s[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case "F16":
		for i := range f32s {
			f32s[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32()
		}
	case "BF16":
		f32s = bfloat16.DecodeFloat32(raw)
	case "F64":
		for i := range f32s {
			f32s[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:])))
		}
	}
	return f32s, nil
}

// WriteSafetensors - Schreibt sd als F32-safetensors in Checkpoint-Reihenfolge
func WriteSafetensors(w io.Writer, sd *StateDict) error {
	headers := map[string]any{
		"__metadata__": map[string]string{"format": "pt"},
	}

	var offset int64
	for name, t := range sd.All() {
		shape := t.Shape
		if shape == nil {
			shape = []int{}
		}

		size := int64(len(t.Data)) * 4
		headers[name] = safetensorsEntry{
			DType:   "F32",
			Shape:   shape,
			Offsets: [2]int64{offset, offset + size},
		}
		offset += size
	}

	b, err := json.Marshal(headers)
	if err != nil {
		return err
	}

	// Header auf 8 Byte mit Leerzeichen auffuellen
	if pad := (8 - len(b)%8) % 8; pad > 0 {
		b = append(b, bytes.Repeat([]byte{' '}, pad)...)
	}

	if err := binary.Write(w, binary.LittleEndian, uint64(len(b))); err != nil {
		return err
	}

	if _, err := w.Write(b); err != nil {
		return err
	}

	for _, t := range sd.All() {
		if err := binary.Write(w, binary.LittleEndian, t.Data); err != nil {
			return err
		}
	}

	return nil
}
