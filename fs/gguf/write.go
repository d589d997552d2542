// Package gguf - GGUF Write Operations
//
// Dieses Modul enthaelt Funktionen zum Schreiben von GGUF-Dateien:
// - WriteGGUF: Schreibt komplettes GGUF-File mit KV und Tensoren
// - writeValue/writeString/writeArray: Serialisierung der KV-Werte
// - writeTensorInfo: Tensor-Metadaten Serialisierung
//
// Die Ausgabe ist deterministisch: sortierte Schluessel, nach Namen
// sortierte Tensoren, keine Zeitstempel.
package gguf

import (
	"cmp"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/neuralmidifx/grooveexport/logutil"
)

// WriteSeekerAt ist ein Ziel, in das Tensordaten parallel geschrieben werden koennen
type WriteSeekerAt interface {
	io.WriteSeeker
	io.WriterAt
}

// WriteGGUF schreibt ein GGUF-File mit KV-Paaren und Tensoren (V3 Format)
func WriteGGUF(f WriteSeekerAt, kv KV, ts []*Tensor) error {
	if kv.String("general.architecture") == "" {
		return errors.New("architecture not set")
	}

	if _, ok := kv["general.alignment"]; !ok {
		kv["general.alignment"] = uint32(defaultAlignment)
	}

	// Magic, Version, Tensor- und KV-Anzahl
	for _, v := range []any{[]byte("GGUF"), uint32(3), uint64(len(ts)), uint64(kv.Len())} {
		if err := binary.Write(f, binary.LittleEndian, v); err != nil {
			return err
		}
	}

	for k := range kv.Keys() {
		if err := writeKV(f, kv.key(k), kv[k]); err != nil {
			return err
		}
	}

	ts = slices.Clone(ts)
	slices.SortStableFunc(ts, func(a, b *Tensor) int {
		return cmp.Compare(a.Name, b.Name)
	})

	alignment := int64(kv.Uint("general.alignment", defaultAlignment))

	var s uint64
	for _, t := range ts {
		if n := t.Elements(); n != len(t.Data) {
			return fmt.Errorf("tensor %q: shape %v needs %d elements, got %d", t.Name, t.Shape, n, len(t.Data))
		}

		t.Offset = s
		if err := writeTensorInfo(f, t); err != nil {
			return err
		}
		s += t.Size()
		s += uint64(padding(int64(s), alignment))
	}

	offset, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	offset += padding(offset, alignment)

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for _, t := range ts {
		w := io.NewOffsetWriter(f, offset+int64(t.Offset))
		g.Go(func() error {
			return binary.Write(w, binary.LittleEndian, t.Data)
		})
	}

	return g.Wait()
}

// writeValue schreibt einen typisierten Wert mit Typ-Prefix
func writeValue[V any](w io.Writer, t uint32, v V) error {
	if err := binary.Write(w, binary.LittleEndian, t); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, v)
}

func writeRawString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.LittleEndian, uint64(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

// writeString schreibt einen String mit Typ-Prefix und Laenge
func writeString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.LittleEndian, typeString); err != nil {
		return err
	}
	return writeRawString(w, s)
}

// writeArray schreibt ein Array mit Typ-Prefix
func writeArray[S ~[]E, E any](w io.Writer, t uint32, s S) error {
	for _, v := range []any{typeArray, t, uint64(len(s))} {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return err
		}
	}

	// Strings muessen einzeln geschrieben werden
	if t == typeString {
		for _, e := range any(s).([]string) {
			if err := writeRawString(w, e); err != nil {
				return err
			}
		}
		return nil
	}

	return binary.Write(w, binary.LittleEndian, s)
}

// writeKV schreibt ein Key-Value Paar
func writeKV(w io.Writer, k string, v any) error {
	logutil.Trace(k, "type", fmt.Sprintf("%T", v))

	if err := writeRawString(w, k); err != nil {
		return err
	}

	switch v := v.(type) {
	case uint8:
		return writeValue(w, typeUint8, v)
	case int8:
		return writeValue(w, typeInt8, v)
	case uint16:
		return writeValue(w, typeUint16, v)
	case int16:
		return writeValue(w, typeInt16, v)
	case uint32:
		return writeValue(w, typeUint32, v)
	case int32:
		return writeValue(w, typeInt32, v)
	case uint64:
		return writeValue(w, typeUint64, v)
	case int64:
		return writeValue(w, typeInt64, v)
	case float32:
		return writeValue(w, typeFloat32, v)
	case float64:
		return writeValue(w, typeFloat64, v)
	case bool:
		return writeValue(w, typeBool, v)
	case string:
		return writeString(w, v)
	case []uint32:
		return writeArray(w, typeUint32, v)
	case []int32:
		return writeArray(w, typeInt32, v)
	case []uint64:
		return writeArray(w, typeUint64, v)
	case []int64:
		return writeArray(w, typeInt64, v)
	case []float32:
		return writeArray(w, typeFloat32, v)
	case []string:
		return writeArray(w, typeString, v)
	case []bool:
		return writeArray(w, typeBool, v)
	default:
		return fmt.Errorf("improper type %T for '%s'", v, k)
	}
}

// writeTensorInfo schreibt die Tensor-Metadaten. Dimensionen werden wie bei
// GGML innerste zuerst abgelegt.
func writeTensorInfo(w io.Writer, t *Tensor) error {
	slog.Debug(t.Name, "shape", t.Shape, "offset", t.Offset)

	if err := writeRawString(w, t.Name); err != nil {
		return err
	}

	if err := binary.Write(w, binary.LittleEndian, uint32(len(t.Shape))); err != nil {
		return err
	}

	for _, n := range slices.Backward(t.Shape) {
		if err := binary.Write(w, binary.LittleEndian, uint64(n)); err != nil {
			return err
		}
	}

	if err := binary.Write(w, binary.LittleEndian, tensorTypeF32); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, t.Offset)
}
