// Package gguf - GGUF v3 Container fuer eingefrorene Graphen
//
// Dieses Modul enthaelt:
// - Type-Konstanten fuer die GGUF-Datentypen
// - KV: Metadaten mit typisierten Gettern und Architektur-Praefix
// - Tensor: F32-Tensor mit Name, Form und Daten
package gguf

import (
	"errors"
	"fmt"
	"iter"
	"maps"
	"slices"
	"strings"
)

// Type-Konstanten fuer GGUF-Datentypen
const (
	typeUint8 uint32 = iota
	typeInt8
	typeUint16
	typeInt16
	typeUint32
	typeInt32
	typeFloat32
	typeBool
	typeString
	typeArray
	typeUint64
	typeInt64
	typeFloat64
)

// tensorTypeF32 ist der einzige unterstuetzte Tensor-Typ
const tensorTypeF32 uint32 = 0

const defaultAlignment = 32

// ErrUnsupported wird bei nicht unterstuetzten Formaten oder Versionen zurueckgegeben
var ErrUnsupported = errors.New("unsupported")

// KV - Key-Value Map fuer GGUF Metadaten
type KV map[string]any

// Architecture - Gibt die Architektur zurueck
func (kv KV) Architecture() string {
	return kv.String("general.architecture", "unknown")
}

// key ergaenzt das Architektur-Praefix fuer nicht-allgemeine Schluessel
func (kv KV) key(k string) string {
	if strings.HasPrefix(k, "general.") {
		return k
	}

	if arch := kv.Architecture(); !strings.HasPrefix(k, arch+".") {
		return arch + "." + k
	}
	return k
}

// valueTypes - Erlaubte Einzelwert-Typen fuer KV
type valueTypes interface {
	uint8 | int8 | uint16 | int16 |
		uint32 | int32 | uint64 | int64 |
		string | float32 | float64 | bool
}

// arrayValueTypes - Erlaubte Array-Typen fuer KV
type arrayValueTypes interface {
	[]uint8 | []int8 | []uint16 | []int16 |
		[]uint32 | []int32 | []uint64 | []int64 |
		[]string | []float32 | []float64 | []bool
}

func keyValue[T valueTypes | arrayValueTypes](kv KV, key string, defaultValue ...T) (T, bool) {
	if val, ok := kv[kv.key(key)].(T); ok {
		return val, true
	}

	var zero T
	if len(defaultValue) > 0 {
		zero = defaultValue[0]
	}
	return zero, false
}

func (kv KV) String(key string, defaultValue ...string) string {
	val, _ := keyValue(kv, key, defaultValue...)
	return val
}

func (kv KV) Uint(key string, defaultValue ...uint32) uint32 {
	val, _ := keyValue(kv, key, defaultValue...)
	return val
}

func (kv KV) Float(key string, defaultValue ...float32) float32 {
	val, _ := keyValue(kv, key, defaultValue...)
	return val
}

func (kv KV) Strings(key string, defaultValue ...[]string) []string {
	val, _ := keyValue(kv, key, defaultValue...)
	return val
}

func (kv KV) Ints(key string, defaultValue ...[]int32) []int32 {
	val, _ := keyValue(kv, key, defaultValue...)
	return val
}

func (kv KV) Floats(key string, defaultValue ...[]float32) []float32 {
	val, _ := keyValue(kv, key, defaultValue...)
	return val
}

// Require - Prueft, dass alle Schluessel vorhanden sind
func (kv KV) Require(keys ...string) error {
	var missing []string
	for _, k := range keys {
		if _, ok := kv[kv.key(k)]; !ok {
			missing = append(missing, kv.key(k))
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing metadata: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Len - Anzahl der Eintraege
func (kv KV) Len() int {
	return len(kv)
}

// Keys - Alle Schluessel in sortierter Reihenfolge
func (kv KV) Keys() iter.Seq[string] {
	return slices.Values(slices.Sorted(maps.Keys(kv)))
}

// Tensor - F32-Tensor in Row-Major-Form. Shape ist outermost-first wie im
// Checkpoint und wird beim Schreiben in GGML-Reihenfolge umgedreht.
type Tensor struct {
	Name  string
	Shape []int
	Data  []float32

	// Offset relativ zum Beginn des Datenbereichs, gesetzt von WriteGGUF/Decode
	Offset uint64
}

func (t *Tensor) Elements() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Size - Groesse der Tensordaten in Bytes
func (t *Tensor) Size() uint64 {
	return uint64(t.Elements()) * 4
}

func padding(offset, align int64) int64 {
	return (align - offset%align) % align
}
