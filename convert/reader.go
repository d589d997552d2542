// reader.go - Checkpoint-Typen und Format-Erkennung
// Haupttypen: Tensor, StateDict
// Einstieg: ReadCheckpoint waehlt anhand von Endung und Magic-Bytes den passenden Reader
package convert

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// ErrFormat wird zurueckgegeben, wenn eine Datei kein lesbarer Checkpoint ist
var ErrFormat = errors.New("unsupported checkpoint format")

// Tensor - Ein nach float32 dekodierter Checkpoint-Tensor
type Tensor struct {
	Name  string
	Shape []int

	// DType ist der Typ im Checkpoint (F32, F16, BF16, F64)
	DType string
	Data  []float32
}

// Elements - Anzahl der Elemente laut Shape
func (t *Tensor) Elements() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// StateDict - Geordnete Abbildung Name -> Tensor
type StateDict struct {
	m *orderedmap.OrderedMap[string, *Tensor]
}

func NewStateDict() *StateDict {
	return &StateDict{m: orderedmap.New[string, *Tensor]()}
}

// Set fuegt t hinzu. Doppelte Namen und falsche Elementanzahlen sind Fehler.
func (sd *StateDict) Set(t *Tensor) error {
	if n := t.Elements(); n != len(t.Data) {
		return fmt.Errorf("tensor %q: shape %v needs %d elements, got %d", t.Name, t.Shape, n, len(t.Data))
	}

	if _, present := sd.m.Set(t.Name, t); present {
		return fmt.Errorf("duplicate tensor %q", t.Name)
	}
	return nil
}

func (sd *StateDict) Len() int {
	return sd.m.Len()
}

// Names - Alle Namen in Checkpoint-Reihenfolge
func (sd *StateDict) Names() []string {
	names := make([]string, 0, sd.m.Len())
	for pair := sd.m.Oldest(); pair != nil; pair = pair.Next() {
		names = append(names, pair.Key)
	}
	return names
}

// Get liefert Shape und Daten eines Tensors
func (sd *StateDict) Get(name string) ([]int, []float32, bool) {
	t, ok := sd.m.Get(name)
	if !ok {
		return nil, nil, false
	}
	return t.Shape, t.Data, true
}

func (sd *StateDict) Tensor(name string) (*Tensor, bool) {
	return sd.m.Get(name)
}

func (sd *StateDict) All() iter.Seq2[string, *Tensor] {
	return func(yield func(string, *Tensor) bool) {
		for pair := sd.m.Oldest(); pair != nil; pair = pair.Next() {
			if !yield(pair.Key, pair.Value) {
				return
			}
		}
	}
}

// NumElements - Summe der Elemente aller Tensoren
func (sd *StateDict) NumElements() int {
	var n int
	for _, t := range sd.All() {
		n += t.Elements()
	}
	return n
}

// Rename - Benennt alle Tensoren mit rename um
func (sd *StateDict) Rename(rename func(string) string) (*StateDict, error) {
	out := NewStateDict()
	for name, t := range sd.All() {
		renamed := *t
		renamed.Name = rename(name)
		if err := out.Set(&renamed); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// wrapperPrefixes stammen von DataParallel ("module.") und torch.compile ("_orig_mod.")
var wrapperPrefixes = []string{"module.", "_orig_mod."}

// StripWrapperPrefixes entfernt Wrapper-Praefixe am Anfang von name,
// auch verschachtelt ("module._orig_mod.x" -> "x")
func StripWrapperPrefixes(name string) string {
	for {
		trimmed := name
		for _, p := range wrapperPrefixes {
			trimmed = strings.TrimPrefix(trimmed, p)
		}
		if trimmed == name {
			return name
		}
		name = trimmed
	}
}

// ReadCheckpoint - Liest einen PyTorch- oder safetensors-Checkpoint
// Unterstuetzte Formate: torch zip, legacy pickle, safetensors
func ReadCheckpoint(path string) (*StateDict, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	magic := make([]byte, 8)
	n, err := io.ReadFull(f, magic)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	magic = magic[:n]

	var sd *StateDict
	switch {
	case strings.EqualFold(filepath.Ext(path), ".safetensors"):
		sd, err = readSafetensors(f)
	case bytes.HasPrefix(magic, []byte("PK\x03\x04")), bytes.HasPrefix(magic, []byte{0x80}):
		sd, err = readTorch(path)
	default:
		return nil, fmt.Errorf("%s: %w", path, ErrFormat)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	sd, err = sd.Rename(StripWrapperPrefixes)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	slog.Debug("read checkpoint", "path", path, "tensors", sd.Len(), "elements", sd.NumElements())
	return sd, nil
}
