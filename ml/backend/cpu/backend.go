// backend.go - CPU-Backend-Struktur und Basis-Methoden
// Enthaelt: Backend struct, init(), New(), Close(), Get(), Unused()

package cpu

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/neuralmidifx/grooveexport/ml"
)

func init() {
	ml.RegisterBackend("cpu", New)
}

// Backend haelt alle Gewichte eines Modells im Hauptspeicher
type Backend struct {
	mu sync.Mutex

	names   []string
	tensors map[string]*Tensor
	used    map[string]bool
}

// New kopiert die Gewichte aus w in ein neues CPU-Backend
func New(w ml.Weights) (ml.Backend, error) {
	b := &Backend{
		tensors: make(map[string]*Tensor),
		used:    make(map[string]bool),
	}

	for _, name := range w.Names() {
		shape, data, ok := w.Get(name)
		if !ok {
			return nil, fmt.Errorf("weight %q disappeared while loading", name)
		}

		if n := elements(shape); n != len(data) {
			return nil, fmt.Errorf("weight %q: shape %v needs %d elements, got %d", name, shape, n, len(data))
		}

		b.names = append(b.names, name)
		b.tensors[name] = &Tensor{
			name:  name,
			shape: slices.Clone(shape),
			data:  slices.Clone(data),
			param: true,
		}
	}

	slog.Debug("cpu backend", "tensors", len(b.names))
	return b, nil
}

// Close gibt alle Gewichte frei
func (b *Backend) Close() {
	if b == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.tensors = nil
	b.names = nil
}

func (b *Backend) Device() string {
	return "cpu"
}

// Get gibt einen Tensor nach Name zurueck und markiert ihn als benutzt
func (b *Backend) Get(name string) ml.Tensor {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t, ok := b.tensors[name]; ok {
		b.used[name] = true
		return t
	}

	return nil
}

// Unused gibt alle nie abgefragten Gewichte in Ladereihenfolge zurueck
func (b *Backend) Unused() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var unused []string
	for _, name := range b.names {
		if !b.used[name] {
			unused = append(unused, name)
		}
	}
	return unused
}

// NewContext erzeugt einen Kontext, der sofort rechnet
func (b *Backend) NewContext() ml.Context {
	return &Context{b: b}
}

// NewTraceContext erzeugt einen Kontext, der zusaetzlich einen Graph aufzeichnet
func (b *Backend) NewTraceContext() ml.Context {
	return &Context{
		b:     b,
		graph: &ml.Graph{},
		ids:   make(map[*Tensor]int),
		names: make(map[string]int),
	}
}
