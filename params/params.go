// Package params - Modell-Konfigurationen fuer den Export
//
// Dieses Modul enthaelt:
// - ModelConfig: Hyperparameter und Checkpoint-Pfad eines Modells
// - Device: Ziel-Device (cpu, cuda)
// - Table: Geordnete, validierte Zuordnung Name -> ModelConfig
// - Default: Die eingebaute Tabelle der vier Groove-Modelle
package params

import (
	"cmp"
	"errors"
	"fmt"
	"iter"
	"slices"
	"strings"

	"github.com/agnivade/levenshtein"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// ErrInvalid wird fuer fehlerhafte oder fehlende Konfigurationswerte zurueckgegeben
var ErrInvalid = errors.New("invalid model config")

// Device ist das Ziel-Device fuer Gewichte und Berechnung
type Device string

const (
	DeviceCPU  Device = "cpu"
	DeviceCUDA Device = "cuda"
)

// ParseDevice parst einen Device-Namen ("gpu" ist ein Alias fuer cuda)
func ParseDevice(s string) (Device, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cpu":
		return DeviceCPU, nil
	case "cuda", "gpu":
		return DeviceCUDA, nil
	default:
		return "", fmt.Errorf("%w: unknown device %q", ErrInvalid, s)
	}
}

// ModelConfig beschreibt ein exportierbares Modell
type ModelConfig struct {
	Name          string  `json:"name" yaml:"name" toml:"name"`
	Path          string  `json:"path" yaml:"path" toml:"path"`
	DModel        int     `json:"d_model" yaml:"d_model" toml:"d_model"`
	DimFF         int     `json:"dim_ff" yaml:"dim_ff" toml:"dim_ff"`
	Dropout       float64 `json:"dropout" yaml:"dropout" toml:"dropout"`
	NHeads        int     `json:"n_heads" yaml:"n_heads" toml:"n_heads"`
	NLayers       int     `json:"n_layers" yaml:"n_layers" toml:"n_layers"`
	EmbeddingSize int     `json:"embedding_sz" yaml:"embedding_sz" toml:"embedding_sz"`
	MaxLen        int     `json:"max_len" yaml:"max_len" toml:"max_len"`
	Device        Device  `json:"device" yaml:"device" toml:"device"`
}

// Validate prueft alle Felder und gibt eine normalisierte Kopie zurueck
func (c ModelConfig) Validate() (ModelConfig, error) {
	var errs []error
	positive := func(field string, v int) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", field, v))
		}
	}

	if c.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if c.Path == "" {
		errs = append(errs, errors.New("path is required"))
	}

	positive("d_model", c.DModel)
	positive("dim_ff", c.DimFF)
	positive("n_heads", c.NHeads)
	positive("n_layers", c.NLayers)
	positive("embedding_sz", c.EmbeddingSize)
	positive("max_len", c.MaxLen)

	if c.NHeads > 0 && c.DModel%c.NHeads != 0 {
		errs = append(errs, fmt.Errorf("d_model %d is not divisible by n_heads %d", c.DModel, c.NHeads))
	}

	// Ausgabe wird in hits, velocities und offsets geteilt
	if c.EmbeddingSize > 0 && c.EmbeddingSize%3 != 0 {
		errs = append(errs, fmt.Errorf("embedding_sz %d is not divisible by 3", c.EmbeddingSize))
	}

	if c.Dropout < 0 || c.Dropout >= 1 {
		errs = append(errs, fmt.Errorf("dropout must be in [0, 1), got %g", c.Dropout))
	}

	if c.Device == "" {
		c.Device = DeviceCPU
	} else if d, err := ParseDevice(string(c.Device)); err != nil {
		errs = append(errs, fmt.Errorf("unknown device %q", c.Device))
	} else {
		c.Device = d
	}

	if len(errs) > 0 {
		name := cmp.Or(c.Name, "<unnamed>")
		return c, fmt.Errorf("%w %s: %w", ErrInvalid, name, errors.Join(errs...))
	}

	return c, nil
}

// HeadDim gibt die Dimension pro Attention-Head zurueck
func (c ModelConfig) HeadDim() int {
	return c.DModel / c.NHeads
}

// Voices gibt die Anzahl der Instrumente (embedding_sz / 3) zurueck
func (c ModelConfig) Voices() int {
	return c.EmbeddingSize / 3
}

// Table ist eine geordnete, validierte Modell-Tabelle
// Die Einfuege-Reihenfolge ist die Verarbeitungs-Reihenfolge
type Table struct {
	m *orderedmap.OrderedMap[string, ModelConfig]
}

// NewTable validiert alle Eintraege und baut die Tabelle
func NewTable(configs ...ModelConfig) (*Table, error) {
	t := &Table{m: orderedmap.New[string, ModelConfig]()}
	for _, c := range configs {
		c, err := c.Validate()
		if err != nil {
			return nil, err
		}

		if _, ok := t.m.Get(c.Name); ok {
			return nil, fmt.Errorf("%w: duplicate model name %q", ErrInvalid, c.Name)
		}
		t.m.Set(c.Name, c)
	}

	return t, nil
}

// Len gibt die Anzahl der Eintraege zurueck
func (t *Table) Len() int {
	return t.m.Len()
}

// Get gibt die Konfiguration fuer name zurueck
func (t *Table) Get(name string) (ModelConfig, bool) {
	return t.m.Get(name)
}

// Names gibt alle Namen in Tabellen-Reihenfolge zurueck
func (t *Table) Names() []string {
	names := make([]string, 0, t.m.Len())
	for pair := t.m.Oldest(); pair != nil; pair = pair.Next() {
		names = append(names, pair.Key)
	}
	return names
}

// All iteriert ueber alle Eintraege in Tabellen-Reihenfolge
func (t *Table) All() iter.Seq2[string, ModelConfig] {
	return func(yield func(string, ModelConfig) bool) {
		for pair := t.m.Oldest(); pair != nil; pair = pair.Next() {
			if !yield(pair.Key, pair.Value) {
				return
			}
		}
	}
}

// Select gibt eine Teil-Tabelle zurueck, die Reihenfolge der Tabelle bleibt erhalten
func (t *Table) Select(names ...string) (*Table, error) {
	if len(names) == 0 {
		return t, nil
	}

	for _, name := range names {
		if _, ok := t.m.Get(name); !ok {
			err := fmt.Errorf("%w: unknown model %q", ErrInvalid, name)
			if s := Suggest(name, t.Names()); s != "" {
				err = fmt.Errorf("%w (did you mean %q?)", err, s)
			}
			return nil, err
		}
	}

	sub := &Table{m: orderedmap.New[string, ModelConfig]()}
	for name, c := range t.All() {
		if slices.Contains(names, name) {
			sub.m.Set(name, c)
		}
	}
	return sub, nil
}

// WithDevice gibt eine Kopie mit ueberschriebenem Device zurueck
func (t *Table) WithDevice(d Device) *Table {
	sub := &Table{m: orderedmap.New[string, ModelConfig]()}
	for name, c := range t.All() {
		c.Device = d
		sub.m.Set(name, c)
	}
	return sub
}

// Suggest gibt den aehnlichsten Kandidaten zurueck (leer wenn keiner nahe genug ist)
func Suggest(name string, candidates []string) string {
	best, bestDistance := "", len(name)/2+2
	for _, c := range candidates {
		if d := levenshtein.ComputeDistance(name, c); d < bestDistance {
			best, bestDistance = c, d
		}
	}
	return best
}

// Default gibt die eingebaute Tabelle zurueck
func Default() *Table {
	t, err := NewTable(defaults...)
	if err != nil {
		panic(err)
	}
	return t
}

// defaults sind die trainierten Groove-Modelle des MonotonicGrooveTransformer
var defaults = []ModelConfig{
	{
		// Light-Version
		Name:          "model_1",
		Path:          "pyTorch_models/misunderstood_bush_246-epoch_26.Model",
		DModel:        128,
		DimFF:         128,
		Dropout:       0.1038,
		NHeads:        4,
		NLayers:       11,
		EmbeddingSize: 27,
		MaxLen:        32,
		Device:        DeviceCPU,
	},
	{
		// Heavy-Version
		Name:          "model_2",
		Path:          "pyTorch_models/rosy_durian_248-epoch_26.Model",
		DModel:        512,
		DimFF:         16,
		Dropout:       0.1093,
		NHeads:        4,
		NLayers:       6,
		EmbeddingSize: 27,
		MaxLen:        32,
		Device:        DeviceCPU,
	},
	{
		Name:          "model_3",
		Path:          "pyTorch_models/hopeful_gorge_252-epoch_90.Model",
		DModel:        512,
		DimFF:         64,
		Dropout:       0.1093,
		NHeads:        4,
		NLayers:       8,
		EmbeddingSize: 27,
		MaxLen:        32,
		Device:        DeviceCPU,
	},
	{
		Name:          "model_4",
		Path:          "pyTorch_models/solar_shadow_247-epoch_41.Model",
		DModel:        128,
		DimFF:         16,
		Dropout:       0.159,
		NHeads:        1,
		NLayers:       7,
		EmbeddingSize: 27,
		MaxLen:        32,
		Device:        DeviceCPU,
	},
}
