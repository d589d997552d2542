// Package export - Laden von Groove-Modellen und Schreiben der Artefakte
//
// Dieses Modul enthaelt:
// - Fehler-Sentinels fuer Konfiguration, IO, Struktur und Export
// - Loader/Instance: Checkpoint lesen, Architektur bauen, Eval-Modus
// - Exporter: gemeinsames Interface fuer Trace- und ONNX-Export
// - ExampleInput: reproduzierbare synthetische Eingaben
package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"

	"github.com/neuralmidifx/grooveexport/convert"
	"github.com/neuralmidifx/grooveexport/ml"
	"github.com/neuralmidifx/grooveexport/model"
	"github.com/neuralmidifx/grooveexport/model/models/groove"
	"github.com/neuralmidifx/grooveexport/params"
)

// Fehler-Definitionen
var (
	// ErrConfig ist derselbe Wert wie params.ErrInvalid
	ErrConfig     = params.ErrInvalid
	ErrIO         = errors.New("checkpoint unavailable")
	ErrStructural = errors.New("structural mismatch")
	ErrExport     = errors.New("export failed")
)

// Exporter schreibt genau ein Artefakt pro Modell-Instanz
type Exporter interface {
	// Kind ist "trace" oder "onnx"
	Kind() string

	// Export schreibt das Artefakt und gibt dessen Pfad zurueck
	Export(ctx context.Context, inst *Instance) (string, error)
}

// Instance ist ein geladenes Modell im Eval-Modus. Close gibt das Backend frei.
type Instance struct {
	Config params.ModelConfig
	Model  model.Model
}

// NumParams gibt die Anzahl lernbarer Parameter zurueck
func (i *Instance) NumParams() int {
	return model.NumParams(i.Model)
}

// Close gibt alle Ressourcen des Backends frei
func (i *Instance) Close() {
	if i != nil && i.Model != nil {
		i.Model.Backend().Close()
		i.Model = nil
	}
}

// Loader baut Modell-Instanzen aus Konfiguration und Checkpoint
type Loader struct {
	// Arch ist die Architektur der Checkpoints, leer = groove
	Arch string
}

// Load fuehrt Device-Pruefung, Checkpoint-Lesen, Aufbau, strikte
// Strukturpruefung und das Umschalten in den Eval-Modus aus
func (l *Loader) Load(ctx context.Context, cfg params.ModelConfig) (*Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cfg, err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	if !slices.Contains(ml.Devices(), string(cfg.Device)) {
		return nil, fmt.Errorf("%w %s: %w: %q (available: %v)", ErrConfig, cfg.Name, ml.ErrDeviceUnavailable, cfg.Device, ml.Devices())
	}

	sd, err := convert.ReadCheckpoint(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrIO, cfg.Name, err)
	}

	arch := l.Arch
	if arch == "" {
		arch = groove.Architecture
	}

	m, err := model.New(arch, cfg, sd)
	switch {
	case errors.Is(err, model.ErrStructure):
		return nil, fmt.Errorf("%w: %s: %w", ErrStructural, cfg.Name, err)
	case errors.Is(err, ml.ErrDeviceUnavailable):
		return nil, fmt.Errorf("%w %s: %w", ErrConfig, cfg.Name, err)
	case err != nil:
		return nil, fmt.Errorf("%s: %w", cfg.Name, err)
	}

	m.Eval()

	inst := &Instance{Config: cfg, Model: m}
	slog.Info("model loaded", "name", cfg.Name, "device", m.Backend().Device(), "parameters", inst.NumParams())
	return inst, nil
}

// ExampleInput fuellt einen Tensor der Form shape mit gleichverteilten
// Werten aus [0, 1). Gleicher Seed ergibt gleiche Werte.
func ExampleInput(shape []int, seed uint64) []float32 {
	n := 1
	for _, d := range shape {
		n *= d
	}

	r := rand.New(rand.NewPCG(seed, seed))
	x := make([]float32, n)
	for i := range x {
		x[i] = r.Float32()
	}
	return x
}

// writeAtomic schreibt ueber eine temporaere Datei im Zielverzeichnis und
// benennt sie erst nach erfolgreichem Schreiben um
func writeAtomic(path string, write func(*os.File) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-")
	if err != nil {
		return err
	}
	defer os.Remove(f.Name())

	if err := write(f); err != nil {
		f.Close()
		return err
	}

	if err := f.Close(); err != nil {
		return err
	}

	if err := os.Chmod(f.Name(), 0o644); err != nil {
		return err
	}

	return os.Rename(f.Name(), path)
}
