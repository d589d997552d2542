// interchange.go - ONNX-Export eines benannten Sub-Moduls
//
// Dieses Modul enthaelt:
// - InterchangeExporter: waehlt das Sub-Modul, zeichnet es auf und schreibt
//   <Dir>/<name>_<artifact>.onnx
// - Optionale Pruefungen: Strukturpruefung und Ausfuehrung in ONNX Runtime
package export

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"

	"github.com/neuralmidifx/grooveexport/model/models/groove"
	"github.com/neuralmidifx/grooveexport/onnx"
)

// DefaultTolerance ist die maximale absolute Abweichung beim Vergleich von Ausgaben
const DefaultTolerance = 1e-4

// InterchangeExporter schreibt ein Sub-Modul als ONNX-Graph
type InterchangeExporter struct {
	Dir string

	// Submodule ist der Modulpfad, leer = encoder.layers.0
	Submodule string
	Seed      uint64

	// Check fuehrt die Strukturpruefung vor dem Schreiben aus
	Check bool

	// Runtime fuehrt das geschriebene Modell in ONNX Runtime aus und vergleicht
	// die Ausgaben. Ohne -tags onnxruntime wird es mit einer Warnung uebersprungen.
	Runtime bool
}

func (e *InterchangeExporter) Kind() string {
	return "onnx"
}

func (e *InterchangeExporter) submodule() string {
	if e.Submodule == "" {
		return groove.DefaultSubmodule
	}
	return e.Submodule
}

// Export zeichnet das Sub-Modul auf und schreibt das Artefakt atomar
func (e *InterchangeExporter) Export(ctx context.Context, inst *Instance) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	cfg := inst.Config
	if e.Runtime && !onnx.RuntimeAvailable {
		return "", fmt.Errorf("%w: %s: %w", ErrExport, cfg.Name, onnx.ErrRuntimeUnavailable)
	}

	sub, err := inst.Model.Submodule(e.submodule())
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrExport, cfg.Name, err)
	}

	x := ExampleInput(sub.Shape, e.Seed)

	tctx := inst.Model.Backend().NewTraceContext()
	defer tctx.Close()

	outputs, err := sub.Forward(tctx, tctx.Input(sub.Input, x, sub.Shape...))
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrExport, cfg.Name, err)
	}

	g := tctx.Forward(outputs...).Graph()
	if err := tctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrExport, cfg.Name, err)
	}

	m, err := onnx.FromGraph(cfg.Name+"_"+sub.Artifact, g)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrExport, cfg.Name, err)
	}

	if e.Check {
		if err := onnx.Check(m); err != nil {
			return "", fmt.Errorf("%w: %s: %w", ErrExport, cfg.Name, err)
		}
	}

	path := filepath.Join(e.Dir, cfg.Name+"_"+sub.Artifact+".onnx")
	if err := writeAtomic(path, func(f *os.File) error {
		_, err := f.Write(m.Marshal())
		return err
	}); err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrExport, path, err)
	}

	if e.Runtime {
		want := make([][]float32, len(outputs))
		for i, o := range outputs {
			want[i] = o.Floats()
		}

		if err := e.validateRuntime(path, m, x, want); err != nil {
			os.Remove(path)
			return "", fmt.Errorf("%w: %s: %w", ErrExport, cfg.Name, err)
		}
	}

	slog.Info("onnx exported", "name", cfg.Name, "submodule", sub.Name, "path", path, "nodes", len(m.Graph.Nodes), "initializers", len(m.Graph.Initializers))
	return path, nil
}

func (e *InterchangeExporter) validateRuntime(path string, m *onnx.Model, x []float32, want [][]float32) error {
	got, err := onnx.RunRuntime(path, m, x)
	if err != nil {
		return err
	}

	if d := maxAbsDiff(want, got); d > DefaultTolerance {
		return fmt.Errorf("onnx runtime outputs differ by %g (tolerance %g)", d, DefaultTolerance)
	}
	return nil
}

// maxAbsDiff gibt die groesste absolute Abweichung zurueck, +Inf bei
// unterschiedlichen Formen
func maxAbsDiff(want, got [][]float32) float64 {
	if len(want) != len(got) {
		return math.Inf(1)
	}

	var d float64
	for i := range want {
		if len(want[i]) != len(got[i]) {
			return math.Inf(1)
		}

		for j := range want[i] {
			diff := math.Abs(float64(want[i][j]) - float64(got[i][j]))
			if math.IsNaN(diff) {
				return math.Inf(1)
			}
			d = max(d, diff)
		}
	}
	return d
}
