// verify.go - Vergleich eines Trace-Artefakts mit dem geladenen Modell
package export

import (
	"context"
	"fmt"
	"log/slog"
)

// Verification ist das Ergebnis von Verify
type Verification struct {
	Name    string
	Path    string
	Outputs int
	MaxDiff float64
}

// Verify laedt das Trace-Artefakt unter path, fuehrt es und inst mit der
// gespeicherten Beispiel-Eingabe aus und vergleicht die Ausgaben
func Verify(ctx context.Context, inst *Instance, path string, tolerance float64) (*Verification, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tr, err := LoadTrace(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}

	if tr.Name != inst.Config.Name {
		return nil, fmt.Errorf("%w: %s was traced from model %q, not %q", ErrExport, path, tr.Name, inst.Config.Name)
	}

	x := ExampleInput(tr.InputShape, tr.Seed)
	got, err := tr.Execute(x)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrExport, path, err)
	}

	mctx := inst.Model.Backend().NewContext()
	defer mctx.Close()

	outputs, err := inst.Model.Forward(mctx, mctx.Input("input", x, tr.InputShape...))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrExport, inst.Config.Name, err)
	}

	want := make([][]float32, len(outputs))
	for i, o := range outputs {
		want[i] = o.Floats()
	}

	v := &Verification{Name: tr.Name, Path: path, Outputs: len(want), MaxDiff: maxAbsDiff(want, got)}
	if v.MaxDiff > tolerance {
		return v, fmt.Errorf("%w: %s: outputs differ by %g (tolerance %g)", ErrExport, path, v.MaxDiff, tolerance)
	}

	slog.Info("trace verified", "name", v.Name, "path", path, "max_diff", v.MaxDiff)
	return v, nil
}
