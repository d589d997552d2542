// runner.go - Sequentieller Batch ueber die Modell-Tabelle
//
// Pro Konfiguration: laden -> alle Exporter -> freigeben. Standard ist
// Abbruch beim ersten Fehler, KeepGoing sammelt alle Fehler.
package export

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/neuralmidifx/grooveexport/params"
)

// Result beschreibt einen Export (oder einen fehlgeschlagenen Ladevorgang,
// dann ist Kind leer)
type Result struct {
	Name     string
	Kind     string
	Path     string
	Duration time.Duration
	Err      error
}

// Runner fuehrt Loader und Exporter fuer jede Konfiguration aus
type Runner struct {
	Loader    *Loader
	Exporters []Exporter
	KeepGoing bool

	// Metrics ist optional
	Metrics *Metrics
}

// Run verarbeitet die Tabelle in Einfuege-Reihenfolge. Abbruch des Kontexts
// wird zwischen zwei Konfigurationen geprueft.
func (r *Runner) Run(ctx context.Context, t *params.Table) ([]Result, error) {
	loader := r.Loader
	if loader == nil {
		loader = &Loader{}
	}

	var results []Result
	var errs []error
	for name, cfg := range t.All() {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		rs := r.runOne(ctx, loader, cfg)
		results = append(results, rs...)

		failed := false
		for _, res := range rs {
			if r.Metrics != nil {
				r.Metrics.observe(res)
			}

			if res.Err != nil {
				slog.Error("export failed", "name", name, "kind", res.Kind, "error", res.Err)
				errs = append(errs, res.Err)
				failed = true
			}
		}

		if failed && !r.KeepGoing {
			break
		}
	}

	return results, errors.Join(errs...)
}

func (r *Runner) runOne(ctx context.Context, loader *Loader, cfg params.ModelConfig) []Result {
	start := time.Now()
	inst, err := loader.Load(ctx, cfg)
	if err != nil {
		return []Result{{Name: cfg.Name, Duration: time.Since(start), Err: err}}
	}
	defer inst.Close()

	if r.Metrics != nil {
		r.Metrics.loaded(inst)
	}

	var results []Result
	for _, e := range r.Exporters {
		start := time.Now()
		path, err := e.Export(ctx, inst)
		results = append(results, Result{
			Name:     cfg.Name,
			Kind:     e.Kind(),
			Path:     path,
			Duration: time.Since(start),
			Err:      err,
		})

		if err != nil && !r.KeepGoing {
			break
		}
	}
	return results
}
