// Package groovetest erzeugt zufaellige, aber reproduzierbare Checkpoints
// fuer Tests von Loader, Exportern und CLI.
package groovetest

import (
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/neuralmidifx/grooveexport/convert"
	"github.com/neuralmidifx/grooveexport/model"
	"github.com/neuralmidifx/grooveexport/model/models/groove"
	"github.com/neuralmidifx/grooveexport/params"
)

// Config ist eine kleine, gueltige Konfiguration
func Config(name string) params.ModelConfig {
	return params.ModelConfig{
		Name:          name,
		Path:          name + ".safetensors",
		DModel:        8,
		DimFF:         16,
		Dropout:       0.1,
		NHeads:        2,
		NLayers:       2,
		EmbeddingSize: 9,
		MaxLen:        6,
		Device:        params.DeviceCPU,
	}
}

// Parameters gibt die erwarteten Tensoren fuer cfg zurueck
func Parameters(tb testing.TB, cfg params.ModelConfig) []model.Parameter {
	tb.Helper()
	m, err := groove.New(cfg)
	if err != nil {
		tb.Fatal(err)
	}
	return m.Parameters()
}

// Checkpoint fuellt alle Parameter aus cfg mit Zufallswerten aus seed.
// Normgewichte liegen um 1, alles andere in [-0.25, 0.25).
func Checkpoint(tb testing.TB, cfg params.ModelConfig, seed uint64) *convert.StateDict {
	tb.Helper()

	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	sd := convert.NewStateDict()
	for _, p := range Parameters(tb, cfg) {
		data := make([]float32, p.Elements())
		for i := range data {
			data[i] = (r.Float32() - 0.5) / 2
		}

		if isNormWeight(p.Name) {
			for i := range data {
				data[i] += 1
			}
		}

		if err := sd.Set(&convert.Tensor{Name: p.Name, Shape: p.Shape, DType: "F32", Data: data}); err != nil {
			tb.Fatal(err)
		}
	}
	return sd
}

func isNormWeight(name string) bool {
	for _, suffix := range []string{".norm.weight", ".norm1.weight", ".norm2.weight"} {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

// WriteCheckpoint schreibt sd als safetensors nach dir/name.safetensors
func WriteCheckpoint(tb testing.TB, dir, name string, sd *convert.StateDict) string {
	tb.Helper()

	p := filepath.Join(dir, name+".safetensors")
	f, err := os.Create(p)
	if err != nil {
		tb.Fatal(err)
	}
	defer f.Close()

	if err := convert.WriteSafetensors(f, sd); err != nil {
		tb.Fatal(err)
	}
	return p
}

// Table baut eine Tabelle aus kleinen Konfigurationen mit geschriebenen Checkpoints
func Table(tb testing.TB, dir string, names ...string) *params.Table {
	tb.Helper()

	var cfgs []params.ModelConfig
	for i, name := range names {
		cfg := Config(name)
		cfg.Path = WriteCheckpoint(tb, dir, name, Checkpoint(tb, cfg, uint64(i+1)))
		cfgs = append(cfgs, cfg)
	}

	t, err := params.NewTable(cfgs...)
	if err != nil {
		tb.Fatal(err)
	}
	return t
}
