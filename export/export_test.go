package export_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/neuralmidifx/grooveexport/convert"
	"github.com/neuralmidifx/grooveexport/export"
	"github.com/neuralmidifx/grooveexport/ml"
	"github.com/neuralmidifx/grooveexport/model"
	"github.com/neuralmidifx/grooveexport/model/models/groove/groovetest"
	"github.com/neuralmidifx/grooveexport/onnx"
	"github.com/neuralmidifx/grooveexport/params"
)

func config(t *testing.T, dir, name string, seed uint64) params.ModelConfig {
	t.Helper()
	cfg := groovetest.Config(name)
	cfg.Path = groovetest.WriteCheckpoint(t, dir, name, groovetest.Checkpoint(t, cfg, seed))
	return cfg
}

func load(t *testing.T, cfg params.ModelConfig) *export.Instance {
	t.Helper()
	inst, err := (&export.Loader{}).Load(t.Context(), cfg)
	require.NoError(t, err)
	t.Cleanup(inst.Close)
	return inst
}

func TestLoad(t *testing.T) {
	cfg := config(t, t.TempDir(), "small", 1)
	inst := load(t, cfg)

	require.False(t, inst.Model.Training())
	require.Equal(t, model.NumParams(inst.Model), inst.NumParams())

	var want int
	for _, p := range groovetest.Parameters(t, cfg) {
		if !p.Buffer {
			want += p.Elements()
		}
	}
	require.Equal(t, want, inst.NumParams())

	inst.Close()
	inst.Close()
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	cases := []struct {
		name   string
		config func() params.ModelConfig
		want   error
	}{
		{
			name: "missing checkpoint",
			config: func() params.ModelConfig {
				cfg := groovetest.Config("missing")
				cfg.Path = filepath.Join(dir, "does-not-exist.Model")
				return cfg
			},
			want: export.ErrIO,
		},
		{
			name: "unreadable checkpoint",
			config: func() params.ModelConfig {
				cfg := groovetest.Config("garbage")
				cfg.Path = filepath.Join(dir, "garbage.Model")
				require.NoError(t, os.WriteFile(cfg.Path, []byte("not a checkpoint"), 0o644))
				return cfg
			},
			want: export.ErrIO,
		},
		{
			name: "missing key",
			config: func() params.ModelConfig {
				cfg := groovetest.Config("partial")
				sd := convert.NewStateDict()
				for name, tensor := range groovetest.Checkpoint(t, cfg, 2).All() {
					if name != "OutputLayer.Linear.bias" {
						require.NoError(t, sd.Set(tensor))
					}
				}
				cfg.Path = groovetest.WriteCheckpoint(t, dir, "partial", sd)
				return cfg
			},
			want: export.ErrStructural,
		},
		{
			name: "wrong hyperparameters",
			config: func() params.ModelConfig {
				cfg := config(t, dir, "wide", 3)
				cfg.DimFF = 32
				return cfg
			},
			want: export.ErrStructural,
		},
		{
			name: "device",
			config: func() params.ModelConfig {
				cfg := config(t, dir, "gpu", 4)
				cfg.Device = params.DeviceCUDA
				return cfg
			},
			want: ml.ErrDeviceUnavailable,
		},
		{
			name: "invalid config",
			config: func() params.ModelConfig {
				cfg := groovetest.Config("bad")
				cfg.NHeads = 3
				return cfg
			},
			want: export.ErrConfig,
		},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			_, err := (&export.Loader{}).Load(t.Context(), tt.config())
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestTraceReload(t *testing.T) {
	dir := t.TempDir()
	cfg := config(t, dir, "small", 1)
	inst := load(t, cfg)

	e := &export.TraceExporter{Dir: filepath.Join(dir, "serialized"), Seed: 42}
	path, err := e.Export(t.Context(), inst)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "serialized", "small.gguf"), path)

	tr, err := export.LoadTrace(path)
	require.NoError(t, err)
	require.Equal(t, "small", tr.Name)
	require.Equal(t, export.DefaultShape(cfg), tr.InputShape)
	require.Equal(t, uint64(42), tr.Seed)
	require.Equal(t, cfg.DModel, tr.Config.DModel)
	require.Equal(t, cfg.NLayers, tr.Config.NLayers)
	require.Equal(t, []string{"hits", "velocities", "offsets"}, tr.Graph.OutputNames())

	v, err := export.Verify(t.Context(), inst, path, export.DefaultTolerance)
	require.NoError(t, err)
	require.Equal(t, 3, v.Outputs)
	require.LessOrEqual(t, v.MaxDiff, export.DefaultTolerance)

	// nur fuer die aufgezeichnete Form gueltig
	_, err = tr.Execute(export.ExampleInput([]int{1, 2, cfg.EmbeddingSize}, 0))
	require.Error(t, err)

	// anderes Modell, gleiches Artefakt
	other := load(t, config(t, dir, "other", 9))
	_, err = export.Verify(t.Context(), other, path, export.DefaultTolerance)
	require.ErrorIs(t, err, export.ErrExport)
}

func TestTraceShapes(t *testing.T) {
	dir := t.TempDir()
	cfg := config(t, dir, "small", 1)
	inst := load(t, cfg)

	for _, shape := range [][]int{{2, 3, 9}, {1, 1, 9}} {
		e := &export.TraceExporter{Dir: dir, Shape: shape}
		path, err := e.Export(t.Context(), inst)
		require.NoError(t, err, "shape %v", shape)

		tr, err := export.LoadTrace(path)
		require.NoError(t, err)
		require.Equal(t, shape, tr.InputShape)
	}

	for _, shape := range [][]int{{1, 6, 27}, {1, 7, 9}, {1, 0, 9}, {6, 9}} {
		e := &export.TraceExporter{Dir: dir, Shape: shape}
		_, err := e.Export(t.Context(), inst)
		require.ErrorIs(t, err, export.ErrExport, "shape %v", shape)
	}
}

func TestIdempotent(t *testing.T) {
	dir := t.TempDir()
	cfg := config(t, dir, "small", 1)

	for _, e := range []export.Exporter{
		&export.TraceExporter{Dir: filepath.Join(dir, "trace")},
		&export.InterchangeExporter{Dir: filepath.Join(dir, "onnx")},
	} {
		var artifacts [][]byte
		for range 2 {
			// jeder Lauf laedt neu, wie ein erneuter Prozessstart
			inst := load(t, cfg)
			path, err := e.Export(t.Context(), inst)
			require.NoError(t, err)
			inst.Close()

			b, err := os.ReadFile(path)
			require.NoError(t, err)
			artifacts = append(artifacts, b)
		}

		require.True(t, bytes.Equal(artifacts[0], artifacts[1]), "%s: Artefakte unterscheiden sich", e.Kind())
	}
}

func TestInterchange(t *testing.T) {
	dir := t.TempDir()
	cfg := config(t, dir, "small", 1)
	inst := load(t, cfg)

	e := &export.InterchangeExporter{Dir: filepath.Join(dir, "serializedONNX"), Check: true}
	path, err := e.Export(t.Context(), inst)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "serializedONNX", "small_encoder.onnx"), path)

	m, err := onnx.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, onnx.Check(m))
	require.Equal(t, []string{"encoder_in"}, m.Graph.InputNames())
	require.Equal(t, []string{"encoder_out"}, m.Graph.OutputNames())
	require.Equal(t, []int64{int64(cfg.MaxLen), 1, int64(cfg.DModel)}, m.Graph.Inputs[0].Dims)

	e = &export.InterchangeExporter{Dir: dir, Submodule: "output_layer"}
	path, err = e.Export(t.Context(), inst)
	require.NoError(t, err)
	require.Equal(t, "small_output_layer.onnx", filepath.Base(path))

	e = &export.InterchangeExporter{Dir: dir, Submodule: "encoder.layer.0"}
	_, err = e.Export(t.Context(), inst)
	require.ErrorIs(t, err, export.ErrExport)
	require.ErrorIs(t, err, model.ErrUnknownSubmodule)
	require.Contains(t, err.Error(), `did you mean "encoder.layers.0"?`)
}

func table(t *testing.T, cfgs ...params.ModelConfig) *params.Table {
	t.Helper()
	tbl, err := params.NewTable(cfgs...)
	require.NoError(t, err)
	return tbl
}

func TestRunner(t *testing.T) {
	dir := t.TempDir()

	missing := groovetest.Config("missing")
	missing.Path = filepath.Join(dir, "missing.Model")
	good := config(t, dir, "good", 1)

	t.Run("fail fast", func(t *testing.T) {
		out := filepath.Join(t.TempDir(), "out")
		r := &export.Runner{Exporters: []export.Exporter{&export.TraceExporter{Dir: out}}}

		results, err := r.Run(t.Context(), table(t, missing, good))
		require.ErrorIs(t, err, export.ErrIO)
		require.Len(t, results, 1)
		require.Equal(t, "missing", results[0].Name)
		require.NoDirExists(t, out)
	})

	t.Run("keep going", func(t *testing.T) {
		out := t.TempDir()
		metrics := export.NewMetrics()
		r := &export.Runner{
			Exporters: []export.Exporter{
				&export.TraceExporter{Dir: out},
				&export.InterchangeExporter{Dir: out},
			},
			KeepGoing: true,
			Metrics:   metrics,
		}

		results, err := r.Run(t.Context(), table(t, missing, good))
		require.ErrorIs(t, err, export.ErrIO)
		require.Len(t, results, 3)

		var names []string
		for _, res := range results[1:] {
			require.NoError(t, res.Err)
			names = append(names, filepath.Base(res.Path))
		}
		require.Equal(t, []string{"good.gguf", "good_encoder.onnx"}, names)

		entries, err := os.ReadDir(out)
		require.NoError(t, err)
		require.Len(t, entries, 2, "keine temporaeren Dateien")
		for _, e := range entries {
			require.False(t, strings.HasPrefix(e.Name(), "missing"))
		}

		p := filepath.Join(out, "metrics.prom")
		require.NoError(t, metrics.WriteFile(p))
		b, err := os.ReadFile(p)
		require.NoError(t, err)
		require.Contains(t, string(b), `grooveexport_exports_total{kind="trace",status="ok"} 1`)
		require.Contains(t, string(b), `grooveexport_exports_total{kind="load",status="error"} 1`)
		require.Contains(t, string(b), `grooveexport_model_parameters{model="good"}`)
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(t.Context())
		cancel()

		r := &export.Runner{Exporters: []export.Exporter{&export.TraceExporter{Dir: t.TempDir()}}}
		results, err := r.Run(ctx, table(t, good))
		require.True(t, errors.Is(err, context.Canceled))
		require.Empty(t, results)
	})
}

func TestExampleInput(t *testing.T) {
	a := export.ExampleInput([]int{1, 32, 27}, 7)
	require.Len(t, a, 1*32*27)
	require.Equal(t, a, export.ExampleInput([]int{1, 32, 27}, 7))
	require.NotEqual(t, a, export.ExampleInput([]int{1, 32, 27}, 8))

	for _, v := range a {
		require.True(t, v >= 0 && v < 1)
	}
}

func TestDefaultShape(t *testing.T) {
	for name, cfg := range params.Default().All() {
		require.Equal(t, []int{1, 32, 27}, export.DefaultShape(cfg), name)
	}

	// leere Form verhaelt sich wie nil
	dir := t.TempDir()
	inst := load(t, config(t, dir, "small", 1))
	path, err := (&export.TraceExporter{Dir: dir, Shape: []int{}}).Export(t.Context(), inst)
	require.NoError(t, err)

	tr, err := export.LoadTrace(path)
	require.NoError(t, err)
	require.Equal(t, export.DefaultShape(inst.Config), tr.InputShape)
}

func TestModel1(t *testing.T) {
	dir := t.TempDir()

	cfg, ok := params.Default().Get("model_1")
	require.True(t, ok)
	cfg.Path = groovetest.WriteCheckpoint(t, dir, cfg.Name, groovetest.Checkpoint(t, cfg, 1))

	inst := load(t, cfg)
	require.Equal(t, 1102747, inst.NumParams())

	trace, err := (&export.TraceExporter{Dir: filepath.Join(dir, "serialized")}).Export(t.Context(), inst)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "serialized", "model_1.gguf"), trace)

	tr, err := export.LoadTrace(trace)
	require.NoError(t, err)
	require.Equal(t, []int{1, 32, 27}, tr.InputShape)

	v, err := export.Verify(t.Context(), inst, trace, export.DefaultTolerance)
	require.NoError(t, err)
	require.LessOrEqual(t, v.MaxDiff, export.DefaultTolerance)

	path, err := (&export.InterchangeExporter{Dir: filepath.Join(dir, "serializedONNX"), Check: true}).Export(t.Context(), inst)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "serializedONNX", "model_1_encoder.onnx"), path)

	m, err := onnx.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, []int64{32, 1, 128}, m.Graph.Inputs[0].Dims)
	require.Equal(t, []int64{32, 1, 128}, m.Graph.Outputs[0].Dims)
}

func TestRuntimeUnavailable(t *testing.T) {
	if onnx.RuntimeAvailable {
		t.Skip("built with onnxruntime")
	}

	dir := t.TempDir()
	inst := load(t, config(t, dir, "small", 1))

	out := filepath.Join(dir, "onnx")
	_, err := (&export.InterchangeExporter{Dir: out, Runtime: true}).Export(t.Context(), inst)
	require.ErrorIs(t, err, export.ErrExport)
	require.ErrorIs(t, err, onnx.ErrRuntimeUnavailable)
	require.NoFileExists(t, filepath.Join(out, "small_encoder.onnx"))
}
