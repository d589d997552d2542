package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/neuralmidifx/grooveexport/convert"
	"github.com/neuralmidifx/grooveexport/export"
	"github.com/neuralmidifx/grooveexport/model/models/groove/groovetest"
	"github.com/neuralmidifx/grooveexport/params"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var buf bytes.Buffer
	cmd := NewCLI()
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetArgs(args)

	err := cmd.ExecuteContext(t.Context())
	return buf.String(), err
}

// writeConfig schreibt eine JSON-Tabelle mit kleinen Modellen
func writeConfig(t *testing.T, dir string, cfgs ...params.ModelConfig) string {
	t.Helper()

	b, err := json.Marshal(map[string]any{"models": cfgs})
	require.NoError(t, err)

	p := filepath.Join(dir, "models.json")
	require.NoError(t, os.WriteFile(p, b, 0o644))
	return p
}

func small(t *testing.T, dir, name string, seed uint64) params.ModelConfig {
	t.Helper()
	cfg := groovetest.Config(name)
	cfg.Path = groovetest.WriteCheckpoint(t, dir, name, groovetest.Checkpoint(t, cfg, seed))
	return cfg
}

func TestExportAll(t *testing.T) {
	dir := t.TempDir()
	config := writeConfig(t, dir, small(t, dir, "a", 1), small(t, dir, "b", 2))
	out := filepath.Join(dir, "out")

	stdout, err := run(t, "export", "all", "--config", config, "-o", out, "--check")
	require.NoError(t, err)
	require.Contains(t, stdout, "a.gguf")

	for _, name := range []string{"a.gguf", "a_encoder.onnx", "b.gguf", "b_encoder.onnx"} {
		require.FileExists(t, filepath.Join(out, name))
	}

	// nur ein Modell
	out = filepath.Join(dir, "only")
	_, err = run(t, "export", "trace", "b", "--config", config, "-o", out)
	require.NoError(t, err)

	entries, err := os.ReadDir(out)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "b.gguf", entries[0].Name())
}

func TestExportFailures(t *testing.T) {
	dir := t.TempDir()

	missing := groovetest.Config("missing")
	missing.Path = filepath.Join(dir, "missing.Model")
	config := writeConfig(t, dir, missing, small(t, dir, "good", 1))

	out := filepath.Join(dir, "failfast")
	stdout, err := run(t, "export", "trace", "--config", config, "-o", out)
	require.ErrorIs(t, err, export.ErrIO)
	require.Contains(t, stdout, "failed")
	require.NoFileExists(t, filepath.Join(out, "good.gguf"))

	out = filepath.Join(dir, "keepgoing")
	metrics := filepath.Join(dir, "metrics.prom")
	_, err = run(t, "export", "trace", "--config", config, "-o", out, "--keep-going", "--metrics-file", metrics)
	require.ErrorIs(t, err, export.ErrIO)
	require.FileExists(t, filepath.Join(out, "good.gguf"))
	require.FileExists(t, metrics)

	_, err = run(t, "export", "trace", "goood", "--config", config, "-o", out)
	require.ErrorIs(t, err, params.ErrInvalid)
	require.Contains(t, err.Error(), `did you mean "good"?`)

	_, err = run(t, "export", "onnx", "--config", config, "-o", out, "--submodule", "encoder.layers.9", "good")
	require.ErrorIs(t, err, export.ErrExport)

	_, err = run(t, "export", "trace", "good", "--config", config, "-o", out, "--shape", "1,7,9")
	require.ErrorIs(t, err, export.ErrExport)

	_, err = run(t, "export", "trace", "good", "--config", config, "-o", out, "--device", "tpu")
	require.ErrorIs(t, err, params.ErrInvalid)
}

func TestShowVerify(t *testing.T) {
	dir := t.TempDir()
	config := writeConfig(t, dir, small(t, dir, "a", 1))
	out := filepath.Join(dir, "out")

	_, err := run(t, "export", "all", "--config", config, "-o", out, "--seed", "3")
	require.NoError(t, err)

	stdout, err := run(t, "show", filepath.Join(out, "a.gguf"), "--verbose")
	require.NoError(t, err)
	require.Contains(t, stdout, "[1, 6, 9]")
	require.Contains(t, stdout, "hits, velocities, offsets")
	require.Contains(t, stdout, "layer_norm")

	stdout, err = run(t, "show", filepath.Join(out, "a_encoder.onnx"))
	require.NoError(t, err)
	require.Contains(t, stdout, "encoder_in [6, 1, 8]")
	require.Contains(t, stdout, "encoder_out [6, 1, 8]")

	_, err = run(t, "show", config)
	require.Error(t, err)

	stdout, err = run(t, "verify", "a", "--config", config, "--trace", filepath.Join(out, "a.gguf"))
	require.NoError(t, err)
	require.Contains(t, stdout, "ok")

	_, err = run(t, "verify", "a", "--config", config, "--trace", filepath.Join(out, "missing.gguf"))
	require.ErrorIs(t, err, export.ErrIO)
}

func TestList(t *testing.T) {
	stdout, err := run(t, "list")
	require.NoError(t, err)

	for _, s := range []string{"model_1", "model_2", "model_3", "model_4", "1.1M", "6.4M", "9.0M", "503K"} {
		require.Contains(t, stdout, s)
	}

	stdout, err = run(t, "list", "model_4")
	require.NoError(t, err)
	require.NotContains(t, stdout, "model_1")
}

func TestConvert(t *testing.T) {
	dir := t.TempDir()
	cfg := small(t, dir, "a", 1)
	out := filepath.Join(dir, "converted", "a.safetensors")

	stdout, err := run(t, "convert", cfg.Path, out)
	require.NoError(t, err)
	require.Contains(t, stdout, "tensors")

	want, err := convert.ReadCheckpoint(cfg.Path)
	require.NoError(t, err)
	got, err := convert.ReadCheckpoint(out)
	require.NoError(t, err)
	require.Equal(t, want.Names(), got.Names())

	_, err = run(t, "convert", filepath.Join(dir, "nope.Model"), out)
	require.Error(t, err)
}

func TestHumanNumber(t *testing.T) {
	cases := map[int]string{
		999:     "999",
		502923:  "503K",
		1102747: "1.1M",
		8979483: "9.0M",
	}

	for n, want := range cases {
		require.Equal(t, want, humanNumber(n))
	}
}

func TestReadExportOptions(t *testing.T) {
	sub := func(kind string) *cobra.Command {
		for _, c := range newExportCmd().Commands() {
			if c.Name() == kind {
				return c
			}
		}
		t.Fatalf("kein export %s", kind)
		return nil
	}

	c := sub("trace")
	require.NoError(t, c.ParseFlags(nil))
	opts, err := readExportOptions(c)
	require.NoError(t, err)
	require.Nil(t, opts.shape)

	c = sub("all")
	require.NoError(t, c.ParseFlags([]string{"--shape", "1,4,9"}))
	opts, err = readExportOptions(c)
	require.NoError(t, err)
	require.Equal(t, []int{1, 4, 9}, opts.shape)

	c = sub("onnx")
	require.NoError(t, c.ParseFlags(nil))
	opts, err = readExportOptions(c)
	require.NoError(t, err)
	require.Nil(t, opts.shape)
}
