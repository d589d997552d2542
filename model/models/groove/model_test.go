package groove_test

import (
	"errors"
	"math"
	"math/rand/v2"
	"slices"
	"strconv"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/neuralmidifx/grooveexport/convert"
	"github.com/neuralmidifx/grooveexport/ml"
	"github.com/neuralmidifx/grooveexport/model"
	"github.com/neuralmidifx/grooveexport/model/models/groove"
	"github.com/neuralmidifx/grooveexport/model/models/groove/groovetest"
	"github.com/neuralmidifx/grooveexport/params"
)

func TestNumParams(t *testing.T) {
	want := map[string]int{
		"model_1": 1102747,
		"model_2": 6446715,
		"model_3": 8979483,
		"model_4": 502923,
	}

	for name, cfg := range params.Default().All() {
		t.Run(name, func(t *testing.T) {
			m, err := groove.New(cfg)
			if err != nil {
				t.Fatal(err)
			}

			if got := model.NumParams(m); got != want[name] {
				t.Errorf("NumParams = %d, erwartet %d", got, want[name])
			}
		})
	}
}

func load(t *testing.T, cfg params.ModelConfig, sd *convert.StateDict) model.Model {
	t.Helper()
	m, err := model.New(groove.Architecture, cfg, sd)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(m.Backend().Close)
	m.Eval()
	return m
}

func randomInput(n int, seed uint64) []float32 {
	r := rand.New(rand.NewPCG(seed, seed))
	x := make([]float32, n)
	for i := range x {
		x[i] = r.Float32()
	}
	return x
}

var approx = cmpopts.EquateApprox(0, 1e-4)

func TestForwardMatchesReference(t *testing.T) {
	cfg := groovetest.Config("small")
	sd := groovetest.Checkpoint(t, cfg, 7)
	m := load(t, cfg, sd)

	batch, steps := 2, 5
	x := randomInput(batch*steps*cfg.EmbeddingSize, 3)

	ctx := m.Backend().NewContext()
	defer ctx.Close()

	outputs, err := m.Forward(ctx, ctx.Input("input", x, batch, steps, cfg.EmbeddingSize))
	if err != nil {
		t.Fatal(err)
	}

	want := reference(sd, cfg, x, batch, steps)
	for i, name := range groove.OutputNames {
		if outputs[i].Name() != name {
			t.Errorf("Ausgabe %d heisst %q, erwartet %q", i, outputs[i].Name(), name)
		}

		if diff := cmp.Diff([]int{batch, steps, cfg.Voices()}, outputs[i].Shape()); diff != "" {
			t.Errorf("%s Form (-want +got):\n%s", name, diff)
		}

		if diff := cmp.Diff(want[i], outputs[i].Floats(), approx); diff != "" {
			t.Errorf("%s (-want +got):\n%s", name, diff)
		}
	}
}

func TestForwardRequiresEval(t *testing.T) {
	cfg := groovetest.Config("small")
	m, err := model.New(groove.Architecture, cfg, groovetest.Checkpoint(t, cfg, 1))
	if err != nil {
		t.Fatal(err)
	}
	defer m.Backend().Close()

	if !m.Training() {
		t.Fatal("neues Modell sollte im Trainingsmodus sein")
	}

	ctx := m.Backend().NewContext()
	x := ctx.Input("input", make([]float32, 6*9), 1, 6, 9)
	if _, err := m.Forward(ctx, x); !errors.Is(err, model.ErrTraining) {
		t.Errorf("erwartet ErrTraining, bekommen %v", err)
	}

	m.Eval()
	if _, err := m.Forward(ctx, ctx.Input("input", make([]float32, 7*9), 1, 7, 9)); err == nil {
		t.Error("erwartet Fehler fuer T > max_len")
	}
}

func TestStructuralMismatch(t *testing.T) {
	cfg := groovetest.Config("small")

	rebuild := func(edit func(name string, tt *convert.Tensor) *convert.Tensor, extra ...*convert.Tensor) *convert.StateDict {
		sd := convert.NewStateDict()
		for name, tt := range groovetest.Checkpoint(t, cfg, 1).All() {
			if tt = edit(name, tt); tt != nil {
				if err := sd.Set(tt); err != nil {
					t.Fatal(err)
				}
			}
		}
		for _, tt := range extra {
			if err := sd.Set(tt); err != nil {
				t.Fatal(err)
			}
		}
		return sd
	}

	cases := []struct {
		name    string
		sd      *convert.StateDict
		message string
	}{
		{
			name: "missing",
			sd: rebuild(func(name string, tt *convert.Tensor) *convert.Tensor {
				if name == "Encoder.Encoder.layers.1.linear2.bias" {
					return nil
				}
				return tt
			}),
			message: "missing keys: Encoder.Encoder.layers.1.linear2.bias",
		},
		{
			name: "unexpected",
			sd: rebuild(func(_ string, tt *convert.Tensor) *convert.Tensor { return tt },
				&convert.Tensor{Name: "Encoder.Encoder.layers.2.norm1.weight", Shape: []int{8}, Data: make([]float32, 8)}),
			message: "unexpected keys: Encoder.Encoder.layers.2.norm1.weight",
		},
		{
			name: "shape",
			sd: rebuild(func(name string, tt *convert.Tensor) *convert.Tensor {
				if name == "OutputLayer.Linear.weight" {
					return &convert.Tensor{Name: name, Shape: []int{8, 9}, Data: tt.Data}
				}
				return tt
			}),
			message: "OutputLayer.Linear.weight: checkpoint [8 9], model [9 8]",
		},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			_, err := model.New(groove.Architecture, cfg, tt.sd)
			if !errors.Is(err, model.ErrStructure) {
				t.Fatalf("erwartet ErrStructure, bekommen %v", err)
			}
			if !strings.Contains(err.Error(), tt.message) {
				t.Errorf("Fehlermeldung %q enthaelt nicht %q", err, tt.message)
			}
		})
	}
}

func TestDeviceUnavailable(t *testing.T) {
	cfg := groovetest.Config("small")
	cfg.Device = params.DeviceCUDA
	_, err := model.New(groove.Architecture, cfg, groovetest.Checkpoint(t, cfg, 1))
	if !errors.Is(err, ml.ErrDeviceUnavailable) {
		t.Errorf("erwartet ErrDeviceUnavailable, bekommen %v", err)
	}
}

func TestMissingPositionalEncoding(t *testing.T) {
	cfg := groovetest.Config("small")
	full := groovetest.Checkpoint(t, cfg, 5)

	withPE, withoutPE := convert.NewStateDict(), convert.NewStateDict()
	for name, tt := range full.All() {
		if name == "InputLayerEncoder.PositionalEncoding.pe" {
			tt = &convert.Tensor{Name: name, Shape: tt.Shape, Data: sinusoidal(cfg.MaxLen, cfg.DModel)}
		} else if err := withoutPE.Set(tt); err != nil {
			t.Fatal(err)
		}
		if err := withPE.Set(tt); err != nil {
			t.Fatal(err)
		}
	}

	x := randomInput(4*cfg.EmbeddingSize, 9)
	run := func(sd *convert.StateDict) []float32 {
		m := load(t, cfg, sd)
		ctx := m.Backend().NewContext()
		outputs, err := m.Forward(ctx, ctx.Input("input", x, 1, 4, cfg.EmbeddingSize))
		if err != nil {
			t.Fatal(err)
		}
		return outputs[1].Floats()
	}

	if diff := cmp.Diff(run(withPE), run(withoutPE), approx); diff != "" {
		t.Errorf("berechnete Positionskodierung weicht ab (-want +got):\n%s", diff)
	}
}

func TestSubmodules(t *testing.T) {
	cfg := groovetest.Config("small")
	m := load(t, cfg, groovetest.Checkpoint(t, cfg, 2))

	want := []string{"input_layer", "encoder", "encoder.layers.0", "encoder.layers.1", "output_layer"}
	if diff := cmp.Diff(want, m.Submodules()); diff != "" {
		t.Errorf("Submodules (-want +got):\n%s", diff)
	}

	_, err := m.Submodule("encoder.layer.0")
	if !errors.Is(err, model.ErrUnknownSubmodule) || !strings.Contains(err.Error(), `did you mean "encoder.layers.0"`) {
		t.Errorf("erwartet Vorschlag fuer encoder.layers.0, bekommen %v", err)
	}

	sub, err := m.Submodule(groove.DefaultSubmodule)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{cfg.MaxLen, 1, cfg.DModel}, sub.Shape); diff != "" {
		t.Errorf("Beispiel-Form (-want +got):\n%s", diff)
	}
	if sub.Input != "encoder_in" || !slices.Equal(sub.Outputs, []string{"encoder_out"}) {
		t.Errorf("Tensor-Namen %q -> %q", sub.Input, sub.Outputs)
	}
}

// TestSubmoduleComposition: input_layer -> encoder -> output_layer ergibt das volle Modell
func TestSubmoduleComposition(t *testing.T) {
	cfg := groovetest.Config("small")
	m := load(t, cfg, groovetest.Checkpoint(t, cfg, 4))

	x := randomInput(cfg.MaxLen*cfg.EmbeddingSize, 11)
	ctx := m.Backend().NewContext()

	want, err := m.Forward(ctx, ctx.Input("input", x, 1, cfg.MaxLen, cfg.EmbeddingSize))
	if err != nil {
		t.Fatal(err)
	}

	h := []ml.Tensor{ctx.Input("input", x, 1, cfg.MaxLen, cfg.EmbeddingSize)}
	for _, name := range []string{"input_layer", "encoder", "output_layer"} {
		sub, err := m.Submodule(name)
		if err != nil {
			t.Fatal(err)
		}

		if h, err = sub.Forward(ctx, h[0]); err != nil {
			t.Fatalf("%s: %v", name, err)
		}
	}

	for i := range want {
		if diff := cmp.Diff(want[i].Floats(), h[i].Floats(), approx); diff != "" {
			t.Errorf("%s (-want +got):\n%s", groove.OutputNames[i], diff)
		}
	}
}

// ============================================================================
// Referenz-Implementierung in float64 mit einfachen Schleifen
// ============================================================================

func sinusoidal(maxLen, d int) []float32 {
	pe := make([]float32, maxLen*d)
	for pos := range maxLen {
		for i := 0; i < d; i += 2 {
			div := math.Exp(float64(i) * -math.Log(10000) / float64(d))
			pe[pos*d+i] = float32(math.Sin(float64(pos) * div))
			pe[pos*d+i+1] = float32(math.Cos(float64(pos) * div))
		}
	}
	return pe
}

func reference(sd *convert.StateDict, cfg params.ModelConfig, x []float32, batch, steps int) [3][]float32 {
	get := func(name string) []float64 {
		_, data, ok := sd.Get(name)
		if !ok {
			panic(name)
		}
		out := make([]float64, len(data))
		for i, v := range data {
			out[i] = float64(v)
		}
		return out
	}

	linear := func(prefix string, in []float64, out int) []float64 {
		w, b := get(prefix+".weight"), get(prefix+".bias")
		y := make([]float64, out)
		for o := range out {
			y[o] = b[o]
			for i := range in {
				y[o] += w[o*len(in)+i] * in[i]
			}
		}
		return y
	}

	layerNorm := func(prefix string, in []float64) []float64 {
		w, b := get(prefix+".weight"), get(prefix+".bias")
		var mean, variance float64
		for _, v := range in {
			mean += v
		}
		mean /= float64(len(in))
		for _, v := range in {
			variance += (v - mean) * (v - mean)
		}
		variance /= float64(len(in))

		out := make([]float64, len(in))
		for i, v := range in {
			out[i] = (v-mean)/math.Sqrt(variance+1e-5)*w[i] + b[i]
		}
		return out
	}

	relu := func(in []float64) []float64 {
		for i := range in {
			in[i] = max(in[i], 0)
		}
		return in
	}

	d, emb, heads := cfg.DModel, cfg.EmbeddingSize, cfg.NHeads
	hd := d / heads
	voices := cfg.Voices()
	pe := get("InputLayerEncoder.PositionalEncoding.pe")

	var out [3][]float32
	for n := range batch {
		h := make([][]float64, steps)
		for t := range steps {
			in := make([]float64, emb)
			for i := range in {
				in[i] = float64(x[(n*steps+t)*emb+i])
			}
			h[t] = relu(linear("InputLayerEncoder.Linear", in, d))
			for j := range d {
				h[t][j] += pe[t*d+j]
			}
		}

		for l := range cfg.NLayers {
			prefix := "Encoder.Encoder.layers." + strconv.Itoa(l) + "."
			win, bin := get(prefix+"self_attn.in_proj_weight"), get(prefix+"self_attn.in_proj_bias")

			qkv := make([][]float64, steps)
			for t := range steps {
				qkv[t] = make([]float64, 3*d)
				for o := range 3 * d {
					qkv[t][o] = bin[o]
					for i := range d {
						qkv[t][o] += win[o*d+i] * h[t][i]
					}
				}
			}

			attn := make([][]float64, steps)
			for t := range steps {
				attn[t] = make([]float64, d)
				for hh := range heads {
					scores := make([]float64, steps)
					var sum float64
					for s := range steps {
						for j := range hd {
							scores[s] += qkv[t][hh*hd+j] * qkv[s][d+hh*hd+j]
						}
						scores[s] = math.Exp(scores[s] / math.Sqrt(float64(hd)))
						sum += scores[s]
					}
					for s := range steps {
						for j := range hd {
							attn[t][hh*hd+j] += scores[s] / sum * qkv[s][2*d+hh*hd+j]
						}
					}
				}
			}

			for t := range steps {
				a := linear(prefix+"self_attn.out_proj", attn[t], d)
				for j := range d {
					a[j] += h[t][j]
				}
				h[t] = layerNorm(prefix+"norm1", a)

				ff := linear(prefix+"linear2", relu(linear(prefix+"linear1", h[t], cfg.DimFF)), d)
				for j := range d {
					ff[j] += h[t][j]
				}
				h[t] = layerNorm(prefix+"norm2", ff)
			}
		}

		for t := range steps {
			y := linear("OutputLayer.Linear", layerNorm("Encoder.Encoder.norm", h[t]), emb)
			for j := range voices {
				out[0] = append(out[0], float32(y[j]))
			}
			for j := range voices {
				out[1] = append(out[1], float32(1/(1+math.Exp(-y[voices+j]))))
			}
			for j := range voices {
				out[2] = append(out[2], float32(math.Tanh(y[2*voices+j])*0.5))
			}
		}
	}
	return out
}
