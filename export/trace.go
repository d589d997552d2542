// trace.go - Trace-Export des vollen Modells als GGUF
//
// Dieses Modul enthaelt:
// - TraceExporter: zeichnet einen Eval-Forward-Pass auf und schreibt ihn
// - encodeTrace/decodeTrace: Abbildung ml.Graph <-> GGUF KV und Tensoren
// - LoadTrace/Trace.Execute: Artefakt laden und auf der CPU ausfuehren
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/neuralmidifx/grooveexport/convert"
	"github.com/neuralmidifx/grooveexport/fs/gguf"
	"github.com/neuralmidifx/grooveexport/ml"
	"github.com/neuralmidifx/grooveexport/params"
)

// TraceArchitecture ist general.architecture der Trace-Artefakte
const TraceArchitecture = "groovetrace"

// DefaultShape ist die Beispiel-Eingabe (1, max_len, embedding_sz),
// fuer alle eingebauten Modelle [1, 32, 27]
func DefaultShape(cfg params.ModelConfig) []int {
	return []int{1, cfg.MaxLen, cfg.EmbeddingSize}
}

// TraceExporter schreibt <Dir>/<name>.gguf
type TraceExporter struct {
	Dir string

	// Shape der Beispiel-Eingabe (batch, steps, width), leer = DefaultShape
	Shape []int
	Seed  uint64
}

func (e *TraceExporter) Kind() string {
	return "trace"
}

// Path gibt den Artefakt-Pfad fuer ein Modell zurueck
func (e *TraceExporter) Path(name string) string {
	return filepath.Join(e.Dir, name+".gguf")
}

// checkShape prueft die Beispiel-Eingabe gegen die Konfiguration
func checkShape(shape []int, cfg params.ModelConfig) error {
	if len(shape) != 3 {
		return fmt.Errorf("%w: %s: example shape %v must have 3 dimensions", ErrExport, cfg.Name, shape)
	}

	batch, steps, width := shape[0], shape[1], shape[2]
	switch {
	case batch < 1:
		return fmt.Errorf("%w: %s: batch size %d", ErrExport, cfg.Name, batch)
	case width != cfg.EmbeddingSize:
		return fmt.Errorf("%w: %s: example width %d does not match embedding_sz %d", ErrExport, cfg.Name, width, cfg.EmbeddingSize)
	case steps < 1 || steps > cfg.MaxLen:
		return fmt.Errorf("%w: %s: example steps %d outside 1..%d (max_len)", ErrExport, cfg.Name, steps, cfg.MaxLen)
	}
	return nil
}

// Export zeichnet den Forward-Pass auf und schreibt das Artefakt atomar
func (e *TraceExporter) Export(ctx context.Context, inst *Instance) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	cfg := inst.Config
	shape := e.Shape
	if len(shape) == 0 {
		shape = DefaultShape(cfg)
	}

	if err := checkShape(shape, cfg); err != nil {
		return "", err
	}

	start := time.Now()
	x := ExampleInput(shape, e.Seed)

	tctx := inst.Model.Backend().NewTraceContext()
	defer tctx.Close()

	outputs, err := inst.Model.Forward(tctx, tctx.Input("input", x, shape...))
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrExport, cfg.Name, err)
	}

	g := tctx.Forward(outputs...).Graph()
	if err := tctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrExport, cfg.Name, err)
	}

	kv, ts, err := encodeTrace(cfg, shape, e.Seed, g)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrExport, cfg.Name, err)
	}

	path := e.Path(cfg.Name)
	if err := writeAtomic(path, func(f *os.File) error {
		return gguf.WriteGGUF(f, kv, ts)
	}); err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrExport, path, err)
	}

	slog.Info("trace exported", "name", cfg.Name, "path", path, "nodes", len(g.Nodes), "constants", g.NumConstants(), "elapsed", time.Since(start))
	return path, nil
}

// Trace ist ein geladenes Trace-Artefakt
type Trace struct {
	Name       string
	Config     params.ModelConfig
	InputShape []int
	Seed       uint64
	Graph      *ml.Graph
}

// encodeTrace legt Graph und Konfiguration als KV-Paare ab. Konstanten
// werden zu Tensoren, benannt nach ihrem Wert.
func encodeTrace(cfg params.ModelConfig, shape []int, seed uint64, g *ml.Graph) (gguf.KV, []*gguf.Tensor, error) {
	kv := gguf.KV{
		"general.architecture": TraceArchitecture,
		"general.name":         cfg.Name,
		"general.source":       filepath.Base(cfg.Path),

		"groovetrace.d_model":      uint32(cfg.DModel),
		"groovetrace.dim_ff":       uint32(cfg.DimFF),
		"groovetrace.dropout":      float32(cfg.Dropout),
		"groovetrace.n_heads":      uint32(cfg.NHeads),
		"groovetrace.n_layers":     uint32(cfg.NLayers),
		"groovetrace.embedding_sz": uint32(cfg.EmbeddingSize),
		"groovetrace.max_len":      uint32(cfg.MaxLen),
		"groovetrace.input_shape":  int32s(shape),
		"groovetrace.seed":         seed,
	}

	names := make([]string, len(g.Values))
	var ranks, dims []int32
	for i, v := range g.Values {
		names[i] = v.Name
		ranks = append(ranks, int32(len(v.Shape)))
		dims = append(dims, int32s(v.Shape)...)
	}

	var ops, attrs []string
	var inputs, outputs []int32
	for _, n := range g.Nodes {
		b, err := json.Marshal(n.Attrs)
		if err != nil {
			return nil, nil, err
		}

		ops = append(ops, string(n.Op))
		attrs = append(attrs, string(b))
		inputs = append(inputs, int32s(n.Inputs)...)
		outputs = append(outputs, int32(n.Output))
	}

	var constants []int32
	var ts []*gguf.Tensor
	seen := make(map[string]bool)
	for _, id := range g.Constants() {
		v := g.Values[id]
		if seen[v.Name] {
			return nil, nil, fmt.Errorf("duplicate constant name %q", v.Name)
		}
		seen[v.Name] = true

		constants = append(constants, int32(id))
		ts = append(ts, &gguf.Tensor{Name: v.Name, Shape: v.Shape, Data: v.Data})
	}

	kv["groovetrace.values.names"] = names
	kv["groovetrace.values.ranks"] = ranks
	kv["groovetrace.values.dims"] = dims
	kv["groovetrace.nodes.ops"] = ops
	kv["groovetrace.nodes.attrs"] = attrs
	kv["groovetrace.nodes.inputs"] = inputs
	kv["groovetrace.nodes.outputs"] = outputs
	kv["groovetrace.inputs"] = int32s(g.Inputs)
	kv["groovetrace.outputs"] = int32s(g.Outputs)
	kv["groovetrace.constants"] = constants

	return kv, ts, nil
}

func int32s(s []int) []int32 {
	out := make([]int32, len(s))
	for i, v := range s {
		out[i] = int32(v)
	}
	return out
}

func ints(s []int32) []int {
	out := make([]int, len(s))
	for i, v := range s {
		out[i] = int(v)
	}
	return out
}

// LoadTrace liest ein Trace-Artefakt inklusive aller Konstanten
func LoadTrace(path string) (*Trace, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	gf, err := gguf.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	tr, err := decodeTrace(gf)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return tr, nil
}

func decodeTrace(gf *gguf.File) (*Trace, error) {
	kv := gf.KV
	if arch := kv.Architecture(); arch != TraceArchitecture {
		return nil, fmt.Errorf("architecture %q is not a trace", arch)
	}

	if err := kv.Require("values.names", "values.ranks", "nodes.ops", "inputs", "outputs", "input_shape"); err != nil {
		return nil, err
	}

	tr := &Trace{
		Name: kv.String("general.name"),
		Config: params.ModelConfig{
			Name:          kv.String("general.name"),
			Path:          kv.String("general.source"),
			DModel:        int(kv.Uint("d_model")),
			DimFF:         int(kv.Uint("dim_ff")),
			Dropout:       float64(kv.Float("dropout")),
			NHeads:        int(kv.Uint("n_heads")),
			NLayers:       int(kv.Uint("n_layers")),
			EmbeddingSize: int(kv.Uint("embedding_sz")),
			MaxLen:        int(kv.Uint("max_len")),
			Device:        params.DeviceCPU,
		},
		InputShape: ints(kv.Ints("input_shape")),
		Graph:      &ml.Graph{},
	}

	if seed, ok := kv["groovetrace.seed"].(uint64); ok {
		tr.Seed = seed
	}

	g := tr.Graph
	names, ranks, dims := kv.Strings("values.names"), kv.Ints("values.ranks"), kv.Ints("values.dims")
	if len(names) != len(ranks) {
		return nil, fmt.Errorf("values: %d names, %d ranks", len(names), len(ranks))
	}

	for i, name := range names {
		r := int(ranks[i])
		if r < 0 || r > len(dims) {
			return nil, fmt.Errorf("value %d: invalid rank %d", i, r)
		}
		g.AddValue(ml.Value{Name: name, Shape: ints(dims[:r])})
		dims = dims[r:]
	}

	for _, id := range kv.Ints("constants") {
		if id < 0 || int(id) >= len(g.Values) {
			return nil, fmt.Errorf("constant %d out of range", id)
		}

		v := &g.Values[id]
		t, err := gf.Tensor(v.Name)
		if err != nil {
			return nil, err
		}
		if !slices.Equal(t.Shape, v.Shape) {
			return nil, fmt.Errorf("constant %q: tensor shape %v, value shape %v", v.Name, t.Shape, v.Shape)
		}
		v.Data = t.Data
	}

	ops, attrs := kv.Strings("nodes.ops"), kv.Strings("nodes.attrs")
	inputs, outputs := kv.Ints("nodes.inputs"), kv.Ints("nodes.outputs")
	if len(ops) != len(attrs) || len(ops) != len(outputs) {
		return nil, fmt.Errorf("nodes: %d ops, %d attrs, %d outputs", len(ops), len(attrs), len(outputs))
	}

	for i, op := range ops {
		n := ml.Node{Op: ml.Op(op), Output: int(outputs[i])}

		arity := n.Op.Arity()
		if arity < 0 || arity > len(inputs) {
			return nil, fmt.Errorf("node %d: invalid op %q", i, op)
		}
		n.Inputs = ints(inputs[:arity])
		inputs = inputs[arity:]

		if err := json.Unmarshal([]byte(attrs[i]), &n.Attrs); err != nil {
			return nil, fmt.Errorf("node %d: %w", i, err)
		}
		g.Nodes = append(g.Nodes, n)
	}

	g.Inputs = ints(kv.Ints("inputs"))
	g.Outputs = ints(kv.Ints("outputs"))

	if err := g.Validate(); err != nil {
		return nil, err
	}
	return tr, nil
}

// Execute fuehrt den Graph auf einem leeren CPU-Backend aus. Die Eingabe
// muss die beim Tracing verwendete Form haben.
func (tr *Trace) Execute(input []float32) ([][]float32, error) {
	n := 1
	for _, d := range tr.InputShape {
		n *= d
	}
	if len(input) != n {
		return nil, fmt.Errorf("trace is only valid for input shape %v (%d elements), got %d elements", tr.InputShape, n, len(input))
	}

	b, err := ml.NewBackend(string(params.DeviceCPU), convert.NewStateDict())
	if err != nil {
		return nil, err
	}
	defer b.Close()

	return b.Execute(tr.Graph, input)
}
