package cpu

import (
	"errors"
	"slices"
	"testing"

	"github.com/chewxy/math32"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/neuralmidifx/grooveexport/ml"
)

type weights map[string]*Tensor

func (w weights) Names() []string {
	var names []string
	for name := range w {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (w weights) Get(name string) ([]int, []float32, bool) {
	t, ok := w[name]
	if !ok {
		return nil, nil, false
	}
	return t.shape, t.data, true
}

func newBackend(t *testing.T, w weights) *Backend {
	t.Helper()
	b, err := ml.NewBackend("cpu", w)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(b.Close)
	return b.(*Backend)
}

var approx = cmpopts.EquateApprox(0, 1e-5)

func TestKernels(t *testing.T) {
	a := &Tensor{shape: []int{2, 3}, data: []float32{1, 2, 3, 4, 5, 6}}
	row := &Tensor{shape: []int{3}, data: []float32{10, 20, 30}}
	col := &Tensor{shape: []int{2, 1}, data: []float32{-1, 1}}
	eye := &Tensor{shape: []int{3, 2}, data: []float32{1, 0, 0, 1, 1, 1}}

	cases := []struct {
		name      string
		op        ml.Op
		attrs     ml.Attrs
		inputs    []*Tensor
		wantShape []int
		want      []float32
	}{
		{"add row", ml.OpAdd, ml.Attrs{}, []*Tensor{a, row}, []int{2, 3}, []float32{11, 22, 33, 14, 25, 36}},
		{"mul col", ml.OpMul, ml.Attrs{}, []*Tensor{a, col}, []int{2, 3}, []float32{-1, -2, -3, 4, 5, 6}},
		{"broadcast both", ml.OpAdd, ml.Attrs{}, []*Tensor{col, row}, []int{2, 3}, []float32{9, 19, 29, 11, 21, 31}},
		{"matmul", ml.OpMatmul, ml.Attrs{}, []*Tensor{a, eye}, []int{2, 2}, []float32{4, 5, 10, 11}},
		{"scale", ml.OpScale, ml.Attrs{Scale: 0.5}, []*Tensor{row}, []int{3}, []float32{5, 10, 15}},
		{"relu", ml.OpRELU, ml.Attrs{}, []*Tensor{col}, []int{2, 1}, []float32{0, 1}},
		{"reshape infer", ml.OpReshape, ml.Attrs{Shape: []int{3, -1}}, []*Tensor{a}, []int{3, 2}, []float32{1, 2, 3, 4, 5, 6}},
		{"permute", ml.OpPermute, ml.Attrs{Order: []int{1, 0}}, []*Tensor{a}, []int{3, 2}, []float32{1, 4, 2, 5, 3, 6}},
		{"slice inner", ml.OpSlice, ml.Attrs{Dim: 1, Low: 1, High: 3}, []*Tensor{a}, []int{2, 2}, []float32{2, 3, 5, 6}},
		{"slice outer", ml.OpSlice, ml.Attrs{Dim: 0, Low: 1, High: 2}, []*Tensor{a}, []int{1, 3}, []float32{4, 5, 6}},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			shape, data, err := eval(tt.op, tt.attrs, tt.inputs...)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tt.wantShape, shape); diff != "" {
				t.Errorf("Form (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.want, data, approx); diff != "" {
				t.Errorf("Daten (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPermute3D(t *testing.T) {
	// (2, 3, 2) -> (3, 2, 2) mit Ordnung (1, 0, 2)
	x := &Tensor{shape: []int{2, 3, 2}, data: []float32{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11}}
	shape, data, err := permute(x, []int{1, 0, 2})
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]int{3, 2, 2}, shape); diff != "" {
		t.Errorf("Form (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float32{0, 1, 6, 7, 2, 3, 8, 9, 4, 5, 10, 11}, data); diff != "" {
		t.Errorf("Daten (-want +got):\n%s", diff)
	}

	if _, _, err := permute(x, []int{0, 0, 1}); !errors.Is(err, errShape) {
		t.Errorf("erwartet errShape fuer ungueltige Permutation, bekommen %v", err)
	}
}

func TestBatchedMatmul(t *testing.T) {
	// zwei Batches mit je (1x2) x (2x1)
	a := &Tensor{shape: []int{2, 1, 2}, data: []float32{1, 2, 3, 4}}
	b := &Tensor{shape: []int{2, 2, 1}, data: []float32{1, 1, 2, 0}}
	shape, data, err := matmul(a, b)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{2, 1, 1}, shape); diff != "" {
		t.Errorf("Form (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float32{3, 6}, data); diff != "" {
		t.Errorf("Daten (-want +got):\n%s", diff)
	}

	if _, _, err := matmul(a, &Tensor{shape: []int{3, 1}, data: make([]float32, 3)}); !errors.Is(err, errShape) {
		t.Errorf("erwartet errShape, bekommen %v", err)
	}
}

func TestSoftmaxLayerNorm(t *testing.T) {
	x := &Tensor{shape: []int{2, 2}, data: []float32{0, 0, 1, 3}}

	_, sm, err := softmax(x)
	if err != nil {
		t.Fatal(err)
	}
	e := math32.Exp(2)
	if diff := cmp.Diff([]float32{0.5, 0.5, 1 / (1 + e), e / (1 + e)}, sm, approx); diff != "" {
		t.Errorf("softmax (-want +got):\n%s", diff)
	}

	w := &Tensor{shape: []int{2}, data: []float32{1, 2}}
	b := &Tensor{shape: []int{2}, data: []float32{0, 1}}
	_, ln, err := layerNorm(x, w, b, 0)
	if err != nil {
		t.Fatal(err)
	}
	// Zeile 0 ist konstant -> 0/sqrt(0) ist NaN ohne eps, daher nur Zeile 1 pruefen
	if diff := cmp.Diff([]float32{-1, 3}, ln[2:], approx); diff != "" {
		t.Errorf("layer norm (-want +got):\n%s", diff)
	}

	if _, _, err := layerNorm(x, b, &Tensor{shape: []int{3}, data: make([]float32, 3)}, 1e-5); !errors.Is(err, errShape) {
		t.Errorf("erwartet errShape, bekommen %v", err)
	}
}

func TestUnused(t *testing.T) {
	b := newBackend(t, weights{
		"a": {shape: []int{1}, data: []float32{1}},
		"b": {shape: []int{1}, data: []float32{2}},
	})

	if b.Get("a") == nil {
		t.Fatal("Gewicht a fehlt")
	}
	if b.Get("missing") != nil {
		t.Error("unbekanntes Gewicht sollte nil sein")
	}

	if diff := cmp.Diff([]string{"b"}, b.Unused()); diff != "" {
		t.Errorf("Unused (-want +got):\n%s", diff)
	}
}

func TestNewRejectsBadWeights(t *testing.T) {
	_, err := New(weights{"a": {shape: []int{2}, data: []float32{1}}})
	if err == nil {
		t.Fatal("erwartet Fehler fuer falsche Elementanzahl")
	}
}

// forward: relu(x @ w^T + bias).tanh, w^T wird beim Tracing gefaltet
func forward(ctx ml.Context, b *Backend, x ml.Tensor) ml.Tensor {
	w := b.Get("w").Permute(ctx, 1, 0)
	return x.Matmul(ctx, w).Add(ctx, b.Get("bias")).RELU(ctx).Tanh(ctx).SetName("y")
}

func TestTraceMatchesEager(t *testing.T) {
	b := newBackend(t, weights{
		"w":    {shape: []int{2, 3}, data: []float32{0.1, -0.2, 0.3, 0.4, 0.5, -0.6}},
		"bias": {shape: []int{2}, data: []float32{0.05, -0.05}},
	})

	input := []float32{1, 2, 3, -1, 0, 1}

	eager := b.NewContext()
	defer eager.Close()
	want := forward(eager, b, eager.Input("x", input, 2, 3)).Floats()
	if err := eager.Err(); err != nil {
		t.Fatal(err)
	}
	if eager.Graph() != nil {
		t.Error("eager Kontext sollte keinen Graph liefern")
	}

	trace := b.NewTraceContext()
	defer trace.Close()
	y := forward(trace, b, trace.Input("x", input, 2, 3))
	g := trace.Forward(y).Graph()
	if err := trace.Err(); err != nil {
		t.Fatal(err)
	}

	if err := g.Validate(); err != nil {
		t.Fatal(err)
	}

	var ops []ml.Op
	for _, n := range g.Nodes {
		ops = append(ops, n.Op)
	}
	if diff := cmp.Diff([]ml.Op{ml.OpMatmul, ml.OpAdd, ml.OpRELU, ml.OpTanh}, ops); diff != "" {
		t.Errorf("aufgezeichnete Ops (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff([]string{"y"}, g.OutputNames()); diff != "" {
		t.Errorf("Ausgabenamen (-want +got):\n%s", diff)
	}

	got, err := b.Execute(g, input)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got[0], approx); diff != "" {
		t.Errorf("Execute (-want +got):\n%s", diff)
	}

	if _, err := b.Execute(g, input[:3]); err == nil {
		t.Error("erwartet Fehler fuer falsche Eingabeform")
	}
}

func TestContextStickyError(t *testing.T) {
	b := newBackend(t, weights{})
	ctx := b.NewContext()

	x := ctx.FromFloats([]float32{1, 2}, 2)
	y := ctx.FromFloats([]float32{1, 2, 3}, 3)
	x.Add(ctx, y).RELU(ctx)

	if err := ctx.Err(); !errors.Is(err, errShape) {
		t.Fatalf("erwartet errShape, bekommen %v", err)
	}

	if b.Get("missing") != nil {
		t.Fatal("unbekanntes Gewicht sollte nil sein")
	}
}

func TestTraceRejectsForeignTensor(t *testing.T) {
	b := newBackend(t, weights{})

	eager := b.NewContext()
	x := eager.Input("x", []float32{1}, 1)

	trace := b.NewTraceContext()
	x.RELU(trace)
	if trace.Err() == nil {
		t.Error("erwartet Fehler fuer Tensor aus fremdem Kontext")
	}
}

func TestDimAndName(t *testing.T) {
	x := &Tensor{shape: []int{2, 3, 4}, data: make([]float32, 24)}

	for n, want := range map[int]int{0: 2, 2: 4, -1: 4, -3: 2, 3: 0, -4: 0} {
		if got := x.Dim(n); got != want {
			t.Errorf("Dim(%d): erwartet %d, bekommen %d", n, want, got)
		}
	}

	if y := x.SetName("hits"); y != ml.Tensor(x) || x.Name() != "hits" {
		t.Errorf("SetName: erwartet hits am selben Tensor, bekommen %q", x.Name())
	}
}
