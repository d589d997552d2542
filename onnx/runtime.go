//go:build onnxruntime && cgo

// MODUL: onnx/runtime
// ZWECK: Ausfuehrung exportierter Modelle mit ONNX Runtime zur Validierung
// INPUT: Pfad der .onnx-Datei, dekodiertes Model, Eingabe-Daten
// OUTPUT: Ausgabe-Tensoren in Reihenfolge der Graph-Ausgaenge
// NEBENEFFEKTE: Initialisiert die ONNX Runtime einmalig pro Prozess
// ABHAENGIGKEITEN: onnxruntime_go
// HINWEISE: Bibliothekspfad via GROOVE_ONNXRUNTIME_LIB

package onnx

import (
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/neuralmidifx/grooveexport/envconfig"
)

// RuntimeAvailable ist true, wenn mit -tags onnxruntime gebaut wurde
const RuntimeAvailable = true

var (
	runtimeInitOnce sync.Once
	runtimeInitErr  error
)

func initRuntime() error {
	runtimeInitOnce.Do(func() {
		if lib := envconfig.OnnxRuntimeLib(); lib != "" {
			ort.SetSharedLibraryPath(lib)
		}
		runtimeInitErr = ort.InitializeEnvironment()
	})
	return runtimeInitErr
}

// RunRuntime fuehrt das Modell unter path mit einer Eingabe aus
func RunRuntime(path string, m *Model, input []float32) ([][]float32, error) {
	if err := initRuntime(); err != nil {
		return nil, fmt.Errorf("runtime init: %w", err)
	}

	if len(m.Graph.Inputs) != 1 {
		return nil, fmt.Errorf("model has %d inputs, want 1", len(m.Graph.Inputs))
	}

	inputTensor, err := ort.NewTensor(ort.NewShape(m.Graph.Inputs[0].Dims...), input)
	if err != nil {
		return nil, fmt.Errorf("input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	outputs := make([]*ort.Tensor[float32], len(m.Graph.Outputs))
	values := make([]ort.ArbitraryTensor, len(m.Graph.Outputs))
	for i, out := range m.Graph.Outputs {
		t, err := ort.NewEmptyTensor[float32](ort.NewShape(out.Dims...))
		if err != nil {
			return nil, fmt.Errorf("output tensor %q: %w", out.Name, err)
		}
		defer t.Destroy()

		outputs[i] = t
		values[i] = t
	}

	session, err := ort.NewDynamicAdvancedSession(path, m.Graph.InputNames(), m.Graph.OutputNames(), nil)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	defer session.Destroy()

	if err := session.Run([]ort.ArbitraryTensor{inputTensor}, values); err != nil {
		return nil, fmt.Errorf("inference: %w", err)
	}

	result := make([][]float32, len(outputs))
	for i, t := range outputs {
		result[i] = append([]float32(nil), t.GetData()...)
	}
	return result, nil
}
