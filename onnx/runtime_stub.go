//go:build !onnxruntime || !cgo

// MODUL: onnx/runtime_stub
// ZWECK: Stub wenn ohne ONNX Runtime gebaut wurde
// HINWEISE: Gibt bei allen Aufrufen ErrRuntimeUnavailable zurueck

package onnx

// RuntimeAvailable ist true, wenn mit -tags onnxruntime gebaut wurde
const RuntimeAvailable = false

// RunRuntime Stub - gibt immer Fehler zurueck
func RunRuntime(path string, m *Model, input []float32) ([][]float32, error) {
	return nil, ErrRuntimeUnavailable
}
