// config_features.go - Feature-Flags fuer den Export
//
// Dieses Modul enthaelt:
// - Batch-Verhalten (KeepGoing)
// - Optionale Pruefungen (CheckONNX)
// - Overrides fuer Device und Sub-Modul
package envconfig

// =============================================================================
// Feature-Flags
// =============================================================================

var (
	// KeepGoing setzt den Batch nach fehlgeschlagenen Modellen fort
	KeepGoing = Bool("GROOVE_KEEP_GOING")

	// CheckONNX prueft exportierte ONNX-Graphen strukturell
	CheckONNX = Bool("GROOVE_CHECK_ONNX")
)

// =============================================================================
// Overrides
// =============================================================================

var (
	// Device ueberschreibt das Device aller Modelle (wie map_location)
	Device = String("GROOVE_DEVICE")

	// Submodule waehlt das Sub-Modul fuer den ONNX-Export
	Submodule = String("GROOVE_SUBMODULE")

	// MetricsFile schreibt Prometheus-Metriken in eine Textdatei
	MetricsFile = String("GROOVE_METRICS_FILE")

	// OnnxRuntimeLib ist der Pfad der ONNX Runtime Bibliothek (nur mit -tags onnxruntime)
	OnnxRuntimeLib = String("GROOVE_ONNXRUNTIME_LIB")
)
