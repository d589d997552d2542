// config_utils.go - Getter-Fabriken und Dokumentation der Variablen
//
// Dieses Modul enthaelt:
// - getter: generischer Getter mit Parser und Fallback
// - Bool/String/Uint64: typisierte Getter fuer GROOVE_* Variablen
// - EnvVar, AsMap, Values: Dokumentation fuer die CLI-Hilfe
package envconfig

import (
	"fmt"
	"log/slog"
	"strconv"
)

// getter baut eine Funktion, die key bei jedem Aufruf neu liest.
// Leere Werte liefern def, nicht parsebare Werte gehen an fallback.
func getter[T any](key string, def T, parse func(string) (T, error), fallback func(s string, err error) T) func() T {
	return func() T {
		s := Var(key)
		if s == "" {
			return def
		}

		v, err := parse(s)
		if err != nil {
			return fallback(s, err)
		}
		return v
	}
}

// Bool liest einen Schalter. Gesetzte, aber ungueltige Werte zaehlen als aktiv.
func Bool(key string) func() bool {
	return getter(key, false, strconv.ParseBool, func(string, error) bool { return true })
}

// String liest den Rohwert
func String(key string) func() string {
	return func() string {
		return Var(key)
	}
}

// Uint64 liest eine Zahl, bei ungueltigen Werten gilt defaultValue
func Uint64(key string, defaultValue uint64) func() uint64 {
	parse := func(s string) (uint64, error) { return strconv.ParseUint(s, 10, 64) }
	return getter(key, defaultValue, parse, func(s string, err error) uint64 {
		slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue, "error", err)
		return defaultValue
	})
}

// EnvVar beschreibt eine Variable fuer die Hilfe-Ausgabe
type EnvVar struct {
	Name        string
	Value       any
	Description string
}

// AsMap gibt alle Variablen mit aktuellem Wert und Beschreibung zurueck
func AsMap() map[string]EnvVar {
	vars := []EnvVar{
		{"GROOVE_DEBUG", LogLevel(), "Show additional debug information (e.g. GROOVE_DEBUG=1, 2 for trace)"},
		{"GROOVE_CONFIG", ConfigFile(), "Model table file (.yaml, .toml, .json) replacing the built-in table"},
		{"GROOVE_DEVICE", Device(), "Override the device of every model (cpu, cuda)"},
		{"GROOVE_TRACE_DIR", TraceDir(), "Output directory for trace artifacts (default \"serialized\")"},
		{"GROOVE_ONNX_DIR", OnnxDir(), "Output directory for ONNX artifacts (default \"serializedONNX\")"},
		{"GROOVE_SEED", Seed(), "Seed for the synthetic example input (default 0)"},
		{"GROOVE_KEEP_GOING", KeepGoing(), "Continue with the next model after a failure"},
		{"GROOVE_CHECK_ONNX", CheckONNX(), "Check exported ONNX graphs for well-formedness"},
		{"GROOVE_SUBMODULE", Submodule(), "Sub-module exported to ONNX (default \"encoder.layers.0\")"},
		{"GROOVE_METRICS_FILE", MetricsFile(), "Write Prometheus metrics to this file after a run"},
		{"GROOVE_ONNXRUNTIME_LIB", OnnxRuntimeLib(), "Path of the ONNX Runtime shared library used by --runtime"},
	}

	m := make(map[string]EnvVar, len(vars))
	for _, v := range vars {
		m[v.Name] = v
	}
	return m
}

// Values gibt alle aktuellen Werte als Strings zurueck
func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprint(v.Value)
	}
	return vals
}
