package envconfig

import (
	"log/slog"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// TestLogLevel prueft die Auswertung von GROOVE_DEBUG
func TestLogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":      slog.LevelInfo,
		"false": slog.LevelInfo,
		"0":     slog.LevelInfo,
		"1":     slog.LevelDebug,
		"true":  slog.LevelDebug,
		"2":     slog.Level(-8),
		"t":     slog.LevelDebug,
	}

	for k, v := range cases {
		t.Run(k, func(t *testing.T) {
			t.Setenv("GROOVE_DEBUG", k)
			if level := LogLevel(); level != v {
				t.Errorf("%s: erwartet %v, bekommen %v", k, v, level)
			}
		})
	}
}

// TestOutputDirs prueft Defaults und Overrides der Ausgabe-Verzeichnisse
func TestOutputDirs(t *testing.T) {
	t.Setenv("GROOVE_TRACE_DIR", "")
	t.Setenv("GROOVE_ONNX_DIR", "")
	if got := TraceDir(); got != "serialized" {
		t.Errorf("TraceDir: erwartet serialized, bekommen %q", got)
	}
	if got := OnnxDir(); got != "serializedONNX" {
		t.Errorf("OnnxDir: erwartet serializedONNX, bekommen %q", got)
	}

	t.Setenv("GROOVE_TRACE_DIR", " '/tmp/out' ")
	if got := TraceDir(); got != "/tmp/out" {
		t.Errorf("TraceDir: erwartet /tmp/out, bekommen %q", got)
	}
}

// TestBool prueft Bool-Getter inklusive ungueltiger Werte
func TestBool(t *testing.T) {
	cases := map[string]bool{
		"":      false,
		"true":  true,
		"false": false,
		"1":     true,
		"0":     false,
		"bogus": true,
	}

	for k, v := range cases {
		t.Run(k, func(t *testing.T) {
			t.Setenv("GROOVE_KEEP_GOING", k)
			if b := KeepGoing(); b != v {
				t.Errorf("%s: erwartet %t, bekommen %t", k, v, b)
			}
		})
	}
}

// TestSeed prueft den Uint64-Getter mit Fallback
func TestSeed(t *testing.T) {
	cases := map[string]uint64{
		"":    0,
		"42":  42,
		"-1":  0,
		"abc": 0,
	}

	for k, v := range cases {
		t.Run(k, func(t *testing.T) {
			t.Setenv("GROOVE_SEED", k)
			if n := Seed(); n != v {
				t.Errorf("%s: erwartet %d, bekommen %d", k, v, n)
			}
		})
	}
}

// TestValues prueft dass alle Variablen dokumentiert sind
func TestValues(t *testing.T) {
	t.Setenv("GROOVE_SUBMODULE", "encoder")
	vals := Values()

	want := []string{
		"GROOVE_DEBUG", "GROOVE_CONFIG", "GROOVE_TRACE_DIR", "GROOVE_ONNX_DIR", "GROOVE_SEED",
		"GROOVE_KEEP_GOING", "GROOVE_CHECK_ONNX", "GROOVE_DEVICE", "GROOVE_SUBMODULE", "GROOVE_METRICS_FILE",
	}

	var missing []string
	for _, k := range want {
		if _, ok := vals[k]; !ok {
			missing = append(missing, k)
		}
	}
	if diff := cmp.Diff([]string(nil), missing); diff != "" {
		t.Errorf("fehlende Variablen (-want +got):\n%s", diff)
	}

	if vals["GROOVE_SUBMODULE"] != "encoder" {
		t.Errorf("GROOVE_SUBMODULE: erwartet encoder, bekommen %q", vals["GROOVE_SUBMODULE"])
	}
}
