// config.go - Haupt-Konfigurationsfunktionen fuer grooveexport
//
// Dieses Modul enthaelt:
// - ConfigFile: Pfad einer Konfigurationsdatei (GROOVE_CONFIG)
// - TraceDir: Ausgabe-Verzeichnis fuer Trace-Artefakte (GROOVE_TRACE_DIR)
// - OnnxDir: Ausgabe-Verzeichnis fuer ONNX-Artefakte (GROOVE_ONNX_DIR)
// - Seed: Seed fuer synthetische Beispiel-Eingaben (GROOVE_SEED)
// - LogLevel: Gibt Log-Level zurueck (GROOVE_DEBUG)
//
// Weitere Konfigurationen sind ausgelagert:
// - config_features.go: Feature-Flags
// - config_utils.go: Utility-Funktionen und AsMap/Values
package envconfig

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// ConfigFile gibt den Pfad einer Konfigurationsdatei zurueck
// Konfigurierbar via GROOVE_CONFIG
// Leer = eingebaute Modell-Tabelle
func ConfigFile() string {
	return Var("GROOVE_CONFIG")
}

// TraceDir gibt das Ausgabe-Verzeichnis fuer Trace-Artefakte zurueck
// Konfigurierbar via GROOVE_TRACE_DIR
// Default: serialized
func TraceDir() string {
	if s := Var("GROOVE_TRACE_DIR"); s != "" {
		return s
	}
	return "serialized"
}

// OnnxDir gibt das Ausgabe-Verzeichnis fuer ONNX-Artefakte zurueck
// Konfigurierbar via GROOVE_ONNX_DIR
// Default: serializedONNX
func OnnxDir() string {
	if s := Var("GROOVE_ONNX_DIR"); s != "" {
		return s
	}
	return "serializedONNX"
}

// Seed gibt den Seed fuer die synthetische Beispiel-Eingabe zurueck
// Konfigurierbar via GROOVE_SEED
// Default: 0
var Seed = Uint64("GROOVE_SEED", 0)

// LogLevel gibt das Log-Level zurueck
// Konfigurierbar via GROOVE_DEBUG
// Werte: 0/false = INFO (Default), 1/true = DEBUG, 2 = TRACE
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("GROOVE_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}

	return level
}

// Var gibt eine Environment-Variable zurueck
// Entfernt fuehrende/trailing Quotes und Leerzeichen
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}
