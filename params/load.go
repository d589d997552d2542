// load.go - Laden von Modell-Tabellen aus Dateien
//
// Unterstuetzte Formate: .yaml/.yml, .toml, .json
// Alle Formate verwenden eine Liste "models", damit die Reihenfolge erhalten bleibt.
package params

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// file ist das Datei-Layout einer Modell-Tabelle
type file struct {
	Models []ModelConfig `json:"models" yaml:"models" toml:"models"`
}

// Load liest eine Modell-Tabelle anhand der Dateiendung
// Relative Checkpoint-Pfade werden relativ zur Konfigurationsdatei aufgeloest
func Load(path string) (*Table, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty config path", ErrInvalid)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var f file
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &f)
	case ".json":
		err = json.Unmarshal(b, &f)
	case ".toml":
		err = toml.Unmarshal(b, &f)
	default:
		return nil, fmt.Errorf("%w: unsupported config extension %q", ErrInvalid, ext)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalid, path, err)
	}

	if len(f.Models) == 0 {
		return nil, fmt.Errorf("%w: %s: no models defined", ErrInvalid, path)
	}

	dir := filepath.Dir(path)
	for i := range f.Models {
		if p := f.Models[i].Path; p != "" && !filepath.IsAbs(p) {
			f.Models[i].Path = filepath.Join(dir, p)
		}
	}

	slog.Debug("loaded model table", "path", path, "models", len(f.Models))
	return NewTable(f.Models...)
}

// LoadOrDefault laedt path oder gibt die eingebaute Tabelle zurueck
func LoadOrDefault(path string) (*Table, error) {
	if path == "" {
		return Default(), nil
	}
	return Load(path)
}
