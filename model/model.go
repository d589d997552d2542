// Package model - Model-Interface und Initialisierung
//
// Dieses Paket definiert das Model-Interface und stellt Funktionen
// zur Initialisierung und strukturellen Pruefung von Modellen bereit.
//
// Hauptkomponenten:
// - Model: Interface fuer alle Modell-Architekturen
// - Base: Basis-Implementierung fuer gemeinsame Funktionalitaet
// - New: Erstellt neue Model-Instanzen aus einem Checkpoint
// - Register: Registriert Modell-Konstruktoren
// - Submodule: Benannte, einzeln exportierbare Teilgraphen

package model

import (
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"

	"github.com/neuralmidifx/grooveexport/ml"
	_ "github.com/neuralmidifx/grooveexport/ml/backend"
	"github.com/neuralmidifx/grooveexport/params"
)

// Fehler-Definitionen
var (
	ErrUnsupportedModel = errors.New("model not supported")
	ErrStructure        = errors.New("checkpoint does not match architecture")
	ErrUnknownSubmodule = errors.New("unknown submodule")
	ErrTraining         = errors.New("forward pass requires eval mode")
)

// Model definiert das Interface fuer spezifische Modell-Architekturen
type Model interface {
	// Forward berechnet alle Ausgaben des vollen Modells
	Forward(ml.Context, ml.Tensor) ([]ml.Tensor, error)

	// Parameters listet alle erwarteten Checkpoint-Tensoren in Checkpoint-Reihenfolge
	Parameters() []Parameter

	Submodules() []string
	Submodule(name string) (*Submodule, error)

	Backend() ml.Backend
	Config() params.ModelConfig
	Training() bool
	Eval()
}

// Validator ist ein optionales Interface fuer Post-Load-Validierung
type Validator interface {
	Validate() error
}

// Parameter beschreibt einen erwarteten Checkpoint-Tensor
type Parameter struct {
	Name  string
	Shape []int

	// Buffer markiert nicht lernbare Tensoren (z.B. Positionskodierung)
	Buffer bool

	// Optional darf im Checkpoint fehlen
	Optional bool
}

func (p Parameter) Elements() int {
	n := 1
	for _, d := range p.Shape {
		n *= d
	}
	return n
}

// Submodule ist ein benannter Teil des Modells, der einzeln exportiert werden kann
type Submodule struct {
	Name string

	// Artifact ist das Dateisuffix des exportierten Graphen
	Artifact string

	Input   string
	Outputs []string

	// Shape ist die Form der Beispiel-Eingabe
	Shape []int

	Forward func(ml.Context, ml.Tensor) ([]ml.Tensor, error)
}

// Base implementiert gemeinsame Felder und Methoden fuer alle Modelle
type Base struct {
	b        ml.Backend
	config   params.ModelConfig
	training bool
}

// Backend gibt das Backend zurueck, das das Modell ausfuehrt
func (m *Base) Backend() ml.Backend {
	return m.b
}

// Config gibt die Modell-Konfiguration zurueck
func (m *Base) Config() params.ModelConfig {
	return m.config
}

func (m *Base) Training() bool {
	return m.training
}

// Eval schaltet Dropout ab, Voraussetzung fuer Forward
func (m *Base) Eval() {
	m.training = false
}

// Train setzt den Trainingsmodus. Forward lehnt ihn ab, Training wird nicht unterstuetzt.
func (m *Base) Train() {
	m.training = true
}

// models speichert registrierte Modell-Konstruktoren
var models = make(map[string]func(params.ModelConfig) (Model, error))

// Register registriert einen Modell-Konstruktor fuer eine Architektur
func Register(name string, f func(params.ModelConfig) (Model, error)) {
	if _, ok := models[name]; ok {
		panic("model: model already registered")
	}

	models[name] = f
}

// New baut die Architektur arch fuer cfg, laedt die Gewichte aus w auf das
// Geraet der Konfiguration und prueft die Struktur strikt.
// Das Modell startet wie nach der Konstruktion im Trainingsmodus und muss
// vor Forward mit Eval umgeschaltet werden.
func New(arch string, cfg params.ModelConfig, w ml.Weights) (Model, error) {
	f, ok := models[arch]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedModel, arch)
	}

	m, err := f(cfg)
	if err != nil {
		return nil, err
	}

	b, err := ml.NewBackend(string(cfg.Device), w)
	if err != nil {
		return nil, err
	}

	base := Base{b: b, config: cfg, training: true}
	v := reflect.ValueOf(m)
	v.Elem().Set(populateFields(base, v.Elem()))

	if err := checkStructure(b, m.Parameters()); err != nil {
		b.Close()
		return nil, err
	}

	if validator, ok := m.(Validator); ok {
		if err := validator.Validate(); err != nil {
			b.Close()
			return nil, err
		}
	}

	return m, nil
}

// checkStructure vergleicht Checkpoint und Architektur wie ein strikter
// load_state_dict: fehlende, unerwartete und falsch geformte Tensoren
func checkStructure(b ml.Backend, ps []Parameter) error {
	var missing, mismatched []string
	for _, p := range ps {
		t := b.Get(p.Name)
		switch {
		case t == nil && p.Optional:
		case t == nil:
			missing = append(missing, p.Name)
		case !slices.Equal(t.Shape(), p.Shape):
			mismatched = append(mismatched, fmt.Sprintf("%s: checkpoint %v, model %v", p.Name, t.Shape(), p.Shape))
		}
	}

	unexpected := b.Unused()

	var errs []error
	if len(missing) > 0 {
		errs = append(errs, fmt.Errorf("missing keys: %s", strings.Join(missing, ", ")))
	}
	if len(unexpected) > 0 {
		errs = append(errs, fmt.Errorf("unexpected keys: %s", strings.Join(unexpected, ", ")))
	}
	if len(mismatched) > 0 {
		errs = append(errs, fmt.Errorf("size mismatch: %s", strings.Join(mismatched, "; ")))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrStructure, errors.Join(errs...))
	}
	return nil
}

// NumParams zaehlt die lernbaren Parameter (ohne Buffer)
func NumParams(m Model) int {
	var n int
	for _, p := range m.Parameters() {
		if !p.Buffer {
			n += p.Elements()
		}
	}
	return n
}

// LookupSubmodule prueft name gegen names und schlaegt bei Tippfehlern den
// naechsten Treffer vor
func LookupSubmodule(names []string, name string) error {
	if slices.Contains(names, name) {
		return nil
	}

	if suggestion := params.Suggest(name, names); suggestion != "" {
		return fmt.Errorf("%w %q, did you mean %q?", ErrUnknownSubmodule, name, suggestion)
	}
	return fmt.Errorf("%w %q (available: %s)", ErrUnknownSubmodule, name, strings.Join(names, ", "))
}
