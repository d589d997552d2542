// reflect.go - Befuellt Modell-Strukturen per Reflection mit Gewichten
//
// Die Tensor-Namen ergeben sich aus den `torch`-Tags entlang des
// Strukturpfads, getrennt durch Punkte wie in einem PyTorch state_dict.
// Slice-Elemente tragen ihren Index als Namensteil ("layers.0.linear1").
//
// Tag-Syntax: `torch:"name,alt:alternative,pre:praefix,suf:suffix"`
package model

import (
	"log/slog"
	"reflect"
	"slices"
	"strconv"
	"strings"

	"github.com/neuralmidifx/grooveexport/logutil"
	"github.com/neuralmidifx/grooveexport/ml"
)

var (
	baseType   = reflect.TypeFor[Base]()
	tensorType = reflect.TypeFor[ml.Tensor]()
)

// Tag ist ein geparster torch-Tag
type Tag struct {
	name string
	// prefix und suffix gelten fuer die Namen der Kind-Tags
	prefix, suffix string
	alternatives   []string
}

func (t Tag) candidates() []string {
	return slices.Concat([]string{t.name}, t.alternatives)
}

func parseTag(s string) (tag Tag) {
	name, opts, _ := strings.Cut(s, ",")
	tag.name = name

	for opt := range strings.SplitSeq(opts, ",") {
		key, value, ok := strings.Cut(opt, ":")
		if !ok {
			continue
		}

		switch key {
		case "alt":
			if tag.name == "" {
				slog.Warn("torch tag has alt: but no primary name", "tag", s)
				tag.name = value
			} else {
				tag.alternatives = append(tag.alternatives, value)
			}
		case "pre":
			tag.prefix = value
		case "suf":
			tag.suffix = value
		}
	}

	return tag
}

// tensorNames gibt alle Kandidaten fuer den Tag-Pfad zurueck, jeder als
// Liste von Namensteilen. Tags ohne Namen tragen nichts zum Pfad bei.
func tensorNames(tags []Tag, prefix, suffix string) [][]string {
	if len(tags) == 0 {
		return nil
	}

	head := tags[0]
	rest := tensorNames(tags[1:], head.prefix, head.suffix)
	if head.name == "" {
		return rest
	}

	var names [][]string
	for _, n := range head.candidates() {
		n = prefix + n + suffix
		if len(rest) == 0 {
			names = append(names, []string{n})
			continue
		}

		for _, r := range rest {
			names = append(names, append([]string{n}, r...))
		}
	}
	return names
}

func withTag(tags []Tag, t Tag) []Tag {
	return append(tags[:len(tags):len(tags)], t)
}

func nilable(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Chan, reflect.Func, reflect.Interface, reflect.Map, reflect.Pointer, reflect.Slice:
		return true
	default:
		return false
	}
}

// populateFields befuellt die Struktur v. Findet sich in ihr kein einziger
// Tensor, wird der Nullwert zurueckgegeben, damit optionale Teilmodule nil bleiben.
func populateFields(base Base, v reflect.Value) reflect.Value {
	return populator{base: base}.fill(v, nil)
}

type populator struct {
	base Base
}

func (p populator) fill(v reflect.Value, tags []Tag) reflect.Value {
	t := v.Type()
	if t.Kind() != reflect.Struct {
		return v
	}

	found := false
	for i := range t.NumField() {
		f, fv := t.Field(i), v.Field(i)
		if !fv.CanSet() {
			continue
		}

		ftags := tags
		if s := f.Tag.Get("torch"); s != "" {
			ftags = withTag(tags, parseTag(s))
		}
		p.field(fv, ftags)

		if !nilable(f.Type) || !fv.IsNil() {
			found = true
		}
	}

	if !found {
		return reflect.Zero(t)
	}
	return v
}

func (p populator) field(v reflect.Value, tags []Tag) {
	switch t := v.Type(); {
	case t == baseType:
		v.Set(reflect.ValueOf(p.base))
	case t == tensorType:
		if tensor := p.lookup(tags); tensor != nil {
			v.Set(reflect.ValueOf(tensor))
		}
	case t.Kind() == reflect.Pointer, t.Kind() == reflect.Interface:
		p.pointer(v, tags)
	case t.Kind() == reflect.Slice, t.Kind() == reflect.Array:
		for i := range v.Len() {
			elem, etags := v.Index(i), withTag(tags, Tag{name: strconv.Itoa(i)})
			switch elem.Kind() {
			case reflect.Pointer, reflect.Interface:
				p.pointer(elem, etags)
			default:
				elem.Set(p.fill(elem, etags))
			}
		}
	}
}

func (p populator) lookup(tags []Tag) ml.Tensor {
	for _, parts := range tensorNames(tags, "", "") {
		if t := p.base.Backend().Get(strings.Join(parts, ".")); t != nil {
			logutil.Trace("found tensor", "name", t.Name(), "shape", t.Shape())
			return t
		}
	}
	return nil
}

// pointer befuellt das Ziel eines Pointer- oder Interface-Felds und legt
// es bei nil neu an. Bleibt das Ziel leer, bleibt das Feld unveraendert.
func (p populator) pointer(v reflect.Value, tags []Tag) {
	var target reflect.Value
	switch {
	case v.Kind() == reflect.Interface && v.IsNil():
		return
	case v.Kind() == reflect.Interface:
		target = reflect.Indirect(v.Elem())
	case v.IsNil():
		target = reflect.New(v.Type().Elem()).Elem()
	default:
		target = v.Elem()
	}

	if f := p.fill(target, tags); f.CanAddr() {
		v.Set(f.Addr())
	}
}
