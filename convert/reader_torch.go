// reader_torch.go - PyTorch-Checkpoints (zip und legacy pickle) via gopickle
package convert

import (
	"fmt"
	"slices"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
)

// stateDictKeys - Eintraege, unter denen Trainings-Checkpoints das Modell ablegen
var stateDictKeys = []string{"model_state_dict", "state_dict", "model"}

func readTorch(path string) (*StateDict, error) {
	pt, err := pytorch.Load(path)
	if err != nil {
		return nil, err
	}

	return stateDictFromPickle(pt)
}

// stateDictFromPickle - Akzeptiert entweder einen Trainings-Checkpoint
// ({"model_state_dict": ..., "epoch": ...}) oder ein nacktes state_dict
func stateDictFromPickle(obj any) (*StateDict, error) {
	entries, err := pickleEntries(obj)
	if err != nil {
		return nil, err
	}

	for _, key := range stateDictKeys {
		for _, e := range entries {
			if k, ok := e.key.(string); ok && k == key {
				inner, err := pickleEntries(e.value)
				if err != nil {
					return nil, fmt.Errorf("%s: %w", key, err)
				}
				return stateDictFromEntries(inner)
			}
		}
	}

	return stateDictFromEntries(entries)
}

type pickleEntry struct {
	key, value any
}

func pickleEntries(obj any) ([]pickleEntry, error) {
	var entries []pickleEntry
	switch d := obj.(type) {
	case *types.Dict:
		for _, k := range d.Keys() {
			entries = append(entries, pickleEntry{k, d.MustGet(k)})
		}
	case *types.OrderedDict:
		for e := d.List.Front(); e != nil; e = e.Next() {
			entry := e.Value.(*types.OrderedDictEntry)
			entries = append(entries, pickleEntry{entry.Key, entry.Value})
		}
	default:
		return nil, fmt.Errorf("%w: expected dict, got %T", ErrFormat, obj)
	}
	return entries, nil
}

func stateDictFromEntries(entries []pickleEntry) (*StateDict, error) {
	sd := NewStateDict()
	for _, e := range entries {
		name, ok := e.key.(string)
		if !ok {
			return nil, fmt.Errorf("%w: non-string key %v", ErrFormat, e.key)
		}

		pt, ok := e.value.(*pytorch.Tensor)
		if !ok {
			return nil, fmt.Errorf("%w: %q is %T, not a tensor", ErrFormat, name, e.value)
		}

		t, err := torchTensor(name, pt)
		if err != nil {
			return nil, err
		}

		if err := sd.Set(t); err != nil {
			return nil, err
		}
	}

	if sd.Len() == 0 {
		return nil, fmt.Errorf("%w: no tensors found", ErrFormat)
	}
	return sd, nil
}

// torchTensor - Sammelt die Elemente eines (moeglicherweise nicht
// zusammenhaengenden) Tensors in Row-Major-Reihenfolge
func torchTensor(name string, pt *pytorch.Tensor) (*Tensor, error) {
	var (
		dtype string
		at    func(int) float32
		size  int
	)

	switch s := pt.Source.(type) {
	case *pytorch.FloatStorage:
		dtype, size, at = "F32", len(s.Data), func(i int) float32 { return s.Data[i] }
	case *pytorch.HalfStorage:
		dtype, size, at = "F16", len(s.Data), func(i int) float32 { return s.Data[i] }
	case *pytorch.BFloat16Storage:
		dtype, size, at = "BF16", len(s.Data), func(i int) float32 { return s.Data[i] }
	case *pytorch.DoubleStorage:
		dtype, size, at = "F64", len(s.Data), func(i int) float32 { return float32(s.Data[i]) }
	default:
		return nil, fmt.Errorf("%w: tensor %q has storage %T", ErrFormat, name, pt.Source)
	}

	shape := slices.Clone(pt.Size)
	stride := slices.Clone(pt.Stride)
	if len(stride) != len(shape) {
		return nil, fmt.Errorf("%w: tensor %q has shape %v but stride %v", ErrFormat, name, shape, stride)
	}

	t := &Tensor{Name: name, Shape: shape, DType: dtype}
	t.Data = make([]float32, t.Elements())

	idx := make([]int, len(shape))
	offset := pt.StorageOffset
	for i := range t.Data {
		if offset < 0 || offset >= size {
			return nil, fmt.Errorf("%w: tensor %q reads outside its storage", ErrFormat, name)
		}
		t.Data[i] = at(offset)

		for d := len(shape) - 1; d >= 0; d-- {
			idx[d]++
			offset += stride[d]
			if idx[d] < shape[d] {
				break
			}
			offset -= stride[d] * shape[d]
			idx[d] = 0
		}
	}

	return t, nil
}
