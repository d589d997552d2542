// backend.go - Backend-Interface und Registrierung fuer ML-Modelle
// Dieses Modul definiert das Backend-Interface und die Backend-Factory-Funktionen.
package ml

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// ErrDeviceUnavailable is returned when no backend is registered for a device.
var ErrDeviceUnavailable = errors.New("device unavailable")

// Weights is the source a backend copies its parameters from.
type Weights interface {
	Names() []string
	Get(name string) (shape []int, data []float32, ok bool)
}

// Backend represents a model execution backend bound to one device.
type Backend interface {
	// Close frees all memory associated with this backend
	Close()

	Device() string

	// Get returns the named weight or nil. Every requested name is marked as used.
	Get(name string) Tensor

	// Unused lists weights that were never requested via Get.
	Unused() []string

	NewContext() Context
	NewTraceContext() Context

	// Execute runs a recorded graph with one flat buffer per graph input.
	Execute(g *Graph, inputs ...[]float32) ([][]float32, error)
}

var backends = make(map[string]func(Weights) (Backend, error))

// RegisterBackend registers a backend factory function for a device.
func RegisterBackend(device string, f func(Weights) (Backend, error)) {
	if _, ok := backends[device]; ok {
		panic("backend: backend already registered")
	}

	backends[device] = f
}

// NewBackend creates a new backend instance on device holding the given weights.
func NewBackend(device string, w Weights) (Backend, error) {
	if backend, ok := backends[device]; ok {
		return backend(w)
	}

	return nil, fmt.Errorf("%w: %q (available: %s)", ErrDeviceUnavailable, device, strings.Join(Devices(), ", "))
}

// Devices lists all devices with a registered backend.
func Devices() []string {
	var devices []string
	for device := range backends {
		devices = append(devices, device)
	}
	slices.Sort(devices)
	return devices
}
