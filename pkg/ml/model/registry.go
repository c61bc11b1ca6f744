// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"iter"
	"slices"

	"github.com/gomlx/lora/pkg/core/tensors"
	"github.com/pkg/errors"
)

var (
	// ErrLayerNotFound is returned when a path doesn't address any layer of a model.
	ErrLayerNotFound = errors.New("layer not found")

	// ErrShapeMismatch is returned when a layer or value doesn't have the expected dimensions.
	ErrShapeMismatch = errors.New("shape mismatch")
)

// Slot holds the current layer registered under a path.
//
// Models keep the *Slot returned by Registry.Register and read the layer through it in their forward pass,
// so a replacement is immediately visible.
type Slot struct {
	path      string
	layer     Layer
	inputDim  int
	outputDim int
}

// Path where the slot is registered.
func (s *Slot) Path() string { return s.path }

// Layer currently held by the slot.
func (s *Slot) Layer() Layer { return s.layer }

// Forward is a shortcut to s.Layer().Forward.
func (s *Slot) Forward(x *tensors.Tensor) (*tensors.Tensor, error) {
	y, err := s.layer.Forward(x)
	if err != nil {
		return nil, errors.WithMessagef(err, "in layer %q", s.path)
	}
	return y, nil
}

// Registry is the table of addressable layers of a model, in registration order.
//
// It is built once, when the model is constructed. Afterwards only the contents of the slots change.
// It is not safe for concurrent mutation.
type Registry struct {
	order []string
	slots map[string]*Slot
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{slots: make(map[string]*Slot)}
}

// Register a layer under path. It returns the slot the model should read the layer from.
// It returns an error if path is empty or already registered.
func (r *Registry) Register(path string, layer Layer) (*Slot, error) {
	if path == "" {
		return nil, errors.New("cannot register a layer with an empty path")
	}
	if layer == nil {
		return nil, errors.Errorf("cannot register a nil layer at %q", path)
	}
	if _, found := r.slots[path]; found {
		return nil, errors.Errorf("layer %q already registered", path)
	}
	slot := &Slot{path: path, layer: layer, inputDim: layer.InputDim(), outputDim: layer.OutputDim()}
	r.slots[path] = slot
	r.order = append(r.order, path)
	return slot, nil
}

// Lookup returns the layer at path, or an error wrapping ErrLayerNotFound.
func (r *Registry) Lookup(path string) (Layer, error) {
	slot, found := r.slots[path]
	if !found {
		return nil, errors.Wrapf(ErrLayerNotFound, "path %q", path)
	}
	return slot.layer, nil
}

// check returns an error if layer can't be set at path.
func (r *Registry) check(path string, layer Layer) (*Slot, error) {
	slot, found := r.slots[path]
	if !found {
		return nil, errors.Wrapf(ErrLayerNotFound, "path %q", path)
	}
	if layer == nil {
		return nil, errors.Errorf("cannot set a nil layer at %q", path)
	}
	if layer.InputDim() != slot.inputDim || layer.OutputDim() != slot.outputDim {
		return nil, errors.Wrapf(ErrShapeMismatch, "layer at %q maps %d -> %d, replacement maps %d -> %d",
			path, slot.inputDim, slot.outputDim, layer.InputDim(), layer.OutputDim())
	}
	return slot, nil
}

// Set replaces the layer at path. The new layer must have the same input and output dimensions.
func (r *Registry) Set(path string, layer Layer) error {
	slot, err := r.check(path, layer)
	if err != nil {
		return err
	}
	slot.layer = layer
	return nil
}

// Paths returns the registered paths, in registration order.
func (r *Registry) Paths() []string {
	return slices.Clone(r.order)
}

// Layers iterates over the registered paths and their current layers, in registration order.
func (r *Registry) Layers() iter.Seq2[string, Layer] {
	return func(yield func(string, Layer) bool) {
		for _, path := range r.order {
			if !yield(path, r.slots[path].layer) {
				return
			}
		}
	}
}

// Len returns the number of registered layers.
func (r *Registry) Len() int {
	return len(r.order)
}
