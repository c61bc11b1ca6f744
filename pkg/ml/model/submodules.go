// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"slices"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ExtractLayers returns the layers of m at the given paths, by reference.
//
// Modifying the returned layers (e.g. freezing their variables) modifies the model.
// It returns an error wrapping ErrLayerNotFound if any of the paths is not registered.
func ExtractLayers(m Addressable, paths []string) (LayerMap, error) {
	registry := m.Registry()
	layers := make(LayerMap, len(paths))
	for _, path := range paths {
		layer, err := registry.Lookup(path)
		if err != nil {
			return nil, errors.WithMessage(err, "ExtractLayers")
		}
		layers[path] = layer
	}
	return layers, nil
}

// ReplaceLayers overwrites, in place, the layers of m at the paths given as keys of layers, and returns m
// itself for convenience.
//
// All replacements are validated before any layer is touched: if any path is not registered (ErrLayerNotFound),
// or if any replacement has different input/output dimensions (ErrShapeMismatch), m is left unchanged.
// Layers not listed are preserved.
func ReplaceLayers[M Addressable](m M, layers LayerMap) (M, error) {
	registry := m.Registry()
	paths := make([]string, 0, len(layers))
	for path := range layers {
		paths = append(paths, path)
	}
	slices.Sort(paths)
	for _, path := range paths {
		if _, err := registry.check(path, layers[path]); err != nil {
			return m, errors.WithMessage(err, "ReplaceLayers")
		}
	}
	for _, path := range paths {
		// Validated above, it doesn't fail.
		_ = registry.Set(path, layers[path])
		klog.V(1).Infof("replaced layer %q with a %s layer", path, layers[path].Kind())
	}
	return m, nil
}
