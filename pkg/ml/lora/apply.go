// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package lora

import (
	"slices"

	"github.com/gomlx/lora/pkg/ml/model"
	"github.com/gomlx/lora/pkg/ml/nn"
	"github.com/gomlx/lora/pkg/support/sets"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultTargeter is implemented by models that define the layers adapted by default,
// used when Config.TargetModules is empty.
type DefaultTargeter interface {
	DefaultTargets() []string
}

// ResolvePaths returns the registered paths of m matching any of the patterns, in registration order.
// A pattern matches a path if it is equal to it or a dotted suffix of it (see model.HasPathSuffix).
//
// It returns an error wrapping model.ErrLayerNotFound if a pattern matches no layer.
func ResolvePaths(m model.Addressable, patterns []string) ([]string, error) {
	registry := m.Registry()
	matched := sets.Make[string]()
	for _, pattern := range patterns {
		var found bool
		for _, path := range registry.Paths() {
			if model.HasPathSuffix(path, pattern) {
				matched.Insert(path)
				found = true
			}
		}
		if !found {
			return nil, errors.Wrapf(model.ErrLayerNotFound, "no layer matches %q", pattern)
		}
	}
	paths := make([]string, 0, len(matched))
	for _, path := range registry.Paths() {
		if matched.Has(path) {
			paths = append(paths, path)
		}
	}
	return paths, nil
}

// Apply adds LoRA adapters to the model m, in place:
//
//  1. It resolves the target layers from cfg.TargetModules (or the model defaults, if m implements DefaultTargeter).
//  2. It freezes all variables of m.
//  3. Each target (it must be an *nn.Linear) is wrapped with an adapter (see New) and replaced in m.
//  4. cfg.ModulesToSave are made trainable again, and biases according to cfg.Bias.
//
// It returns the adapters by path. Each adapter is initialized with its own seed derived from cfg.Seed.
// If an error is returned before any change is made (invalid config, unknown targets, targets
// that are not linear layers), m is left unchanged.
func Apply(m model.Module, cfg Config) (model.LayerMap, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	targets := cfg.TargetModules
	if len(targets) == 0 {
		if targeter, ok := m.(DefaultTargeter); ok {
			targets = targeter.DefaultTargets()
		}
	}
	if len(targets) == 0 {
		return nil, errors.Wrap(ErrInvalidConfig, "no target_modules given, and the model has no default targets")
	}
	paths, err := ResolvePaths(m, targets)
	if err != nil {
		return nil, errors.WithMessage(err, "resolving target_modules")
	}
	var toSave []string
	if len(cfg.ModulesToSave) > 0 {
		toSave, err = ResolvePaths(m, cfg.ModulesToSave)
		if err != nil {
			return nil, errors.WithMessage(err, "resolving modules_to_save")
		}
		for _, path := range toSave {
			if slices.Contains(paths, path) {
				return nil, errors.Wrapf(ErrInvalidConfig,
					"layer %q is both in target_modules and modules_to_save", path)
			}
		}
	}
	layers, err := model.ExtractLayers(m, paths)
	if err != nil {
		return nil, err
	}
	bases := make(map[string]*nn.Linear, len(layers))
	for _, path := range paths {
		switch layer := layers[path].(type) {
		case *nn.Linear:
			bases[path] = layer
		case *Linear:
			return nil, errors.Errorf("layer %q already has a LoRA adapter", path)
		default:
			return nil, errors.Errorf("layer %q is a %s layer of type %T, only *nn.Linear can be adapted",
				path, layer.Kind(), layer)
		}
	}

	model.FreezeAll(m)
	adapters := make(model.LayerMap, len(paths))
	for ii, path := range paths {
		layerCfg := cfg
		layerCfg.Seed = cfg.Seed + uint64(ii)
		adapter, err := New(bases[path], layerCfg)
		if err != nil {
			return nil, errors.WithMessagef(err, "adapting layer %q", path)
		}
		adapters[path] = adapter
	}
	if _, err = model.ReplaceLayers(m, adapters); err != nil {
		return nil, err
	}
	for _, path := range toSave {
		layer, err := m.Registry().Lookup(path)
		if err != nil {
			return nil, err
		}
		model.SetTrainable(layer, true)
	}
	if cfg.Bias == BiasAll {
		for name, v := range m.Variables() {
			if _, last := model.SplitPath(name); last == "bias" {
				v.Trainable = true
			}
		}
	}
	klog.V(1).Infof("LoRA: adapted %d layers with rank %d, alpha %g: %d trainable parameters out of %d",
		len(adapters), cfg.Rank, cfg.Alpha, model.CountTrainableParameters(m), model.CountParameters(m))
	return adapters, nil
}

// Adapters returns the layers of m currently wrapped with LoRA adapters, by path.
func Adapters(m model.Addressable) model.LayerMap {
	adapters := make(model.LayerMap)
	for path, layer := range m.Registry().Layers() {
		if layer.Kind() == model.KindLoRA {
			adapters[path] = layer
		}
	}
	return adapters
}

// MergeAll replaces every adapter of m by its merged frozen linear layer (see Linear.Merge), which is
// faster for inference and export. It returns the number of merged layers.
func MergeAll(m model.Addressable) (int, error) {
	replacements := make(model.LayerMap)
	for path, layer := range Adapters(m) {
		adapter, ok := layer.(*Linear)
		if !ok {
			return 0, errors.Errorf("layer %q is of kind %s, but has type %T", path, layer.Kind(), layer)
		}
		merged, err := adapter.Merge()
		if err != nil {
			return 0, errors.WithMessagef(err, "merging layer %q", path)
		}
		replacements[path] = merged
	}
	if _, err := model.ReplaceLayers(m, replacements); err != nil {
		return 0, err
	}
	return len(replacements), nil
}

// Unwrap restores the frozen linear layers wrapped by the adapters of m, discarding the adapters.
// It returns the number of unwrapped layers. The restored layers stay frozen.
func Unwrap(m model.Addressable) (int, error) {
	replacements := make(model.LayerMap)
	for path, layer := range Adapters(m) {
		adapter, ok := layer.(*Linear)
		if !ok {
			return 0, errors.Errorf("layer %q is of kind %s, but has type %T", path, layer.Kind(), layer)
		}
		replacements[path] = adapter.Base()
	}
	if _, err := model.ReplaceLayers(m, replacements); err != nil {
		return 0, err
	}
	return len(replacements), nil
}
