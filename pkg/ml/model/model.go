// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package model defines the abstractions shared by the layers and models:
//
//   - Variable: holds a parameter tensor and whether it is Trainable.
//   - ParameterSource: anything (a layer, a whole model) that enumerates its variables by dotted name.
//   - Layer: a linear map addressable inside a model. It is a tagged variant: see LayerKind.
//   - Registry: the addressable table of layers of a model, built once when the model is constructed.
//     Layers are looked up and replaced by their dotted path ("transformer.layer.0.attention.q_lin"),
//     and the model's forward pass always reads the layers through the registry slots.
//
// It also implements the operations on top of these abstractions: counting (trainable) parameters,
// freezing parameters, and extracting/replacing layers by path.
//
// Example:
//
//	m := must.M1(distilbert.New(distilbert.DefaultConfig()))
//	fmt.Printf("trainable parameters: %d\n", model.CountTrainableParameters(m))
//	layers := must.M1(model.ExtractLayers(m, m.QueryValuePaths()))
//	... // Wrap layers.
//	m = must.M1(model.ReplaceLayers(m, layers))
package model

import (
	"iter"
	"strings"
)

// PathSeparator separates the components of a dotted path.
const PathSeparator = "."

// JoinPath joins the non-empty components with PathSeparator.
func JoinPath(parts ...string) string {
	nonEmpty := make([]string, 0, len(parts))
	for _, part := range parts {
		if part != "" {
			nonEmpty = append(nonEmpty, part)
		}
	}
	return strings.Join(nonEmpty, PathSeparator)
}

// SplitPath splits the last component of the path: "a.b.c" -> ("a.b", "c").
func SplitPath(path string) (prefix, name string) {
	idx := strings.LastIndex(path, PathSeparator)
	if idx == -1 {
		return "", path
	}
	return path[:idx], path[idx+1:]
}

// HasPathSuffix returns whether path is suffix or ends with PathSeparator+suffix.
// E.g.: "layer.0.attention.q_lin" has the suffixes "q_lin" and "attention.q_lin", but not "lin".
func HasPathSuffix(path, suffix string) bool {
	if suffix == "" {
		return false
	}
	if path == suffix {
		return true
	}
	return strings.HasSuffix(path, PathSeparator+suffix)
}

// ParameterSource is implemented by anything holding variables: layers, and models (trees of layers).
type ParameterSource interface {
	// Variables yields the variables with their dotted names, in a deterministic order.
	// The names are relative to the source: a model prefixes the names yielded by its layers with
	// the path of the layer.
	Variables() iter.Seq2[string, *Variable]
}

// Module is a model whose layers are addressable by path.
type Module interface {
	ParameterSource
	Addressable
}

// Addressable is implemented by models that expose their layers through a Registry.
type Addressable interface {
	Registry() *Registry
}

// PrefixVariables yields the variables of src with their names prefixed by prefix.
func PrefixVariables(prefix string, src ParameterSource) iter.Seq2[string, *Variable] {
	return func(yield func(string, *Variable) bool) {
		for name, v := range src.Variables() {
			if !yield(JoinPath(prefix, name), v) {
				return
			}
		}
	}
}
