// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"github.com/gomlx/lora/pkg/support/sets"
)

// uniqueVariables iterates over the variables of src, skipping variables already visited:
// a variable shared by two layers is visited only once.
func uniqueVariables(src ParameterSource, fn func(name string, v *Variable)) {
	seen := sets.Make[*Variable]()
	for name, v := range src.Variables() {
		if v == nil || !seen.Visit(v) {
			continue
		}
		fn(name, v)
	}
}

// CountTrainableParameters returns the total number of scalar elements in the trainable variables of src.
// It has no side effects.
func CountTrainableParameters(src ParameterSource) int {
	var total int
	uniqueVariables(src, func(_ string, v *Variable) {
		if v.Trainable {
			total += v.Size()
		}
	})
	return total
}

// CountParameters returns the total number of scalar elements in all variables of src, trainable or not.
func CountParameters(src ParameterSource) int {
	var total int
	uniqueVariables(src, func(_ string, v *Variable) {
		total += v.Size()
	})
	return total
}

// SetTrainable sets the Trainable flag of every variable of src.
func SetTrainable(src ParameterSource, trainable bool) {
	for _, v := range src.Variables() {
		if v != nil {
			v.Trainable = trainable
		}
	}
}

// FreezeAll marks every variable of src as not trainable.
func FreezeAll(src ParameterSource) {
	SetTrainable(src, false)
}

// VariablesMap returns the variables of src indexed by name.
func VariablesMap(src ParameterSource) map[string]*Variable {
	vars := make(map[string]*Variable)
	for name, v := range src.Variables() {
		vars[name] = v
	}
	return vars
}
