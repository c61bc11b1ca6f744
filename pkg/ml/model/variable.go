// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"fmt"

	"github.com/gomlx/lora/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Variable holds a parameter (weights) of a model.
//
// The variable doesn't know its own name: names are given by the ParameterSource that
// holds it, which makes it possible to move a layer (and its variables) from one model to another.
type Variable struct {
	// Trainable indicates whether the variable is trainable.
	// If set to false, it won't be touched by trainers.
	Trainable bool

	value *tensors.Tensor
}

// NewVariable creates a variable holding value.
func NewVariable(value *tensors.Tensor, trainable bool) *Variable {
	return &Variable{value: value, Trainable: trainable}
}

// Value returns the current value of the variable. It is not a copy.
func (v *Variable) Value() *tensors.Tensor {
	return v.value
}

// SetValue replaces the value of the variable. The new value must have the same shape.
func (v *Variable) SetValue(value *tensors.Tensor) error {
	if value == nil {
		return errors.Wrapf(ErrShapeMismatch, "variable of shape %v cannot be set to nil", v.value.Shape())
	}
	if !v.value.SameShape(value) {
		return errors.Wrapf(ErrShapeMismatch, "variable of shape %v cannot be set to a value of shape %v",
			v.value.Shape(), value.Shape())
	}
	v.value = value
	return nil
}

// Shape of the variable.
func (v *Variable) Shape() []int {
	return v.value.Shape()
}

// Size is the number of scalar elements of the variable.
func (v *Variable) Size() int {
	if v == nil || v.value == nil {
		return 0
	}
	return v.value.Size()
}

// String implements fmt.Stringer.
func (v *Variable) String() string {
	if v == nil || v.value == nil {
		return "INVALID (NIL) VARIABLE"
	}
	state := "frozen"
	if v.Trainable {
		state = "trainable"
	}
	return fmt.Sprintf("Variable(%v, %s)", v.value.Shape(), state)
}
