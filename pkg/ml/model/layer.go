// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"fmt"

	"github.com/gomlx/lora/pkg/core/tensors"
)

// LayerKind enumerates the variants of Layer.
type LayerKind int

const (
	// KindLinear is a (frozen or trainable) affine map x·W + b, see nn.Linear.
	KindLinear LayerKind = iota

	// KindLoRA is a frozen linear map wrapped with a low-rank adapter, see lora.Linear.
	KindLoRA
)

// String implements fmt.Stringer.
func (k LayerKind) String() string {
	switch k {
	case KindLinear:
		return "Linear"
	case KindLoRA:
		return "LoRA"
	default:
		return fmt.Sprintf("LayerKind(%d)", int(k))
	}
}

// Layer is a linear map that can be addressed and replaced in a model.
//
// It works as a tagged variant: Kind tells which concrete type implements it,
// so callers can type-switch on it without relying on reflection.
type Layer interface {
	ParameterSource

	// Kind of the layer.
	Kind() LayerKind

	// InputDim is the size of the last axis of the inputs.
	InputDim() int

	// OutputDim is the size of the last axis of the outputs.
	OutputDim() int

	// Forward applies the layer to x, shaped `[..., InputDim()]`, and returns `[..., OutputDim()]`.
	Forward(x *tensors.Tensor) (*tensors.Tensor, error)
}

// LayerMap maps dotted paths to layers. Layers are held by reference.
type LayerMap map[string]Layer
