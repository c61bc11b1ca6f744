// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nn

import (
	"iter"

	"github.com/gomlx/lora/pkg/core/tensors"
	"github.com/gomlx/lora/pkg/ml/initializer"
	"github.com/gomlx/lora/pkg/ml/model"
	"github.com/pkg/errors"
)

// Linear performs a linear transformation: y = x @ weight + bias.
//
// weight has shape [in_features, out_features]. bias is optional (nil means no bias).
//
// Linear implements model.Layer with Kind model.KindLinear.
type Linear struct {
	weight, bias *model.Variable
}

var _ model.Layer = (*Linear)(nil)

// NewLinear creates a trainable Linear layer mapping inputDim to outputDim, with the weights created
// by initFn. If useBias is true, a zero initialized bias is also created.
func NewLinear(inputDim, outputDim int, initFn initializer.Initializer, useBias bool) *Linear {
	l := &Linear{weight: model.NewVariable(initFn(inputDim, outputDim), true)}
	if useBias {
		l.bias = model.NewVariable(initializer.Zero(outputDim), true)
	}
	return l
}

// LinearFromValues creates a trainable Linear layer with the given weights `[in, out]` and optional bias `[out]`.
func LinearFromValues(weight, bias *tensors.Tensor) (*Linear, error) {
	if weight == nil || weight.Rank() != 2 {
		return nil, errors.Wrapf(model.ErrShapeMismatch, "Linear weight must be a matrix")
	}
	l := &Linear{weight: model.NewVariable(weight, true)}
	if bias != nil {
		if bias.Rank() != 1 || bias.Dim(0) != weight.Dim(1) {
			return nil, errors.Wrapf(model.ErrShapeMismatch, "Linear weight shaped %v and bias shaped %v",
				weight.Shape(), bias.Shape())
		}
		l.bias = model.NewVariable(bias, true)
	}
	return l, nil
}

// Kind implements model.Layer.
func (l *Linear) Kind() model.LayerKind { return model.KindLinear }

// InputDim implements model.Layer.
func (l *Linear) InputDim() int { return l.weight.Value().Dim(0) }

// OutputDim implements model.Layer.
func (l *Linear) OutputDim() int { return l.weight.Value().Dim(1) }

// Weight variable, shaped `[in, out]`.
func (l *Linear) Weight() *model.Variable { return l.weight }

// Bias variable, shaped `[out]`, or nil if the layer has no bias.
func (l *Linear) Bias() *model.Variable { return l.bias }

// Forward implements model.Layer.
func (l *Linear) Forward(x *tensors.Tensor) (*tensors.Tensor, error) {
	y, err := tensors.MatMul(x, l.weight.Value())
	if err != nil {
		return nil, errors.WithMessage(err, "Linear.Forward")
	}
	if l.bias != nil {
		y, err = tensors.AddRow(y, l.bias.Value())
		if err != nil {
			return nil, errors.WithMessage(err, "Linear.Forward")
		}
	}
	return y, nil
}

// Variables implements model.ParameterSource: it yields "weight" and, if present, "bias".
func (l *Linear) Variables() iter.Seq2[string, *model.Variable] {
	return func(yield func(string, *model.Variable) bool) {
		if !yield("weight", l.weight) {
			return
		}
		if l.bias != nil {
			yield("bias", l.bias)
		}
	}
}
