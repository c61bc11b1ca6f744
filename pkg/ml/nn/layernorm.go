// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nn

import (
	"iter"
	"math"

	"github.com/gomlx/lora/pkg/core/tensors"
	"github.com/gomlx/lora/pkg/ml/initializer"
	"github.com/gomlx/lora/pkg/ml/model"
	"github.com/pkg/errors"
)

// DefaultLayerNormEpsilon is the epsilon used by DistilBERT.
const DefaultLayerNormEpsilon = 1e-12

// LayerNorm normalizes x over its last axis, and then applies a learned scale (gamma, named "weight")
// and shift (beta, named "bias").
type LayerNorm struct {
	gamma, beta *model.Variable
	epsilon     float64
}

// NewLayerNorm creates a LayerNorm over the last axis of dimension dim, with gamma=1 and beta=0.
func NewLayerNorm(dim int, epsilon float64) *LayerNorm {
	return &LayerNorm{
		gamma:   model.NewVariable(initializer.One(dim), true),
		beta:    model.NewVariable(initializer.Zero(dim), true),
		epsilon: epsilon,
	}
}

// Forward normalizes x over the last axis.
func (ln *LayerNorm) Forward(x *tensors.Tensor) (*tensors.Tensor, error) {
	dim := ln.gamma.Value().Dim(0)
	if x.Rank() < 1 || x.Dim(-1) != dim {
		return nil, errors.Wrapf(tensors.ErrShapeMismatch, "LayerNorm over dimension %d applied to shape %v",
			dim, x.Shape())
	}
	out := x.Clone()
	data := out.Data()
	gamma, beta := ln.gamma.Value().Data(), ln.beta.Value().Data()
	for start := 0; start < len(data); start += dim {
		row := data[start : start+dim]
		var mean, variance float64
		for _, v := range row {
			mean += float64(v)
		}
		mean /= float64(dim)
		for _, v := range row {
			d := float64(v) - mean
			variance += d * d
		}
		variance /= float64(dim)
		invStd := 1 / math.Sqrt(variance+ln.epsilon)
		for ii, v := range row {
			row[ii] = float32((float64(v)-mean)*invStd)*gamma[ii] + beta[ii]
		}
	}
	return out, nil
}

// Variables implements model.ParameterSource.
func (ln *LayerNorm) Variables() iter.Seq2[string, *model.Variable] {
	return func(yield func(string, *model.Variable) bool) {
		if !yield("weight", ln.gamma) {
			return
		}
		yield("bias", ln.beta)
	}
}
