// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package nn provides the neural network building blocks used by the models: Linear layers,
// LayerNorm, Embedding and the activation functions.
//
// All of them operate on float32 tensors.Tensor values on the CPU.
package nn

import (
	"math"

	"github.com/gomlx/lora/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Softmax computes softmax activations over the last axis, in a numerically stable way.
func Softmax(logits *tensors.Tensor) *tensors.Tensor {
	return MaskedSoftmax(logits, nil)
}

// MaskedSoftmax computes softmax activations over the last axis, considering only the positions where
// mask is true. mask has the size of the last axis and is applied to every row. If mask is nil, all
// positions are used. Masked out positions get probability 0.
//
// If all positions of a row are masked out, the row is all zeros.
func MaskedSoftmax(logits *tensors.Tensor, mask []bool) *tensors.Tensor {
	out := logits.Clone()
	if logits.Rank() == 0 {
		out.Data()[0] = 1
		return out
	}
	n := logits.Dim(-1)
	if mask != nil && len(mask) != n {
		panic(errors.Errorf("MaskedSoftmax: mask of length %d for logits shaped %v", len(mask), logits.Shape()))
	}
	data := out.Data()
	for start := 0; start+n <= len(data) && n > 0; start += n {
		softmaxRow(data[start:start+n], mask)
	}
	return out
}

func softmaxRow(row []float32, mask []bool) {
	normalizingMax := float32(math.Inf(-1))
	for ii, v := range row {
		if (mask == nil || mask[ii]) && v > normalizingMax {
			normalizingMax = v
		}
	}
	if math.IsInf(float64(normalizingMax), -1) {
		clear(row)
		return
	}
	var sum float64
	for ii, v := range row {
		if mask != nil && !mask[ii] {
			row[ii] = 0
			continue
		}
		e := math.Exp(float64(v - normalizingMax))
		row[ii] = float32(e)
		sum += e
	}
	for ii := range row {
		row[ii] = float32(float64(row[ii]) / sum)
	}
}

// Gelu activation function, the exact version using the error function, as used by BERT models.
func Gelu(x *tensors.Tensor) *tensors.Tensor {
	return tensors.Apply(x, func(v float32) float32 {
		return float32(0.5 * float64(v) * (1 + math.Erf(float64(v)/math.Sqrt2)))
	})
}

// Relu activation function: max(x, 0).
func Relu(x *tensors.Tensor) *tensors.Tensor {
	return tensors.Apply(x, func(v float32) float32 {
		return max(v, 0)
	})
}

// ArgMax returns the index of the largest value of each row of the matrix x.
func ArgMax(x *tensors.Tensor) ([]int, error) {
	if x.Rank() != 2 || x.Dim(1) == 0 {
		return nil, errors.Wrapf(tensors.ErrShapeMismatch, "ArgMax requires a non-empty matrix, got shape %v", x.Shape())
	}
	indices := make([]int, x.Dim(0))
	for row := range indices {
		values := x.Row(row)
		best := 0
		for ii, v := range values {
			if v > values[best] {
				best = ii
			}
		}
		indices[row] = best
	}
	return indices, nil
}
