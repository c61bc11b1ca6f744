// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"slices"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/gonum/floats"
)

// general returns a BLAS view of the rows x cols matrix stored in data.
func general(rows, cols int, data []float32) blas32.General {
	return blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: data}
}

func vector(data []float32) blas32.Vector {
	return blas32.Vector{N: len(data), Inc: 1, Data: data}
}

// MatMul returns a·b, contracting the last axis of a with the first axis of b.
//
// a can have any rank >= 1: its leading axes are treated as a batch, so a `[batch, seq, k]` input
// multiplied by a `[k, n]` matrix yields `[batch, seq, n]`. b must be a matrix.
func MatMul(a, b *Tensor) (*Tensor, error) {
	if a.Rank() < 1 || b.Rank() != 2 {
		return nil, errors.Wrapf(ErrShapeMismatch, "MatMul(%v, %v): a must have rank >= 1 and b must be a matrix",
			a.shape, b.shape)
	}
	k := a.Dim(-1)
	if b.shape[0] != k {
		return nil, errors.Wrapf(ErrShapeMismatch, "MatMul(%v, %v): contracting dimensions %d != %d",
			a.shape, b.shape, k, b.shape[0])
	}
	n := b.shape[1]
	outShape := append(slices.Clone(a.shape[:a.Rank()-1]), n)
	out := New(outShape...)
	m := 1
	for _, dim := range a.shape[:a.Rank()-1] {
		m *= dim
	}
	if m == 0 || n == 0 || k == 0 {
		return out, nil
	}
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, general(m, k, a.data), general(k, n, b.data), 0, general(m, n, out.data))
	return out, nil
}

// MatMulTransposed returns a·bᵀ for two matrices a `[m, k]` and b `[n, k]`.
func MatMulTransposed(a, b *Tensor) (*Tensor, error) {
	if a.Rank() != 2 || b.Rank() != 2 || a.shape[1] != b.shape[1] {
		return nil, errors.Wrapf(ErrShapeMismatch, "MatMulTransposed(%v, %v)", a.shape, b.shape)
	}
	m, k, n := a.shape[0], a.shape[1], b.shape[0]
	out := New(m, n)
	if m == 0 || n == 0 || k == 0 {
		return out, nil
	}
	blas32.Gemm(blas.NoTrans, blas.Trans, 1, general(m, k, a.data), general(n, k, b.data), 0, general(m, n, out.data))
	return out, nil
}

// Transpose returns the transposed copy of a matrix.
func Transpose(a *Tensor) (*Tensor, error) {
	if a.Rank() != 2 {
		return nil, errors.Wrapf(ErrShapeMismatch, "Transpose requires a matrix, got shape %v", a.shape)
	}
	rows, cols := a.shape[0], a.shape[1]
	out := New(cols, rows)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			out.data[j*rows+i] = a.data[i*cols+j]
		}
	}
	return out, nil
}

// Add returns a+b for tensors of the same shape.
func Add(a, b *Tensor) (*Tensor, error) {
	return AddScaled(a, b, 1)
}

// AddScaled returns a + scale·b, for tensors of the same shape.
func AddScaled(a, b *Tensor, scale float32) (*Tensor, error) {
	if !a.SameShape(b) {
		return nil, errors.Wrapf(ErrShapeMismatch, "AddScaled(%v, %v)", a.shape, b.shape)
	}
	out := a.Clone()
	if len(out.data) > 0 {
		blas32.Axpy(scale, vector(b.data), vector(out.data))
	}
	return out, nil
}

// AddRow broadcasts row over the last axis of a: out[..., j] = a[..., j] + row[j].
func AddRow(a, row *Tensor) (*Tensor, error) {
	if row.Rank() != 1 || a.Rank() < 1 || a.Dim(-1) != row.shape[0] {
		return nil, errors.Wrapf(ErrShapeMismatch, "AddRow(%v, %v)", a.shape, row.shape)
	}
	out := a.Clone()
	n := row.shape[0]
	if n == 0 {
		return out, nil
	}
	for start := 0; start < len(out.data); start += n {
		addTo(out.data[start:start+n], row.data)
	}
	return out, nil
}

func addTo(dst, src []float32) {
	for ii, v := range src {
		dst[ii] += v
	}
}

// Scale returns s·a.
func Scale(a *Tensor, s float32) *Tensor {
	out := a.Clone()
	if len(out.data) > 0 {
		blas32.Scal(s, vector(out.data))
	}
	return out
}

// Apply returns a new tensor with fn applied to every element of a.
func Apply(a *Tensor, fn func(v float32) float32) *Tensor {
	out := a.Clone()
	for ii, v := range out.data {
		out.data[ii] = fn(v)
	}
	return out
}

// Equal returns whether a and b have the same shape and exactly the same values.
func Equal(a, b *Tensor) bool {
	return a.SameShape(b) && slices.Equal(a.data, b.data)
}

// FrobeniusDistance returns ‖a-b‖_F, accumulated in float64.
func FrobeniusDistance(a, b *Tensor) (float64, error) {
	if !a.SameShape(b) {
		return 0, errors.Wrapf(ErrShapeMismatch, "FrobeniusDistance(%v, %v)", a.shape, b.shape)
	}
	if len(a.data) == 0 {
		return 0, nil
	}
	return floats.Distance(a.Float64s(), b.Float64s(), 2), nil
}

// FrobeniusNorm returns ‖a‖_F, accumulated in float64.
func FrobeniusNorm(a *Tensor) float64 {
	if len(a.data) == 0 {
		return 0
	}
	return floats.Norm(a.Float64s(), 2)
}
