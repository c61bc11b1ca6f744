// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implements a dense, row-major float32 Tensor, and the host operations
// the layers need: matrix multiplication, element-wise sums and scaling.
//
// Matrix multiplication and the vector updates are delegated to gonum's BLAS implementation.
package tensors

import (
	"fmt"
	"slices"
	"strings"

	"github.com/pkg/errors"
)

// ErrShapeMismatch is returned (wrapped) whenever the shapes of the operands are not conformable.
var ErrShapeMismatch = errors.New("shape mismatch")

// Tensor is a multidimensional float32 array stored in row-major order.
//
// A Tensor with no dimensions is a scalar holding one element.
type Tensor struct {
	shape []int
	data  []float32
}

// New returns a zero-valued tensor with the given shape.
//
// It panics if any of the dimensions is negative.
func New(shape ...int) *Tensor {
	size := 1
	for axis, dim := range shape {
		if dim < 0 {
			panic(errors.Errorf("tensors.New: negative dimension %d for axis %d in shape %v", dim, axis, shape))
		}
		size *= dim
	}
	return &Tensor{shape: slices.Clone(shape), data: make([]float32, size)}
}

// FromValues creates a tensor with the given shape that takes ownership of data.
// The length of data must match the size of the shape.
func FromValues(data []float32, shape ...int) (*Tensor, error) {
	size := 1
	for _, dim := range shape {
		if dim < 0 {
			return nil, errors.Errorf("negative dimension in shape %v", shape)
		}
		size *= dim
	}
	if size != len(data) {
		return nil, errors.Wrapf(ErrShapeMismatch, "shape %v has %d elements, but %d values were given",
			shape, size, len(data))
	}
	return &Tensor{shape: slices.Clone(shape), data: data}, nil
}

// FromMatrix creates a rank-2 tensor copying the given rows. All rows must have the same length.
func FromMatrix(rows [][]float32) (*Tensor, error) {
	if len(rows) == 0 {
		return New(0, 0), nil
	}
	cols := len(rows[0])
	t := New(len(rows), cols)
	for ii, row := range rows {
		if len(row) != cols {
			return nil, errors.Wrapf(ErrShapeMismatch, "row %d has %d columns, row 0 has %d", ii, len(row), cols)
		}
		copy(t.data[ii*cols:], row)
	}
	return t, nil
}

// Shape returns a copy of the dimensions of the tensor.
func (t *Tensor) Shape() []int {
	return slices.Clone(t.shape)
}

// Rank is the number of dimensions.
func (t *Tensor) Rank() int {
	return len(t.shape)
}

// Dim returns the dimension of the given axis. Negative axes count from the end.
func (t *Tensor) Dim(axis int) int {
	if axis < 0 {
		axis += len(t.shape)
	}
	return t.shape[axis]
}

// Size is the total number of elements.
func (t *Tensor) Size() int {
	return len(t.data)
}

// Data returns the underlying flat storage. Changes to it are reflected in the tensor.
func (t *Tensor) Data() []float32 {
	return t.data
}

// SameShape returns whether t and other have the exact same dimensions.
func (t *Tensor) SameShape(other *Tensor) bool {
	return slices.Equal(t.shape, other.shape)
}

func (t *Tensor) flatIndex(indices []int) int {
	if len(indices) != len(t.shape) {
		panic(errors.Errorf("tensor of shape %v indexed with %d indices", t.shape, len(indices)))
	}
	idx := 0
	for axis, i := range indices {
		if i < 0 || i >= t.shape[axis] {
			panic(errors.Errorf("index %d out of range for axis %d of shape %v", i, axis, t.shape))
		}
		idx = idx*t.shape[axis] + i
	}
	return idx
}

// At returns the element at the given indices. It panics if the indices are out of range.
func (t *Tensor) At(indices ...int) float32 {
	return t.data[t.flatIndex(indices)]
}

// Set the element at the given indices. It panics if the indices are out of range.
func (t *Tensor) Set(value float32, indices ...int) {
	t.data[t.flatIndex(indices)] = value
}

// Row returns a view of row i of a rank-2 tensor.
func (t *Tensor) Row(i int) []float32 {
	if len(t.shape) != 2 {
		panic(errors.Errorf("Row() requires a rank-2 tensor, got shape %v", t.shape))
	}
	cols := t.shape[1]
	return t.data[i*cols : (i+1)*cols : (i+1)*cols]
}

// Clone returns a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{shape: slices.Clone(t.shape), data: slices.Clone(t.data)}
}

// Reshape returns a tensor sharing the same data with a new shape of the same size.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	if size != len(t.data) {
		return nil, errors.Wrapf(ErrShapeMismatch, "cannot reshape %v to %v", t.shape, shape)
	}
	return &Tensor{shape: slices.Clone(shape), data: t.data}, nil
}

// Matrix returns the contents of a rank-2 tensor as a Go slice of rows. Mostly useful for tests.
func (t *Tensor) Matrix() [][]float32 {
	rows := make([][]float32, t.Dim(0))
	for ii := range rows {
		rows[ii] = slices.Clone(t.Row(ii))
	}
	return rows
}

// Float64s returns a copy of the values converted to float64.
func (t *Tensor) Float64s() []float64 {
	values := make([]float64, len(t.data))
	for ii, v := range t.data {
		values[ii] = float64(v)
	}
	return values
}

// String implements fmt.Stringer. Large tensors are summarized.
func (t *Tensor) String() string {
	const maxValues = 16
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "(Float32)%v", t.shape)
	if len(t.data) <= maxValues {
		_, _ = fmt.Fprintf(&sb, "%v", t.data)
	} else {
		_, _ = fmt.Fprintf(&sb, "%v...", t.data[:maxValues])
	}
	return sb.String()
}
