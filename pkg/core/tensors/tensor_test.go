// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"fmt"
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromValues(t *testing.T) {
	x, err := FromValues([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, x.Shape())
	assert.Equal(t, 2, x.Rank())
	assert.Equal(t, 6, x.Size())
	assert.Equal(t, float32(6), x.At(1, 2))
	assert.Equal(t, []float32{4, 5, 6}, x.Row(1))

	x.Set(-1, 0, 1)
	assert.Equal(t, [][]float32{{1, -1, 3}, {4, 5, 6}}, x.Matrix())

	_, err = FromValues([]float32{1, 2, 3}, 2, 2)
	require.ErrorIs(t, err, ErrShapeMismatch)

	_, err = FromMatrix([][]float32{{1, 2}, {3}})
	require.ErrorIs(t, err, ErrShapeMismatch)

	// Scalar.
	s := New()
	assert.Equal(t, 1, s.Size())
	assert.Equal(t, 0, s.Rank())
}

func TestReshape(t *testing.T) {
	x := New(2, 3, 4)
	y, err := x.Reshape(6, 4)
	require.NoError(t, err)
	y.Set(7, 5, 3)
	assert.Equal(t, float32(7), x.At(1, 2, 3), "Reshape should share the data")

	_, err = x.Reshape(5, 5)
	require.ErrorIs(t, err, ErrShapeMismatch)
}

func TestMatMul(t *testing.T) {
	a, err := FromMatrix([][]float32{{1, 2}, {10, 20}, {100, 200}})
	require.NoError(t, err)
	b, err := FromMatrix([][]float32{{1, 2, 3}, {4, 5, 6}})
	require.NoError(t, err)
	c, err := MatMul(a, b)
	require.NoError(t, err)
	fmt.Printf("\tc=%s\n", c)
	assert.Equal(t, [][]float32{{9, 12, 15}, {90, 120, 150}, {900, 1200, 1500}}, c.Matrix())

	// Batched input: leading axes are kept.
	batched, err := FromValues([]float32{1, 2, 10, 20, 100, 200, 0, 1}, 2, 2, 2)
	require.NoError(t, err)
	c, err = MatMul(batched, b)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 3}, c.Shape())
	assert.Equal(t, []float32{9, 12, 15, 90, 120, 150, 900, 1200, 1500, 4, 5, 6}, c.Data())

	// Non-conformable shapes.
	_, err = MatMul(b, b)
	require.ErrorIs(t, err, ErrShapeMismatch)

	// Transposed version.
	bt, err := Transpose(b)
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 4}, {2, 5}, {3, 6}}, bt.Matrix())
	c2, err := MatMulTransposed(a, bt)
	require.NoError(t, err)
	c, err = MatMul(a, b)
	require.NoError(t, err)
	assert.True(t, Equal(c, c2))

	// Empty contraction yields zeros.
	c, err = MatMul(New(3, 0), New(0, 2))
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0, 0, 0, 0, 0}, c.Data())
}

func TestElementwise(t *testing.T) {
	a, _ := FromMatrix([][]float32{{1, 2, 3}, {4, 5, 6}})
	b, _ := FromMatrix([][]float32{{1, 1, 1}, {2, 2, 2}})
	sum, err := Add(a, b)
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{2, 3, 4}, {6, 7, 8}}, sum.Matrix())

	scaled, err := AddScaled(a, b, 0.5)
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1.5, 2.5, 3.5}, {5, 6, 7}}, scaled.Matrix())

	row, _ := FromValues([]float32{10, 20, 30}, 3)
	withRow, err := AddRow(a, row)
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{11, 22, 33}, {14, 25, 36}}, withRow.Matrix())

	assert.Equal(t, [][]float32{{2, 4, 6}, {8, 10, 12}}, Scale(a, 2).Matrix())
	assert.Equal(t, [][]float32{{1, 4, 9}, {16, 25, 36}}, Apply(a, func(v float32) float32 { return v * v }).Matrix())
	assert.Equal(t, [][]float32{{1, 2, 3}, {4, 5, 6}}, a.Matrix(), "Operations must not change their inputs")

	_, err = Add(a, row)
	require.True(t, errors.Is(err, ErrShapeMismatch))
}

func TestFrobenius(t *testing.T) {
	a, _ := FromMatrix([][]float32{{3, 0}, {0, 4}})
	assert.InDelta(t, 5.0, FrobeniusNorm(a), 1e-9)
	d, err := FrobeniusDistance(a, New(2, 2))
	require.NoError(t, err)
	assert.InDelta(t, 5.0, d, 1e-9)
	d, err = FrobeniusDistance(a, a.Clone())
	require.NoError(t, err)
	assert.Equal(t, 0.0, d)
	_, err = FrobeniusDistance(a, New(4))
	require.ErrorIs(t, err, ErrShapeMismatch)
	assert.False(t, math.IsNaN(FrobeniusNorm(New(0, 3))))
}
