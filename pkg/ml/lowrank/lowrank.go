// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package lowrank computes truncated SVD approximations of matrices.
//
// By the Eckart–Young theorem, keeping the top-r singular triplets gives the rank-r matrix closest
// to the input in Frobenius norm. The decomposition is computed in float64 with gonum's mat.SVD,
// and the results are converted back to float32 tensors.
//
// Rank policy: a rank < 1 is rejected with ErrInvalidRank; a rank larger than min(rows, cols) is clamped
// to min(rows, cols), and the input is fully reconstructed.
package lowrank

import (
	"math"

	"github.com/gomlx/lora/pkg/core/tensors"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"k8s.io/klog/v2"
)

var (
	// ErrInvalidRank is returned for ranks < 1.
	ErrInvalidRank = errors.New("invalid rank")

	// ErrNotMatrix is returned when the input is not a non-empty rank-2 tensor.
	ErrNotMatrix = errors.New("input is not a matrix")
)

// Decomposition holds the thin SVD of a matrix: m = U·diag(S)·Vᵀ.
// Singular values are sorted in decreasing order.
type Decomposition struct {
	u, v   mat.Dense
	values []float64
	input  *mat.Dense
}

// Decompose computes the thin SVD of the matrix m.
func Decompose(m *tensors.Tensor) (*Decomposition, error) {
	input, err := toDense(m)
	if err != nil {
		return nil, err
	}
	var svd mat.SVD
	if ok := svd.Factorize(input, mat.SVDThin); !ok {
		return nil, errors.Errorf("SVD factorization of matrix shaped %v failed to converge", m.Shape())
	}
	d := &Decomposition{input: input, values: svd.Values(nil)}
	svd.UTo(&d.u)
	svd.VTo(&d.v)
	return d, nil
}

// toDense converts the float32 matrix to a float64 gonum matrix.
func toDense(m *tensors.Tensor) (*mat.Dense, error) {
	if m == nil || m.Rank() != 2 {
		var shape []int
		if m != nil {
			shape = m.Shape()
		}
		return nil, errors.Wrapf(ErrNotMatrix, "got shape %v", shape)
	}
	rows, cols := m.Dim(0), m.Dim(1)
	if rows == 0 || cols == 0 {
		return nil, errors.Wrapf(ErrNotMatrix, "empty matrix shaped %v", m.Shape())
	}
	return mat.NewDense(rows, cols, m.Float64s()), nil
}

// toTensor converts a gonum matrix back to a float32 tensor.
func toTensor(d mat.Matrix) *tensors.Tensor {
	rows, cols := d.Dims()
	t := tensors.New(rows, cols)
	data := t.Data()
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			data[i*cols+j] = float32(d.At(i, j))
		}
	}
	return t
}

// MaxRank is min(rows, cols) of the decomposed matrix.
func (d *Decomposition) MaxRank() int {
	return len(d.values)
}

// SingularValues returns a copy of the singular values, in decreasing order.
func (d *Decomposition) SingularValues() []float64 {
	return append([]float64(nil), d.values...)
}

// clampRank validates rank and clamps it to MaxRank.
func (d *Decomposition) clampRank(rank int) (int, error) {
	if rank < 1 {
		return 0, errors.Wrapf(ErrInvalidRank, "rank must be >= 1, got %d", rank)
	}
	if rank > d.MaxRank() {
		klog.V(1).Infof("lowrank: rank %d clamped to %d, the maximum rank of a %dx%d matrix",
			rank, d.MaxRank(), d.u.RawMatrix().Rows, d.v.RawMatrix().Rows)
		rank = d.MaxRank()
	}
	return rank, nil
}

// factors returns U_r·diag(s_r^pow) and diag(s_r^(1-pow))·V_rᵀ.
func (d *Decomposition) factors(rank int, pow float64) (a, b *mat.Dense) {
	rows, _ := d.u.Dims()
	cols, _ := d.v.Dims()
	a = mat.NewDense(rows, rank, nil)
	a.Copy(d.u.Slice(0, rows, 0, rank))
	b = mat.NewDense(rank, cols, nil)
	b.Copy(d.v.Slice(0, cols, 0, rank).T())
	for k := 0; k < rank; k++ {
		s := d.values[k]
		left, right := math.Pow(s, pow), math.Pow(s, 1-pow)
		for i := 0; i < rows; i++ {
			a.Set(i, k, a.At(i, k)*left)
		}
		for j := 0; j < cols; j++ {
			b.Set(k, j, b.At(k, j)*right)
		}
	}
	return a, b
}

// reconstruct returns U_r·diag(s_r)·V_rᵀ in float64.
func (d *Decomposition) reconstruct(rank int) *mat.Dense {
	a, b := d.factors(rank, 1)
	var product mat.Dense
	product.Mul(a, b)
	return &product
}

// Approximate returns the best rank-r approximation of the decomposed matrix.
func (d *Decomposition) Approximate(rank int) (*tensors.Tensor, error) {
	rank, err := d.clampRank(rank)
	if err != nil {
		return nil, err
	}
	return toTensor(d.reconstruct(rank)), nil
}

// Factorize returns A = U_r·diag(√s_r), shaped `[rows, r]`, and B = diag(√s_r)·V_rᵀ, shaped `[r, cols]`.
// A·B is the rank-r approximation.
func (d *Decomposition) Factorize(rank int) (a, b *tensors.Tensor, err error) {
	rank, err = d.clampRank(rank)
	if err != nil {
		return nil, nil, err
	}
	denseA, denseB := d.factors(rank, 0.5)
	return toTensor(denseA), toTensor(denseB), nil
}

// TailEnergy returns sqrt(Σ_{i>=rank} s_i²), the theoretical Frobenius error of the rank approximation.
func (d *Decomposition) TailEnergy(rank int) float64 {
	var sum float64
	for i := len(d.values) - 1; i >= rank && i >= 0; i-- {
		sum += d.values[i] * d.values[i]
	}
	return math.Sqrt(sum)
}

// Approximate returns the best rank-r approximation of the matrix m (rank-2 tensor), with the same shape as m.
//
// It returns ErrInvalidRank if rank < 1, and ErrNotMatrix if m is not a non-empty matrix.
// Ranks larger than min(rows, cols) are clamped.
func Approximate(m *tensors.Tensor, rank int) (*tensors.Tensor, error) {
	if rank < 1 {
		return nil, errors.Wrapf(ErrInvalidRank, "rank must be >= 1, got %d", rank)
	}
	d, err := Decompose(m)
	if err != nil {
		return nil, err
	}
	return d.Approximate(rank)
}

// Factorize returns the low-rank factors (A, B) of m, such that A·B == Approximate(m, rank) (up to float rounding).
// The singular values are split evenly between the two factors.
func Factorize(m *tensors.Tensor, rank int) (a, b *tensors.Tensor, err error) {
	if rank < 1 {
		return nil, nil, errors.Wrapf(ErrInvalidRank, "rank must be >= 1, got %d", rank)
	}
	d, err := Decompose(m)
	if err != nil {
		return nil, nil, err
	}
	return d.Factorize(rank)
}

// ReconstructionError returns the Frobenius distance between m and its approximation.
func ReconstructionError(m, approximation *tensors.Tensor) (float64, error) {
	return tensors.FrobeniusDistance(m, approximation)
}

// RankError is the reconstruction error for one rank.
type RankError struct {
	Rank int

	// Error is the measured Frobenius distance between the input and its approximation, in float64.
	Error float64

	// Expected is the theoretical error: the square root of the energy of the discarded singular values.
	Expected float64
}

// Error computes the reconstruction error for rank, clamped as in Approximate.
func (d *Decomposition) Error(rank int) (RankError, error) {
	clamped, err := d.clampRank(rank)
	if err != nil {
		return RankError{}, err
	}
	approx := d.reconstruct(clamped)
	return RankError{
		Rank:     rank,
		Error:    floats.Distance(d.input.RawMatrix().Data, approx.RawMatrix().Data, 2),
		Expected: d.TailEnergy(clamped),
	}, nil
}

// ErrorsByRank computes the reconstruction errors of m for each of the given ranks, with a single SVD.
// Ranks are clamped as in Approximate. The errors are non-increasing as rank grows.
func ErrorsByRank(m *tensors.Tensor, ranks []int) ([]RankError, error) {
	d, err := Decompose(m)
	if err != nil {
		return nil, err
	}
	results := make([]RankError, 0, len(ranks))
	for _, rank := range ranks {
		rankErr, err := d.Error(rank)
		if err != nil {
			return nil, err
		}
		results = append(results, rankErr)
	}
	return results, nil
}
