// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package initializer provides the initializers used to create the values of new variables.
//
// The random initializers take a rand.Source, so models built with the same seed are
// reproducible. See NewSource.
package initializer

import (
	"math"
	"math/rand/v2"

	"github.com/gomlx/lora/pkg/core/tensors"
	"gonum.org/v1/gonum/stat/distuv"
)

// Initializer creates the value of a variable with the given shape.
type Initializer func(shape ...int) *tensors.Tensor

// NewSource returns a deterministic random source for the given seed.
func NewSource(seed uint64) rand.Source {
	return rand.NewPCG(seed, seed^0x9E3779B97F4A7C15)
}

var (
	// Zero initializes variables with zero.
	Zero Initializer = func(shape ...int) *tensors.Tensor {
		return tensors.New(shape...)
	}

	// One initializes variables with one.
	One Initializer = func(shape ...int) *tensors.Tensor {
		return Constant(1)(shape...)
	}
)

// Constant returns an initializer that fills the variables with value.
func Constant(value float32) Initializer {
	return func(shape ...int) *tensors.Tensor {
		t := tensors.New(shape...)
		data := t.Data()
		for ii := range data {
			data[ii] = value
		}
		return t
	}
}

// fill the new tensor with samples from rnd.
func fill(shape []int, rnd func() float64) *tensors.Tensor {
	t := tensors.New(shape...)
	data := t.Data()
	for ii := range data {
		data[ii] = float32(rnd())
	}
	return t
}

// Normal returns an initializer that generates random normal values with the given standard deviation
// and mean set to 0.
//
// A stddev of 0 yields zeros.
func Normal(src rand.Source, stddev float64) Initializer {
	if stddev == 0 {
		return Zero
	}
	dist := distuv.Normal{Mu: 0, Sigma: stddev, Src: src}
	return func(shape ...int) *tensors.Tensor {
		return fill(shape, dist.Rand)
	}
}

// Uniform returns an initializer that generates random uniform values from [min, max).
func Uniform(src rand.Source, minValue, maxValue float64) Initializer {
	dist := distuv.Uniform{Min: minValue, Max: maxValue, Src: src}
	return func(shape ...int) *tensors.Tensor {
		return fill(shape, dist.Rand)
	}
}

// computeFanInFanOut of a weight matrix shaped `[fanIn, fanOut]`.
func computeFanInFanOut(shape []int) (fanIn, fanOut int) {
	switch len(shape) {
	case 0: // Scalar.
		return 1, 1
	case 1: // 1D shape, like a bias term.
		return 0, 0
	default:
		return shape[len(shape)-2], shape[len(shape)-1]
	}
}

// XavierUniform returns an initializer that generates random values with a uniform distribution with a range
// defined by +/- sqrt(6 / (fanIn+fanOut)).
// See paper and reasoning in https://paperswithcode.com/method/xavier-initialization
//
// It initializes biases (anything with rank <= 1) to zeros.
func XavierUniform(src rand.Source) Initializer {
	return func(shape ...int) *tensors.Tensor {
		if len(shape) <= 1 {
			// Zero-bias.
			return Zero(shape...)
		}
		fanIn, fanOut := computeFanInFanOut(shape)
		scale := max(1.0, float64(fanIn+fanOut))
		limit := math.Sqrt(6.0 / scale)
		return Uniform(src, -limit, limit)(shape...)
	}
}
