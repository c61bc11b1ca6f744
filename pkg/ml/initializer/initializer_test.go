// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package initializer

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat"
)

func TestNormal(t *testing.T) {
	const stddev = 0.02
	values := Normal(NewSource(42), stddev)(100, 100)
	require.Equal(t, []int{100, 100}, values.Shape())
	data := values.Float64s()
	mean, std := stat.MeanStdDev(data, nil)
	fmt.Printf("\tmean=%g, stddev=%g\n", mean, std)
	assert.InDelta(t, 0.0, mean, 1e-3)
	assert.InDelta(t, stddev, std, 1e-3)

	// Same seed, same values.
	again := Normal(NewSource(42), stddev)(100, 100)
	assert.Equal(t, values.Data(), again.Data())

	// Zero standard deviation.
	assert.Equal(t, []float32{0, 0, 0}, Normal(NewSource(1), 0)(3).Data())
}

func TestUniform(t *testing.T) {
	values := Uniform(NewSource(7), -1, 1)(1000)
	for _, v := range values.Data() {
		require.True(t, v >= -1 && v < 1, "value %g out of range", v)
	}
	assert.Equal(t, []float32{0, 0}, Zero(2).Data())
	assert.Equal(t, []float32{1, 1}, One(2).Data())

	limit := float32(math.Sqrt(6.0 / 30.0))
	weights := XavierUniform(NewSource(3))(10, 20)
	for _, v := range weights.Data() {
		require.True(t, v >= -limit && v <= limit)
	}
	assert.Equal(t, []float32{0, 0, 0}, XavierUniform(NewSource(3))(3).Data())
}
