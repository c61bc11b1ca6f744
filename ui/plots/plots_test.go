// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package plots

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/lora/pkg/ml/lowrank"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRankErrors() []lowrank.RankError {
	return []lowrank.RankError{
		{Rank: 1, Error: 3.0, Expected: 3.0},
		{Rank: 2, Error: 1.5, Expected: 1.5},
		{Rank: 4, Error: 1e-7, Expected: 0},
	}
}

func TestPoints(t *testing.T) {
	points := NewPoints(FromRankErrors(testRankErrors()))
	require.Len(t, points, 3)
	assert.Equal(t, []string{ExpectedErrorMetric, MeasuredErrorMetric}, points.MetricsNames())

	series := points.Series(MeasuredErrorMetric)
	require.Len(t, series, 3)
	assert.Equal(t, 2.0, series[1].X)
	assert.Equal(t, 1.5, series[1].Y)

	raw := points.Extract()
	require.Len(t, raw, 6)
	assert.Equal(t, 1.0, raw[0].Step)
	assert.Equal(t, 4.0, raw[5].Step)

	// Map visits the points in step order, and can change them in place.
	var steps []float64
	points.Map(func(p *Point) {
		steps = append(steps, p.Step)
		p.Value *= 2
	})
	assert.Equal(t, []float64{1, 1, 2, 2, 4, 4}, steps)
	assert.Equal(t, 3.0, points.Series(MeasuredErrorMetric)[1].Y)
	points.Map(func(p *Point) { p.Value /= 2 })

	table := points.TableForMetrics("Rank", MeasuredErrorMetric)
	fmt.Printf("%s\n", table)
	assert.Contains(t, table, "Rank")
	assert.Contains(t, table, "1.5")
	assert.NotContains(t, table, ExpectedErrorMetric)
}

func TestPointsWriter(t *testing.T) {
	dir := t.TempDir()
	filePath := filepath.Join(dir, SweepPointsFileName)
	writer, errReport := CreatePointsWriter(filePath)
	for _, p := range FromRankErrors(testRankErrors()) {
		writer <- p
	}
	close(writer)
	require.NoError(t, <-errReport)

	loaded, err := LoadPointsFromCheckpoint(dir)
	require.NoError(t, err)
	assert.Equal(t, FromRankErrors(testRankErrors()), loaded)

	// Non-existing directory.
	writer, errReport = CreatePointsWriter(filepath.Join(dir, "missing", "points.json"))
	writer <- Point{MetricName: "x"}
	close(writer)
	require.Error(t, <-errReport)
	_, err = LoadPoints(filepath.Join(dir, "missing", "points.json"))
	require.Error(t, err)
}

func TestSavePlot(t *testing.T) {
	points := NewPoints(FromRankErrors(testRankErrors()))
	filePath := filepath.Join(t.TempDir(), "errors.png")
	require.NoError(t, points.SavePlot(filePath, "Reconstruction error", "rank", "Frobenius error"))
	info, err := os.Stat(filePath)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))

	_, err = points.Plot("unknown", "x", "y", "not a metric")
	require.Error(t, err)
	_, err = NewPoints(nil).Plot("empty", "x", "y")
	require.Error(t, err)
}
