// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"

	"github.com/gomlx/lora/pkg/core/tensors"
	"github.com/gomlx/lora/pkg/ml/initializer"
	"github.com/gomlx/lora/pkg/ml/lowrank"
	"github.com/gomlx/lora/ui/commandline"
	"github.com/gomlx/lora/ui/plots"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// sweepConfig configures the low-rank sweep: a random matrix of shape [Rows, Cols] with rank TrueRank,
// approximated with ranks 1 to MaxRank.
type sweepConfig struct {
	Rows, Cols, TrueRank, MaxRank int
	Seed                          uint64
}

func defaultSweepConfig() sweepConfig {
	return sweepConfig{Rows: 768, Cols: 384, TrueRank: 8, MaxRank: 16, Seed: 42}
}

// randomLowRankMatrix returns rand(Rows, TrueRank)·rand(TrueRank, Cols), with values uniform in [0, 1).
func randomLowRankMatrix(cfg sweepConfig) (*tensors.Tensor, error) {
	if cfg.Rows < 1 || cfg.Cols < 1 || cfg.TrueRank < 1 {
		return nil, errors.Errorf("invalid sweep matrix dimensions [%d, %d] with rank %d", cfg.Rows, cfg.Cols, cfg.TrueRank)
	}
	uniform := initializer.Uniform(initializer.NewSource(cfg.Seed), 0, 1)
	left := uniform(cfg.Rows, cfg.TrueRank)
	right := uniform(cfg.TrueRank, cfg.Cols)
	return tensors.MatMul(left, right)
}

// lowRankSweep measures the reconstruction error of the random low-rank matrix for each rank
// from 1 to cfg.MaxRank, displaying a progress bar in w.
//
// If pointsFile is given, the points are also appended to it.
func lowRankSweep(w io.Writer, cfg sweepConfig, pointsFile string) (plots.Points, error) {
	if cfg.MaxRank < 1 {
		return nil, errors.Wrapf(lowrank.ErrInvalidRank, "sweep max rank %d", cfg.MaxRank)
	}
	m, err := randomLowRankMatrix(cfg)
	if err != nil {
		return nil, err
	}
	d, err := lowrank.Decompose(m)
	if err != nil {
		return nil, err
	}

	var pointWriter chan<- plots.Point
	var errReport <-chan error
	if pointsFile != "" {
		pointWriter, errReport = plots.CreatePointsWriter(pointsFile)
	}
	var last lowrank.RankError
	pBar := commandline.NewProgressBar(w, cfg.MaxRank, "ranks",
		func() (string, string) { return "rank", fmt.Sprint(last.Rank) },
		func() (string, string) { return "error", fmt.Sprintf("%.4g", last.Error) })
	var rawPoints []plots.Point
	for rank := 1; rank <= cfg.MaxRank; rank++ {
		last, err = d.Error(rank)
		if err != nil {
			break
		}
		points := plots.FromRankError(last)
		rawPoints = append(rawPoints, points...)
		for _, point := range points {
			if pointWriter != nil {
				pointWriter <- point
			}
		}
		if err = pBar.Add(1); err != nil {
			break
		}
	}
	if err == nil {
		err = pBar.Finish()
	}
	if pointWriter != nil {
		close(pointWriter)
		if writeErr := <-errReport; err == nil {
			err = writeErr
		}
	}
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("low-rank sweep of a [%d, %d] matrix of rank %d: %d ranks measured", cfg.Rows, cfg.Cols, cfg.TrueRank, cfg.MaxRank)
	return plots.NewPoints(rawPoints), nil
}
